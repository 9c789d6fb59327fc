package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/api"
	transport "github.com/openluffy/luffy/pkg/http"
	"github.com/openluffy/luffy/pkg/http/client"
)

const (
	EnvVariableURL     = "LUFFY_URL"
	EnvVariableToken   = "LUFFY_TOKEN"
	EnvVariableTimeout = "LUFFY_TIMEOUT"
)

type rootOpts struct {
	URL     string
	Token   string
	Timeout time.Duration
	API     api.Server
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
luffyctl helps you run customers' environments.

Workflow:
  luffyctl create --name acme --stack nodejs --await  # Provision a customer
  luffyctl status acme                                # How far did it get?
  luffyctl approvals                                  # What is waiting to go to prod?
  luffyctl promote acme --await                       # Send preprod's image to prod
  luffyctl pipelines                                  # What is CI doing?
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "luffyctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:3030",
		fmt.Sprintf("base URL of the luffyd API server; you can also set the environment variable %s", EnvVariableURL))
	cmd.PersistentFlags().StringVarP(&opts.Token, "token", "t", "",
		fmt.Sprintf("API token to authenticate with; you can also set the environment variable %s", EnvVariableToken))
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute,
		fmt.Sprintf("how long to wait with --await; you can also set the environment variable %s", EnvVariableTimeout))

	cmd.AddCommand(
		newVersionCommand(),
		newCreate(opts).Command(),
		newListCustomers(opts).Command(),
		newStatus(opts).Command(),
		newCancel(opts).Command(),
		newReinit(opts).Command(),
		newDelete(opts).Command(),
		newSuspend(opts).Command(),
		newResume(opts).Command(),
		newDeployments(opts).Command(),
		newHistory(opts).Command(),
		newIntegration(opts).Command(),
		newApprovals(opts).Command(),
		newPromote(opts).Command(),
		newPipelines(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	// Commands that don't need an API
	switch cmd.Use {
	case "version":
		return nil
	}
	if opts.API != nil {
		return nil
	}

	opts.URL = getFromEnvIfNotSet(cmd, "url", EnvVariableURL, opts.URL)
	opts.Token = getFromEnvIfNotSet(cmd, "token", EnvVariableToken, opts.Token)
	if t := getFromEnvIfNotSet(cmd, "timeout", EnvVariableTimeout, ""); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return newUsageError(fmt.Sprintf("%s: %s", EnvVariableTimeout, err))
		}
		opts.Timeout = d
	}

	opts.API = client.New(http.DefaultClient, transport.NewAPIRouter(), opts.URL, client.Token(opts.Token))
	return nil
}

func getFromEnvIfNotSet(cmd *cobra.Command, flagName, envName, value string) string {
	if cmd.Flag(flagName).Changed {
		return value
	}
	if v := os.Getenv(envName); v != "" {
		return v
	}
	return value
}
