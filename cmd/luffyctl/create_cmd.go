package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/tenant"
)

type createOpts struct {
	*rootOpts
	req   tenant.Request
	await bool
}

func newCreate(parent *rootOpts) *createOpts {
	return &createOpts{rootOpts: parent}
}

func (opts *createOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a customer: repository, CI/CD templates, namespaces and Argo CD applications.",
		Example: makeExample(
			"luffyctl create --name acme --stack nodejs",
			"luffyctl create --name acme --stack nodejs --repo-url https://github.com/acme-org/api --await",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.req.Name, "name", "n", "", "customer name; the customer id is derived from it")
	cmd.Flags().StringVarP(&opts.req.Stack, "stack", "s", string(tenant.NodeJS), "application stack")
	cmd.Flags().StringVar(&opts.req.Owner, "repo-owner", "", "user or organisation owning the repository; defaults to the server's")
	cmd.Flags().StringVar(&opts.req.RepoName, "repo-name", "", "repository name; defaults to the customer id")
	cmd.Flags().StringVar(&opts.req.RepoURL, "repo-url", "", "repository as a URL, instead of --repo-owner and --repo-name")
	cmd.Flags().StringVar(&opts.req.Branch, "branch", "", "branch to push templates to; defaults to the server's")
	cmd.Flags().BoolVarP(&opts.await, "await", "w", false, "wait for provisioning to finish, showing progress")
	return cmd
}

func (opts *createOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.req.Name == "" {
		return newUsageError("--name is required")
	}

	ctx := context.Background()
	started, err := opts.API.CreateCustomer(ctx, opts.req)
	if err != nil {
		return err
	}
	id := started.Tenant.ID
	out := cmd.OutOrStdout()
	switch {
	case started.Existing:
		fmt.Fprintf(out, "Customer %s is already provisioned\n", id)
		return nil
	case started.Resumed:
		fmt.Fprintf(out, "Resuming provisioning of %s (job %s)\n", id, started.JobID)
	default:
		fmt.Fprintf(out, "Provisioning %s (job %s)\n", id, started.JobID)
	}
	if !opts.await {
		return nil
	}

	j, err := awaitJob(ctx, cmd.ErrOrStderr(), opts.API, id, opts.Timeout)
	if err != nil {
		return err
	}
	if j.Status != job.StatusSuccess {
		return failedStep(j)
	}
	fmt.Fprintf(out, "Customer %s is provisioned\n", id)
	return nil
}
