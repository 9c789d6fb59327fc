package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type deploymentsOpts struct {
	*rootOpts
}

func newDeployments(parent *rootOpts) *deploymentsOpts {
	return &deploymentsOpts{rootOpts: parent}
}

func (opts *deploymentsOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "deployments <customer>",
		Short:   "Show what is running in each of a customer's environments.",
		Example: makeExample("luffyctl deployments acme"),
		RunE:    opts.RunE,
	}
}

func (opts *deploymentsOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	res, err := opts.API.Deployments(context.Background(), tenant.ID(args[0]))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := newTabwriter(out)
	fmt.Fprintf(w, "ENVIRONMENT\tWORKLOAD\tIMAGE\tREADY\tSTATUS\n")
	for _, d := range res.Deployments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", d.Environment, d.Name, orDash(d.Image), d.Replicas.Ready, d.Replicas.Desired, d.Status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "As of %s ago\n", ago(time.Now(), res.RefreshedAt))
	return nil
}
