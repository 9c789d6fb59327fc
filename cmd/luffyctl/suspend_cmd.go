package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/tenant"
)

type suspendOpts struct {
	*rootOpts
	confirm string
	reason  string
}

func newSuspend(parent *rootOpts) *suspendOpts {
	return &suspendOpts{rootOpts: parent}
}

func (opts *suspendOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "suspend <customer>",
		Short:   "Scale all of a customer's workloads to zero, keeping everything else.",
		Example: makeExample("luffyctl suspend acme --confirm acme --reason 'unpaid invoice'"),
		RunE:    opts.RunE,
	}
	cmd.Flags().StringVar(&opts.confirm, "confirm", "", "repeat the customer id to confirm")
	cmd.Flags().StringVar(&opts.reason, "reason", "", "why the customer is suspended; shown with the customer")
	return cmd
}

func (opts *suspendOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	if opts.confirm == "" {
		return newUsageError("--confirm is required, and must repeat the customer id")
	}
	res, err := opts.API.SuspendCustomer(context.Background(), tenant.ID(args[0]), provision.SuspendOptions{
		Confirm: opts.confirm,
		Reason:  opts.reason,
	})
	if err != nil {
		return err
	}
	return printResources(cmd, res.Resources, res.Errors)
}
