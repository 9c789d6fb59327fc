package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type cancelOpts struct {
	*rootOpts
}

func newCancel(parent *rootOpts) *cancelOpts {
	return &cancelOpts{rootOpts: parent}
}

func (opts *cancelOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <customer>",
		Short:   "Stop a customer's provisioning after the step it is on.",
		Example: makeExample("luffyctl cancel acme"),
		RunE:    opts.RunE,
	}
}

func (opts *cancelOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	j, err := opts.API.CancelProvisioning(context.Background(), tenant.ID(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelling job %s; it will stop after the step in progress\n", j.ID)
	return nil
}
