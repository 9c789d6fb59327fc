package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type statusOpts struct {
	*rootOpts
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "status <customer>",
		Short:   "Show the steps of a customer's provisioning job.",
		Example: makeExample("luffyctl status acme"),
		RunE:    opts.RunE,
	}
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	j, err := opts.API.ProvisioningStatus(context.Background(), tenant.ID(args[0]))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %s: %s", j.ID, j.Status)
	if j.Cancelled {
		fmt.Fprint(out, " (cancelled)")
	}
	fmt.Fprintln(out)

	w := newTabwriter(out)
	fmt.Fprintf(w, "STEP\tSTATUS\tMESSAGE\n")
	for _, s := range j.Steps {
		fmt.Fprintf(w, "%d. %s\t%s\t%s\n", s.Index+1, s.Name, s.Status, s.Message)
	}
	return w.Flush()
}
