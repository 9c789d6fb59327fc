package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type listCustomersOpts struct {
	*rootOpts
}

func newListCustomers(parent *rootOpts) *listCustomersOpts {
	return &listCustomersOpts{rootOpts: parent}
}

func (opts *listCustomersOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"customers"},
		Short:   "List customers and where each is up to.",
		Example: makeExample("luffyctl list"),
		RunE:    opts.RunE,
	}
}

func (opts *listCustomersOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	customers, err := opts.API.ListCustomers(context.Background())
	if err != nil {
		return err
	}

	now := time.Now()
	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "CUSTOMER\tSTACK\tREPOSITORY\tPROVISIONING\tPHASE\tAGE\n")
	for _, c := range customers {
		status := "-"
		if c.Job != nil {
			status = string(c.Job.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Stack, c.Repo.String(), status, orDash(string(c.Phase)), ago(now, c.CreatedAt))
	}
	return w.Flush()
}
