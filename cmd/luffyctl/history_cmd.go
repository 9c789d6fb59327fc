package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type historyOpts struct {
	*rootOpts
	limit int
}

func newHistory(parent *rootOpts) *historyOpts {
	return &historyOpts{rootOpts: parent}
}

func (opts *historyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <customer>",
		Short: "Show what has been done to a customer, newest first.",
		Example: makeExample(
			"luffyctl history acme",
			"luffyctl history acme --limit 200",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", 0, "number of events to show; 0 means the server's default")
	return cmd
}

func (opts *historyOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	if opts.limit < 0 {
		return newUsageError("--limit must not be negative")
	}
	res, err := opts.API.History(context.Background(), tenant.ID(args[0]), opts.limit)
	if err != nil {
		return err
	}

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "TIME\tACTION\tMESSAGE")
	for _, e := range res.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.At.Format(time.RFC822), e.Action, e.Message)
	}
	return w.Flush()
}
