package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type approvalsOpts struct {
	*rootOpts
}

func newApprovals(parent *rootOpts) *approvalsOpts {
	return &approvalsOpts{rootOpts: parent}
}

func (opts *approvalsOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "approvals",
		Short:   "List customers whose preprod image is waiting to be promoted to prod.",
		Example: makeExample("luffyctl approvals"),
		RunE:    opts.RunE,
	}
}

func (opts *approvalsOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	res, err := opts.API.PendingApprovals(context.Background())
	if err != nil {
		return err
	}

	now := time.Now()
	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "CUSTOMER\tPREPROD\tPROD\tREADY\tSTATE\tWAITING")
	for _, a := range res.Approvals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", a.TenantID, a.PreprodImage, orDash(a.ProdImage), a.PreprodReady, a.State, ago(now, a.CreatedAt))
	}
	return w.Flush()
}
