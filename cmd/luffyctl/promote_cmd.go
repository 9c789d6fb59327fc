package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

type promoteOpts struct {
	*rootOpts
	await bool
}

func newPromote(parent *rootOpts) *promoteOpts {
	return &promoteOpts{rootOpts: parent}
}

func (opts *promoteOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <customer>",
		Short: "Approve sending a customer's preprod image to prod.",
		Example: makeExample(
			"luffyctl promote acme",
			"luffyctl promote acme --await",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVarP(&opts.await, "await", "w", false, "wait for prod to converge on the new image")
	return cmd
}

func (opts *promoteOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	ctx := context.Background()
	p, err := opts.API.Promote(ctx, tenant.ID(args[0]))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Promoting %s to prod (handle %s)\n", p.Image, p.Handle)
	if !opts.await {
		return nil
	}

	p, err = awaitPromotion(ctx, opts.API, p.Handle, opts.Timeout)
	if err != nil {
		return err
	}
	if p.State != store.PromotionSucceeded {
		return fmt.Errorf("promotion %s: %s", p.State, p.Message)
	}
	fmt.Fprintf(out, "Prod is running %s\n", p.Image)
	return nil
}
