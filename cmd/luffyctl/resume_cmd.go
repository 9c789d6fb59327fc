package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type resumeOpts struct {
	*rootOpts
}

func newResume(parent *rootOpts) *resumeOpts {
	return &resumeOpts{rootOpts: parent}
}

func (opts *resumeOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "resume <customer>",
		Short:   "Bring a suspended customer's workloads back up.",
		Example: makeExample("luffyctl resume acme"),
		RunE:    opts.RunE,
	}
}

func (opts *resumeOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	res, err := opts.API.ResumeCustomer(context.Background(), tenant.ID(args[0]))
	if err != nil {
		return err
	}
	return printResources(cmd, res.Resources, res.Errors)
}
