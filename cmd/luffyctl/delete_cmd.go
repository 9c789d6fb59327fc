package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/tenant"
)

type deleteOpts struct {
	*rootOpts
	confirm    string
	deleteRepo bool
}

func newDelete(parent *rootOpts) *deleteOpts {
	return &deleteOpts{rootOpts: parent}
}

func (opts *deleteOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <customer>",
		Short: "Tear down a customer's applications and namespaces, and optionally its repository.",
		Example: makeExample(
			"luffyctl delete acme --confirm acme",
			"luffyctl delete acme --confirm acme --delete-repo",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVar(&opts.confirm, "confirm", "", "repeat the customer id to confirm")
	cmd.Flags().BoolVar(&opts.deleteRepo, "delete-repo", false, "delete the customer's repository too")
	return cmd
}

func (opts *deleteOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	if opts.confirm == "" {
		return newUsageError("--confirm is required, and must repeat the customer id")
	}
	res, err := opts.API.DeleteCustomer(context.Background(), tenant.ID(args[0]), provision.DeleteOptions{
		Confirm:    opts.confirm,
		DeleteRepo: opts.deleteRepo,
	})
	if err != nil {
		return err
	}
	return printResources(cmd, res.Resources, res.Errors)
}

// printResources lists what a teardown did, and fails if anything
// could not be done.
func printResources(cmd *cobra.Command, resources []provision.ResourceResult, errs []string) error {
	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "KIND\tNAME\tRESULT\n")
	for _, r := range resources {
		result := "nothing to do"
		switch {
		case r.Error != "":
			result = "error: " + r.Error
		case r.Done:
			result = "done"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Kind, r.Name, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d resource(s) could not be torn down", len(errs))
	}
	return nil
}
