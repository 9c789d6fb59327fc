package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/tenant"
)

type reinitOpts struct {
	*rootOpts
}

func newReinit(parent *rootOpts) *reinitOpts {
	return &reinitOpts{rootOpts: parent}
}

func (opts *reinitOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "reinit <customer>",
		Short:   "Push the CI/CD templates to a customer's repository again.",
		Example: makeExample("luffyctl reinit acme"),
		RunE:    opts.RunE,
	}
}

func (opts *reinitOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedCustomer
	}
	res, err := opts.API.Reinitialize(context.Background(), tenant.ID(args[0]))
	if err != nil {
		return err
	}

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "FILE\tRESULT\n")
	for _, f := range res.TemplatesPushed {
		fmt.Fprintf(w, "%s\tpushed\n", f)
	}
	for _, f := range res.Unchanged {
		fmt.Fprintf(w, "%s\tunchanged\n", f)
	}
	var failed []string
	for f := range res.Errors {
		failed = append(failed, f)
	}
	sort.Strings(failed)
	for _, f := range failed {
		fmt.Fprintf(w, "%s\terror: %s\n", f, res.Errors[f])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d template(s) could not be pushed", len(failed))
	}
	return nil
}
