package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/tenant"
)

type pipelinesOpts struct {
	*rootOpts
	run int64
}

func newPipelines(parent *rootOpts) *pipelinesOpts {
	return &pipelinesOpts{rootOpts: parent}
}

func (opts *pipelinesOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines [<customer>]",
		Short: "Show the latest CI run of every customer, or the jobs of one customer's run.",
		Example: makeExample(
			"luffyctl pipelines",
			"luffyctl pipelines acme",
			"luffyctl pipelines acme --run 4242",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().Int64Var(&opts.run, "run", 0, "show the jobs of this run; defaults to the latest")
	return cmd
}

func (opts *pipelinesOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()
	switch len(args) {
	case 0:
		res, err := opts.API.PipelineStatus(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		w := newTabwriter(out)
		fmt.Fprintln(w, "CUSTOMER\tRUN\tBRANCH\tTEST\tBUILD\tDEPLOY\tUPDATED")
		for _, s := range res.Pipelines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.TenantID, runID(s), orDash(s.Branch),
				s.Stages.Test, s.Stages.Build, s.Stages.Deploy, ago(now, s.UpdatedAt))
		}
		return w.Flush()
	case 1:
		id := tenant.ID(args[0])
		run := opts.run
		if run == 0 {
			s, err := opts.API.CustomerPipeline(ctx, id)
			if err != nil {
				return err
			}
			if s.RunID == 0 {
				fmt.Fprintf(out, "No CI runs for %s\n", id)
				return nil
			}
			run = s.RunID
			fmt.Fprintf(out, "Run %d on %s: %s %s\n", s.RunID, orDash(s.Branch), s.Status, s.Conclusion)
		}
		detail, err := opts.API.PipelineJobs(ctx, id, run)
		if err != nil {
			return err
		}
		w := newTabwriter(out)
		fmt.Fprintln(w, "JOB\tSTAGE\tSTATUS\tCONCLUSION")
		for _, j := range detail.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, orDash(string(j.Stage)), j.Status, orDash(j.Conclusion))
			for _, st := range j.Steps {
				fmt.Fprintf(w, "  %d. %s\t\t%s\t%s\n", st.Number, st.Name, st.Status, orDash(st.Conclusion))
			}
		}
		return w.Flush()
	default:
		return newUsageError("expected at most one customer id")
	}
}

func runID(s pipeline.Summary) string {
	if s.RunID == 0 {
		return "-"
	}
	return strconv.FormatInt(s.RunID, 10)
}
