package daemon

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
)

// Schedules says when the periodic housekeeping runs. Specs are in
// cron syntax, or descriptors like "@every 30s"; an empty spec turns
// the task off.
type Schedules struct {
	PipelineRefresh  string
	HistoryPrune     string
	HistoryRetention time.Duration
	// Timeout bounds each run of a task.
	Timeout time.Duration
}

// Schedule adds the housekeeping tasks to c. The caller starts and
// stops c.
func (d *Daemon) Schedule(c *cron.Cron, s Schedules, logger log.Logger) error {
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	if s.PipelineRefresh != "" {
		if _, err := c.AddFunc(s.PipelineRefresh, d.task("refresh-pipelines", s.Timeout, logger, d.refreshPipelines)); err != nil {
			return errors.Wrapf(err, "scheduling pipeline refresh %q", s.PipelineRefresh)
		}
	}
	if s.HistoryPrune != "" && s.HistoryRetention > 0 {
		prune := func(ctx context.Context, logger log.Logger) {
			d.pruneHistory(ctx, s.HistoryRetention, logger)
		}
		if _, err := c.AddFunc(s.HistoryPrune, d.task("prune-history", s.Timeout, logger, prune)); err != nil {
			return errors.Wrapf(err, "scheduling history pruning %q", s.HistoryPrune)
		}
	}
	return nil
}

func (d *Daemon) task(name string, timeout time.Duration, logger log.Logger, f func(context.Context, log.Logger)) func() {
	logger = log.With(logger, "task", name)
	return func() {
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		f(ctx, logger)
		scheduledDuration.With(luffymetrics.LabelMethod, name).Observe(time.Since(started).Seconds())
	}
}
