package provision

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
)

var (
	// Most steps are a handful of API calls; creating a repository
	// or pushing templates may take several seconds.
	stepDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Subsystem: "provision",
		Name:      "step_duration_seconds",
		Help:      "Duration of provisioning steps, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
	}, []string{luffymetrics.LabelStep, luffymetrics.LabelSuccess})

	jobsTotal = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "luffy",
		Subsystem: "provision",
		Name:      "jobs_total",
		Help:      "Count of provisioning jobs, by how they ended.",
	}, []string{luffymetrics.LabelOutcome})
)
