package daemon

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
)

var (
	// A reconcile reads three namespaces per tenant, and CI from the
	// cache; with tens of tenants it takes a second or two.
	reconcileDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Subsystem: "daemon",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of reconciling environments with the cluster, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
	}, []string{luffymetrics.LabelSuccess})

	scheduledDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Subsystem: "daemon",
		Name:      "scheduled_task_duration_seconds",
		Help:      "Duration of scheduled tasks, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
	}, []string{luffymetrics.LabelMethod})

	customers = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "luffy",
		Subsystem: "daemon",
		Name:      "customers",
		Help:      "Number of customers that have not been deleted.",
	}, []string{})
)
