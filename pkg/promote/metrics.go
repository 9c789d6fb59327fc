package promote

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
)

var (
	// Promotions wait on a rollout, so take anywhere from seconds to
	// the convergence timeout.
	promotionDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Subsystem: "promote",
		Name:      "promotion_duration_seconds",
		Help:      "Duration from approval to convergence or failure, in seconds.",
		Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 240, 300, 600},
	}, []string{luffymetrics.LabelOutcome})

	autoPromotions = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "luffy",
		Subsystem: "promote",
		Name:      "auto_promotions_total",
		Help:      "Count of images promoted without approval.",
	}, []string{luffymetrics.LabelEnvironment})

	pendingApprovals = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "luffy",
		Subsystem: "promote",
		Name:      "pending_approvals",
		Help:      "Number of tenants waiting for an operator to approve a promotion.",
	}, []string{})
)
