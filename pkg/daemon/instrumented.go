package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/openluffy/luffy/pkg/api"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

var (
	requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Request duration in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{luffymetrics.LabelMethod, luffymetrics.LabelSuccess})
)

var _ api.Server = &instrumentedServer{}

type instrumentedServer struct {
	s api.Server
}

func Instrument(s api.Server) *instrumentedServer {
	return &instrumentedServer{s}
}

func (i *instrumentedServer) Ping(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Ping",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Ping(ctx)
}

func (i *instrumentedServer) Version(ctx context.Context) (v string, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Version",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Version(ctx)
}

func (i *instrumentedServer) CreateCustomer(ctx context.Context, req tenant.Request) (_ provision.Started, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "CreateCustomer",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.CreateCustomer(ctx, req)
}

func (i *instrumentedServer) ListCustomers(ctx context.Context) (_ []api.Customer, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "ListCustomers",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.ListCustomers(ctx)
}

func (i *instrumentedServer) GetCustomer(ctx context.Context, id tenant.ID) (_ api.Customer, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "GetCustomer",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.GetCustomer(ctx, id)
}

func (i *instrumentedServer) ProvisioningStatus(ctx context.Context, id tenant.ID) (_ *job.Job, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "ProvisioningStatus",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.ProvisioningStatus(ctx, id)
}

func (i *instrumentedServer) CancelProvisioning(ctx context.Context, id tenant.ID) (_ *job.Job, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "CancelProvisioning",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.CancelProvisioning(ctx, id)
}

func (i *instrumentedServer) Reinitialize(ctx context.Context, id tenant.ID) (_ provision.ReinitResult, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Reinitialize",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Reinitialize(ctx, id)
}

func (i *instrumentedServer) DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (_ provision.DeleteResult, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "DeleteCustomer",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.DeleteCustomer(ctx, id, opts)
}

func (i *instrumentedServer) SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (_ provision.SuspendResult, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "SuspendCustomer",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.SuspendCustomer(ctx, id, opts)
}

func (i *instrumentedServer) ResumeCustomer(ctx context.Context, id tenant.ID) (_ provision.ResumeResult, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "ResumeCustomer",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.ResumeCustomer(ctx, id)
}

func (i *instrumentedServer) Deployments(ctx context.Context, id tenant.ID) (_ api.Deployments, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Deployments",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Deployments(ctx, id)
}

func (i *instrumentedServer) History(ctx context.Context, id tenant.ID, limit int) (_ api.History, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "History",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.History(ctx, id, limit)
}

func (i *instrumentedServer) Integrations(ctx context.Context, id tenant.ID) (_ api.Integrations, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Integrations",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Integrations(ctx, id)
}

func (i *instrumentedServer) UpsertIntegration(ctx context.Context, in integration.Integration) (_ integration.Integration, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "UpsertIntegration",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.UpsertIntegration(ctx, in)
}

func (i *instrumentedServer) PendingApprovals(ctx context.Context) (_ api.PendingApprovals, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "PendingApprovals",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.PendingApprovals(ctx)
}

func (i *instrumentedServer) Promote(ctx context.Context, id tenant.ID) (_ store.Promotion, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "Promote",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.Promote(ctx, id)
}

func (i *instrumentedServer) PromotionStatus(ctx context.Context, handle string) (_ store.Promotion, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "PromotionStatus",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.PromotionStatus(ctx, handle)
}

func (i *instrumentedServer) PipelineStatus(ctx context.Context) (_ api.Pipelines, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "PipelineStatus",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.PipelineStatus(ctx)
}

func (i *instrumentedServer) CustomerPipeline(ctx context.Context, id tenant.ID) (_ pipeline.Summary, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "CustomerPipeline",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.CustomerPipeline(ctx, id)
}

func (i *instrumentedServer) PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (_ pipeline.RunDetail, err error) {
	defer func(begin time.Time) {
		requestDuration.With(
			luffymetrics.LabelMethod, "PipelineJobs",
			luffymetrics.LabelSuccess, fmt.Sprint(err == nil),
		).Observe(time.Since(begin).Seconds())
	}(time.Now())
	return i.s.PipelineJobs(ctx, id, runID)
}
