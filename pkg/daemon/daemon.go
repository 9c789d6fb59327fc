package daemon

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/openluffy/luffy/pkg/api"
	"github.com/openluffy/luffy/pkg/cluster"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/promote"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

// DefaultHistoryLimit is how many events History returns when not
// told otherwise.
const DefaultHistoryLimit = 50

// Daemon puts the engines behind the API.
type Daemon struct {
	V                string
	Store            *store.Store
	Cluster          cluster.Cluster
	Provisioner      *provision.Engine
	Promoter         *promote.Engine
	Pipelines        *pipeline.Aggregator
	IntegrationStore integration.Store
	Events           history.DB
	Logger           log.Logger
	// bookkeeping
	*LoopVars
}

// Invariant.
var _ api.Server = &Daemon{}

func (d *Daemon) Version(ctx context.Context) (string, error) {
	return d.V, nil
}

func (d *Daemon) Ping(ctx context.Context) error {
	return d.Cluster.Ping()
}

// --- provisioning

func (d *Daemon) CreateCustomer(ctx context.Context, req tenant.Request) (provision.Started, error) {
	return d.Provisioner.StartProvisioning(ctx, req)
}

func (d *Daemon) customer(t tenant.Tenant) api.Customer {
	c := api.Customer{Tenant: t}
	if j, err := d.Store.Job(t.ID); err == nil {
		c.Job = j
	}
	if phase, err := d.Store.Phase(t.ID); err == nil {
		c.Phase = phase
	}
	return c
}

// ListCustomers lists the tenants that have not been deleted.
func (d *Daemon) ListCustomers(ctx context.Context) ([]api.Customer, error) {
	res := []api.Customer{}
	for _, t := range d.Store.Tenants() {
		if t.Archived() {
			continue
		}
		res = append(res, d.customer(t))
	}
	return res, nil
}

func (d *Daemon) GetCustomer(ctx context.Context, id tenant.ID) (api.Customer, error) {
	t, err := d.Store.Tenant(id)
	if err != nil {
		return api.Customer{}, err
	}
	return d.customer(t), nil
}

func (d *Daemon) ProvisioningStatus(ctx context.Context, id tenant.ID) (*job.Job, error) {
	return d.Provisioner.GetStatus(id)
}

func (d *Daemon) CancelProvisioning(ctx context.Context, id tenant.ID) (*job.Job, error) {
	return d.Provisioner.Cancel(ctx, id)
}

func (d *Daemon) Reinitialize(ctx context.Context, id tenant.ID) (provision.ReinitResult, error) {
	return d.Provisioner.Reinitialize(ctx, id)
}

func (d *Daemon) DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (provision.DeleteResult, error) {
	res, err := d.Provisioner.Delete(ctx, id, opts)
	if err != nil {
		return res, err
	}
	d.Pipelines.Forget(id)
	d.AskForReconcile()
	return res, nil
}

func (d *Daemon) SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (provision.SuspendResult, error) {
	return d.Provisioner.Suspend(ctx, id, opts)
}

func (d *Daemon) ResumeCustomer(ctx context.Context, id tenant.ID) (provision.ResumeResult, error) {
	res, err := d.Provisioner.Resume(ctx, id)
	if err != nil {
		return res, err
	}
	d.AskForReconcile()
	return res, nil
}

// live returns the tenant if it has not been deleted.
func (d *Daemon) live(id tenant.ID) (tenant.Tenant, error) {
	t, err := d.Store.Tenant(id)
	if err != nil {
		return tenant.Tenant{}, err
	}
	if t.Archived() {
		return tenant.Tenant{}, archivedError(id)
	}
	return t, nil
}

// Deployments reads the tenant's deployments afresh. If the cluster
// cannot be reached, the last records read are returned instead, as
// long as there are some.
func (d *Daemon) Deployments(ctx context.Context, id tenant.ID) (api.Deployments, error) {
	if _, err := d.live(id); err != nil {
		return api.Deployments{}, err
	}
	refreshErr := d.Promoter.RefreshDeployments(ctx, id)
	ds, at, err := d.Store.Deployments(id)
	if err != nil {
		return api.Deployments{}, err
	}
	if refreshErr != nil {
		if at.IsZero() {
			return api.Deployments{}, refreshErr
		}
		d.Logger.Log("tenant", id, "msg", "serving stale deployments", "err", refreshErr)
	}
	if ds == nil {
		ds = []cluster.Deployment{}
	}
	return api.Deployments{TenantID: id, Deployments: ds, RefreshedAt: at}, nil
}

func (d *Daemon) History(ctx context.Context, id tenant.ID, limit int) (api.History, error) {
	if _, err := d.Store.Tenant(id); err != nil {
		return api.History{}, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	events, err := d.Events.EventsForTenant(ctx, id, limit)
	if err != nil {
		return api.History{}, err
	}
	if events == nil {
		events = []history.Event{}
	}
	return api.History{Events: events}, nil
}

// Integrations returns the tenant's integrations and the global ones,
// with secrets masked.
func (d *Daemon) Integrations(ctx context.Context, id tenant.ID) (api.Integrations, error) {
	if _, err := d.live(id); err != nil {
		return api.Integrations{}, err
	}
	is, err := d.IntegrationStore.ForTenant(ctx, id)
	if err != nil {
		return api.Integrations{}, err
	}
	res := make([]integration.Integration, 0, len(is))
	for _, i := range is {
		res = append(res, i.Mask())
	}
	return api.Integrations{Integrations: res}, nil
}

func (d *Daemon) UpsertIntegration(ctx context.Context, i integration.Integration) (integration.Integration, error) {
	if i.TenantID != nil {
		if _, err := d.live(*i.TenantID); err != nil {
			return integration.Integration{}, err
		}
	}
	res, err := d.IntegrationStore.Upsert(ctx, i)
	if err != nil {
		return integration.Integration{}, err
	}
	return res.Mask(), nil
}

// --- promotion

func (d *Daemon) PendingApprovals(ctx context.Context) (api.PendingApprovals, error) {
	return api.PendingApprovals{Approvals: d.Promoter.ListPending()}, nil
}

func (d *Daemon) Promote(ctx context.Context, id tenant.ID) (store.Promotion, error) {
	return d.Promoter.Approve(ctx, id)
}

func (d *Daemon) PromotionStatus(ctx context.Context, handle string) (store.Promotion, error) {
	return d.Promoter.Promotion(handle)
}

// --- pipelines

// PipelineStatus summarises CI for every tenant that has not been
// deleted. A tenant whose CI could not be read still appears, with
// the error.
func (d *Daemon) PipelineStatus(ctx context.Context) (api.Pipelines, error) {
	var ts []tenant.Tenant
	for _, t := range d.Store.Tenants() {
		if !t.Archived() {
			ts = append(ts, t)
		}
	}
	summaries := d.Pipelines.Summaries(ctx, ts)
	if summaries == nil {
		summaries = []pipeline.Summary{}
	}
	return api.Pipelines{Pipelines: summaries}, nil
}

func (d *Daemon) CustomerPipeline(ctx context.Context, id tenant.ID) (pipeline.Summary, error) {
	t, err := d.live(id)
	if err != nil {
		return pipeline.Summary{}, err
	}
	return d.Pipelines.Summary(ctx, t)
}

func (d *Daemon) PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (pipeline.RunDetail, error) {
	t, err := d.live(id)
	if err != nil {
		return pipeline.RunDetail{}, err
	}
	if runID <= 0 {
		return pipeline.RunDetail{}, luffyerr.Validationf("run id must be a positive number")
	}
	return d.Pipelines.RunDetail(ctx, t, runID)
}

// --- background work

// refreshPipelines fetches CI for every provisioned tenant, so that
// reads are answered from the cache.
func (d *Daemon) refreshPipelines(ctx context.Context, logger log.Logger) {
	live := 0
	defer func() { customers.Set(float64(live)) }()
	for _, t := range d.Store.Tenants() {
		if t.Archived() {
			continue
		}
		live++
		if j, err := d.Store.Job(t.ID); err != nil || j.Status != job.StatusSuccess {
			continue
		}
		if _, err := d.Pipelines.Refresh(ctx, t); err != nil {
			logger.Log("tenant", t.ID, "err", err)
		}
	}
}

// pruneHistory removes events older than the retention period.
func (d *Daemon) pruneHistory(ctx context.Context, retention time.Duration, logger log.Logger) {
	n, err := d.Events.Prune(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		logger.Log("err", err)
		return
	}
	if n > 0 {
		logger.Log("pruned", n)
	}
}
