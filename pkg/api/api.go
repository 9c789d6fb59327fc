package api

import (
	"context"
	"time"

	"github.com/openluffy/luffy/pkg/cluster"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Customer is a tenant, with where it stands.
type Customer struct {
	tenant.Tenant
	Job   *job.Job    `json:"job,omitempty"`
	Phase store.Phase `json:"phase,omitempty"`
}

type Deployments struct {
	TenantID    tenant.ID            `json:"tenant_id"`
	Deployments []cluster.Deployment `json:"deployments"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

type PendingApprovals struct {
	Approvals []store.Approval `json:"approvals"`
}

type Pipelines struct {
	Pipelines []pipeline.Summary `json:"pipelines"`
}

type Integrations struct {
	Integrations []integration.Integration `json:"integrations"`
}

type History struct {
	Events []history.Event `json:"events"`
}

// Provisioning is the tenant lifecycle.
type Provisioning interface {
	CreateCustomer(ctx context.Context, req tenant.Request) (provision.Started, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	GetCustomer(ctx context.Context, id tenant.ID) (Customer, error)
	ProvisioningStatus(ctx context.Context, id tenant.ID) (*job.Job, error)
	CancelProvisioning(ctx context.Context, id tenant.ID) (*job.Job, error)
	Reinitialize(ctx context.Context, id tenant.ID) (provision.ReinitResult, error)
	DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (provision.DeleteResult, error)
	SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (provision.SuspendResult, error)
	ResumeCustomer(ctx context.Context, id tenant.ID) (provision.ResumeResult, error)
	Deployments(ctx context.Context, id tenant.ID) (Deployments, error)
	History(ctx context.Context, id tenant.ID, limit int) (History, error)
	Integrations(ctx context.Context, id tenant.ID) (Integrations, error)
	UpsertIntegration(ctx context.Context, i integration.Integration) (integration.Integration, error)
}

// Promotion is moving images to prod.
type Promotion interface {
	PendingApprovals(ctx context.Context) (PendingApprovals, error)
	Promote(ctx context.Context, id tenant.ID) (store.Promotion, error)
	PromotionStatus(ctx context.Context, handle string) (store.Promotion, error)
}

// PipelineStatus is reading CI.
type PipelineStatus interface {
	PipelineStatus(ctx context.Context) (Pipelines, error)
	CustomerPipeline(ctx context.Context, id tenant.ID) (pipeline.Summary, error)
	PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (pipeline.RunDetail, error)
}

type Upstream interface {
	Ping(context.Context) error
	Version(context.Context) (string, error)
}

// Server is everything luffyd serves, and luffyctl asks for.
type Server interface {
	Upstream
	Provisioning
	Promotion
	PipelineStatus
}
