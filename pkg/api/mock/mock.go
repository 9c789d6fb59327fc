// Package mock has an api.Server whose answers are set by the test.
package mock

import (
	"context"
	"sync"

	"github.com/openluffy/luffy/pkg/api"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

// MockServer answers every method with the Answer and Error fields
// of that name, and remembers the customer and the last argument it
// was called with.
type MockServer struct {
	mu sync.Mutex
	// LastID is the customer named in the most recent call.
	LastID tenant.ID

	PingError error

	VersionAnswer string
	VersionError  error

	CreateCustomerAnswer provision.Started
	CreateCustomerError  error
	CreateCustomerArg    tenant.Request

	ListCustomersAnswer []api.Customer
	ListCustomersError  error

	GetCustomerAnswer api.Customer
	GetCustomerError  error

	ProvisioningStatusAnswer *job.Job
	ProvisioningStatusError  error

	CancelProvisioningAnswer *job.Job
	CancelProvisioningError  error

	ReinitializeAnswer provision.ReinitResult
	ReinitializeError  error

	DeleteCustomerAnswer provision.DeleteResult
	DeleteCustomerError  error
	DeleteCustomerArg    provision.DeleteOptions

	SuspendCustomerAnswer provision.SuspendResult
	SuspendCustomerError  error
	SuspendCustomerArg    provision.SuspendOptions

	ResumeCustomerAnswer provision.ResumeResult
	ResumeCustomerError  error

	DeploymentsAnswer api.Deployments
	DeploymentsError  error

	HistoryAnswer api.History
	HistoryError  error
	HistoryArg    int

	IntegrationsAnswer api.Integrations
	IntegrationsError  error

	UpsertIntegrationAnswer integration.Integration
	UpsertIntegrationError  error
	UpsertIntegrationArg    integration.Integration

	PendingApprovalsAnswer api.PendingApprovals
	PendingApprovalsError  error

	PromoteAnswer store.Promotion
	PromoteError  error

	PromotionStatusAnswer store.Promotion
	PromotionStatusError  error
	PromotionStatusArg    string

	PipelineStatusAnswer api.Pipelines
	PipelineStatusError  error

	CustomerPipelineAnswer pipeline.Summary
	CustomerPipelineError  error

	PipelineJobsAnswer pipeline.RunDetail
	PipelineJobsError  error
	PipelineJobsArg    int64
}

var _ api.Server = &MockServer{}

func (p *MockServer) Ping(ctx context.Context) error {
	return p.PingError
}

func (p *MockServer) Version(ctx context.Context) (string, error) {
	return p.VersionAnswer, p.VersionError
}

func (p *MockServer) CreateCustomer(ctx context.Context, req tenant.Request) (provision.Started, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCustomerArg = req
	return p.CreateCustomerAnswer, p.CreateCustomerError
}

func (p *MockServer) ListCustomers(ctx context.Context) ([]api.Customer, error) {
	return p.ListCustomersAnswer, p.ListCustomersError
}

func (p *MockServer) GetCustomer(ctx context.Context, id tenant.ID) (api.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.GetCustomerAnswer, p.GetCustomerError
}

func (p *MockServer) ProvisioningStatus(ctx context.Context, id tenant.ID) (*job.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.ProvisioningStatusAnswer, p.ProvisioningStatusError
}

func (p *MockServer) CancelProvisioning(ctx context.Context, id tenant.ID) (*job.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.CancelProvisioningAnswer, p.CancelProvisioningError
}

func (p *MockServer) Reinitialize(ctx context.Context, id tenant.ID) (provision.ReinitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.ReinitializeAnswer, p.ReinitializeError
}

func (p *MockServer) DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (provision.DeleteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	p.DeleteCustomerArg = opts
	return p.DeleteCustomerAnswer, p.DeleteCustomerError
}

func (p *MockServer) SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (provision.SuspendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	p.SuspendCustomerArg = opts
	return p.SuspendCustomerAnswer, p.SuspendCustomerError
}

func (p *MockServer) ResumeCustomer(ctx context.Context, id tenant.ID) (provision.ResumeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.ResumeCustomerAnswer, p.ResumeCustomerError
}

func (p *MockServer) Deployments(ctx context.Context, id tenant.ID) (api.Deployments, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.DeploymentsAnswer, p.DeploymentsError
}

func (p *MockServer) History(ctx context.Context, id tenant.ID, limit int) (api.History, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	p.HistoryArg = limit
	return p.HistoryAnswer, p.HistoryError
}

func (p *MockServer) Integrations(ctx context.Context, id tenant.ID) (api.Integrations, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.IntegrationsAnswer, p.IntegrationsError
}

func (p *MockServer) UpsertIntegration(ctx context.Context, in integration.Integration) (integration.Integration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpsertIntegrationArg = in
	return p.UpsertIntegrationAnswer, p.UpsertIntegrationError
}

func (p *MockServer) PendingApprovals(ctx context.Context) (api.PendingApprovals, error) {
	return p.PendingApprovalsAnswer, p.PendingApprovalsError
}

func (p *MockServer) Promote(ctx context.Context, id tenant.ID) (store.Promotion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.PromoteAnswer, p.PromoteError
}

func (p *MockServer) PromotionStatus(ctx context.Context, handle string) (store.Promotion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PromotionStatusArg = handle
	return p.PromotionStatusAnswer, p.PromotionStatusError
}

func (p *MockServer) PipelineStatus(ctx context.Context) (api.Pipelines, error) {
	return p.PipelineStatusAnswer, p.PipelineStatusError
}

func (p *MockServer) CustomerPipeline(ctx context.Context, id tenant.ID) (pipeline.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	return p.CustomerPipelineAnswer, p.CustomerPipelineError
}

func (p *MockServer) PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (pipeline.RunDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastID = id
	p.PipelineJobsArg = runID
	return p.PipelineJobsAnswer, p.PipelineJobsError
}
