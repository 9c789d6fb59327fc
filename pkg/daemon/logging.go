package daemon

import (
	"context"

	"github.com/go-kit/kit/log"

	"github.com/openluffy/luffy/pkg/api"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

var _ api.Server = &ErrorLoggingServer{}

// ErrorLoggingServer logs every request that fails, with the method
// and the error.
type ErrorLoggingServer struct {
	server api.Server
	logger log.Logger
}

func NewErrorLoggingServer(s api.Server, l log.Logger) *ErrorLoggingServer {
	return &ErrorLoggingServer{s, l}
}

func (p *ErrorLoggingServer) Ping(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Ping", "error", err)
		}
	}()
	return p.server.Ping(ctx)
}

func (p *ErrorLoggingServer) Version(ctx context.Context) (v string, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Version", "error", err)
		}
	}()
	return p.server.Version(ctx)
}

func (p *ErrorLoggingServer) CreateCustomer(ctx context.Context, req tenant.Request) (_ provision.Started, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "CreateCustomer", "name", req.Name, "error", err)
		}
	}()
	return p.server.CreateCustomer(ctx, req)
}

func (p *ErrorLoggingServer) ListCustomers(ctx context.Context) (_ []api.Customer, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "ListCustomers", "error", err)
		}
	}()
	return p.server.ListCustomers(ctx)
}

func (p *ErrorLoggingServer) GetCustomer(ctx context.Context, id tenant.ID) (_ api.Customer, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "GetCustomer", "customer", id, "error", err)
		}
	}()
	return p.server.GetCustomer(ctx, id)
}

func (p *ErrorLoggingServer) ProvisioningStatus(ctx context.Context, id tenant.ID) (_ *job.Job, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "ProvisioningStatus", "customer", id, "error", err)
		}
	}()
	return p.server.ProvisioningStatus(ctx, id)
}

func (p *ErrorLoggingServer) CancelProvisioning(ctx context.Context, id tenant.ID) (_ *job.Job, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "CancelProvisioning", "customer", id, "error", err)
		}
	}()
	return p.server.CancelProvisioning(ctx, id)
}

func (p *ErrorLoggingServer) Reinitialize(ctx context.Context, id tenant.ID) (_ provision.ReinitResult, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Reinitialize", "customer", id, "error", err)
		}
	}()
	return p.server.Reinitialize(ctx, id)
}

func (p *ErrorLoggingServer) DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (_ provision.DeleteResult, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "DeleteCustomer", "customer", id, "error", err)
		}
	}()
	return p.server.DeleteCustomer(ctx, id, opts)
}

func (p *ErrorLoggingServer) SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (_ provision.SuspendResult, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "SuspendCustomer", "customer", id, "error", err)
		}
	}()
	return p.server.SuspendCustomer(ctx, id, opts)
}

func (p *ErrorLoggingServer) ResumeCustomer(ctx context.Context, id tenant.ID) (_ provision.ResumeResult, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "ResumeCustomer", "customer", id, "error", err)
		}
	}()
	return p.server.ResumeCustomer(ctx, id)
}

func (p *ErrorLoggingServer) Deployments(ctx context.Context, id tenant.ID) (_ api.Deployments, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Deployments", "customer", id, "error", err)
		}
	}()
	return p.server.Deployments(ctx, id)
}

func (p *ErrorLoggingServer) History(ctx context.Context, id tenant.ID, limit int) (_ api.History, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "History", "customer", id, "error", err)
		}
	}()
	return p.server.History(ctx, id, limit)
}

func (p *ErrorLoggingServer) Integrations(ctx context.Context, id tenant.ID) (_ api.Integrations, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Integrations", "customer", id, "error", err)
		}
	}()
	return p.server.Integrations(ctx, id)
}

func (p *ErrorLoggingServer) UpsertIntegration(ctx context.Context, in integration.Integration) (_ integration.Integration, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "UpsertIntegration", "type", in.Type, "error", err)
		}
	}()
	return p.server.UpsertIntegration(ctx, in)
}

func (p *ErrorLoggingServer) PendingApprovals(ctx context.Context) (_ api.PendingApprovals, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "PendingApprovals", "error", err)
		}
	}()
	return p.server.PendingApprovals(ctx)
}

func (p *ErrorLoggingServer) Promote(ctx context.Context, id tenant.ID) (_ store.Promotion, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "Promote", "customer", id, "error", err)
		}
	}()
	return p.server.Promote(ctx, id)
}

func (p *ErrorLoggingServer) PromotionStatus(ctx context.Context, handle string) (_ store.Promotion, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "PromotionStatus", "handle", handle, "error", err)
		}
	}()
	return p.server.PromotionStatus(ctx, handle)
}

func (p *ErrorLoggingServer) PipelineStatus(ctx context.Context) (_ api.Pipelines, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "PipelineStatus", "error", err)
		}
	}()
	return p.server.PipelineStatus(ctx)
}

func (p *ErrorLoggingServer) CustomerPipeline(ctx context.Context, id tenant.ID) (_ pipeline.Summary, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "CustomerPipeline", "customer", id, "error", err)
		}
	}()
	return p.server.CustomerPipeline(ctx, id)
}

func (p *ErrorLoggingServer) PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (_ pipeline.RunDetail, err error) {
	defer func() {
		if err != nil {
			p.logger.Log("method", "PipelineJobs", "customer", id, "error", err)
		}
	}()
	return p.server.PipelineJobs(ctx, id, runID)
}
