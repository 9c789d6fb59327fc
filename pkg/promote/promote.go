// Package promote moves images along the environments. Dev to
// preprod happens by itself once CI has deployed; preprod to prod
// waits for an operator's approval, and is only considered done once
// prod is seen running the image.
package promote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"

	"github.com/openluffy/luffy/pkg/cluster"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/job"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Apps is the GitOps controller; *gitops.Controller is one.
type Apps interface {
	SetImage(ctx context.Context, name, image string) (bool, error)
	Status(ctx context.Context, name string) (gitops.AppStatus, error)
}

// Pipelines reports CI; *pipeline.Aggregator is one.
type Pipelines interface {
	Summary(ctx context.Context, t tenant.Tenant) (pipeline.Summary, error)
}

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultPollInterval  = 5 * time.Second
	DefaultTenantTimeout = 30 * time.Second
	DefaultConcurrency   = 8
)

type Config struct {
	// Timeout bounds the wait for prod to converge after approval.
	Timeout      time.Duration
	PollInterval time.Duration
	// TenantTimeout bounds reconciling any one tenant.
	TenantTimeout time.Duration
	// Concurrency is how many tenants are reconciled at once.
	Concurrency int
	// AutoPromotePreprod sends dev's image on to preprod once CI has
	// deployed it.
	AutoPromotePreprod bool
	Retry              retry.Policy
}

type Engine struct {
	store     *store.Store
	apps      Apps
	cluster   cluster.Cluster
	pipelines Pipelines
	events    history.EventWriter
	config    Config
	logger    log.Logger
	now       func() time.Time

	running sync.WaitGroup
}

func New(s *store.Store, apps Apps, c cluster.Cluster, pipelines Pipelines, events history.EventWriter, config Config, logger log.Logger) *Engine {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.TenantTimeout <= 0 {
		config.TenantTimeout = DefaultTenantTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Retry.Attempts == 0 {
		config.Retry = retry.DefaultPolicy
	}
	return &Engine{
		store:     s,
		apps:      apps,
		cluster:   c,
		pipelines: pipelines,
		events:    events,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Wait blocks until every promotion started so far has finished.
func (e *Engine) Wait() {
	e.running.Wait()
}

// Key is the idempotency key of promoting image for a tenant.
func Key(id tenant.ID, image string) string {
	return string(id) + "@" + digest.FromString(image).String()
}

// ListPending returns the open approvals: those waiting for an
// operator, and those being promoted.
func (e *Engine) ListPending() []store.Approval {
	as := e.store.Approvals()
	if as == nil {
		as = []store.Approval{}
	}
	return as
}

// Approve starts promoting preprod's image to prod. It returns at
// once with a handle for the promotion; whether prod converges is
// found out later, by polling. It fails with NotPending if there is
// nothing to approve, and AlreadyPromoting if a promotion is already
// in flight; in either case nothing is changed.
func (e *Engine) Approve(ctx context.Context, id tenant.ID) (store.Promotion, error) {
	pending, ok := e.store.Approval(id)
	if !ok {
		return store.Promotion{}, luffyerr.NotPending
	}
	if pending.State == store.ApprovalPromoting {
		return store.Promotion{}, luffyerr.AlreadyPromoting
	}
	t, err := e.store.Tenant(id)
	if err != nil {
		return store.Promotion{}, err
	}

	handle := uuid.New().String()
	approved, err := e.store.BeginPromotion(id, handle, func(image string) string {
		return Key(id, image)
	})
	if err != nil {
		return store.Promotion{}, err
	}

	p := store.Promotion{
		Handle:    handle,
		TenantID:  id,
		Image:     approved.PreprodImage,
		Key:       approved.Key,
		State:     store.PromotionRunning,
		StartedAt: e.now().UTC(),
	}
	e.store.Promotions().Set(p)

	logger := log.With(e.logger, "tenant", id, "promotion", handle)
	logger.Log("msg", "promotion approved", "image", p.Image, "from", approved.ProdImage)
	e.logEvent(ctx, history.Event{
		TenantID: id,
		Action:   history.ActionApproved,
		Message:  fmt.Sprintf("approved promoting %s to prod", p.Image),
		Details:  map[string]string{"image": p.Image, "previous": approved.ProdImage, "handle": handle},
	})

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.promote(t, p, logger)
	}()
	return p, nil
}

// Promotion returns what is known about the promotion with the given
// handle.
func (e *Engine) Promotion(handle string) (store.Promotion, error) {
	p, ok := e.store.Promotions().Get(handle)
	if !ok {
		return store.Promotion{}, luffyerr.Missingf("no promotion with handle %q", handle)
	}
	return p, nil
}

func (e *Engine) promote(t tenant.Tenant, p store.Promotion, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.Timeout)
	defer cancel()

	app := tenant.AppName(t.ID, tenant.Prod)
	err := retry.Do(ctx, e.config.Retry, func() error {
		_, err := e.apps.SetImage(ctx, app, p.Image)
		return err
	}, func(err error, wait time.Duration) {
		logger.Log("retrying", "set image", "in", wait, "err", err)
	})
	if err != nil {
		e.fail(t, p, fmt.Sprintf("setting prod image: %s", err), logger)
		return
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		converged, err := e.converged(ctx, t, app, p.Image)
		switch {
		case err != nil && !luffyerr.IsTransient(err):
			e.fail(t, p, err.Error(), logger)
			return
		case err != nil:
			logger.Log("msg", "polling prod", "err", err)
		case converged:
			e.succeed(ctx, t, p, logger)
			return
		}

		select {
		case <-ctx.Done():
			e.fail(t, p, luffyerr.ConvergenceTimeout.Help, logger)
			return
		case <-ticker.C:
		}
	}
}

// converged says whether prod runs image on every replica. A sync
// failure reported by the GitOps controller is returned as an error.
func (e *Engine) converged(ctx context.Context, t tenant.Tenant, app, image string) (bool, error) {
	st, err := e.apps.Status(ctx, app)
	if err != nil {
		return false, err
	}
	if st.SyncFailed() {
		msg := st.Message
		if msg == "" {
			msg = st.OperationPhase
		}
		return false, luffyerr.ServerError("argocd", fmt.Errorf("sync of %s failed: %s", app, msg))
	}

	ws, err := e.cluster.Workloads(ctx, tenant.Namespace(t.ID, tenant.Prod))
	if err != nil {
		return false, err
	}
	if len(ws) == 0 {
		return false, nil
	}
	for _, w := range ws {
		r := w.Rollout
		if !gitops.SameImage(w.Image(), image) || r.Ready < r.Desired || r.Available < r.Desired || r.Current != r.Desired {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) succeed(ctx context.Context, t tenant.Tenant, p store.Promotion, logger log.Logger) {
	if err := e.refresh(ctx, t); err != nil {
		logger.Log("msg", "refreshing deployments", "err", err)
	}
	if err := e.store.ResolvePromotion(t.ID, p.Key); err != nil {
		logger.Log("err", err)
	}
	now := e.now().UTC()
	e.store.Promotions().Finish(p.Handle, store.PromotionSucceeded, "prod runs "+p.Image, now)
	promotionDuration.With(luffymetrics.LabelOutcome, "success").Observe(now.Sub(p.StartedAt).Seconds())
	logger.Log("msg", "promotion converged", "image", p.Image)
	e.logEvent(ctx, history.Event{
		TenantID: t.ID,
		Action:   history.ActionPromoted,
		Message:  fmt.Sprintf("prod runs %s", p.Image),
		Details:  map[string]string{"image": p.Image, "handle": p.Handle},
	})
}

// fail re-opens the approval, so the operator can try again.
func (e *Engine) fail(t tenant.Tenant, p store.Promotion, msg string, logger log.Logger) {
	if err := e.store.FailPromotion(t.ID, p.Key, msg); err != nil {
		logger.Log("err", err)
	}
	now := e.now().UTC()
	e.store.Promotions().Finish(p.Handle, store.PromotionFailed, msg, now)
	promotionDuration.With(luffymetrics.LabelOutcome, "failure").Observe(now.Sub(p.StartedAt).Seconds())
	logger.Log("msg", "promotion failed", "reason", msg)
	e.logEvent(context.Background(), history.Event{
		TenantID: t.ID,
		Action:   history.ActionPromotionFailed,
		Message:  msg,
		Details:  map[string]string{"image": p.Image, "handle": p.Handle},
	})
}

func (e *Engine) logEvent(ctx context.Context, ev history.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.LogEvent(ctx, ev); err != nil {
		e.logger.Log("tenant", ev.TenantID, "action", ev.Action, "err", err)
	}
}

// provisioned says whether the tenant is live, not suspended, and
// finished provisioning, so there is something to reconcile.
func (e *Engine) provisioned(t tenant.Tenant) bool {
	if t.Archived() || t.Suspended() {
		return false
	}
	j, err := e.store.Job(t.ID)
	return err == nil && j.Status == job.StatusSuccess
}
