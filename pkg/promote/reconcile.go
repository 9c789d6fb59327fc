package promote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/openluffy/luffy/pkg/cluster"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Reconcile reads the cluster for every provisioned tenant, records
// what it finds, and opens, refreshes or withdraws approvals to
// match. Tenants are reconciled concurrently, each with its own
// deadline, so a tenant whose calls hang or fail does not hold up
// the others.
func (e *Engine) Reconcile(ctx context.Context) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
		slots  = make(chan struct{}, e.config.Concurrency)
	)
	for _, t := range e.store.Tenants() {
		if !e.provisioned(t) {
			continue
		}
		wg.Add(1)
		slots <- struct{}{}
		go func(t tenant.Tenant) {
			defer func() {
				<-slots
				wg.Done()
			}()
			tctx, cancel := context.WithTimeout(ctx, e.config.TenantTimeout)
			defer cancel()
			if err := e.ReconcileTenant(tctx, t); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				e.logger.Log("tenant", t.ID, "err", err)
			}
		}(t)
	}
	wg.Wait()
	pendingApprovals.Set(float64(e.countPending()))
	if failed > 0 {
		return fmt.Errorf("reconciling %d tenants failed", failed)
	}
	return nil
}

func (e *Engine) countPending() int {
	n := 0
	for _, a := range e.store.Approvals() {
		if a.State == store.ApprovalPending {
			n++
		}
	}
	return n
}

// envState is what runs in one environment.
type envState struct {
	image string
	ready int32
}

// RefreshDeployments reads the tenant's deployments from the cluster
// into the store.
func (e *Engine) RefreshDeployments(ctx context.Context, id tenant.ID) error {
	t, err := e.store.Tenant(id)
	if err != nil {
		return err
	}
	return e.refresh(ctx, t)
}

func (e *Engine) refresh(ctx context.Context, t tenant.Tenant) error {
	_, err := e.observe(ctx, t)
	return err
}

// observe reads the tenant's deployments from the cluster into the
// store, and returns what each environment runs.
func (e *Engine) observe(ctx context.Context, t tenant.Tenant) (map[tenant.Environment]envState, error) {
	var deployments []cluster.Deployment
	states := map[tenant.Environment]envState{}
	for _, env := range t.Environments {
		ws, err := e.cluster.Workloads(ctx, tenant.Namespace(t.ID, env))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s deployments", env)
		}
		var st envState
		for _, w := range ws {
			d := cluster.MakeDeployment(t.ID, env, w)
			deployments = append(deployments, d)
			// the first deployment is the application's
			if st.image == "" {
				st = envState{image: d.Image, ready: d.Replicas.Ready}
			}
		}
		states[env] = st
	}
	if err := e.store.SetDeployments(t.ID, deployments); err != nil {
		return nil, err
	}
	return states, nil
}

// ReconcileTenant brings the tenant's recorded state and approvals
// up to date.
func (e *Engine) ReconcileTenant(ctx context.Context, t tenant.Tenant) error {
	logger := log.With(e.logger, "tenant", t.ID)
	states, err := e.observe(ctx, t)
	if err != nil {
		return err
	}

	summary, err := e.pipelines.Summary(ctx, t)
	if err != nil {
		return errors.Wrap(err, "reading pipeline")
	}
	deployed := summary.Stages.Deploy == pipeline.Success

	dev, preprod, prod := states[tenant.Dev], states[tenant.Preprod], states[tenant.Prod]

	if e.config.AutoPromotePreprod && deployed && dev.image != "" && dev.ready > 0 && !gitops.SameImage(dev.image, preprod.image) {
		if err := e.autoPromote(ctx, t, dev.image, logger); err != nil {
			logger.Log("msg", "auto-promoting to preprod", "err", err)
		}
	}

	if preprod.image == "" || gitops.SameImage(preprod.image, prod.image) {
		return e.store.ObserveInSync(t.ID)
	}
	if !deployed || preprod.ready == 0 {
		return nil
	}
	opened, err := e.store.ObserveDivergence(store.Approval{
		TenantID:     t.ID,
		PreprodImage: preprod.image,
		ProdImage:    prod.image,
		PreprodReady: preprod.ready,
		ProdReady:    prod.ready,
	})
	if err != nil {
		return err
	}
	if opened {
		logger.Log("msg", "approval opened", "preprod", preprod.image, "prod", prod.image)
	}
	return nil
}

func (e *Engine) autoPromote(ctx context.Context, t tenant.Tenant, image string, logger log.Logger) error {
	app := tenant.AppName(t.ID, tenant.Preprod)
	var changed bool
	err := retry.Do(ctx, e.config.Retry, func() (err error) {
		changed, err = e.apps.SetImage(ctx, app, image)
		return err
	}, func(err error, wait time.Duration) {
		logger.Log("retrying", "auto-promote", "in", wait, "err", err)
	})
	if err != nil || !changed {
		return err
	}
	autoPromotions.With(luffymetrics.LabelEnvironment, string(tenant.Preprod)).Add(1)
	logger.Log("msg", "auto-promoted to preprod", "image", image)
	e.logEvent(ctx, history.Event{
		TenantID: t.ID,
		Action:   history.ActionAutoPromoted,
		Message:  fmt.Sprintf("preprod set to %s", image),
		Details:  map[string]string{"image": image, "environment": string(tenant.Preprod)},
	})
	return nil
}
