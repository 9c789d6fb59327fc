package promote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openluffy/luffy/pkg/cluster"
	"github.com/openluffy/luffy/pkg/cluster/mock"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

type apps struct {
	mu     sync.Mutex
	sets   []string
	status gitops.AppStatus
	block  chan struct{}
	onSet  func(name, image string)
}

func (a *apps) SetImage(ctx context.Context, name, image string) (bool, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	a.sets = append(a.sets, name+"="+image)
	onSet := a.onSet
	a.mu.Unlock()
	if onSet != nil {
		onSet(name, image)
	}
	return true, nil
}

func (a *apps) Status(ctx context.Context, name string) (gitops.AppStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status
	st.Name = name
	return st, nil
}

func (a *apps) calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sets...)
}

type pipelines struct {
	deploy pipeline.StageStatus
}

func (p *pipelines) Summary(ctx context.Context, t tenant.Tenant) (pipeline.Summary, error) {
	return pipeline.Summary{TenantID: t.ID, Status: "completed", Stages: pipeline.StageModel{
		Test: pipeline.Success, Build: pipeline.Success, Deploy: p.deploy,
	}}, nil
}

type fakeCluster struct {
	mu        sync.Mutex
	workloads map[string][]cluster.Workload
	// hang makes reads of these namespaces block until the caller
	// gives up.
	hang map[string]bool
}

func (c *fakeCluster) set(ns, image string, ready int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads[ns] = []cluster.Workload{{
		Namespace:  ns,
		Name:       "web",
		Containers: []cluster.Container{{Name: "web", Image: image}},
		Rollout:    cluster.RolloutStatus{Desired: 3, Current: 3, Ready: ready, Available: ready},
	}}
}

func (c *fakeCluster) mock() *mock.Mock {
	return &mock.Mock{
		WorkloadsFunc: func(ctx context.Context, ns string) ([]cluster.Workload, error) {
			c.mu.Lock()
			hang := c.hang[ns]
			ws := append([]cluster.Workload(nil), c.workloads[ns]...)
			c.mu.Unlock()
			if hang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return ws, nil
		},
	}
}

type fixture struct {
	engine    *Engine
	store     *store.Store
	apps      *apps
	cluster   *fakeCluster
	pipelines *pipelines
	history   history.DB
}

var acme = tenant.Tenant{
	ID:           "acme",
	DisplayName:  "acme",
	Stack:        tenant.NodeJS,
	Repo:         tenant.Repo{Owner: "lebrick", Name: "acme-api", Branch: "main"},
	Environments: tenant.Environments,
}

// provisioned puts a tenant in the store as if its job had run.
func provisioned(t *testing.T, s *store.Store, tn tenant.Tenant) {
	j := job.New(tn.ID, time.Now())
	require.NoError(t, s.StartJob(tn, j))
	for i := range j.Steps {
		require.NoError(t, s.Transition(tn.ID, j.ID, i, job.StatusRunning, ""))
		require.NoError(t, s.Transition(tn.ID, j.ID, i, job.StatusSuccess, "ok"))
	}
}

func setup(t *testing.T, config Config) *fixture {
	f := &fixture{
		store:     store.New(),
		apps:      &apps{status: gitops.AppStatus{Sync: "Synced", Health: "Healthy"}},
		cluster:   &fakeCluster{workloads: map[string][]cluster.Workload{}},
		pipelines: &pipelines{deploy: pipeline.Success},
		history:   history.NewInMemDB(),
	}
	provisioned(t, f.store, acme)
	f.cluster.set("acme-dev", "myapp:abc123", 1)
	f.cluster.set("acme-preprod", "myapp:abc123", 3)
	f.cluster.set("acme-prod", "myapp:abc000", 3)

	if config.PollInterval == 0 {
		config.PollInterval = time.Millisecond
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	config.Retry = retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}
	f.engine = New(f.store, f.apps, f.cluster.mock(), f.pipelines, f.history, config, log.NewNopLogger())
	return f
}

func TestPromotionConverges(t *testing.T) {
	f := setup(t, Config{})
	// Argo CD rolls prod out as soon as it is told
	f.apps.onSet = func(name, image string) {
		if name == "acme-prod" {
			f.cluster.set("acme-prod", image, 3)
		}
	}

	require.NoError(t, f.engine.Reconcile(context.Background()))
	pending := f.engine.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, tenant.ID("acme"), pending[0].TenantID)
	assert.Equal(t, "myapp:abc123", pending[0].PreprodImage)
	assert.Equal(t, "myapp:abc000", pending[0].ProdImage)
	assert.Equal(t, int32(3), pending[0].PreprodReady)
	assert.Equal(t, store.ApprovalPending, pending[0].State)

	p, err := f.engine.Approve(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Handle)
	assert.Equal(t, "myapp:abc123", p.Image)
	assert.Equal(t, Key("acme", "myapp:abc123"), p.Key)
	f.engine.Wait()

	got, err := f.engine.Promotion(p.Handle)
	require.NoError(t, err)
	assert.Equal(t, store.PromotionSucceeded, got.State)
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, f.engine.ListPending())

	phase, _ := f.store.Phase("acme")
	assert.Equal(t, store.PhaseInSync, phase)

	ds, _, err := f.store.Deployments("acme")
	require.NoError(t, err)
	for _, d := range ds {
		if d.Environment == tenant.Prod {
			assert.Equal(t, "myapp:abc123", d.Image)
		}
	}
	assert.Equal(t, []string{"acme-prod=myapp:abc123"}, f.apps.calls())

	// a later reconcile sees the two in sync and opens nothing
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Empty(t, f.engine.ListPending())

	events, _ := f.history.EventsForTenant(context.Background(), "acme", 0)
	require.Len(t, events, 2)
	assert.Equal(t, history.ActionPromoted, events[0].Action)
	assert.Equal(t, history.ActionApproved, events[1].Action)
}

func TestApproveNotPending(t *testing.T) {
	f := setup(t, Config{})
	_, err := f.engine.Approve(context.Background(), "acme")
	assert.Equal(t, luffyerr.NotPending, err)
	_, err = f.engine.Approve(context.Background(), "nobody")
	assert.Equal(t, luffyerr.NotPending, err)
	assert.Empty(t, f.apps.calls())
}

func TestApproveConcurrently(t *testing.T) {
	f := setup(t, Config{})
	f.apps.block = make(chan struct{})
	require.NoError(t, f.engine.Reconcile(context.Background()))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		conflict int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(context.Background(), "acme")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case err == luffyerr.AlreadyPromoting:
				conflict++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflict)

	// prod converges once the controller gets the change
	f.cluster.set("acme-prod", "myapp:abc123", 3)
	close(f.apps.block)
	f.engine.Wait()
}

func TestPromotionSyncFailure(t *testing.T) {
	f := setup(t, Config{})
	f.apps.status = gitops.AppStatus{Sync: "OutOfSync", Health: "Degraded", OperationPhase: "Failed", Message: "one or more objects failed to apply"}
	require.NoError(t, f.engine.Reconcile(context.Background()))

	p, err := f.engine.Approve(context.Background(), "acme")
	require.NoError(t, err)
	f.engine.Wait()

	got, _ := f.engine.Promotion(p.Handle)
	assert.Equal(t, store.PromotionFailed, got.State)
	assert.Contains(t, got.Message, "failed to apply")

	a, ok := f.store.Approval("acme")
	require.True(t, ok, "approval re-opened")
	assert.Equal(t, store.ApprovalPending, a.State)
	assert.Contains(t, a.Message, "failed to apply")
	phase, _ := f.store.Phase("acme")
	assert.Equal(t, store.PhasePromotionFailed, phase)

	// and can be approved again
	f.apps.status = gitops.AppStatus{Sync: "Synced", Health: "Healthy"}
	f.cluster.set("acme-prod", "myapp:abc123", 3)
	p, err = f.engine.Approve(context.Background(), "acme")
	require.NoError(t, err)
	f.engine.Wait()
	got, _ = f.engine.Promotion(p.Handle)
	assert.Equal(t, store.PromotionSucceeded, got.State)
}

func TestPromotionTimesOut(t *testing.T) {
	f := setup(t, Config{Timeout: 30 * time.Millisecond})
	require.NoError(t, f.engine.Reconcile(context.Background()))

	p, err := f.engine.Approve(context.Background(), "acme")
	require.NoError(t, err)
	f.engine.Wait()

	got, _ := f.engine.Promotion(p.Handle)
	assert.Equal(t, store.PromotionFailed, got.State)
	assert.Equal(t, luffyerr.ConvergenceTimeout.Help, got.Message)
	a, ok := f.store.Approval("acme")
	require.True(t, ok)
	assert.Equal(t, store.ApprovalPending, a.State)
}

func TestNoApprovalUntilDeployed(t *testing.T) {
	f := setup(t, Config{})
	f.pipelines.deploy = pipeline.Running
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Empty(t, f.engine.ListPending())

	f.pipelines.deploy = pipeline.Success
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Len(t, f.engine.ListPending(), 1)

	// preprod rolled back to what prod runs
	f.cluster.set("acme-preprod", "myapp:abc000", 3)
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Empty(t, f.engine.ListPending())
}

func TestUnprovisionedTenantsIgnored(t *testing.T) {
	f := setup(t, Config{})
	widget := tenant.Tenant{ID: "widget", Environments: tenant.Environments}
	require.NoError(t, f.store.StartJob(widget, job.New(widget.ID, time.Now())))
	f.cluster.set("widget-preprod", "widget:1", 3)

	require.NoError(t, f.engine.Reconcile(context.Background()))
	for _, a := range f.engine.ListPending() {
		assert.NotEqual(t, tenant.ID("widget"), a.TenantID)
	}
}

func TestAutoPromoteToPreprod(t *testing.T) {
	f := setup(t, Config{AutoPromotePreprod: true})
	f.cluster.set("acme-dev", "myapp:abc124", 1)

	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Equal(t, []string{"acme-preprod=myapp:abc124"}, f.apps.calls())
	events, _ := f.history.EventsForTenant(context.Background(), "acme", 1)
	require.Len(t, events, 1)
	assert.Equal(t, history.ActionAutoPromoted, events[0].Action)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key("acme", "myapp:abc123"), Key("acme", "myapp:abc123"))
	assert.NotEqual(t, Key("acme", "myapp:abc123"), Key("acme", "myapp:abc124"))
	assert.NotEqual(t, Key("acme", "myapp:abc123"), Key("widget", "myapp:abc123"))
	assert.Contains(t, Key("acme", "myapp:abc123"), "acme@sha256:")
}

func TestReconcileHungTenant(t *testing.T) {
	f := setup(t, Config{TenantTimeout: 50 * time.Millisecond, Concurrency: 1})
	aardvark := acme
	aardvark.ID, aardvark.DisplayName = "aardvark", "aardvark"
	provisioned(t, f.store, aardvark)
	f.cluster.hang = map[string]bool{"aardvark-dev": true, "aardvark-preprod": true, "aardvark-prod": true}

	start := time.Now()
	err := f.engine.Reconcile(context.Background())
	assert.Error(t, err, "the hung tenant is reported")
	assert.True(t, time.Since(start) < 5*time.Second)

	pending := f.engine.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, tenant.ID("acme"), pending[0].TenantID)
}

func TestPromotionConvergesOnQualifiedImage(t *testing.T) {
	f := setup(t, Config{})
	f.cluster.set("acme-preprod", "docker.io/library/myapp:abc123", 3)
	// the kubelet reports the fully qualified name
	f.apps.onSet = func(name, image string) {
		if name == "acme-prod" {
			f.cluster.set("acme-prod", "docker.io/library/myapp:abc123", 3)
		}
	}

	require.NoError(t, f.engine.Reconcile(context.Background()))
	pending := f.engine.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "docker.io/library/myapp:abc123", pending[0].PreprodImage)

	p, err := f.engine.Approve(context.Background(), "acme")
	require.NoError(t, err)
	f.engine.Wait()
	got, err := f.engine.Promotion(p.Handle)
	require.NoError(t, err)
	assert.Equal(t, store.PromotionSucceeded, got.State)

	// preprod now reports the short spelling of the same image
	f.cluster.set("acme-preprod", "myapp:abc123", 3)
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Empty(t, f.engine.ListPending())
	assert.Equal(t, []string{"acme-prod=docker.io/library/myapp:abc123"}, f.apps.calls())
}

func TestSuspendedTenantSkipped(t *testing.T) {
	f := setup(t, Config{AutoPromotePreprod: true})
	require.NoError(t, f.engine.Reconcile(context.Background()))
	require.Len(t, f.engine.ListPending(), 1)

	require.NoError(t, f.store.SetSuspended("acme", true, "unpaid invoice"))
	assert.Empty(t, f.engine.ListPending())

	f.cluster.set("acme-dev", "myapp:abc124", 1)
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Empty(t, f.engine.ListPending())
	assert.Empty(t, f.apps.calls(), "nothing is rolled out to a suspended tenant")
	_, err := f.engine.Approve(context.Background(), "acme")
	assert.Equal(t, luffyerr.NotPending, err)

	require.NoError(t, f.store.SetSuspended("acme", false, ""))
	require.NoError(t, f.engine.Reconcile(context.Background()))
	assert.Equal(t, []string{"acme-preprod=myapp:abc124"}, f.apps.calls())
}
