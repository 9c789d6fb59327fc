package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openluffy/luffy/pkg/cluster/mock"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/github"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/templates"
	"github.com/openluffy/luffy/pkg/tenant"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.get() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type repos struct {
	*recorder
	ensure  func() (bool, error)
	pushErr error
	delErr  error

	mu    sync.Mutex
	files map[string][]byte
}

func (r *repos) EnsureRepo(ctx context.Context, repo tenant.Repo, description string) (bool, error) {
	r.record("repo:" + repo.String())
	if r.ensure != nil {
		return r.ensure()
	}
	return true, nil
}

func (r *repos) PushFiles(ctx context.Context, repo tenant.Repo, files []templates.File, message string) (github.PushResult, error) {
	r.record("templates:" + repo.String())
	if r.pushErr != nil {
		return github.PushResult{}, r.pushErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files == nil {
		r.files = map[string][]byte{}
	}
	var res github.PushResult
	for _, f := range files {
		old, ok := r.files[f.Path]
		switch {
		case !ok:
			res.Created = append(res.Created, f.Path)
		case f.Seed, bytes.Equal(old, f.Content):
			res.Unchanged = append(res.Unchanged, f.Path)
			continue
		default:
			res.Updated = append(res.Updated, f.Path)
		}
		r.files[f.Path] = f.Content
	}
	return res, nil
}

func (r *repos) DeleteRepo(ctx context.Context, repo tenant.Repo) (bool, error) {
	r.record("delete-repo:" + repo.String())
	return r.delErr == nil, r.delErr
}

type apps struct {
	*recorder
	onDelete    func(name string)
	replicasErr error

	mu       sync.Mutex
	specs    map[string]gitops.AppSpec
	replicas map[string]int
}

func (a *apps) EnsureApplication(ctx context.Context, spec gitops.AppSpec) (bool, error) {
	a.record("app:" + spec.Name)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.specs == nil {
		a.specs = map[string]gitops.AppSpec{}
	}
	_, exists := a.specs[spec.Name]
	a.specs[spec.Name] = spec
	return !exists, nil
}

func (a *apps) DeleteApplication(ctx context.Context, name string) (bool, error) {
	a.record("delete-app:" + name)
	if a.onDelete != nil {
		a.onDelete(name)
	}
	return true, nil
}

func (a *apps) SetReplicas(ctx context.Context, name string, replicas *int) (bool, error) {
	if replicas == nil {
		a.record("unset-replicas:" + name)
	} else {
		a.record(fmt.Sprintf("replicas:%s=%d", name, *replicas))
	}
	if a.replicasErr != nil {
		return false, a.replicasErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.replicas == nil {
		a.replicas = map[string]int{}
	}
	old, had := a.replicas[name]
	if replicas == nil {
		delete(a.replicas, name)
		return had, nil
	}
	a.replicas[name] = *replicas
	return !had || old != *replicas, nil
}

type fixture struct {
	engine       *Engine
	store        *store.Store
	calls        *recorder
	repos        *repos
	apps         *apps
	cluster      *mock.Mock
	integrations integration.Store
	history      history.DB
}

func setup(t *testing.T) *fixture {
	calls := &recorder{}
	f := &fixture{
		store:        store.New(),
		calls:        calls,
		repos:        &repos{recorder: calls},
		apps:         &apps{recorder: calls},
		integrations: integration.NewInMemStore(),
		history:      history.NewInMemDB(),
	}
	f.cluster = &mock.Mock{
		EnsureNamespaceFunc: func(ctx context.Context, name string, labels map[string]string) (bool, error) {
			calls.record("ns:" + name)
			return true, nil
		},
		DeleteNamespaceFunc: func(ctx context.Context, name string) (bool, error) {
			calls.record("delete-ns:" + name)
			return true, nil
		},
		ScaleToZeroFunc: func(ctx context.Context, namespace string) ([]string, error) {
			calls.record("scale:" + namespace)
			return []string{"web"}, nil
		},
	}
	f.engine = New(f.store, f.repos, f.apps, f.cluster, f.integrations, f.history, Config{
		DefaultOwner:  "lebrick",
		DefaultBranch: "main",
		Retry:         retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
		Templates:     templates.Options{Registry: "ghcr.io/lebrick"},
	}, log.NewNopLogger())
	return f
}

var acmeRequest = tenant.Request{Name: "acme", Stack: "nodejs", RepoName: "acme-api"}

func (f *fixture) provision(t *testing.T, req tenant.Request) Started {
	started, err := f.engine.StartProvisioning(context.Background(), req)
	require.NoError(t, err)
	f.engine.Wait()
	return started
}

func (f *fixture) job(t *testing.T, id tenant.ID) *job.Job {
	j, err := f.engine.GetStatus(id)
	require.NoError(t, err)
	return j
}

func TestProvisionRunsStepsInOrder(t *testing.T) {
	f := setup(t)
	started := f.provision(t, acmeRequest)
	assert.Equal(t, tenant.ID("acme"), started.Tenant.ID)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusSuccess, j.Status)
	for _, s := range j.Steps {
		assert.Equal(t, job.StatusSuccess, s.Status, s.Name)
		assert.NotEmpty(t, s.Message, s.Name)
	}
	assert.NotNil(t, j.FinishedAt)

	assert.Equal(t, []string{
		"repo:lebrick/acme-api",
		"templates:lebrick/acme-api",
		"ns:acme-dev", "ns:acme-preprod", "ns:acme-prod",
		"app:acme-dev", "app:acme-preprod", "app:acme-prod",
	}, f.calls.get())

	// each step ran, then succeeded, one after the other
	var seen []int
	for _, tr := range j.Transitions {
		if tr.To == job.StatusRunning {
			seen = append(seen, tr.Step)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)

	spec := f.apps.specs["acme-preprod"]
	assert.Equal(t, "https://github.com/lebrick/acme-api.git", spec.RepoURL)
	assert.Equal(t, "deploy", spec.Path)
	assert.Equal(t, "values-preprod.yaml", spec.ValueFile)
	assert.Equal(t, "main", spec.Revision)

	is, err := f.integrations.ForTenant(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, is, 2)
	assert.Equal(t, integration.ArgoCD, is[0].Type)
	assert.Equal(t, integration.GitHub, is[1].Type)
	assert.Equal(t, "acme-api", is[1].Config["repo"])

	events, _ := f.history.EventsForTenant(context.Background(), "acme", 0)
	require.Len(t, events, 2)
	assert.Equal(t, history.ActionProvisionSucceeded, events[0].Action)
	assert.Equal(t, history.ActionProvisionStarted, events[1].Action)
}

func TestProvisionNamespaceQuotaExceeded(t *testing.T) {
	f := setup(t)
	f.cluster.EnsureNamespaceFunc = func(ctx context.Context, name string, labels map[string]string) (bool, error) {
		f.calls.record("ns:" + name)
		if name == "acme-preprod" {
			return false, &luffyerr.Error{
				Type: luffyerr.Validation,
				Help: "kubernetes refused the namespace",
				Err:  errors.New(`namespaces "acme-preprod" is forbidden: exceeded quota: tenant-quota`),
			}
		}
		return true, nil
	}
	f.provision(t, acmeRequest)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, job.StatusSuccess, j.Steps[0].Status)
	assert.Equal(t, job.StatusSuccess, j.Steps[1].Status)
	assert.Equal(t, job.StatusError, j.Steps[2].Status)
	assert.Contains(t, j.Steps[2].Message, "exceeded quota")
	assert.Contains(t, j.Steps[2].Message, "acme-preprod")
	assert.Equal(t, job.StatusPending, j.Steps[3].Status)
	assert.Equal(t, job.StatusPending, j.Steps[4].Status)

	assert.Equal(t, 1, f.calls.count("ns:acme-preprod"), "validation errors are not retried")
	assert.Equal(t, 0, f.calls.count("app:"))
	events, _ := f.history.EventsForTenant(context.Background(), "acme", 1)
	assert.Equal(t, history.ActionProvisionFailed, events[0].Action)
}

func TestProvisionRetriesTransientErrors(t *testing.T) {
	f := setup(t)
	failures := 2
	f.repos.ensure = func() (bool, error) {
		if failures > 0 {
			failures--
			return false, luffyerr.TransientError("github", errors.New("502 bad gateway"))
		}
		return false, nil
	}
	f.provision(t, acmeRequest)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusSuccess, j.Status)
	assert.Equal(t, 3, f.calls.count("repo:"))
	assert.Contains(t, j.Steps[0].Message, "exists")
}

func TestProvisionGivesUpOnTransientErrors(t *testing.T) {
	f := setup(t)
	f.repos.ensure = func() (bool, error) {
		return false, luffyerr.TransientError("github", errors.New("connection reset"))
	}
	f.provision(t, acmeRequest)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, 3, f.calls.count("repo:"))
	assert.Contains(t, j.Steps[0].Message, "connection reset")
}

func TestProvisionAuthErrorNotRetried(t *testing.T) {
	f := setup(t)
	f.repos.ensure = func() (bool, error) {
		return false, luffyerr.AuthError("github", errors.New("401 Bad credentials"))
	}
	f.provision(t, acmeRequest)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, 1, f.calls.count("repo:"))
	assert.Contains(t, j.Steps[0].Message, "Bad credentials")
	assert.Equal(t, job.StatusPending, j.Steps[1].Status)
}

func TestProvisionInvalidRequest(t *testing.T) {
	f := setup(t)
	_, err := f.engine.StartProvisioning(context.Background(), tenant.Request{Name: "acme"})
	assert.True(t, luffyerr.IsValidation(err))
	assert.True(t, errors.Is(err, luffyerr.InvalidRequest))
	assert.Empty(t, f.calls.get())
}

func TestProvisionOneJobPerTenant(t *testing.T) {
	f := setup(t)
	release := make(chan struct{})
	f.repos.ensure = func() (bool, error) {
		<-release
		return true, nil
	}
	_, err := f.engine.StartProvisioning(context.Background(), acmeRequest)
	require.NoError(t, err)

	_, err = f.engine.StartProvisioning(context.Background(), acmeRequest)
	assert.Equal(t, luffyerr.AlreadyInProgress, err)

	// other tenants are not held up
	other, err := f.engine.StartProvisioning(context.Background(), tenant.Request{Name: "Widget Co", Stack: "go", RepoName: "widget"})
	require.NoError(t, err)
	assert.Equal(t, tenant.ID("widget-co"), other.Tenant.ID)

	close(release)
	f.engine.Wait()
	assert.Equal(t, job.StatusSuccess, f.job(t, "acme").Status)
	assert.Equal(t, job.StatusSuccess, f.job(t, "widget-co").Status)
}

func TestProvisionCancelBeforeNextStep(t *testing.T) {
	f := setup(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.repos.ensure = func() (bool, error) {
		close(entered)
		<-release
		return true, nil
	}
	_, err := f.engine.StartProvisioning(context.Background(), acmeRequest)
	require.NoError(t, err)
	<-entered

	_, err = f.engine.Cancel(context.Background(), "acme")
	require.NoError(t, err)
	close(release)
	f.engine.Wait()

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusError, j.Status)
	assert.True(t, j.Cancelled)
	assert.Equal(t, job.StatusSuccess, j.Steps[0].Status, "the step in flight completes")
	for _, s := range j.Steps[1:] {
		assert.Equal(t, job.StatusPending, s.Status)
	}
	assert.Equal(t, 0, f.calls.count("templates:"))

	_, err = f.engine.Cancel(context.Background(), "acme")
	assert.True(t, luffyerr.IsConflict(err))
}

func TestProvisionResumesAfterFailure(t *testing.T) {
	f := setup(t)
	broken := true
	f.cluster.EnsureNamespaceFunc = func(ctx context.Context, name string, labels map[string]string) (bool, error) {
		f.calls.record("ns:" + name)
		if broken {
			return false, luffyerr.ServerError("kubernetes", errors.New("admission webhook denied the request"))
		}
		return true, nil
	}
	f.provision(t, acmeRequest)
	require.Equal(t, job.StatusError, f.job(t, "acme").Status)

	broken = false
	started := f.provision(t, acmeRequest)
	assert.True(t, started.Resumed)

	j := f.job(t, "acme")
	assert.Equal(t, job.StatusSuccess, j.Status)
	assert.Equal(t, 1, f.calls.count("repo:"), "succeeded steps are not repeated")
	assert.Equal(t, 1, f.calls.count("templates:"))

	again, err := f.engine.StartProvisioning(context.Background(), acmeRequest)
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, j.ID, again.JobID)
}

func TestReinitializeIsIdempotent(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)

	first, err := f.engine.Reinitialize(context.Background(), "acme")
	require.NoError(t, err)
	files := map[string][]byte{}
	for k, v := range f.repos.files {
		files[k] = v
	}

	second, err := f.engine.Reinitialize(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, files, f.repos.files)
	assert.Equal(t, first.Unchanged, second.Unchanged)
	assert.Empty(t, second.TemplatesPushed)
	assert.Empty(t, second.Errors)

	_, err = f.engine.Reinitialize(context.Background(), "nobody")
	assert.True(t, luffyerr.IsMissing(err))
}

func TestReinitializeKeepsValuesFiles(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	// CI has deployed a build to dev
	deployed := []byte("image:\n  tag: abc123\n")
	f.repos.files["deploy/values-dev.yaml"] = deployed

	res, err := f.engine.Reinitialize(context.Background(), "acme")
	require.NoError(t, err)
	assert.Contains(t, res.Unchanged, "deploy/values-dev.yaml")
	assert.NotContains(t, res.TemplatesPushed, "deploy/values-dev.yaml")
	assert.Equal(t, deployed, f.repos.files["deploy/values-dev.yaml"])
}

func TestReinitializeSurfacesAuthErrors(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	f.repos.pushErr = luffyerr.AuthError("github", errors.New("403 Resource not accessible"))
	_, err := f.engine.Reinitialize(context.Background(), "acme")
	assert.True(t, luffyerr.IsAuth(err))
}

func TestDeleteCollectsErrors(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	f.cluster.DeleteNamespaceFunc = func(ctx context.Context, name string) (bool, error) {
		f.calls.record("delete-ns:" + name)
		if name == "acme-prod" {
			return false, luffyerr.ServerError("kubernetes", errors.New("namespace is stuck"))
		}
		return true, nil
	}

	_, err := f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme-typo"})
	assert.True(t, luffyerr.IsValidation(err))

	res, err := f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme", DeleteRepo: true})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "acme-prod")
	assert.Contains(t, res.Deleted, "application acme-prod")
	assert.Contains(t, res.Deleted, "namespace acme-dev")
	assert.Contains(t, res.Deleted, "repository lebrick/acme-api")
	assert.Contains(t, res.Deleted, "integrations acme")

	// all applications are gone before any namespace is touched
	var lastApp, firstNS int
	for i, c := range f.calls.get() {
		if strings.HasPrefix(c, "delete-app:") {
			lastApp = i
		}
		if strings.HasPrefix(c, "delete-ns:") && firstNS == 0 {
			firstNS = i
		}
	}
	assert.True(t, lastApp < firstNS)

	tn, err := f.store.Tenant("acme")
	require.NoError(t, err)
	assert.True(t, tn.Archived())

	_, err = f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme"})
	assert.True(t, luffyerr.IsMissing(err))
}

func TestDeleteKeepsRepos(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	f.engine.config.KeepRepos = true

	_, err := f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme", DeleteRepo: true})
	assert.True(t, luffyerr.IsValidation(err))
	for _, c := range f.calls.get() {
		assert.False(t, strings.HasPrefix(c, "delete-"), c)
	}

	res, err := f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotContains(t, res.Deleted, "repository lebrick/acme-api")
}

func TestDeleteWhileProvisioning(t *testing.T) {
	f := setup(t)
	release := make(chan struct{})
	f.repos.ensure = func() (bool, error) {
		<-release
		return true, nil
	}
	_, err := f.engine.StartProvisioning(context.Background(), acmeRequest)
	require.NoError(t, err)

	_, err = f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme"})
	assert.Equal(t, luffyerr.AlreadyInProgress, err)
	close(release)
	f.engine.Wait()
}

func TestDeleteHoldsOffResume(t *testing.T) {
	f := setup(t)
	broken := true
	f.cluster.EnsureNamespaceFunc = func(ctx context.Context, name string, labels map[string]string) (bool, error) {
		if broken {
			return false, luffyerr.ServerError("kubernetes", errors.New("admission webhook denied the request"))
		}
		return true, nil
	}
	f.provision(t, acmeRequest)
	require.Equal(t, job.StatusError, f.job(t, "acme").Status)
	broken = false

	deleting := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	f.apps.onDelete = func(name string) {
		once.Do(func() { close(deleting) })
		<-proceed
	}

	done := make(chan DeleteResult)
	go func() {
		res, err := f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme"})
		assert.NoError(t, err)
		done <- res
	}()
	<-deleting

	// the teardown is under way, so neither a retry nor a second
	// teardown can get at the tenant
	_, err := f.engine.StartProvisioning(context.Background(), acmeRequest)
	assert.True(t, luffyerr.IsConflict(err), "%v", err)
	_, err = f.engine.Delete(context.Background(), "acme", DeleteOptions{Confirm: "acme"})
	assert.True(t, luffyerr.IsConflict(err), "%v", err)
	_, err = f.engine.Suspend(context.Background(), "acme", SuspendOptions{Confirm: "acme"})
	assert.True(t, luffyerr.IsConflict(err), "%v", err)

	close(proceed)
	res := <-done
	f.engine.Wait()
	assert.True(t, res.Success, "%v", res.Errors)
	assert.Contains(t, res.Deleted, "namespace acme-prod")

	tn, err := f.store.Tenant("acme")
	require.NoError(t, err)
	assert.True(t, tn.Archived())
}

func TestSuspend(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)

	_, err := f.engine.Resume(context.Background(), "acme")
	assert.True(t, luffyerr.IsConflict(err), "not suspended yet")

	res, err := f.engine.Suspend(context.Background(), "acme", SuspendOptions{Confirm: "acme", Reason: "unpaid invoice"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"acme-dev/web", "acme-preprod/web", "acme-prod/web"}, res.Scaled)
	assert.Equal(t, map[string]int{"acme-dev": 0, "acme-preprod": 0, "acme-prod": 0}, f.apps.replicas)

	// the override is in place before anything is scaled, so a sync
	// cannot bring the deployments back
	var lastOverride, firstScale int
	for i, c := range f.calls.get() {
		if strings.HasPrefix(c, "replicas:") {
			lastOverride = i
		}
		if strings.HasPrefix(c, "scale:") && firstScale == 0 {
			firstScale = i
		}
	}
	assert.True(t, lastOverride < firstScale)

	tn, err := f.store.Tenant("acme")
	require.NoError(t, err)
	assert.True(t, tn.Suspended())
	assert.Equal(t, "unpaid invoice", tn.SuspendReason)

	_, err = f.engine.Suspend(context.Background(), "acme", SuspendOptions{})
	assert.True(t, luffyerr.IsValidation(err))
}

func TestSuspendRecordsPartialFailure(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	f.apps.replicasErr = luffyerr.ServerError("argocd", errors.New("application controller unavailable"))

	res, err := f.engine.Suspend(context.Background(), "acme", SuspendOptions{Confirm: "acme"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 3)
	assert.Len(t, res.Scaled, 3)

	tn, err := f.store.Tenant("acme")
	require.NoError(t, err)
	assert.True(t, tn.Suspended())
}

func TestResume(t *testing.T) {
	f := setup(t)
	f.provision(t, acmeRequest)
	_, err := f.engine.Suspend(context.Background(), "acme", SuspendOptions{Confirm: "acme"})
	require.NoError(t, err)

	f.apps.replicasErr = luffyerr.ServerError("argocd", errors.New("application controller unavailable"))
	res, err := f.engine.Resume(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, res.Success)
	tn, _ := f.store.Tenant("acme")
	assert.True(t, tn.Suspended(), "a failed resume leaves the tenant suspended")

	f.apps.replicasErr = nil
	res, err = f.engine.Resume(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Success, "%v", res.Errors)
	assert.Equal(t, []string{"application acme-dev", "application acme-preprod", "application acme-prod"}, res.Resumed)
	assert.Empty(t, f.apps.replicas)

	tn, err = f.store.Tenant("acme")
	require.NoError(t, err)
	assert.False(t, tn.Suspended())
	assert.Empty(t, tn.SuspendReason)

	events, err := f.history.EventsForTenant(context.Background(), "acme", 0)
	require.NoError(t, err)
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Contains(t, actions, history.ActionSuspended)
	assert.Contains(t, actions, history.ActionResumed)
}
