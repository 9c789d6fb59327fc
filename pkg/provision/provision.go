// Package provision stands up a tenant: a repository with CI
// templates, a namespace and a GitOps application per environment,
// and the tenant's integration records. Each tenant's job runs in
// its own goroutine; steps within a job run strictly in order.
package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/openluffy/luffy/pkg/cluster"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/github"
	"github.com/openluffy/luffy/pkg/gitops"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/retry"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/templates"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Repos is the source-code host; *github.Client is one.
type Repos interface {
	EnsureRepo(ctx context.Context, repo tenant.Repo, description string) (bool, error)
	PushFiles(ctx context.Context, repo tenant.Repo, files []templates.File, message string) (github.PushResult, error)
	DeleteRepo(ctx context.Context, repo tenant.Repo) (bool, error)
}

// Apps is the GitOps controller; *gitops.Controller is one.
type Apps interface {
	EnsureApplication(ctx context.Context, spec gitops.AppSpec) (bool, error)
	DeleteApplication(ctx context.Context, name string) (bool, error)
	SetReplicas(ctx context.Context, name string, replicas *int) (bool, error)
}

type Config struct {
	// Reserved are glob patterns of tenant IDs that cannot be used.
	Reserved      []string
	DefaultOwner  string
	DefaultBranch string
	// GitHost is the base URL GitOps applications clone from.
	GitHost        string
	ArgoNamespace  string
	Templates      templates.Options
	Retry          retry.Policy
	TemplateCommit string
	// KeepRepos refuses teardowns that ask for the repository to be
	// deleted too.
	KeepRepos bool
}

const defaultTemplateCommit = "Add luffy CI/CD templates"

type Engine struct {
	store        *store.Store
	repos        Repos
	apps         Apps
	cluster      cluster.Cluster
	integrations integration.Store
	events       history.EventWriter
	config       Config
	logger       log.Logger
	now          func() time.Time

	running sync.WaitGroup
}

func New(s *store.Store, repos Repos, apps Apps, c cluster.Cluster, integrations integration.Store, events history.EventWriter, config Config, logger log.Logger) *Engine {
	if config.ArgoNamespace == "" {
		config.ArgoNamespace = "argocd"
	}
	if config.GitHost == "" {
		config.GitHost = "https://github.com"
	}
	if config.Retry.Attempts == 0 {
		config.Retry = retry.DefaultPolicy
	}
	if config.TemplateCommit == "" {
		config.TemplateCommit = defaultTemplateCommit
	}
	return &Engine{
		store:        s,
		repos:        repos,
		apps:         apps,
		cluster:      c,
		integrations: integrations,
		events:       events,
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// Wait blocks until every job started so far has finished.
func (e *Engine) Wait() {
	e.running.Wait()
}

// Started says what StartProvisioning did.
type Started struct {
	Tenant tenant.Tenant `json:"customer"`
	JobID  job.ID        `json:"job_id"`
	// Resumed is set when the job carries over steps from a failed
	// one.
	Resumed bool `json:"resumed,omitempty"`
	// Existing is set when the tenant was already provisioned, and
	// nothing was started.
	Existing bool `json:"existing,omitempty"`
}

// StartProvisioning validates the request and starts a job for the
// tenant it names. It returns as soon as the job is admitted. If the
// tenant's previous job failed, the new one carries on from the
// first step that did not succeed.
func (e *Engine) StartProvisioning(ctx context.Context, req tenant.Request) (Started, error) {
	t, err := req.Validate(e.config.Reserved, e.config.DefaultOwner, e.config.DefaultBranch)
	if err != nil {
		return Started{}, err
	}

	now := e.now()
	j := job.New(t.ID, now)
	resumed := false
	if existing, err := e.store.Tenant(t.ID); err == nil {
		t.CreatedAt = existing.CreatedAt
		prev, err := e.store.Job(t.ID)
		switch {
		case err != nil:
		case !prev.Status.Terminal():
			return Started{}, luffyerr.AlreadyInProgress
		case prev.Status == job.StatusSuccess && !existing.Archived():
			return Started{Tenant: existing, JobID: prev.ID, Existing: true}, nil
		case prev.Status == job.StatusError && !existing.Archived() && sameTarget(existing, t):
			j = job.Resume(prev, now)
			resumed = j.Next() > 0
		}
	} else {
		t.CreatedAt = now.UTC()
	}

	if err := e.store.StartJob(t, j); err != nil {
		return Started{}, err
	}

	logger := log.With(e.logger, "tenant", t.ID, "job", j.ID)
	logger.Log("msg", "provisioning started", "from_step", j.Steps[j.Next()].Name)
	e.logEvent(ctx, history.Event{
		TenantID: t.ID,
		Action:   history.ActionProvisionStarted,
		Message:  fmt.Sprintf("provisioning %s (%s) from %s", t.ID, t.Stack, t.Repo),
		Details:  map[string]string{"job": string(j.ID), "stack": string(t.Stack), "repo": t.Repo.String()},
	})

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.run(t, j.ID, j.Next(), logger)
	}()
	return Started{Tenant: t, JobID: j.ID, Resumed: resumed}, nil
}

// sameTarget says whether a retried request asks for the same
// thing as the original, so succeeded steps can be carried over.
func sameTarget(a, b tenant.Tenant) bool {
	return a.Stack == b.Stack && a.Repo == b.Repo
}

// run executes the job's steps from first onwards. Adapter calls are
// not cancelled by the operator; cancellation is checked before each
// step begins.
func (e *Engine) run(t tenant.Tenant, jobID job.ID, first int, logger log.Logger) {
	ctx := context.Background()
	for i := first; i < len(job.StepNames); i++ {
		name := job.StepNames[i]
		if e.store.Cancelled(t.ID, jobID) {
			msg := fmt.Sprintf("cancelled before step %s", name)
			if err := e.store.Abort(t.ID, jobID, msg); err != nil {
				logger.Log("err", err)
			}
			logger.Log("msg", msg)
			jobsTotal.With(luffymetrics.LabelOutcome, "cancelled").Add(1)
			e.logEvent(ctx, history.Event{TenantID: t.ID, Action: history.ActionProvisionCancelled, Message: msg,
				Details: map[string]string{"job": string(jobID), "step": name}})
			return
		}

		if err := e.store.Transition(t.ID, jobID, i, job.StatusRunning, ""); err != nil {
			logger.Log("step", name, "err", err)
			return
		}
		started := time.Now()
		msg, err := e.step(ctx, t, i, log.With(logger, "step", name))
		stepDuration.With(luffymetrics.LabelStep, name, luffymetrics.LabelSuccess, fmt.Sprint(err == nil)).Observe(time.Since(started).Seconds())

		if err != nil {
			logger.Log("step", name, "err", err)
			if terr := e.store.Transition(t.ID, jobID, i, job.StatusError, err.Error()); terr != nil {
				logger.Log("step", name, "err", terr)
			}
			jobsTotal.With(luffymetrics.LabelOutcome, "error").Add(1)
			e.logEvent(ctx, history.Event{
				TenantID: t.ID,
				Action:   history.ActionProvisionFailed,
				Message:  fmt.Sprintf("step %s failed: %s", name, err),
				Details:  map[string]string{"job": string(jobID), "step": name},
			})
			return
		}
		logger.Log("step", name, "msg", msg)
		if err := e.store.Transition(t.ID, jobID, i, job.StatusSuccess, msg); err != nil {
			logger.Log("step", name, "err", err)
			return
		}
	}

	logger.Log("msg", "provisioning succeeded")
	jobsTotal.With(luffymetrics.LabelOutcome, "success").Add(1)
	e.logEvent(ctx, history.Event{
		TenantID: t.ID,
		Action:   history.ActionProvisionSucceeded,
		Message:  fmt.Sprintf("%s provisioned", t.ID),
		Details:  map[string]string{"job": string(jobID)},
	})
}

// do runs op, retrying it if it fails transiently.
func (e *Engine) do(ctx context.Context, logger log.Logger, what string, op func() error) error {
	return retry.Do(ctx, e.config.Retry, op, func(err error, wait time.Duration) {
		logger.Log("retrying", what, "in", wait, "err", err)
	})
}

func (e *Engine) step(ctx context.Context, t tenant.Tenant, i int, logger log.Logger) (string, error) {
	switch job.StepNames[i] {
	case job.StepRepository:
		return e.ensureRepo(ctx, t, logger)
	case job.StepTemplates:
		return e.pushTemplates(ctx, t, logger)
	case job.StepNamespaces:
		return e.ensureNamespaces(ctx, t, logger)
	case job.StepApplications:
		return e.ensureApplications(ctx, t, logger)
	case job.StepIntegrations:
		return e.persistIntegrations(ctx, t, logger)
	}
	return "", luffyerr.CoverAllError(fmt.Errorf("unknown step %d", i))
}

func (e *Engine) ensureRepo(ctx context.Context, t tenant.Tenant, logger log.Logger) (string, error) {
	var created bool
	err := e.do(ctx, logger, "repository", func() (err error) {
		created, err = e.repos.EnsureRepo(ctx, t.Repo, fmt.Sprintf("%s (%s), provisioned by luffy", t.DisplayName, t.Stack))
		return err
	})
	if err != nil {
		return "", err
	}
	if created {
		return fmt.Sprintf("created repository %s", t.Repo), nil
	}
	return fmt.Sprintf("repository %s exists", t.Repo), nil
}

func (e *Engine) pushTemplates(ctx context.Context, t tenant.Tenant, logger log.Logger) (string, error) {
	res, err := e.push(ctx, t, logger)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pushed %d files, %d unchanged", len(res.Pushed()), len(res.Unchanged)), nil
}

func (e *Engine) push(ctx context.Context, t tenant.Tenant, logger log.Logger) (github.PushResult, error) {
	files, err := templates.Render(t, e.config.Templates)
	if err != nil {
		return github.PushResult{}, err
	}
	var res github.PushResult
	err = e.do(ctx, logger, "templates", func() (err error) {
		res, err = e.repos.PushFiles(ctx, t.Repo, files, e.config.TemplateCommit)
		return err
	})
	return res, err
}

func (e *Engine) ensureNamespaces(ctx context.Context, t tenant.Tenant, logger log.Logger) (string, error) {
	var created, existing []string
	for _, env := range t.Environments {
		ns := tenant.Namespace(t.ID, env)
		var ok bool
		err := e.do(ctx, logger, ns, func() (err error) {
			ok, err = e.cluster.EnsureNamespace(ctx, ns, cluster.NamespaceLabels(t.ID, env))
			return err
		})
		if err != nil {
			return "", wrapResource(err, "namespace "+ns)
		}
		if ok {
			created = append(created, ns)
		} else {
			existing = append(existing, ns)
		}
	}
	return summarise(created, existing), nil
}

// AppSpec is the GitOps application for one of the tenant's
// environments.
func (e *Engine) AppSpec(t tenant.Tenant, env tenant.Environment) gitops.AppSpec {
	return gitops.AppSpec{
		Name:      tenant.AppName(t.ID, env),
		Namespace: tenant.Namespace(t.ID, env),
		RepoURL:   strings.TrimSuffix(e.config.GitHost, "/") + "/" + t.Repo.String() + ".git",
		Path:      templates.ChartDir,
		Revision:  t.Repo.Branch,
		ValueFile: strings.TrimPrefix(templates.ValuesPath(env), templates.ChartDir+"/"),
		Labels:    cluster.NamespaceLabels(t.ID, env),
	}
}

func (e *Engine) ensureApplications(ctx context.Context, t tenant.Tenant, logger log.Logger) (string, error) {
	var created, existing []string
	for _, env := range t.Environments {
		spec := e.AppSpec(t, env)
		var ok bool
		err := e.do(ctx, logger, spec.Name, func() (err error) {
			ok, err = e.apps.EnsureApplication(ctx, spec)
			return err
		})
		if err != nil {
			return "", wrapResource(err, "application "+spec.Name)
		}
		if ok {
			created = append(created, spec.Name)
		} else {
			existing = append(existing, spec.Name)
		}
	}
	return summarise(created, existing), nil
}

func (e *Engine) persistIntegrations(ctx context.Context, t tenant.Tenant, logger log.Logger) (string, error) {
	var apps []interface{}
	for _, env := range t.Environments {
		apps = append(apps, tenant.AppName(t.ID, env))
	}
	scope := integration.TenantScope(t.ID)
	for _, i := range []integration.Integration{
		{TenantID: scope, Type: integration.GitHub, Config: map[string]interface{}{
			"org":     t.Repo.Owner,
			"repo":    t.Repo.Name,
			"branch":  t.Repo.Branch,
			"enabled": true,
		}},
		{TenantID: scope, Type: integration.ArgoCD, Config: map[string]interface{}{
			"namespace":    e.config.ArgoNamespace,
			"applications": apps,
		}},
	} {
		i := i
		err := e.do(ctx, logger, string(i.Type), func() error {
			_, err := e.integrations.Upsert(ctx, i)
			return err
		})
		if err != nil {
			return "", wrapResource(err, string(i.Type)+" integration")
		}
	}
	return "saved github and argocd integrations", nil
}

// wrapResource prefixes the error message with the resource it is
// about, keeping its type.
func wrapResource(err error, what string) error {
	if fe, ok := err.(*luffyerr.Error); ok {
		return &luffyerr.Error{Type: fe.Type, Help: what + ": " + fe.Help, Err: fmt.Errorf("%s: %s", what, fe.Err)}
	}
	return fmt.Errorf("%s: %s", what, err)
}

func summarise(created, existing []string) string {
	var parts []string
	if len(created) > 0 {
		parts = append(parts, "created "+strings.Join(created, ", "))
	}
	if len(existing) > 0 {
		parts = append(parts, "verified "+strings.Join(existing, ", "))
	}
	return strings.Join(parts, "; ")
}

func (e *Engine) logEvent(ctx context.Context, ev history.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.LogEvent(ctx, ev); err != nil {
		e.logger.Log("tenant", ev.TenantID, "action", ev.Action, "err", err)
	}
}

// GetStatus returns a snapshot of the tenant's provisioning job.
func (e *Engine) GetStatus(id tenant.ID) (*job.Job, error) {
	return e.store.Job(id)
}

// Cancel asks the tenant's running job to stop before its next step.
func (e *Engine) Cancel(ctx context.Context, id tenant.ID) (*job.Job, error) {
	j, err := e.store.Cancel(id)
	if err != nil {
		return nil, err
	}
	e.logger.Log("tenant", id, "job", j.ID, "msg", "cancellation requested")
	return j, nil
}

// ReinitResult reports a template re-push.
type ReinitResult struct {
	TemplatesPushed []string          `json:"templates_pushed"`
	Unchanged       []string          `json:"unchanged"`
	Errors          map[string]string `json:"errors"`
}

// Reinitialize pushes the CI/CD templates to the tenant's repository
// again, overwriting whatever is there. It can be called any number
// of times; files already up to date are left alone.
func (e *Engine) Reinitialize(ctx context.Context, id tenant.ID) (ReinitResult, error) {
	t, err := e.store.Tenant(id)
	if err != nil {
		return ReinitResult{}, err
	}
	if t.Archived() {
		return ReinitResult{}, luffyerr.Missingf("customer %q has been deleted", id)
	}
	if j, err := e.store.Job(id); err == nil && !j.Status.Terminal() {
		return ReinitResult{}, luffyerr.AlreadyInProgress
	}

	logger := log.With(e.logger, "tenant", id, "op", "reinitialize")
	res, err := e.push(ctx, t, logger)
	out := ReinitResult{
		TemplatesPushed: nonNil(res.Pushed()),
		Unchanged:       nonNil(res.Unchanged),
		Errors:          res.Errors,
	}
	if out.Errors == nil {
		out.Errors = map[string]string{}
	}
	if err != nil && len(out.TemplatesPushed)+len(out.Unchanged) == 0 {
		return ReinitResult{}, err
	}
	e.logEvent(ctx, history.Event{
		TenantID: id,
		Action:   history.ActionReinitialized,
		Message:  fmt.Sprintf("pushed %d templates, %d unchanged, %d errors", len(out.TemplatesPushed), len(out.Unchanged), len(out.Errors)),
	})
	return out, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
