package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/kit/log"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/history"
	"github.com/openluffy/luffy/pkg/tenant"
)

const (
	KindApplication = "application"
	KindNamespace   = "namespace"
	KindRepository  = "repository"
	KindIntegration = "integrations"
	KindDeployments = "deployments"
)

// Operations that claim a tenant in the store.
const (
	opDelete  = "delete"
	opSuspend = "suspend"
	opResume  = "resume"
)

// ResourceResult is the outcome for one external resource of a
// teardown or suspension.
type ResourceResult struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	// Done is false both when the call failed and when there was
	// nothing to do; Error tells them apart.
	Done  bool     `json:"done"`
	Items []string `json:"items,omitempty"`
	Error string   `json:"error,omitempty"`
}

func (r ResourceResult) label() string {
	return r.Kind + " " + r.Name
}

type DeleteOptions struct {
	// Confirm must repeat the tenant's ID.
	Confirm    string
	DeleteRepo bool
}

type DeleteResult struct {
	Success   bool             `json:"success"`
	Deleted   []string         `json:"deleted"`
	Errors    []string         `json:"errors"`
	Resources []ResourceResult `json:"resources"`
}

type SuspendOptions struct {
	// Confirm must repeat the tenant's ID.
	Confirm string
	Reason  string
}

type SuspendResult struct {
	Success   bool             `json:"success"`
	Scaled    []string         `json:"scaled"`
	Errors    []string         `json:"errors"`
	Resources []ResourceResult `json:"resources"`
}

type ResumeResult struct {
	Success   bool             `json:"success"`
	Resumed   []string         `json:"resumed"`
	Errors    []string         `json:"errors"`
	Resources []ResourceResult `json:"resources"`
}

// fanOut runs each op concurrently, and returns their results in the
// order given. Every op runs, whatever the others do.
func fanOut(ops []func() ResourceResult) []ResourceResult {
	results := make([]ResourceResult, len(ops))
	var wg sync.WaitGroup
	for i := range ops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ops[i]()
		}(i)
	}
	wg.Wait()
	return results
}

func tally(results []ResourceResult) (done, errs []string) {
	done, errs = []string{}, []string{}
	for _, r := range results {
		switch {
		case r.Error != "":
			errs = append(errs, r.label()+": "+r.Error)
		case r.Done:
			done = append(done, r.label())
		}
	}
	return done, errs
}

func confirm(id tenant.ID, confirm string) error {
	if confirm != string(id) {
		return luffyerr.Validationf("confirmation %q does not match customer id %q", confirm, id)
	}
	return nil
}

// Delete tears down the tenant's GitOps applications, then its
// namespaces, and optionally its repository. Every deletion is
// attempted; failures are collected per resource rather than
// stopping the rest. The tenant is claimed for the whole teardown,
// so no job or promotion can start under it, and archived whatever
// the outcome, so the result can be read afterwards.
func (e *Engine) Delete(ctx context.Context, id tenant.ID, opts DeleteOptions) (DeleteResult, error) {
	if err := confirm(id, opts.Confirm); err != nil {
		return DeleteResult{}, err
	}
	if opts.DeleteRepo && e.config.KeepRepos {
		return DeleteResult{}, luffyerr.Validationf("repository deletion is disabled on this server; delete %s without delete_repo", id)
	}
	t, err := e.store.Claim(id, opDelete)
	if err != nil {
		return DeleteResult{}, err
	}
	defer e.store.Release(id)
	logger := log.With(e.logger, "tenant", id, "op", "delete")

	// Applications go first, so Argo CD does not recreate what is in
	// the namespaces while they are being deleted.
	var appOps []func() ResourceResult
	for _, env := range t.Environments {
		name := tenant.AppName(id, env)
		appOps = append(appOps, func() ResourceResult {
			r := ResourceResult{Kind: KindApplication, Name: name}
			err := e.do(ctx, logger, name, func() (err error) {
				r.Done, err = e.apps.DeleteApplication(ctx, name)
				return err
			})
			if err != nil {
				r.Error = err.Error()
			}
			return r
		})
	}
	results := fanOut(appOps)

	var ops []func() ResourceResult
	for _, env := range t.Environments {
		ns := tenant.Namespace(id, env)
		ops = append(ops, func() ResourceResult {
			r := ResourceResult{Kind: KindNamespace, Name: ns}
			err := e.do(ctx, logger, ns, func() (err error) {
				r.Done, err = e.cluster.DeleteNamespace(ctx, ns)
				return err
			})
			if err != nil {
				r.Error = err.Error()
			}
			return r
		})
	}
	if opts.DeleteRepo {
		ops = append(ops, func() ResourceResult {
			r := ResourceResult{Kind: KindRepository, Name: t.Repo.String()}
			err := e.do(ctx, logger, "repository", func() (err error) {
				r.Done, err = e.repos.DeleteRepo(ctx, t.Repo)
				return err
			})
			if err != nil {
				r.Error = err.Error()
			}
			return r
		})
	}
	ops = append(ops, func() ResourceResult {
		r := ResourceResult{Kind: KindIntegration, Name: string(id)}
		n, err := e.integrations.DeleteTenant(ctx, id)
		r.Done = n > 0
		if err != nil {
			r.Error = err.Error()
		}
		return r
	})
	results = append(results, fanOut(ops)...)

	res := DeleteResult{Resources: results}
	res.Deleted, res.Errors = tally(results)
	if err := e.store.Archive(id); err != nil {
		res.Errors = append(res.Errors, "archiving: "+err.Error())
	}
	res.Success = len(res.Errors) == 0
	for _, msg := range res.Errors {
		logger.Log("err", msg)
	}

	e.logEvent(ctx, history.Event{
		TenantID: id,
		Action:   history.ActionDeleted,
		Message:  fmt.Sprintf("deleted %d resources, %d errors", len(res.Deleted), len(res.Errors)),
		Details:  map[string]string{"delete_repo": fmt.Sprint(opts.DeleteRepo)},
	})
	return res, nil
}

// replicaOps sets, or with nil removes, the replica override on each
// of the tenant's applications.
func (e *Engine) replicaOps(ctx context.Context, t tenant.Tenant, replicas *int, logger log.Logger) []func() ResourceResult {
	var ops []func() ResourceResult
	for _, env := range t.Environments {
		name := tenant.AppName(t.ID, env)
		ops = append(ops, func() ResourceResult {
			r := ResourceResult{Kind: KindApplication, Name: name}
			err := e.do(ctx, logger, name, func() (err error) {
				r.Done, err = e.apps.SetReplicas(ctx, name, replicas)
				return err
			})
			if err != nil {
				r.Error = err.Error()
			}
			return r
		})
	}
	return ops
}

// Suspend holds every one of the tenant's applications at zero
// replicas, through the GitOps controller so that its syncs keep
// them there, and scales the deployments down straight away rather
// than waiting for the next sync. Like Delete, it reports each
// resource separately. The tenant is marked suspended whatever the
// outcome, and is left out of reconciling and promotion until it is
// resumed.
func (e *Engine) Suspend(ctx context.Context, id tenant.ID, opts SuspendOptions) (SuspendResult, error) {
	if err := confirm(id, opts.Confirm); err != nil {
		return SuspendResult{}, err
	}
	t, err := e.store.Claim(id, opSuspend)
	if err != nil {
		return SuspendResult{}, err
	}
	defer e.store.Release(id)
	logger := log.With(e.logger, "tenant", id, "op", "suspend")

	zero := 0
	results := fanOut(e.replicaOps(ctx, t, &zero, logger))

	var ops []func() ResourceResult
	for _, env := range t.Environments {
		ns := tenant.Namespace(id, env)
		ops = append(ops, func() ResourceResult {
			r := ResourceResult{Kind: KindDeployments, Name: ns}
			err := e.do(ctx, logger, ns, func() (err error) {
				r.Items, err = e.cluster.ScaleToZero(ctx, ns)
				return err
			})
			if err != nil {
				r.Error = err.Error()
			}
			r.Done = len(r.Items) > 0
			return r
		})
	}
	results = append(results, fanOut(ops)...)

	res := SuspendResult{Resources: results, Scaled: []string{}, Errors: []string{}}
	for _, r := range results {
		if r.Error != "" {
			res.Errors = append(res.Errors, r.label()+": "+r.Error)
		}
		for _, name := range r.Items {
			res.Scaled = append(res.Scaled, r.Name+"/"+name)
		}
	}
	if err := e.store.SetSuspended(id, true, opts.Reason); err != nil {
		res.Errors = append(res.Errors, "recording suspension: "+err.Error())
	}
	res.Success = len(res.Errors) == 0
	for _, msg := range res.Errors {
		logger.Log("err", msg)
	}

	e.logEvent(ctx, history.Event{
		TenantID: id,
		Action:   history.ActionSuspended,
		Message:  fmt.Sprintf("scaled %d deployments to zero, %d errors", len(res.Scaled), len(res.Errors)),
		Details:  map[string]string{"reason": opts.Reason},
	})
	return res, nil
}

// Resume removes the replica override Suspend put on the tenant's
// applications, so they run as many replicas as their values say.
// The tenant stays suspended until every override is gone, so a
// partial resume can be tried again.
func (e *Engine) Resume(ctx context.Context, id tenant.ID) (ResumeResult, error) {
	t, err := e.store.Claim(id, opResume)
	if err != nil {
		return ResumeResult{}, err
	}
	defer e.store.Release(id)
	if !t.Suspended() {
		return ResumeResult{}, luffyerr.Conflictf("customer %q is not suspended", id)
	}
	logger := log.With(e.logger, "tenant", id, "op", "resume")

	results := fanOut(e.replicaOps(ctx, t, nil, logger))
	res := ResumeResult{Resources: results}
	res.Resumed, res.Errors = tally(results)
	if len(res.Errors) == 0 {
		if err := e.store.SetSuspended(id, false, ""); err != nil {
			res.Errors = append(res.Errors, "recording resumption: "+err.Error())
		}
	}
	res.Success = len(res.Errors) == 0
	for _, msg := range res.Errors {
		logger.Log("err", msg)
	}

	e.logEvent(ctx, history.Event{
		TenantID: id,
		Action:   history.ActionResumed,
		Message:  fmt.Sprintf("resumed %d applications, %d errors", len(res.Resumed), len(res.Errors)),
	})
	return res, nil
}
