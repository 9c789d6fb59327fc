package store

import (
	"sort"
	"sync"
	"time"

	"github.com/openluffy/luffy/pkg/cluster"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/tenant"
)

// Store is the process-wide record of every tenant's state: its
// provisioning job, its approval, and its deployments. Each tenant
// has its own lock, so writes for one tenant never wait on another;
// the outer lock is held only long enough to find the entry.
//
// Everything handed out is a copy; callers cannot change what is
// stored except through the methods here.
type Store struct {
	mu      sync.RWMutex
	tenants map[tenant.ID]*entry

	promotions *PromotionCache
	now        func() time.Time
}

type entry struct {
	sync.RWMutex
	tenant      tenant.Tenant
	job         *job.Job
	approval    *Approval
	phase       Phase
	deployments []cluster.Deployment
	refreshedAt time.Time
	// claim names the operation holding the tenant, if any; while it
	// is held no job or promotion can start.
	claim string
}

func New() *Store {
	return &Store{
		tenants:    map[tenant.ID]*entry{},
		promotions: &PromotionCache{Size: 256},
		now:        time.Now,
	}
}

func (s *Store) get(id tenant.ID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tenants[id]
	s.mu.RUnlock()
	if !ok {
		return nil, luffyerr.Missingf("no customer with id %q", id)
	}
	return e, nil
}

func (s *Store) getOrCreate(t tenant.Tenant) *entry {
	s.mu.RLock()
	e, ok := s.tenants[t.ID]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.tenants[t.ID]; ok {
		return e
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	e = &entry{tenant: t, phase: PhaseInSync}
	s.tenants[t.ID] = e
	return e
}

// Tenant returns the tenant with the given ID.
func (s *Store) Tenant(id tenant.ID) (tenant.Tenant, error) {
	e, err := s.get(id)
	if err != nil {
		return tenant.Tenant{}, err
	}
	e.RLock()
	defer e.RUnlock()
	return e.tenant, nil
}

// Tenants lists all tenants, including archived ones, by ID.
func (s *Store) Tenants() []tenant.Tenant {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tenants))
	for _, e := range s.tenants {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	res := make([]tenant.Tenant, 0, len(entries))
	for _, e := range entries {
		e.RLock()
		res = append(res, e.tenant)
		e.RUnlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Claim gives op the tenant to itself. It fails if the tenant has
// been deleted, has a job running or a promotion in flight, or is
// already claimed; once it succeeds, StartJob and BeginPromotion
// refuse the tenant until Release or Archive.
func (s *Store) Claim(id tenant.ID, op string) (tenant.Tenant, error) {
	e, err := s.get(id)
	if err != nil {
		return tenant.Tenant{}, err
	}
	e.Lock()
	defer e.Unlock()
	switch {
	case e.tenant.Archived():
		return tenant.Tenant{}, luffyerr.Missingf("customer %q has already been deleted", id)
	case e.claim != "":
		return tenant.Tenant{}, busy(id, e.claim)
	case e.job != nil && !e.job.Status.Terminal():
		return tenant.Tenant{}, luffyerr.AlreadyInProgress
	case e.approval != nil && e.approval.State == ApprovalPromoting:
		return tenant.Tenant{}, luffyerr.AlreadyPromoting
	}
	e.claim = op
	return e.tenant, nil
}

// Release gives up a claim made with Claim.
func (s *Store) Release(id tenant.ID) {
	e, err := s.get(id)
	if err != nil {
		return
	}
	e.Lock()
	e.claim = ""
	e.Unlock()
}

func busy(id tenant.ID, op string) error {
	return luffyerr.Conflictf("customer %q is busy: %s in progress", id, op)
}

// SetSuspended records the tenant as suspended for reason, or, with
// suspended false, as running again. Suspending withdraws a pending
// approval.
func (s *Store) SetSuspended(id tenant.ID, suspended bool, reason string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	if !suspended {
		e.tenant.SuspendedAt = nil
		e.tenant.SuspendReason = ""
		return nil
	}
	now := s.now()
	e.tenant.SuspendedAt = &now
	e.tenant.SuspendReason = reason
	if e.approval != nil && e.approval.State == ApprovalPending {
		e.approval = nil
		e.phase = PhaseInSync
	}
	return nil
}

// Archive marks the tenant as deleted, releasing any claim. Its
// records stay, so that the outcome of the teardown can still be
// read.
func (s *Store) Archive(id tenant.ID) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	e.claim = ""
	if e.job != nil && !e.job.Status.Terminal() {
		return luffyerr.AlreadyInProgress
	}
	if e.approval != nil && e.approval.State == ApprovalPromoting {
		return luffyerr.AlreadyPromoting
	}
	now := s.now()
	e.tenant.ArchivedAt = &now
	e.approval = nil
	e.phase = PhaseInSync
	return nil
}

// --- provisioning jobs

// StartJob records j as the active job for tenant t, creating the
// tenant if it is new. It fails with AlreadyInProgress if the tenant
// has a job that has not finished; this is the only place a job is
// admitted, so at most one runs per tenant.
func (s *Store) StartJob(t tenant.Tenant, j *job.Job) error {
	e := s.getOrCreate(t)
	e.Lock()
	defer e.Unlock()
	if e.job != nil && !e.job.Status.Terminal() {
		return luffyerr.AlreadyInProgress
	}
	if e.claim != "" {
		return busy(t.ID, e.claim)
	}
	// the request may have changed the stack or repository, and
	// re-provisioning an archived tenant brings it back
	created := e.tenant.CreatedAt
	e.tenant = t
	e.tenant.CreatedAt = created
	e.tenant.ArchivedAt = nil
	e.job = j.Copy()
	return nil
}

// Job returns a snapshot of the tenant's latest provisioning job.
func (s *Store) Job(id tenant.ID) (*job.Job, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.RLock()
	defer e.RUnlock()
	if e.job == nil {
		return nil, luffyerr.Missingf("no provisioning job for customer %q", id)
	}
	return e.job.Copy(), nil
}

// Transition moves step i of the job to status to, appending to the
// job's transition log. Moves that would take a step backwards, or
// start a step before its predecessor succeeded, are refused.
func (s *Store) Transition(id tenant.ID, jobID job.ID, i int, to job.StatusString, msg string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	j, err := e.activeJob(jobID)
	if err != nil {
		return err
	}
	if !j.CanTransition(i, to) {
		return luffyerr.Conflictf("step %d of job %s cannot move from %s to %s", i, jobID, j.Steps[boundIndex(i, len(j.Steps))].Status, to)
	}

	now := s.now()
	step := &j.Steps[i]
	j.Transitions = append(j.Transitions, job.Transition{Step: i, From: step.Status, To: to, Message: msg, At: now})
	step.Status = to
	step.Message = msg
	step.Timestamp = now

	switch {
	case to == job.StatusError:
		j.Status = job.StatusError
		j.FinishedAt = &now
	case to == job.StatusRunning:
		j.Status = job.StatusRunning
	case to == job.StatusSuccess && j.Next() < 0:
		j.Status = job.StatusSuccess
		j.FinishedAt = &now
	}
	return nil
}

// Cancel asks for the tenant's active job to stop before its next
// step. The step in flight, if any, runs to completion.
func (s *Store) Cancel(id tenant.ID) (*job.Job, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	defer e.Unlock()
	if e.job == nil || e.job.Status.Terminal() {
		return nil, luffyerr.Conflictf("customer %q has no provisioning job in progress", id)
	}
	e.job.Cancelled = true
	return e.job.Copy(), nil
}

// Cancelled reports whether cancellation has been requested for the
// given job.
func (s *Store) Cancelled(id tenant.ID, jobID job.ID) bool {
	e, err := s.get(id)
	if err != nil {
		return false
	}
	e.RLock()
	defer e.RUnlock()
	return e.job != nil && e.job.ID == jobID && e.job.Cancelled
}

// Abort ends the job with an error without touching its steps; those
// not yet begun stay pending.
func (s *Store) Abort(id tenant.ID, jobID job.ID, msg string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	j, err := e.activeJob(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	j.Transitions = append(j.Transitions, job.Transition{Step: -1, From: j.Status, To: job.StatusError, Message: msg, At: now})
	j.Status = job.StatusError
	j.FinishedAt = &now
	return nil
}

func (e *entry) activeJob(jobID job.ID) (*job.Job, error) {
	if e.job == nil || e.job.ID != jobID {
		return nil, luffyerr.Missingf("job %s is not the current job", jobID)
	}
	if e.job.Status.Terminal() {
		return nil, luffyerr.Conflictf("job %s has already finished", jobID)
	}
	return e.job, nil
}

func boundIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// --- deployments

// SetDeployments replaces the tenant's deployment records with a
// fresh reading of the cluster.
func (s *Store) SetDeployments(id tenant.ID, ds []cluster.Deployment) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	e.deployments = append([]cluster.Deployment(nil), ds...)
	e.refreshedAt = s.now()
	return nil
}

// Deployments returns the tenant's deployment records, and when they
// were last refreshed.
func (s *Store) Deployments(id tenant.ID) ([]cluster.Deployment, time.Time, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, time.Time{}, err
	}
	e.RLock()
	defer e.RUnlock()
	return append([]cluster.Deployment(nil), e.deployments...), e.refreshedAt, nil
}
