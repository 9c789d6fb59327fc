package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/openluffy/luffy/pkg/tenant"
)

type ID string

func NewID() ID {
	return ID(uuid.New().String())
}

type StatusString string

const (
	StatusPending StatusString = "pending"
	StatusRunning StatusString = "running"
	StatusSuccess StatusString = "success"
	StatusError   StatusString = "error"
)

// rank orders statuses for the purpose of the monotonic step
// contract: a step may only move to a status of higher rank.
func (s StatusString) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSuccess, StatusError:
		return 2
	}
	return -1
}

func (s StatusString) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// The ordered steps of provisioning a tenant. The order is fixed:
// the repository must exist before templates are pushed to it, and
// namespaces must exist before GitOps applications target them.
const (
	StepRepository   = "create-or-verify-repo"
	StepTemplates    = "push-ci-templates"
	StepNamespaces   = "create-namespaces"
	StepApplications = "create-gitops-applications"
	StepIntegrations = "persist-integrations"
)

var StepNames = []string{
	StepRepository,
	StepTemplates,
	StepNamespaces,
	StepApplications,
	StepIntegrations,
}

type Step struct {
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	Status    StatusString `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Transition records one change of a step's status. The list of
// transitions for a job is append-only.
type Transition struct {
	Step    int          `json:"step"`
	From    StatusString `json:"from"`
	To      StatusString `json:"to"`
	Message string       `json:"message,omitempty"`
	At      time.Time    `json:"at"`
}

// Job is the provisioning job for one tenant.
type Job struct {
	ID          ID           `json:"id"`
	TenantID    tenant.ID    `json:"tenant_id"`
	Steps       []Step       `json:"steps"`
	Status      StatusString `json:"status"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// New makes a pending job with the standard step list.
func New(id tenant.ID, now time.Time) *Job {
	j := &Job{
		ID:        NewID(),
		TenantID:  id,
		Status:    StatusPending,
		StartedAt: now,
	}
	for i, name := range StepNames {
		j.Steps = append(j.Steps, Step{Index: i, Name: name, Status: StatusPending, Timestamp: now})
	}
	return j
}

// Resume makes a new job for the same tenant that carries over the
// steps which succeeded in prev, so that execution can restart from
// the first step that did not.
func Resume(prev *Job, now time.Time) *Job {
	j := New(prev.TenantID, now)
	for i := range j.Steps {
		if i >= len(prev.Steps) || prev.Steps[i].Status != StatusSuccess {
			break
		}
		j.Steps[i] = prev.Steps[i]
	}
	return j
}

// Next returns the index of the first step that has not succeeded,
// or -1 if all have.
func (j *Job) Next() int {
	for i, s := range j.Steps {
		if s.Status != StatusSuccess {
			return i
		}
	}
	return -1
}

// CanTransition says whether step i may move to status to, given
// the rest of the job. Steps only move forward, and a step only
// starts once its predecessor has succeeded.
func (j *Job) CanTransition(i int, to StatusString) bool {
	if i < 0 || i >= len(j.Steps) {
		return false
	}
	from := j.Steps[i].Status
	if to.rank() <= from.rank() {
		return false
	}
	if to == StatusRunning && i > 0 && j.Steps[i-1].Status != StatusSuccess {
		return false
	}
	if to.Terminal() && from != StatusRunning {
		return false
	}
	return true
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Steps = append([]Step(nil), j.Steps...)
	c.Transitions = append([]Transition(nil), j.Transitions...)
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
