package cluster

import (
	"context"

	"github.com/openluffy/luffy/pkg/tenant"
)

// Constants for deployment status. These are defined here so that
// no-one has to drag in Kubernetes dependencies to be able to use
// them.
const (
	StatusRunning  = "running"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Labels put on everything we create in the cluster, so that we can
// tell our namespaces from anybody else's.
const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelTenant      = "luffy.io/tenant"
	LabelEnvironment = "luffy.io/environment"
	ManagedByValue   = "luffy"
)

// The things we do with the running cluster. Calls block until the
// API server answers or the client's timeout elapses.
type Cluster interface {
	Ping() error
	// EnsureNamespace creates the namespace if it does not exist,
	// reporting whether it had to.
	EnsureNamespace(ctx context.Context, name string, labels map[string]string) (created bool, err error)
	// DeleteNamespace deletes the namespace if it exists, reporting
	// whether there was anything to delete.
	DeleteNamespace(ctx context.Context, name string) (deleted bool, err error)
	Workloads(ctx context.Context, namespace string) ([]Workload, error)
	// ScaleToZero sets the replica count of every deployment in the
	// namespace to zero, and returns the names of those it changed.
	ScaleToZero(ctx context.Context, namespace string) ([]string, error)
}

// RolloutStatus describes numbers of pods in different states and
// the messages about unexpected rollout progress.
// See https://kubernetes.io/docs/concepts/workloads/controllers/deployment/#deployment-status
type RolloutStatus struct {
	// Desired number of pods as defined in spec.
	Desired int32 `json:"desired"`
	// Current number of pods, whatever their spec.
	Current int32 `json:"current"`
	// Ready number of pods targeted by this deployment.
	Ready int32 `json:"ready"`
	// Available number of available pods (ready for at least minReadySeconds) targeted by this deployment.
	Available int32 `json:"available"`
	// Messages about unexpected rollout progress
	// if there's a message here, the rollout will not make progress without intervention
	Messages []string `json:"messages,omitempty"`
}

type Container struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Workload is a deployment as seen in the cluster.
type Workload struct {
	Namespace  string
	Name       string
	Containers []Container
	Rollout    RolloutStatus
}

// Image is the image of the first container, which by convention is
// the application itself; sidecars come after it.
func (w Workload) Image() string {
	if len(w.Containers) == 0 {
		return ""
	}
	return w.Containers[0].Image
}

// Status summarises the rollout for display.
func (w Workload) Status() string {
	r := w.Rollout
	switch {
	case len(r.Messages) > 0:
		return StatusError
	case r.Desired > 0 && r.Available == 0:
		return StatusError
	case r.Ready < r.Desired || r.Available < r.Desired:
		return StatusDegraded
	}
	return StatusRunning
}

// Deployment is the record of a tenant's workload in one environment.
type Deployment struct {
	ID          string             `json:"id"`
	TenantID    tenant.ID          `json:"tenant_id"`
	Environment tenant.Environment `json:"environment"`
	Namespace   string             `json:"namespace"`
	Name        string             `json:"name"`
	Image       string             `json:"image"`
	Replicas    RolloutStatus      `json:"replicas"`
	Status      string             `json:"status"`
}

func MakeDeployment(id tenant.ID, env tenant.Environment, w Workload) Deployment {
	return Deployment{
		ID:          w.Namespace + "/" + w.Name,
		TenantID:    id,
		Environment: env,
		Namespace:   w.Namespace,
		Name:        w.Name,
		Image:       w.Image(),
		Replicas:    w.Rollout,
		Status:      w.Status(),
	}
}

// NamespaceLabels are the labels for a tenant's namespace.
func NamespaceLabels(id tenant.ID, env tenant.Environment) map[string]string {
	return map[string]string{
		LabelManagedBy:   ManagedByValue,
		LabelTenant:      string(id),
		LabelEnvironment: string(env),
	}
}
