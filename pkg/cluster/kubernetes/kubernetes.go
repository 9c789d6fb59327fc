package kubernetes

import (
	"context"

	"github.com/go-kit/kit/log"
	apiapps "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta_v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sclient "k8s.io/client-go/kubernetes"

	"github.com/openluffy/luffy/pkg/cluster"
)

// Cluster is a handle to a Kubernetes API server.
type Cluster struct {
	client k8sclient.Interface
	// poll serves the calls that only read.
	poll   k8sclient.Interface
	logger log.Logger
}

var _ cluster.Cluster = &Cluster{}

// NewCluster returns a usable cluster. Request timeouts are those of
// the client's rest config.
func NewCluster(client k8sclient.Interface, logger log.Logger) *Cluster {
	return &Cluster{
		client: client,
		poll:   client,
		logger: logger,
	}
}

// WithPollClient has reads go through poll, which is usually built
// with a shorter timeout than the client used for changes.
func (c *Cluster) WithPollClient(poll k8sclient.Interface) *Cluster {
	c.poll = poll
	return c
}

// --- cluster.Cluster

func (c *Cluster) Ping() error {
	_, err := c.poll.Discovery().ServerVersion()
	return classify("kubernetes", err)
}

func (c *Cluster) EnsureNamespace(ctx context.Context, name string, labels map[string]string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := c.client.CoreV1().Namespaces().Get(name, meta_v1.GetOptions{})
	switch {
	case err == nil:
		return false, nil
	case !apierrors.IsNotFound(err):
		return false, classify("namespace "+name, err)
	}

	ns := &apiv1.Namespace{
		ObjectMeta: meta_v1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
	_, err = c.client.CoreV1().Namespaces().Create(ns)
	if apierrors.IsAlreadyExists(err) {
		// lost a race with someone else creating it; that'll do
		return false, nil
	}
	if err != nil {
		return false, classify("namespace "+name, err)
	}
	c.logger.Log("namespace", name, "action", "created")
	return true, nil
}

func (c *Cluster) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ns, err := c.client.CoreV1().Namespaces().Get(name, meta_v1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("namespace "+name, err)
	}
	if ns.Labels[cluster.LabelManagedBy] != cluster.ManagedByValue {
		return false, NotManagedError(name)
	}
	if ns.Status.Phase == apiv1.NamespaceTerminating {
		return false, nil
	}
	propagation := meta_v1.DeletePropagationForeground
	err = c.client.CoreV1().Namespaces().Delete(name, &meta_v1.DeleteOptions{PropagationPolicy: &propagation})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("namespace "+name, err)
	}
	c.logger.Log("namespace", name, "action", "deleted")
	return true, nil
}

func (c *Cluster) Workloads(ctx context.Context, namespace string) ([]cluster.Workload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := c.poll.AppsV1().Deployments(namespace).List(meta_v1.ListOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("deployments in "+namespace, err)
	}
	var workloads []cluster.Workload
	for i := range list.Items {
		workloads = append(workloads, makeDeploymentWorkload(&list.Items[i]))
	}
	return workloads, nil
}

func (c *Cluster) ScaleToZero(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deployments := c.client.AppsV1().Deployments(namespace)
	list, err := deployments.List(meta_v1.ListOptions{})
	if err != nil {
		return nil, classify("deployments in "+namespace, err)
	}
	var scaled []string
	for i := range list.Items {
		d := &list.Items[i]
		if d.Spec.Replicas != nil && *d.Spec.Replicas == 0 {
			continue
		}
		zero := int32(0)
		d.Spec.Replicas = &zero
		if _, err := deployments.Update(d); err != nil {
			return scaled, classify("deployment "+namespace+"/"+d.Name, err)
		}
		c.logger.Log("deployment", namespace+"/"+d.Name, "action", "scaled-to-zero")
		scaled = append(scaled, d.Name)
	}
	return scaled, nil
}

func deploymentErrors(d *apiapps.Deployment) []string {
	var errs []string
	for _, cond := range d.Status.Conditions {
		if (cond.Type == apiapps.DeploymentProgressing && cond.Status == apiv1.ConditionFalse) ||
			(cond.Type == apiapps.DeploymentReplicaFailure && cond.Status == apiv1.ConditionTrue) {
			errs = append(errs, cond.Message)
		}
	}
	return errs
}

func makeDeploymentWorkload(deployment *apiapps.Deployment) cluster.Workload {
	var desired int32 = 1
	if deployment.Spec.Replicas != nil {
		desired = *deployment.Spec.Replicas
	}
	var containers []cluster.Container
	for _, c := range deployment.Spec.Template.Spec.Containers {
		containers = append(containers, cluster.Container{Name: c.Name, Image: c.Image})
	}
	return cluster.Workload{
		Namespace:  deployment.Namespace,
		Name:       deployment.Name,
		Containers: containers,
		Rollout: cluster.RolloutStatus{
			Desired:   desired,
			Current:   deployment.Status.Replicas,
			Ready:     deployment.Status.ReadyReplicas,
			Available: deployment.Status.AvailableReplicas,
			Messages:  deploymentErrors(deployment),
		},
	}
}
