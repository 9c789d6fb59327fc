package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiapps "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	meta_v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	fakekubernetes "k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/openluffy/luffy/pkg/cluster"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

func newNamespace(name string, labels map[string]string) *apiv1.Namespace {
	return &apiv1.Namespace{
		ObjectMeta: meta_v1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
}

func newDeployment(ns, name, image string, replicas, ready int32) *apiapps.Deployment {
	return &apiapps.Deployment{
		ObjectMeta: meta_v1.ObjectMeta{Namespace: ns, Name: name},
		Spec: apiapps.DeploymentSpec{
			Replicas: &replicas,
			Template: apiv1.PodTemplateSpec{
				Spec: apiv1.PodSpec{
					Containers: []apiv1.Container{{Name: "app", Image: image}},
				},
			},
		},
		Status: apiapps.DeploymentStatus{
			Replicas:          replicas,
			ReadyReplicas:     ready,
			AvailableReplicas: ready,
		},
	}
}

func TestEnsureNamespace(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset()
	c := NewCluster(clientset, log.NewNopLogger())

	labels := cluster.NamespaceLabels("acme", "dev")
	created, err := c.EnsureNamespace(context.Background(), "acme-dev", labels)
	require.NoError(t, err)
	assert.True(t, created)

	ns, err := clientset.CoreV1().Namespaces().Get("acme-dev", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "luffy", ns.Labels[cluster.LabelManagedBy])

	created, err = c.EnsureNamespace(context.Background(), "acme-dev", labels)
	require.NoError(t, err)
	assert.False(t, created, "second call should only verify")
}

func TestEnsureNamespaceQuotaExceeded(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset()
	clientset.PrependReactor("create", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, "acme-prod",
			errors.New("exceeded quota: namespace-count"))
	})
	c := NewCluster(clientset, log.NewNopLogger())

	_, err := c.EnsureNamespace(context.Background(), "acme-prod", nil)
	require.Error(t, err)
	assert.True(t, luffyerr.IsValidation(err))
	assert.Contains(t, err.Error(), "exceeded quota")
}

func TestEnsureNamespaceForbidden(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset()
	clientset.PrependReactor("get", "namespaces", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, "acme-dev",
			errors.New("serviceaccount cannot get namespaces"))
	})
	c := NewCluster(clientset, log.NewNopLogger())

	_, err := c.EnsureNamespace(context.Background(), "acme-dev", nil)
	assert.True(t, luffyerr.IsAuth(err))
}

func TestDeleteNamespace(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset(
		newNamespace("acme-dev", cluster.NamespaceLabels("acme", "dev")),
		newNamespace("kube-system", nil),
	)
	c := NewCluster(clientset, log.NewNopLogger())

	deleted, err := c.DeleteNamespace(context.Background(), "acme-dev")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.DeleteNamespace(context.Background(), "acme-dev")
	require.NoError(t, err)
	assert.False(t, deleted, "already gone")

	_, err = c.DeleteNamespace(context.Background(), "kube-system")
	assert.True(t, luffyerr.IsValidation(err), "refuses namespaces it does not manage")
	_, err = clientset.CoreV1().Namespaces().Get("kube-system", meta_v1.GetOptions{})
	assert.NoError(t, err)
}

func TestWorkloads(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset(
		newDeployment("acme-prod", "web", "myapp:abc000", 3, 3),
		newDeployment("acme-prod", "worker", "myapp-worker:abc000", 2, 1),
		newDeployment("other-prod", "web", "other:1", 1, 1),
	)
	c := NewCluster(clientset, log.NewNopLogger())

	ws, err := c.Workloads(context.Background(), "acme-prod")
	require.NoError(t, err)
	require.Len(t, ws, 2)

	byName := map[string]cluster.Workload{}
	for _, w := range ws {
		byName[w.Name] = w
	}
	assert.Equal(t, "myapp:abc000", byName["web"].Image())
	assert.Equal(t, cluster.StatusRunning, byName["web"].Status())
	assert.Equal(t, int32(3), byName["web"].Rollout.Ready)
	assert.Equal(t, cluster.StatusDegraded, byName["worker"].Status())
}

func TestScaleToZero(t *testing.T) {
	clientset := fakekubernetes.NewSimpleClientset(
		newDeployment("acme-dev", "web", "myapp:1", 2, 2),
		newDeployment("acme-dev", "idle", "myapp:1", 0, 0),
	)
	c := NewCluster(clientset, log.NewNopLogger())

	scaled, err := c.ScaleToZero(context.Background(), "acme-dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, scaled)

	d, err := clientset.AppsV1().Deployments("acme-dev").Get("web", meta_v1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), *d.Spec.Replicas)
}

func TestReadsUsePollClient(t *testing.T) {
	control := fakekubernetes.NewSimpleClientset(newNamespace("acme-prod", nil))
	poll := fakekubernetes.NewSimpleClientset(newDeployment("acme-prod", "web", "myapp:abc000", 3, 3))
	c := NewCluster(control, log.NewNopLogger()).WithPollClient(poll)

	ws, err := c.Workloads(context.Background(), "acme-prod")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "myapp:abc000", ws[0].Image())

	// changes still go through the control client
	_, err = c.EnsureNamespace(context.Background(), "acme-dev", nil)
	require.NoError(t, err)
	_, err = control.CoreV1().Namespaces().Get("acme-dev", meta_v1.GetOptions{})
	assert.NoError(t, err)
	_, err = poll.CoreV1().Namespaces().Get("acme-dev", meta_v1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}
