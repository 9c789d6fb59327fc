package mock

import (
	"context"

	"github.com/openluffy/luffy/pkg/cluster"
)

// Mock is a cluster.Cluster whose behaviour is supplied by the test.
type Mock struct {
	PingFunc            func() error
	EnsureNamespaceFunc func(ctx context.Context, name string, labels map[string]string) (bool, error)
	DeleteNamespaceFunc func(ctx context.Context, name string) (bool, error)
	WorkloadsFunc       func(ctx context.Context, namespace string) ([]cluster.Workload, error)
	ScaleToZeroFunc     func(ctx context.Context, namespace string) ([]string, error)
}

var _ cluster.Cluster = &Mock{}

func (m *Mock) Ping() error {
	return m.PingFunc()
}

func (m *Mock) EnsureNamespace(ctx context.Context, name string, labels map[string]string) (bool, error) {
	return m.EnsureNamespaceFunc(ctx, name, labels)
}

func (m *Mock) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	return m.DeleteNamespaceFunc(ctx, name)
}

func (m *Mock) Workloads(ctx context.Context, namespace string) ([]cluster.Workload, error) {
	return m.WorkloadsFunc(ctx, namespace)
}

func (m *Mock) ScaleToZero(ctx context.Context, namespace string) ([]string, error) {
	return m.ScaleToZeroFunc(ctx, namespace)
}
