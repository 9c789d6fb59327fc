package integration

import (
	"context"
	"sync"
	"time"

	"github.com/openluffy/luffy/pkg/tenant"
)

type key struct {
	scope string
	typ   Type
}

type memStore struct {
	mtx   sync.RWMutex
	items map[key]Integration
	now   func() time.Time
}

func NewInMemStore() Store {
	return &memStore{
		items: make(map[key]Integration),
		now:   time.Now,
	}
}

func (s *memStore) Upsert(ctx context.Context, i Integration) (Integration, error) {
	if err := checkType(i.Type); err != nil {
		return Integration{}, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	k := key{i.scope(), i.Type}
	existing, ok := s.items[k]
	config, err := merge(existing.Config, i.Config)
	if err != nil {
		return Integration{}, err
	}
	i.Config = config
	if err := Validate(i); err != nil {
		return Integration{}, err
	}
	if ok && i.ConnectedAt.IsZero() {
		i.ConnectedAt = existing.ConnectedAt
	}
	if i.ConnectedAt.IsZero() {
		i.ConnectedAt = s.now().UTC()
	}
	s.items[k] = i
	return i, nil
}

func (s *memStore) ForTenant(ctx context.Context, id tenant.ID) ([]Integration, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var out []Integration
	for k, i := range s.items {
		if k.scope == string(id) || k.scope == "" {
			out = append(out, i)
		}
	}
	sortIntegrations(out)
	return out, nil
}

func (s *memStore) DeleteTenant(ctx context.Context, id tenant.ID) (int64, error) {
	if id == "" {
		return 0, nil
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var n int64
	for k := range s.items {
		if k.scope == string(id) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}
