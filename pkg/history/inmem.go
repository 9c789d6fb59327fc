package history

import (
	"context"
	"sync"
	"time"

	"github.com/openluffy/luffy/pkg/tenant"
)

func NewInMemDB() DB {
	return &db{
		histories: make(map[tenant.ID][]Event),
	}
}

type db struct {
	mtx sync.RWMutex
	// newest first
	histories map[tenant.ID][]Event
}

func (db *db) LogEvent(ctx context.Context, e Event) error {
	e.fill(time.Now())
	db.mtx.Lock()
	defer db.mtx.Unlock()
	db.histories[e.TenantID] = append([]Event{e}, db.histories[e.TenantID]...)
	return nil
}

func (db *db) EventsForTenant(ctx context.Context, id tenant.ID, limit int) ([]Event, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	es := db.histories[id]
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	return append([]Event{}, es...), nil
}

func (db *db) Prune(ctx context.Context, before time.Time) (int64, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	var pruned int64
	for id, es := range db.histories {
		keep := len(es)
		for keep > 0 && es[keep-1].At.Before(before) {
			keep--
		}
		pruned += int64(len(es) - keep)
		if keep == 0 {
			delete(db.histories, id)
			continue
		}
		db.histories[id] = es[:keep]
	}
	return pruned, nil
}

func (db *db) Close() error {
	return nil
}
