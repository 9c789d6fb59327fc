package store

import (
	"sync"
	"time"

	"github.com/openluffy/luffy/pkg/tenant"
)

type PromotionState string

const (
	PromotionRunning   PromotionState = "promoting"
	PromotionSucceeded PromotionState = "succeeded"
	PromotionFailed    PromotionState = "failed"
)

// Promotion is what the holder of a promotion handle can find out
// about it.
type Promotion struct {
	Handle     string         `json:"handle"`
	TenantID   tenant.ID      `json:"tenant_id"`
	Image      string         `json:"image"`
	Key        string         `json:"key"`
	State      PromotionState `json:"state"`
	Message    string         `json:"message,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// PromotionCache remembers recent promotions by handle.
type PromotionCache struct {
	// Size is the number of promotions to remember. When full, the
	// oldest are evicted to make room.
	Size int

	// Entries are kept in arrival order to make FIFO eviction easy;
	// the cache is small enough that a linear search is fine.
	cache []Promotion
	sync.RWMutex
}

func (c *PromotionCache) Set(p Promotion) {
	if c.Size <= 0 {
		return
	}
	c.Lock()
	defer c.Unlock()
	if i := c.index(p.Handle); i >= 0 {
		c.cache[i] = p
		return
	}
	if c.Size <= len(c.cache) {
		c.cache = c.cache[len(c.cache)-(c.Size-1):]
	}
	c.cache = append(c.cache, p)
}

func (c *PromotionCache) Get(handle string) (Promotion, bool) {
	c.RLock()
	defer c.RUnlock()
	i := c.index(handle)
	if i < 0 {
		return Promotion{}, false
	}
	return c.cache[i], true
}

// Finish records the outcome of the promotion with the given handle.
func (c *PromotionCache) Finish(handle string, state PromotionState, msg string, at time.Time) {
	c.Lock()
	defer c.Unlock()
	if i := c.index(handle); i >= 0 {
		c.cache[i].State = state
		c.cache[i].Message = msg
		c.cache[i].FinishedAt = &at
	}
}

func (c *PromotionCache) index(handle string) int {
	for i := range c.cache {
		if c.cache[i].Handle == handle {
			return i
		}
	}
	return -1
}
