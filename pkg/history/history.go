package history

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/openluffy/luffy/pkg/tenant"
)

// These are all the types of events.
const (
	ActionProvisionStarted   = "provision-started"
	ActionProvisionSucceeded = "provision-succeeded"
	ActionProvisionFailed    = "provision-failed"
	ActionProvisionCancelled = "provision-cancelled"
	ActionReinitialized      = "reinitialized"
	ActionApproved           = "approved"
	ActionPromoted           = "promoted"
	ActionPromotionFailed    = "promotion-failed"
	ActionAutoPromoted       = "auto-promoted"
	ActionDeleted            = "deleted"
	ActionSuspended          = "suspended"
	ActionResumed            = "resumed"
)

type Event struct {
	// ID is a UUID for this event. Will be auto-set when saving if blank.
	ID       string            `json:"id"`
	TenantID tenant.ID         `json:"tenant_id"`
	Action   string            `json:"action"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

func (e *Event) fill(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = now.UTC()
	}
}

type EventWriter interface {
	// LogEvent records a message in the history of a tenant.
	LogEvent(ctx context.Context, e Event) error
}

type EventReader interface {
	// EventsForTenant returns at most limit events for the tenant,
	// newest first. A limit below one means no limit.
	EventsForTenant(ctx context.Context, id tenant.ID, limit int) ([]Event, error)
}

type DB interface {
	EventWriter
	EventReader
	// Prune removes events older than before, returning how many
	// went.
	Prune(ctx context.Context, before time.Time) (int64, error)
	io.Closer
}
