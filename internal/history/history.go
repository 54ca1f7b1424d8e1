package history

import (
	"context"
	"time"

	"github.com/loykin/indexkeeper/internal/store"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventRunCompleted EventType = "run_completed"
)

// Event represents a finished run exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Run        store.Run `json:"run"`
}

// NewRunCompleted builds the event emitted when r reaches a terminal status.
func NewRunCompleted(r store.Run) Event {
	at := time.Now().UTC()
	if r.CompletedAt != nil {
		at = *r.CompletedAt
	}
	return Event{Type: EventRunCompleted, OccurredAt: at, Run: r}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
