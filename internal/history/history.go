package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle or routing event.
type EventType string

const (
	EventStart     EventType = "start"
	EventStop      EventType = "stop"
	EventRestart   EventType = "restart"
	EventUnhealthy EventType = "unhealthy"
	EventRecovered EventType = "recovered"
	EventRoute     EventType = "route"
)

// Event is exported to external systems for audit and statistics.
// Key is the service key for lifecycle events and the winning (or last
// attempted) provider for route events.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Key        string        `json:"key"`
	Provider   string        `json:"provider,omitempty"`
	Port       int           `json:"port,omitempty"`
	PID        int           `json:"pid,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
