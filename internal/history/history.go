package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one supervisor action on a service and how it ended.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Service    string        `json:"service"`
	Port       int           `json:"port"`
	PID        int           `json:"pid"`
	Outcome    string        `json:"outcome"` // resulting state, e.g. running, port_conflict
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// OK reports whether the action succeeded.
func (e Event) OK() bool { return e.Error == "" }

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends e to every sink and returns the first error; all sinks are
// tried regardless.
func Fanout(ctx context.Context, e Event, sinks ...Sink) error {
	var first error
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nullable returns nil for an empty string so SQL sinks store NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
