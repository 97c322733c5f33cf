package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventStateChanged is published after every persisted scheduler state mutation.
	// Payload is models.StateChange.
	EventStateChanged EventType = "state_changed"

	// EventSessionClosed is published when the managed page session disappears
	// without the controller closing it. Payload is the session ID string.
	EventSessionClosed EventType = "session_closed"

	// EventJobFinished is published when a single extraction job reaches a terminal status.
	// Payload is models.JobFinished.
	EventJobFinished EventType = "job_finished"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
