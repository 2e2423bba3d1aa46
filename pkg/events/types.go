package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Health events
	EventHealthChanged EventType = "metering.health_changed"
	EventHealthInit    EventType = "metering.health_init"

	// Flush events
	EventFlushCompleted EventType = "metering.flush_completed"
	EventFlushFailed    EventType = "metering.flush_failed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, at time.Time, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}
