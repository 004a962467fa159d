package bus

import (
	"encoding/json"
	"time"
)

// Event is an immutable notification raised on a named slot.
//
// Fields:
// - Type: the slot name the event is raised on (required for delivery).
// - Source: identifier of the entity that raised it.
// - Timestamp: when the local notification was created.
// - Payload: raw event body as reported by the remote context.
//
// Implementations should treat Event values as read-only.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Payload() json.RawMessage
}

type (
	// EventHandler is a subscriber callback. Errors are joined and returned from Fire.
	EventHandler func(event Event) error
)

// Subscription represents a handler registered on one slot.
// Use Cancel or Slots.Unsubscribe to stop receiving events.
type Subscription interface {
	// ID is a unique identifier for this subscription.
	ID() string
	// EventType returns the slot name this subscription listens to.
	EventType() string
	// IsActive reports whether this subscription is still registered.
	IsActive() bool
	// Cancel removes the handler from its slot. Multiple calls are safe.
	Cancel() error
}
