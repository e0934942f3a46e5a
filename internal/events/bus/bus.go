// Package bus provides event bus abstractions for Agenthive.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a change notification on the event bus. Events are
// published by write-queue completion callbacks, so their order matches
// commit order.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, entityID string, changes map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		EntityID:  entityID,
		Changes:   changes,
		Timestamp: time.Now().UTC(),
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Delivery to a given subscriber
	// preserves publish order.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	// (NATS-style wildcards: * single token, > remaining tokens).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
