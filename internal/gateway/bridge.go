package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// Frame is the wire shape delivered to WebSocket subscribers.
type Frame struct {
	Channel  string         `json:"channel"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	Changes  map[string]any `json:"changes,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Bridge subscribes the hub to every event channel on the bus.
type Bridge struct {
	hub           *Hub
	eventBus      bus.EventBus
	subscriptions []bus.Subscription
	log           *logger.Logger
}

// NewBridge wires a bridge between the bus and the hub.
func NewBridge(hub *Hub, eventBus bus.EventBus) *Bridge {
	return &Bridge{
		hub:      hub,
		eventBus: eventBus,
		log:      logger.New("gateway-bridge"),
	}
}

// Start subscribes one handler per channel. Handlers run on the bus's
// per-subscription worker, so frames reach the hub in publish order.
func (b *Bridge) Start(ctx context.Context) error {
	for _, channel := range events.Channels() {
		channel := channel
		sub, err := b.eventBus.Subscribe(events.SubjectPattern(channel), func(_ context.Context, event *bus.Event) error {
			b.hub.Broadcast(channel, Frame{
				Channel:  channel,
				Type:     event.Type,
				EntityID: event.EntityID,
				Changes:  event.Changes,
				TS:       event.Timestamp,
			})
			return nil
		})
		if err != nil {
			b.Stop()
			return fmt.Errorf("subscribe channel %s: %w", channel, err)
		}
		b.subscriptions = append(b.subscriptions, sub)
	}
	b.log.Info("Gateway bridge started", zap.Int("channels", len(b.subscriptions)))
	return nil
}

// Stop tears down the bus subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.log.Warn("Unsubscribe failed", zap.Error(err))
		}
	}
	b.subscriptions = nil
}
