package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

// subscriberBuffer is the number of events queued per subscription before
// the bus starts dropping. Delivery within a subscription is sequential so
// relative order is preserved.
const subscriberBuffer = 256

// MemoryEventBus is an in-memory implementation of EventBus.
// Useful for single-process deployments and testing without NATS.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	log           *logger.Logger
}

type memorySubscription struct {
	id      string
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   chan *Event
	done    chan struct{}
	bus     *MemoryEventBus
	valid   bool
	mu      sync.Mutex
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		log:           logger.New("event-bus"),
	}
}

// Publish sends an event to all subscriptions whose pattern matches the
// subject. Each subscription receives events in publish order; a subscriber
// whose queue is full loses the event rather than stalling the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.pattern.MatchString(subject) {
				continue
			}
			select {
			case sub.queue <- event:
			default:
				b.log.Warn("Subscriber queue full, dropping event",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.String("pattern", sub.subject))
			}
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	pattern, err := subjectToRegex(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject pattern %q: %w", subject, err)
	}

	sub := &memorySubscription{
		id:      fmt.Sprintf("%s-%d", subject, len(b.subscriptions[subject])),
		subject: subject,
		pattern: pattern,
		handler: handler,
		queue:   make(chan *Event, subscriberBuffer),
		done:    make(chan struct{}),
		bus:     b,
		valid:   true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	go sub.run()
	return sub, nil
}

// Close shuts down the bus and stops all subscription workers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected returns true unless the bus has been closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// run drains the subscription queue, invoking the handler sequentially so
// a subscriber observes events in publish order.
func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.log.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return
	}
	s.valid = false
	close(s.done)
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			b.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// subjectToRegex converts a NATS-style subject pattern to a regex.
// "*" matches a single token, ">" matches one or more trailing tokens.
func subjectToRegex(subject string) (*regexp.Regexp, error) {
	tokens := strings.Split(subject, ".")
	parts := make([]string, 0, len(tokens))
	for i, token := range tokens {
		switch token {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("'>' must be the last token")
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(token))
		}
	}
	return regexp.Compile(`^` + strings.Join(parts, `\.`) + `$`)
}
