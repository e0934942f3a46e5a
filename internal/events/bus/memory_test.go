package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	sub, err := b.Subscribe("task.created", func(_ context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	event := NewEvent("task.created", "task-1", map[string]any{"title": "demo"})
	if err := b.Publish(context.Background(), "task.created", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if received[0].EntityID != "task-1" {
		t.Errorf("entity_id = %q, want task-1", received[0].EntityID)
	}
	if received[0].ID == "" || received[0].Timestamp.IsZero() {
		t.Error("expected event to carry an id and timestamp")
	}
}

func TestMemoryBusWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"task.*", "task.created", true},
		{"task.*", "task.created.sub", false},
		{"task.>", "task.created.sub", true},
		{"task.>", "agent.created", false},
		{"*.created", "task.created", true},
		{"task.created", "task.created", true},
		{"task.created", "task.updated", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			b := NewMemoryEventBus()
			defer b.Close()

			var mu sync.Mutex
			got := 0
			sub, err := b.Subscribe(tt.pattern, func(_ context.Context, _ *Event) error {
				mu.Lock()
				got++
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer sub.Unsubscribe()

			if err := b.Publish(context.Background(), tt.subject, NewEvent(tt.subject, "", nil)); err != nil {
				t.Fatalf("publish: %v", err)
			}

			if tt.match {
				waitFor(t, time.Second, func() bool {
					mu.Lock()
					defer mu.Unlock()
					return got == 1
				})
			} else {
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				if got != 0 {
					t.Errorf("pattern %q unexpectedly matched %q", tt.pattern, tt.subject)
				}
				mu.Unlock()
			}
		})
	}
}

func TestMemoryBusOrderPreserved(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var mu sync.Mutex
	var seen []string

	sub, err := b.Subscribe("task.>", func(_ context.Context, e *Event) error {
		mu.Lock()
		seen = append(seen, e.EntityID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		if err := b.Publish(context.Background(), "task.updated", NewEvent("task.updated", id, nil)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if seen[i] != id {
			t.Fatalf("delivery order %v, want %v", seen, ids)
		}
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var mu sync.Mutex
	got := 0
	sub, err := b.Subscribe("agent.created", func(_ context.Context, _ *Event) error {
		mu.Lock()
		got++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !sub.IsValid() {
		t.Fatal("expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Fatal("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "a1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got != 0 {
		t.Errorf("received %d events after unsubscribe", got)
	}
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus()
	if !b.IsConnected() {
		t.Fatal("expected open bus to report connected")
	}
	b.Close()
	if b.IsConnected() {
		t.Fatal("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), "task.created", NewEvent("task.created", "", nil)); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("task.created", func(_ context.Context, _ *Event) error { return nil }); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
	// Close is idempotent.
	b.Close()
}

func TestSubjectToRegexRejectsMisplacedWildcard(t *testing.T) {
	if _, err := subjectToRegex("task.>.created"); err == nil {
		t.Fatal("expected error for '>' in the middle of a pattern")
	}
}
