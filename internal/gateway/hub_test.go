package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

func testClient(channels ...string) *Client {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Client{
		ID:       "c-" + channels[0],
		channels: set,
		send:     make(chan []byte, sendBuffer),
	}
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered to %s", c.ID)
		return nil
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	taskClient := testClient(events.ChannelTasks)
	agentClient := testClient(events.ChannelAgents)
	hub.Register(taskClient)
	hub.Register(agentClient)

	hub.Broadcast(events.ChannelTasks, map[string]any{"type": "task.created"})

	var frame map[string]any
	if err := json.Unmarshal(recv(t, taskClient), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["type"] != "task.created" {
		t.Errorf("frame = %v", frame)
	}
	select {
	case data := <-agentClient.send:
		t.Errorf("agent client received task frame: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubPreservesBroadcastOrder(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := testClient(events.ChannelTasks)
	hub.Register(client)

	for i := 0; i < 5; i++ {
		hub.Broadcast(events.ChannelTasks, map[string]any{"seq": i})
	}
	for i := 0; i < 5; i++ {
		var frame map[string]any
		if err := json.Unmarshal(recv(t, client), &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if int(frame["seq"].(float64)) != i {
			t.Fatalf("frame %d out of order: %v", i, frame)
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{
		ID:       "slow",
		channels: map[string]bool{events.ChannelTasks: true},
		send:     make(chan []byte), // unbuffered and never drained
	}
	hub.Register(slow)
	waitForCount(t, hub, 1)

	hub.Broadcast(events.ChannelTasks, map[string]any{"n": 1})
	waitForCount(t, hub, 0)
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d", want)
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	eventBus := bus.NewMemoryEventBus()
	defer eventBus.Close()

	bridge := NewBridge(hub, eventBus)
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("bridge start: %v", err)
	}
	defer bridge.Stop()

	client := testClient(events.ChannelSecurity)
	hub.Register(client)
	waitForCount(t, hub, 1)

	event := bus.NewEvent(events.SecurityThreatDetected, "worker-1", map[string]any{"severity": "high"})
	if err := eventBus.Publish(ctx, events.SecurityThreatDetected, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var frame Frame
	if err := json.Unmarshal(recv(t, client), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Channel != events.ChannelSecurity || frame.Type != events.SecurityThreatDetected {
		t.Errorf("frame = %+v", frame)
	}
	if frame.EntityID != "worker-1" {
		t.Errorf("entity = %q", frame.EntityID)
	}
}
