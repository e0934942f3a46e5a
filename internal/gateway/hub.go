// Package gateway fans server events out to WebSocket subscribers. Each
// client subscribes to named channels; the bridge feeds the hub from the
// event bus so delivery order follows commit order.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

// BroadcastMessage is one event bound for a channel's subscribers.
type BroadcastMessage struct {
	Channel string
	Payload any
}

// Hub tracks connected clients and their channel subscriptions.
type Hub struct {
	clients        map[*Client]bool
	channelClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		channelClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *BroadcastMessage, 256),
		log:            logger.New("websocket-hub"),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.channelClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			for channel := range client.channels {
				if _, ok := h.channelClients[channel]; !ok {
					h.channelClients[channel] = make(map[*Client]bool)
				}
				h.channelClients[channel][client] = true
			}
			h.mu.Unlock()
			h.log.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()
			h.log.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			subscribers := make([]*Client, 0, len(h.channelClients[msg.Channel]))
			for client := range h.channelClients[msg.Channel] {
				subscribers = append(subscribers, client)
			}
			h.mu.RUnlock()

			if len(subscribers) == 0 {
				continue
			}
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				h.log.Error("Failed to marshal broadcast", zap.Error(err))
				continue
			}
			for _, client := range subscribers {
				select {
				case client.send <- data:
				default:
					// A full send buffer means a stalled client; drop it
					// rather than stall everyone behind it.
					h.mu.Lock()
					h.drop(client)
					h.mu.Unlock()
					h.log.Warn("Dropped slow client", zap.String("client_id", client.ID))
				}
			}
		}
	}
}

// drop removes a client and its subscriptions. Caller holds h.mu.
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel := range client.channels {
		if subs, ok := h.channelClients[channel]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.channelClients, channel)
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast queues an event for a channel's subscribers.
func (h *Hub) Broadcast(channel string, payload any) {
	h.broadcast <- &BroadcastMessage{Channel: channel, Payload: payload}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients follow a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelClients[channel])
}
