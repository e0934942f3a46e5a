package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one WebSocket connection with a fixed channel subscription
// set chosen at connect time.
type Client struct {
	ID       string
	Subject  string
	conn     *websocket.Conn
	channels map[string]bool
	send     chan []byte
	hub      *Hub
	log      *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, subject string, conn *websocket.Conn, hub *Hub, channels []string) *Client {
	set := make(map[string]bool, len(channels))
	for _, ch := range channels {
		set[ch] = true
	}
	return &Client{
		ID:       id,
		Subject:  subject,
		conn:     conn,
		channels: set,
		send:     make(chan []byte, sendBuffer),
		hub:      hub,
		log:      logger.New("websocket-client").WithFields(zap.String("client_id", id)),
	}
}

// ReadPump consumes the connection until it closes, keeping the pong
// deadline fresh. Inbound frames are ignored; the stream is one-way.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump flushes the send buffer and pings on an interval.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
