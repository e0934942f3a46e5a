package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/auth"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades authenticated connections and binds them to channels.
type WSHandler struct {
	hub     *Hub
	authReg *auth.Registry
	log     *logger.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(hub *Hub, authReg *auth.Registry) *WSHandler {
	return &WSHandler{
		hub:     hub,
		authReg: authReg,
		log:     logger.New("ws-handler"),
	}
}

// StreamChannel serves WS /ws/:channel. The token comes from the
// Authorization header or a token query parameter (browser WebSocket
// clients cannot set headers).
func (h *WSHandler) StreamChannel(c *gin.Context) {
	channel := c.Param("channel")
	if !events.ValidChannel(channel) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{
				"code":    "UNKNOWN_CHANNEL",
				"message": "unknown event channel",
			},
		})
		return
	}

	identity, ok := h.authenticate(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.log.Info("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("subject", identity.Subject),
		zap.String("channel", channel))

	client := NewClient(clientID, identity.Subject, conn, h.hub, []string{channel})
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll serves WS /ws: one connection subscribed to every channel.
func (h *WSHandler) StreamAll(c *gin.Context) {
	identity, ok := h.authenticate(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, identity.Subject, conn, h.hub, events.Channels())
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (h *WSHandler) authenticate(c *gin.Context) (auth.Identity, bool) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	identity, err := h.authReg.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "a valid bearer token is required",
			},
		})
		return auth.Identity{}, false
	}
	return identity, true
}

// SetupRoutes mounts the WebSocket endpoints.
func SetupRoutes(router *gin.Engine, handler *WSHandler) {
	router.GET("/ws", handler.StreamAll)
	router.GET("/ws/:channel", handler.StreamChannel)
}
