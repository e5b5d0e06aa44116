package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/nmea-ws-proxy/backend/internal/ws"
)

// WebSocketHandler accepts proxy websocket clients.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Attach handles WS / and /ws - upgrades the request and starts a proxy session.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	// The upgrader writes its own response when the handshake is rejected.
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		c.Abort()
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/", h.Attach)
	rg.GET("/ws", h.Attach)
}
