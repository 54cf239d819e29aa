package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"handoff/internal/services"
)

// WebSocketHandler WebSocket 处理器
type WebSocketHandler struct {
	transport  *services.WebSocketTransport
	relay      *services.Relay
	dispatcher *services.Dispatcher
}

func NewWebSocketHandler(transport *services.WebSocketTransport, relay *services.Relay, dispatcher *services.Dispatcher) *WebSocketHandler {
	return &WebSocketHandler{transport: transport, relay: relay, dispatcher: dispatcher}
}

// Connect 建立 WebSocket 连接
// GET /api/v1/ws
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.transport.HandleWebSocket(c)
}

// Stats 实时中继统计
// GET /api/v1/ws/stats
func (h *WebSocketHandler) Stats(c *gin.Context) {
	data := gin.H{"relay": h.relay.Status()}
	if h.dispatcher != nil {
		data["dispatch"] = h.dispatcher.Stats()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func RegisterWebSocketRoutes(r *gin.RouterGroup, handler *WebSocketHandler) {
	r.GET("/ws", handler.Connect)
	r.GET("/ws/stats", handler.Stats)
}
