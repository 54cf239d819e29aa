package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"handoff/internal/config"
	"handoff/internal/models"
)

// FrameHandler 处理客户端上行帧，返回的错误只发给该客户端
type FrameHandler interface {
	HandleFrame(ctx context.Context, connID string, frame models.InboundFrame) error
}

// WebSocketTransport 将 gorilla websocket 连接接入中继
type WebSocketTransport struct {
	relay    *Relay
	handler  FrameHandler
	upgrader websocket.Upgrader
	cfg      config.RelayConfig
	logger   *logrus.Logger
}

func NewWebSocketTransport(relay *Relay, handler FrameHandler, cfg config.RelayConfig, logger *logrus.Logger) *WebSocketTransport {
	if logger == nil {
		logger = logrus.New()
	}
	def := config.GetDefaultConfig().Relay
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &WebSocketTransport{
		relay:   relay,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // production deployments need to validate the origin
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// HandleWebSocket 升级请求并启动读写协程
func (t *WebSocketTransport) HandleWebSocket(c *gin.Context) {
	ws, err := t.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:      t.relay.Connect(),
		ws:        ws,
		transport: t,
	}

	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	conn      *Connection
	ws        *websocket.Conn
	transport *WebSocketTransport
}

func (c *wsClient) readPump() {
	t := c.transport
	defer func() {
		t.relay.Disconnect(c.conn.ID())
		c.ws.Close()
	}()

	c.ws.SetReadLimit(t.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.WithField("conn_id", c.conn.ID()).WithError(err).Warn("websocket read error")
			}
			return
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.relay.SendError(c.conn.ID(), "invalid message format")
			continue
		}
		if t.handler == nil {
			t.relay.SendError(c.conn.ID(), "unsupported message type: "+frame.Type)
			continue
		}
		if err := t.handler.HandleFrame(context.Background(), c.conn.ID(), frame); err != nil {
			t.relay.SendError(c.conn.ID(), err.Error())
		}
	}
}

func (c *wsClient) writePump() {
	t := c.transport
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	events := c.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			c.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				t.logger.WithField("conn_id", c.conn.ID()).WithError(err).Debug("websocket write failed")
				t.relay.Disconnect(c.conn.ID())
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.relay.Disconnect(c.conn.ID())
				return
			}
		}
	}
}
