package services

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/config"
	"handoff/internal/models"
)

func canBindLocal() bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func newTransportServer(t *testing.T, relay *Relay, handler FrameHandler) string {
	t.Helper()
	if !canBindLocal() {
		t.Skip("local TCP bind not permitted in this environment")
	}
	gin.SetMode(gin.TestMode)
	transport := NewWebSocketTransport(relay, handler, config.RelayConfig{}, nil)
	r := gin.New()
	r.GET("/ws", transport.HandleWebSocket)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestWebSocketTransport_SubscribeAndChat(t *testing.T) {
	relay := NewRelay(RelayOptions{}, nil)
	url := newTransportServer(t, relay, NewInboundRouter(relay, nil, nil))

	agent, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer agent.Close()
	usr, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer usr.Close()

	welcome := readEvent(t, agent)
	assert.Equal(t, models.EventWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, models.EventWelcome, readEvent(t, usr).Type)

	require.NoError(t, agent.WriteJSON(models.InboundFrame{Type: models.FrameSubscribeTicket, TicketID: "t1", Role: models.SenderAgent}))
	confirmed := readEvent(t, agent)
	assert.Equal(t, models.EventSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, models.SenderAgent, confirmed.Role)
	require.NoError(t, usr.WriteJSON(models.InboundFrame{Type: models.FrameSubscribeTicket, TicketID: "t1"}))
	assert.Equal(t, models.SenderUser, readEvent(t, usr).Role)

	require.NoError(t, agent.WriteJSON(models.InboundFrame{Type: models.FrameChatMessage, TicketID: "t1", Content: "solo agentes", SenderID: "agent-1", IsInternal: true}))
	require.NoError(t, agent.WriteJSON(models.InboundFrame{Type: models.FrameChatMessage, TicketID: "t1", Content: "hola", SenderID: "agent-1"}))

	assert.Equal(t, "solo agentes", readEvent(t, agent).Content)
	assert.Equal(t, "hola", readEvent(t, agent).Content)
	got := readEvent(t, usr)
	assert.Equal(t, "hola", got.Content, "the internal note never reached the user")
	assert.Equal(t, models.SenderAgent, got.SenderType)
}

func TestWebSocketTransport_ErrorsAndDisconnect(t *testing.T) {
	relay := NewRelay(RelayOptions{}, nil)
	url := newTransportServer(t, relay, NewInboundRouter(relay, nil, nil))

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, conn)
	assert.Equal(t, models.EventError, ev.Type)
	assert.Equal(t, "invalid message format", ev.ErrorMessage)

	require.NoError(t, conn.WriteJSON(models.InboundFrame{Type: "dance"}))
	ev = readEvent(t, conn)
	assert.Equal(t, models.EventError, ev.Type)
	assert.Contains(t, ev.ErrorMessage, "unsupported message type")

	require.Equal(t, 1, relay.ClientCount())
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return relay.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type recordingHandler struct {
	frames chan models.InboundFrame
}

func (h *recordingHandler) HandleFrame(_ context.Context, _ string, f models.InboundFrame) error {
	h.frames <- f
	return nil
}

func TestWebSocketTransport_ForwardsFrames(t *testing.T) {
	relay := NewRelay(RelayOptions{}, nil)
	h := &recordingHandler{frames: make(chan models.InboundFrame, 1)}
	url := newTransportServer(t, relay, h)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","ticket_id":"t1","is_typing":true}`)))
	select {
	case f := <-h.frames:
		assert.Equal(t, models.FrameTyping, f.Type)
		assert.Equal(t, "t1", f.TicketID)
		assert.True(t, f.IsTyping)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not forwarded")
	}
}
