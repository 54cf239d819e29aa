package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/models"
)

// drain 取出 c 当前排队的所有事件
func drain(c *Connection) []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(events []models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRelay_ConnectSendsWelcome(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	c := r.Connect()

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventWelcome, events[0].Type)
	assert.Equal(t, c.ID(), events[0].ClientID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, 1, r.ClientCount())
}

func TestRelay_SubscriptionConfirmations(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	c := r.Connect()
	drain(c)

	require.NoError(t, r.SubscribeTicket(c.ID(), "t1", models.SenderAgent))
	require.NoError(t, r.SubscribeTicket(c.ID(), "t2", models.SenderAgent))
	require.NoError(t, r.SubscribeAgent(c.ID(), "agent-1"))
	require.NoError(t, r.SubscribeUser(c.ID(), "user-1"))

	events := drain(c)
	assert.Equal(t, []models.EventType{
		models.EventSubscriptionConfirmed,
		models.EventSubscriptionConfirmed,
		models.EventAgentSubscriptionConfirmed,
		models.EventUserSubscriptionConfirmed,
	}, types(events))
	assert.Equal(t, "t1", events[0].TicketID)
	assert.Equal(t, models.SenderAgent, events[0].Role)
	assert.Equal(t, "agent-1", events[2].AgentID)
	assert.Equal(t, "user-1", events[3].UserID)

	assert.ErrorIs(t, r.SubscribeTicket("ghost", "t1", models.SenderUser), ErrUnknownConnection)
	assert.ErrorIs(t, r.SubscribeTicket(c.ID(), "t1", "admin"), ErrInvalidRole)
	assert.Error(t, r.SubscribeTicket(c.ID(), "", models.SenderUser))
	assert.Error(t, r.SubscribeAgent(c.ID(), ""))
	assert.Error(t, r.SubscribeUser(c.ID(), ""))
}

func TestRelay_InternalMessagesReachAgentsOnly(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	agent := r.Connect()
	usr := r.Connect()
	require.NoError(t, r.SubscribeTicket(agent.ID(), "t1", models.SenderAgent))
	require.NoError(t, r.SubscribeTicket(usr.ID(), "t1", models.SenderUser))
	drain(agent)
	drain(usr)

	n := r.Broadcast(ChatMessage{TicketID: "t1", Content: "nota", SenderID: "agent-1", SenderType: models.SenderAgent, IsInternal: true})
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(usr))
	got := drain(agent)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsInternal)
	assert.Equal(t, "nota", got[0].Content)

	n = r.Broadcast(ChatMessage{TicketID: "t1", Content: "hola", SenderID: "agent-1", SenderType: models.SenderAgent})
	assert.Equal(t, 2, n)
	assert.Len(t, drain(agent), 1)
	userEvents := drain(usr)
	require.Len(t, userEvents, 1)
	assert.Equal(t, models.EventChatMessage, userEvents[0].Type)
	assert.Equal(t, models.SenderAgent, userEvents[0].SenderType)

	st := r.Status()
	assert.Equal(t, uint64(1), st.Deliveries.Filtered)
}

func TestRelay_RoleIsTrackedPerSubscription(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	c := r.Connect()
	require.NoError(t, r.SubscribeTicket(c.ID(), "t1", models.SenderAgent))
	require.NoError(t, r.SubscribeTicket(c.ID(), "t2", models.SenderUser))
	drain(c)

	role, ok := r.RoleOf(c.ID(), "t1")
	assert.True(t, ok)
	assert.Equal(t, models.SenderAgent, role)

	assert.Equal(t, 0, r.Broadcast(ChatMessage{TicketID: "t2", Content: "x", IsInternal: true}))
	assert.Equal(t, 1, r.Broadcast(ChatMessage{TicketID: "t1", Content: "x", IsInternal: true}))
}

func TestRelay_DisconnectCleansEverything(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	c := r.Connect()
	other := r.Connect()
	require.NoError(t, r.SubscribeTicket(c.ID(), "t1", models.SenderAgent))
	require.NoError(t, r.SubscribeAgent(c.ID(), "agent-1"))
	require.NoError(t, r.SubscribeUser(c.ID(), "user-1"))
	require.NoError(t, r.SubscribeTicket(other.ID(), "t1", models.SenderUser))

	r.Disconnect(c.ID())
	r.Disconnect(c.ID())
	r.Disconnect("never-connected")

	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, 1, r.Broadcast(ChatMessage{TicketID: "t1", Content: "hola"}))
	assert.Equal(t, 0, r.NotifyAgent("agent-1", models.Event{Type: models.EventTicketCreated}))
	assert.False(t, r.NotifyUser("user-1", models.Event{Type: models.EventTicketCreated}))
	_, ok := r.RoleOf(c.ID(), "t1")
	assert.False(t, ok)

	st := r.Status()
	assert.Equal(t, 0, st.Agents)
	assert.Equal(t, 0, st.Users)

	// 缓冲读完后队列已关闭
	drain(c)
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestRelay_SubscribeUserLastWriterWins(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	first := r.Connect()
	second := r.Connect()
	require.NoError(t, r.SubscribeUser(first.ID(), "user-1"))
	require.NoError(t, r.SubscribeUser(second.ID(), "user-1"))
	drain(first)
	drain(second)

	assert.True(t, r.NotifyUser("user-1", models.Event{Type: models.EventTicketAssigned}))
	assert.Empty(t, drain(first))
	assert.Len(t, drain(second), 1)

	// 断开旧连接不能解绑新连接
	r.Disconnect(first.ID())
	assert.True(t, r.AttachUser("user-1", "t9"))
	role, ok := r.RoleOf(second.ID(), "t9")
	assert.True(t, ok)
	assert.Equal(t, models.SenderUser, role)
}

func TestRelay_AttachAgentAndCloseTicket(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	a1 := r.Connect()
	a2 := r.Connect()
	require.NoError(t, r.SubscribeAgent(a1.ID(), "agent-1"))
	require.NoError(t, r.SubscribeAgent(a2.ID(), "agent-1"))

	assert.Equal(t, 2, r.AttachAgent("agent-1", "t1"))
	assert.Equal(t, 0, r.AttachAgent("nobody", "t1"))
	assert.False(t, r.AttachUser("nobody", "t1"))
	assert.Len(t, r.TicketSubscribers("t1"), 2)

	assert.Equal(t, 2, r.CloseTicket("t1"))
	assert.Empty(t, r.TicketSubscribers("t1"))
	assert.Equal(t, 0, r.Broadcast(ChatMessage{TicketID: "t1", Content: "late"}))
	assert.Equal(t, 0, r.CloseTicket("t1"))
}

func TestRelay_TicketNotifications(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	agent1 := r.Connect()
	agent2 := r.Connect()
	usr := r.Connect()
	require.NoError(t, r.SubscribeAgent(agent1.ID(), "agent-1"))
	require.NoError(t, r.SubscribeAgent(agent2.ID(), "agent-2"))
	require.NoError(t, r.SubscribeTicket(usr.ID(), "t1", models.SenderUser))
	require.NoError(t, r.SubscribeTicket(agent1.ID(), "t1", models.SenderAgent))
	drain(agent1)
	drain(agent2)
	drain(usr)

	snap := models.TicketSnapshot{ID: "t1", State: models.TicketPending, Priority: 3}
	assert.Equal(t, 3, r.NotifyTicketCreated(snap), "agent-1 is on the topic and its channel but hears it once")
	created := drain(agent1)
	require.Len(t, created, 1)
	require.NotNil(t, created[0].Ticket)
	assert.Equal(t, 3, created[0].Ticket.Priority)
	assert.Len(t, drain(agent2), 1)
	assert.Len(t, drain(usr), 1)

	snap.State = models.TicketAssigned
	snap.AgentID = "agent-2"
	assert.Equal(t, 3, r.NotifyTicketAssigned(snap))
	assigned := drain(agent2)
	require.Len(t, assigned, 1)
	assert.Equal(t, models.EventTicketAssigned, assigned[0].Type)
	assert.Equal(t, "agent-2", assigned[0].AgentID)
}

func TestRelay_TypingAndReceipts(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	usr := r.Connect()
	require.NoError(t, r.SubscribeTicket(usr.ID(), "t1", models.SenderUser))
	drain(usr)

	r.BroadcastTyping("t1", "agent-1", models.SenderAgent, true)
	ids := []string{"m1", "m2"}
	r.BroadcastReadReceipts("t1", ids, "user-1")
	ids[0] = "mutated"

	events := drain(usr)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].IsTyping)
	assert.True(t, *events[0].IsTyping)
	assert.Equal(t, models.SenderAgent, events[0].SenderType)
	assert.Equal(t, []string{"m1", "m2"}, events[1].MessageIDs)
	assert.Equal(t, "user-1", events[1].ReaderID)
}

func TestRelay_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	r := NewRelay(RelayOptions{SendBuffer: 2}, nil)
	c := r.Connect() // welcome takes one slot
	require.NoError(t, r.SubscribeTicket(c.ID(), "t1", models.SenderUser))

	assert.Equal(t, 0, r.Broadcast(ChatMessage{TicketID: "t1", Content: "overflow"}))
	st := r.Status()
	assert.Equal(t, uint64(1), st.Deliveries.Dropped)
	assert.Equal(t, uint64(1), st.Deliveries.DroppedByType[string(models.EventChatMessage)])
}

func TestRelay_PerTicketOrdering(t *testing.T) {
	r := NewRelay(RelayOptions{SendBuffer: 1024}, nil)
	a := r.Connect()
	b := r.Connect()
	require.NoError(t, r.SubscribeTicket(a.ID(), "t1", models.SenderAgent))
	require.NoError(t, r.SubscribeTicket(b.ID(), "t1", models.SenderUser))
	drain(a)
	drain(b)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Broadcast(ChatMessage{TicketID: "t1", Content: fmt.Sprintf("%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	seqA := contents(drain(a))
	seqB := contents(drain(b))
	assert.Len(t, seqA, 200)
	assert.Equal(t, seqA, seqB, "every subscriber sees the same order")
}

func contents(events []models.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Content)
	}
	return out
}

func TestRelay_SendErrorAndShutdown(t *testing.T) {
	r := NewRelay(RelayOptions{}, nil)
	c := r.Connect()
	drain(c)

	assert.True(t, r.SendError(c.ID(), "bad frame"))
	assert.False(t, r.SendError("ghost", "bad frame"))
	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Equal(t, "bad frame", events[0].ErrorMessage)

	r.Shutdown()
	assert.Equal(t, 0, r.ClientCount())
	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connection queue not closed")
	}
}
