package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handoff/internal/config"
)

func TestInMemoryPublisher_RoutesByType(t *testing.T) {
	p := NewInMemoryPublisher()
	var created, all []TicketEventType
	p.Subscribe(TicketEventCreated, func(_ context.Context, ev TicketEvent) error {
		created = append(created, ev.Type)
		return nil
	})
	p.Subscribe("", func(_ context.Context, ev TicketEvent) error {
		all = append(all, ev.Type)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, newTicketEvent(TicketEventCreated, "t1", "u1", nil)))
	require.NoError(t, p.Publish(ctx, newTicketEvent(TicketEventClosed, "t1", "", nil)))

	assert.Equal(t, []TicketEventType{TicketEventCreated}, created)
	assert.Equal(t, []TicketEventType{TicketEventCreated, TicketEventClosed}, all)
}

func TestInMemoryPublisher_ReturnsFirstErrorAfterAllHandlers(t *testing.T) {
	p := NewInMemoryPublisher()
	first := errors.New("first")
	calls := 0
	p.Subscribe(TicketEventAssigned, func(context.Context, TicketEvent) error { calls++; return first })
	p.Subscribe(TicketEventAssigned, func(context.Context, TicketEvent) error { calls++; return errors.New("second") })

	err := p.Publish(context.Background(), newTicketEvent(TicketEventAssigned, "t1", "a1", nil))
	assert.ErrorIs(t, err, first)
	assert.Equal(t, 2, calls)
}

func TestNewTicketEvent(t *testing.T) {
	ev := newTicketEvent(TicketEventPriority, "t1", "a1", map[string]any{"newPriority": 5})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "t1", ev.TicketID)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Second)
	assert.Equal(t, 5, ev.Payload["newPriority"])

	assert.NoError(t, NopPublisher{}.Publish(context.Background(), ev))
	assert.NoError(t, NewLogPublisher(nil).Publish(context.Background(), ev))
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	p := NewRedisPublisher(config.RedisConfig{Addr: "127.0.0.1:1"}, nil)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := p.Publish(ctx, newTicketEvent(TicketEventCreated, "t1", "u1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handoff:ticket-events")
	assert.Error(t, p.Ping(ctx))

	var nilPub *RedisPublisher
	assert.Error(t, nilPub.Ping(ctx))
	assert.NoError(t, nilPub.Close())
}
