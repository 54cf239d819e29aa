package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TicketEventType 工单事件类型
type TicketEventType string

const (
	TicketEventCreated      TicketEventType = "ticket_created"
	TicketEventAssigned     TicketEventType = "ticket_assigned"
	TicketEventUnassigned   TicketEventType = "ticket_unassigned"
	TicketEventResolved     TicketEventType = "ticket_resolved"
	TicketEventClosed       TicketEventType = "ticket_closed"
	TicketEventReopened     TicketEventType = "ticket_reopened"
	TicketEventPriority     TicketEventType = "ticket_priority_changed"
	TicketEventMessageAdded TicketEventType = "ticket_message_added"
)

// TicketEvent 工单变更保存后发布的事件
type TicketEvent struct {
	ID        string          `json:"id"`
	Type      TicketEventType `json:"type"`
	TicketID  string          `json:"ticketId"`
	ActorID   string          `json:"actorId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   map[string]any  `json:"payload,omitempty"`
}

func newTicketEvent(typ TicketEventType, ticketID, actorID string, payload map[string]any) TicketEvent {
	return TicketEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		TicketID:  ticketID,
		ActorID:   actorID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// EventPublisher 将工单事件转发给其他系统，发布失败不会撤销变更
type EventPublisher interface {
	Publish(ctx context.Context, event TicketEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TicketEvent) error { return nil }

// LogPublisher 将事件写入日志
type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev TicketEvent) error {
	p.logger.WithFields(logrus.Fields{
		"event_id":  ev.ID,
		"type":      ev.Type,
		"ticket_id": ev.TicketID,
		"actor_id":  ev.ActorID,
	}).Info("ticket event")
	return nil
}

// EventHandler 事件处理函数
type EventHandler func(context.Context, TicketEvent) error

// InMemoryPublisher 同步调用订阅的处理函数
type InMemoryPublisher struct {
	mu        sync.RWMutex
	listeners map[TicketEventType][]EventHandler
	all       []EventHandler
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{listeners: make(map[TicketEventType][]EventHandler)}
}

// Subscribe 订阅 typ 类型的事件，typ 为空时订阅全部
func (p *InMemoryPublisher) Subscribe(typ TicketEventType, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if typ == "" {
		p.all = append(p.all, handler)
		return
	}
	p.listeners[typ] = append(p.listeners[typ], handler)
}

// Publish 执行所有处理函数并返回第一个错误
func (p *InMemoryPublisher) Publish(ctx context.Context, ev TicketEvent) error {
	p.mu.RLock()
	handlers := append([]EventHandler{}, p.listeners[ev.Type]...)
	handlers = append(handlers, p.all...)
	p.mu.RUnlock()

	var first error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
