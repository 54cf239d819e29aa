package models

import "time"

// EventType 中继下发给客户端的事件类型
type EventType string

const (
	EventWelcome                    EventType = "welcome"
	EventSubscriptionConfirmed      EventType = "subscription_confirmed"
	EventAgentSubscriptionConfirmed EventType = "agent_subscription_confirmed"
	EventUserSubscriptionConfirmed  EventType = "user_subscription_confirmed"
	EventChatMessage                EventType = "chat_message"
	EventTyping                     EventType = "typing"
	EventReadReceipts               EventType = "read_receipts"
	EventTicketCreated              EventType = "ticket_created"
	EventTicketAssigned             EventType = "ticket_assigned"
	EventError                      EventType = "error"
)

// Event 下发帧，只填充与 Type 相关的字段
type Event struct {
	Type         EventType       `json:"type"`
	TicketID     string          `json:"ticket_id,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Role         SenderType      `json:"role,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	SenderID     string          `json:"sender_id,omitempty"`
	SenderName   string          `json:"sender_name,omitempty"`
	SenderType   SenderType      `json:"sender_type,omitempty"`
	IsInternal   bool            `json:"is_internal,omitempty"`
	IsTyping     *bool           `json:"is_typing,omitempty"`
	MessageIDs   []string        `json:"message_ids,omitempty"`
	ReaderID     string          `json:"reader_id,omitempty"`
	Ticket       *TicketSnapshot `json:"ticket,omitempty"`
	ErrorMessage string          `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// InboundFrame 客户端上行帧
type InboundFrame struct {
	Type       string     `json:"type"`
	TicketID   string     `json:"ticket_id,omitempty"`
	Role       SenderType `json:"role,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Content    string     `json:"content,omitempty"`
	SenderID   string     `json:"sender_id,omitempty"`
	SenderName string     `json:"sender_name,omitempty"`
	SenderType SenderType `json:"sender_type,omitempty"`
	IsInternal bool       `json:"is_internal,omitempty"`
	IsTyping   bool       `json:"is_typing,omitempty"`
	MessageIDs []string   `json:"message_ids,omitempty"`
	ReaderID   string     `json:"reader_id,omitempty"`
}

// 上行帧类型
const (
	FrameSubscribeTicket = "subscribe_ticket"
	FrameSubscribeAgent  = "subscribe_agent"
	FrameSubscribeUser   = "subscribe_user"
	FrameChatMessage     = "chat_message"
	FrameTyping          = "typing"
	FrameReadReceipts    = "read_receipts"
)
