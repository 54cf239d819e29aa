package services

import (
	"context"

	"handoff/internal/models"
)

// TicketStore 工单与客服消息存储，Save 按 id 插入或更新，未知 id 时 Get 返回 (nil, nil)
type TicketStore interface {
	Save(ctx context.Context, ticket *models.Ticket) error
	Get(ctx context.Context, id string) (*models.Ticket, error)
	// ListByState bankCode 非空时按其过滤
	ListByState(ctx context.Context, state models.TicketState, bankCode string) ([]*models.Ticket, error)
	// ListByAgent 返回客服当前负责的工单
	ListByAgent(ctx context.Context, agentID string) ([]*models.Ticket, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Ticket, error)
	AppendAgentMessage(ctx context.Context, ticketID, agentID, agentName, content string, isInternal bool) (string, error)
	ListAgentMessages(ctx context.Context, ticketID string) ([]models.AgentMessage, error)
	CountByState(ctx context.Context, bankCode string) (map[models.TicketState]int, error)
}

// ConversationStore 会话存储，未知 id 时 Load 返回 (nil, nil)
type ConversationStore interface {
	Load(ctx context.Context, id string) (models.Conversation, error)
}

// TicketRelay 协调器通知的实时中继，*Relay 实现该接口
type TicketRelay interface {
	Broadcast(msg ChatMessage) int
	BroadcastTyping(ticketID, senderID string, senderType models.SenderType, isTyping bool) int
	BroadcastReadReceipts(ticketID string, messageIDs []string, readerID string) int
	NotifyTicketCreated(ticket models.TicketSnapshot) int
	NotifyTicketAssigned(ticket models.TicketSnapshot) int
	AttachUser(userID, ticketID string) bool
	AttachAgent(agentID, ticketID string) int
	CloseTicket(ticketID string) int
}
