package models

import "time"

// SenderType 消息发送者类型，同时表示连接在工单订阅中的角色
type SenderType string

const (
	SenderAgent SenderType = "agent"
	SenderUser  SenderType = "user"
)

func (s SenderType) Valid() bool {
	return s == SenderAgent || s == SenderUser
}

// AgentMessage 客服在工单上发送的消息
// 内部消息是给其他客服的备注，不会发给用户
type AgentMessage struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	Content    string    `json:"content"`
	IsInternal bool      `json:"is_internal"`
	Timestamp  time.Time `json:"timestamp"`
}

// TicketMessage 工单合并历史中的一条消息
type TicketMessage struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name,omitempty"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	IsInternal bool       `json:"is_internal"`
	Timestamp  time.Time  `json:"timestamp"`
}
