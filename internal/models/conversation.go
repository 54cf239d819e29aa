package models

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// 客服通过会话发言时写入的元数据键
const (
	MetaFromAgent = "from_agent"
	MetaAgentID   = "agent_id"
	MetaAgentName = "agent_name"
	MetaMessageID = "message_id"
)

// MetaBankCode 会话元数据中的租户编码键
const MetaBankCode = "bank_code"

type Turn struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FromAgent 判断该轮消息是否由人工客服发出
func (t Turn) FromAgent() bool {
	v, _ := t.Metadata[MetaFromAgent].(bool)
	return v
}

// Conversation 工单关联的会话记录
type Conversation interface {
	ID() string
	UserID() string
	Metadata() map[string]string
	Turns() []Turn
	AppendTurn(ctx context.Context, role Role, content string, metadata map[string]any) error
}

// ConversationLog 内存中的会话
type ConversationLog struct {
	mu       sync.RWMutex
	id       string
	userID   string
	metadata map[string]string
	turns    []Turn
	now      func() time.Time
}

func NewConversationLog(id, userID string, metadata map[string]string) *ConversationLog {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &ConversationLog{id: id, userID: userID, metadata: md, now: time.Now}
}

func (c *ConversationLog) ID() string { return c.id }
func (c *ConversationLog) UserID() string { return c.userID }

func (c *ConversationLog) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		md[k] = v
	}
	return md
}

func (c *ConversationLog) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *ConversationLog) AppendTurn(_ context.Context, role Role, content string, metadata map[string]any) error {
	c.Add(Turn{Role: role, Content: content, Metadata: metadata})
	return nil
}

// Add 追加一轮消息，缺少 id 或时间时自动补全
func (c *ConversationLog) Add(turn Turn) Turn {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.mu.Unlock()
	return turn
}
