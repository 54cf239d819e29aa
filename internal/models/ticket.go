package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TicketState 工单状态
type TicketState string

const (
	TicketPending  TicketState = "pending"
	TicketAssigned TicketState = "assigned"
	TicketActive   TicketState = "active"
	TicketResolved TicketState = "resolved"
	TicketClosed   TicketState = "closed"
)

// AllTicketStates 按生命周期顺序列出所有状态
var AllTicketStates = []TicketState{TicketPending, TicketAssigned, TicketActive, TicketResolved, TicketClosed}

func (s TicketState) Valid() bool {
	switch s {
	case TicketPending, TicketAssigned, TicketActive, TicketResolved, TicketClosed:
		return true
	}
	return false
}

// Owned 判断该状态下工单是否有负责客服
func (s TicketState) Owned() bool {
	return s == TicketAssigned || s == TicketActive
}

// EscalationReason 转人工原因
type EscalationReason string

const (
	ReasonUserRequested    EscalationReason = "user_requested"
	ReasonMultipleFailures EscalationReason = "multiple_failures"
	ReasonComplexQuery     EscalationReason = "complex_query"
	ReasonAgentDecision    EscalationReason = "agent_decision"
)

func (r EscalationReason) Valid() bool {
	switch r {
	case ReasonUserRequested, ReasonMultipleFailures, ReasonComplexQuery, ReasonAgentDecision:
		return true
	}
	return false
}

// BasePriority 该原因对应的初始优先级
func (r EscalationReason) BasePriority() int {
	switch r {
	case ReasonUserRequested, ReasonAgentDecision:
		return 3
	case ReasonMultipleFailures:
		return 4
	case ReasonComplexQuery:
		return 2
	}
	return 2
}

const (
	MinPriority = 1
	MaxPriority = 5
)

// ClampPriority 将 p 限制在 [MinPriority, MaxPriority]
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

var (
	ErrAlreadyAssigned   = errors.New("ticket already assigned to another agent")
	ErrInvalidTransition = errors.New("invalid ticket state transition")
	ErrMissingAgent      = errors.New("agent id is required")
)

// Assignment 工单关联的客服
type Assignment struct {
	AgentID    string    `json:"agent_id"`
	AgentName  string    `json:"agent_name"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Ticket 转人工工单
// 字段不导出，状态只能通过下面的转换方法变更。
//
// 关联的客服在 Resolve、Close、Reopen 后保留，以便查看上一任负责人，
// 只有在 assigned 或 active 状态下才算当前负责人。只有 Unassign 会解除关联。
type Ticket struct {
	id             string
	conversationID string
	userID         string
	bankCode       string
	state          TicketState
	reason         EscalationReason
	priority       int
	assignment     *Assignment
	createdAt      time.Time
	resolvedAt     *time.Time
	closedAt       *time.Time
	notes          string
}

type NewTicketParams struct {
	ID             string
	ConversationID string
	UserID         string
	BankCode       string
	Reason         EscalationReason
	Priority       int
	CreatedAt      time.Time
}

// NewTicket 创建未分配的待处理工单
func NewTicket(p NewTicketParams) (*Ticket, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, errors.New("ticket id is required")
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return nil, errors.New("conversation id is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if !p.Reason.Valid() {
		return nil, fmt.Errorf("unknown escalation reason %q", p.Reason)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Ticket{
		id:             p.ID,
		conversationID: p.ConversationID,
		userID:         p.UserID,
		bankCode:       p.BankCode,
		state:          TicketPending,
		reason:         p.Reason,
		priority:       ClampPriority(p.Priority),
		createdAt:      created,
	}, nil
}

func (t *Ticket) ID() string { return t.id }
func (t *Ticket) ConversationID() string { return t.conversationID }
func (t *Ticket) UserID() string { return t.userID }
func (t *Ticket) BankCode() string { return t.bankCode }
func (t *Ticket) State() TicketState { return t.state }
func (t *Ticket) Reason() EscalationReason { return t.reason }
func (t *Ticket) Priority() int { return t.priority }
func (t *Ticket) CreatedAt() time.Time { return t.createdAt }
func (t *Ticket) Notes() string { return t.notes }
func (t *Ticket) ResolvedAt() *time.Time { return copyTime(t.resolvedAt) }
func (t *Ticket) ClosedAt() *time.Time { return copyTime(t.closedAt) }

// OwnerID 当前负责客服，非负责状态时返回空字符串
func (t *Ticket) OwnerID() string {
	if !t.state.Owned() || t.assignment == nil {
		return ""
	}
	return t.assignment.AgentID
}

// AssignedAgent 返回关联的客服，包括 resolve 或 reopen 后保留的上一任负责人
func (t *Ticket) AssignedAgent() (Assignment, bool) {
	if t.assignment == nil {
		return Assignment{}, false
	}
	return *t.assignment, true
}

// OwnedBy 判断 agentID 是否为当前负责人
func (t *Ticket) OwnedBy(agentID string) bool {
	return agentID != "" && t.OwnerID() == agentID
}

// Assign 将待处理工单分配给客服
// 重复分配给当前负责人不做任何事，分配给其他客服返回 ErrAlreadyAssigned
func (t *Ticket) Assign(agentID, agentName string, now time.Time) error {
	if strings.TrimSpace(agentID) == "" {
		return ErrMissingAgent
	}
	switch {
	case t.state.Owned():
		if t.OwnerID() == agentID {
			return nil
		}
		return ErrAlreadyAssigned
	case t.state == TicketPending:
		t.assignment = &Assignment{AgentID: agentID, AgentName: agentName, AssignedAt: now}
		t.state = TicketAssigned
		return nil
	}
	return t.invalid("assign")
}

// StartChat 已分配工单进入人工对话
func (t *Ticket) StartChat() error {
	switch t.state {
	case TicketAssigned:
		t.state = TicketActive
		return nil
	case TicketActive:
		return nil
	}
	return t.invalid("start chat")
}

func (t *Ticket) Resolve(notes string, now time.Time) error {
	if !t.state.Owned() {
		return t.invalid("resolve")
	}
	t.state = TicketResolved
	t.resolvedAt = &now
	if strings.TrimSpace(notes) != "" {
		t.notes = notes
	}
	return nil
}

// Close 任何状态都可关闭，解决时间只在 resolved 状态下有效，因此清空
func (t *Ticket) Close(now time.Time) error {
	if t.state == TicketClosed {
		return nil
	}
	t.state = TicketClosed
	t.closedAt = &now
	t.resolvedAt = nil
	return nil
}

// Reopen 将已解决或已关闭的工单放回队列，保留优先级、原因与关联客服
func (t *Ticket) Reopen() error {
	if t.state != TicketResolved && t.state != TicketClosed {
		return t.invalid("reopen")
	}
	t.state = TicketPending
	t.resolvedAt = nil
	t.closedAt = nil
	return nil
}

// Unassign 释放负责人并放回队列
func (t *Ticket) Unassign() error {
	if !t.state.Owned() {
		return t.invalid("unassign")
	}
	t.state = TicketPending
	t.assignment = nil
	return nil
}

// SetPriority 任何状态都可设置，越界值会被截断
func (t *Ticket) SetPriority(p int) {
	t.priority = ClampPriority(p)
}

// Clone 深拷贝，调用方修改副本后保存，保存失败不会留下半完成的状态
func (t *Ticket) Clone() *Ticket {
	c := *t
	if t.assignment != nil {
		a := *t.assignment
		c.assignment = &a
	}
	c.resolvedAt = copyTime(t.resolvedAt)
	c.closedAt = copyTime(t.closedAt)
	return &c
}

func (t *Ticket) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s ticket in state %s", ErrInvalidTransition, op, t.state)
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
