package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TicketSnapshot 工单的可序列化形式，供存储与接口响应使用
type TicketSnapshot struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	UserID         string           `json:"user_id"`
	BankCode       string           `json:"bank_code,omitempty"`
	State          TicketState      `json:"state"`
	Reason         EscalationReason `json:"reason"`
	Priority       int              `json:"priority"`
	AgentID        string           `json:"agent_id,omitempty"`
	AgentName      string           `json:"agent_name,omitempty"`
	AssignedAt     *time.Time       `json:"assigned_at,omitempty"`
	OwnerID        string           `json:"owner_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

func (t *Ticket) Snapshot() TicketSnapshot {
	s := TicketSnapshot{
		ID:             t.id,
		ConversationID: t.conversationID,
		UserID:         t.userID,
		BankCode:       t.bankCode,
		State:          t.state,
		Reason:         t.reason,
		Priority:       t.priority,
		OwnerID:        t.OwnerID(),
		CreatedAt:      t.createdAt,
		ResolvedAt:     copyTime(t.resolvedAt),
		ClosedAt:       copyTime(t.closedAt),
		Notes:          t.notes,
	}
	if t.assignment != nil {
		s.AgentID = t.assignment.AgentID
		s.AgentName = t.assignment.AgentName
		at := t.assignment.AssignedAt
		s.AssignedAt = &at
	}
	return s
}

func (t *Ticket) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// RestoreTicket 从存储恢复工单，拒绝违反负责人或解决时间规则的数据
func RestoreTicket(s TicketSnapshot) (*Ticket, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("restore ticket: empty id")
	}
	if !s.State.Valid() {
		return nil, fmt.Errorf("restore ticket %s: unknown state %q", s.ID, s.State)
	}
	if !s.Reason.Valid() {
		return nil, fmt.Errorf("restore ticket %s: unknown reason %q", s.ID, s.Reason)
	}
	if s.State.Owned() && s.AgentID == "" {
		return nil, fmt.Errorf("restore ticket %s: state %s without agent", s.ID, s.State)
	}
	if (s.State == TicketResolved) != (s.ResolvedAt != nil) {
		return nil, fmt.Errorf("restore ticket %s: resolution timestamp does not match state %s", s.ID, s.State)
	}
	t := &Ticket{
		id:             s.ID,
		conversationID: s.ConversationID,
		userID:         s.UserID,
		bankCode:       s.BankCode,
		state:          s.State,
		reason:         s.Reason,
		priority:       ClampPriority(s.Priority),
		createdAt:      s.CreatedAt,
		resolvedAt:     copyTime(s.ResolvedAt),
		closedAt:       copyTime(s.ClosedAt),
		notes:          s.Notes,
	}
	if s.AgentID != "" {
		a := Assignment{AgentID: s.AgentID, AgentName: s.AgentName}
		if s.AssignedAt != nil {
			a.AssignedAt = *s.AssignedAt
		}
		t.assignment = &a
	}
	return t, nil
}
