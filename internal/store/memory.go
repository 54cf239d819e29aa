package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"handoff/internal/models"
)

// MemoryTicketStore 内存工单存储，保存快照，调用方不共享内部状态
type MemoryTicketStore struct {
	mu       sync.RWMutex
	tickets  map[string]models.TicketSnapshot
	messages map[string][]models.AgentMessage
	now      func() time.Time
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{
		tickets:  make(map[string]models.TicketSnapshot),
		messages: make(map[string][]models.AgentMessage),
		now:      time.Now,
	}
}

// Save 与 GormTicketStore.Save 做相同的负责人检查
func (s *MemoryTicketStore) Save(_ context.Context, ticket *models.Ticket) error {
	snap := ticket.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tickets[snap.ID]; ok && snap.State.Owned() &&
		prev.State != models.TicketPending && prev.AgentID != snap.AgentID {
		return fmt.Errorf("failed to save ticket %s: %w", snap.ID, models.ErrAlreadyAssigned)
	}
	s.tickets[snap.ID] = snap
	return nil
}

func (s *MemoryTicketStore) Get(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.RLock()
	snap, ok := s.tickets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return models.RestoreTicket(snap)
}

func (s *MemoryTicketStore) ListByState(_ context.Context, state models.TicketState, bankCode string) ([]*models.Ticket, error) {
	return s.filter(func(t models.TicketSnapshot) bool {
		return t.State == state && (bankCode == "" || t.BankCode == bankCode)
	}, byPriority)
}

func (s *MemoryTicketStore) ListByAgent(_ context.Context, agentID string) ([]*models.Ticket, error) {
	return s.filter(func(t models.TicketSnapshot) bool {
		return t.State.Owned() && t.AgentID == agentID
	}, byPriority)
}

func (s *MemoryTicketStore) ListByUser(_ context.Context, userID string) ([]*models.Ticket, error) {
	return s.filter(func(t models.TicketSnapshot) bool {
		return t.UserID == userID
	}, func(a, b models.TicketSnapshot) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func (s *MemoryTicketStore) AppendAgentMessage(_ context.Context, ticketID, agentID, agentName, content string, isInternal bool) (string, error) {
	msg := models.AgentMessage{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		AgentID:    agentID,
		AgentName:  agentName,
		Content:    content,
		IsInternal: isInternal,
		Timestamp:  s.now(),
	}
	s.mu.Lock()
	s.messages[ticketID] = append(s.messages[ticketID], msg)
	s.mu.Unlock()
	return msg.ID, nil
}

func (s *MemoryTicketStore) ListAgentMessages(_ context.Context, ticketID string) ([]models.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AgentMessage, len(s.messages[ticketID]))
	copy(out, s.messages[ticketID])
	return out, nil
}

func (s *MemoryTicketStore) CountByState(_ context.Context, bankCode string) (map[models.TicketState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TicketState]int)
	for _, t := range s.tickets {
		if bankCode != "" && t.BankCode != bankCode {
			continue
		}
		counts[t.State]++
	}
	return counts, nil
}

func (s *MemoryTicketStore) filter(keep func(models.TicketSnapshot) bool, less func(a, b models.TicketSnapshot) bool) ([]*models.Ticket, error) {
	s.mu.RLock()
	matched := make([]models.TicketSnapshot, 0)
	for _, t := range s.tickets {
		if keep(t) {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	out := make([]*models.Ticket, 0, len(matched))
	for _, snap := range matched {
		t, err := models.RestoreTicket(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func byPriority(a, b models.TicketSnapshot) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MemoryConversationStore 内存会话存储
type MemoryConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*models.ConversationLog
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{convs: make(map[string]*models.ConversationLog)}
}

func (s *MemoryConversationStore) Put(conv *models.ConversationLog) {
	s.mu.Lock()
	s.convs[conv.ID()] = conv
	s.mu.Unlock()
}

func (s *MemoryConversationStore) Load(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	conv, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return conv, nil
}

// Open 返回指定会话，不存在时创建
func (s *MemoryConversationStore) Open(_ context.Context, id, userID, bankCode string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok {
		return conv, nil
	}
	md := map[string]string{}
	if bankCode != "" {
		md[models.MetaBankCode] = bankCode
	}
	conv := models.NewConversationLog(id, userID, md)
	s.convs[id] = conv
	return conv, nil
}
