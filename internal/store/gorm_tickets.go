package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"handoff/internal/models"
)

// TicketRecord 工单表
type TicketRecord struct {
	ID             string  `gorm:"primaryKey;size:64"`
	ConversationID string  `gorm:"size:64;index;not null"`
	UserID         string  `gorm:"size:64;index;not null"`
	BankCode       string  `gorm:"size:32;index"`
	State          string  `gorm:"size:16;index;not null"`
	Reason         string  `gorm:"size:32;not null"`
	Priority       int     `gorm:"not null;default:2"`
	AgentID        *string `gorm:"size:64;index"`
	AgentName      *string `gorm:"size:128"`
	AssignedAt     *time.Time
	ResolvedAt     *time.Time
	ClosedAt       *time.Time
	Notes          string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

func (TicketRecord) TableName() string { return "support_tickets" }

// AgentMessageRecord 客服消息表
type AgentMessageRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	TicketID   string    `gorm:"size:64;index;not null"`
	AgentID    string    `gorm:"size:64;not null"`
	AgentName  string    `gorm:"size:128"`
	Content    string    `gorm:"type:text;not null"`
	IsInternal bool      `gorm:"not null;default:false"`
	Timestamp  time.Time `gorm:"index"`
}

func (AgentMessageRecord) TableName() string { return "agent_messages" }

func ticketRecordFrom(t *models.Ticket) TicketRecord {
	s := t.Snapshot()
	return TicketRecord{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		BankCode:       s.BankCode,
		State:          string(s.State),
		Reason:         string(s.Reason),
		Priority:       s.Priority,
		AgentID:        nullable(s.AgentID),
		AgentName:      nullable(s.AgentName),
		AssignedAt:     s.AssignedAt,
		ResolvedAt:     s.ResolvedAt,
		ClosedAt:       s.ClosedAt,
		Notes:          s.Notes,
		CreatedAt:      s.CreatedAt,
	}
}

func (r TicketRecord) ticket() (*models.Ticket, error) {
	return models.RestoreTicket(models.TicketSnapshot{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		BankCode:       r.BankCode,
		State:          models.TicketState(r.State),
		Reason:         models.EscalationReason(r.Reason),
		Priority:       r.Priority,
		AgentID:        deref(r.AgentID),
		AgentName:      deref(r.AgentName),
		AssignedAt:     r.AssignedAt,
		ResolvedAt:     r.ResolvedAt,
		ClosedAt:       r.ClosedAt,
		Notes:          r.Notes,
		CreatedAt:      r.CreatedAt,
	})
}

// GormTicketStore 基于 gorm 的工单存储
type GormTicketStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormTicketStore(db *gorm.DB) *GormTicketStore {
	return &GormTicketStore{db: db, now: time.Now}
}

// Save 插入或更新工单
// 写入有负责人的工单时，只有库中记录仍为待处理或属于同一客服才会成功，
// 多个实例共用一张表时不会重复分配
func (s *GormTicketStore) Save(ctx context.Context, ticket *models.Ticket) error {
	rec := ticketRecordFrom(ticket)
	if ticket.State().Owned() {
		done, err := s.saveOwned(ctx, rec)
		if err != nil || done {
			return err
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save ticket %s: %w", rec.ID, err)
	}
	return nil
}

// saveOwned 记录不存在时返回 done=false
func (s *GormTicketStore) saveOwned(ctx context.Context, rec TicketRecord) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TicketRecord{}).
		Where("id = ? AND (state = ? OR agent_id = ?)", rec.ID, string(models.TicketPending), deref(rec.AgentID)).
		Select("*").Omit("created_at").
		Updates(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("failed to save ticket %s: %w", rec.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&TicketRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check ticket %s: %w", rec.ID, err)
	}
	if n > 0 {
		return false, fmt.Errorf("failed to save ticket %s: %w", rec.ID, models.ErrAlreadyAssigned)
	}
	return false, nil
}

func (s *GormTicketStore) Get(ctx context.Context, id string) (*models.Ticket, error) {
	var rec TicketRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return rec.ticket()
}

func (s *GormTicketStore) ListByState(ctx context.Context, state models.TicketState, bankCode string) ([]*models.Ticket, error) {
	query := s.db.WithContext(ctx).Model(&TicketRecord{}).Where("state = ?", string(state))
	if bankCode != "" {
		query = query.Where("bank_code = ?", bankCode)
	}
	return s.list(query.Order("priority DESC, created_at ASC"))
}

func (s *GormTicketStore) ListByAgent(ctx context.Context, agentID string) ([]*models.Ticket, error) {
	owned := []string{string(models.TicketAssigned), string(models.TicketActive)}
	query := s.db.WithContext(ctx).Model(&TicketRecord{}).
		Where("agent_id = ? AND state IN ?", agentID, owned).
		Order("priority DESC, created_at ASC")
	return s.list(query)
}

func (s *GormTicketStore) ListByUser(ctx context.Context, userID string) ([]*models.Ticket, error) {
	query := s.db.WithContext(ctx).Model(&TicketRecord{}).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	return s.list(query)
}

func (s *GormTicketStore) list(query *gorm.DB) ([]*models.Ticket, error) {
	var recs []TicketRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	out := make([]*models.Ticket, 0, len(recs))
	for _, rec := range recs {
		t, err := rec.ticket()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *GormTicketStore) AppendAgentMessage(ctx context.Context, ticketID, agentID, agentName, content string, isInternal bool) (string, error) {
	rec := AgentMessageRecord{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		AgentID:    agentID,
		AgentName:  agentName,
		Content:    content,
		IsInternal: isInternal,
		Timestamp:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("failed to store agent message: %w", err)
	}
	return rec.ID, nil
}

func (s *GormTicketStore) ListAgentMessages(ctx context.Context, ticketID string) ([]models.AgentMessage, error) {
	var recs []AgentMessageRecord
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("timestamp ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list agent messages: %w", err)
	}
	out := make([]models.AgentMessage, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.AgentMessage{
			ID:         r.ID,
			TicketID:   r.TicketID,
			AgentID:    r.AgentID,
			AgentName:  r.AgentName,
			Content:    r.Content,
			IsInternal: r.IsInternal,
			Timestamp:  r.Timestamp,
		})
	}
	return out, nil
}

func (s *GormTicketStore) CountByState(ctx context.Context, bankCode string) (map[models.TicketState]int, error) {
	var rows []struct {
		State string
		Count int
	}
	query := s.db.WithContext(ctx).Model(&TicketRecord{})
	if bankCode != "" {
		query = query.Where("bank_code = ?", bankCode)
	}
	if err := query.Select("state, COUNT(*) as count").Group("state").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	counts := make(map[models.TicketState]int, len(rows))
	for _, r := range rows {
		counts[models.TicketState(r.State)] = r.Count
	}
	return counts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
