package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"handoff/internal/models"
)

// ConversationRecord 会话表
type ConversationRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:64;index;not null"`
	BankCode  string `gorm:"size:32;index"`
	CreatedAt time.Time
}

func (ConversationRecord) TableName() string { return "conversations" }

// TurnRecord 会话消息表，Metadata 为 JSON 对象
type TurnRecord struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;index;not null"`
	Position       int       `gorm:"not null"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:text"`
	Metadata       string    `gorm:"type:text"`
	Timestamp      time.Time `gorm:"index"`
}

func (TurnRecord) TableName() string { return "conversation_turns" }

// GormConversationStore 会话存储，追加的消息先写入数据库再可见
type GormConversationStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormConversationStore(db *gorm.DB) *GormConversationStore {
	return &GormConversationStore{db: db, now: time.Now}
}

func (s *GormConversationStore) Load(ctx context.Context, id string) (models.Conversation, error) {
	var rec ConversationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	conv, err := s.hydrate(ctx, rec)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Open 返回指定会话，不存在时创建
func (s *GormConversationStore) Open(ctx context.Context, id, userID, bankCode string) (models.Conversation, error) {
	var rec ConversationRecord
	err := s.db.WithContext(ctx).
		Where(ConversationRecord{ID: id}).
		Attrs(ConversationRecord{UserID: userID, BankCode: bankCode, CreatedAt: s.now()}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation %s: %w", id, err)
	}
	conv, err := s.hydrate(ctx, rec)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *GormConversationStore) hydrate(ctx context.Context, rec ConversationRecord) (*gormConversation, error) {
	var rows []TurnRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", rec.ID).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load turns for %s: %w", rec.ID, err)
	}
	turns := make([]models.Turn, 0, len(rows))
	for _, r := range rows {
		turn := models.Turn{
			ID:        r.ID,
			Role:      models.Role(r.Role),
			Content:   r.Content,
			Timestamp: r.Timestamp,
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &turn.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of turn %s: %w", r.ID, err)
			}
		}
		turns = append(turns, turn)
	}
	return &gormConversation{store: s, rec: rec, turns: turns}, nil
}

type gormConversation struct {
	store *GormConversationStore
	rec   ConversationRecord

	mu    sync.RWMutex
	turns []models.Turn
}

func (c *gormConversation) ID() string { return c.rec.ID }
func (c *gormConversation) UserID() string { return c.rec.UserID }

func (c *gormConversation) Metadata() map[string]string {
	md := map[string]string{}
	if c.rec.BankCode != "" {
		md[models.MetaBankCode] = c.rec.BankCode
	}
	return md
}

func (c *gormConversation) Turns() []models.Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *gormConversation) AppendTurn(ctx context.Context, role models.Role, content string, metadata map[string]any) error {
	turn := models.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: c.store.now(),
		Metadata:  metadata,
	}
	row := TurnRecord{
		ID:             turn.ID,
		ConversationID: c.rec.ID,
		Role:           string(role),
		Content:        content,
		Timestamp:      turn.Timestamp,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode turn metadata: %w", err)
		}
		row.Metadata = string(raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	row.Position = len(c.turns)
	if err := c.store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append turn to %s: %w", c.rec.ID, err)
	}
	c.turns = append(c.turns, turn)
	return nil
}
