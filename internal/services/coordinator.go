package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"handoff/internal/models"
	"handoff/pkg/utils"
)

// CoordinatorDeps 协调器依赖，Relay、Dispatcher 与 Events 可选
type CoordinatorDeps struct {
	Tickets       TicketStore
	Conversations ConversationStore
	Relay         TicketRelay
	Dispatcher    *Dispatcher
	Events        EventPublisher
	Logger        *logrus.Logger
	StoreTimeout  time.Duration
}

// SupportCoordinator 负责工单生命周期
// 每次状态变更按工单串行执行，保存成功后才通知会话、实时中继和事件发布器
type SupportCoordinator struct {
	tickets       TicketStore
	conversations ConversationStore
	relay         TicketRelay
	dispatcher    *Dispatcher
	events        EventPublisher
	logger        *logrus.Logger
	storeTimeout  time.Duration

	locks     keyedMutex
	convLocks keyedMutex
	now   func() time.Time
}

func NewSupportCoordinator(deps CoordinatorDeps) *SupportCoordinator {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	if deps.StoreTimeout <= 0 {
		deps.StoreTimeout = 5 * time.Second
	}
	return &SupportCoordinator{
		tickets:       deps.Tickets,
		conversations: deps.Conversations,
		relay:         deps.Relay,
		dispatcher:    deps.Dispatcher,
		events:        deps.Events,
		logger:        deps.Logger,
		storeTimeout:  deps.StoreTimeout,
		now:           time.Now,
	}
}

// CreateTicket 为会话创建待处理工单，追加转人工提示并通知客服
func (c *SupportCoordinator) CreateTicket(ctx context.Context, conv models.Conversation, userID string, reason models.EscalationReason) (*models.Ticket, error) {
	if conv == nil || conv.ID() == "" {
		return nil, fmt.Errorf("%w: conversation", ErrMissingID)
	}
	if userID == "" {
		userID = conv.UserID()
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user", ErrMissingID)
	}

	priority := reason.BasePriority()
	if len(conv.Turns()) > 10 {
		priority++
	}

	ticket, err := models.NewTicket(models.NewTicketParams{
		ID:             uuid.NewString(),
		ConversationID: conv.ID(),
		UserID:         userID,
		BankCode:       conv.Metadata()[models.MetaBankCode],
		Reason:         reason,
		Priority:       priority,
		CreatedAt:      c.now(),
	})
	if err != nil {
		return nil, err
	}

	sctx, cancel := c.storeCtx(ctx)
	err = c.tickets.Save(sctx, ticket)
	cancel()
	if err != nil {
		c.logger.WithError(err).WithField("conversation_id", conv.ID()).Error("failed to save new ticket")
		return nil, fmt.Errorf("save ticket: %w", err)
	}

	notice := EscalationNotice(reason)
	c.appendTurn(ctx, conv, models.RoleSystem, notice, nil)
	c.appendTurn(ctx, conv, models.RoleAssistant, notice, nil)

	c.logger.WithFields(logrus.Fields{
		"ticket_id": ticket.ID(),
		"user_id":   userID,
		"reason":    reason,
		"priority":  ticket.Priority(),
	}).Info("ticket created")

	snapshot := ticket.Snapshot()
	if c.relay != nil {
		c.relay.AttachUser(userID, ticket.ID())
		c.dispatch(ticket.ID(), "ticket_created", func(context.Context) error {
			c.relay.NotifyTicketCreated(snapshot)
			return nil
		})
	}
	c.publish(ctx, newTicketEvent(TicketEventCreated, ticket.ID(), userID, map[string]any{
		"conversationId": conv.ID(),
		"reason":         reason,
		"priority":       ticket.Priority(),
		"bankCode":       ticket.BankCode(),
	}))
	return ticket, nil
}

// GetTicket 获取工单
func (c *SupportCoordinator) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("%w: ticket", ErrMissingID)
	}
	return c.load(ctx, ticketID)
}

// GetPending 待处理工单，按优先级从高到低，同优先级先创建的在前
func (c *SupportCoordinator) GetPending(ctx context.Context, bankCode string) []*models.Ticket {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	list, err := c.tickets.ListByState(sctx, models.TicketPending, bankCode)
	if err != nil {
		c.logger.WithError(err).Error("failed to list pending tickets")
		return []*models.Ticket{}
	}
	sortByPriority(list)
	return list
}

// GetAssignedTo 客服负责的工单，按优先级从高到低
func (c *SupportCoordinator) GetAssignedTo(ctx context.Context, agentID string) []*models.Ticket {
	if agentID == "" {
		return []*models.Ticket{}
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	list, err := c.tickets.ListByAgent(sctx, agentID)
	if err != nil {
		c.logger.WithError(err).WithField("agent_id", agentID).Error("failed to list agent tickets")
		return []*models.Ticket{}
	}
	owned := list[:0]
	for _, t := range list {
		if t.OwnedBy(agentID) {
			owned = append(owned, t)
		}
	}
	sortByPriority(owned)
	return owned
}

// GetByUser 用户的工单，最新的在前
func (c *SupportCoordinator) GetByUser(ctx context.Context, userID string) []*models.Ticket {
	if userID == "" {
		return []*models.Ticket{}
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	list, err := c.tickets.ListByUser(sctx, userID)
	if err != nil {
		c.logger.WithError(err).WithField("user_id", userID).Error("failed to list user tickets")
		return []*models.Ticket{}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt().After(list[j].CreatedAt())
	})
	return list
}

// LockConversation 串行处理同一会话的消息，并发消息最多创建一个工单
// 返回的函数用于释放锁
func (c *SupportCoordinator) LockConversation(conversationID string) func() {
	return c.convLocks.Lock(conversationID)
}

// OpenTicketFor 返回会话中未结的工单，用户仍在与机器人对话时返回 nil
func (c *SupportCoordinator) OpenTicketFor(ctx context.Context, conversationID, userID string) *models.Ticket {
	for _, t := range c.GetByUser(ctx, userID) {
		if t.ConversationID() != conversationID {
			continue
		}
		if t.State() == models.TicketPending || t.State().Owned() {
			return t
		}
	}
	return nil
}

// OwnedBy 判断 agentID 是否为工单当前负责人
func (c *SupportCoordinator) OwnedBy(ctx context.Context, ticketID, agentID string) bool {
	t, err := c.GetTicket(ctx, ticketID)
	if err != nil {
		return false
	}
	return t.OwnedBy(agentID)
}

func (c *SupportCoordinator) Assign(ctx context.Context, ticketID, agentID, agentName string) bool {
	return c.report("assign", ticketID, c.AssignTicket(ctx, ticketID, agentID, agentName))
}

// AssignTicket 将待处理工单分配给 agentID，重复分配给当前负责人直接成功
func (c *SupportCoordinator) AssignTicket(ctx context.Context, ticketID, agentID, agentName string) error {
	if ticketID == "" || agentID == "" {
		return fmt.Errorf("%w: ticket and agent", ErrMissingID)
	}
	agentName = trimmedName(agentName, agentID)
	t, changed, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		if t.OwnedBy(agentID) {
			return false, nil
		}
		return true, t.Assign(agentID, agentName, c.now())
	}, func(ctx context.Context, t *models.Ticket) {
		c.appendNotice(ctx, t, AssignedNotice(agentName))
	})
	if err != nil {
		return err
	}
	if changed {
		c.announceAssignment(ctx, t)
	}
	return nil
}

func (c *SupportCoordinator) StartChat(ctx context.Context, ticketID, agentID, agentName string) bool {
	return c.report("start chat", ticketID, c.StartTicketChat(ctx, ticketID, agentID, agentName))
}

// StartTicketChat 工单仍在队列中时先分配给 agentID，再进入人工对话
func (c *SupportCoordinator) StartTicketChat(ctx context.Context, ticketID, agentID, agentName string) error {
	if ticketID == "" || agentID == "" {
		return fmt.Errorf("%w: ticket and agent", ErrMissingID)
	}
	agentName = trimmedName(agentName, agentID)
	assigned := false
	t, _, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		if !t.OwnedBy(agentID) {
			if err := t.Assign(agentID, agentName, c.now()); err != nil {
				return false, err
			}
			assigned = true
		}
		if t.State() == models.TicketActive {
			return assigned, nil
		}
		return true, t.StartChat()
	}, func(ctx context.Context, t *models.Ticket) {
		if assigned {
			c.appendNotice(ctx, t, AssignedNotice(agentName))
		}
	})
	if err != nil {
		return err
	}
	if assigned {
		c.announceAssignment(ctx, t)
	} else if c.relay != nil {
		c.relay.AttachAgent(agentID, ticketID)
	}
	return nil
}

func (c *SupportCoordinator) Resolve(ctx context.Context, ticketID, notes string) bool {
	return c.report("resolve", ticketID, c.ResolveTicket(ctx, ticketID, notes))
}

func (c *SupportCoordinator) ResolveTicket(ctx context.Context, ticketID, notes string) error {
	var actor string
	t, _, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		actor = t.OwnerID()
		return true, t.Resolve(notes, c.now())
	}, func(ctx context.Context, t *models.Ticket) {
		c.appendNotice(ctx, t, ResolvedNotice())
	})
	if err != nil {
		return err
	}
	c.closeTopic(ticketID)
	c.publish(ctx, newTicketEvent(TicketEventResolved, ticketID, actor, map[string]any{"notes": t.Notes()}))
	return nil
}

func (c *SupportCoordinator) Close(ctx context.Context, ticketID string) bool {
	return c.report("close", ticketID, c.CloseTicket(ctx, ticketID))
}

// CloseTicket 任何状态都可关闭，不追加提示
func (c *SupportCoordinator) CloseTicket(ctx context.Context, ticketID string) error {
	var actor string
	_, changed, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		if t.State() == models.TicketClosed {
			return false, nil
		}
		actor = t.OwnerID()
		return true, t.Close(c.now())
	}, nil)
	if err != nil {
		return err
	}
	if changed {
		c.closeTopic(ticketID)
		c.publish(ctx, newTicketEvent(TicketEventClosed, ticketID, actor, nil))
	}
	return nil
}

func (c *SupportCoordinator) Unassign(ctx context.Context, ticketID string) bool {
	return c.report("unassign", ticketID, c.UnassignTicket(ctx, ticketID))
}

// UnassignTicket 释放负责人并重新排队
func (c *SupportCoordinator) UnassignTicket(ctx context.Context, ticketID string) error {
	var previous string
	_, _, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		previous = t.OwnerID()
		return true, t.Unassign()
	}, func(ctx context.Context, t *models.Ticket) {
		c.appendNotice(ctx, t, UnassignedNotice())
	})
	if err != nil {
		return err
	}
	c.publish(ctx, newTicketEvent(TicketEventUnassigned, ticketID, previous, nil))
	return nil
}

func (c *SupportCoordinator) Reopen(ctx context.Context, ticketID string) bool {
	return c.report("reopen", ticketID, c.ReopenTicket(ctx, ticketID))
}

// ReopenTicket 重新排队已解决或已关闭的工单，并重新关联用户连接
func (c *SupportCoordinator) ReopenTicket(ctx context.Context, ticketID string) error {
	t, _, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		return true, t.Reopen()
	}, func(ctx context.Context, t *models.Ticket) {
		c.appendNotice(ctx, t, ReopenedNotice())
	})
	if err != nil {
		return err
	}
	if c.relay != nil {
		c.relay.AttachUser(t.UserID(), ticketID)
	}
	c.publish(ctx, newTicketEvent(TicketEventReopened, ticketID, t.UserID(), nil))
	return nil
}

func (c *SupportCoordinator) SetPriority(ctx context.Context, ticketID string, priority int) bool {
	return c.report("set priority", ticketID, c.UpdatePriority(ctx, ticketID, priority))
}

// UpdatePriority 截断优先级后保存
func (c *SupportCoordinator) UpdatePriority(ctx context.Context, ticketID string, priority int) error {
	var before int
	t, changed, err := c.mutate(ctx, ticketID, func(t *models.Ticket) (bool, error) {
		before = t.Priority()
		t.SetPriority(priority)
		return t.Priority() != before, nil
	}, nil)
	if err != nil {
		return err
	}
	if changed {
		c.publish(ctx, newTicketEvent(TicketEventPriority, ticketID, "", map[string]any{
			"oldPriority": before,
			"newPriority": t.Priority(),
		}))
	}
	return nil
}

func (c *SupportCoordinator) SendMessage(ctx context.Context, ticketID, agentID, agentName, content string, isInternal bool) bool {
	_, err := c.PostMessage(ctx, ticketID, agentID, agentName, content, isInternal)
	return c.report("send message", ticketID, err)
}

// PostMessage 保存客服消息后交给实时中继
// 中继失败只记录日志，已保存的消息不回滚
func (c *SupportCoordinator) PostMessage(ctx context.Context, ticketID, agentID, agentName, content string, isInternal bool) (string, error) {
	if ticketID == "" || agentID == "" {
		return "", fmt.Errorf("%w: ticket and agent", ErrMissingID)
	}
	if err := utils.ValidateMessage(content); err != nil {
		return "", err
	}
	agentName = trimmedName(agentName, agentID)

	unlock := c.locks.Lock(ticketID)
	defer unlock()

	t, err := c.load(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if t.State() == models.TicketClosed {
		return "", ErrTicketClosed
	}

	sctx, cancel := c.storeCtx(ctx)
	msgID, err := c.tickets.AppendAgentMessage(sctx, ticketID, agentID, agentName, content, isInternal)
	cancel()
	if err != nil {
		return "", fmt.Errorf("store agent message: %w", err)
	}

	if !isInternal {
		if conv := c.conversation(ctx, t); conv != nil {
			c.appendTurn(ctx, conv, models.RoleAssistant, content, map[string]any{
				models.MetaFromAgent: true,
				models.MetaAgentID:   agentID,
				models.MetaAgentName: agentName,
				models.MetaMessageID: msgID,
			})
		}
	}

	msg := ChatMessage{
		MessageID:  msgID,
		TicketID:   ticketID,
		Content:    content,
		SenderID:   agentID,
		SenderName: agentName,
		SenderType: models.SenderAgent,
		IsInternal: isInternal,
		Timestamp:  c.now(),
	}
	c.broadcast(msg)
	c.publish(ctx, newTicketEvent(TicketEventMessageAdded, ticketID, agentID, map[string]any{
		"messageId":   msgID,
		"authorType":  models.SenderAgent,
		"isInternal":  isInternal,
		"bodyPreview": utils.Preview(content, 80),
	}))
	return msgID, nil
}

// PostUserMessage 将用户消息追加到工单会话并转发
// 只有工单所属用户可以发送，已关闭的工单拒绝新消息
func (c *SupportCoordinator) PostUserMessage(ctx context.Context, ticketID, userID, content string) (string, error) {
	if ticketID == "" || userID == "" {
		return "", fmt.Errorf("%w: ticket and user", ErrMissingID)
	}
	if err := utils.ValidateMessage(content); err != nil {
		return "", err
	}

	unlock := c.locks.Lock(ticketID)
	defer unlock()

	t, err := c.load(ctx, ticketID)
	if err != nil {
		return "", err
	}
	if t.UserID() != userID {
		return "", fmt.Errorf("%w: user %s is not on ticket %s", ErrNotOwner, userID, ticketID)
	}
	if t.State() == models.TicketClosed {
		return "", ErrTicketClosed
	}
	conv := c.conversation(ctx, t)
	if conv == nil {
		return "", fmt.Errorf("conversation %s unavailable", t.ConversationID())
	}

	msgID := uuid.NewString()
	if err := conv.AppendTurn(ctx, models.RoleUser, content, map[string]any{models.MetaMessageID: msgID}); err != nil {
		return "", fmt.Errorf("append user turn: %w", err)
	}

	c.broadcast(ChatMessage{
		MessageID:  msgID,
		TicketID:   ticketID,
		Content:    content,
		SenderID:   userID,
		SenderType: models.SenderUser,
		Timestamp:  c.now(),
	})
	c.publish(ctx, newTicketEvent(TicketEventMessageAdded, ticketID, userID, map[string]any{
		"messageId":   msgID,
		"authorType":  models.SenderUser,
		"bodyPreview": utils.Preview(content, 80),
	}))
	return msgID, nil
}

// TypingNotification 转发客服或用户的输入状态
func (c *SupportCoordinator) TypingNotification(ctx context.Context, ticketID, senderID string, senderType models.SenderType, isTyping bool) bool {
	return c.report("typing", ticketID, c.RelayTyping(ctx, ticketID, senderID, senderType, isTyping))
}

// RelayTyping 不保存
func (c *SupportCoordinator) RelayTyping(_ context.Context, ticketID, senderID string, senderType models.SenderType, isTyping bool) error {
	if ticketID == "" || senderID == "" {
		return fmt.Errorf("%w: ticket and sender", ErrMissingID)
	}
	if !senderType.Valid() {
		return ErrInvalidSender
	}
	if c.relay == nil {
		return nil
	}
	return c.dispatch(ticketID, "typing", func(context.Context) error {
		c.relay.BroadcastTyping(ticketID, senderID, senderType, isTyping)
		return nil
	})
}

func (c *SupportCoordinator) ReadReceipts(ctx context.Context, ticketID string, messageIDs []string, readerID string) bool {
	return c.report("read receipts", ticketID, c.RelayReadReceipts(ctx, ticketID, messageIDs, readerID))
}

// RelayReadReceipts 不保存
func (c *SupportCoordinator) RelayReadReceipts(_ context.Context, ticketID string, messageIDs []string, readerID string) error {
	if ticketID == "" || readerID == "" {
		return fmt.Errorf("%w: ticket and reader", ErrMissingID)
	}
	ids := utils.CompactIDs(messageIDs)
	if len(ids) == 0 {
		return ErrEmptyReceipts
	}
	if c.relay == nil {
		return nil
	}
	return c.dispatch(ticketID, "read_receipts", func(context.Context) error {
		c.relay.BroadcastReadReceipts(ticketID, ids, readerID)
		return nil
	})
}

// GetMessages 合并客服消息与会话中的用户和客服消息，按时间正序
// 只有显式要求时才包含内部消息
func (c *SupportCoordinator) GetMessages(ctx context.Context, ticketID string, includeInternal bool) ([]models.TicketMessage, error) {
	t, err := c.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := c.storeCtx(ctx)
	stored, err := c.tickets.ListAgentMessages(sctx, ticketID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list agent messages: %w", err)
	}

	seen := make(map[string]struct{}, len(stored))
	out := make([]models.TicketMessage, 0, len(stored))
	for _, m := range stored {
		if m.IsInternal && !includeInternal {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, models.TicketMessage{
			ID:         m.ID,
			SenderID:   m.AgentID,
			SenderName: m.AgentName,
			SenderType: models.SenderAgent,
			Content:    m.Content,
			IsInternal: m.IsInternal,
			Timestamp:  m.Timestamp,
		})
	}

	if conv := c.conversation(ctx, t); conv != nil {
		for _, turn := range conv.Turns() {
			id, _ := turn.Metadata[models.MetaMessageID].(string)
			if id == "" {
				id = turn.ID
			}
			if _, dup := seen[id]; dup {
				continue
			}
			switch {
			case turn.Role == models.RoleUser:
				out = append(out, models.TicketMessage{
					ID:         id,
					SenderID:   t.UserID(),
					SenderType: models.SenderUser,
					Content:    turn.Content,
					Timestamp:  turn.Timestamp,
				})
			case turn.Role == models.RoleAssistant && turn.FromAgent():
				agentID, _ := turn.Metadata[models.MetaAgentID].(string)
				agentName, _ := turn.Metadata[models.MetaAgentName].(string)
				out = append(out, models.TicketMessage{
					ID:         id,
					SenderID:   agentID,
					SenderName: agentName,
					SenderType: models.SenderAgent,
					Content:    turn.Content,
					Timestamp:  turn.Timestamp,
				})
			default:
				continue
			}
			seen[id] = struct{}{}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SupportStats 按状态统计工单
type SupportStats struct {
	BankCode string                     `json:"bank_code,omitempty"`
	ByState  map[models.TicketState]int `json:"by_state"`
	Total    int                        `json:"total"`
	Open     int                        `json:"open"`
}

func (c *SupportCoordinator) Stats(ctx context.Context, bankCode string) (SupportStats, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	counts, err := c.tickets.CountByState(sctx, bankCode)
	if err != nil {
		return SupportStats{}, fmt.Errorf("count tickets: %w", err)
	}
	st := SupportStats{BankCode: bankCode, ByState: make(map[models.TicketState]int, len(models.AllTicketStates))}
	for _, s := range models.AllTicketStates {
		n := counts[s]
		st.ByState[s] = n
		st.Total += n
		if s == models.TicketPending || s.Owned() {
			st.Open += n
		}
	}
	return st, nil
}

// mutate 持有工单锁，在副本上执行 fn，fn 报告有变更时保存副本
// 保存成功后仍在锁内执行 after
func (c *SupportCoordinator) mutate(
	ctx context.Context,
	ticketID string,
	fn func(t *models.Ticket) (bool, error),
	after func(ctx context.Context, t *models.Ticket),
) (*models.Ticket, bool, error) {
	if ticketID == "" {
		return nil, false, fmt.Errorf("%w: ticket", ErrMissingID)
	}
	unlock := c.locks.Lock(ticketID)
	defer unlock()

	current, err := c.load(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	next := current.Clone()
	changed, err := fn(next)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return current, false, nil
	}

	sctx, cancel := c.storeCtx(ctx)
	err = c.tickets.Save(sctx, next)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("save ticket %s: %w", ticketID, err)
	}
	if after != nil {
		after(ctx, next)
	}
	return next, true, nil
}

func (c *SupportCoordinator) load(ctx context.Context, ticketID string) (*models.Ticket, error) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	t, err := c.tickets.Get(sctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	if t == nil {
		return nil, ErrTicketNotFound
	}
	return t, nil
}

func (c *SupportCoordinator) conversation(ctx context.Context, t *models.Ticket) models.Conversation {
	if c.conversations == nil {
		return nil
	}
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	conv, err := c.conversations.Load(sctx, t.ConversationID())
	if err != nil || conv == nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"ticket_id":       t.ID(),
			"conversation_id": t.ConversationID(),
		}).Warn("conversation unavailable")
		return nil
	}
	return conv
}

// appendNotice 向工单会话追加面向用户的提示，失败只记录日志
func (c *SupportCoordinator) appendNotice(ctx context.Context, t *models.Ticket, text string) {
	if conv := c.conversation(ctx, t); conv != nil {
		c.appendTurn(ctx, conv, models.RoleAssistant, text, nil)
	}
}

func (c *SupportCoordinator) appendTurn(ctx context.Context, conv models.Conversation, role models.Role, content string, metadata map[string]any) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := conv.AppendTurn(sctx, role, content, metadata); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conv.ID(),
			"role":            role,
		}).Warn("failed to append conversation turn")
	}
}

func (c *SupportCoordinator) announceAssignment(ctx context.Context, t *models.Ticket) {
	snapshot := t.Snapshot()
	if c.relay != nil {
		c.relay.AttachAgent(snapshot.AgentID, snapshot.ID)
		c.dispatch(snapshot.ID, "ticket_assigned", func(context.Context) error {
			c.relay.NotifyTicketAssigned(snapshot)
			return nil
		})
	}
	c.logger.WithFields(logrus.Fields{"ticket_id": snapshot.ID, "agent_id": snapshot.AgentID}).Info("ticket assigned")
	c.publish(ctx, newTicketEvent(TicketEventAssigned, snapshot.ID, snapshot.AgentID, map[string]any{
		"agentName": snapshot.AgentName,
		"state":     snapshot.State,
	}))
}

func (c *SupportCoordinator) broadcast(msg ChatMessage) {
	if c.relay == nil {
		return
	}
	err := c.dispatch(msg.TicketID, "chat_message", func(context.Context) error {
		c.relay.Broadcast(msg)
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"ticket_id":  msg.TicketID,
			"message_id": msg.MessageID,
		}).Warn("message stored but not broadcast")
	}
}

// closeTopic 等该工单排队的投递发完后再清除中继订阅
func (c *SupportCoordinator) closeTopic(ticketID string) {
	if c.relay == nil {
		return
	}
	c.dispatch(ticketID, "close_topic", func(context.Context) error {
		c.relay.CloseTicket(ticketID)
		return nil
	})
}

// dispatch 将 fn 放入工单的队列，没有调度器时直接执行
func (c *SupportCoordinator) dispatch(ticketID, name string, fn func(context.Context) error) error {
	if c.dispatcher == nil {
		return fn(context.Background())
	}
	err := c.dispatcher.Submit(DispatchTask{Key: ticketID, Name: name, Run: fn})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"ticket_id": ticketID, "task": name}).Warn("relay dispatch rejected")
	}
	return err
}

func (c *SupportCoordinator) publish(ctx context.Context, ev TicketEvent) {
	pctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.events.Publish(pctx, ev); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{"type": ev.Type, "ticket_id": ev.TicketID}).Warn("ticket event publish failed")
	}
}

func (c *SupportCoordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.storeTimeout)
}

// report 将操作错误转换为布尔结果，预期内的业务错误不按 error 级别记录
func (c *SupportCoordinator) report(op, ticketID string, err error) bool {
	if err == nil {
		return true
	}
	entry := c.logger.WithError(err).WithFields(logrus.Fields{"op": op, "ticket_id": ticketID})
	switch {
	case IsValidationError(err), IsConflict(err), errors.Is(err, ErrTicketNotFound):
		entry.Info("support operation rejected")
	default:
		entry.Error("support operation failed")
	}
	return false
}

func sortByPriority(list []*models.Ticket) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority() != list[j].Priority() {
			return list[i].Priority() > list[j].Priority()
		}
		return list[i].CreatedAt().Before(list[j].CreatedAt())
	})
}

// trimmedName 客服没有显示名时使用 id
func trimmedName(name, id string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return id
}
