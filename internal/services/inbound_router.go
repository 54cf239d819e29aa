package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"handoff/internal/models"
)

// InboundRouter 处理客户端上行帧
// 订阅直接交给中继，聊天、输入状态和已读回执经协调器校验，聊天消息会保存。
// 发送者角色取自连接的工单订阅，不信任帧内字段
type InboundRouter struct {
	relay       *Relay
	coordinator *SupportCoordinator
	logger      *logrus.Logger
}

// NewInboundRouter 创建路由器，coordinator 为 nil 时聊天消息只转发不保存
func NewInboundRouter(relay *Relay, coordinator *SupportCoordinator, logger *logrus.Logger) *InboundRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &InboundRouter{relay: relay, coordinator: coordinator, logger: logger}
}

func (r *InboundRouter) HandleFrame(ctx context.Context, connID string, f models.InboundFrame) error {
	r.logger.WithFields(logrus.Fields{"conn_id": connID, "type": f.Type, "ticket_id": f.TicketID}).Debug("inbound frame")
	switch f.Type {
	case models.FrameSubscribeTicket:
		role := f.Role
		if role == "" {
			role = models.SenderUser
		}
		return r.relay.SubscribeTicket(connID, f.TicketID, role)
	case models.FrameSubscribeAgent:
		return r.relay.SubscribeAgent(connID, f.AgentID)
	case models.FrameSubscribeUser:
		return r.relay.SubscribeUser(connID, f.UserID)
	case models.FrameChatMessage:
		return r.chat(ctx, connID, f)
	case models.FrameTyping:
		role, err := r.roleOn(connID, f.TicketID)
		if err != nil {
			return err
		}
		if r.coordinator == nil {
			r.relay.BroadcastTyping(f.TicketID, f.SenderID, role, f.IsTyping)
			return nil
		}
		return r.coordinator.RelayTyping(ctx, f.TicketID, f.SenderID, role, f.IsTyping)
	case models.FrameReadReceipts:
		if _, err := r.roleOn(connID, f.TicketID); err != nil {
			return err
		}
		if r.coordinator == nil {
			r.relay.BroadcastReadReceipts(f.TicketID, f.MessageIDs, f.ReaderID)
			return nil
		}
		return r.coordinator.RelayReadReceipts(ctx, f.TicketID, f.MessageIDs, f.ReaderID)
	case "":
		return errors.New("message type is required")
	}
	return fmt.Errorf("unsupported message type: %s", f.Type)
}

func (r *InboundRouter) chat(ctx context.Context, connID string, f models.InboundFrame) error {
	role, err := r.roleOn(connID, f.TicketID)
	if err != nil {
		return err
	}
	if f.IsInternal && role != models.SenderAgent {
		return errors.New("only agents can post internal messages")
	}

	if r.coordinator == nil {
		r.relay.Broadcast(ChatMessage{
			TicketID:   f.TicketID,
			Content:    f.Content,
			SenderID:   f.SenderID,
			SenderName: f.SenderName,
			SenderType: role,
			IsInternal: f.IsInternal,
		})
		return nil
	}

	if role == models.SenderAgent {
		if !r.coordinator.OwnedBy(ctx, f.TicketID, f.SenderID) && !f.IsInternal {
			return ErrNotOwner
		}
		_, err = r.coordinator.PostMessage(ctx, f.TicketID, f.SenderID, f.SenderName, f.Content, f.IsInternal)
		return err
	}
	_, err = r.coordinator.PostUserMessage(ctx, f.TicketID, f.SenderID, f.Content)
	return err
}

func (r *InboundRouter) roleOn(connID, ticketID string) (models.SenderType, error) {
	if ticketID == "" {
		return "", fmt.Errorf("%w: ticket", ErrMissingID)
	}
	role, ok := r.relay.RoleOf(connID, ticketID)
	if !ok {
		return "", fmt.Errorf("not subscribed to ticket %s", ticketID)
	}
	return role, nil
}
