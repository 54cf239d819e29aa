package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"handoff/internal/models"
	"handoff/internal/services"
	"handoff/pkg/utils"
)

// ConversationSource 会话来源，Open 在会话不存在时创建
type ConversationSource interface {
	Load(ctx context.Context, id string) (models.Conversation, error)
	Open(ctx context.Context, id, userID, bankCode string) (models.Conversation, error)
}

// ConversationHandler 用户侧消息入口
// 记录用户消息，检查是否需要升级，并将会话转交人工客服
type ConversationHandler struct {
	conversations ConversationSource
	detector      *services.EscalationDetector
	coordinator   *services.SupportCoordinator
	logger        *logrus.Logger
}

func NewConversationHandler(
	conversations ConversationSource,
	detector *services.EscalationDetector,
	coordinator *services.SupportCoordinator,
	logger *logrus.Logger,
) *ConversationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConversationHandler{
		conversations: conversations,
		detector:      detector,
		coordinator:   coordinator,
		logger:        logger,
	}
}

type userMessageRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	BankCode string `json:"bank_code"`
	Content  string `json:"content"`
}

type checkRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message" binding:"required"`
}

// PostMessage 提交用户消息
// POST /api/v1/conversations/:id/messages
// 已有未结工单的会话直接转给客服，否则结合之前的历史判断是否创建工单
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req userMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := utils.ValidateMessage(req.Content); err != nil {
		respondError(c, "Invalid message", err)
		return
	}
	ctx := c.Request.Context()
	convID := c.Param("id")

	conv, err := h.conversations.Open(ctx, convID, req.UserID, req.BankCode)
	if err != nil {
		h.logger.WithError(err).WithField("conversation_id", convID).Error("failed to open conversation")
		respondError(c, "Failed to open conversation", err)
		return
	}
	if conv.UserID() != req.UserID {
		respondError(c, "Access denied", services.ErrNotOwner)
		return
	}

	unlock := h.coordinator.LockConversation(convID)
	defer unlock()
	if open := h.coordinator.OpenTicketFor(ctx, convID, req.UserID); open != nil {
		msgID, err := h.coordinator.PostUserMessage(ctx, open.ID(), req.UserID, req.Content)
		if err != nil {
			respondError(c, "Failed to deliver message", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"escalated":  true,
			"message_id": msgID,
			"data":       open,
		})
		return
	}

	escalate, reason := h.detector.Check(req.Content, conv)
	if err := conv.AppendTurn(ctx, models.RoleUser, req.Content, nil); err != nil {
		respondError(c, "Failed to store message", err)
		return
	}
	if !escalate {
		c.JSON(http.StatusOK, gin.H{"success": true, "escalated": false})
		return
	}

	ticket, err := h.coordinator.CreateTicket(ctx, conv, req.UserID, reason)
	if err != nil {
		respondError(c, "Failed to create ticket", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success":   true,
		"escalated": true,
		"reason":    reason,
		"notice":    services.EscalationNotice(reason),
		"data":      ticket,
	})
}

// Check 检查消息是否需要升级，不记录消息
// POST /api/v1/escalations/check
func (h *ConversationHandler) Check(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var conv models.Conversation
	if req.ConversationID != "" {
		loaded, err := h.conversations.Load(c.Request.Context(), req.ConversationID)
		if err != nil {
			respondError(c, "Failed to load conversation", err)
			return
		}
		conv = loaded
	}
	escalate, reason := h.detector.Check(req.Message, conv)
	resp := gin.H{"success": true, "escalate": escalate}
	if escalate {
		resp["reason"] = reason
		resp["priority"] = reason.BasePriority()
	}
	c.JSON(http.StatusOK, resp)
}

// CreateTicket 客服主动将会话转入人工
// POST /api/v1/conversations/:id/escalate
func (h *ConversationHandler) CreateTicket(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := h.conversations.Load(ctx, c.Param("id"))
	if err != nil {
		respondError(c, "Failed to load conversation", err)
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Conversation not found", Message: c.Param("id"), Code: http.StatusNotFound})
		return
	}
	unlock := h.coordinator.LockConversation(conv.ID())
	defer unlock()
	if open := h.coordinator.OpenTicketFor(ctx, conv.ID(), conv.UserID()); open != nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": open, "message": "conversation already escalated"})
		return
	}
	reason := models.ReasonAgentDecision
	if c.Query("reason") == string(models.ReasonComplexQuery) {
		reason = models.ReasonComplexQuery
	}
	ticket, err := h.coordinator.CreateTicket(ctx, conv, conv.UserID(), reason)
	if err != nil {
		respondError(c, "Failed to create ticket", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": ticket})
}

func RegisterConversationRoutes(r *gin.RouterGroup, handler *ConversationHandler) {
	r.POST("/escalations/check", handler.Check)
	conversations := r.Group("/conversations")
	{
		conversations.POST("/:id/messages", handler.PostMessage)
		conversations.POST("/:id/escalate", handler.CreateTicket)
	}
}
