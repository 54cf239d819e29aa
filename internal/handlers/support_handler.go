package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"handoff/internal/models"
	"handoff/internal/services"
)

// SupportHandler 客服后台接口处理器
type SupportHandler struct {
	coordinator *services.SupportCoordinator
	logger      *logrus.Logger
}

func NewSupportHandler(coordinator *services.SupportCoordinator, logger *logrus.Logger) *SupportHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &SupportHandler{coordinator: coordinator, logger: logger}
}

type agentRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

type priorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

type messageRequest struct {
	AgentID    string `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	Content    string `json:"content"`
	IsInternal bool   `json:"is_internal"`
}

type typingRequest struct {
	AgentID  string `json:"agent_id"`
	IsTyping bool   `json:"is_typing"`
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
	ReaderID   string   `json:"reader_id"`
}

// ListPending 获取待处理工单
// GET /api/v1/support/tickets/pending?bank_code=&limit=
// total 为整个队列的数量，不受 limit 影响
func (h *SupportHandler) ListPending(c *gin.Context) {
	tickets := h.coordinator.GetPending(c.Request.Context(), c.Query("bank_code"))
	total := len(tickets)
	if limit := parseLimit(c, 0); limit > 0 && limit < total {
		tickets = tickets[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": tickets, "total": total})
}

// ListAssigned 获取当前客服负责的工单
// GET /api/v1/support/tickets/assigned
func (h *SupportHandler) ListAssigned(c *gin.Context) {
	agentID, _ := agentIdentity(c, c.Query("agent_id"), "")
	if agentID == "" {
		badRequest(c, "agent id is required")
		return
	}
	tickets := h.coordinator.GetAssignedTo(c.Request.Context(), agentID)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": tickets, "total": len(tickets)})
}

// ListByUser 获取用户的工单
// GET /api/v1/support/tickets/user/:userId
func (h *SupportHandler) ListByUser(c *gin.Context) {
	tickets := h.coordinator.GetByUser(c.Request.Context(), c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{"success": true, "data": tickets, "total": len(tickets)})
}

// GetTicket 获取工单详情
// GET /api/v1/support/tickets/:id
func (h *SupportHandler) GetTicket(c *gin.Context) {
	ticket, err := h.coordinator.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get ticket", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": ticket})
}

// GetMessages 获取工单消息
// GET /api/v1/support/tickets/:id/messages?include_internal=true
// 内部备注只返回给已识别的客服
func (h *SupportHandler) GetMessages(c *gin.Context) {
	agentID, _ := agentIdentity(c, "", "")
	includeInternal := agentID != "" && c.Query("include_internal") == "true"

	msgs, err := h.coordinator.GetMessages(c.Request.Context(), c.Param("id"), includeInternal)
	if err != nil {
		respondError(c, "Failed to get messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msgs, "total": len(msgs)})
}

// Assign 分配工单
// POST /api/v1/support/tickets/:id/assign
func (h *SupportHandler) Assign(c *gin.Context) {
	var req agentRequest
	_ = c.ShouldBindJSON(&req)
	agentID, agentName := agentIdentity(c, req.AgentID, req.AgentName)
	if agentID == "" {
		badRequest(c, "agent id is required")
		return
	}
	if err := h.coordinator.AssignTicket(c.Request.Context(), c.Param("id"), agentID, agentName); err != nil {
		respondError(c, "Failed to assign ticket", err)
		return
	}
	h.respondTicket(c, "ticket assigned")
}

// StartChat 开始人工对话
// POST /api/v1/support/tickets/:id/start
func (h *SupportHandler) StartChat(c *gin.Context) {
	var req agentRequest
	_ = c.ShouldBindJSON(&req)
	agentID, agentName := agentIdentity(c, req.AgentID, req.AgentName)
	if agentID == "" {
		badRequest(c, "agent id is required")
		return
	}
	if err := h.coordinator.StartTicketChat(c.Request.Context(), c.Param("id"), agentID, agentName); err != nil {
		respondError(c, "Failed to start chat", err)
		return
	}
	h.respondTicket(c, "chat started")
}

// Resolve 解决工单
// POST /api/v1/support/tickets/:id/resolve
func (h *SupportHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	_ = c.ShouldBindJSON(&req)
	if err := h.coordinator.ResolveTicket(c.Request.Context(), c.Param("id"), req.Notes); err != nil {
		respondError(c, "Failed to resolve ticket", err)
		return
	}
	h.respondTicket(c, "ticket resolved")
}

// Close 关闭工单
// POST /api/v1/support/tickets/:id/close
func (h *SupportHandler) Close(c *gin.Context) {
	if err := h.coordinator.CloseTicket(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Failed to close ticket", err)
		return
	}
	h.respondTicket(c, "ticket closed")
}

// Unassign 取消分配
// POST /api/v1/support/tickets/:id/unassign
func (h *SupportHandler) Unassign(c *gin.Context) {
	if err := h.coordinator.UnassignTicket(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Failed to unassign ticket", err)
		return
	}
	h.respondTicket(c, "ticket unassigned")
}

// Reopen 重新打开工单
// POST /api/v1/support/tickets/:id/reopen
func (h *SupportHandler) Reopen(c *gin.Context) {
	if err := h.coordinator.ReopenTicket(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "Failed to reopen ticket", err)
		return
	}
	h.respondTicket(c, "ticket reopened")
}

// SetPriority 设置优先级
// POST /api/v1/support/tickets/:id/priority
func (h *SupportHandler) SetPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.coordinator.UpdatePriority(c.Request.Context(), c.Param("id"), *req.Priority); err != nil {
		respondError(c, "Failed to update priority", err)
		return
	}
	h.respondTicket(c, "priority updated")
}

// PostMessage 发送客服消息
// POST /api/v1/support/tickets/:id/messages
// 只有负责客服能给用户发消息，任何客服都可以留内部备注
func (h *SupportHandler) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	agentID, agentName := agentIdentity(c, req.AgentID, req.AgentName)
	if agentID == "" {
		badRequest(c, "agent id is required")
		return
	}
	ctx := c.Request.Context()
	ticketID := c.Param("id")
	if !req.IsInternal && !h.coordinator.OwnedBy(ctx, ticketID, agentID) {
		if _, err := h.coordinator.GetTicket(ctx, ticketID); err != nil {
			respondError(c, "Failed to send message", err)
			return
		}
		respondError(c, "Failed to send message", services.ErrNotOwner)
		return
	}

	msgID, err := h.coordinator.PostMessage(ctx, ticketID, agentID, agentName, req.Content, req.IsInternal)
	if err != nil {
		respondError(c, "Failed to send message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"message_id": msgID}})
}

// Typing 输入状态
// POST /api/v1/support/tickets/:id/typing
func (h *SupportHandler) Typing(c *gin.Context) {
	var req typingRequest
	_ = c.ShouldBindJSON(&req)
	agentID, _ := agentIdentity(c, req.AgentID, "")
	err := h.coordinator.RelayTyping(c.Request.Context(), c.Param("id"), agentID, models.SenderAgent, req.IsTyping)
	if err != nil {
		respondError(c, "Failed to relay typing", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ReadReceipts 已读回执
// POST /api/v1/support/tickets/:id/read
func (h *SupportHandler) ReadReceipts(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	readerID := req.ReaderID
	if readerID == "" {
		readerID, _ = agentIdentity(c, "", "")
	}
	if err := h.coordinator.RelayReadReceipts(c.Request.Context(), c.Param("id"), req.MessageIDs, readerID); err != nil {
		respondError(c, "Failed to relay read receipts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Stats 工单统计
// GET /api/v1/support/stats?bank_code=
func (h *SupportHandler) Stats(c *gin.Context) {
	st, err := h.coordinator.Stats(c.Request.Context(), c.Query("bank_code"))
	if err != nil {
		h.logger.WithError(err).Error("failed to load support stats")
		respondError(c, "Failed to get stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": st})
}

// respondTicket 变更成功后返回工单
func (h *SupportHandler) respondTicket(c *gin.Context, message string) {
	ticket, err := h.coordinator.GetTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to reload ticket", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": ticket})
}

func RegisterSupportRoutes(r *gin.RouterGroup, handler *SupportHandler) {
	support := r.Group("/support")
	{
		support.GET("/stats", handler.Stats)

		tickets := support.Group("/tickets")
		tickets.GET("/pending", handler.ListPending)
		tickets.GET("/assigned", handler.ListAssigned)
		tickets.GET("/user/:userId", handler.ListByUser)
		tickets.GET("/:id", handler.GetTicket)
		tickets.GET("/:id/messages", handler.GetMessages)
		tickets.POST("/:id/assign", handler.Assign)
		tickets.POST("/:id/start", handler.StartChat)
		tickets.POST("/:id/resolve", handler.Resolve)
		tickets.POST("/:id/close", handler.Close)
		tickets.POST("/:id/unassign", handler.Unassign)
		tickets.POST("/:id/reopen", handler.Reopen)
		tickets.POST("/:id/priority", handler.SetPriority)
		tickets.POST("/:id/messages", handler.PostMessage)
		tickets.POST("/:id/typing", handler.Typing)
		tickets.POST("/:id/read", handler.ReadReceipts)
	}
}

// parseLimit 解析 ?limit=，缺省或非正数时返回 def
func parseLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.Query("limit"))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
