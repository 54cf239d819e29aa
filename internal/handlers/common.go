package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"handoff/internal/services"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 客服身份请求头，由后台网关设置
const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderAgentName = "X-Agent-Name"
)

// statusFor 将协调器错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case services.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotOwner):
		return http.StatusForbidden
	case services.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, title string, err error) {
	status := statusFor(err)
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error(), Code: status})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "Invalid request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// agentIdentity 从请求头读取当前客服，缺省时使用请求体中的值
func agentIdentity(c *gin.Context, bodyID, bodyName string) (string, string) {
	id := strings.TrimSpace(c.GetHeader(HeaderAgentID))
	if id == "" {
		id = strings.TrimSpace(bodyID)
	}
	name := strings.TrimSpace(c.GetHeader(HeaderAgentName))
	if name == "" {
		name = strings.TrimSpace(bodyName)
	}
	return id, name
}
