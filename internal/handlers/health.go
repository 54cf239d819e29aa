package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"handoff/internal/services"
)

// Pinger 可检测连通性的依赖
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc 将普通函数适配为 Pinger，例如 redis 客户端的 Ping
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// HealthHandler 健康检查处理器
type HealthHandler struct {
	version  string
	database Pinger
	redis    Pinger
	relay    *services.Relay
	logger   *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器，未启用时 database 与 redis 可为 nil
func NewHealthHandler(version string, database, redis Pinger, relay *services.Relay, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{
		version:  version,
		database: database,
		redis:    redis,
		relay:    relay,
		logger:   logger,
	}
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查
// GET /health
// 数据库不可用时返回 unhealthy，redis 不可用只标记为 degraded，事件仍会写入本地日志
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	db, dbOK := h.probe(ctx, "database", h.database)
	response.Services["database"] = db
	if !dbOK {
		response.Status = "unhealthy"
	}
	rd, rdOK := h.probe(ctx, "redis", h.redis)
	response.Services["redis"] = rd
	if !rdOK && response.Status == "healthy" {
		response.Status = "degraded"
	}
	if h.relay != nil {
		response.Services["relay"] = ServiceInfo{Status: "healthy", Details: h.relay.Status()}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查
// GET /ready
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	checks := map[string]string{}
	if info, ok := h.probe(ctx, "database", h.database); ok {
		checks["database"] = info.Status
	} else {
		checks["database"] = "not_ready"
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{"ready": ready, "timestamp": time.Now(), "services": checks})
}

func (h *HealthHandler) probe(ctx context.Context, name string, p Pinger) (ServiceInfo, bool) {
	if p == nil {
		return ServiceInfo{Status: "disabled"}, true
	}
	start := time.Now()
	if err := p.PingContext(ctx); err != nil {
		h.logger.WithError(err).WithField("service", name).Warn("health probe failed")
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}, false
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}, true
}

func RegisterHealthRoutes(r gin.IRoutes, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
