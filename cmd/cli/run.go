package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"handoff/internal/config"
	"handoff/internal/handlers"
	"handoff/internal/observability"
	"handoff/internal/services"
	"handoff/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the handoff server",
	Long:  `Serve the support API and the realtime relay`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// app 组装好的服务组件
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	db         *gorm.DB
	redis      *services.RedisPublisher
	relay      *services.Relay
	dispatcher *services.Dispatcher
	router     *gin.Engine
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := logrus.StandardLogger()

	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg.Monitoring.Tracing)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
		cfg.Monitoring.Tracing.Enabled = false
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	a := newApp(cfg, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: a.router,
	}
	go func() {
		logger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	a.close(ctx)
	if err := shutdownTracing(ctx); err != nil {
		logger.Errorf("Failed to flush traces: %v", err)
	}
	logger.Info("Server exited")
}

// newApp 创建存储、实时中继、协调器并注册路由
// 数据库不可用时退回内存存储继续运行
func newApp(cfg *config.Config, logger *logrus.Logger) *app {
	a := &app{cfg: cfg, logger: logger}
	tracing := cfg.Monitoring.Tracing.Enabled

	var (
		tickets       services.TicketStore
		conversations handlers.ConversationSource
		dbPinger      handlers.Pinger
	)
	db, err := store.OpenDatabase(cfg.Database, tracing, logger)
	if err == nil {
		err = store.Migrate(db)
	}
	if err != nil {
		logger.WithError(err).Warn("database unavailable, falling back to in-memory stores")
		tickets = store.NewMemoryTicketStore()
		conversations = store.NewMemoryConversationStore()
	} else {
		a.db = db
		tickets = store.NewGormTicketStore(db)
		conversations = store.NewGormConversationStore(db)
		if sqlDB, err := db.DB(); err == nil {
			dbPinger = handlers.PingerFunc(sqlDB.PingContext)
		}
	}

	a.relay = services.NewRelay(services.RelayOptions{SendBuffer: cfg.Relay.SendBuffer}, logger)
	a.dispatcher = services.NewDispatcher(services.DispatcherOptions{
		Workers:  cfg.Relay.DispatchWorkers,
		LaneSize: cfg.Relay.DispatchLaneSize,
		Timeout:  cfg.Relay.DispatchTimeout,
	}, logger)

	var (
		events      services.EventPublisher = services.NewLogPublisher(logger)
		redisPinger handlers.Pinger
	)
	if cfg.Redis.Enabled {
		a.redis = services.NewRedisPublisher(cfg.Redis, logger)
		events = a.redis
		redisPinger = handlers.PingerFunc(a.redis.Ping)
	}

	coordinator := services.NewSupportCoordinator(services.CoordinatorDeps{
		Tickets:       tickets,
		Conversations: conversations,
		Relay:         a.relay,
		Dispatcher:    a.dispatcher,
		Events:        events,
		Logger:        logger,
		StoreTimeout:  cfg.Support.StoreTimeout,
	})
	detector := services.NewEscalationDetector(cfg.Escalation, logger)
	inbound := services.NewInboundRouter(a.relay, coordinator, logger)
	transport := services.NewWebSocketTransport(a.relay, inbound, cfg.Relay, logger)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if tracing {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(corsMiddleware())

	handlers.RegisterHealthRoutes(router, handlers.NewHealthHandler(Version, dbPinger, redisPinger, a.relay, logger))
	api := router.Group("/api/v1")
	{
		handlers.RegisterWebSocketRoutes(api, handlers.NewWebSocketHandler(transport, a.relay, a.dispatcher))
		handlers.RegisterSupportRoutes(api, handlers.NewSupportHandler(coordinator, logger))
		handlers.RegisterConversationRoutes(api, handlers.NewConversationHandler(conversations, detector, coordinator, logger))
	}
	a.router = router
	return a
}

// close 先发完排队的广播再断开连接
func (a *app) close(ctx context.Context) {
	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Errorf("Dispatcher stopped with pending work: %v", err)
	}
	a.relay.Shutdown()
	if err := a.redis.Close(); err != nil {
		a.logger.Errorf("Failed to close redis: %v", err)
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+handlers.HeaderAgentID+", "+handlers.HeaderAgentName)
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
