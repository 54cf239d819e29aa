package store

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"handoff/internal/config"
)

// OpenDatabase 连接配置的数据库并设置连接池
func OpenDatabase(cfg config.DatabaseConfig, tracing bool, log *logrus.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logrus.New()
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "postgresql":
		dialector = postgres.Open(cfg.PostgresDSN())
	case "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:handoff.db?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if tracing {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin: %v", err)
		}
	}
	log.WithField("driver", dialector.Name()).Info("database connected")
	return db, nil
}

// Migrate 创建或更新存储使用的所有表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&TicketRecord{},
		&AgentMessageRecord{},
		&ConversationRecord{},
		&TurnRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
