package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"handoff/internal/config"
)

// RedisPublisher 通过 Redis 发布订阅频道广播工单事件，供其他实例和后台消费
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewRedisPublisher(cfg config.RedisConfig, logger *logrus.Logger) *RedisPublisher {
	if logger == nil {
		logger = logrus.New()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("unable to reach redis")
	} else {
		logger.WithField("addr", cfg.Addr).Info("connected to redis")
	}

	channel := cfg.Channel
	if channel == "" {
		channel = config.GetDefaultConfig().Redis.Channel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev TicketEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ticket event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe 持续解码频道中的事件直到 ctx 结束
func (p *RedisPublisher) Subscribe(ctx context.Context, handler EventHandler) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev TicketEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.WithError(err).Warn("discarding malformed ticket event")
				continue
			}
			if err := handler(ctx, ev); err != nil {
				p.logger.WithError(err).WithField("type", ev.Type).Warn("ticket event handler failed")
			}
		}
	}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return errors.New("redis client not configured")
	}
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
