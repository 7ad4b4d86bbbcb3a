package eventpub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// RedisSink публикует сообщения через PUBLISH
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink подключается к Redis и проверяет соединение
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	cfg = cfg.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis %s: %w", cfg.Addr, err)
	}
	return &RedisSink{client: rdb}, nil
}

// Publish отправляет сообщение в канал pub/sub
func (s *RedisSink) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.client.Publish(ctx, topic, payload).Err()
}

// Close закрывает соединение
func (s *RedisSink) Close() error {
	return s.client.Close()
}
