package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisClient backs the rate limit, idempotency and audit stores.
type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	dialTimeout := time.Duration(cfg.DialTimeoutMs) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisClient{Client: rdb}, nil
}

// Check is the readiness probe for /health.
func (r *RedisClient) Check(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
