package eventlog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sandrom/alice-events/pkg/config"
)

// NewClient connects to Redis and verifies the connection. One client
// owns one connection pool and is safe for concurrent use by every
// publisher and consumer sharing the log.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
