package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/redis/go-redis/v9"
)

// OpenRedis connects the client backing the import queue and pings it before ctx expires
func OpenRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            net.JoinHostPort(cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.MaxConnections,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis at %s unreachable: %w", rdb.Options().Addr, err)
	}
	return rdb, nil
}

// RedisHealthCheck adapts a client to the server's health check signature
func RedisHealthCheck(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
