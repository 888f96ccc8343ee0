// Package storage provides database connections and the import pipeline's repositories.
package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres builds the pool the repositories share from the same URL golang-migrate uses.
// It fails unless the server answers a ping before ctx expires.
func OpenPostgres(ctx context.Context, cfg *config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections comes from config
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "finance-importer"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres at %s unreachable: %w", net.JoinHostPort(cfg.Host, cfg.Port), err)
	}
	return pool, nil
}
