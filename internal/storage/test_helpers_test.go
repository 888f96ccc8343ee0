package storage

import (
	"context"
	"testing"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openTestDB connects to the database configured in the environment and applies migrations.
// The test is skipped when no database is reachable.
func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Skipf("Skipping test - config not loadable: %v", err)
	}

	pool, err := OpenPostgres(testContext(t), &cfg.Database.Postgres)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(cfg.Database.Postgres.URL(), 0); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return pool
}

// seedAccount inserts an account created at the given offset from now
func seedAccount(t *testing.T, db *pgxpool.Pool, userID, name string, active bool, offset time.Duration) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(testContext(t),
		`INSERT INTO finance_accounts (id, user_id, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, userID, name, active, time.Now().Add(offset))
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func seedCategory(t *testing.T, db *pgxpool.Pool, userID, name string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(testContext(t),
		`INSERT INTO categories (id, user_id, name) VALUES ($1, $2, $3)`, id, userID, name)
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}
	return id
}
