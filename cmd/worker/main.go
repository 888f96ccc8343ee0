// Package main provides the import worker entry point.
// It drains the import queue and runs the stale-job reaper.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/retry"
	"github.com/finance-importer/internal/storage"
	"github.com/finance-importer/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	fmt.Println("Finance Importer Worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "worker")
	ctx := logging.WithLogger(context.Background(), logger)

	var postgres *pgxpool.Pool
	err = retry.Do(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		postgres, connErr = storage.OpenPostgres(ctx, &cfg.Database.Postgres)
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var rdb *redis.Client
	err = retry.Do(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
		var connErr error
		rdb, connErr = storage.OpenRedis(ctx, &cfg.Database.Redis)
		return connErr
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer rdb.Close()

	importQueue := queue.NewRedisQueue(rdb, cfg.Queue.Name, queue.PolicyFromConfig(cfg.Queue))
	jobRepo := storage.NewImportJobRepository(postgres)

	importWorker := worker.NewImportWorker(
		jobRepo,
		storage.NewLookupRepository(postgres),
		storage.NewTransactionRepository(postgres),
		importQueue,
		cfg.Import,
	)

	reaper := worker.NewReaper(jobRepo, importQueue, worker.ReaperConfig{
		Schedule:          cfg.Import.ReaperSchedule,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		StaleAfter:        cfg.Import.StaleAfter,
	})

	if err := importWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start import worker")
	}
	if err := reaper.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start reaper")
	}

	logger.WithFields(map[string]interface{}{
		"queue":       cfg.Queue.Name,
		"concurrency": cfg.Import.Concurrency,
		"reaper":      cfg.Import.ReaperSchedule,
	}).Info("Worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := reaper.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Reaper did not stop cleanly")
	}
	// In-flight imports that miss the deadline are cancelled and redelivered later
	if err := importWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Import worker did not stop cleanly")
	}

	logger.Info("Worker stopped")
}
