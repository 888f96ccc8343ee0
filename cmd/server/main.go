// Package main provides the import API server entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finance-importer/internal/api"
	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/retry"
	"github.com/finance-importer/internal/service"
	"github.com/finance-importer/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply pending Postgres migrations before serving")
	flag.Parse()

	fmt.Println("Finance Importer API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "server")
	ctx := logging.WithLogger(context.Background(), logger)

	logger.Info("Connecting to databases...")

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

	logger.Info("Database connections established")

	if *migrate {
		if err := storage.Migrate(cfg.Database.Postgres.URL(), 0); err != nil {
			logger.WithError(err).Fatal("Failed to apply migrations")
		}
		logger.Info("Migrations applied")
	}

	importQueue := queue.NewRedisQueue(rdb, cfg.Queue.Name, queue.PolicyFromConfig(cfg.Queue))
	jobRepo := storage.NewImportJobRepository(postgres)
	importService := service.NewImportService(jobRepo, importQueue, cfg.Import)

	serverConfig := &api.ServerConfig{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      60 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		MaxBodyBytes:     int64(cfg.Import.MaxUploadBytes) + 64<<10,
		SubmitsPerMinute: cfg.RateLimit.SubmitsPerMinute,
		SubmitBurst:      cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, importService, map[string]api.HealthCheck{
		"postgres": postgres.Ping,
		"redis":    storage.RedisHealthCheck(rdb),
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"addr":  cfg.Server.Addr(),
		"queue": cfg.Queue.Name,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
