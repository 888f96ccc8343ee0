// Package config provides configuration management for the finance importer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Queue     QueueConfig
	Import    ImportConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Client    ClientConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// Addr returns host:port for the HTTP listener
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection string used by pgx and golang-migrate
func (p PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: url.Values{"sslmode": {p.SSLMode}}.Encode(),
	}
	return u.String()
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds the import queue's delivery policy
type QueueConfig struct {
	Name              string
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	VisibilityTimeout time.Duration // active deliveries without a heartbeat for this long are requeued
	Retention         time.Duration // finished task records are kept this long
}

// ImportConfig holds worker and submission settings
type ImportConfig struct {
	Concurrency      int
	PollInterval     time.Duration
	CheckpointEvery  int
	ErrorDetailLimit int
	MaxUploadBytes   int
	ListLimit        int
	ReaperSchedule   string
	StaleAfter       time.Duration
	BreakerFailures  int           // consecutive infrastructure faults that pause dequeuing
	BreakerCooldown  time.Duration // pause length before a trial import is let through
}

// RateLimitConfig holds per-user submission limits
type RateLimitConfig struct {
	SubmitsPerMinute int
	Burst            int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// ClientConfig holds importctl settings
type ClientConfig struct {
	APIURL       string
	UserID       string
	PollInterval time.Duration
	Timeout      time.Duration
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, the environment can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "finance"),
				User:           getEnv("POSTGRES_USER", "finance"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Queue: QueueConfig{
			Name:              getEnv("QUEUE_NAME", "csv-import"),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:       getEnvAsDuration("QUEUE_BACKOFF_BASE", time.Second),
			BackoffMax:        getEnvAsDuration("QUEUE_BACKOFF_MAX", time.Minute),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			Retention:         getEnvAsDuration("QUEUE_RETENTION", 24*time.Hour),
		},
		Import: ImportConfig{
			Concurrency:      getEnvAsInt("IMPORT_CONCURRENCY", 2),
			PollInterval:     getEnvAsDuration("IMPORT_POLL_INTERVAL", time.Second),
			CheckpointEvery:  getEnvAsInt("IMPORT_CHECKPOINT_EVERY", 50),
			ErrorDetailLimit: getEnvAsInt("IMPORT_ERROR_DETAIL_LIMIT", 1000),
			MaxUploadBytes:   getEnvAsInt("IMPORT_MAX_UPLOAD_BYTES", 10<<20),
			ListLimit:        getEnvAsInt("IMPORT_LIST_LIMIT", 20),
			ReaperSchedule:   getEnv("IMPORT_REAPER_SCHEDULE", "@every 1m"),
			StaleAfter:       getEnvAsDuration("IMPORT_STALE_AFTER", 15*time.Minute),
			BreakerFailures:  getEnvAsInt("IMPORT_BREAKER_FAILURES", 5),
			BreakerCooldown:  getEnvAsDuration("IMPORT_BREAKER_COOLDOWN", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			SubmitsPerMinute: getEnvAsInt("RATE_LIMIT_SUBMITS_PER_MINUTE", 10),
			Burst:            getEnvAsInt("RATE_LIMIT_BURST", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Client: ClientConfig{
			APIURL:       getEnv("IMPORTCTL_API_URL", "http://localhost:8080"),
			UserID:       getEnv("IMPORTCTL_USER_ID", ""),
			PollInterval: getEnvAsDuration("IMPORTCTL_POLL_INTERVAL", 2*time.Second),
			Timeout:      getEnvAsDuration("IMPORTCTL_TIMEOUT", 30*time.Second),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the worker cannot run with
func (c *Config) Validate() error {
	if c.Import.Concurrency <= 0 {
		return fmt.Errorf("IMPORT_CONCURRENCY must be positive, got %d", c.Import.Concurrency)
	}
	if c.Import.CheckpointEvery <= 0 {
		return fmt.Errorf("IMPORT_CHECKPOINT_EVERY must be positive, got %d", c.Import.CheckpointEvery)
	}
	if c.Import.ErrorDetailLimit < 0 {
		return fmt.Errorf("IMPORT_ERROR_DETAIL_LIMIT must not be negative, got %d", c.Import.ErrorDetailLimit)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
