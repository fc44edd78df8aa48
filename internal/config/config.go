// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port             string
	Env              string // "development", "staging", "production"
	LogLevel         string
	LogFormat        string // "text" or "json"
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Database (optional, uses in-memory if not set)
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Event transport (optional, uses the in-memory gateway if not set)
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaClientID      string

	// Delivery de-duplication (optional, in-memory if not set)
	RedisURL string
	DedupeTTL time.Duration

	// Admin API
	AdminSecret string
	ServiceName string // requestingService on outbound sync requests

	// Sync engine
	SyncMaxRetries    int
	SyncSweepInterval time.Duration
	SyncSweepBatch    int
	DelayedSyncDelay  time.Duration

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultServiceName       = "admin-service"
	DefaultConsumerGroup     = "admin-service-profile-sync"
	DefaultMaxRetries        = 3
	DefaultSweepInterval     = 15 * time.Second
	DefaultSweepBatch        = 100
	DefaultDelayedSyncDelay  = 30 * time.Minute
	DefaultDedupeTTL         = 24 * time.Hour
	DefaultHTTPReadTimeout   = 15 * time.Second
	DefaultHTTPWriteTimeout  = 30 * time.Second
	DefaultDBMaxOpenConns    = 25
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", DefaultDBMaxIdleConns),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", DefaultConsumerGroup),
		KafkaClientID:      getEnv("KAFKA_CLIENT_ID", DefaultServiceName),

		RedisURL:  os.Getenv("REDIS_URL"),
		DedupeTTL: getEnvDuration("DEDUPE_TTL", DefaultDedupeTTL),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
		ServiceName: getEnv("SERVICE_NAME", DefaultServiceName),

		SyncMaxRetries:    getEnvInt("SYNC_MAX_RETRIES", DefaultMaxRetries),
		SyncSweepInterval: getEnvDuration("SYNC_SWEEP_INTERVAL", DefaultSweepInterval),
		SyncSweepBatch:    getEnvInt("SYNC_SWEEP_BATCH", DefaultSweepBatch),
		DelayedSyncDelay:  getEnvDuration("DELAYED_SYNC_DELAY", DefaultDelayedSyncDelay),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.SyncMaxRetries < 1 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be at least 1")
	}
	if c.SyncSweepInterval <= 0 {
		return fmt.Errorf("SYNC_SWEEP_INTERVAL must be positive")
	}
	if c.SyncSweepBatch < 1 {
		return fmt.Errorf("SYNC_SWEEP_BATCH must be at least 1")
	}
	if c.DelayedSyncDelay <= 0 {
		return fmt.Errorf("DELAYED_SYNC_DELAY must be positive")
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("DEDUPE_TTL must be positive")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) exceeds DB_MAX_OPEN_CONNS (%d)", c.DBMaxIdleConns, c.DBMaxOpenConns)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP is required when KAFKA_BROKERS is set")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
