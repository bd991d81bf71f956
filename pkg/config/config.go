// Package config loads the timelock service configuration from the
// environment and the optional YAML deployment file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	Addr       string `env:"HELM_TIMELOCK_ADDR"        envDefault:":8080"`
	Store      string `env:"HELM_TIMELOCK_STORE"       envDefault:"sqlite"`
	SQLitePath string `env:"HELM_TIMELOCK_SQLITE_PATH" envDefault:"data/timelock.db"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"      envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"        envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX"    envDefault:"timelock:"`
	// RedisLease bounds one unit's hold on the shared keyspace lock. It must
	// exceed every executor dispatch timeout.
	RedisLease time.Duration `env:"REDIS_LOCK_LEASE" envDefault:"30s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ChainContext   string `env:"HELM_TIMELOCK_CHAIN_CONTEXT" envDefault:"local"`
	ModuleID       string `env:"HELM_TIMELOCK_MODULE_ID"     envDefault:"helm-timelock"`
	DeploymentFile string `env:"HELM_TIMELOCK_DEPLOYMENT_FILE"`

	// JWTSecret derives the token signing key. Empty generates a random key
	// per process, so tokens do not survive restarts.
	JWTSecret string        `env:"HELM_TIMELOCK_JWT_SECRET"`
	TokenTTL  time.Duration `env:"HELM_TIMELOCK_TOKEN_TTL" envDefault:"1h"`

	RateRPS        float64       `env:"HELM_TIMELOCK_RATE_RPS"         envDefault:"20"`
	RateBurst      int           `env:"HELM_TIMELOCK_RATE_BURST"       envDefault:"40"`
	IdempotencyTTL time.Duration `env:"HELM_TIMELOCK_IDEMPOTENCY_TTL"  envDefault:"24h"`
	CORSOrigins    []string      `env:"HELM_TIMELOCK_CORS_ORIGINS"     envSeparator:","`
	AuditFile      string        `env:"HELM_TIMELOCK_AUDIT_FILE"`

	// Archive selects where journal segments are copied: fs, s3 or gcs.
	// Empty disables archiving.
	Archive         string        `env:"HELM_TIMELOCK_ARCHIVE"`
	ArchiveDir      string        `env:"HELM_TIMELOCK_ARCHIVE_DIR"      envDefault:"data/archive"`
	ArchiveBucket   string        `env:"HELM_TIMELOCK_ARCHIVE_BUCKET"`
	ArchivePrefix   string        `env:"HELM_TIMELOCK_ARCHIVE_PREFIX"   envDefault:"journal/"`
	ArchiveRegion   string        `env:"HELM_TIMELOCK_ARCHIVE_REGION"`
	ArchiveEndpoint string        `env:"HELM_TIMELOCK_ARCHIVE_ENDPOINT"`
	ArchiveInterval time.Duration `env:"HELM_TIMELOCK_ARCHIVE_INTERVAL" envDefault:"5m"`

	OTelEnabled  bool    `env:"OTEL_ENABLED"`
	OTelEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool    `env:"OTEL_INSECURE"               envDefault:"true"`
	OTelSample   float64 `env:"OTEL_SAMPLE_RATE"            envDefault:"1.0"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.RedisLease <= 0 {
			return fmt.Errorf("config: REDIS_LOCK_LEASE must be positive")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	switch c.Archive {
	case "", "fs", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown archive backend %q", c.Archive)
	}
	if c.Archive != "" && c.ArchiveInterval <= 0 {
		return fmt.Errorf("config: HELM_TIMELOCK_ARCHIVE_INTERVAL must be positive")
	}
	if c.ModuleID == "" {
		return fmt.Errorf("config: HELM_TIMELOCK_MODULE_ID must not be empty")
	}
	return nil
}

// SlogLevel returns the configured log level. Validate has already vetted it.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
	}
}
