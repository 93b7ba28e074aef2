package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings resolved from the environment.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string

	PGDSN           string
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBConnLifetime  time.Duration
	DBConnIdleTime  time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SentryDSN       string
	TokenSecret     string
	Issuer          string
	AccessTTL       time.Duration
	ResetTTL        time.Duration
	PermCacheTTL    time.Duration
	SweepInterval   time.Duration
	LoginRatePerSec int
	LoginRateBurst  int
	MigrateOnStart  bool
	Version         string
	Commit          string
}

// Load reads configuration, optionally merging a .env file first.
func Load() (Config, error) {
	if !strings.EqualFold(os.Getenv("AUTH_LOAD_DOTENV"), "false") {
		_ = godotenv.Load()
	}

	cfg := Config{
		Env:             envOrDefault("AUTH_ENV", "development"),
		HTTPAddr:        envOrDefault("AUTH_HTTP_ADDR", ":8080"),
		GRPCAddr:        envOrDefault("AUTH_GRPC_ADDR", ":9090"),
		PGDSN:           strings.TrimSpace(os.Getenv("AUTH_PG_DSN")),
		DBMaxOpenConns:  envIntOrDefault("AUTH_DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:  envIntOrDefault("AUTH_DB_MAX_IDLE_CONNS", 10),
		DBConnLifetime:  time.Duration(envIntOrDefault("AUTH_DB_CONN_MAX_LIFETIME_MINUTES", 30)) * time.Minute,
		DBConnIdleTime:  time.Duration(envIntOrDefault("AUTH_DB_CONN_MAX_IDLE_MINUTES", 5)) * time.Minute,
		RedisAddr:       strings.TrimSpace(os.Getenv("AUTH_REDIS_ADDR")),
		RedisPassword:   os.Getenv("AUTH_REDIS_PASSWORD"),
		RedisDB:         envIntOrDefault("AUTH_REDIS_DB", 0),
		SentryDSN:       strings.TrimSpace(os.Getenv("AUTH_SENTRY_DSN")),
		TokenSecret:     strings.TrimSpace(os.Getenv("AUTH_TOKEN_SECRET")),
		Issuer:          envOrDefault("AUTH_ISSUER", "central-auth"),
		AccessTTL:       time.Duration(envIntOrDefault("AUTH_ACCESS_TTL_MINUTES", 60)) * time.Minute,
		ResetTTL:        time.Duration(envIntOrDefault("AUTH_RESET_TTL_MINUTES", 60)) * time.Minute,
		PermCacheTTL:    time.Duration(envIntOrDefault("AUTH_PERMISSION_CACHE_TTL_SECONDS", 300)) * time.Second,
		SweepInterval:   time.Duration(envIntOrDefault("AUTH_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute,
		LoginRatePerSec: envIntOrDefault("AUTH_LOGIN_RATE_PER_SECOND", 5),
		LoginRateBurst:  envIntOrDefault("AUTH_LOGIN_RATE_BURST", 10),
		MigrateOnStart:  strings.EqualFold(os.Getenv("AUTH_MIGRATE_ON_START"), "true"),
		Version:         envOrDefault("AUTH_VERSION", "dev"),
		Commit:          envOrDefault("AUTH_COMMIT", "unknown"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("AUTH_TOKEN_SECRET is required")
	}
	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("AUTH_TOKEN_SECRET must be at least 32 bytes, got %d", len(c.TokenSecret))
	}
	if c.AccessTTL <= 0 {
		return errors.New("AUTH_ACCESS_TTL_MINUTES must be positive")
	}
	if c.ResetTTL <= 0 {
		return errors.New("AUTH_RESET_TTL_MINUTES must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
