package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_LOAD_DOTENV", "false")
	t.Setenv("AUTH_TOKEN_SECRET", strings.Repeat("k", 32))
	t.Setenv("AUTH_ACCESS_TTL_MINUTES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTTL != time.Hour {
		t.Fatalf("expected 1h access ttl, got %s", cfg.AccessTTL)
	}
	if cfg.ResetTTL != time.Hour {
		t.Fatalf("expected 1h reset ttl, got %s", cfg.ResetTTL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Issuer != "central-auth" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("AUTH_LOAD_DOTENV", "false")
	t.Setenv("AUTH_TOKEN_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_LOAD_DOTENV", "false")
	t.Setenv("AUTH_TOKEN_SECRET", strings.Repeat("s", 40))
	t.Setenv("AUTH_ACCESS_TTL_MINUTES", "15")
	t.Setenv("AUTH_SWEEP_INTERVAL_MINUTES", "0")
	t.Setenv("AUTH_DB_MAX_OPEN_CONNS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected access ttl %s", cfg.AccessTTL)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("expected sweeper disabled, got %s", cfg.SweepInterval)
	}
	if cfg.DBMaxOpenConns != 20 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.DBMaxOpenConns)
	}
}
