package postgres

import (
	"context"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.StaleAfter != 6*time.Hour || cfg.MaxOpenConns != 10 {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected idle > open to be rejected")
	}
	if err := (Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 1}).Validate(); err == nil {
		t.Fatalf("expected missing stale threshold to be rejected")
	}
}

func TestPingWithoutDB(t *testing.T) {
	if err := Ping(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error without a database")
	}
}
