package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("HOLDING_IDLE_INTERVAL", "")
	t.Setenv("DEFAULT_MAX_CHATS", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabaseURL != "support.db" {
		t.Fatalf("database = %s %s, want sqlite support.db", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
	if cfg.HoldingIdleInterval != 2*time.Minute {
		t.Fatalf("HoldingIdleInterval = %v, want 2m", cfg.HoldingIdleInterval)
	}
	if cfg.DefaultMaxChats != 5 {
		t.Fatalf("DefaultMaxChats = %d, want 5", cfg.DefaultMaxChats)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("KafkaBrokers = %v, want nil", cfg.KafkaBrokers)
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SWEEP_INTERVAL", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for invalid SWEEP_INTERVAL")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("splitList = %v", got)
	}
}
