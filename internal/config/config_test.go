package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.ServerPort == "" {
		t.Fatalf("expected default server port")
	}
	if cfg.PostgresURL == "" {
		t.Fatalf("expected default postgres url")
	}
	if cfg.RouteStore != "postgres" || cfg.FixSource != "push" {
		t.Fatalf("unexpected store/source defaults: %q %q", cfg.RouteStore, cfg.FixSource)
	}
}

func TestLoadTrackerDefaults(t *testing.T) {
	cfg := Load()
	if cfg.TrackMaxAccuracyM != 100 || cfg.TrackMaxJumpM != 150 {
		t.Fatalf("unexpected filter thresholds: %v %v", cfg.TrackMaxAccuracyM, cfg.TrackMaxJumpM)
	}
	if cfg.TrackLongGap != 10*time.Second || cfg.TrackStallAfter != 7*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.TrackLongGap, cfg.TrackStallAfter)
	}
	if cfg.TrackTickInterval != 2*time.Second || cfg.TrackRollingWindow != time.Minute {
		t.Fatalf("unexpected tick/window: %v %v", cfg.TrackTickInterval, cfg.TrackRollingWindow)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9000")
	t.Setenv("POSTGRES_URL", "postgres://example")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ROUTE_STORE", "firestore")
	t.Setenv("TRACK_MAX_JUMP_M", "120")
	t.Setenv("TRACK_STALL_AFTER", "5s")

	cfg := Load()
	if cfg.ServerPort != ":9000" {
		t.Fatalf("expected override port")
	}
	if cfg.PostgresURL != "postgres://example" {
		t.Fatalf("expected override postgres")
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("expected override redis")
	}
	if cfg.JWTSecret != "secret" {
		t.Fatalf("expected override secret")
	}
	if cfg.RouteStore != "firestore" {
		t.Fatalf("expected override route store")
	}
	if cfg.TrackMaxJumpM != 120 {
		t.Fatalf("expected override jump threshold, got %v", cfg.TrackMaxJumpM)
	}
	if cfg.TrackStallAfter != 5*time.Second {
		t.Fatalf("expected override stall window, got %v", cfg.TrackStallAfter)
	}
}
