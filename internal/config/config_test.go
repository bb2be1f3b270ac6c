package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.GRPCAddress != DefaultGRPCAddr {
		t.Fatalf("expected default grpc addr %q, got %q", DefaultGRPCAddr, cfg.GRPCAddress)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.TickRateHz != DefaultTickRateHz {
		t.Fatalf("expected default tick rate, got %v", cfg.TickRateHz)
	}
	if cfg.Store.Backend != DefaultStoreBackend {
		t.Fatalf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.Limits.MaxTicks != DefaultMaxTicks || cfg.Limits.MaxSoundsPerTick != DefaultMaxSoundsPerTick || cfg.Limits.MaxRecordBytes != DefaultMaxRecordBytes {
		t.Fatalf("unexpected default limits %#v", cfg.Limits)
	}
	if cfg.StopWindow != DefaultStopWindow || cfg.StopBurst != DefaultStopBurst {
		t.Fatalf("unexpected stop rate defaults window=%v burst=%d", cfg.StopWindow, cfg.StopBurst)
	}
	if cfg.PingInterval != DefaultPingInterval || cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("unexpected websocket defaults ping=%v clients=%d", cfg.PingInterval, cfg.MaxClients)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.MaxSizeMB != DefaultLogMaxSizeMB || !cfg.Logging.Compress {
		t.Fatalf("unexpected logging defaults %#v", cfg.Logging)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RECORDABLE_ADDR", "127.0.0.1:9000")
	t.Setenv("RECORDABLE_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("RECORDABLE_TICK_RATE_HZ", "40")
	t.Setenv("RECORDABLE_STORE_BACKEND", "SQLite")
	t.Setenv("RECORDABLE_STORE_PATH", "/tmp/scores.db")
	t.Setenv("RECORDABLE_MAX_TICKS", "1200")
	t.Setenv("RECORDABLE_RETENTION_MAX_AGE", "72h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.TickRateHz != 40 {
		t.Fatalf("expected tick rate 40, got %v", cfg.TickRateHz)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != "/tmp/scores.db" {
		t.Fatalf("unexpected store config %#v", cfg.Store)
	}
	if cfg.Limits.MaxTicks != 1200 {
		t.Fatalf("expected max ticks 1200, got %d", cfg.Limits.MaxTicks)
	}
	if cfg.Retention.MaxAge != 72*time.Hour {
		t.Fatalf("expected retention age 72h, got %v", cfg.Retention.MaxAge)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("RECORDABLE_TICK_RATE_HZ", "0")
	t.Setenv("RECORDABLE_STORE_BACKEND", "dynamodb")
	t.Setenv("RECORDABLE_MAX_SOUNDS_PER_TICK", "300")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"RECORDABLE_TICK_RATE_HZ", "RECORDABLE_DYNAMO_TABLE", "RECORDABLE_MAX_SOUNDS_PER_TICK"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadRejectsUnparsableValues(t *testing.T) {
	t.Setenv("RECORDABLE_STOP_RATE_WINDOW", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("RECORDABLE_STORE_BACKEND", "lmdb")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RECORDABLE_STORE_BACKEND") {
		t.Fatalf("expected backend error, got %v", err)
	}
}
