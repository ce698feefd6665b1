package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_DATA_DIR", "/tmp/agent")
	t.Setenv("CHANNEL_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DBPath != "/tmp/agent/events.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SnapshotDir != "/tmp/agent/snapshots" {
		t.Fatalf("SnapshotDir = %q", cfg.SnapshotDir)
	}
	if cfg.TabGrace != 90*time.Second || cfg.PendingTTL != 5*time.Minute {
		t.Fatalf("unexpected capture timings %+v", cfg)
	}
	if len(cfg.PortCandidates) != 3 {
		t.Fatalf("PortCandidates = %v", cfg.PortCandidates)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("CAPTURE_PENDING_TTL", "0")
	t.Setenv("CAPTURE_COOKIE_POLL", "2s")
	t.Setenv("CAPTURE_SCAN_DELAY", "250")
	t.Setenv("AGENT_LOG_LEVEL", "DEBUG")
	t.Setenv("CHANNEL_URL", "ws://127.0.0.1:9000/agent")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GetCDPURL() != "http://127.0.0.1:9333" {
		t.Fatalf("GetCDPURL() = %q", cfg.GetCDPURL())
	}
	if cfg.PendingTTL != 0 {
		t.Fatalf("PendingTTL = %v, want disabled", cfg.PendingTTL)
	}
	if cfg.CookiePoll != 2*time.Second || cfg.ScanDelay != 250*time.Millisecond {
		t.Fatalf("unexpected durations poll=%v scan=%v", cfg.CookiePoll, cfg.ScanDelay)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string][2]string{
		"bad port":        {"CHROMIUM_CDP_PORT", "70000"},
		"bad channel":     {"CHANNEL_URL", "http://example.com"},
		"negative budget": {"CAPTURE_MAX_BODY_BYTES", "-1"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestGetEnvDurationOrDefault(t *testing.T) {
	t.Setenv("X_DURATION", "not-a-duration")
	if got := getEnvDurationOrDefault("X_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %v", got)
	}
}
