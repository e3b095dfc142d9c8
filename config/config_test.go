package config

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("STATE_DIR", "")
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("IMAGE_CACHE_PATH", "")

	cfg, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %s, want default 5m", cfg.PollInterval)
	}
	if cfg.StateDir != "./data" {
		t.Errorf("StateDir = %q, want local default when no bucket is set", cfg.StateDir)
	}
	if cfg.ImageCachePath != "./data/image-cache.db" {
		t.Errorf("ImageCachePath = %q, want derived from state dir", cfg.ImageCachePath)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.TelegramAPIRoot != "https://api.telegram.org" {
		t.Errorf("TelegramAPIRoot = %q", cfg.TelegramAPIRoot)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("INACTIVE_AFTER", "48h")
	t.Setenv("INACTIVE_CHECK_INTERVAL", "30m")
	t.Setenv("STORAGE_BUCKET", "watcher-state")
	t.Setenv("STATE_DIR", "")
	t.Setenv("IMAGE_CACHE_PATH", "/var/cache/images.db")

	cfg, err := Load(testLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %s, want 90s", cfg.PollInterval)
	}
	if cfg.InactiveAfter != 48*time.Hour {
		t.Errorf("InactiveAfter = %s, want 48h", cfg.InactiveAfter)
	}
	if cfg.InactiveEvery != 30*time.Minute {
		t.Errorf("InactiveEvery = %s, want 30m", cfg.InactiveEvery)
	}
	if cfg.StateDir != "" {
		t.Errorf("StateDir = %q, want empty when a bucket is configured", cfg.StateDir)
	}
	if cfg.StorageBucket != "watcher-state" {
		t.Errorf("StorageBucket = %q", cfg.StorageBucket)
	}
	if cfg.ImageCachePath != "/var/cache/images.db" {
		t.Errorf("ImageCachePath = %q, want explicit value kept", cfg.ImageCachePath)
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "garbage", value: "soon"},
		{name: "negative", value: "-5m"},
		{name: "zero", value: "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("POLL_INTERVAL", tt.value)
			if _, err := Load(testLogger()); err == nil {
				t.Errorf("Load accepted POLL_INTERVAL=%q", tt.value)
			}
		})
	}
}
