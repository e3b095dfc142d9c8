// Package config loads the watcher's configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the process needs to run.
type Config struct {
	// BotToken authenticates against the Bot API. Empty means mock mode:
	// sends are logged instead of performed.
	BotToken        string
	TelegramAPIRoot string

	ForumAPIBase      string
	ForumFrontendBase string
	ForumImageBase    string

	// SessionCookie is the operator's forum session, attached to write
	// operations (posting replies, feed subscription edits).
	SessionCookie string

	PollInterval  time.Duration
	InactiveAfter time.Duration
	InactiveEvery time.Duration

	// StateDir and StorageBucket select the persistence backend; StateDir
	// wins when both are set.
	StateDir      string
	StorageBucket string

	ImageCachePath string
	Port           string
}

// Load reads configuration, applying defaults for everything optional.
func Load(logger *slog.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else {
		logger.Info("Loaded environment from .env")
	}

	cfg := Config{
		BotToken:          os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIRoot:   envOr("TELEGRAM_API_ROOT", "https://api.telegram.org"),
		ForumAPIBase:      envOr("FORUM_API_BASE", "https://api.nmb.best"),
		ForumFrontendBase: envOr("FORUM_FRONTEND_BASE", "https://www.nmbxd1.com"),
		ForumImageBase:    envOr("FORUM_IMAGE_BASE", "https://image.nmb.best"),
		SessionCookie:     os.Getenv("FORUM_SESSION_COOKIE"),
		StateDir:          os.Getenv("STATE_DIR"),
		StorageBucket:     os.Getenv("STORAGE_BUCKET"),
		ImageCachePath:    envOr("IMAGE_CACHE_PATH", ""),
		Port:              envOr("PORT", "8080"),
	}

	var err error
	if cfg.PollInterval, err = durationOr("POLL_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.InactiveAfter, err = durationOr("INACTIVE_AFTER", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.InactiveEvery, err = durationOr("INACTIVE_CHECK_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}

	if cfg.StateDir == "" && cfg.StorageBucket == "" {
		cfg.StateDir = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local state directory", "state_dir", cfg.StateDir)
	}
	if cfg.ImageCachePath == "" && cfg.StateDir != "" {
		cfg.ImageCachePath = cfg.StateDir + "/image-cache.db"
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive, got %s", key, d)
	}
	return d, nil
}
