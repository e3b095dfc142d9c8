// Package main runs the watcher service: it polls followed forum feeds for
// new threads, syncs new replies on followed threads, and relays them into
// per-thread chat topics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"

	"island-watcher/config"
	"island-watcher/format"
	"island-watcher/forum"
	"island-watcher/imgcache"
	"island-watcher/monitor"
	"island-watcher/state"
	"island-watcher/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var store *state.Store
	if cfg.StateDir != "" {
		logger.Info("Using local state directory", "path", cfg.StateDir)
		store = state.New(nil, "", cfg.StateDir, logger)
	} else {
		storageClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		logger.Info("Using bucket state storage", "bucket", cfg.StorageBucket)
		store = state.New(storageClient, cfg.StorageBucket, "", logger)
	}

	if docs, err := store.Documents(ctx); err != nil {
		logger.Warn("Failed to list state documents", "error", err)
	} else {
		logger.Info("Resuming from persisted state", "documents", docs)
	}

	forumClient := forum.New(cfg.ForumAPIBase, cfg.ForumFrontendBase, cfg.ForumImageBase, nil, logger)
	if cfg.SessionCookie != "" {
		forumClient.SetSession(cfg.SessionCookie)
	}

	var sink monitor.Sink
	if cfg.BotToken == "" {
		logger.Info("Mock delivery mode enabled (no TELEGRAM_BOT_TOKEN)")
		sink = telegram.NewMock(logger)
	} else {
		sink = telegram.New(cfg.TelegramAPIRoot, cfg.BotToken, logger)
	}

	var images monitor.Images
	if cfg.ImageCachePath != "" {
		cache, err := imgcache.Open(cfg.ImageCachePath, logger)
		if err != nil {
			logger.Warn("Image cache unavailable, photos will be sent by URL", "error", err)
		} else {
			defer func() {
				if err := cache.Close(); err != nil {
					logger.Warn("Failed to close image cache", "error", err)
				}
			}()
			images = cache
		}
	}

	mon := monitor.New(forumClient, sink, store, format.New(forumClient, logger), images, monitor.Options{
		Interval:      cfg.PollInterval,
		InactiveAfter: cfg.InactiveAfter,
		InactiveEvery: cfg.InactiveEvery,
		FeedDelay:     time.Second,
		ThreadDelay:   500 * time.Millisecond,
		TopicDelay:    4 * time.Second,
	}, logger)

	go mon.Run(ctx)

	startServer(ctx, mon, cfg.Port, logger)
}

func startServer(ctx context.Context, mon *monitor.Monitor, port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
			logger.Warn("Failed to write response", "error", err)
		}
	})
	mux.HandleFunc("/pollz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		logger.Info("Poll endpoint triggered")
		if err := mon.Cycle(r.Context()); err != nil {
			logger.Warn("Manual cycle failed", "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
			logger.Warn("Failed to write response", "error", err)
		}
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", "error", err)
		}
	}()

	logger.Info("Starting HTTP server", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
