package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/whisperapi/internal/api"
	"github.com/nikhilbhutani/whisperapi/internal/audio"
	"github.com/nikhilbhutani/whisperapi/internal/cache"
	"github.com/nikhilbhutani/whisperapi/internal/config"
	"github.com/nikhilbhutani/whisperapi/internal/jobs"
	"github.com/nikhilbhutani/whisperapi/internal/storage"
	"github.com/nikhilbhutani/whisperapi/internal/stt"
	"github.com/nikhilbhutani/whisperapi/internal/transcription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg.Log.Dir, cfg.LogLevel())
	defer closeLog()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Redis result cache (optional)
	var (
		resultCache transcription.ResultCache
		pinger      interface{ Ping(context.Context) error }
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		c := cache.NewCache(rdb, cfg.Redis.CacheTTL)
		if err := c.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, running without cache", "error", err)
		} else {
			resultCache = c
		}
		pinger = c
	}

	results, err := storage.NewLocalStorage(cfg.Results.Dir)
	if err != nil {
		slog.Error("failed to open results dir", "error", err)
		os.Exit(1)
	}
	retention, err := storage.NewRetention(results, cfg.Results.RetentionDays, cfg.Results.Schedule, logger)
	if err != nil {
		slog.Error("failed to schedule retention", "error", err)
		os.Exit(1)
	}
	retention.Start(ctx)
	defer retention.Stop()

	provider, err := stt.NewProvider(cfg.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "error", err)
		os.Exit(1)
	}

	tracker := jobs.NewTracker()
	svc := transcription.NewService(provider, tracker, transcription.Config{
		PoolSize: cfg.Worker.PoolSize,
		Timeout:  cfg.Worker.TranscriptionTimeout,
		ModelID:  cfg.STT.ModelID,
	}, transcription.Options{
		Cache:   resultCache,
		Results: results,
		Logger:  logger,
	})

	router := api.NewRouter(api.Deps{
		Config:      cfg,
		Tracker:     tracker,
		Normalizer:  audio.NewNormalizer(cfg.Audio.FFmpegPath, cfg.Audio.ConversionTimeout),
		Transcriber: svc,
		Results:     results,
		Redis:       pinger,
		Logger:      logger,
	})
	defer router.Close()
	handler := router.Setup()

	// Uploads can be large and transcription runs inside the request, so the
	// write timeout covers conversion plus the model run.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.Audio.ConversionTimeout + cfg.Worker.TranscriptionTimeout + time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting API server",
			"addr", cfg.Addr(),
			"version", config.Version,
			"stt_backend", provider.Name(),
			"pool_size", cfg.Worker.PoolSize,
			"max_file_size_mb", cfg.Upload.MaxFileBytes>>20,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// newLogger writes JSON lines to stdout and to app.log in the log directory.
// File logging is skipped if the directory cannot be created.
func newLogger(dir string, level slog.Level) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: level}
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("log dir unavailable, logging to stdout only", "error", err)
		} else if f, err := os.OpenFile(filepath.Join(dir, "app.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			slog.Warn("log file unavailable, logging to stdout only", "error", err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
			closeFn = func() { _ = f.Close() }
		}
	}
	return slog.New(slog.NewJSONHandler(out, opts)), closeFn
}
