package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codedrop/internal/server/api"
	"codedrop/internal/server/cleanup"
	"codedrop/internal/server/config"
	"codedrop/internal/server/database"
	"codedrop/internal/server/ratelimit"
	"codedrop/internal/server/service"
	"codedrop/internal/server/storage"

	"github.com/robfig/cron/v3"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg := config.Load()
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"storage_path", cfg.StoragePath,
		"max_upload_size", cfg.MaxUploadSize,
		"default_expiry", cfg.DefaultExpiry,
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize blob storage
	blobs := storage.NewFileSystemStore(cfg.StoragePath)
	if err := blobs.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "path", cfg.StoragePath)

	// Rate limiter: shared backend when configured, in-process otherwise.
	// A configured-but-unreachable shared backend rejects requests; it
	// never degrades to per-instance counting.
	limiter := newLimiter(ctx, cfg)

	// Repository and services
	repo := database.NewRepository(db)
	uploads := service.NewUploadService(repo, blobs, cfg)
	shares := service.NewShareService(repo, cfg)
	cleaner := cleanup.New(repo, blobs, cfg.CleanupBatch)

	// Scheduled cleanup
	scheduler := cron.New()
	if cfg.CleanupEnabled {
		spec := fmt.Sprintf("@every %s", cfg.CleanupInterval)
		_, err := scheduler.AddFunc(spec, func() {
			if _, err := cleaner.RunCleanup(context.Background(), time.Now().UTC()); err != nil {
				slog.Error("scheduled cleanup failed", "error", err)
			}
		})
		if err != nil {
			slog.Error("failed to schedule cleanup", "error", err)
			os.Exit(1)
		}
		scheduler.Start()
		slog.Info("cleanup scheduled", "interval", cfg.CleanupInterval)
	} else {
		slog.Warn("cleanup is disabled; expired records will accumulate")
	}

	// HTTP router
	handler := api.NewHandler(uploads, shares, cleaner, db, cfg)
	e := api.SetupRouter(handler, limiter)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	slog.Info("server exited cleanly")
}

func newLimiter(ctx context.Context, cfg *config.Config) *ratelimit.Limiter {
	limits := map[ratelimit.RouteClass]int{
		ratelimit.RouteUpload:   cfg.UploadLimit,
		ratelimit.RouteDownload: cfg.DownloadLimit,
		ratelimit.RouteShare:    cfg.ShareLimit,
	}
	failOpen := !cfg.IsProduction()

	if cfg.RedisAddr != "" {
		counter := ratelimit.NewRedisCounter(cfg.RedisAddr, cfg.RedisTimeout)
		if err := counter.Ping(ctx); err != nil {
			// Requests will be rejected until the backend returns.
			slog.Error("shared rate limit backend unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		} else {
			slog.Info("shared rate limit backend connected", "addr", cfg.RedisAddr)
		}
		return ratelimit.New(counter, cfg.RateLimitWindow, limits, failOpen)
	}

	if cfg.IsProduction() {
		slog.Warn("no shared rate limit backend configured; counters are per-instance")
	}
	return ratelimit.New(ratelimit.NewMemoryCounter(), cfg.RateLimitWindow, limits, failOpen)
}
