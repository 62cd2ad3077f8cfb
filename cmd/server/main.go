// stepwise - manual progress tracking server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/stepwise/internal/api"
	"github.com/ashureev/stepwise/internal/catalog"
	"github.com/ashureev/stepwise/internal/config"
	"github.com/ashureev/stepwise/internal/middleware"
	"github.com/ashureev/stepwise/internal/progress"
	"github.com/ashureev/stepwise/internal/session"
	"github.com/ashureev/stepwise/internal/store"
	"github.com/ashureev/stepwise/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "webhook_enabled", cfg.Webhook.Enabled)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// The Redis manual cache is optional; the catalog reads SQLite without it.
	var cache catalog.Cache
	if cfg.Cache.RedisURL != "" {
		rc, err := catalog.NewRedisCache(context.Background(), cfg.Cache.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, manual cache disabled", "error", err)
		} else {
			defer func() { _ = rc.Close() }()
			cache = rc
			slog.Info("Manual cache enabled", "ttl", cfg.Cache.ManualTTL)
		}
	}

	// Initialize services.
	metrics := webhook.NewMetrics()
	settings := webhook.Settings{
		Enabled:      cfg.Webhook.Enabled,
		BaseDelay:    cfg.Webhook.BaseDelay,
		MaxAttempts:  cfg.Webhook.MaxAttempts,
		PollInterval: cfg.Webhook.PollInterval,
		BatchSize:    cfg.Webhook.BatchSize,
	}
	sender := webhook.NewHTTPSender(cfg.Webhook.URL, cfg.Webhook.Timeout)
	engine := webhook.NewEngine(sender, repo, settings, metrics, logger)

	manuals := catalog.New(repo, cache, cfg.Cache.ManualTTL, logger)
	tracker := progress.NewTracker(repo, manuals, engine, logger)
	sessions := session.NewService(repo, manuals, engine, logger)

	// Initialize handlers.
	apiHandler := api.NewHandler(manuals, tracker, sessions, engine, logger)
	healthHandler := api.NewHealthHandler(repo, 5*time.Second)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Stop()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	apiHandler.RegisterRoutes(r, limiter.Middleware)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background workers.
	dispatcher := webhook.NewDispatcher(repo, sender, settings, metrics, logger)
	if cfg.Webhook.Enabled {
		dispatcher.Start(ctx)
	}
	defer dispatcher.Stop()

	session.StartSweeper(ctx, sessions, cfg.Session.SweepInterval, cfg.Session.IdleTimeout)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
