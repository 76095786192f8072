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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/eugenelo428937/Admin3-sub006/internal/config"
	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/engine"
	"github.com/eugenelo428937/Admin3-sub006/internal/handlers"
	"github.com/eugenelo428937/Admin3-sub006/internal/metrics"
	"github.com/eugenelo428937/Admin3-sub006/internal/rules"
	"github.com/eugenelo428937/Admin3-sub006/internal/scheduler"
	"github.com/eugenelo428937/Admin3-sub006/internal/schema"
	"github.com/eugenelo428937/Admin3-sub006/internal/session"
	"github.com/eugenelo428937/Admin3-sub006/internal/template"
)

const (
	serviceName = "rules-engine"
	version     = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogging(cfg)
	logger.Info("Starting Rules Engine Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	// Setup database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Run database migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Setup Redis session store
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close redis connection", "error", err)
		}
	}()
	sessionStore := session.NewStore(redisClient, logger, cfg.Redis.TTL)

	// Setup repositories
	ruleRepo := database.NewRuleRepository(db, logger)
	templateRepo := database.NewTemplateRepository(db, logger)
	fieldsRepo := database.NewFieldsRepository(db, logger)
	execRepo := database.NewExecutionRepository(db, logger)
	ackRepo := database.NewAcknowledgmentRepository(db, logger)
	prefRepo := database.NewPreferenceRepository(db, logger)

	// Setup metrics collector
	metricsCollector := metrics.NewCollector(prometheus.DefaultRegisterer)

	// Setup rule provider, validator and engine
	provider := rules.NewProvider(
		ruleRepo, templateRepo, fieldsRepo, logger,
		cfg.Engine.CacheTTL, cfg.Engine.CacheCleanupPeriod,
	)
	validator := schema.NewValidator(logger, cfg.Engine.SchemaCacheTTL, cfg.Engine.CacheCleanupPeriod)
	renderer := template.NewRenderer(logger)
	rulesEngine := engine.NewEngine(provider, validator, renderer, execRepo, metricsCollector, logger)

	// Setup housekeeping scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskScheduler := scheduler.New(cfg.Scheduler, logger, execRepo, provider, metricsCollector)
	if err := taskScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Setup HTTP handlers
	httpHandlers := handlers.NewHTTPHandler(
		&cfg,
		logger,
		rulesEngine,
		provider,
		sessionStore,
		ruleRepo,
		templateRepo,
		fieldsRepo,
		execRepo,
		ackRepo,
		prefRepo,
		metricsCollector,
	)

	// Setup HTTP router
	httpRouter := mux.NewRouter()
	httpRouter.Use(httpHandlers.Middleware)
	httpHandlers.RegisterRoutes(httpRouter)

	// Add Prometheus metrics endpoint
	httpRouter.Handle("/metrics", promhttp.Handler())

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	// Graceful shutdown
	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	taskScheduler.Stop()

	logger.Info("Service shutdown complete")
}

// setupLogging builds the slog logger from the logging configuration.
func setupLogging(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
