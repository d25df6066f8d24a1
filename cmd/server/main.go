package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crisis-intervention/backend/pkg/config"
	"crisis-intervention/backend/pkg/di"
	"crisis-intervention/backend/pkg/logger"
	"crisis-intervention/backend/pkg/router"
	"crisis-intervention/backend/shared/observability"
)

func main() {
	// Loads .env if present
	cfg := config.Get()

	// Initialize structured logger
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	version := os.Getenv("APP_VERSION")
	log.Info("Starting crisis pipeline", "version", version, "env", cfg.Server.Env)

	obs, err := observability.Setup(observability.Config{
		ServiceName: cfg.Observability.ServiceName,
		Version:     version,
		Tracing:     cfg.Observability.Tracing,
	})
	if err != nil {
		log.LogError(err, "Failed to initialize observability")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependency injection container
	container, err := di.New(ctx, cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		os.Exit(1)
	}

	// Background workers stop with ctx
	hubDone := make(chan struct{})
	go func() {
		container.Hub.Run(ctx)
		close(hubDone)
	}()
	go container.HTTPLimiter.Cleanup(ctx, time.Minute)
	go container.EventLimiter.Cleanup(ctx, time.Minute)
	container.Health.Start(ctx)

	r := router.New(container, obs.Handler())
	// Validation must be installed before the routes it covers
	if cfg.OpenAPI.SchemaPath != "" {
		r.AddOpenAPIValidation(cfg.OpenAPI.SchemaPath)
	}
	r.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r.Engine,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Server failed to start")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}

	select {
	case <-hubDone:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for pending notifications")
	}

	if err := container.Close(); err != nil {
		log.LogError(err, "Failed to close connections")
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Failed to flush telemetry")
	}

	log.Info("Server exited gracefully")
}
