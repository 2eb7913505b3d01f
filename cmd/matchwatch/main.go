// Command matchwatch is the Matchwatch notification server. It serves the
// webhook and operator API and runs the detect, drain, release and cleanup
// cycles on their configured intervals.
//
// Usage:
//
//	matchwatch
//	STORE_DRIVER=memory EMAIL_PROVIDER=mock WEBHOOK_ALLOW_UNSIGNED=true matchwatch

// @title Matchwatch API
// @version 1.0.0
// @description Delivery pipeline for Chess.com activity alerts.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @contact.name Matchwatch
// @license.name MIT
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
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

	"github.com/joho/godotenv"

	"github.com/albapepper/matchwatch/internal/app"
	"github.com/albapepper/matchwatch/internal/config"
	"github.com/albapepper/matchwatch/internal/listener"
	"github.com/albapepper/matchwatch/internal/pipeline"

	_ "github.com/albapepper/matchwatch/docs" // swagger docs
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	sched := pipeline.NewScheduler(a.Pipeline)
	if err := sched.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Drain as soon as Postgres reports a claimable item.
	if a.Pool != nil {
		go listener.Start(ctx, cfg.DatabaseURL, listener.ChannelQueueReady, func(string) { sched.Wake() }, logger)
	}

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Matchwatch",
			"addr", addr,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout. In-flight cycles get the same budget.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	sched.Stop(shutdownCtx)
	logger.Info("Server stopped")
}
