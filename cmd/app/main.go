package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"crmcore/internal/app"
	"crmcore/internal/config"
	"crmcore/internal/logger"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// main runs the scheduler, the tick runner and the health probe in one process.
func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Build services (and get DB connection)
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close()

	sched, err := a.Scheduler()
	if err != nil {
		logger.Fatal().Msgf("Failed to build scheduler: %v", err)
	}

	// 3. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.HealthHandler(a, a.MetricsHandler, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Start everything; the first failure stops the rest
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return a.Runner().Run(gctx) })
	g.Go(func() error {
		logger.Info().Msgf("Health server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 5. Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown signal received, exiting...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Process stopped with error")
		return
	}
	logger.Info().Msg("Shut down gracefully")
}
