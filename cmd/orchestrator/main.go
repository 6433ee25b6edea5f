package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"crmcore/internal/app"
	"crmcore/internal/config"
	"crmcore/internal/logger"
	"crmcore/internal/orchestrator/jobs"

	"github.com/joho/godotenv"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "", "Orchestrator mode: scheduler|runner|unwedge|tick")
	jobName := flag.String("job", "", "Job name for -mode=tick, job id or name for -mode=unwedge")
	migrate := flag.Bool("migrate", false, "Apply database migrations before starting")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{Migrate: *migrate})
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer a.Close()

	// Dispatch to the selected orchestrator
	var runErr error
	switch *mode {
	case "scheduler":
		sched, err := a.Scheduler()
		if err != nil {
			logger.Fatal().Msgf("Failed to build scheduler: %v", err)
		}
		runErr = sched.Run(ctx)
	case "runner":
		runErr = a.Runner().Run(ctx)
	case "unwedge":
		runErr = unwedge(ctx, a, *jobName)
	case "tick":
		runErr = tick(ctx, a, *jobName)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		a.Close()
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}

// unwedge returns a job left PROCESSING by a failed release to QUEUED.
func unwedge(ctx context.Context, a *app.App, name string) error {
	jobID := name
	if j, err := jobs.Find(a.Catalog, name); err == nil {
		jobID = j.JobID
	}
	_, err := a.Leases.ForceRelease(ctx, jobID)
	return err
}

// tick enqueues one tick for the named job outside its schedule.
func tick(ctx context.Context, a *app.App, name string) error {
	j, err := jobs.Find(a.Catalog, name)
	if err != nil {
		return err
	}
	_, err = jobs.Enqueue(ctx, a.Queue, a.Config.TickQueueName, j, time.Now())
	return err
}
