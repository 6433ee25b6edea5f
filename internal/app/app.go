// Package app wires the database, queue, services and orchestrators shared by
// the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"crmcore/internal/config"
	"crmcore/internal/database"
	"crmcore/internal/orchestrator/jobs"
	"crmcore/internal/orchestrator/runner"
	"crmcore/internal/orchestrator/scheduler"
	"crmcore/internal/pgmq"
	"crmcore/internal/pubsub"
	"crmcore/internal/repository"
	"crmcore/internal/service"
	"crmcore/internal/telemetry"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	DB      *sql.DB
	Queue   *pgmq.Client
	Leases  service.LeaseService
	Ledger  service.LedgerService
	JobRepo repository.JobRecordRepository
	Catalog []jobs.Job
	Metrics *telemetry.Metrics
	// MetricsHandler serves the Prometheus scrape endpoint; nil when METRICS_ENABLED is off.
	MetricsHandler http.Handler

	dlq     repository.DLQRepository
	closers []func() error
	logger  zerolog.Logger
}

// Options select optional startup steps.
type Options struct {
	Migrate bool
	// Publisher overrides the Pub/Sub client, mainly for local runs without GCP.
	Publisher pubsub.Publisher
}

// New opens the database, optionally migrates it, makes sure the tick queues
// exist and builds every service.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	var resolver database.PasswordResolver
	if cfg.DBPasswordSecret != "" {
		secrets, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, secrets.Close)
		resolver = secrets
	}

	pool, err := database.Connect(ctx, cfg, resolver, logger)
	if err != nil {
		return nil, a.fail(err)
	}
	a.Pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if opts.Migrate || cfg.MigrateOnStart {
		if err := database.Migrate(ctx, pool, logger); err != nil {
			return nil, a.fail(err)
		}
	}

	a.DB = database.OpenSQL(pool)
	a.closers = append(a.closers, a.DB.Close)
	a.Queue = pgmq.New(a.DB)
	for _, q := range []string{cfg.TickQueueName, cfg.TickDeadLetterQueueName} {
		if q == "" {
			continue
		}
		if err := a.Queue.EnsureQueue(ctx, q); err != nil {
			return nil, a.fail(err)
		}
	}
	logger.Info().Str("queue", cfg.TickQueueName).Msg("PGMQ client initialized")

	if cfg.MetricsEnabled {
		handler, shutdown, err := telemetry.InitPrometheus()
		if err != nil {
			return nil, a.fail(err)
		}
		a.MetricsHandler = handler
		a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	}
	metrics, err := telemetry.NewGlobal()
	if err != nil {
		return nil, a.fail(err)
	}
	a.Metrics = metrics

	publisher := opts.Publisher
	if publisher == nil {
		p, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			return nil, a.fail(err)
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	// Repositories & services
	a.JobRepo = repository.NewJobRecordRepo(pool)
	userRepo := repository.NewUserRepo(pool)
	packageRepo := repository.NewPackageRepo(pool)
	pricingRepo := repository.NewPricingRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	a.dlq = repository.NewDLQRepository(pool)

	hostname, _ := os.Hostname()
	a.Leases = service.NewLeaseService(a.JobRepo, logger,
		service.WithLeaseTTL(cfg.LeaseTTL()),
		service.WithOwner(hostname),
		service.WithAlerter(service.NewPubSubAlerter(publisher, cfg.AlertTopic)),
		service.WithLeaseMetrics(metrics),
	)
	a.Ledger = service.NewLedgerService(packageRepo, pricingRepo, ledgerRepo, validate, metrics, logger)
	packageSvc := service.NewPackageService(packageRepo, userRepo, a.Ledger, cfg.JobBatchSize, logger)
	negativeSvc := service.NewNegativeCreditService(
		userRepo,
		service.NewPubSubNegativeCreditPolicy(publisher, cfg.NegativeCreditTopic),
		cfg.JobBatchSize,
		metrics,
		logger,
	)
	a.Catalog = jobs.Catalog(cfg, packageSvc, negativeSvc)
	return a, nil
}

// Runner builds the tick consumer.
func (a *App) Runner() *runner.Runner {
	return runner.New(a.Queue, a.Leases, a.dlq, a.Metrics, runner.SettingsFromConfig(a.Config), a.Catalog, a.logger)
}

// Scheduler builds the cron producer.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(a.Queue, a.Config.TickQueueName, a.Catalog, a.Config.JobFlags, a.logger)
}

// Ping reports whether the database is reachable.
func (a *App) Ping(ctx context.Context) error {
	return a.Pool.Ping(ctx)
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return fmt.Errorf("%w (cleanup: %v)", err, cerr)
	}
	return err
}
