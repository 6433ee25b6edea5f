// Package runner consumes job ticks from pgmq and runs each job under its lease.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/config"
	"crmcore/internal/model"
	"crmcore/internal/orchestrator/jobs"
	"crmcore/internal/pgmq"
	"crmcore/internal/repository"
	"crmcore/internal/service"
	"crmcore/internal/telemetry"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Queue is the pgmq surface the runner uses.
type Queue interface {
	ReadWithPoll(ctx context.Context, queue string, vtSec, timeoutSec, maxMessages int) ([]*pgmq.Message, error)
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
	Delete(ctx context.Context, queue string, msgID int64) error
}

// Settings tune the poll loop and retry policy.
type Settings struct {
	Queue           string
	DeadLetterQueue string
	Concurrency     int
	PollTimeoutSec  int
	VisibilitySec   int
	MaxRetries      int
	JobTimeout      time.Duration
	ErrorBackoff    time.Duration
	AckTimeout      time.Duration
	Flags           config.Flags
}

// SettingsFromConfig maps runner settings from the environment config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Queue:           cfg.TickQueueName,
		DeadLetterQueue: cfg.TickDeadLetterQueueName,
		Concurrency:     cfg.RunnerConcurrency,
		PollTimeoutSec:  cfg.RunnerPollTimeoutSec,
		VisibilitySec:   cfg.RunnerVisibilityTimeout,
		MaxRetries:      cfg.RunnerMaxRetries,
		JobTimeout:      cfg.JobTimeout(),
		ErrorBackoff:    time.Duration(cfg.RunnerErrorBackoffMillis) * time.Millisecond,
		AckTimeout:      10 * time.Second,
		Flags:           cfg.JobFlags,
	}
}

// Outcome is what happened to one delivered tick.
type Outcome string

const (
	OutcomeRan          Outcome = "ran"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFlagged      Outcome = "flag_disabled"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Runner dispatches ticks to registered jobs.
type Runner struct {
	queue    Queue
	leases   service.LeaseService
	dlq      repository.DLQRepository
	metrics  *telemetry.Metrics
	settings Settings
	jobs     map[string]jobs.Job
	logger   zerolog.Logger
}

// New creates a runner for the given catalog.
func New(
	queue Queue,
	leases service.LeaseService,
	dlq repository.DLQRepository,
	metrics *telemetry.Metrics,
	settings Settings,
	catalog []jobs.Job,
	logger zerolog.Logger,
) *Runner {
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.AckTimeout <= 0 {
		settings.AckTimeout = 10 * time.Second
	}
	log := logger.With().Str("component", "runner").Logger()
	// Handlers must finish before their tick becomes visible again.
	if vis := time.Duration(settings.VisibilitySec) * time.Second; vis > 0 &&
		(settings.JobTimeout <= 0 || settings.JobTimeout >= vis) {
		capped := vis - vis/10
		log.Warn().
			Dur("job_timeout", settings.JobTimeout).
			Dur("visibility", vis).
			Dur("capped", capped).
			Msg("Job timeout not below visibility timeout; capping")
		settings.JobTimeout = capped
	}
	r := &Runner{
		queue:    queue,
		leases:   leases,
		dlq:      dlq,
		metrics:  metrics,
		settings: settings,
		jobs:     make(map[string]jobs.Job, len(catalog)),
		logger:   log,
	}
	for _, j := range catalog {
		r.jobs[j.Name] = j
	}
	return r
}

// SkipFlagDisabled is returned by OnTick when JOB_FLAGS turns the job off.
const SkipFlagDisabled service.AcquireResult = "flag_disabled"

// OnTick runs the named job under its lease. Disabled flags, lease skips and
// unknown names return without running anything.
func (r *Runner) OnTick(ctx context.Context, tick jobs.Tick) (service.AcquireResult, error) {
	job, ok := r.jobs[tick.JobName]
	if !ok {
		return "", fmt.Errorf("%w: %s", jobs.ErrUnknownJob, tick.JobName)
	}
	log := r.logger.With().Str("job", job.Name).Str("job_id", job.JobID).Logger()
	if !r.settings.Flags.IsEnabled(job.Name) {
		log.Info().Msg("Job disabled by flag; dropping tick")
		return SkipFlagDisabled, nil
	}
	if tick.JobID != "" && tick.JobID != job.JobID {
		log.Warn().Str("tick_job_id", tick.JobID).Msg("Tick job id does not match catalog; using catalog id")
	}

	start := time.Now()
	res, err := r.leases.WithLease(ctx, job.JobID, func(ctx context.Context) error {
		if r.settings.JobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.settings.JobTimeout)
			defer cancel()
		}
		log.Info().Time("enqueued_at", tick.EnqueuedAt).Msg("Running job")
		return job.Handler(ctx, tick)
	})
	if res == service.Proceed {
		r.metrics.JobRan(ctx, job.JobID, err != nil)
		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
		}
		ev.Dur("duration", time.Since(start)).Msg("Job finished")
	}
	return res, err
}

// Run polls the tick queue and processes messages on a pool of workers until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Str("queue", r.settings.Queue).
		Int("concurrency", r.settings.Concurrency).
		Int("jobs", len(r.jobs)).
		Msg("Starting job runner")

	msgs := make(chan *pgmq.Message)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.settings.Concurrency; i++ {
		g.Go(func() error {
			for msg := range msgs {
				r.Process(gctx, msg)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(msgs)
		return r.poll(gctx, msgs)
	})

	err := g.Wait()
	r.logger.Info().Msg("Shutting down job runner")
	return err
}

func (r *Runner) poll(ctx context.Context, out chan<- *pgmq.Message) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := r.queue.ReadWithPoll(ctx, r.settings.Queue, r.settings.VisibilitySec, r.settings.PollTimeoutSec, r.settings.Concurrency)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Error reading tick queue")
			if !sleep(ctx, r.settings.ErrorBackoff) {
				return nil
			}
			continue
		}
		for _, msg := range batch {
			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Process handles one delivered message and reports what was done with it.
// Completed and skipped ticks are deleted; failed ticks stay on the queue for
// redelivery until MaxRetries, then move to the dead-letter queue.
func (r *Runner) Process(ctx context.Context, msg *pgmq.Message) Outcome {
	log := r.logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCount).Logger()

	tick, err := jobs.DecodeTick(msg.Data)
	if err != nil {
		log.Error().Err(err).Msg("Dropping malformed tick")
		r.deadLetter(ctx, msg, err)
		return OutcomeDeadLettered
	}

	res, err := r.OnTick(ctx, tick)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		log.Error().Err(err).Msg("Tick names an unregistered job")
		r.deadLetter(ctx, msg, err)
		return OutcomeDeadLettered
	case err != nil && res == service.Proceed:
		if msg.ReadCount >= r.settings.MaxRetries {
			log.Warn().Err(err).Int("max_retries", r.settings.MaxRetries).Msg("Exhausted job retries; moving tick to DLQ")
			r.deadLetter(ctx, msg, err)
			return OutcomeDeadLettered
		}
		log.Warn().Err(err).Msg("Job failed; tick will be redelivered")
		return OutcomeRetry
	case err != nil:
		// Lease store unavailable; nothing ran, so retry the same tick.
		if msg.ReadCount >= r.settings.MaxRetries {
			log.Error().Err(err).Int("max_retries", r.settings.MaxRetries).Msg("Lease store kept failing; moving tick to DLQ")
			r.deadLetter(ctx, msg, err)
			return OutcomeDeadLettered
		}
		log.Error().Err(err).Msg("Could not acquire job lease")
		return OutcomeRetry
	}

	r.ack(ctx, msg)
	switch res {
	case service.Proceed:
		return OutcomeRan
	case SkipFlagDisabled:
		return OutcomeFlagged
	default:
		return OutcomeSkipped
	}
}

func (r *Runner) ack(ctx context.Context, msg *pgmq.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.AckTimeout)
	defer cancel()
	if err := r.queue.Delete(ctx, r.settings.Queue, msg.ID); err != nil {
		r.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Error deleting tick")
	}
}

func (r *Runner) deadLetter(ctx context.Context, msg *pgmq.Message, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.AckTimeout)
	defer cancel()

	if r.settings.DeadLetterQueue != "" {
		if _, err := r.queue.Send(ctx, r.settings.DeadLetterQueue, msg.Data); err != nil {
			r.logger.Error().Err(err).Str("dlq", r.settings.DeadLetterQueue).Msg("Failed to send tick to dead-letter queue")
		}
	}
	if r.dlq != nil {
		lastErr := cause.Error()
		payload := string(msg.Data)
		if !json.Valid(msg.Data) {
			// payload is a jsonb column; keep unparseable bodies as a JSON string.
			quoted, _ := json.Marshal(payload)
			payload = string(quoted)
		}
		if err := r.dlq.Create(ctx, &model.DeadLetterMessage{
			QueueName: r.settings.Queue,
			MessageID: msg.ID,
			Payload:   payload,
			LastError: &lastErr,
			ReadCount: msg.ReadCount,
			Status:    "failed",
		}); err != nil {
			r.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Failed to persist dead letter")
		}
	}
	r.metrics.DeadLettered(ctx, r.settings.Queue)
	r.ack(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
