// Package scheduler enqueues job ticks on their cron cadence. Running more than
// one scheduler only produces duplicate ticks; the runner's lease drops them.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"crmcore/internal/config"
	"crmcore/internal/orchestrator/jobs"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler owns the cron entries for the job catalog.
type Scheduler struct {
	cron   *cronlib.Cron
	queue  jobs.Sender
	name   string
	flags  config.Flags
	now    func() time.Time
	logger zerolog.Logger
}

// New registers one cron entry per job. Jobs switched off in flags are not scheduled.
func New(queue jobs.Sender, queueName string, catalog []jobs.Job, flags config.Flags, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cronlib.New(cronlib.WithParser(cronParser), cronlib.WithLocation(time.UTC)),
		queue:  queue,
		name:   queueName,
		flags:  flags,
		now:    time.Now,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
	for _, j := range catalog {
		if !flags.IsEnabled(j.Name) {
			s.logger.Info().Str("job", j.Name).Msg("Job disabled by flag; not scheduling")
			continue
		}
		sched, err := ParseSchedule(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q for job %s: %w", j.Schedule, j.Name, err)
		}
		s.cron.Schedule(sched, cronlib.FuncJob(func() { s.Fire(context.Background(), j) }))
		s.logger.Info().Str("job", j.Name).Str("schedule", j.Schedule).Time("next", sched.Next(s.now())).Msg("Scheduled job")
	}
	return s, nil
}

// Fire enqueues one tick for job.
func (s *Scheduler) Fire(ctx context.Context, job jobs.Job) {
	id, err := jobs.Enqueue(ctx, s.queue, s.name, job, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("Failed to enqueue tick")
		return
	}
	s.logger.Debug().Str("job", job.Name).Int64("msg_id", id).Msg("Enqueued tick")
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight enqueues to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info().Int("entries", s.Entries()).Msg("Cron scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Cron scheduler stopped")
	return nil
}
