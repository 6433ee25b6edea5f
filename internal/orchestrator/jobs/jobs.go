// Package jobs defines the recurring jobs, their tick wire format and the
// table binding job names to lease ids, schedules and handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/config"
	"crmcore/internal/model"
	"crmcore/internal/service"
)

// Job names carried in ticks and used as JOB_FLAGS keys.
const (
	NamePackageRenew        = "package_renew"
	NameTrialUserActivation = "trial_user_activation"
	NameNegativeUsersList   = "negative_users_list"
)

var (
	// ErrUnknownJob is returned for ticks naming a job that is not registered.
	ErrUnknownJob = errors.New("unknown_job")
	// ErrMalformedTick is returned for ticks that cannot be decoded.
	ErrMalformedTick = errors.New("malformed_tick")
)

// Tick is one request to run a job, as carried on the queue.
type Tick struct {
	JobName    string          `json:"job_name"`
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DecodeTick parses a queue payload.
func DecodeTick(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("%w: %w", ErrMalformedTick, err)
	}
	if t.JobName == "" {
		return Tick{}, fmt.Errorf("%w: job_name is empty", ErrMalformedTick)
	}
	return t, nil
}

// Handler performs one run of a job. It is called while the job's lease is held.
type Handler func(ctx context.Context, tick Tick) error

// Job binds a name to its lease id, cron schedule and handler.
type Job struct {
	Name     string
	JobID    string
	Schedule string
	Handler  Handler
}

// NewTick builds the tick the scheduler enqueues for j.
func (j Job) NewTick(now time.Time) Tick {
	return Tick{JobName: j.Name, JobID: j.JobID, EnqueuedAt: now.UTC()}
}

// Catalog returns the recurring jobs wired to their services.
func Catalog(cfg *config.Config, packages service.PackageService, negative service.NegativeCreditService) []Job {
	return []Job{
		{
			Name:     NamePackageRenew,
			JobID:    model.JobIDPackageRenew,
			Schedule: cfg.PackageRenewSchedule,
			Handler: func(ctx context.Context, _ Tick) error {
				_, err := packages.RenewDuePackages(ctx)
				return err
			},
		},
		{
			Name:     NameTrialUserActivation,
			JobID:    model.JobIDTrialUserActivation,
			Schedule: cfg.TrialActivationSchedule,
			Handler: func(ctx context.Context, _ Tick) error {
				_, err := packages.ActivateTrials(ctx)
				return err
			},
		},
		{
			Name:     NameNegativeUsersList,
			JobID:    model.JobIDNegativeUsersList,
			Schedule: cfg.NegativeUsersListSchedule,
			Handler: func(ctx context.Context, _ Tick) error {
				_, err := negative.Sweep(ctx)
				return err
			},
		},
	}
}

// Find returns the job named name.
func Find(catalog []Job, name string) (Job, error) {
	for _, j := range catalog {
		if j.Name == name {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// Sender is the queue write used to enqueue ticks.
type Sender interface {
	Send(ctx context.Context, queue string, payload []byte) (int64, error)
}

// Enqueue sends a tick for j onto queue and returns the queue message id.
func Enqueue(ctx context.Context, q Sender, queue string, j Job, now time.Time) (int64, error) {
	payload, err := json.Marshal(j.NewTick(now))
	if err != nil {
		return 0, fmt.Errorf("marshal tick for %s: %w", j.Name, err)
	}
	id, err := q.Send(ctx, queue, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue tick for %s: %w", j.Name, err)
	}
	return id, nil
}
