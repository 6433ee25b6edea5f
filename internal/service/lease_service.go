package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/model"
	"crmcore/internal/repository"
	"crmcore/internal/telemetry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AcquireResult says whether a caller may run a job.
type AcquireResult string

const (
	Proceed            AcquireResult = "proceed"
	SkipAlreadyRunning AcquireResult = "already_running"
	SkipDisabled       AcquireResult = "disabled"
	SkipNoRecord       AcquireResult = "no_record"
)

// ReleaseOutcome selects the status a released job record returns to.
type ReleaseOutcome int

const (
	OutcomeSucceeded ReleaseOutcome = iota
	OutcomeFailed
	// OutcomeDisable parks the record at DISABLED so later ticks skip it.
	OutcomeDisable
)

var (
	// ErrLeaseLost is returned by Release when the record is no longer held by the lease,
	// e.g. an operator reset it or its TTL expired and another worker took it.
	ErrLeaseLost = errors.New("lease_lost")
	// ErrReleaseFailed wraps a failed release write. The record stays PROCESSING
	// until an operator resets it.
	ErrReleaseFailed = errors.New("lease_release_failed")
	// ErrDisableJob may be wrapped by a job to park its record at DISABLED.
	ErrDisableJob = errors.New("disable_job")
)

// Lease is the exclusive right to run one job, held between TryAcquire and Release.
type Lease struct {
	JobID      string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// LeaseService coordinates job execution across processes using job_records
// as the lock medium.
type LeaseService interface {
	TryAcquire(ctx context.Context, jobID string) (*Lease, AcquireResult, error)
	Release(ctx context.Context, lease *Lease, outcome ReleaseOutcome) error
	// WithLease runs fn while holding the job's lease and releases it on every exit
	// path, panics included. fn's error is returned after the release.
	WithLease(ctx context.Context, jobID string, fn func(ctx context.Context) error) (AcquireResult, error)
	// ForceRelease returns a wedged PROCESSING record to QUEUED.
	ForceRelease(ctx context.Context, jobID string) (bool, error)
}

// LeaseOption configures the lease service.
type LeaseOption func(*leaseService)

// WithLeaseTTL lets an unreleased lease be taken over once ttl has passed. Zero disables expiry.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(s *leaseService) { s.ttl = ttl }
}

// WithOwner prefixes lease tokens so operators can tell which process holds a job.
func WithOwner(owner string) LeaseOption {
	return func(s *leaseService) { s.owner = owner }
}

// WithAlerter reports wedged leases to an out-of-band channel.
func WithAlerter(a Alerter) LeaseOption {
	return func(s *leaseService) { s.alerter = a }
}

// WithLeaseMetrics records skip reasons and wedged leases.
func WithLeaseMetrics(m *telemetry.Metrics) LeaseOption {
	return func(s *leaseService) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) LeaseOption {
	return func(s *leaseService) { s.now = now }
}

type leaseService struct {
	repo           repository.JobRecordRepository
	logger         zerolog.Logger
	ttl            time.Duration
	owner          string
	alerter        Alerter
	metrics        *telemetry.Metrics
	now            func() time.Time
	releaseTimeout time.Duration
}

// NewLeaseService creates a LeaseService with a scoped logger.
func NewLeaseService(repo repository.JobRecordRepository, logger zerolog.Logger, opts ...LeaseOption) LeaseService {
	s := &leaseService{
		repo:           repo,
		logger:         logger.With().Str("service", "LeaseService").Logger(),
		now:            time.Now,
		releaseTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *leaseService) newToken() string {
	if s.owner == "" {
		return uuid.NewString()
	}
	return s.owner + "/" + uuid.NewString()
}

// TryAcquire reads the record first so skips never write, then takes the lease
// with a conditional update that only succeeds while the record is still takeable.
func (s *leaseService) TryAcquire(ctx context.Context, jobID string) (*Lease, AcquireResult, error) {
	rec, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	if res := s.classify(rec, now); res != Proceed {
		s.skipped(ctx, jobID, res)
		return nil, res, nil
	}

	lease := &Lease{JobID: jobID, Token: s.newToken(), AcquiredAt: now}
	if s.ttl > 0 {
		until := now.Add(s.ttl)
		lease.ExpiresAt = &until
	}
	ok, err := s.repo.MarkProcessing(ctx, jobID, lease.Token, lease.ExpiresAt, now)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		// Another worker won the update between our read and write.
		s.skipped(ctx, jobID, SkipAlreadyRunning)
		return nil, SkipAlreadyRunning, nil
	}
	s.logger.Debug().Str("job_id", jobID).Str("token", lease.Token).Msg("Lease acquired")
	return lease, Proceed, nil
}

func (s *leaseService) classify(rec *model.JobRecord, now time.Time) AcquireResult {
	switch {
	case rec == nil:
		return SkipNoRecord
	case rec.IsDisabled():
		return SkipDisabled
	case rec.IsProcessing():
		if s.ttl > 0 && rec.LockedUntil != nil && rec.LockedUntil.Before(now) {
			s.logger.Warn().
				Str("job_id", rec.JobID).
				Time("locked_until", *rec.LockedUntil).
				Msg("Lease expired, taking over")
			return Proceed
		}
		return SkipAlreadyRunning
	case *rec.Status == model.JobStatusQueued:
		return Proceed
	default:
		return SkipDisabled
	}
}

func (s *leaseService) skipped(ctx context.Context, jobID string, res AcquireResult) {
	s.metrics.JobSkipped(ctx, jobID, string(res))
	ev := s.logger.Info()
	if res == SkipNoRecord {
		ev = s.logger.Warn()
	}
	ev.Str("job_id", jobID).Str("reason", string(res)).Msg("Skipping job tick")
}

func (s *leaseService) Release(ctx context.Context, lease *Lease, outcome ReleaseOutcome) error {
	status := model.JobStatusQueued
	if outcome == OutcomeDisable {
		status = model.JobStatusDisabled
	}
	at := s.now()
	ok, err := s.repo.Release(ctx, lease.JobID, lease.Token, status, at)
	if err != nil {
		err = fmt.Errorf("%w: job %s: %w", ErrReleaseFailed, lease.JobID, err)
		s.reportWedged(ctx, lease, err)
		return err
	}
	if !ok {
		s.logger.Warn().
			Str("job_id", lease.JobID).
			Str("token", lease.Token).
			Msg("Lease no longer held at release")
		return fmt.Errorf("release job %s: %w", lease.JobID, ErrLeaseLost)
	}
	s.logger.Debug().
		Str("job_id", lease.JobID).
		Str("status", string(status)).
		Dur("held", at.Sub(lease.AcquiredAt)).
		Msg("Lease released")
	return nil
}

// reportWedged surfaces a failed release. It is never retried here.
func (s *leaseService) reportWedged(ctx context.Context, lease *Lease, err error) {
	s.logger.WithLevel(zerolog.FatalLevel).
		Err(err).
		Bool("wedged", true).
		Str("job_id", lease.JobID).
		Str("token", lease.Token).
		Msg("Lease release failed; job stays PROCESSING until reset")
	s.metrics.LeaseWedged(ctx, lease.JobID)
	if s.alerter == nil {
		return
	}
	alert := LeaseAlert{
		JobID:      lease.JobID,
		Token:      lease.Token,
		AcquiredAt: lease.AcquiredAt,
		Error:      err.Error(),
		DetectedAt: s.now(),
	}
	if alertErr := s.alerter.LeaseWedged(ctx, alert); alertErr != nil {
		s.logger.Error().Err(alertErr).Str("job_id", lease.JobID).Msg("Failed to publish wedged lease alert")
	}
}

func (s *leaseService) WithLease(ctx context.Context, jobID string, fn func(ctx context.Context) error) (result AcquireResult, err error) {
	lease, result, err := s.TryAcquire(ctx, jobID)
	if err != nil || result != Proceed {
		return result, err
	}

	outcome := OutcomeFailed
	defer func() {
		p := recover()
		// The job context may already be cancelled; release must still reach the store.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.releaseTimeout)
		defer cancel()
		if relErr := s.Release(relCtx, lease, outcome); relErr != nil {
			err = errors.Join(err, relErr)
		}
		if p != nil {
			panic(p)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		outcome = OutcomeSucceeded
	case errors.Is(err, ErrDisableJob):
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job requested to be disabled")
		outcome = OutcomeDisable
		err = nil
	}
	return result, err
}

func (s *leaseService) ForceRelease(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.repo.ForceQueue(ctx, jobID, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Warn().Str("job_id", jobID).Msg("Lease force-released by operator")
	} else {
		s.logger.Info().Str("job_id", jobID).Msg("Nothing to release; job is not PROCESSING")
	}
	return ok, nil
}
