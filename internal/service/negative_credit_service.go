package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/model"
	"crmcore/internal/pubsub"
	"crmcore/internal/repository"
	"crmcore/internal/telemetry"

	"github.com/rs/zerolog"
)

// NegativeCreditPolicy decides what happens to a user whose balance went below zero.
type NegativeCreditPolicy interface {
	Apply(ctx context.Context, user model.User) error
}

// NegativeCreditNotice is the message published for each negative balance.
type NegativeCreditNotice struct {
	UserID        string    `json:"user_id"`
	AgencyID      string    `json:"agency_id"`
	CurrentCredit string    `json:"current_credit"`
	DetectedAt    time.Time `json:"detected_at"`
}

type pubSubNegativeCreditPolicy struct {
	pub   pubsub.Publisher
	topic string
	now   func() time.Time
}

// NewPubSubNegativeCreditPolicy publishes a NegativeCreditNotice per user on topic.
func NewPubSubNegativeCreditPolicy(pub pubsub.Publisher, topic string) NegativeCreditPolicy {
	return &pubSubNegativeCreditPolicy{pub: pub, topic: topic, now: time.Now}
}

func (p *pubSubNegativeCreditPolicy) Apply(ctx context.Context, user model.User) error {
	_, err := pubsub.PublishJSON(ctx, p.pub, p.topic, NegativeCreditNotice{
		UserID:        user.UserID,
		AgencyID:      user.AgencyID,
		CurrentCredit: user.CurrentCredit.String(),
		DetectedAt:    p.now().UTC(),
	})
	return err
}

// SweepReport counts the outcome of one sweep.
type SweepReport struct {
	Found    int
	Notified int
	Failed   int
}

type NegativeCreditService interface {
	// Sweep hands every user with a negative balance to the policy.
	Sweep(ctx context.Context) (SweepReport, error)
}

type negativeCreditService struct {
	users     repository.UserRepository
	policy    NegativeCreditPolicy
	batchSize int
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// NewNegativeCreditService creates a new NegativeCreditService with a scoped logger.
func NewNegativeCreditService(
	users repository.UserRepository,
	policy NegativeCreditPolicy,
	batchSize int,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
) NegativeCreditService {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &negativeCreditService{
		users:     users,
		policy:    policy,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger.With().Str("service", "NegativeCreditService").Logger(),
	}
}

func (s *negativeCreditService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	users, err := s.users.ListNegativeBalances(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list negative balances")
		return report, err
	}
	report.Found = len(users)
	s.metrics.NegativeUsers(ctx, len(users))

	var errs []error
	for _, u := range users {
		if err := s.policy.Apply(ctx, u); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("negative credit policy for user %s: %w", u.UserID, err))
			s.logger.Error().Err(err).Str("user_id", u.UserID).Msg("Failed to apply negative credit policy")
			continue
		}
		report.Notified++
	}

	s.logger.Info().
		Int("found", report.Found).
		Int("notified", report.Notified).
		Int("failed", report.Failed).
		Msg("Negative credit sweep finished")
	return report, errors.Join(errs...)
}
