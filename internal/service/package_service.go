package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/model"
	"crmcore/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LifecycleReport summarizes one pass over due packages.
type LifecycleReport struct {
	Seen      int
	Renewed   int
	Activated int
	Expired   int
	Failed    int
}

// PackageService drives the time-based transitions of user packages.
type PackageService interface {
	// RenewDuePackages charges and extends auto-renewing packages whose period ended.
	// Users who cannot cover the price are expired instead.
	RenewDuePackages(ctx context.Context) (LifecycleReport, error)
	// ActivateTrials promotes finished trials to ACTIVE when the user has credit,
	// and expires the rest.
	ActivateTrials(ctx context.Context) (LifecycleReport, error)
}

type packageService struct {
	packages  repository.PackageRepository
	users     repository.UserRepository
	ledger    LedgerService
	batchSize int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewPackageService creates a new PackageService with a scoped logger.
func NewPackageService(
	packages repository.PackageRepository,
	users repository.UserRepository,
	ledger LedgerService,
	batchSize int,
	logger zerolog.Logger,
) PackageService {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &packageService{
		packages:  packages,
		users:     users,
		ledger:    ledger,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With().Str("service", "PackageService").Logger(),
	}
}

func (s *packageService) RenewDuePackages(ctx context.Context) (LifecycleReport, error) {
	var report LifecycleReport
	now := s.now()
	due, err := s.packages.ListDueRenewals(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due renewals")
		return report, err
	}
	report.Seen = len(due)

	var errs []error
	for _, dp := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		renewed, err := s.renew(ctx, dp, now)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
			s.logger.Error().Err(err).Str("user_package_id", dp.ID).Str("user_id", dp.UserID).Msg("Failed to renew package")
		case renewed:
			report.Renewed++
		default:
			report.Expired++
		}
	}

	s.logger.Info().
		Int("seen", report.Seen).
		Int("renewed", report.Renewed).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Package renewal pass finished")
	return report, errors.Join(errs...)
}

// renew reports true when the package entered a new period and false when it was expired.
func (s *packageService) renew(ctx context.Context, dp model.DuePackage, now time.Time) (bool, error) {
	start := dp.CurrentPeriodEnd
	end := start.AddDate(0, 0, dp.DurationDays)
	// A package that lapsed for more than a whole period restarts from now.
	if !end.After(now) {
		start = now
		end = now.AddDate(0, 0, dp.DurationDays)
	}

	if dp.Price.IsZero() {
		return true, s.packages.AdvancePeriod(ctx, nil, dp.ID, start, end)
	}

	user, err := s.users.GetUserByID(ctx, dp.UserID)
	if err != nil {
		return false, err
	}
	if user == nil || user.CurrentCredit.LessThan(dp.Price) {
		if _, err := s.packages.Expire(ctx, dp.ID); err != nil {
			return false, err
		}
		s.logger.Info().Str("user_package_id", dp.ID).Str("user_id", dp.UserID).Msg("Insufficient credit for renewal; package expired")
		return false, nil
	}

	upID := dp.ID
	_, err = s.ledger.Charge(ctx, ChargeRequest{
		UserID:        dp.UserID,
		AgencyID:      dp.AgencyID,
		Amount:        dp.Price,
		UserPackageID: &upID,
		Reason:        fmt.Sprintf("package %s renewal %s - %s", dp.PackageID, start.Format(time.DateOnly), end.Format(time.DateOnly)),
	}, func(ctx context.Context, tx pgx.Tx) error {
		return s.packages.AdvancePeriod(ctx, tx, dp.ID, start, end)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *packageService) ActivateTrials(ctx context.Context) (LifecycleReport, error) {
	var report LifecycleReport
	now := s.now()
	due, err := s.packages.ListDueTrials(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due trials")
		return report, err
	}
	report.Seen = len(due)

	var errs []error
	for _, dp := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		activated, err := s.activate(ctx, dp, now)
		switch {
		case err != nil:
			report.Failed++
			errs = append(errs, err)
			s.logger.Error().Err(err).Str("user_package_id", dp.ID).Str("user_id", dp.UserID).Msg("Failed to settle trial")
		case activated:
			report.Activated++
		default:
			report.Expired++
		}
	}

	s.logger.Info().
		Int("seen", report.Seen).
		Int("activated", report.Activated).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Trial activation pass finished")
	return report, errors.Join(errs...)
}

func (s *packageService) activate(ctx context.Context, dp model.DuePackage, now time.Time) (bool, error) {
	user, err := s.users.GetUserByID(ctx, dp.UserID)
	if err != nil {
		return false, err
	}
	if user == nil || !user.CurrentCredit.IsPositive() {
		_, err := s.packages.Expire(ctx, dp.ID)
		return false, err
	}
	ok, err := s.packages.ActivateTrial(ctx, dp.ID, now, now.AddDate(0, 0, dp.DurationDays))
	if err != nil {
		return false, err
	}
	if !ok {
		// Changed state since it was listed; nothing to do.
		s.logger.Debug().Str("user_package_id", dp.ID).Msg("Trial no longer TRIALING")
	}
	return ok, nil
}
