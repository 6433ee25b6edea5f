package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
)

// PackageRepository defines methods for accessing user package data.
type PackageRepository interface {
	// GetCurrentPackage returns the user's ACTIVE or TRIALING package, or nil when none exists.
	GetCurrentPackage(ctx context.Context, userID string) (*model.UserPackage, error)
	// ListDueRenewals returns auto-renewing ACTIVE packages whose period ended at or before now.
	ListDueRenewals(ctx context.Context, now time.Time, limit int) ([]model.DuePackage, error)
	// ListDueTrials returns TRIALING packages whose trial ended at or before now.
	ListDueTrials(ctx context.Context, now time.Time, limit int) ([]model.DuePackage, error)
	// AdvancePeriod moves an ACTIVE package into its next billing period. It runs on q so
	// callers can put it in the same transaction as the renewal charge.
	AdvancePeriod(ctx context.Context, q Querier, userPackageID string, start, end time.Time) error
	// ActivateTrial promotes a TRIALING package to ACTIVE for the given period.
	ActivateTrial(ctx context.Context, userPackageID string, start, end time.Time) (bool, error)
	// Expire marks an ACTIVE or TRIALING package as EXPIRED.
	Expire(ctx context.Context, userPackageID string) (bool, error)
}

type packageRepo struct {
	db Querier
}

// NewPackageRepo creates a new PackageRepository.
func NewPackageRepo(db Querier) PackageRepository {
	return &packageRepo{db: db}
}

const userPackageColumns = `
	up.id, up.user_id, up.agency_id, up.package_id, up.status, up.auto_renew,
	up.current_period_start, up.current_period_end, up.trial_ends_at, up.created_at, up.updated_at`

func scanUserPackage(row pgx.Row, extra ...any) (*model.UserPackage, error) {
	var up model.UserPackage
	var status string
	dest := []any{
		&up.ID,
		&up.UserID,
		&up.AgencyID,
		&up.PackageID,
		&status,
		&up.AutoRenew,
		&up.CurrentPeriodStart,
		&up.CurrentPeriodEnd,
		&up.TrialEndsAt,
		&up.CreatedAt,
		&up.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	up.Status = model.PackageStatus(status)
	return &up, nil
}

func (r *packageRepo) GetCurrentPackage(ctx context.Context, userID string) (*model.UserPackage, error) {
	q := `
		SELECT ` + userPackageColumns + `
		FROM user_packages up
		WHERE up.user_id = $1
		  AND up.status IN ('ACTIVE', 'TRIALING')
		ORDER BY up.created_at DESC
		LIMIT 1
	`
	up, err := scanUserPackage(r.db.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch current package for user %s: %w", userID, err)
	}
	return up, nil
}

func (r *packageRepo) ListDueRenewals(ctx context.Context, now time.Time, limit int) ([]model.DuePackage, error) {
	q := `
		SELECT ` + userPackageColumns + `, p.price::text, p.duration_days
		FROM user_packages up
		JOIN packages p ON p.id = up.package_id
		WHERE up.status = 'ACTIVE'
		  AND up.auto_renew
		  AND up.current_period_end <= $1
		ORDER BY up.current_period_end ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due renewals: %w", err)
	}
	defer rows.Close()
	return scanDuePackages(rows, "list due renewals")
}

func scanDuePackages(rows pgx.Rows, op string) ([]model.DuePackage, error) {
	due := []model.DuePackage{}
	for rows.Next() {
		var price string
		var duration int
		up, err := scanUserPackage(rows, &price, &duration)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		p, err := parseDecimal(price)
		if err != nil {
			return nil, err
		}
		due = append(due, model.DuePackage{UserPackage: *up, Price: p, DurationDays: duration})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return due, nil
}

func (r *packageRepo) ListDueTrials(ctx context.Context, now time.Time, limit int) ([]model.DuePackage, error) {
	q := `
		SELECT ` + userPackageColumns + `, p.price::text, p.duration_days
		FROM user_packages up
		JOIN packages p ON p.id = up.package_id
		WHERE up.status = 'TRIALING'
		  AND up.trial_ends_at IS NOT NULL
		  AND up.trial_ends_at <= $1
		ORDER BY up.trial_ends_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due trials: %w", err)
	}
	defer rows.Close()
	return scanDuePackages(rows, "list due trials")
}

func (r *packageRepo) AdvancePeriod(ctx context.Context, q Querier, userPackageID string, start, end time.Time) error {
	const stmt = `
		UPDATE user_packages
		SET current_period_start = $2, current_period_end = $3, updated_at = NOW()
		WHERE id = $1
		  AND status = 'ACTIVE'
	`
	if q == nil {
		q = r.db
	}
	tag, err := q.Exec(ctx, stmt, userPackageID, start, end)
	if err != nil {
		return fmt.Errorf("advance period for user package %s: %w", userPackageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance period for user package %s: %w", userPackageID, ErrNotFound)
	}
	return nil
}

func (r *packageRepo) ActivateTrial(ctx context.Context, userPackageID string, start, end time.Time) (bool, error) {
	const q = `
		UPDATE user_packages
		SET status = 'ACTIVE', current_period_start = $2, current_period_end = $3, updated_at = NOW()
		WHERE id = $1
		  AND status = 'TRIALING'
	`
	tag, err := r.db.Exec(ctx, q, userPackageID, start, end)
	if err != nil {
		return false, fmt.Errorf("activate trial %s: %w", userPackageID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *packageRepo) Expire(ctx context.Context, userPackageID string) (bool, error) {
	const q = `
		UPDATE user_packages
		SET status = 'EXPIRED', updated_at = NOW()
		WHERE id = $1
		  AND status IN ('ACTIVE', 'TRIALING')
	`
	tag, err := r.db.Exec(ctx, q, userPackageID)
	if err != nil {
		return false, fmt.Errorf("expire user package %s: %w", userPackageID, err)
	}
	return tag.RowsAffected() == 1, nil
}
