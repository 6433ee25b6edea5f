package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userPackageCols = []string{
	"id", "user_id", "agency_id", "package_id", "status", "auto_renew",
	"current_period_start", "current_period_end", "trial_ends_at", "created_at", "updated_at",
}

func TestPackageRepo_GetCurrentPackage(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPackageRepo(mock)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	mock.ExpectQuery(`FROM user_packages up`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(userPackageCols).
			AddRow("up-1", "user-1", "agency-1", "pkg-basic", "ACTIVE", true, start, end, (*time.Time)(nil), start, start))

	up, err := repo.GetCurrentPackage(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, model.PackageStatusActive, up.Status)
	assert.Equal(t, end, up.CurrentPeriodEnd)
	assert.Nil(t, up.TrialEndsAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPackageRepo_GetCurrentPackage_None(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPackageRepo(mock)

	mock.ExpectQuery(`FROM user_packages up`).
		WithArgs("user-2").
		WillReturnError(pgx.ErrNoRows)

	up, err := repo.GetCurrentPackage(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Nil(t, up)
}

func TestPackageRepo_ListDueRenewals(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPackageRepo(mock)
	now := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	start := now.AddDate(0, 0, -30)

	cols := append(append([]string{}, userPackageCols...), "price", "duration_days")
	mock.ExpectQuery(`JOIN packages p ON p.id = up.package_id`).
		WithArgs(now, 50).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("up-1", "user-1", "agency-1", "pkg-basic", "ACTIVE", true, start, now, (*time.Time)(nil), start, start, "19.90", 30))

	due, err := repo.ListDueRenewals(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "up-1", due[0].ID)
	assert.Equal(t, "19.9", due[0].Price.String())
	assert.Equal(t, 30, due[0].DurationDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPackageRepo_AdvancePeriod(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPackageRepo(mock)
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	mock.ExpectExec(`UPDATE user_packages`).
		WithArgs("up-1", start, end).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.AdvancePeriod(context.Background(), nil, "up-1", start, end))

	mock.ExpectExec(`UPDATE user_packages`).
		WithArgs("up-gone", start, end).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err := repo.AdvancePeriod(context.Background(), nil, "up-gone", start, end)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPackageRepo_ExpireAndActivate(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPackageRepo(mock)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`SET status = 'EXPIRED'`).
		WithArgs("up-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := repo.Expire(context.Background(), "up-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`SET status = 'ACTIVE'`).
		WithArgs("up-2", now, now.AddDate(0, 0, 30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err = repo.ActivateTrial(context.Background(), "up-2", now, now.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPricingRepo_FindPricing(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPricingRepo(mock)

	mock.ExpectQuery(`FROM messaging_pricings`).
		WithArgs("pkg-basic", "whatsapp", "OUT").
		WillReturnRows(pgxmock.NewRows([]string{"id", "package_id", "message_type", "direction", "price", "price_type"}).
			AddRow("price-1", "pkg-basic", "whatsapp", "OUT", "5.00", "PRICE"))

	p, err := repo.FindPricing(context.Background(), "pkg-basic", "whatsapp", model.DirectionOut)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, model.PriceTypeFlat, p.PriceType)
	assert.Equal(t, "5", p.Price.String())

	mock.ExpectQuery(`FROM messaging_pricings`).
		WithArgs("pkg-basic", "email", "IN").
		WillReturnError(pgx.ErrNoRows)
	p, err = repo.FindPricing(context.Background(), "pkg-basic", "email", model.DirectionIn)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_ListNegativeBalances(t *testing.T) {
	mock := newMockPool(t)
	repo := NewUserRepo(mock)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE current_credit < 0`).
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "agency_id", "current_credit", "created_at", "updated_at"}).
			AddRow("user-1", "agency-1", "-12.5", created, created).
			AddRow("user-2", "agency-1", "-0.01", created, created))

	users, err := repo.ListNegativeBalances(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, users[0].IsNegative())
	assert.Equal(t, "-12.5", users[0].CurrentCredit.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetUserByID_QueryError(t *testing.T) {
	mock := newMockPool(t)
	repo := NewUserRepo(mock)

	mock.ExpectQuery(`FROM users WHERE id`).
		WithArgs("user-1").
		WillReturnError(errors.New("conn closed"))

	_, err := repo.GetUserByID(context.Background(), "user-1")
	assert.ErrorContains(t, err, "fetch user user-1")
}

func TestDLQRepository_Create(t *testing.T) {
	mock := newMockPool(t)
	repo := NewDLQRepository(mock)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lastErr := "boom"
	msg := &model.DeadLetterMessage{
		QueueName: "ticks",
		MessageID: 42,
		Payload:   `{"job_name":"package_renew"}`,
		LastError: &lastErr,
		ReadCount: 5,
		Status:    "failed",
	}

	mock.ExpectQuery(`INSERT INTO dead_letter_messages`).
		WithArgs("ticks", int64(42), msg.Payload, &lastErr, 5, "failed").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("dlq-1", now, now))

	require.NoError(t, repo.Create(context.Background(), msg))
	assert.Equal(t, "dlq-1", msg.ID)
	assert.Equal(t, now, msg.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
