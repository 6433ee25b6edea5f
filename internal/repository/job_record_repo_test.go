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

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestJobRecordRepo_GetMissingReturnsNil(t *testing.T) {
	mock := newMockPool(t)
	repo := NewJobRecordRepo(mock)

	mock.ExpectQuery(`SELECT job_id, status`).
		WithArgs("unknown_id").
		WillReturnError(pgx.ErrNoRows)

	rec, err := repo.Get(context.Background(), "unknown_id")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRecordRepo_GetScansStatus(t *testing.T) {
	mock := newMockPool(t)
	repo := NewJobRecordRepo(mock)

	status := "PROCESSING"
	owner := "worker-1"
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	updated := last.Add(time.Minute)
	mock.ExpectQuery(`SELECT job_id, status`).
		WithArgs(model.JobIDPackageRenew).
		WillReturnRows(pgxmock.NewRows([]string{"job_id", "status", "last_processed_at", "locked_by", "locked_until", "updated_at"}).
			AddRow(model.JobIDPackageRenew, &status, &last, &owner, (*time.Time)(nil), updated))

	rec, err := repo.Get(context.Background(), model.JobIDPackageRenew)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsProcessing())
	assert.Equal(t, last, *rec.LastProcessedAt)
	assert.Equal(t, "worker-1", *rec.LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRecordRepo_MarkProcessingReportsRowsAffected(t *testing.T) {
	for _, tc := range []struct {
		name     string
		affected int64
		want     bool
	}{
		{"taken", 1, true},
		{"held elsewhere", 0, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMockPool(t)
			repo := NewJobRecordRepo(mock)
			now := time.Now()

			mock.ExpectExec(`UPDATE job_records\s+SET status = 'PROCESSING'`).
				WithArgs(model.JobIDPackageRenew, "tok", pgxmock.AnyArg(), now).
				WillReturnResult(pgxmock.NewResult("UPDATE", tc.affected))

			ok, err := repo.MarkProcessing(context.Background(), model.JobIDPackageRenew, "tok", nil, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestJobRecordRepo_ReleaseWritesStatusAndTimestamp(t *testing.T) {
	mock := newMockPool(t)
	repo := NewJobRecordRepo(mock)
	at := time.Now()

	mock.ExpectExec(`UPDATE job_records\s+SET status = \$3, last_processed_at = \$4`).
		WithArgs(model.JobIDTrialUserActivation, "tok", "QUEUED", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := repo.Release(context.Background(), model.JobIDTrialUserActivation, "tok", model.JobStatusQueued, at)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRecordRepo_ReleaseWrapsErrors(t *testing.T) {
	mock := newMockPool(t)
	repo := NewJobRecordRepo(mock)
	boom := errors.New("connection reset")

	mock.ExpectExec(`UPDATE job_records`).WillReturnError(boom)

	_, err := repo.Release(context.Background(), model.JobIDNegativeUsersList, "tok", model.JobStatusQueued, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), model.JobIDNegativeUsersList)
}

func TestJobRecordRepo_ForceQueue(t *testing.T) {
	mock := newMockPool(t)
	repo := NewJobRecordRepo(mock)
	at := time.Now()

	mock.ExpectExec(`SET status = 'QUEUED'`).
		WithArgs(model.JobIDPackageRenew, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.ForceQueue(context.Background(), model.JobIDPackageRenew, at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
