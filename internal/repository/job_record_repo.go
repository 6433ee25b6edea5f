package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmcore/internal/model"

	"github.com/jackc/pgx/v5"
)

// JobRecordRepository persists the run-state of recurring jobs. Rows are
// seeded out-of-band; this repository never inserts them.
type JobRecordRepository interface {
	// Get returns the record for jobID, or nil when none exists.
	Get(ctx context.Context, jobID string) (*model.JobRecord, error)
	// MarkProcessing atomically moves a QUEUED record (or a PROCESSING record
	// whose lease expired before now) to PROCESSING owned by token. It reports
	// whether the row was taken. A nil lockedUntil means the lease never expires.
	MarkProcessing(ctx context.Context, jobID, token string, lockedUntil *time.Time, now time.Time) (bool, error)
	// Release moves a PROCESSING record held by token to status and stamps
	// last_processed_at. It reports whether token still owned the row.
	Release(ctx context.Context, jobID, token string, status model.JobStatus, at time.Time) (bool, error)
	// ForceQueue resets a PROCESSING record to QUEUED regardless of owner.
	ForceQueue(ctx context.Context, jobID string, at time.Time) (bool, error)
	// List returns every job record ordered by id.
	List(ctx context.Context) ([]model.JobRecord, error)
}

type jobRecordRepo struct {
	db Querier
}

// NewJobRecordRepo creates a new JobRecordRepository.
func NewJobRecordRepo(db Querier) JobRecordRepository {
	return &jobRecordRepo{db: db}
}

const jobRecordColumns = `job_id, status, last_processed_at, locked_by, locked_until, updated_at`

func scanJobRecord(row pgx.Row) (*model.JobRecord, error) {
	var rec model.JobRecord
	var status *string
	if err := row.Scan(
		&rec.JobID,
		&status,
		&rec.LastProcessedAt,
		&rec.LockedBy,
		&rec.LockedUntil,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if status != nil {
		s := model.JobStatus(*status)
		rec.Status = &s
	}
	return &rec, nil
}

func (r *jobRecordRepo) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	q := `SELECT ` + jobRecordColumns + ` FROM job_records WHERE job_id = $1`
	rec, err := scanJobRecord(r.db.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch job record %s: %w", jobID, err)
	}
	return rec, nil
}

func (r *jobRecordRepo) MarkProcessing(ctx context.Context, jobID, token string, lockedUntil *time.Time, now time.Time) (bool, error) {
	const q = `
		UPDATE job_records
		SET status = 'PROCESSING', locked_by = $2, locked_until = $3, updated_at = NOW()
		WHERE job_id = $1
		  AND (status = 'QUEUED'
		       OR (status = 'PROCESSING' AND locked_until IS NOT NULL AND locked_until < $4))
	`
	tag, err := r.db.Exec(ctx, q, jobID, token, lockedUntil, now)
	if err != nil {
		return false, fmt.Errorf("mark job %s processing: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *jobRecordRepo) Release(ctx context.Context, jobID, token string, status model.JobStatus, at time.Time) (bool, error) {
	const q = `
		UPDATE job_records
		SET status = $3, last_processed_at = $4, locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE job_id = $1
		  AND status = 'PROCESSING'
		  AND locked_by = $2
	`
	tag, err := r.db.Exec(ctx, q, jobID, token, string(status), at)
	if err != nil {
		return false, fmt.Errorf("release job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *jobRecordRepo) ForceQueue(ctx context.Context, jobID string, at time.Time) (bool, error) {
	const q = `
		UPDATE job_records
		SET status = 'QUEUED', last_processed_at = $2, locked_by = NULL, locked_until = NULL, updated_at = NOW()
		WHERE job_id = $1
		  AND status = 'PROCESSING'
	`
	tag, err := r.db.Exec(ctx, q, jobID, at)
	if err != nil {
		return false, fmt.Errorf("force queue job %s: %w", jobID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *jobRecordRepo) List(ctx context.Context) ([]model.JobRecord, error) {
	q := `SELECT ` + jobRecordColumns + ` FROM job_records ORDER BY job_id ASC`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	records := []model.JobRecord{}
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	return records, nil
}
