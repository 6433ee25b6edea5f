package model

import "time"

// JobStatus is the run-state of a recurring job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDisabled   JobStatus = "DISABLED"
)

// Job ids seeded in job_records.
const (
	JobIDPackageRenew        = "package_renew_id"
	JobIDTrialUserActivation = "trial_user_activation_id"
	JobIDNegativeUsersList   = "negative_users_list_id"
)

// JobRecord is the persisted run-state of one recurring background job.
// A nil Status means the job was never enabled.
type JobRecord struct {
	JobID           string     `db:"job_id" json:"job_id"`
	Status          *JobStatus `db:"status" json:"status,omitempty"`
	LastProcessedAt *time.Time `db:"last_processed_at" json:"last_processed_at,omitempty"`
	LockedBy        *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedUntil     *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// IsDisabled reports whether the record has no usable status.
func (r *JobRecord) IsDisabled() bool {
	return r.Status == nil || *r.Status == "" || *r.Status == JobStatusDisabled
}

// IsProcessing reports whether some worker currently holds the lease.
func (r *JobRecord) IsProcessing() bool {
	return r.Status != nil && *r.Status == JobStatusProcessing
}
