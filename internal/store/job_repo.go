package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts bounds how often a job is retried before it is
// marked permanently failed.
const DefaultJobMaxAttempts = 8

// Job is a durable unit of deferred work, such as re-applying a progress
// write that failed while the participant kept going.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo defines durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job keeps its id and
	// schedule but takes the new payload.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	CompleteJob(id string) error

	// FailJob records errMsg and reschedules the job at nextRunAt, or marks it
	// failed once max_attempts is reached.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs locked before staleBefore to queued.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob returns nil, nil when no job has the id.
	GetJob(id string) (*Job, error)
}
