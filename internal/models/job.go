package models

import "time"

// JobState is the lifecycle of a durable sync intent.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// SyncJob is a durable request to synchronise pending files.
//
// Rerun is set when a new request arrives while the job is running; the job
// is re-queued instead of finished so no request is lost.
type SyncJob struct {
	ID         int64
	Kind       string
	State      JobState
	Attempts   int
	LastError  string
	NextRunAt  *time.Time
	ClaimedBy  string
	ClaimUntil *time.Time
	Rerun      bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
