package models

import "time"

// SyncType distinguishes a full mailbox crawl from an incremental
// history-based catch-up.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// JobStatus is the lifecycle status of a SyncJob row. Note there is no
// separate "claimed"/"processing" status: a job is in_progress from the
// moment it's enqueued, and worker_id (nullable) distinguishes unclaimed
// from claimed. This mirrors spec.md §3 exactly, not the more granular
// state machine a naive job-queue design would reach for.
type JobStatus string

const (
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// SyncJob is one unit of queued sync work against a single Connection.
// Column set mirrors the teacher's internal/models/email_sync_job.go shape,
// generalized from a single hard-coded sync kind to the full/incremental
// split and the richer progress reporting this spec requires.
type SyncJob struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"userId"`
	ConnectionID string    `db:"connection_id" json:"connectionId"`
	Provider     Provider  `db:"provider" json:"provider"`
	SyncType     SyncType  `db:"sync_type" json:"syncType"`
	Status       JobStatus `db:"status" json:"status"`

	// higher runs sooner; user-initiated=1, scheduler-initiated=2.
	Priority int `db:"priority" json:"priority"`

	Progress         int    `db:"progress" json:"progress"`
	FoldersCompleted int    `db:"folders_completed" json:"foldersCompleted"`
	TotalFolders     int    `db:"total_folders" json:"totalFolders"`
	MessagesSynced   int    `db:"messages_synced" json:"messagesSynced"`
	CurrentFolder    string `db:"current_folder" json:"currentFolder"`
	StatusMessage    string `db:"status_message" json:"statusMessage"`

	LatestHistoryID string `db:"latest_history_id" json:"-"`

	// WorkerID is nil while the job sits unclaimed in the queue; JobQueue's
	// conditional update is the only writer that transitions it non-nil.
	WorkerID *string `db:"worker_id" json:"workerId,omitempty"`

	RetryCount int `db:"retry_count" json:"retryCount"`
	MaxRetries int `db:"max_retries" json:"maxRetries"`

	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Terminal reports whether the job has reached a status JobQueue will never
// transition out of.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Claimed reports whether a worker currently owns this job.
func (j *SyncJob) Claimed() bool {
	return j.WorkerID != nil && *j.WorkerID != ""
}

// Stale reports whether the job's updated_at is old enough for
// reclaim_abandoned to consider it abandoned (spec.md §4.1/§5 lock_timeout).
func (j *SyncJob) Stale(now time.Time, lockTimeout time.Duration) bool {
	return j.Status == JobStatusInProgress && now.Sub(j.UpdatedAt) > lockTimeout
}
