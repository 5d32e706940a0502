package models

import "time"

// WorkerStatus is the lifecycle status of a WorkerRecord row, matching the
// Worker state machine in spec.md §4.2 (starting collapses into active
// before the first upsert is ever visible to other rows).
type WorkerStatus string

const (
	WorkerStatusActive     WorkerStatus = "active"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusInactive   WorkerStatus = "inactive"
	WorkerStatusError      WorkerStatus = "error"
	WorkerStatusStopped    WorkerStatus = "stopped"
)

// WorkerRecord is the heartbeat row a running worker process keeps current
// so the scheduler's reap-inactive-workers task can detect silent death.
type WorkerRecord struct {
	WorkerID string       `db:"worker_id"`
	Hostname string       `db:"hostname"`
	Status   WorkerStatus `db:"status"`

	LastHeartbeat time.Time `db:"last_heartbeat"`

	CurrentJobID *string `db:"current_job_id"`

	JobsProcessedCount int `db:"jobs_processed_count"`

	// GoroutineCount and HeapAllocMB are self-reported diagnostics sampled
	// from runtime.NumGoroutine/runtime.MemStats on every heartbeat, the
	// only portable stdlib source for per-process health (SPEC_FULL.md §7).
	GoroutineCount int `db:"goroutine_count"`
	HeapAllocMB    int `db:"heap_alloc_mb"`

	StartedAt time.Time `db:"started_at"`
}

// Inactive reports whether the worker has missed heartbeats long enough for
// the scheduler's reap task to mark it inactive (spec.md §4.3, 5min).
func (w *WorkerRecord) Inactive(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > timeout
}
