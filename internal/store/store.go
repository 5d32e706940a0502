// Package store declares the persistence contract the sync orchestration
// core depends on. Concrete implementations live under internal/store/postgres;
// every other package in this module takes these interfaces, never a
// concrete *sql.DB or *gorm.DB, so SyncEngine/Worker/Scheduler tests can
// substitute in-memory fakes the way the teacher's
// internal/service/account_processor_test.go substitutes a fake repository.
package store

import (
	"context"
	"time"

	"github.com/kiwisdev/mailsync/internal/models"
)

var ErrNotFound = &NotFoundError{}

// NotFoundError is returned by single-row lookups that find nothing.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Entity == "" {
		return "not found"
	}
	return e.Entity + " not found: " + e.Key
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ConnectionStore persists Connection rows (internal/models.Connection).
type ConnectionStore interface {
	Get(ctx context.Context, id string) (*models.Connection, error)
	GetByUserAndEmail(ctx context.Context, userID, email string) (*models.Connection, error)
	GetByWatchResourceID(ctx context.Context, resourceID string) (*models.Connection, error)
	Upsert(ctx context.Context, c *models.Connection) error
	Update(ctx context.Context, c *models.Connection) error
	ListDueForIncrementalSync(ctx context.Context, now time.Time) ([]models.Connection, error)
	ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Connection, error)
}

// FolderStore persists Folder rows.
type FolderStore interface {
	ListByConnection(ctx context.Context, connectionID string) ([]models.Folder, error)
	GetByType(ctx context.Context, connectionID string, t models.FolderType) (*models.Folder, error)
	Create(ctx context.Context, f *models.Folder) error
}

// MessageStore persists CachedMessage rows.
type MessageStore interface {
	// Upsert writes m keyed on (user_id, connection_id, provider_email_id),
	// the single write contract spec.md §9 normalizes across FullSync,
	// IncrementalSync, and the push-notification path.
	Upsert(ctx context.Context, m *models.CachedMessage) error
	DeleteByFolder(ctx context.Context, userID, connectionID, folderID string) error
	DeleteByProviderIDs(ctx context.Context, userID, connectionID string, providerEmailIDs []string) (int64, error)
}

// JobStore is the row-level persistence JobQueue (internal/queue) composes
// its claim/reclaim/complete/fail/cancel operations on top of.
type JobStore interface {
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, id string) (*models.SyncJob, error)
	GetInProgressByConnection(ctx context.Context, connectionID string) (*models.SyncJob, error)
	ListClaimable(ctx context.Context, limit int) ([]models.SyncJob, error)
	ListStale(ctx context.Context, lockTimeout time.Duration, limit int) ([]models.SyncJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error)

	// ClaimConditional runs `UPDATE ... SET worker_id=$w WHERE id=$id AND
	// worker_id IS NULL` (or, for a reclaim, worker_id = the previous owner) and
	// returns the number of rows it affected, per spec.md §4.8.
	ClaimConditional(ctx context.Context, jobID, workerID string, requireCurrentWorker *string) (int64, error)
	ReportProgress(ctx context.Context, jobID string, fields ProgressFields) error
	Complete(ctx context.Context, jobID string, latestHistoryID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	CancelConditional(ctx context.Context, userID, jobID string) (int64, error)
	ReleaseAllForWorker(ctx context.Context, workerID string) (int64, error)

	// ClearWorkerConditional detaches every in_progress job still assigned to
	// workerID, annotating status_message, so they become immediately
	// reclaimable without waiting on lock_timeout. Used by the scheduler's
	// reap-inactive-workers task once a worker has been marked inactive.
	ClearWorkerConditional(ctx context.Context, workerID string, statusMessage string) (int64, error)
}

// ProgressFields is the set of fields report_progress may update; zero
// values are written as-is (the caller is expected to always supply the
// running totals, not deltas).
type ProgressFields struct {
	Progress         int
	FoldersCompleted int
	TotalFolders     int
	MessagesSynced   int
	CurrentFolder    string
	StatusMessage    string
}

// WorkerStore persists WorkerRecord rows.
type WorkerStore interface {
	Upsert(ctx context.Context, w *models.WorkerRecord) error
	Heartbeat(ctx context.Context, workerID string, jobsProcessedCount, goroutineCount, heapAllocMB int) error
	UpdateStatus(ctx context.Context, workerID string, status models.WorkerStatus) error
	ListStaleActive(ctx context.Context, timeout time.Duration) ([]models.WorkerRecord, error)
}

// LockStore implements DistLock acquire/release for the scheduler.
type LockStore interface {
	// Acquire inserts the lock row; a unique-constraint violation means
	// another holder already owns it for this bucket, reported as ok=false
	// rather than an error (spec.md §4.3 "skip silently").
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (ok bool, err error)
	Release(ctx context.Context, name, holderID string) error
}
