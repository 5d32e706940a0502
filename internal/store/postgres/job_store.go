package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/store"
)

// JobStore implements store.JobStore with raw database/sql, following the
// teacher's internal/repository/email_sync_job_repository.go: conditional
// updates need the exact affected-row count, which gorm's chained query
// builder obscures behind its own abstractions less directly than a plain
// Exec + RowsAffected.
type JobStore struct {
	db *sql.DB
}

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, user_id, connection_id, provider, sync_type, status, priority,
	progress, folders_completed, total_folders, messages_synced, current_folder,
	status_message, latest_history_id, worker_id, retry_count, max_retries,
	started_at, completed_at, created_at, updated_at`

func (s *JobStore) Create(ctx context.Context, job *models.SyncJob) error {
	query := `
		INSERT INTO sync_job (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.UserID, job.ConnectionID, job.Provider, job.SyncType, job.Status, job.Priority,
		job.Progress, job.FoldersCompleted, job.TotalFolders, job.MessagesSynced, job.CurrentFolder,
		job.StatusMessage, job.LatestHistoryID, job.WorkerID, job.RetryCount, job.MaxRetries,
		job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

func (s *JobStore) scanJob(row *sql.Row) (*models.SyncJob, error) {
	var j models.SyncJob
	err := row.Scan(
		&j.ID, &j.UserID, &j.ConnectionID, &j.Provider, &j.SyncType, &j.Status, &j.Priority,
		&j.Progress, &j.FoldersCompleted, &j.TotalFolders, &j.MessagesSynced, &j.CurrentFolder,
		&j.StatusMessage, &j.LatestHistoryID, &j.WorkerID, &j.RetryCount, &j.MaxRetries,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &store.NotFoundError{Entity: "sync_job"}
		}
		return nil, fmt.Errorf("scan sync job: %w", err)
	}
	return &j, nil
}

func (s *JobStore) scanJobs(rows *sql.Rows) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	for rows.Next() {
		var j models.SyncJob
		if err := rows.Scan(
			&j.ID, &j.UserID, &j.ConnectionID, &j.Provider, &j.SyncType, &j.Status, &j.Priority,
			&j.Progress, &j.FoldersCompleted, &j.TotalFolders, &j.MessagesSynced, &j.CurrentFolder,
			&j.StatusMessage, &j.LatestHistoryID, &j.WorkerID, &j.RetryCount, &j.MaxRetries,
			&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_job WHERE id = $1`, id)
	j, err := s.scanJob(row)
	if err != nil {
		if nf, ok := err.(*store.NotFoundError); ok {
			nf.Key = id
		}
		return nil, err
	}
	return j, nil
}

// GetInProgressByConnection backs the at-most-one-in-progress-job invariant
// JobQueue.enqueue checks (spec.md §3).
func (s *JobStore) GetInProgressByConnection(ctx context.Context, connectionID string) (*models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_job WHERE connection_id = $1 AND status = $2`,
		connectionID, models.JobStatusInProgress)
	j, err := s.scanJob(row)
	if err != nil {
		if nf, ok := err.(*store.NotFoundError); ok {
			nf.Key = connectionID
		}
		return nil, err
	}
	return j, nil
}

// ListClaimable implements claim_next's selection predicate: in_progress,
// worker_id IS NULL, ordered priority DESC, created_at ASC (spec.md §4.1).
func (s *JobStore) ListClaimable(ctx context.Context, limit int) ([]models.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_job
		 WHERE status = $1 AND worker_id IS NULL
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT $2`,
		models.JobStatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}
	defer rows.Close()
	return s.scanJobs(rows)
}

// ListStale implements reclaim_abandoned's selection predicate: in_progress,
// updated_at older than lock_timeout, worker_id already set (spec.md §4.1).
func (s *JobStore) ListStale(ctx context.Context, lockTimeout time.Duration, limit int) ([]models.SyncJob, error) {
	cutoff := time.Now().Add(-lockTimeout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_job
		 WHERE status = $1 AND updated_at < $2 AND worker_id IS NOT NULL
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT $3`,
		models.JobStatusInProgress, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()
	return s.scanJobs(rows)
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_job WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	defer rows.Close()
	return s.scanJobs(rows)
}

// ClaimConditional performs the conditional update both claim_next and
// reclaim_abandoned rely on. When requireCurrentWorker is non-nil, the
// update additionally requires worker_id = *requireCurrentWorker (the
// reclaim case); when nil, it requires worker_id IS NULL (the fresh-claim
// case). Only rows whose update affects exactly one row are considered
// claimed, per spec.md §4.1.
func (s *JobStore) ClaimConditional(ctx context.Context, jobID, workerID string, requireCurrentWorker *string) (int64, error) {
	var result sql.Result
	var err error
	if requireCurrentWorker == nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sync_job SET worker_id = $1, updated_at = now()
			 WHERE id = $2 AND worker_id IS NULL AND status = $3`,
			workerID, jobID, models.JobStatusInProgress)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE sync_job SET worker_id = $1, status_message = 'reassigned after lock timeout', updated_at = now()
			 WHERE id = $2 AND worker_id = $3 AND status = $4`,
			workerID, jobID, *requireCurrentWorker, models.JobStatusInProgress)
	}
	if err != nil {
		return 0, fmt.Errorf("claim job conditional: %w", err)
	}
	return result.RowsAffected()
}

func (s *JobStore) ReportProgress(ctx context.Context, jobID string, fields store.ProgressFields) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET progress = $1, folders_completed = $2, total_folders = $3,
		 messages_synced = $4, current_folder = $5, status_message = $6, updated_at = now()
		 WHERE id = $7`,
		fields.Progress, fields.FoldersCompleted, fields.TotalFolders,
		fields.MessagesSynced, fields.CurrentFolder, fields.StatusMessage, jobID)
	if err != nil {
		return fmt.Errorf("report job progress: %w", err)
	}
	return nil
}

func (s *JobStore) Complete(ctx context.Context, jobID string, latestHistoryID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = $1, progress = 100, latest_history_id = $2, completed_at = $3, updated_at = $3
		 WHERE id = $4`,
		models.JobStatusCompleted, latestHistoryID, now, jobID)
	if err != nil {
		return fmt.Errorf("complete sync job: %w", err)
	}
	return nil
}

func (s *JobStore) Fail(ctx context.Context, jobID string, reason string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = $1, status_message = $2, completed_at = $3, updated_at = $3
		 WHERE id = $4`,
		models.JobStatusFailed, reason, now, jobID)
	if err != nil {
		return fmt.Errorf("fail sync job: %w", err)
	}
	return nil
}

// CancelConditional implements spec.md §4.1 cancel(user, job): conditional
// on user_id matching AND status=in_progress.
func (s *JobStore) CancelConditional(ctx context.Context, userID, jobID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = $1, completed_at = now(), updated_at = now()
		 WHERE id = $2 AND user_id = $3 AND status = $4`,
		models.JobStatusCancelled, jobID, userID, models.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("cancel sync job: %w", err)
	}
	return result.RowsAffected()
}

// ReleaseAllForWorker implements release_all on worker shutdown (spec.md
// §4.1): jobs stay in_progress, just lose their worker_id so another
// worker can reclaim them immediately rather than waiting for lock_timeout.
func (s *JobStore) ReleaseAllForWorker(ctx context.Context, workerID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET worker_id = NULL, updated_at = now()
		 WHERE worker_id = $1 AND status = $2`,
		workerID, models.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("release jobs for worker: %w", err)
	}
	return result.RowsAffected()
}

// ClearWorkerConditional is used by the scheduler's reap-inactive-workers
// task (spec.md §4.3) to detach every in_progress job still assigned to a
// worker that just got marked inactive, annotating why so operators can
// tell reclaim-by-timeout apart from reclaim-by-reaped-worker.
func (s *JobStore) ClearWorkerConditional(ctx context.Context, workerID string, statusMessage string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET worker_id = NULL, status_message = $1, updated_at = now()
		 WHERE worker_id = $2 AND status = $3`,
		statusMessage, workerID, models.JobStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("clear worker from job: %w", err)
	}
	return result.RowsAffected()
}
