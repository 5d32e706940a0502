// Package queue implements JobQueue (spec.md §4.1): durable,
// at-most-one-worker-per-job claim discipline over SyncJob rows. The
// database is the queue — there is deliberately no in-memory priority
// queue (spec.md §9 "Worker ↔ Store-only coordination").
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/store"
)

const (
	PriorityUserInitiated = 1
	PriorityScheduled     = 2
)

type Queue struct {
	jobs    store.JobStore
	metrics *metrics.Registry
}

func New(jobs store.JobStore, m *metrics.Registry) *Queue {
	return &Queue{jobs: jobs, metrics: m}
}

// Enqueue inserts a SyncJob with status=in_progress, worker_id=NULL,
// progress=0, retry_count=0. If a non-terminal job already exists for the
// connection, returns ConflictingJobInProgress naming its id (spec.md
// §4.1). The race is closed by the database's partial unique index on
// (connection_id) WHERE status='in_progress', not by the preceding check
// alone — scenario 6 of spec.md §8 depends on this.
func (q *Queue) Enqueue(ctx context.Context, userID, connectionID string, p models.Provider, syncType models.SyncType, priority int) (*models.SyncJob, error) {
	if existing, err := q.jobs.GetInProgressByConnection(ctx, connectionID); err == nil {
		return nil, &ConflictingJobInProgress{ExistingJobID: existing.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check existing job: %w", err)
	}

	now := time.Now()
	job := &models.SyncJob{
		ID:           uuid.NewString(),
		UserID:       userID,
		ConnectionID: connectionID,
		Provider:     p,
		SyncType:     syncType,
		Status:       models.JobStatusInProgress,
		Priority:     priority,
		MaxRetries:   3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.jobs.Create(ctx, job); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			winner, lookupErr := q.jobs.GetInProgressByConnection(ctx, connectionID)
			if lookupErr != nil {
				return nil, fmt.Errorf("create sync job: %w", err)
			}
			return nil, &ConflictingJobInProgress{ExistingJobID: winner.ID}
		}
		return nil, fmt.Errorf("create sync job: %w", err)
	}
	return job, nil
}

// ClaimNext selects up to max unclaimed in_progress jobs ordered by
// priority DESC, created_at ASC, and conditionally claims each one. Only
// rows whose update affected exactly one row are considered claimed
// (spec.md §4.1).
func (q *Queue) ClaimNext(ctx context.Context, workerID string, max int) ([]models.SyncJob, error) {
	candidates, err := q.jobs.ListClaimable(ctx, max*3+5) // over-fetch: some candidates may lose the race
	if err != nil {
		return nil, fmt.Errorf("list claimable jobs: %w", err)
	}

	var claimed []models.SyncJob
	for _, candidate := range candidates {
		if len(claimed) >= max {
			break
		}
		affected, err := q.jobs.ClaimConditional(ctx, candidate.ID, workerID, nil)
		if err != nil {
			return claimed, fmt.Errorf("claim job %s: %w", candidate.ID, err)
		}
		if affected == 1 {
			candidate.WorkerID = &workerID
			claimed = append(claimed, candidate)
			q.metrics.JobsClaimed.WithLabelValues(string(candidate.SyncType)).Inc()
		}
	}
	return claimed, nil
}

// ReclaimAbandoned claims jobs whose updated_at is older than lockTimeout,
// using the same conditional-update pattern but scoped to the job's
// existing worker_id (so a concurrent reclaimer can't double-claim the same
// stale row). Appends a status_message noting reassignment (spec.md §4.1).
func (q *Queue) ReclaimAbandoned(ctx context.Context, workerID string, lockTimeout time.Duration, max int) ([]models.SyncJob, error) {
	candidates, err := q.jobs.ListStale(ctx, lockTimeout, max*3+5)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	var reclaimed []models.SyncJob
	for _, candidate := range candidates {
		if len(reclaimed) >= max {
			break
		}
		if candidate.WorkerID == nil {
			continue
		}
		previousWorker := *candidate.WorkerID
		affected, err := q.jobs.ClaimConditional(ctx, candidate.ID, workerID, &previousWorker)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim job %s: %w", candidate.ID, err)
		}
		if affected == 1 {
			candidate.WorkerID = &workerID
			candidate.StatusMessage = "reassigned after lock timeout"
			reclaimed = append(reclaimed, candidate)
			q.metrics.JobsReclaimed.Inc()
		}
	}
	return reclaimed, nil
}

// ReportProgress unconditionally updates progress, counters, current
// folder and status message; also refreshes updated_at, acting as a
// job-level heartbeat (spec.md §4.1).
func (q *Queue) ReportProgress(ctx context.Context, jobID string, fields store.ProgressFields) error {
	if err := q.jobs.ReportProgress(ctx, jobID, fields); err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, job *models.SyncJob, latestHistoryID string) error {
	if err := q.jobs.Complete(ctx, job.ID, latestHistoryID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	q.metrics.JobsCompleted.WithLabelValues(string(job.SyncType)).Inc()
	return nil
}

func (q *Queue) Fail(ctx context.Context, job *models.SyncJob, reason string) error {
	if err := q.jobs.Fail(ctx, job.ID, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	q.metrics.JobsFailed.WithLabelValues(string(job.SyncType), failureCategory(reason)).Inc()
	return nil
}

// failureCategory buckets a free-form failure reason into a small, fixed
// label set. The full reason text is still persisted on the job row
// (status_message); only the metric label is bucketed, since an
// unbounded reason string as a Prometheus label would blow up series
// cardinality.
func failureCategory(reason string) string {
	switch {
	case strings.HasPrefix(reason, "token revoked"):
		return "token_revoked"
	case strings.HasPrefix(reason, "token refresh failed"):
		return "token_refresh_failed"
	case strings.HasPrefix(reason, "discover folders"):
		return "discover_folders_failed"
	case strings.HasPrefix(reason, "requires full sync"):
		return "requires_full_sync"
	default:
		return "other"
	}
}

// Cancel conditionally transitions a job to cancelled, scoped to the
// requesting user and to in_progress status (spec.md §4.1, §5).
func (q *Queue) Cancel(ctx context.Context, userID, jobID string) (bool, error) {
	affected, err := q.jobs.CancelConditional(ctx, userID, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return affected == 1, nil
}

// ReleaseAll detaches every in_progress job owned by workerID, leaving
// status=in_progress so another worker reclaims it immediately rather than
// waiting out lock_timeout (spec.md §4.1 "release_all").
func (q *Queue) ReleaseAll(ctx context.Context, workerID string) error {
	if _, err := q.jobs.ReleaseAllForWorker(ctx, workerID); err != nil {
		return fmt.Errorf("release all jobs for worker: %w", err)
	}
	return nil
}

// ClearWorkerConditional detaches every in_progress job owned by workerID
// and annotates why, returning the number of jobs affected. Used by the
// scheduler's reap-inactive-workers task (spec.md §4.3) once a worker has
// already been marked inactive, so its jobs become immediately reclaimable
// instead of waiting out reclaim_abandoned's lock_timeout.
func (q *Queue) ClearWorkerConditional(ctx context.Context, workerID, statusMessage string) (int64, error) {
	cleared, err := q.jobs.ClearWorkerConditional(ctx, workerID, statusMessage)
	if err != nil {
		return 0, fmt.Errorf("clear worker from jobs: %w", err)
	}
	return cleared, nil
}

// IsCancelled reports whether the job has since been marked cancelled,
// used by SyncEngine at its progress checkpoints (spec.md §5).
func (q *Queue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := q.jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("get job for cancellation check: %w", err)
	}
	return job.Status == models.JobStatusCancelled, nil
}
