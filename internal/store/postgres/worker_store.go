package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kiwisdev/mailsync/internal/models"
)

// WorkerStore implements store.WorkerStore over the worker_record table,
// raw SQL to match JobStore's conditional-update style since workers and
// jobs are updated in the same poll loop.
type WorkerStore struct {
	db *sql.DB
}

func NewWorkerStore(db *sql.DB) *WorkerStore {
	return &WorkerStore{db: db}
}

func (s *WorkerStore) Upsert(ctx context.Context, w *models.WorkerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_record (worker_id, hostname, status, last_heartbeat, current_job_id, jobs_processed_count, goroutine_count, heap_alloc_mb, started_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (worker_id) DO UPDATE SET
		   status = EXCLUDED.status, last_heartbeat = EXCLUDED.last_heartbeat,
		   hostname = EXCLUDED.hostname`,
		w.WorkerID, w.Hostname, w.Status, w.LastHeartbeat, w.CurrentJobID, w.JobsProcessedCount, w.GoroutineCount, w.HeapAllocMB, w.StartedAt)
	if err != nil {
		return fmt.Errorf("upsert worker record: %w", err)
	}
	return nil
}

func (s *WorkerStore) Heartbeat(ctx context.Context, workerID string, jobsProcessedCount, goroutineCount, heapAllocMB int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_record SET last_heartbeat = now(), jobs_processed_count = $1, goroutine_count = $2, heap_alloc_mb = $3 WHERE worker_id = $4`,
		jobsProcessedCount, goroutineCount, heapAllocMB, workerID)
	if err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	return nil
}

func (s *WorkerStore) UpdateStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_record SET status = $1 WHERE worker_id = $2`, status, workerID)
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	return nil
}

// ListStaleActive implements the scheduler's reap-inactive-workers
// selection predicate: status=active AND last_heartbeat older than timeout
// (spec.md §4.3).
func (s *WorkerStore) ListStaleActive(ctx context.Context, timeout time.Duration) ([]models.WorkerRecord, error) {
	cutoff := time.Now().Add(-timeout)
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, hostname, status, last_heartbeat, current_job_id, jobs_processed_count, goroutine_count, heap_alloc_mb, started_at
		 FROM worker_record WHERE status = $1 AND last_heartbeat < $2`,
		models.WorkerStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale active workers: %w", err)
	}
	defer rows.Close()

	var workers []models.WorkerRecord
	for rows.Next() {
		var w models.WorkerRecord
		if err := rows.Scan(&w.WorkerID, &w.Hostname, &w.Status, &w.LastHeartbeat, &w.CurrentJobID, &w.JobsProcessedCount, &w.GoroutineCount, &w.HeapAllocMB, &w.StartedAt); err != nil {
			return nil, fmt.Errorf("scan worker record: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return workers, nil
}
