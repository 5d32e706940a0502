// Package scheduler implements Scheduler (spec.md §4.3): three periodic
// tasks, each guarded by a DistLock scoped to the task name and current
// time bucket so only one process in the fleet runs a given tick. Built on
// robfig/cron/v3, which the teacher's go.mod declared but never wired into
// a runnable cron.Cron — here it drives the actual schedule.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/watch"
)

const (
	enqueueIncrementalSpec = "@every 5m"
	reapInactiveSpec       = "@every 1m"
	renewWatchesSpec       = "0 0 * * *" // daily at 00:00

	enqueueIncrementalBucket = 5 * time.Minute
	reapInactiveBucket       = 1 * time.Minute
	renewWatchesBucket       = 24 * time.Hour

	lockTTL               = 2 * time.Minute
	workerInactiveTimeout = 5 * time.Minute
	watchRenewalHorizon   = 24 * time.Hour
)

type Scheduler struct {
	connections store.ConnectionStore
	workers     store.WorkerStore
	locks       store.LockStore
	jobs        *queue.Queue
	watches     *watch.Manager
	metrics     *metrics.Registry

	holderID string
	cron     *cron.Cron
}

func New(connections store.ConnectionStore, workers store.WorkerStore, locks store.LockStore, jobs *queue.Queue, watches *watch.Manager, m *metrics.Registry, holderID string) *Scheduler {
	return &Scheduler{
		connections: connections,
		workers:     workers,
		locks:       locks,
		jobs:        jobs,
		watches:     watches,
		metrics:     m,
		holderID:    holderID,
		cron:        cron.New(),
	}
}

// Start registers the three periodic tasks and starts the cron runner.
// Stopping it is left to the caller's process lifecycle, via Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(enqueueIncrementalSpec, func() { s.runGuarded(ctx, "enqueue_incremental_syncs", enqueueIncrementalBucket, s.enqueueIncrementalSyncs) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(reapInactiveSpec, func() { s.runGuarded(ctx, "reap_inactive_workers", reapInactiveBucket, s.reapInactiveWorkers) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(renewWatchesSpec, func() { s.runGuarded(ctx, "renew_watches", renewWatchesBucket, s.renewWatches) }); err != nil {
		return err
	}
	s.cron.Start()
	logger.Info(ctx, "scheduler started")
	return nil
}

// Stop blocks until any in-flight tick finishes, mirroring cron.Cron's own
// contract.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// runGuarded acquires a DistLock scoped to task and the current time bucket
// before running fn and releases it when fn returns; failure to acquire
// means another run of this bucket is still holding the lock, so the tick
// is skipped silently (spec.md §4.3).
func (s *Scheduler) runGuarded(ctx context.Context, task string, bucket time.Duration, fn func(ctx context.Context) error) {
	now := time.Now().UTC()
	bucketStart := now.Truncate(bucket)
	lockName := models.BucketLockName(task, bucketStart)

	ok, err := s.locks.Acquire(ctx, lockName, s.holderID, lockTTL)
	if err != nil {
		logger.Warn(ctx, "failed to acquire scheduler lock, skipping tick", logger.String("task", task), logger.ErrorField(err))
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.locks.Release(ctx, lockName, s.holderID); err != nil {
			logger.Warn(ctx, "failed to release scheduler lock", logger.String("task", task), logger.ErrorField(err))
		}
	}()

	s.metrics.SchedulerTicks.WithLabelValues(task).Inc()
	if err := fn(ctx); err != nil {
		logger.Error(ctx, "scheduler task failed", logger.String("task", task), logger.ErrorField(err))
	}
}

// enqueueIncrementalSyncs implements spec.md §4.3 task 1: every connection
// whose last sync is older than its own sync_frequency_minutes, with
// sync_enabled and no conflicting in-progress job, gets an incremental job
// at PriorityScheduled.
func (s *Scheduler) enqueueIncrementalSyncs(ctx context.Context) error {
	due, err := s.connections.ListDueForIncrementalSync(ctx, time.Now())
	if err != nil {
		return err
	}

	for i := range due {
		conn := &due[i]
		_, err := s.jobs.Enqueue(ctx, conn.UserID, conn.ID, conn.Provider, models.SyncTypeIncremental, queue.PriorityScheduled)
		if err != nil {
			var conflict *queue.ConflictingJobInProgress
			if errors.As(err, &conflict) {
				continue
			}
			logger.Warn(ctx, "failed to enqueue scheduled incremental sync", logger.String("connection_id", conn.ID), logger.ErrorField(err))
		}
	}
	return nil
}

// reapInactiveWorkers implements spec.md §4.3 task 2: any WorkerRecord
// whose last_heartbeat is older than the inactive timeout is marked
// inactive, and its in_progress jobs have worker_id cleared and
// status_message annotated so they are immediately reclaimable instead of
// waiting out reclaim_abandoned's own lock_timeout.
func (s *Scheduler) reapInactiveWorkers(ctx context.Context) error {
	stale, err := s.workers.ListStaleActive(ctx, workerInactiveTimeout)
	if err != nil {
		return err
	}
	for i := range stale {
		workerID := stale[i].WorkerID
		if err := s.workers.UpdateStatus(ctx, workerID, models.WorkerStatusInactive); err != nil {
			logger.Warn(ctx, "failed to mark worker inactive", logger.String("worker_id", workerID), logger.ErrorField(err))
			continue
		}
		cleared, err := s.jobs.ClearWorkerConditional(ctx, workerID, "worker reaped as inactive")
		if err != nil {
			logger.Warn(ctx, "failed to clear jobs for reaped worker", logger.String("worker_id", workerID), logger.ErrorField(err))
			continue
		}
		if cleared > 0 {
			logger.Info(ctx, "detached jobs from reaped worker", logger.String("worker_id", workerID), logger.Int64("jobs_cleared", cleared))
		}
	}
	return nil
}

// renewWatches implements spec.md §4.3 task 3: any connection whose watch
// expires within 24h gets renewed.
func (s *Scheduler) renewWatches(ctx context.Context) error {
	expiring, err := s.connections.ListExpiringWatches(ctx, time.Now().Add(watchRenewalHorizon))
	if err != nil {
		return err
	}
	for i := range expiring {
		conn := &expiring[i]
		if err := s.watches.Renew(ctx, conn); err != nil {
			logger.Warn(ctx, "failed to renew watch", logger.String("connection_id", conn.ID), logger.ErrorField(err))
		}
	}
	return nil
}

