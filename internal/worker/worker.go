// Package worker implements Worker (spec.md §4.2): a long-running process
// that registers itself, heartbeats, claims at most N jobs concurrently,
// executes them, and releases its claims cleanly on shutdown. Its poll loop
// follows the ticker/select shape of the teacher's
// internal/watcher/watcher.go, generalized from a three-job-kind fixed
// pipeline to a single SyncJob table dispatched by sync_type.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/syncengine"
)

// Config tunes the Worker's timers and concurrency (spec.md §4.2, §5).
type Config struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	LockTimeout        time.Duration
	MaxConcurrentJobs  int
	FailureThreshold   int
	RetryDelay         time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LockTimeout:       10 * time.Minute,
		MaxConcurrentJobs: 1,
		FailureThreshold:  3,
		RetryDelay:        60 * time.Second,
	}
}

type Worker struct {
	id          string
	cfg         Config
	connections store.ConnectionStore
	workers     store.WorkerStore
	jobs        *queue.Queue
	engine      *syncengine.Engine
	metrics     *metrics.Registry

	status              models.WorkerStatus
	jobsProcessed       int
	jobsFailed          int
	consecutiveFailures int
}

// New constructs a Worker with a fresh worker id (hostname+random, spec.md
// §4.2 step 1).
func New(cfg Config, connections store.ConnectionStore, workers store.WorkerStore, jobs *queue.Queue, engine *syncengine.Engine, m *metrics.Registry) *Worker {
	return &Worker{
		id:          newWorkerID(),
		cfg:         cfg,
		connections: connections,
		workers:     workers,
		jobs:        jobs,
		engine:      engine,
		metrics:     m,
		status:      models.WorkerStatusActive,
	}
}

func newWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// Run registers the worker, then heartbeats and polls until ctx is
// cancelled, at which point it releases its claims and stops (spec.md
// §4.2).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	logger.Info(logger.WithWorkerID(ctx, w.id), "worker registered")

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.shutdown(context.Background())
		case <-heartbeat.C:
			if err := w.heartbeat(ctx); err != nil {
				logger.Warn(ctx, "heartbeat failed", logger.ErrorField(err))
			}
		case <-poll.C:
			w.pollOnce(ctx)
		}
	}
}

// register upserts a WorkerRecord(status=active, started_at=now,
// last_heartbeat=now, hostname) (spec.md §4.2 step 1). CPU/memory
// diagnostics are reported on every heartbeat rather than held on the
// struct (see SPEC_FULL.md §7 supplemented features).
func (w *Worker) register(ctx context.Context) error {
	now := time.Now()
	hostname, _ := os.Hostname()
	return w.workers.Upsert(ctx, &models.WorkerRecord{
		WorkerID:      w.id,
		Hostname:      hostname,
		Status:        models.WorkerStatusActive,
		LastHeartbeat: now,
		StartedAt:     now,
	})
}

func (w *Worker) heartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapAllocMB := int(mem.HeapAlloc / (1024 * 1024))
	return w.workers.Heartbeat(ctx, w.id, w.jobsProcessed, runtime.NumGoroutine(), heapAllocMB)
}

// pollOnce implements spec.md §4.2 step 3: if a processing slot is free and
// the worker is active, first reclaim_abandoned, then claim_next, and
// execute at most max_concurrent_jobs (default 1) serially.
func (w *Worker) pollOnce(ctx context.Context) {
	if w.status != models.WorkerStatusActive {
		return
	}

	if _, err := w.jobs.ReclaimAbandoned(ctx, w.id, w.cfg.LockTimeout, w.cfg.MaxConcurrentJobs); err != nil {
		logger.Warn(ctx, "reclaim_abandoned failed", logger.ErrorField(err))
	}

	claimed, err := w.jobs.ClaimNext(ctx, w.id, w.cfg.MaxConcurrentJobs)
	if err != nil {
		logger.Warn(ctx, "claim_next failed", logger.ErrorField(err))
		return
	}

	for i := range claimed {
		w.executeOne(ctx, &claimed[i])
	}
}

// executeOne dispatches to SyncEngine by sync_type; exceptions are caught
// and drive the consecutive-failure backoff (spec.md §4.2 steps 4-5).
func (w *Worker) executeOne(ctx context.Context, job *models.SyncJob) {
	w.status = models.WorkerStatusProcessing
	_ = w.workers.UpdateStatus(ctx, w.id, models.WorkerStatusProcessing)
	defer func() {
		w.status = models.WorkerStatusActive
		_ = w.workers.UpdateStatus(ctx, w.id, models.WorkerStatusActive)
	}()

	timer := prometheusTimer(w.metrics, string(job.SyncType))
	defer timer()

	conn, err := w.connections.Get(ctx, job.ConnectionID)
	if err != nil {
		err = fmt.Errorf("load connection: %w", err)
		if failErr := w.jobs.Fail(ctx, job, err.Error()); failErr != nil {
			logger.Warn(ctx, "failed to mark job failed", logger.ErrorField(failErr))
		}
		w.onJobException(ctx, job, err)
		return
	}

	switch job.SyncType {
	case models.SyncTypeFull:
		err = w.engine.RunFull(ctx, conn, job)
	case models.SyncTypeIncremental:
		err = w.engine.RunIncrementalJob(ctx, conn, job)
	default:
		err = fmt.Errorf("unknown sync_type %q", job.SyncType)
		if failErr := w.jobs.Fail(ctx, job, err.Error()); failErr != nil {
			logger.Warn(ctx, "failed to mark job failed", logger.ErrorField(failErr))
		}
	}

	if err != nil {
		w.onJobException(ctx, job, err)
		return
	}

	w.jobsProcessed++
	w.consecutiveFailures = 0
}

// onJobException implements the consecutive-failure backoff of spec.md
// §4.2 step 5: at 3 consecutive failures, transition to error, pause for
// retry_delay_seconds, then resume and reset the counter. The job itself
// has already been failed, by SyncEngine (it always terminates the job it's
// given) or by executeOne when the job never reached SyncEngine; this only
// governs the Worker's own health state.
func (w *Worker) onJobException(ctx context.Context, job *models.SyncJob, err error) {
	logger.Error(ctx, "sync job execution failed", logger.String("job_id", job.ID), logger.ErrorField(err))
	w.jobsFailed++
	w.consecutiveFailures++

	if w.consecutiveFailures >= w.cfg.FailureThreshold {
		w.status = models.WorkerStatusError
		_ = w.workers.UpdateStatus(ctx, w.id, models.WorkerStatusError)
		logger.Warn(ctx, "worker entering error backoff", logger.Int("consecutive_failures", w.consecutiveFailures))

		select {
		case <-ctx.Done():
		case <-time.After(w.cfg.RetryDelay):
		}

		w.consecutiveFailures = 0
		w.status = models.WorkerStatusActive
		_ = w.workers.UpdateStatus(ctx, w.id, models.WorkerStatusActive)
	}
}

// shutdown stops polling, releases all claimed jobs back to the queue, and
// marks the worker record stopped (spec.md §4.2 step 6).
func (w *Worker) shutdown(ctx context.Context) error {
	logger.Info(ctx, "worker shutting down", logger.String("worker_id", w.id))
	if err := w.jobs.ReleaseAll(ctx, w.id); err != nil {
		logger.Error(ctx, "release_all failed during shutdown", logger.ErrorField(err))
	}
	if err := w.workers.UpdateStatus(ctx, w.id, models.WorkerStatusStopped); err != nil {
		return fmt.Errorf("mark worker stopped: %w", err)
	}
	return nil
}

func prometheusTimer(m *metrics.Registry, syncType string) func() {
	start := time.Now()
	return func() {
		m.SyncDuration.WithLabelValues(syncType).Observe(time.Since(start).Seconds())
	}
}
