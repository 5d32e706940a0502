package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/token"
	"github.com/kiwisdev/mailsync/internal/watch"
)

type fakeLockStore struct {
	held map[string]bool
}

func newFakeLockStore() *fakeLockStore { return &fakeLockStore{held: map[string]bool{}} }

func (f *fakeLockStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	if f.held[name] {
		return false, nil
	}
	f.held[name] = true
	return true, nil
}

func (f *fakeLockStore) Release(ctx context.Context, name, holderID string) error {
	delete(f.held, name)
	return nil
}

type fakeConnectionStore struct {
	due      []models.Connection
	expiring []models.Connection
}

func (f *fakeConnectionStore) Get(ctx context.Context, id string) (*models.Connection, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) GetByUserAndEmail(ctx context.Context, userID, email string) (*models.Connection, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) GetByWatchResourceID(ctx context.Context, resourceID string) (*models.Connection, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) Upsert(ctx context.Context, c *models.Connection) error { return nil }
func (f *fakeConnectionStore) Update(ctx context.Context, c *models.Connection) error { return nil }
func (f *fakeConnectionStore) ListDueForIncrementalSync(ctx context.Context, now time.Time) ([]models.Connection, error) {
	return f.due, nil
}
func (f *fakeConnectionStore) ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Connection, error) {
	return f.expiring, nil
}

type fakeWorkerStore struct {
	stale            []models.WorkerRecord
	markedInactive   []string
}

func (f *fakeWorkerStore) Upsert(ctx context.Context, w *models.WorkerRecord) error { return nil }
func (f *fakeWorkerStore) Heartbeat(ctx context.Context, workerID string, jobsProcessedCount, goroutineCount, heapAllocMB int) error {
	return nil
}
func (f *fakeWorkerStore) UpdateStatus(ctx context.Context, workerID string, status models.WorkerStatus) error {
	if status == models.WorkerStatusInactive {
		f.markedInactive = append(f.markedInactive, workerID)
	}
	return nil
}
func (f *fakeWorkerStore) ListStaleActive(ctx context.Context, timeout time.Duration) ([]models.WorkerRecord, error) {
	return f.stale, nil
}

type fakeJobStore struct {
	created        int
	conflictAlways bool
	clearedWorkers []string
}

func (f *fakeJobStore) Create(ctx context.Context, job *models.SyncJob) error {
	f.created++
	return nil
}
func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	return nil, store.ErrNotFound
}
func (f *fakeJobStore) GetInProgressByConnection(ctx context.Context, connectionID string) (*models.SyncJob, error) {
	if f.conflictAlways {
		return &models.SyncJob{ID: "existing-job", ConnectionID: connectionID, Status: models.JobStatusInProgress}, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeJobStore) ListClaimable(ctx context.Context, limit int) ([]models.SyncJob, error) {
	return nil, nil
}
func (f *fakeJobStore) ListStale(ctx context.Context, lockTimeout time.Duration, limit int) ([]models.SyncJob, error) {
	return nil, nil
}
func (f *fakeJobStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	return nil, nil
}
func (f *fakeJobStore) ClaimConditional(ctx context.Context, jobID, workerID string, requireCurrentWorker *string) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) ReportProgress(ctx context.Context, jobID string, fields store.ProgressFields) error {
	return nil
}
func (f *fakeJobStore) Complete(ctx context.Context, jobID string, latestHistoryID string) error {
	return nil
}
func (f *fakeJobStore) Fail(ctx context.Context, jobID string, reason string) error { return nil }
func (f *fakeJobStore) CancelConditional(ctx context.Context, userID, jobID string) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) ReleaseAllForWorker(ctx context.Context, workerID string) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) ClearWorkerConditional(ctx context.Context, workerID string, statusMessage string) (int64, error) {
	f.clearedWorkers = append(f.clearedWorkers, workerID)
	return 1, nil
}

type fakeClient struct{}

func (f *fakeClient) Provider() models.Provider { return models.ProviderGmail }
func (f *fakeClient) ListMessages(ctx context.Context, accessToken, providerFolderID, pageToken string, pageSize int) (*provider.Page, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) GetMessage(ctx context.Context, accessToken, providerEmailID string) (*provider.Message, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ListLabels(ctx context.Context, accessToken string) ([]provider.Label, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ListHistory(ctx context.Context, accessToken, startHistoryID, pageToken string) (*provider.HistoryPage, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) Watch(ctx context.Context, accessToken string, labelIDs []string, topic string) (*provider.WatchResult, error) {
	return nil, errors.New("watch install failed")
}
func (f *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
	return nil, errors.New("not implemented")
}

type fakeIncrementalRunner struct{}

func (fakeIncrementalRunner) RunForConnection(ctx context.Context, conn *models.Connection) error {
	return nil
}

func newTestScheduler(connections *fakeConnectionStore, workers *fakeWorkerStore, locks *fakeLockStore, jobStore *fakeJobStore) *Scheduler {
	m := metrics.New()
	clients := map[models.Provider]provider.Client{models.ProviderGmail: &fakeClient{}}
	tokens := token.NewManager(connections, clients, m)
	watches := watch.NewManager(connections, clients, tokens, fakeIncrementalRunner{}, m, "projects/test/topics/gmail-push")
	jobs := queue.New(jobStore, m)
	return New(connections, workers, locks, jobs, watches, m, "scheduler-test")
}

func TestRunGuarded_SkipsWhenLockHeld(t *testing.T) {
	locks := newFakeLockStore()
	s := newTestScheduler(&fakeConnectionStore{}, &fakeWorkerStore{}, locks, &fakeJobStore{})

	ctx := context.Background()
	runs := 0
	var task func(ctx context.Context) error
	task = func(ctx context.Context) error {
		runs++
		s.runGuarded(ctx, "some_task", time.Minute, task) // same bucket, lock still held
		return nil
	}

	s.runGuarded(ctx, "some_task", time.Minute, task)

	if runs != 1 {
		t.Errorf("expected a tick started while the bucket's lock is held to be skipped, ran %d times", runs)
	}
}

func TestRunGuarded_ReleasesLockAfterRun(t *testing.T) {
	locks := newFakeLockStore()
	s := newTestScheduler(&fakeConnectionStore{}, &fakeWorkerStore{}, locks, &fakeJobStore{})

	ctx := context.Background()
	s.runGuarded(ctx, "some_task", time.Minute, func(ctx context.Context) error { return nil })

	if len(locks.held) != 0 {
		t.Error("expected the lock to be released once the guarded task completes")
	}
}

func TestEnqueueIncrementalSyncs_ToleratesConflict(t *testing.T) {
	connections := &fakeConnectionStore{due: []models.Connection{
		{ID: "conn-1", UserID: "user-1", Provider: models.ProviderGmail},
	}}
	jobStore := &fakeJobStore{conflictAlways: true}
	s := newTestScheduler(connections, &fakeWorkerStore{}, newFakeLockStore(), jobStore)

	if err := s.enqueueIncrementalSyncs(context.Background()); err != nil {
		t.Fatalf("expected a conflicting in-progress job to be tolerated, got %v", err)
	}
}

func TestReapInactiveWorkers_MarksStaleWorkersInactive(t *testing.T) {
	workers := &fakeWorkerStore{stale: []models.WorkerRecord{
		{WorkerID: "worker-1"},
		{WorkerID: "worker-2"},
	}}
	jobStore := &fakeJobStore{}
	s := newTestScheduler(&fakeConnectionStore{}, workers, newFakeLockStore(), jobStore)

	if err := s.reapInactiveWorkers(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(workers.markedInactive) != 2 {
		t.Errorf("expected both stale workers to be marked inactive, got %v", workers.markedInactive)
	}
	if len(jobStore.clearedWorkers) != 2 {
		t.Errorf("expected jobs to be detached for both reaped workers, got %v", jobStore.clearedWorkers)
	}
}

func TestRenewWatches_ToleratesPerConnectionFailure(t *testing.T) {
	connections := &fakeConnectionStore{expiring: []models.Connection{
		{ID: "conn-1", Provider: models.ProviderGmail},
	}}
	s := newTestScheduler(connections, &fakeWorkerStore{}, newFakeLockStore(), &fakeJobStore{})

	if err := s.renewWatches(context.Background()); err != nil {
		t.Fatalf("expected a single connection's renewal failure to not fail the whole task, got %v", err)
	}
}
