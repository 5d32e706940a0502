package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/store"
)

// fakeJobStore is an in-memory store.JobStore, following the teacher's
// mockAccountRepository pattern (internal/service/account_processor_test.go)
// generalized from function fields to a backing slice since JobStore's
// surface is larger.
type fakeJobStore struct {
	jobs []models.SyncJob
}

func (f *fakeJobStore) Create(ctx context.Context, job *models.SyncJob) error {
	f.jobs = append(f.jobs, *job)
	return nil
}

func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			return &f.jobs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobStore) GetInProgressByConnection(ctx context.Context, connectionID string) (*models.SyncJob, error) {
	for i := range f.jobs {
		if f.jobs[i].ConnectionID == connectionID && f.jobs[i].Status == models.JobStatusInProgress {
			return &f.jobs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeJobStore) ListClaimable(ctx context.Context, limit int) ([]models.SyncJob, error) {
	var out []models.SyncJob
	for _, j := range f.jobs {
		if j.Status == models.JobStatusInProgress && j.WorkerID == nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListStale(ctx context.Context, lockTimeout time.Duration, limit int) ([]models.SyncJob, error) {
	var out []models.SyncJob
	cutoff := time.Now().Add(-lockTimeout)
	for _, j := range f.jobs {
		if j.Status == models.JobStatusInProgress && j.WorkerID != nil && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	var out []models.SyncJob
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) ClaimConditional(ctx context.Context, jobID, workerID string, requireCurrentWorker *string) (int64, error) {
	for i := range f.jobs {
		if f.jobs[i].ID != jobID {
			continue
		}
		if requireCurrentWorker == nil {
			if f.jobs[i].WorkerID != nil {
				return 0, nil
			}
		} else {
			if f.jobs[i].WorkerID == nil || *f.jobs[i].WorkerID != *requireCurrentWorker {
				return 0, nil
			}
		}
		w := workerID
		f.jobs[i].WorkerID = &w
		f.jobs[i].UpdatedAt = time.Now()
		return 1, nil
	}
	return 0, nil
}

func (f *fakeJobStore) ReportProgress(ctx context.Context, jobID string, fields store.ProgressFields) error {
	for i := range f.jobs {
		if f.jobs[i].ID == jobID {
			f.jobs[i].Progress = fields.Progress
			f.jobs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeJobStore) Complete(ctx context.Context, jobID string, latestHistoryID string) error {
	for i := range f.jobs {
		if f.jobs[i].ID == jobID {
			f.jobs[i].Status = models.JobStatusCompleted
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeJobStore) Fail(ctx context.Context, jobID string, reason string) error {
	for i := range f.jobs {
		if f.jobs[i].ID == jobID {
			f.jobs[i].Status = models.JobStatusFailed
			f.jobs[i].StatusMessage = reason
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeJobStore) CancelConditional(ctx context.Context, userID, jobID string) (int64, error) {
	for i := range f.jobs {
		if f.jobs[i].ID == jobID && f.jobs[i].UserID == userID && f.jobs[i].Status == models.JobStatusInProgress {
			f.jobs[i].Status = models.JobStatusCancelled
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeJobStore) ReleaseAllForWorker(ctx context.Context, workerID string) (int64, error) {
	var n int64
	for i := range f.jobs {
		if f.jobs[i].WorkerID != nil && *f.jobs[i].WorkerID == workerID {
			f.jobs[i].WorkerID = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) ClearWorkerConditional(ctx context.Context, workerID string, statusMessage string) (int64, error) {
	return 0, nil
}

func newQueue() (*Queue, *fakeJobStore) {
	js := &fakeJobStore{}
	return New(js, metrics.New()), js
}

func TestEnqueue_ConflictingJobInProgress(t *testing.T) {
	q, js := newQueue()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "user-1", "conn-1", models.ProviderGmail, models.SyncTypeFull, PriorityUserInitiated); err != nil {
		t.Fatalf("first enqueue: unexpected error %v", err)
	}

	_, err := q.Enqueue(ctx, "user-1", "conn-1", models.ProviderGmail, models.SyncTypeIncremental, PriorityScheduled)
	var conflict *ConflictingJobInProgress
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictingJobInProgress, got %v", err)
	}
	if conflict.ExistingJobID != js.jobs[0].ID {
		t.Errorf("expected conflict to name existing job %s, got %s", js.jobs[0].ID, conflict.ExistingJobID)
	}
}

func TestClaimNext_OnlyClaimsUnclaimedJobs(t *testing.T) {
	q, js := newQueue()
	ctx := context.Background()

	now := time.Now()
	claimedWorker := "worker-existing"
	js.jobs = []models.SyncJob{
		{ID: "job-1", ConnectionID: "conn-1", Status: models.JobStatusInProgress, Priority: PriorityUserInitiated, CreatedAt: now},
		{ID: "job-2", ConnectionID: "conn-2", Status: models.JobStatusInProgress, WorkerID: &claimedWorker, Priority: PriorityUserInitiated, CreatedAt: now},
	}

	claimed, err := q.ClaimNext(ctx, "worker-new", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "job-1" {
		t.Fatalf("expected to claim only job-1, got %+v", claimed)
	}
}

func TestReclaimAbandoned_RequiresStaleLock(t *testing.T) {
	q, js := newQueue()
	ctx := context.Background()

	oldWorker := "worker-dead"
	js.jobs = []models.SyncJob{
		{ID: "job-1", ConnectionID: "conn-1", Status: models.JobStatusInProgress, WorkerID: &oldWorker, UpdatedAt: time.Now().Add(-time.Hour)},
	}

	reclaimed, err := q.ReclaimAbandoned(ctx, "worker-new", 10*time.Minute, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected to reclaim 1 job, got %d", len(reclaimed))
	}
	if *reclaimed[0].WorkerID != "worker-new" {
		t.Errorf("expected reclaimed job to be owned by worker-new, got %s", *reclaimed[0].WorkerID)
	}
}

func TestCancel_OnlyAffectsOwningUser(t *testing.T) {
	q, js := newQueue()
	ctx := context.Background()
	js.jobs = []models.SyncJob{
		{ID: "job-1", UserID: "user-1", Status: models.JobStatusInProgress},
	}

	ok, err := q.Cancel(ctx, "user-2", "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected cancel by non-owning user to fail")
	}

	ok, err = q.Cancel(ctx, "user-1", "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel by owning user to succeed")
	}
}
