package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/syncengine"
	"github.com/kiwisdev/mailsync/internal/token"
	"github.com/kiwisdev/mailsync/internal/watch"
)

type fakeConnectionStore struct {
	byID map[string]*models.Connection
}

func newFakeConnectionStore() *fakeConnectionStore {
	return &fakeConnectionStore{byID: map[string]*models.Connection{}}
}

func (f *fakeConnectionStore) Get(ctx context.Context, id string) (*models.Connection, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) GetByUserAndEmail(ctx context.Context, userID, email string) (*models.Connection, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) GetByWatchResourceID(ctx context.Context, resourceID string) (*models.Connection, error) {
	return nil, store.ErrNotFound
}
func (f *fakeConnectionStore) Upsert(ctx context.Context, c *models.Connection) error {
	f.byID[c.ID] = c
	return nil
}
func (f *fakeConnectionStore) Update(ctx context.Context, c *models.Connection) error {
	f.byID[c.ID] = c
	return nil
}
func (f *fakeConnectionStore) ListDueForIncrementalSync(ctx context.Context, now time.Time) ([]models.Connection, error) {
	return nil, nil
}
func (f *fakeConnectionStore) ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Connection, error) {
	return nil, nil
}

type fakeFolderStore struct {
	folders []models.Folder
}

func (f *fakeFolderStore) ListByConnection(ctx context.Context, connectionID string) ([]models.Folder, error) {
	return f.folders, nil
}
func (f *fakeFolderStore) GetByType(ctx context.Context, connectionID string, t models.FolderType) (*models.Folder, error) {
	for i := range f.folders {
		if f.folders[i].Type == t {
			return &f.folders[i], nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeFolderStore) Create(ctx context.Context, folder *models.Folder) error {
	f.folders = append(f.folders, *folder)
	return nil
}

type fakeMessageStore struct{}

func (f *fakeMessageStore) Upsert(ctx context.Context, m *models.CachedMessage) error { return nil }
func (f *fakeMessageStore) DeleteByFolder(ctx context.Context, userID, connectionID, folderID string) error {
	return nil
}
func (f *fakeMessageStore) DeleteByProviderIDs(ctx context.Context, userID, connectionID string, providerEmailIDs []string) (int64, error) {
	return 0, nil
}

type fakeJobStore struct {
	jobs map[string]*models.SyncJob
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[string]*models.SyncJob{}} }

func (f *fakeJobStore) Create(ctx context.Context, job *models.SyncJob) error {
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeJobStore) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeJobStore) GetInProgressByConnection(ctx context.Context, connectionID string) (*models.SyncJob, error) {
	for _, j := range f.jobs {
		if j.ConnectionID == connectionID && j.Status == models.JobStatusInProgress {
			return j, nil
		}
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
	var out []models.SyncJob
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, nil
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
	j, ok := f.jobs[jobID]
	if !ok || j.UserID != userID || j.Status != models.JobStatusInProgress {
		return 0, nil
	}
	j.Status = models.JobStatusCancelled
	return 1, nil
}
func (f *fakeJobStore) ReleaseAllForWorker(ctx context.Context, workerID string) (int64, error) {
	return 0, nil
}
func (f *fakeJobStore) ClearWorkerConditional(ctx context.Context, workerID string, statusMessage string) (int64, error) {
	return 0, nil
}

type fakeClient struct {
	listLabelsFunc func(ctx context.Context, accessToken string) ([]provider.Label, error)
}

func (f *fakeClient) Provider() models.Provider { return models.ProviderGmail }
func (f *fakeClient) ListMessages(ctx context.Context, accessToken, providerFolderID, pageToken string, pageSize int) (*provider.Page, error) {
	return &provider.Page{}, nil
}
func (f *fakeClient) GetMessage(ctx context.Context, accessToken, providerEmailID string) (*provider.Message, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) ListLabels(ctx context.Context, accessToken string) ([]provider.Label, error) {
	if f.listLabelsFunc != nil {
		return f.listLabelsFunc(ctx, accessToken)
	}
	return []provider.Label{{ProviderFolderID: "INBOX", Type: models.FolderInbox}}, nil
}
func (f *fakeClient) ListHistory(ctx context.Context, accessToken, startHistoryID, pageToken string) (*provider.HistoryPage, error) {
	return &provider.HistoryPage{}, nil
}
func (f *fakeClient) Watch(ctx context.Context, accessToken string, labelIDs []string, topic string) (*provider.WatchResult, error) {
	return &provider.WatchResult{ResourceID: "res-1", Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
}
func (f *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
	return nil, errors.New("not implemented")
}

type fakeIncrementalRunner struct{}

func (fakeIncrementalRunner) RunForConnection(ctx context.Context, conn *models.Connection) error {
	return nil
}

type testServer struct {
	*Server
	connections *fakeConnectionStore
	jobStore    *fakeJobStore
}

func newTestServer() *testServer {
	m := metrics.New()
	connections := newFakeConnectionStore()
	folders := &fakeFolderStore{}
	jobStore := newFakeJobStore()
	client := &fakeClient{}
	clients := map[models.Provider]provider.Client{models.ProviderGmail: client}
	tokens := token.NewManager(connections, clients, m)
	jobs := queue.New(jobStore, m)
	messages := &fakeMessageStore{}
	engine := syncengine.New(connections, folders, messages, jobs, clients, tokens, m)
	watches := watch.NewManager(connections, clients, tokens, fakeIncrementalRunner{}, m, "projects/test/topics/gmail-push")

	server := NewServer(DefaultConfig(), connections, folders, jobs, jobStore, clients, watches, engine, m)
	return &testServer{Server: server, connections: connections, jobStore: jobStore}
}

func doRequest(t *testing.T, srv *testServer, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRequireUser_RejectsMissingHeader(t *testing.T) {
	srv := newTestServer()
	rec := doRequest(t, srv, http.MethodGet, "/sync/history", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without X-User-Id, got %d", rec.Code)
	}
}

func TestCreateConnection_EnqueuesFullSyncAndInstallsWatch(t *testing.T) {
	srv := newTestServer()
	body := createConnectionRequest{
		Provider:     models.ProviderGmail,
		Email:        "alice@example.com",
		AccessToken:  "tok",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	rec := doRequest(t, srv, http.MethodPost, "/email-connections", "user-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	connID, _ := resp["id"].(string)
	if connID == "" {
		t.Fatal("expected a connection id in the response")
	}
	if resp["syncId"] == nil {
		t.Error("expected the initial full sync id to be returned")
	}

	conn := srv.connections.byID[connID]
	if conn == nil {
		t.Fatal("expected the connection to be persisted")
	}
	if conn.WatchResourceID == "" {
		t.Error("expected a Gmail push watch to have been installed on connection creation")
	}
}

func TestCreateConnection_RejectsInvalidToken(t *testing.T) {
	srv := newTestServer()
	srv.clients[models.ProviderGmail] = &fakeClient{
		listLabelsFunc: func(ctx context.Context, accessToken string) ([]provider.Label, error) {
			return nil, errors.New("invalid_grant")
		},
	}
	body := createConnectionRequest{
		Provider: models.ProviderGmail, Email: "alice@example.com",
		AccessToken: "bad", RefreshToken: "refresh", ExpiresAt: time.Now().Add(time.Hour),
	}
	rec := doRequest(t, srv, http.MethodPost, "/email-connections", "user-1", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a token that fails validation, got %d", rec.Code)
	}
}

func TestConnectionStatus_NotFoundForOtherUsersConnection(t *testing.T) {
	srv := newTestServer()
	srv.connections.byID["conn-1"] = &models.Connection{ID: "conn-1", UserID: "user-1"}

	rec := doRequest(t, srv, http.MethodGet, "/email-connections/conn-1/status", "user-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a connection owned by a different user, got %d", rec.Code)
	}
}

func TestConnectionStatus_ReturnsOwnedConnection(t *testing.T) {
	srv := newTestServer()
	srv.connections.byID["conn-1"] = &models.Connection{ID: "conn-1", UserID: "user-1", Email: "alice@example.com", SyncStatus: models.SyncStatusIdle}

	rec := doRequest(t, srv, http.MethodGet, "/email-connections/conn-1/status", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelSync_OnlyOwningUserCanCancel(t *testing.T) {
	srv := newTestServer()
	srv.jobStore.jobs["job-1"] = &models.SyncJob{ID: "job-1", UserID: "user-1", Status: models.JobStatusInProgress}

	rec := doRequest(t, srv, http.MethodPost, "/sync/cancel/job-1", "user-2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["cancelled"] {
		t.Error("expected cancel to report false for a non-owning user")
	}

	rec = doRequest(t, srv, http.MethodPost, "/sync/cancel/job-1", "user-1", nil)
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["cancelled"] {
		t.Error("expected cancel to report true for the owning user")
	}
}
