package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
)

// fakeConnectionStore is a minimal in-memory store.ConnectionStore.
type fakeConnectionStore struct {
	conns map[string]*models.Connection

	updateCalls int
}

func newFakeConnectionStore(conns ...*models.Connection) *fakeConnectionStore {
	f := &fakeConnectionStore{conns: map[string]*models.Connection{}}
	for _, c := range conns {
		f.conns[c.ID] = c
	}
	return f
}

func (f *fakeConnectionStore) Get(ctx context.Context, id string) (*models.Connection, error) {
	if c, ok := f.conns[id]; ok {
		return c, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeConnectionStore) GetByUserAndEmail(ctx context.Context, userID, email string) (*models.Connection, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConnectionStore) GetByWatchResourceID(ctx context.Context, resourceID string) (*models.Connection, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConnectionStore) Upsert(ctx context.Context, c *models.Connection) error {
	f.conns[c.ID] = c
	return nil
}

func (f *fakeConnectionStore) Update(ctx context.Context, c *models.Connection) error {
	f.updateCalls++
	f.conns[c.ID] = c
	return nil
}

func (f *fakeConnectionStore) ListDueForIncrementalSync(ctx context.Context, now time.Time) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnectionStore) ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Connection, error) {
	return nil, nil
}

// fakeClient is a provider.Client stub whose RefreshToken behavior is
// configurable per test, following the teacher's embedded-func-field mock
// pattern (internal/service/account_processor_test.go).
type fakeClient struct {
	refreshTokenFunc func(ctx context.Context, refreshToken string) (*provider.RefreshResult, error)
}

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
	return nil, errors.New("not implemented")
}

func (f *fakeClient) RefreshToken(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
	return f.refreshTokenFunc(ctx, refreshToken)
}

func TestEnsureFresh_SkipsRefreshWhenTokenStillValid(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	conn := &models.Connection{ID: "conn-1", Provider: models.ProviderGmail, AccessToken: "tok-current", TokenExpiresAt: &expires}
	connections := newFakeConnectionStore(conn)
	client := &fakeClient{
		refreshTokenFunc: func(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
			t.Fatal("refresh should not be called for a token well within its expiry skew")
			return nil, nil
		},
	}
	m := NewManager(connections, map[models.Provider]provider.Client{models.ProviderGmail: client}, metrics.New())

	token, err := m.EnsureFresh(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-current" {
		t.Errorf("expected the existing access token to be returned, got %q", token)
	}
}

func TestEnsureFresh_RefreshesWhenWithinSkew(t *testing.T) {
	expiringSoon := time.Now().Add(30 * time.Second)
	conn := &models.Connection{ID: "conn-1", Provider: models.ProviderGmail, AccessToken: "tok-old", RefreshToken: "refresh-1", TokenExpiresAt: &expiringSoon}
	connections := newFakeConnectionStore(conn)
	newExpiry := time.Now().Add(time.Hour)
	client := &fakeClient{
		refreshTokenFunc: func(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
			if refreshToken != "refresh-1" {
				t.Errorf("expected refresh token refresh-1, got %q", refreshToken)
			}
			return &provider.RefreshResult{AccessToken: "tok-new", RefreshToken: "refresh-1", ExpiresAt: newExpiry}, nil
		},
	}
	m := NewManager(connections, map[models.Provider]provider.Client{models.ProviderGmail: client}, metrics.New())

	token, err := m.EnsureFresh(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-new" {
		t.Errorf("expected refreshed access token, got %q", token)
	}
	if connections.updateCalls != 1 {
		t.Errorf("expected connection to be persisted once, got %d calls", connections.updateCalls)
	}
	if conn.SyncStatus == models.SyncStatusRequiresReauth {
		t.Error("a successful refresh should not mark the connection as requiring reauth")
	}
}

func TestEnsureFresh_ClassifiesRevocation(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	conn := &models.Connection{ID: "conn-1", Provider: models.ProviderGmail, RefreshToken: "refresh-1", TokenExpiresAt: &expired}
	connections := newFakeConnectionStore(conn)
	client := &fakeClient{
		refreshTokenFunc: func(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
			return nil, &ProviderTokenRevoked{Reason: "invalid_grant"}
		},
	}
	m := NewManager(connections, map[models.Provider]provider.Client{models.ProviderGmail: client}, metrics.New())

	_, err := m.EnsureFresh(context.Background(), conn)
	var revoked *ProviderTokenRevoked
	if !errors.As(err, &revoked) {
		t.Fatalf("expected ProviderTokenRevoked, got %v", err)
	}
	if conn.SyncStatus != models.SyncStatusRequiresReauth {
		t.Errorf("expected connection to be marked requires_reauth, got %s", conn.SyncStatus)
	}
	if connections.updateCalls != 1 {
		t.Errorf("expected the revocation to be persisted once, got %d calls", connections.updateCalls)
	}
}

func TestEnsureFresh_TransientErrorLeavesConnectionUntouched(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	conn := &models.Connection{ID: "conn-1", Provider: models.ProviderGmail, RefreshToken: "refresh-1", TokenExpiresAt: &expired, SyncStatus: models.SyncStatusIdle}
	connections := newFakeConnectionStore(conn)
	client := &fakeClient{
		refreshTokenFunc: func(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	m := NewManager(connections, map[models.Provider]provider.Client{models.ProviderGmail: client}, metrics.New())

	_, err := m.EnsureFresh(context.Background(), conn)
	if err == nil {
		t.Fatal("expected an error for a transient refresh failure")
	}
	var revoked *ProviderTokenRevoked
	if errors.As(err, &revoked) {
		t.Fatal("a transient error should not be classified as revocation")
	}
	if conn.SyncStatus != models.SyncStatusIdle {
		t.Errorf("a transient refresh failure should not change sync_status, got %s", conn.SyncStatus)
	}
	if connections.updateCalls != 0 {
		t.Errorf("a transient refresh failure should not persist the connection, got %d calls", connections.updateCalls)
	}
}
