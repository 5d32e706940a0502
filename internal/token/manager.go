package token

import (
	"context"
	"fmt"
	"time"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/store"
)

// skew is the safety margin ensure_fresh subtracts from token_expires_at so
// a token that's about to expire mid-request is refreshed proactively.
const skew = 2 * time.Minute

// Manager implements the ensure_fresh contract of spec.md §4.4, dispatching
// to whichever provider.Client owns the connection's provider.
type Manager struct {
	connections store.ConnectionStore
	clients     map[models.Provider]provider.Client
	metrics     *metrics.Registry
}

func NewManager(connections store.ConnectionStore, clients map[models.Provider]provider.Client, m *metrics.Registry) *Manager {
	return &Manager{connections: connections, clients: clients, metrics: m}
}

// EnsureFresh returns a valid access token for the connection, refreshing
// it first if it is at or past its expiry skew. On revocation it updates
// the connection to requires_reauth and returns ProviderTokenRevoked; on a
// transient failure it returns TokenRefreshTransient without mutating
// sync_status (the caller decides how to annotate the job).
func (m *Manager) EnsureFresh(ctx context.Context, conn *models.Connection) (string, error) {
	client, ok := m.clients[conn.Provider]
	if !ok {
		return "", &provider.UnsupportedProviderError{Provider: conn.Provider}
	}

	if conn.TokenExpiresAt != nil && conn.TokenExpiresAt.After(time.Now().Add(skew)) {
		m.metrics.TokensRefreshed.WithLabelValues("fresh").Inc()
		return conn.AccessToken, nil
	}

	result, err := client.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		var revoked *ProviderTokenRevoked
		if isRevoked(err, &revoked) {
			m.metrics.TokensRefreshed.WithLabelValues("revoked").Inc()
			now := time.Now()
			conn.SyncStatus = models.SyncStatusRequiresReauth
			reason := revoked.Reason
			conn.SyncError = &reason
			conn.LastSyncErrorAt = &now
			if updateErr := m.connections.Update(ctx, conn); updateErr != nil {
				logger.Error(ctx, "failed to persist requires_reauth after token revocation", logger.ErrorField(updateErr))
			}
			return "", revoked
		}

		m.metrics.TokensRefreshed.WithLabelValues("transient_error").Inc()
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	conn.AccessToken = result.AccessToken
	conn.RefreshToken = result.RefreshToken
	expiresAt := result.ExpiresAt
	conn.TokenExpiresAt = &expiresAt
	if err := m.connections.Update(ctx, conn); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.metrics.TokensRefreshed.WithLabelValues("refreshed").Inc()
	return conn.AccessToken, nil
}

func isRevoked(err error, target **ProviderTokenRevoked) bool {
	if revoked, ok := err.(*ProviderTokenRevoked); ok {
		*target = revoked
		return true
	}
	return false
}
