// Package watch implements WatchManager (spec.md §4.5): installs Gmail
// push-notification subscriptions and translates incoming notifications
// into incremental-sync work.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/token"
)

// IncrementalRunner is the subset of SyncEngine's IncrementalSync this
// package needs, kept as an interface so watch and syncengine don't import
// each other (syncengine already depends on watch's sibling packages).
type IncrementalRunner interface {
	RunForConnection(ctx context.Context, conn *models.Connection) error
}

type Manager struct {
	connections store.ConnectionStore
	clients     map[models.Provider]provider.Client
	tokens      *token.Manager
	incremental IncrementalRunner
	metrics     *metrics.Registry
	topic       string
}

func NewManager(connections store.ConnectionStore, clients map[models.Provider]provider.Client, tokens *token.Manager, incremental IncrementalRunner, m *metrics.Registry, pubsubTopic string) *Manager {
	return &Manager{connections: connections, clients: clients, tokens: tokens, incremental: incremental, metrics: m, topic: pubsubTopic}
}

// Install calls ProviderClient.watch(labels=[INBOX], topic) and stores the
// resulting resourceId, historyId and expiration on the connection
// (spec.md §4.5 "install").
func (m *Manager) Install(ctx context.Context, conn *models.Connection) error {
	client, ok := m.clients[conn.Provider]
	if !ok {
		return &provider.UnsupportedProviderError{Provider: conn.Provider}
	}
	if conn.Provider != models.ProviderGmail {
		return nil // watch is a Gmail-only push mechanism in this spec
	}

	accessToken, err := m.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return fmt.Errorf("ensure fresh token before watch: %w", err)
	}

	result, err := client.Watch(ctx, accessToken, []string{"INBOX"}, m.topic)
	if err != nil {
		return fmt.Errorf("install watch: %w", err)
	}

	conn.WatchResourceID = result.ResourceID
	conn.WatchHistoryID = result.HistoryID
	expiration := result.Expiration
	conn.WatchExpiration = &expiration
	if err := m.connections.Update(ctx, conn); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}

	m.metrics.WatchesRenewed.Inc()
	logger.Info(logger.WithConnectionID(ctx, conn.ID), "watch installed", logger.String("resource_id", result.ResourceID))
	return nil
}

// Renew is identical to Install; providers expire watches in ~7 days and
// this is called when <24h remains (spec.md §4.5).
func (m *Manager) Renew(ctx context.Context, conn *models.Connection) error {
	return m.Install(ctx, conn)
}

// OnNotification locates the connection by watch_resource_id and runs the
// history update, responding with ErrResourceNotFound (mapped to 404 by the
// HTTP layer) if no connection owns that resource (spec.md §4.5).
func (m *Manager) OnNotification(ctx context.Context, resourceID string, historyID string) error {
	conn, err := m.connections.GetByWatchResourceID(ctx, resourceID)
	if err != nil {
		var nf *store.NotFoundError
		if errors.As(err, &nf) {
			return ErrResourceNotFound
		}
		return fmt.Errorf("look up connection by watch resource: %w", err)
	}
	return m.ProcessHistoryUpdate(ctx, conn, historyID)
}

// ProcessHistoryUpdate runs an IncrementalSync starting from
// connection.latest_history_id — not from receivedHistoryID, which is only
// advisory (spec.md §4.5). Two notifications racing for the same
// underlying change both call this; IncrementalSync's upsert semantics make
// the second a no-op (spec.md §8 scenario 7).
func (m *Manager) ProcessHistoryUpdate(ctx context.Context, conn *models.Connection, receivedHistoryID string) error {
	_ = receivedHistoryID
	if err := m.incremental.RunForConnection(ctx, conn); err != nil {
		return fmt.Errorf("process history update: %w", err)
	}
	return nil
}

// ErrResourceNotFound is returned by OnNotification when no connection is
// watching the given resource id; the HTTP handler maps it to 404.
var ErrResourceNotFound = errors.New("no connection watching this resource")

// ExpiringSoon reports whether a watch needs renewal within horizon.
func ExpiringSoon(conn *models.Connection, now time.Time, horizon time.Duration) bool {
	return conn.ExpiringWithin(now, horizon)
}
