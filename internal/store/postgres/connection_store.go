// Package postgres implements internal/store against a Postgres database,
// following the teacher's own split: gorm for the entities that mirror the
// shared frontend schema (internal/repository/account_repository.go), raw
// database/sql for the queue/worker/lock tables that need conditional
// affected-row updates (internal/repository/email_sync_job_repository.go).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/store"
)

type ConnectionStore struct {
	db *gorm.DB
}

func NewConnectionStore(db *gorm.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

func (s *ConnectionStore) Get(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	result := s.db.WithContext(ctx).First(&c, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &store.NotFoundError{Entity: "connection", Key: id}
		}
		return nil, fmt.Errorf("get connection: %w", result.Error)
	}
	return &c, nil
}

func (s *ConnectionStore) GetByUserAndEmail(ctx context.Context, userID, email string) (*models.Connection, error) {
	var c models.Connection
	result := s.db.WithContext(ctx).First(&c, `"userId" = ? AND email = ?`, userID, email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &store.NotFoundError{Entity: "connection", Key: userID + ":" + email}
		}
		return nil, fmt.Errorf("get connection by user/email: %w", result.Error)
	}
	return &c, nil
}

func (s *ConnectionStore) GetByWatchResourceID(ctx context.Context, resourceID string) (*models.Connection, error) {
	var c models.Connection
	result := s.db.WithContext(ctx).First(&c, `"watchResourceId" = ?`, resourceID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &store.NotFoundError{Entity: "connection", Key: resourceID}
		}
		return nil, fmt.Errorf("get connection by watch resource: %w", result.Error)
	}
	return &c, nil
}

// Upsert inserts the connection, or updates the provider-account row already
// keyed on (userId, email) if one exists (spec.md §6 "upsert Connection
// keyed on (user_id,email)").
func (s *ConnectionStore) Upsert(ctx context.Context, c *models.Connection) error {
	existing, err := s.GetByUserAndEmail(ctx, c.UserID, c.Email)
	if err != nil {
		var nf *store.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		result := s.db.WithContext(ctx).Create(c)
		if result.Error != nil {
			return fmt.Errorf("create connection: %w", result.Error)
		}
		return nil
	}

	c.ID = existing.ID
	c.CreatedAt = existing.CreatedAt
	return s.Update(ctx, c)
}

// Update writes every column of c, including zero values. Callers always
// pass a fully-loaded Connection they've mutated in place (never a sparse
// patch), and plain Updates(c) silently skips zero-value fields — nil
// SyncError, false SyncInProgress, etc. — which would leave stale values
// behind (e.g. a recovering full sync trying to clear sync_error). Select
// "*" forces every column to be written.
func (s *ConnectionStore) Update(ctx context.Context, c *models.Connection) error {
	c.UpdatedAt = time.Now()
	result := s.db.WithContext(ctx).Model(&models.Connection{}).Where("id = ?", c.ID).Select("*").Updates(c)
	if result.Error != nil {
		return fmt.Errorf("update connection: %w", result.Error)
	}
	return nil
}

// ListDueForIncrementalSync implements the scheduler's 5-minute selection
// predicate from spec.md §4.3.
func (s *ConnectionStore) ListDueForIncrementalSync(ctx context.Context, now time.Time) ([]models.Connection, error) {
	var connections []models.Connection
	result := s.db.WithContext(ctx).
		Where(`"syncEnabled" = true`).
		Where(`"lastSyncedAt" IS NULL OR "lastSyncedAt" < ? - ("syncFrequencyMinutes" || ' minutes')::interval`, now).
		Where(`"syncInProgress" = false`).
		Find(&connections)
	if result.Error != nil {
		return nil, fmt.Errorf("list connections due for sync: %w", result.Error)
	}
	return connections, nil
}

func (s *ConnectionStore) ListExpiringWatches(ctx context.Context, before time.Time) ([]models.Connection, error) {
	var connections []models.Connection
	result := s.db.WithContext(ctx).
		Where("provider = ?", models.ProviderGmail).
		Where(`"watchExpiration" IS NULL OR "watchExpiration" < ?`, before).
		Find(&connections)
	if result.Error != nil {
		return nil, fmt.Errorf("list expiring watches: %w", result.Error)
	}
	return connections, nil
}
