package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiwisdev/mailsync/internal/models"
)

type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Upsert writes m on conflict target (user_id, connection_id,
// provider_email_id), the one write contract spec.md §9 requires regardless
// of caller (FullSync, IncrementalSync, push notification).
func (s *MessageStore) Upsert(ctx context.Context, m *models.CachedMessage) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "connection_id"}, {Name: "provider_email_id"}},
		UpdateAll: true,
	}).Create(m)
	if result.Error != nil {
		return fmt.Errorf("upsert cached message: %w", result.Error)
	}
	return nil
}

func (s *MessageStore) DeleteByFolder(ctx context.Context, userID, connectionID, folderID string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND connection_id = ? AND folder_id = ?", userID, connectionID, folderID).
		Delete(&models.CachedMessage{})
	if result.Error != nil {
		return fmt.Errorf("delete cached messages by folder: %w", result.Error)
	}
	return nil
}

// DeleteByProviderIDs implements the to_delete application step of
// IncrementalSync (spec.md §4.7), batched by the caller in groups of 100.
func (s *MessageStore) DeleteByProviderIDs(ctx context.Context, userID, connectionID string, providerEmailIDs []string) (int64, error) {
	if len(providerEmailIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND connection_id = ? AND provider_email_id IN ?", userID, connectionID, providerEmailIDs).
		Delete(&models.CachedMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete cached messages by provider id: %w", result.Error)
	}
	return result.RowsAffected, nil
}
