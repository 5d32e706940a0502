package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/store"
)

type FolderStore struct {
	db *gorm.DB
}

func NewFolderStore(db *gorm.DB) *FolderStore {
	return &FolderStore{db: db}
}

func (s *FolderStore) ListByConnection(ctx context.Context, connectionID string) ([]models.Folder, error) {
	var folders []models.Folder
	result := s.db.WithContext(ctx).Where("connection_id = ?", connectionID).Find(&folders)
	if result.Error != nil {
		return nil, fmt.Errorf("list folders: %w", result.Error)
	}
	return folders, nil
}

func (s *FolderStore) GetByType(ctx context.Context, connectionID string, t models.FolderType) (*models.Folder, error) {
	var f models.Folder
	result := s.db.WithContext(ctx).First(&f, "connection_id = ? AND type = ?", connectionID, t)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, &store.NotFoundError{Entity: "folder", Key: connectionID + ":" + string(t)}
		}
		return nil, fmt.Errorf("get folder by type: %w", result.Error)
	}
	return &f, nil
}

func (s *FolderStore) Create(ctx context.Context, f *models.Folder) error {
	result := s.db.WithContext(ctx).Create(f)
	if result.Error != nil {
		return fmt.Errorf("create folder: %w", result.Error)
	}
	return nil
}
