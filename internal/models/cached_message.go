package models

import "time"

// CachedMessage is the local mirror of one provider message. It has
// exactly one write contract regardless of whether the caller is FullSync,
// IncrementalSync, or the push-notification path (spec.md §4.9 "Mixed
// upsert semantics ... normalized here").
type CachedMessage struct {
	ID           string `gorm:"column:id;primaryKey"`
	UserID       string `gorm:"column:user_id"`
	ConnectionID string `gorm:"column:connection_id"`
	FolderID     string `gorm:"column:folder_id"`

	ProviderEmailID string `gorm:"column:provider_email_id"`

	Subject      string    `gorm:"column:subject"`
	Sender       string    `gorm:"column:sender"`
	Recipients   string    `gorm:"column:recipients"`
	CC           string    `gorm:"column:cc"`
	Date         time.Time `gorm:"column:date"`
	BodyHTML     string    `gorm:"column:body_html"`
	BodyPreview  string    `gorm:"column:body_preview"`
	Read         bool      `gorm:"column:read"`
	Starred      bool      `gorm:"column:starred"`
	Attachments  string    `gorm:"column:attachments"` // JSON-encoded attachment metadata
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (CachedMessage) TableName() string {
	return "cached_message"
}

// UpsertKey returns the fields making up the unique conflict target
// (user_id, connection_id, provider_email_id) spec.md §3 requires.
func (m *CachedMessage) UpsertKey() (userID, connectionID, providerEmailID string) {
	return m.UserID, m.ConnectionID, m.ProviderEmailID
}
