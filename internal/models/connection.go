package models

import "time"

// SyncStatus is the lifecycle status of a Connection's sync state, not to
// be confused with SyncJob.Status.
type SyncStatus string

const (
	SyncStatusIdle           SyncStatus = "idle"
	SyncStatusSyncing        SyncStatus = "syncing"
	SyncStatusError          SyncStatus = "error"
	SyncStatusRequiresReauth SyncStatus = "requires_reauth"
)

type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Connection is a user's authorization to a single provider mailbox.
// Column names follow the teacher's camelCase convention for rows that
// originate from the shared frontend schema (internal/models/account.go).
type Connection struct {
	ID     string `gorm:"column:id;primaryKey"`
	UserID string `gorm:"column:userId"`

	Provider Provider `gorm:"column:provider"`
	Email    string   `gorm:"column:email"`

	AccessToken     string     `gorm:"column:accessToken"`
	RefreshToken    string     `gorm:"column:refreshToken"`
	TokenExpiresAt  *time.Time `gorm:"column:tokenExpiresAt"`

	LatestHistoryID string     `gorm:"column:latestHistoryId"`
	LastSyncedAt    *time.Time `gorm:"column:lastSyncedAt"`

	SyncFrequencyMinutes int        `gorm:"column:syncFrequencyMinutes"`
	SyncBatchSize        int        `gorm:"column:syncBatchSize"`
	SyncEnabled          bool       `gorm:"column:syncEnabled"`
	SyncStatus           SyncStatus `gorm:"column:syncStatus"`
	SyncError            *string    `gorm:"column:syncError"`
	LastSyncErrorAt       *time.Time `gorm:"column:lastSyncErrorAt"`
	SyncInProgress        bool       `gorm:"column:syncInProgress"`

	WatchResourceID string     `gorm:"column:watchResourceId"`
	WatchHistoryID  string     `gorm:"column:watchHistoryId"`
	WatchExpiration *time.Time `gorm:"column:watchExpiration"`

	CreatedAt time.Time `gorm:"column:createdAt"`
	UpdatedAt time.Time `gorm:"column:updatedAt"`
}

func (Connection) TableName() string {
	return "connection"
}

// ExpiringWithin reports whether the watch expires within d of now, per
// spec.md's "once ≤ now+24h the watch is considered expiring" invariant.
func (c *Connection) ExpiringWithin(now time.Time, d time.Duration) bool {
	if c.WatchExpiration == nil {
		return true
	}
	return !c.WatchExpiration.After(now.Add(d))
}
