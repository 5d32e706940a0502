package models

import "time"

// DistLock is a row in sync_lock, a mutual-exclusion token for the
// scheduler's periodic tasks. Acquired by insert, released by delete;
// expires_at lets a new holder reclaim it if the previous holder crashed
// without releasing.
type DistLock struct {
	ID         string    `db:"id"` // lock name, e.g. "enqueue_incremental_syncs-2026-07-29T12:05:00Z"
	HolderID   string    `db:"holder_id"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// Expired reports whether the lock can be reclaimed by a new holder.
func (l *DistLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// BucketLockName builds the lock name for a scheduler task run confined to
// a single time bucket, so two ticks of the same bucket never run
// concurrently (spec.md §4.3's "id encodes the task and the current time bucket").
func BucketLockName(task string, bucketStart time.Time) string {
	return task + "-" + bucketStart.UTC().Format("2006-01-02T15:04:05Z07:00")
}
