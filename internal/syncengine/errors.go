// Package syncengine implements the two SyncEngine state machines, FullSync
// and IncrementalSync (spec.md §4.6, §4.7), driving ProviderClient,
// TokenManager and Store.
package syncengine

import "errors"

// RequiresFullSync is returned by IncrementalSync when the connection has
// no history cursor yet, or the provider rejects the stored cursor as
// expired/invalid (spec.md §4.7).
var RequiresFullSync = errors.New("requires full sync")

// ConnectionNotFound, FolderNotFound, UnsupportedProvider surface as 4xx to
// the API and fail the job if encountered mid-sync (spec.md §7).
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrFolderNotFound     = errors.New("folder not found")
)

// PartialFolderFailure annotates a per-folder exception during FullSync;
// it is swallowed so other folders are not blocked, and the job still
// completes (spec.md §4.6 step 5, §7).
type PartialFolderFailure struct {
	FolderName string
	Cause      error
}

func (e *PartialFolderFailure) Error() string {
	return "folder " + e.FolderName + " failed: " + e.Cause.Error()
}

func (e *PartialFolderFailure) Unwrap() error { return e.Cause }
