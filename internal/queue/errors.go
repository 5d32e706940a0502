package queue

// ConflictingJobInProgress is returned by Enqueue when a non-terminal job
// already exists for the connection. Callers MAY treat it as success
// ("already running") and return the existing job id (spec.md §4.1, §7).
type ConflictingJobInProgress struct {
	ExistingJobID string
}

func (e *ConflictingJobInProgress) Error() string {
	return "a sync job is already in progress for this connection: " + e.ExistingJobID
}

func (e *ConflictingJobInProgress) Is(target error) bool {
	_, ok := target.(*ConflictingJobInProgress)
	return ok
}
