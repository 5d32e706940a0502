package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/token"
)

// IncrementalResult is the per-category counts an IncrementalSync run
// produced, returned synchronously to the /sync/incremental endpoint and
// logged by the push path (spec.md §6, §4.7 step 5 "Return counts").
type IncrementalResult struct {
	MessagesAdded   int
	MessagesDeleted int
	MessagesUpdated int
	NewHistoryID    string
}

// RunIncremental applies only the delta since connection.latest_history_id
// (spec.md §4.7). Returns RequiresFullSync if the connection has no cursor
// yet, or the provider rejects the stored cursor as expired.
func (e *Engine) RunIncremental(ctx context.Context, conn *models.Connection) (*IncrementalResult, error) {
	if conn.LatestHistoryID == "" {
		return nil, RequiresFullSync
	}

	client, err := e.client(conn.Provider)
	if err != nil {
		return nil, err
	}

	accessToken, err := e.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("ensure fresh token: %w", err)
	}

	toAdd, toDelete, toUpdate, newHistoryID, err := e.collectHistory(ctx, client, accessToken, conn.LatestHistoryID)
	if err != nil {
		if isInvalidHistoryID(err) {
			return nil, RequiresFullSync
		}
		return nil, fmt.Errorf("collect history: %w", err)
	}

	folders, err := e.folders.ListByConnection(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	result := &IncrementalResult{NewHistoryID: newHistoryID}

	added, err := e.applyAdds(ctx, client, conn, accessToken, folders, toAdd)
	if err != nil {
		return nil, fmt.Errorf("apply adds: %w", err)
	}
	result.MessagesAdded = added

	deleted, err := e.applyDeletes(ctx, conn, toDelete)
	if err != nil {
		return nil, fmt.Errorf("apply deletes: %w", err)
	}
	result.MessagesDeleted = deleted

	updated, err := e.applyAdds(ctx, client, conn, accessToken, folders, toUpdate)
	if err != nil {
		return nil, fmt.Errorf("apply updates: %w", err)
	}
	result.MessagesUpdated = updated

	if newHistoryID != "" {
		conn.LatestHistoryID = newHistoryID
	}
	now := time.Now()
	conn.LastSyncedAt = &now
	if err := e.connections.Update(ctx, conn); err != nil {
		return nil, fmt.Errorf("persist new history cursor: %w", err)
	}

	return result, nil
}

// RunForConnection implements watch.IncrementalRunner for the push-
// notification path (spec.md §4.5): on RequiresFullSync it enqueues a full
// sync rather than propagating the error, since there is no HTTP caller
// waiting on this path to decide that for itself.
func (e *Engine) RunForConnection(ctx context.Context, conn *models.Connection) error {
	result, err := e.RunIncremental(ctx, conn)
	if errors.Is(err, RequiresFullSync) {
		logger.Info(logger.WithConnectionID(ctx, conn.ID), "push notification requires full sync, enqueuing")
		_, enqueueErr := e.jobs.Enqueue(ctx, conn.UserID, conn.ID, conn.Provider, models.SyncTypeFull, queue.PriorityScheduled)
		var conflict *queue.ConflictingJobInProgress
		if enqueueErr != nil && !errors.As(enqueueErr, &conflict) {
			return fmt.Errorf("enqueue full sync after invalid cursor: %w", enqueueErr)
		}
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info(logger.WithConnectionID(ctx, conn.ID), "processed push notification",
		logger.Int("added", result.MessagesAdded), logger.Int("deleted", result.MessagesDeleted), logger.Int("updated", result.MessagesUpdated))
	return nil
}

// RunIncrementalJob wraps RunIncremental with SyncJob bookkeeping for the
// queued path (Worker dispatch, spec.md §4.2 step 4).
func (e *Engine) RunIncrementalJob(ctx context.Context, conn *models.Connection, job *models.SyncJob) error {
	ctx = logger.WithJobID(logger.WithConnectionID(ctx, conn.ID), job.ID)

	result, err := e.RunIncremental(ctx, conn)
	if errors.Is(err, RequiresFullSync) {
		return e.failJob(ctx, conn, job, "requires full sync: history cursor missing or invalid")
	}
	if err != nil {
		var revoked *token.ProviderTokenRevoked
		if errors.As(err, &revoked) {
			return e.failJob(ctx, conn, job, "token revoked: "+revoked.Reason)
		}
		return e.failJob(ctx, conn, job, err.Error())
	}

	job.MessagesSynced = result.MessagesAdded + result.MessagesUpdated
	job.FoldersCompleted = 1
	job.TotalFolders = 1
	job.StatusMessage = fmt.Sprintf("added=%d deleted=%d updated=%d", result.MessagesAdded, result.MessagesDeleted, result.MessagesUpdated)
	if err := e.jobs.ReportProgress(ctx, job.ID, e.progressFields(job)); err != nil {
		logger.Warn(ctx, "failed to report final incremental progress", logger.ErrorField(err))
	}

	if err := e.jobs.Complete(ctx, job, result.NewHistoryID); err != nil {
		return fmt.Errorf("complete incremental job: %w", err)
	}
	return nil
}

func isInvalidHistoryID(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid") && strings.Contains(msg, "history")
}

// collectHistory implements spec.md §4.7 steps 2-3: paginate history.list,
// collect entries, track the final historyId, then partition ids into three
// disjoint sets by precedence add > delete > update.
func (e *Engine) collectHistory(ctx context.Context, client provider.Client, accessToken, startHistoryID string) (toAdd, toDelete, toUpdate []string, newHistoryID string, err error) {
	addSet := map[string]bool{}
	deleteSet := map[string]bool{}
	updateSet := map[string]bool{}

	pageToken := ""
	for {
		var page *provider.HistoryPage
		callErr := provider.WithBackoff(ctx, func() error {
			var listErr error
			page, listErr = client.ListHistory(ctx, accessToken, startHistoryID, pageToken)
			return listErr
		})
		if callErr != nil {
			return nil, nil, nil, "", callErr
		}

		for _, entry := range page.Entries {
			switch entry.Kind {
			case provider.HistoryMessageAdded:
				addSet[entry.ProviderEmailID] = true
			case provider.HistoryMessageDeleted:
				deleteSet[entry.ProviderEmailID] = true
			case provider.HistoryLabelAdded, provider.HistoryLabelRemoved:
				updateSet[entry.ProviderEmailID] = true
			}
		}

		if page.HistoryID != "" {
			newHistoryID = page.HistoryID
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	for id := range addSet {
		toAdd = append(toAdd, id)
	}
	for id := range deleteSet {
		if !addSet[id] {
			toDelete = append(toDelete, id)
		}
	}
	for id := range updateSet {
		if !addSet[id] && !deleteSet[id] {
			toUpdate = append(toUpdate, id)
		}
	}

	return toAdd, toDelete, toUpdate, newHistoryID, nil
}

// applyAdds fetches and caches ids in batches of 20 with a 500ms inter-batch
// pause, used for both to_add and to_update (spec.md §4.7 step 4: "upsert
// overwrites local state" makes the two paths identical).
func (e *Engine) applyAdds(ctx context.Context, client provider.Client, conn *models.Connection, accessToken string, folders []models.Folder, ids []string) (int, error) {
	applied := 0
	for start := 0; start < len(ids); start += incrementalAddBatchSize {
		end := start + incrementalAddBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		for _, id := range batch {
			var msg *provider.Message
			err := provider.WithBackoff(ctx, func() error {
				var getErr error
				msg, getErr = client.GetMessage(ctx, accessToken, id)
				return getErr
			})
			if err != nil {
				logger.Warn(ctx, "failed to fetch message during incremental sync, skipping", logger.String("provider_email_id", id), logger.ErrorField(err))
				continue
			}

			folder := folderForLabels(folders, msg.Labels)
			if folder == nil {
				logger.Warn(ctx, "no matching folder for message labels, skipping", logger.String("provider_email_id", id))
				continue
			}

			cached := toCachedMessage(conn.UserID, conn.ID, folder.ID, msg)
			if err := e.messages.Upsert(ctx, cached); err != nil {
				logger.Warn(ctx, "failed to upsert message during incremental sync, skipping", logger.ErrorField(err))
				continue
			}
			applied++
			e.metrics.MessagesSynced.Inc()
		}

		if end < len(ids) {
			if err := e.sleep(ctx, e.timing.InterHistoryBatchDelay); err != nil {
				return applied, err
			}
		}
	}
	return applied, nil
}

// applyDeletes removes cached messages in batches of 100 (spec.md §4.7
// step 4).
func (e *Engine) applyDeletes(ctx context.Context, conn *models.Connection, ids []string) (int, error) {
	deleted := 0
	for start := 0; start < len(ids); start += incrementalDeleteBatch {
		end := start + incrementalDeleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		n, err := e.messages.DeleteByProviderIDs(ctx, conn.UserID, conn.ID, batch)
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}
