package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/token"
)

// RunFull drives the FullSync state machine for job against conn:
// prepare → refresh_token → discover_folders → [per folder: clear →
// page_loop] → finalize → done/fail (spec.md §4.6). It always terminates
// the job (complete, or fail) before returning; the returned error is for
// the caller's logging only.
func (e *Engine) RunFull(ctx context.Context, conn *models.Connection, job *models.SyncJob) error {
	ctx = logger.WithJobID(logger.WithConnectionID(ctx, conn.ID), job.ID)

	// 1. Prepare
	conn.SyncStatus = models.SyncStatusSyncing
	if err := e.connections.Update(ctx, conn); err != nil {
		logger.Warn(ctx, "failed to mark connection syncing, continuing", logger.ErrorField(err))
	}

	// 2. Refresh token
	accessToken, err := e.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		var revoked *token.ProviderTokenRevoked
		if errors.As(err, &revoked) {
			return e.failJob(ctx, conn, job, "token revoked: "+revoked.Reason)
		}
		return e.failJob(ctx, conn, job, "token refresh failed: "+err.Error())
	}

	client, err := e.client(conn.Provider)
	if err != nil {
		return e.failJob(ctx, conn, job, err.Error())
	}

	// 3. Discover folders
	folders, latestHistoryID, err := e.discoverFolders(ctx, client, conn, accessToken)
	if err != nil {
		return e.failJob(ctx, conn, job, "discover folders: "+err.Error())
	}

	if job.TotalFolders != len(folders) {
		job.TotalFolders = len(folders)
		_ = e.jobs.ReportProgress(ctx, job.ID, e.progressFields(job))
	}

	// 4 & 5. Per folder
	var statusNote string
	for _, folder := range folders {
		if cancelled, _ := e.checkpoint(ctx, job.ID); cancelled {
			logger.Info(ctx, "full sync cancelled mid-folder-loop")
			return nil
		}

		accessToken, err = e.tokens.EnsureFresh(ctx, conn)
		if err != nil {
			var revoked *token.ProviderTokenRevoked
			if errors.As(err, &revoked) {
				return e.failJob(ctx, conn, job, "token revoked: "+revoked.Reason)
			}
			return e.failJob(ctx, conn, job, "token refresh failed: "+err.Error())
		}

		if err := e.syncFolder(ctx, client, conn, job, accessToken, &folder); err != nil {
			pf := &PartialFolderFailure{FolderName: folder.Name, Cause: err}
			statusNote = pf.Error()
			logger.Warn(ctx, "folder sync failed, continuing with remaining folders", logger.String("folder", folder.Name), logger.ErrorField(err))
		}

		job.FoldersCompleted++
		job.Progress = progressPercent(job.FoldersCompleted, job.TotalFolders)
		fields := e.progressFields(job)
		fields.StatusMessage = statusNote
		if err := e.jobs.ReportProgress(ctx, job.ID, fields); err != nil {
			logger.Warn(ctx, "failed to report folder progress", logger.ErrorField(err))
		}
	}

	// 6. Finalize
	conn.LatestHistoryID = latestHistoryID
	now := time.Now()
	conn.LastSyncedAt = &now
	conn.SyncStatus = models.SyncStatusIdle
	conn.SyncError = nil
	if err := e.connections.Update(ctx, conn); err != nil {
		logger.Warn(ctx, "failed to finalize connection after full sync", logger.ErrorField(err))
	}

	if err := e.jobs.Complete(ctx, job, latestHistoryID); err != nil {
		return fmt.Errorf("complete full sync job: %w", err)
	}
	return nil
}

// failJob transitions job to failed and, unless conn has already been
// marked requires_reauth by a token revocation, also marks the connection
// error with the same reason (spec.md §7 "TokenRefreshTransient →
// Connection.sync_status=error") so a connection never stays stuck in
// syncing or idle after a sync that actually failed.
func (e *Engine) failJob(ctx context.Context, conn *models.Connection, job *models.SyncJob, reason string) error {
	if conn.SyncStatus != models.SyncStatusRequiresReauth {
		now := time.Now()
		conn.SyncStatus = models.SyncStatusError
		conn.SyncError = &reason
		conn.LastSyncErrorAt = &now
		if err := e.connections.Update(ctx, conn); err != nil {
			logger.Warn(ctx, "failed to mark connection error after job failure", logger.ErrorField(err))
		}
	}
	if err := e.jobs.Fail(ctx, job, reason); err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return errors.New(reason)
}

func (e *Engine) progressFields(job *models.SyncJob) store.ProgressFields {
	return store.ProgressFields{
		Progress:         job.Progress,
		FoldersCompleted: job.FoldersCompleted,
		TotalFolders:     job.TotalFolders,
		MessagesSynced:   job.MessagesSynced,
		CurrentFolder:    job.CurrentFolder,
		StatusMessage:    job.StatusMessage,
	}
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(100 * float64(done) / float64(total))
}

// discoverFolders implements spec.md §4.6 step 3: list provider labels,
// extract the INBOX label's historyId (else any label's) as the cursor the
// first incremental sync resumes from; read Folder rows from the store,
// seeding the four defaults if none exist, then re-reading so the returned
// list is always the Folder-row form (spec.md Open Question #3, REDESIGN
// FLAG — never raw provider label objects).
func (e *Engine) discoverFolders(ctx context.Context, client provider.Client, conn *models.Connection, accessToken string) ([]models.Folder, string, error) {
	labels, err := client.ListLabels(ctx, accessToken)
	if err != nil {
		return nil, "", fmt.Errorf("list labels: %w", err)
	}

	latestHistoryID := ""
	for _, l := range labels {
		if l.ProviderFolderID == "INBOX" {
			latestHistoryID = l.HistoryID
			break
		}
	}
	if latestHistoryID == "" {
		for _, l := range labels {
			if l.HistoryID != "" {
				latestHistoryID = l.HistoryID
				break
			}
		}
	}

	existing, err := e.folders.ListByConnection(ctx, conn.ID)
	if err != nil {
		return nil, "", fmt.Errorf("list existing folders: %w", err)
	}

	if len(existing) == 0 {
		for _, def := range models.DefaultGmailFolders {
			f := &models.Folder{
				ID:               newMessageID(),
				UserID:           conn.UserID,
				ConnectionID:     conn.ID,
				Name:             def.Name,
				Type:             def.Type,
				ProviderFolderID: def.ProviderFolderID,
			}
			if err := e.folders.Create(ctx, f); err != nil {
				return nil, "", fmt.Errorf("seed default folder %s: %w", def.Name, err)
			}
		}
		existing, err = e.folders.ListByConnection(ctx, conn.ID)
		if err != nil {
			return nil, "", fmt.Errorf("re-list folders after seeding: %w", err)
		}
	}

	return existing, latestHistoryID, nil
}

// syncFolder implements spec.md §4.6 step 4: clear then page through the
// provider, fetching and upserting each message in sub-batches, pacing
// calls to soften rate limits.
func (e *Engine) syncFolder(ctx context.Context, client provider.Client, conn *models.Connection, job *models.SyncJob, accessToken string, folder *models.Folder) error {
	job.CurrentFolder = folder.Name
	_ = e.jobs.ReportProgress(ctx, job.ID, e.progressFields(job))

	if err := e.messages.DeleteByFolder(ctx, conn.UserID, conn.ID, folder.ID); err != nil {
		return fmt.Errorf("clear folder: %w", err)
	}

	pageSize := conn.SyncBatchSize
	if pageSize <= 0 || pageSize > defaultProviderPageSize {
		pageSize = defaultProviderPageSize
	}

	pageToken := ""
	for {
		if cancelled, _ := e.checkpoint(ctx, job.ID); cancelled {
			return nil
		}

		var page *provider.Page
		err := provider.WithBackoff(ctx, func() error {
			var listErr error
			page, listErr = client.ListMessages(ctx, accessToken, folder.ProviderFolderID, pageToken, pageSize)
			return listErr
		})
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}

		if err := e.fetchAndUpsertPage(ctx, client, conn, job, accessToken, folder, page.Messages); err != nil {
			return err
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken

		if err := e.sleep(ctx, e.timing.InterPageDelay); err != nil {
			return err
		}

		accessToken, err = e.tokens.EnsureFresh(ctx, conn)
		if err != nil {
			return fmt.Errorf("refresh token mid-page: %w", err)
		}
	}

	return nil
}

func (e *Engine) fetchAndUpsertPage(ctx context.Context, client provider.Client, conn *models.Connection, job *models.SyncJob, accessToken string, folder *models.Folder, summaries []provider.MessageSummary) error {
	for start := 0; start < len(summaries); start += fullSyncUpsertSubBatch {
		if cancelled, _ := e.checkpoint(ctx, job.ID); cancelled {
			return nil
		}

		end := start + fullSyncUpsertSubBatch
		if end > len(summaries) {
			end = len(summaries)
		}
		subBatch := summaries[start:end]

		for _, summary := range subBatch {
			var msg *provider.Message
			err := provider.WithBackoff(ctx, func() error {
				var getErr error
				msg, getErr = client.GetMessage(ctx, accessToken, summary.ProviderEmailID)
				return getErr
			})
			if err != nil {
				logger.Warn(ctx, "failed to fetch message, skipping", logger.String("provider_email_id", summary.ProviderEmailID), logger.ErrorField(err))
				continue
			}

			cached := toCachedMessage(conn.UserID, conn.ID, folder.ID, msg)
			if err := e.messages.Upsert(ctx, cached); err != nil {
				logger.Warn(ctx, "failed to upsert message, skipping", logger.ErrorField(err))
				continue
			}
			job.MessagesSynced++
			e.metrics.MessagesSynced.Inc()
		}

		job.StatusMessage = fmt.Sprintf("folder %s: %d messages synced", folder.Name, job.MessagesSynced)
		if err := e.jobs.ReportProgress(ctx, job.ID, e.progressFields(job)); err != nil {
			logger.Warn(ctx, "failed to report sub-batch progress", logger.ErrorField(err))
		}

		if end < len(summaries) {
			if err := e.sleep(ctx, e.timing.InterSubBatchDelay); err != nil {
				return err
			}
		}
	}
	return nil
}
