package syncengine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kiwisdev/mailsync/internal/logger"
	"github.com/kiwisdev/mailsync/internal/metrics"
	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
	"github.com/kiwisdev/mailsync/internal/queue"
	"github.com/kiwisdev/mailsync/internal/store"
	"github.com/kiwisdev/mailsync/internal/token"
)

// Timing holds the inter-call delays spec.md §4.6/§4.7 specifies, broken
// out so tests can shrink them instead of sleeping for real.
type Timing struct {
	InterPageDelay        time.Duration // 500ms between FullSync pages
	InterSubBatchDelay    time.Duration // 100ms between FullSync upsert sub-batches
	InterHistoryBatchDelay time.Duration // 500ms between IncrementalSync message-add batches
}

func DefaultTiming() Timing {
	return Timing{
		InterPageDelay:         500 * time.Millisecond,
		InterSubBatchDelay:     100 * time.Millisecond,
		InterHistoryBatchDelay: 500 * time.Millisecond,
	}
}

const (
	fullSyncUpsertSubBatch    = 50
	incrementalAddBatchSize   = 20
	incrementalDeleteBatch    = 100
	defaultProviderPageSize   = 100
)

type Engine struct {
	connections store.ConnectionStore
	folders     store.FolderStore
	messages    store.MessageStore
	jobs        *queue.Queue
	clients     map[models.Provider]provider.Client
	tokens      *token.Manager
	metrics     *metrics.Registry
	timing      Timing
}

func New(
	connections store.ConnectionStore,
	folders store.FolderStore,
	messages store.MessageStore,
	jobs *queue.Queue,
	clients map[models.Provider]provider.Client,
	tokens *token.Manager,
	m *metrics.Registry,
) *Engine {
	return &Engine{
		connections: connections,
		folders:     folders,
		messages:    messages,
		jobs:        jobs,
		clients:     clients,
		tokens:      tokens,
		metrics:     m,
		timing:      DefaultTiming(),
	}
}

// WithTiming overrides the inter-call delays; used by tests.
func (e *Engine) WithTiming(t Timing) *Engine {
	e.timing = t
	return e
}

func (e *Engine) client(p models.Provider) (provider.Client, error) {
	c, ok := e.clients[p]
	if !ok {
		return nil, &provider.UnsupportedProviderError{Provider: p}
	}
	return c, nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// checkpoint returns true if the job has since been cancelled, to be called
// between folders, pages, and batches so cancellation is observed promptly
// without corrupting already-committed counts (spec.md §5).
func (e *Engine) checkpoint(ctx context.Context, jobID string) (cancelled bool, err error) {
	cancelled, err = e.jobs.IsCancelled(ctx, jobID)
	if err != nil {
		logger.Warn(ctx, "cancellation checkpoint failed, continuing", logger.ErrorField(err))
		return false, nil
	}
	return cancelled, nil
}

func newMessageID() string {
	return uuid.NewString()
}

func toCachedMessage(userID, connectionID, folderID string, m *provider.Message) *models.CachedMessage {
	return &models.CachedMessage{
		ID:              newMessageID(),
		UserID:          userID,
		ConnectionID:    connectionID,
		FolderID:        folderID,
		ProviderEmailID: m.ProviderEmailID,
		Subject:         m.Subject,
		Sender:          m.Sender,
		Recipients:      m.Recipients,
		CC:              m.CC,
		Date:            m.Date,
		BodyHTML:        m.BodyHTML,
		BodyPreview:     m.BodyPreview,
		Read:            m.Read,
		Starred:         m.Starred,
		Attachments:     m.Attachments,
		UpdatedAt:       time.Now(),
	}
}

// folderForLabels picks the CachedMessage folder_id for a message given its
// provider labels, defaulting to inbox when no recognized label is present
// (spec.md §4.7 step 4 "determine its folder from labels (inbox/sent/drafts/
// trash/archive default)").
func folderForLabels(folders []models.Folder, labels []string) *models.Folder {
	byType := make(map[models.FolderType]*models.Folder, len(folders))
	for i := range folders {
		byType[folders[i].Type] = &folders[i]
	}

	precedence := []struct {
		label string
		ftype models.FolderType
	}{
		{"TRASH", models.FolderTrash},
		{"DRAFT", models.FolderDrafts},
		{"SENT", models.FolderSent},
		{"INBOX", models.FolderInbox},
	}

	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[l] = true
	}

	for _, p := range precedence {
		if labelSet[p.label] {
			if f, ok := byType[p.ftype]; ok {
				return f
			}
		}
	}

	if f, ok := byType[models.FolderInbox]; ok {
		return f
	}
	if f, ok := byType[models.FolderArchive]; ok {
		return f
	}
	return nil
}
