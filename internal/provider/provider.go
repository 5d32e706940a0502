// Package provider abstracts a remote mail provider behind a single
// interface with two variants, Gmail (implemented) and Outlook (reserved),
// following spec.md §9 "per-provider dispatch should be an interface with
// two variants". Message parsing itself lives in internal/provider/gmail,
// grounded on the teacher's internal/gmail/client.go.
package provider

import (
	"context"
	"time"

	"github.com/kiwisdev/mailsync/internal/models"
)

// Message is the provider-neutral shape SyncEngine caches, produced by
// whichever variant's parser handled the wire format.
type Message struct {
	ProviderEmailID string
	Subject         string
	Sender          string
	Recipients      string
	CC              string
	Date            time.Time
	BodyHTML        string
	BodyPreview     string
	Read            bool
	Starred         bool
	Attachments     string // JSON-encoded, see models.CachedMessage.Attachments
	Labels          []string
}

// MessageSummary is the lightweight row returned by listing a folder/label,
// before the full message body is fetched.
type MessageSummary struct {
	ProviderEmailID string
}

// Label is a provider folder/label as returned by ListLabels, carrying
// the history cursor the provider variant reports alongside it (the Gmail
// client stamps every label with the mailbox profile's historyId).
type Label struct {
	ProviderFolderID string
	Name             string
	Type             models.FolderType
	HistoryID        string
}

// Page is one page of a paginated listing.
type Page struct {
	Messages      []MessageSummary
	NextPageToken string
}

// HistoryEntry is one change-log entry returned by ListHistory, already
// classified by kind so IncrementalSync can partition without looking at
// provider-specific fields.
type HistoryEntry struct {
	Kind            HistoryKind
	ProviderEmailID string
}

type HistoryKind string

const (
	HistoryMessageAdded   HistoryKind = "messageAdded"
	HistoryMessageDeleted HistoryKind = "messageDeleted"
	HistoryLabelAdded     HistoryKind = "labelAdded"
	HistoryLabelRemoved   HistoryKind = "labelRemoved"
)

// HistoryPage is one page of ListHistory, with the final cursor to persist
// once all pages have been consumed.
type HistoryPage struct {
	Entries       []HistoryEntry
	NextPageToken string
	HistoryID     string
}

// WatchResult is the outcome of installing or renewing a push-notification
// subscription.
type WatchResult struct {
	ResourceID string
	HistoryID  string
	Expiration time.Time
}

// RefreshResult is the outcome of exchanging a refresh token for a new
// access token.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // unchanged if the provider didn't rotate it
	ExpiresAt    time.Time
}

// Client abstracts one remote mail provider. Every method takes the access
// token explicitly rather than holding provider-account state, since a
// single Client instance is shared across all connections of its provider
// (spec.md §2 "ProviderClient ... Variants: Gmail, Outlook").
type Client interface {
	Provider() models.Provider

	// ListMessages lists message ids in the given label/folder, paginated.
	ListMessages(ctx context.Context, accessToken, providerFolderID, pageToken string, pageSize int) (*Page, error)

	// GetMessage fetches and parses one full message by id.
	GetMessage(ctx context.Context, accessToken, providerEmailID string) (*Message, error)

	// ListLabels lists the provider's folders/labels.
	ListLabels(ctx context.Context, accessToken string) ([]Label, error)

	// ListHistory lists change-log entries since startHistoryID.
	ListHistory(ctx context.Context, accessToken, startHistoryID, pageToken string) (*HistoryPage, error)

	// Watch installs or renews a push-notification subscription.
	Watch(ctx context.Context, accessToken string, labelIDs []string, topic string) (*WatchResult, error)

	// RefreshToken exchanges a refresh token for a new access token.
	RefreshToken(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

// ErrUnsupportedProvider is returned by every method of the Outlook stub
// client (internal/provider/outlook), whose implementation spec.md §9
// marks reserved but out of scope.
var ErrUnsupportedProvider = &UnsupportedProviderError{}

type UnsupportedProviderError struct {
	Provider models.Provider
}

func (e *UnsupportedProviderError) Error() string {
	return "unsupported provider: " + string(e.Provider)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	_, ok := target.(*UnsupportedProviderError)
	return ok
}
