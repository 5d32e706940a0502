// Package gmail implements provider.Client against the Gmail API, adapting
// the parsing logic from the teacher's internal/gmail/client.go to the
// label-listing, history-cursor, and watch operations this spec's
// SyncEngine and WatchManager need that the teacher's IMAP-style polling
// client never had to do.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
)

type Client struct {
	clientID     string
	clientSecret string
}

func NewClient(clientID, clientSecret string) *Client {
	return &Client{clientID: clientID, clientSecret: clientSecret}
}

func (c *Client) Provider() models.Provider { return models.ProviderGmail }

func (c *Client) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	token := &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func (c *Client) ListMessages(ctx context.Context, accessToken, providerFolderID, pageToken string, pageSize int) (*provider.Page, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").LabelIds(providerFolderID).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	summaries := make([]provider.MessageSummary, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		summaries = append(summaries, provider.MessageSummary{ProviderEmailID: m.Id})
	}
	return &provider.Page{Messages: summaries, NextPageToken: resp.NextPageToken}, nil
}

func (c *Client) GetMessage(ctx context.Context, accessToken, providerEmailID string) (*provider.Message, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", providerEmailID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", providerEmailID, err)
	}
	return parseMessage(msg), nil
}

func (c *Client) ListLabels(ctx context.Context, accessToken string) ([]provider.Label, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	// Gmail's label resource carries no historyId; the account-wide cursor
	// comes from the mailbox profile, and every label is stamped with it so
	// FullSync's "INBOX label's historyId; else any label's" (spec.md §4.6)
	// reads the same cursor regardless of which label it picks.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get profile for history cursor: %w", err)
	}
	historyID := fmt.Sprintf("%d", profile.HistoryId)

	labels := make([]provider.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, provider.Label{
			ProviderFolderID: l.Id,
			Name:             l.Name,
			Type:             classifyLabel(l.Id),
			HistoryID:        historyID,
		})
	}
	return labels, nil
}

// classifyLabel maps a Gmail system label id to the canonical FolderType
// this spec's Folder rows use (spec.md §3).
func classifyLabel(labelID string) models.FolderType {
	switch labelID {
	case "INBOX":
		return models.FolderInbox
	case "SENT":
		return models.FolderSent
	case "DRAFT":
		return models.FolderDrafts
	case "TRASH":
		return models.FolderTrash
	default:
		return models.FolderCustom
	}
}

func (c *Client) ListHistory(ctx context.Context, accessToken, startHistoryID, pageToken string) (*provider.HistoryPage, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	startID, parseErr := parseUint64(startHistoryID)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid historyId %q: %w", startHistoryID, parseErr)
	}

	call := svc.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved")
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "invalid") && strings.Contains(strings.ToLower(err.Error()), "historyid") {
			return nil, fmt.Errorf("invalid history id: %w", err)
		}
		return nil, fmt.Errorf("list history: %w", err)
	}

	var entries []provider.HistoryEntry
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			entries = append(entries, provider.HistoryEntry{Kind: provider.HistoryMessageAdded, ProviderEmailID: added.Message.Id})
		}
		for _, deleted := range h.MessagesDeleted {
			entries = append(entries, provider.HistoryEntry{Kind: provider.HistoryMessageDeleted, ProviderEmailID: deleted.Message.Id})
		}
		for _, la := range h.LabelsAdded {
			entries = append(entries, provider.HistoryEntry{Kind: provider.HistoryLabelAdded, ProviderEmailID: la.Message.Id})
		}
		for _, lr := range h.LabelsRemoved {
			entries = append(entries, provider.HistoryEntry{Kind: provider.HistoryLabelRemoved, ProviderEmailID: lr.Message.Id})
		}
	}

	return &provider.HistoryPage{
		Entries:       entries,
		NextPageToken: resp.NextPageToken,
		HistoryID:     fmt.Sprintf("%d", resp.HistoryId),
	}, nil
}

func (c *Client) Watch(ctx context.Context, accessToken string, labelIDs []string, topic string) (*provider.WatchResult, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: topic,
		LabelIds:  labelIDs,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("install watch: %w", err)
	}

	return &provider.WatchResult{
		ResourceID: fmt.Sprintf("%d", resp.HistoryId),
		HistoryID:  fmt.Sprintf("%d", resp.HistoryId),
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{RefreshToken: refreshToken}
	newToken, err := cfg.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	rotated := refreshToken
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		rotated = newToken.RefreshToken
	}

	return &provider.RefreshResult{
		AccessToken:  newToken.AccessToken,
		RefreshToken: rotated,
		ExpiresAt:    newToken.Expiry,
	}, nil
}

// parseMessage adapts the teacher's header/body/attachment extraction to
// provider.Message, which is provider-neutral.
func parseMessage(msg *gmailapi.Message) *provider.Message {
	m := &provider.Message{
		ProviderEmailID: msg.Id,
		Labels:          msg.LabelIds,
		BodyPreview:     msg.Snippet,
	}

	if msg.InternalDate > 0 {
		m.Date = time.UnixMilli(msg.InternalDate)
	}

	if msg.Payload == nil {
		return m
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			m.Subject = header.Value
		case "From":
			m.Sender = header.Value
		case "To":
			m.Recipients = header.Value
		case "Cc":
			m.CC = header.Value
		}
	}

	_, bodyHTML := extractBodies(msg.Payload)
	m.BodyHTML = bodyHTML

	m.Read = !containsLabel(msg.LabelIds, "UNREAD")
	m.Starred = containsLabel(msg.LabelIds, "STARRED")

	return m
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func extractBodies(payload *gmailapi.MessagePart) (string, string) {
	var textPlain, textHTML string
	if payload.Body != nil && payload.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			switch payload.MimeType {
			case "text/plain":
				textPlain = string(decoded)
			case "text/html":
				textHTML = string(decoded)
			}
		}
	}
	extractBodiesFromParts(payload.Parts, &textPlain, &textHTML)
	return textPlain, textHTML
}

func extractBodiesFromParts(parts []*gmailapi.MessagePart, textPlain, textHTML *string) {
	for _, part := range parts {
		if part.Body != nil && part.Body.Data != "" {
			if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				if part.MimeType == "text/plain" && *textPlain == "" {
					*textPlain = string(decoded)
				} else if part.MimeType == "text/html" && *textHTML == "" {
					*textHTML = string(decoded)
				}
			}
		}
		if len(part.Parts) > 0 {
			extractBodiesFromParts(part.Parts, textPlain, textHTML)
		}
	}
}

func parseUint64(s string) (uint64, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a valid historyId: %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	if s == "" {
		return 0, fmt.Errorf("empty historyId")
	}
	return n, nil
}
