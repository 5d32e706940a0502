// Package outlook is the reserved second variant of provider.Client.
// spec.md §9 marks its implementation out of scope ("the Outlook path is
// reserved; its contract is the same, its implementation out of scope");
// princeparmar-Backup-Tools/handler/outlook_handler.go shows a real
// msgraph-sdk-go integration, but nothing in this spec has a component that
// would exercise it, so it is deliberately left unwired (see DESIGN.md).
// This stub exists so the Provider field of a Connection can already hold
// "outlook" end-to-end without any caller needing a type switch.
package outlook

import (
	"context"

	"github.com/kiwisdev/mailsync/internal/models"
	"github.com/kiwisdev/mailsync/internal/provider"
)

type Client struct{}

func NewClient() *Client { return &Client{} }

func (c *Client) Provider() models.Provider { return models.ProviderOutlook }

func (c *Client) unsupported() error {
	return &provider.UnsupportedProviderError{Provider: models.ProviderOutlook}
}

func (c *Client) ListMessages(ctx context.Context, accessToken, providerFolderID, pageToken string, pageSize int) (*provider.Page, error) {
	return nil, c.unsupported()
}

func (c *Client) GetMessage(ctx context.Context, accessToken, providerEmailID string) (*provider.Message, error) {
	return nil, c.unsupported()
}

func (c *Client) ListLabels(ctx context.Context, accessToken string) ([]provider.Label, error) {
	return nil, c.unsupported()
}

func (c *Client) ListHistory(ctx context.Context, accessToken, startHistoryID, pageToken string) (*provider.HistoryPage, error) {
	return nil, c.unsupported()
}

func (c *Client) Watch(ctx context.Context, accessToken string, labelIDs []string, topic string) (*provider.WatchResult, error) {
	return nil, c.unsupported()
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*provider.RefreshResult, error) {
	return nil, c.unsupported()
}
