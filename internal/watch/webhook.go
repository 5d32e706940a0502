package watch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kiwisdev/mailsync/internal/logger"
)

type pubsubPushBody struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

// WebhookHandler serves POST /webhooks/gmail on cmd/mailsyncd (spec.md §6):
// Gmail's Pub/Sub push delivers the watched resource id and historyId as
// attributes on the wrapped message. Unauthenticated here; production
// deployments sit this behind the Pub/Sub push subscription's own JWT
// signature verification at the load balancer.
func WebhookHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var body pubsubPushBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Gmail always sends resource-state=exists for mailbox update
		// notifications (sync/delete states are a Drive-API push concept
		// this service never subscribes to), so it isn't checked here.
		resourceID := body.Message.Attributes["resource-id"]
		if resourceID == "" {
			w.WriteHeader(http.StatusOK) // malformed/unsubscribed notification: ack and drop
			return
		}
		historyID := body.Message.Attributes["historyId"]

		ctx := r.Context()
		if err := m.OnNotification(ctx, resourceID, historyID); err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			logger.Warn(ctx, "failed to process gmail webhook", logger.ErrorField(err))
		}
		w.WriteHeader(http.StatusOK)
	}
}
