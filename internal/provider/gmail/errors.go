package gmail

import (
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"github.com/kiwisdev/mailsync/internal/token"
)

// classifyRefreshError turns an oauth2 token-source error into the typed
// variant internal/token.TokenManager needs to distinguish permanent
// revocation from a transient failure (spec.md §4.4).
func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
		return &token.ProviderTokenRevoked{Reason: "refresh token revoked or expired (invalid_grant)"}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "token has been revoked") || strings.Contains(msg, "token has been expired or revoked") {
		return &token.ProviderTokenRevoked{Reason: err.Error()}
	}

	return &token.TokenRefreshTransient{Cause: err}
}
