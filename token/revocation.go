package token

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Revoker implements RFC 7009. Unknown tokens and tokens of other clients
// are not an error.
type Revoker struct {
	Tokens oauth.OAuthTokenRepository
}

func (r *Revoker) Revoke(ctx context.Context, creds *oauth.ClientCredentials, token, hint string) error {
	if token == "" {
		return oauth.ErrInvalidRequest("missing token")
	}

	lookups := []func(context.Context, string, string) (*oauth.OAuthToken, error){r.Tokens.Find, r.Tokens.FindByRefreshToken}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		found, err := lookup(ctx, creds.Tenant, token)
		if errors.Is(err, oauth.ErrNotFound) {
			continue
		} else if err != nil {
			return oauth.ErrServerError(err)
		}
		if found.ClientID != creds.ClientID {
			slog.Warn("client tried to revoke a foreign token", "tenant", creds.Tenant, "client_id", creds.ClientID)
			return nil
		}
		if err := r.Tokens.Delete(ctx, creds.Tenant, found.ID); err != nil && !errors.Is(err, oauth.ErrNotFound) {
			return oauth.ErrServerError(err)
		}
		slog.Info("token revoked", "tenant", creds.Tenant, "client_id", creds.ClientID, "token_id", found.ID)
		return nil
	}
	return nil
}
