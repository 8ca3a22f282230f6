package token

import (
	"context"
	"errors"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// RefreshTokenService rotates refresh tokens: the old token record is
// deleted and a new pair is issued. Scope may only be narrowed.
type RefreshTokenService struct {
	Tokens oauth.OAuthTokenRepository
	Now    func() time.Time
}

func (s *RefreshTokenService) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	tenant := req.Credentials.Tenant
	old, err := s.Tokens.FindByRefreshToken(ctx, tenant, req.Form.Get("refresh_token"))
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("refresh token is invalid")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	if old.ClientID != req.Credentials.ClientID {
		return nil, oauth.ErrInvalidGrant("refresh token was issued to another client")
	}
	grant := old.Grant
	if scope := req.Form.Get("scope"); scope != "" {
		scopes := oauth.ParseScope(scope)
		if !oauth.IsSubset(scopes, old.Grant.Scopes) {
			return nil, oauth.ErrInvalidScope("scope exceeds the original grant")
		}
		grant.Scopes = scopes
	}
	if err := consume(s.Tokens.Delete(ctx, tenant, old.ID), "refresh token"); err != nil {
		return nil, err
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if now.After(old.RefreshTokenExpiresAt) {
		return nil, oauth.ErrInvalidGrant("refresh token has expired")
	}

	return &Issuance{Grant: grant, RefreshToken: true}, nil
}
