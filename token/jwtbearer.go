package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/nonce"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTBearerService implements the RFC 7523 authorization grant for
// assertions of configured trusted issuers.
type JWTBearerService struct {
	Replay  clientauth.ReplayStore
	Fetcher jose.JwksFetcher
	Nonces  nonce.Service
	// Users is optional; known subjects contribute their claims.
	Users oauth.UserRepository
	Now   func() time.Time
}

func (s *JWTBearerService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *JWTBearerService) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	assertion := req.Form.Get("assertion")
	unverified, err := jwt.ParseInsecure([]byte(assertion))
	if err != nil {
		return nil, oauth.ErrInvalidGrant("assertion is malformed")
	}
	issuer, ok := req.Server.JwtBearerIssuer(unverified.Issuer())
	if !ok {
		return nil, oauth.ErrInvalidGrant("assertion issuer is not trusted")
	}

	keys, err := s.issuerKeys(ctx, issuer)
	if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	claims, err := jose.Verify(assertion, keys)
	if err != nil {
		return nil, oauth.ErrInvalidGrant("assertion signature is invalid").WithCause(err)
	}

	subject := claims.String("sub")
	if subject == "" {
		return nil, oauth.ErrInvalidGrant("assertion requires sub")
	}
	if !claims.HasAudience(req.Server.TokenEndpoint()) && !claims.HasAudience(req.Server.Issuer) {
		return nil, oauth.ErrInvalidGrant("assertion audience does not contain this server")
	}
	now := s.now()
	exp, ok := claims.Time("exp")
	if !ok || !now.Before(exp) {
		return nil, oauth.ErrInvalidGrant("assertion is expired")
	}
	if nbf, ok := claims.Time("nbf"); ok && now.Before(nbf) {
		return nil, oauth.ErrInvalidGrant("assertion is not yet valid")
	}

	jti := claims.String("jti")
	if jti == "" {
		return nil, oauth.ErrInvalidGrant("assertion requires jti")
	}
	key := fmt.Sprintf("jwt-bearer:%s:%s:%s", req.Credentials.Tenant, issuer.Issuer, jti)
	if err := s.Replay.Register(ctx, key, exp); errors.Is(err, oauth.ErrConflict) {
		return nil, oauth.ErrInvalidGrant("assertion has already been used")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}

	if req.Server.JwtBearerRequireNonce {
		n := claims.String("nonce")
		if n == "" || s.Nonces == nil {
			return nil, oauth.ErrInvalidGrant("assertion requires a server nonce")
		}
		if err := s.Nonces.Redeem(ctx, n); err != nil {
			return nil, oauth.ErrInvalidGrant("assertion nonce is invalid").WithCause(err)
		}
	}

	scopes, err := requestedScopes(req, nil)
	if err != nil {
		return nil, err
	}
	grant := oauth.AuthorizationGrant{
		Subject:  subject,
		ClientID: req.Credentials.ClientID,
		Scopes:   scopes,
	}
	if s.Users != nil {
		if user, err := s.Users.FindBySubject(ctx, req.Credentials.Tenant, subject); err == nil {
			grant.Claims = user.Claims
		}
	}
	return &Issuance{Grant: grant}, nil
}

func (s *JWTBearerService) issuerKeys(ctx context.Context, issuer *oauth.JwtBearerIssuer) (jwk.Set, error) {
	if issuer.Jwks != nil && issuer.Jwks.Len() > 0 {
		return issuer.Jwks.Keys, nil
	}
	if issuer.JwksURI == "" || s.Fetcher == nil {
		return nil, fmt.Errorf("issuer '%s' has no keys", issuer.Issuer)
	}
	return s.Fetcher.Fetch(ctx, issuer.JwksURI)
}
