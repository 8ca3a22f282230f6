package token

import (
	"context"
	"errors"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/ciba"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// requestedScopes returns the scope parameter checked against the client's
// registration, or fallback when the parameter is absent.
func requestedScopes(req *GrantRequest, fallback []string) ([]string, error) {
	scope := req.Form.Get("scope")
	if scope == "" {
		return fallback, nil
	}
	scopes := oauth.ParseScope(scope)
	if !req.Client.IsAllowedScopes(scopes) {
		return nil, oauth.ErrInvalidScope("scope is not allowed for this client: '%s'", scope)
	}
	return scopes, nil
}

func requestedAuthorizationDetails(req *GrantRequest) (oauth.AuthorizationDetails, error) {
	details, err := oauth.ParseAuthorizationDetails(req.Form.Get("authorization_details"))
	if err != nil {
		return nil, err
	}
	if details != nil {
		if err := details.Authorize(req.Server, req.Client); err != nil {
			return nil, err
		}
	}
	return details, nil
}

// issuesRefreshToken reports whether the client may use refresh tokens.
func issuesRefreshToken(req *GrantRequest) bool {
	return req.Server.SupportsGrantType(oauth.GrantTypeRefreshToken) && req.Client.IsAllowedGrantType(oauth.GrantTypeRefreshToken)
}

type AuthorizationCodeService struct {
	Codes oauth.AuthorizationCodeGrantRepository
	Now   func() time.Time
}

// Grant redeems an authorization code. The code is deleted before any
// other check so that it can never be used twice.
func (s *AuthorizationCodeService) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	code := req.Form.Get("code")
	stored, err := s.Codes.Find(ctx, req.Credentials.Tenant, code)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("authorization code is invalid")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	if stored.ClientID != req.Credentials.ClientID {
		return nil, oauth.ErrInvalidGrant("authorization code was issued to another client")
	}
	if err := consume(s.Codes.Delete(ctx, req.Credentials.Tenant, code), "authorization code"); err != nil {
		return nil, err
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if stored.Expired(now) {
		return nil, oauth.ErrInvalidGrant("authorization code has expired")
	}
	if stored.RedirectURI != req.Form.Get("redirect_uri") {
		return nil, oauth.ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if stored.CodeChallenge != "" {
		verifier := req.Form.Get("code_verifier")
		if verifier == "" {
			return nil, oauth.ErrInvalidGrant("code_verifier is required")
		}
		if !oauth.VerifyCodeVerifier(stored.CodeChallenge, stored.CodeChallengeMethod, verifier) {
			return nil, oauth.ErrInvalidGrant("code_verifier does not match the code_challenge")
		}
	} else if req.Form.Get("code_verifier") != "" {
		return nil, oauth.ErrInvalidGrant("code_verifier without code_challenge")
	}

	return &Issuance{
		Grant:        stored.Grant,
		Nonce:        stored.Nonce,
		RefreshToken: issuesRefreshToken(req),
	}, nil
}

type CibaService struct {
	Ciba *ciba.Service
}

func (s *CibaService) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	authReqID := req.Form.Get("auth_req_id")
	grant, err := s.Ciba.Poll(ctx, req.Credentials.Tenant, req.Credentials.ClientID, authReqID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, oauth.ErrServerError(errors.New("authorized ciba grant without result"))
	}
	tenant := req.Credentials.Tenant
	return &Issuance{
		Grant:        *grant,
		RefreshToken: issuesRefreshToken(req),
		OnIssued: func(ctx context.Context) {
			s.Ciba.Complete(ctx, tenant, authReqID)
		},
		OnFailed: func(ctx context.Context) {
			s.Ciba.Release(ctx, tenant, authReqID)
		},
	}, nil
}

type ClientCredentialsService struct{}

func (s *ClientCredentialsService) Grant(_ context.Context, req *GrantRequest) (*Issuance, error) {
	scopes, err := requestedScopes(req, req.Client.Scopes)
	if err != nil {
		return nil, err
	}
	details, err := requestedAuthorizationDetails(req)
	if err != nil {
		return nil, err
	}
	return &Issuance{
		Grant: oauth.AuthorizationGrant{
			ClientID:             req.Credentials.ClientID,
			Scopes:               scopes,
			AuthorizationDetails: details,
		},
	}, nil
}

type PasswordService struct {
	Users oauth.UserRepository
	Now   func() time.Time
}

func (s *PasswordService) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	scopes, err := requestedScopes(req, req.Client.Scopes)
	if err != nil {
		return nil, err
	}
	user, err := s.Users.Authenticate(ctx, req.Credentials.Tenant, req.Form.Get("username"), req.Form.Get("password"))
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("invalid username or password")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	return &Issuance{
		Grant: oauth.AuthorizationGrant{
			Subject:        user.Subject,
			ClientID:       req.Credentials.ClientID,
			Scopes:         scopes,
			Authentication: &oauth.Authentication{Time: now, AMR: []string{"pwd"}},
			Claims:         user.Claims,
		},
		RefreshToken: issuesRefreshToken(req),
	}, nil
}
