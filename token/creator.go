package token

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jws"
)

const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"

	accessTokenJwtType = "at+jwt"
)

// Binding is the proof of possession an access token is bound to.
type Binding struct {
	// JKT is the RFC 7638 thumbprint of a DPoP key.
	JKT string
	// X5TS256 is the SHA-256 thumbprint of an mTLS client certificate.
	X5TS256 string
}

func (b Binding) confirmation() map[string]string {
	cnf := make(map[string]string)
	if b.JKT != "" {
		cnf["jkt"] = b.JKT
	}
	if b.X5TS256 != "" {
		cnf["x5t#S256"] = b.X5TS256
	}
	if len(cnf) == 0 {
		return nil
	}
	return cnf
}

// CertificateThumbprint returns the x5t#S256 value for a DER certificate.
func CertificateThumbprint(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Creator mints signed JWT access tokens, opaque refresh tokens and ID
// tokens with the tenant's signing key.
type Creator struct {
	Now func() time.Time
}

func (c *Creator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Creator) Create(server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, issuance *Issuance, binding Binding) (*oauth.OAuthToken, error) {
	if server.SigningKey == nil {
		return nil, fmt.Errorf("tenant '%s' has no signing key", server.Tenant)
	}
	now := c.now()
	grant := issuance.Grant

	t := &oauth.OAuthToken{
		ID:                   oauth.NewID(),
		Tenant:               server.Tenant,
		ClientID:             client.ClientID,
		TokenType:            TokenTypeBearer,
		Scopes:               grant.Scopes,
		Grant:                grant,
		Confirmation:         binding.confirmation(),
		CreatedAt:            now,
		AccessTokenExpiresAt: now.Add(server.AccessTokenDuration),
	}
	if binding.JKT != "" {
		t.TokenType = TokenTypeDPoP
	}

	subject := grant.Subject
	if subject == "" {
		subject = client.ClientID
	}
	claims := map[string]any{
		"iss":       server.Issuer,
		"sub":       subject,
		"aud":       server.Issuer,
		"client_id": client.ClientID,
		"iat":       now.Unix(),
		"exp":       t.AccessTokenExpiresAt.Unix(),
		"jti":       t.ID,
	}
	if len(grant.Scopes) > 0 {
		claims["scope"] = oauth.JoinScope(grant.Scopes)
	}
	if len(grant.AuthorizationDetails) > 0 {
		claims["authorization_details"] = grant.AuthorizationDetails
	}
	if t.Confirmation != nil {
		claims["cnf"] = t.Confirmation
	}
	if authn := grant.Authentication; authn != nil {
		claims["auth_time"] = authn.Time.Unix()
		if authn.ACR != "" {
			claims["acr"] = authn.ACR
		}
	}

	var err error
	t.AccessToken, err = jose.Sign(claims, map[string]any{jws.TypeKey: accessTokenJwtType}, server.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	if issuance.RefreshToken {
		t.RefreshToken = oauth.RandomToken(32)
		t.RefreshTokenExpiresAt = now.Add(server.RefreshTokenDuration)
	}

	if slices.Contains(grant.Scopes, "openid") && grant.Subject != "" {
		t.IDToken, err = c.idToken(server, client, issuance, now)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (c *Creator) idToken(server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, issuance *Issuance, now time.Time) (string, error) {
	grant := issuance.Grant
	claims := make(map[string]any, len(grant.Claims)+8)
	for k, v := range grant.Claims {
		claims[k] = v
	}
	claims["iss"] = server.Issuer
	claims["sub"] = grant.Subject
	claims["aud"] = client.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(server.IDTokenDuration).Unix()
	if issuance.Nonce != "" {
		claims["nonce"] = issuance.Nonce
	}
	if authn := grant.Authentication; authn != nil {
		claims["auth_time"] = authn.Time.Unix()
		if authn.ACR != "" {
			claims["acr"] = authn.ACR
		}
		if len(authn.AMR) > 0 {
			claims["amr"] = authn.AMR
		}
	}

	idToken, err := jose.Sign(claims, nil, server.SigningKey)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return idToken, nil
}
