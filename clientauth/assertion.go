package clientauth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AssertionAuthenticator implements client_secret_jwt and private_key_jwt
// (RFC 7523 section 2.2).
type AssertionAuthenticator struct {
	Method  oauth.ClientAuthenticationMethod
	Replay  ReplayStore
	Fetcher jose.JwksFetcher
	Now     func() time.Time
}

type ClientAssertionClaims struct {
	Iss string `json:"iss" validate:"required"`
	Sub string `json:"sub" validate:"required"`
	Jti string `json:"jti" validate:"required"`
	Exp int64  `json:"exp" validate:"required"`
	Iat int64  `json:"iat"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *ClientAssertionClaims) Validate() error {
	return validate.Struct(c)
}

func (a *AssertionAuthenticator) Authenticate(ctx context.Context, req *Request, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	if req.ClientAssertion == "" || req.ClientAssertionType == "" {
		return nil, oauth.ErrInvalidClient("%s requires client_assertion and client_assertion_type", a.Method)
	}
	if req.ClientAssertionType != ClientAssertionTypeJWTBearer {
		return nil, oauth.ErrInvalidClient("unsupported client_assertion_type: '%s'", req.ClientAssertionType)
	}

	keys, err := a.keys(ctx, client)
	if err != nil {
		return nil, err
	}

	jc, err := jose.Parse(req.ClientAssertion, keys)
	if err != nil {
		return nil, oauth.ErrInvalidClient("client_assertion cannot be verified").WithCause(err)
	}
	if jc.Class() != jose.ClassSigned {
		return nil, oauth.ErrInvalidClient("client_assertion must be signed")
	}
	if err := jc.Verify(); err != nil {
		return nil, oauth.ErrInvalidClient("client_assertion signature is invalid").WithCause(err)
	}
	claims, err := jc.Claims()
	if err != nil {
		return nil, oauth.ErrServerError(err)
	}

	if err := a.validateClaims(ctx, req.Tenant, claims, server, client); err != nil {
		return nil, err
	}

	creds := &oauth.ClientCredentials{Assertion: req.ClientAssertion}
	if a.Method == oauth.PrivateKeyJWT {
		creds.PublicKey = jc.Key()
	}
	return creds, nil
}

func (a *AssertionAuthenticator) keys(ctx context.Context, client *oauth.ClientConfiguration) (jwk.Set, error) {
	switch a.Method {
	case oauth.ClientSecretJWT:
		if client.ClientSecret == "" {
			return nil, oauth.ErrInvalidClient("client has no shared secret registered")
		}
		keys, err := jose.SymmetricSet(client.ClientSecret)
		if err != nil {
			return nil, oauth.ErrServerError(err)
		}
		return keys, nil
	case oauth.PrivateKeyJWT:
		return clientKeys(ctx, client, a.Fetcher)
	default:
		return nil, oauth.ErrUnsupportedClientAuthenticationMethod(a.Method)
	}
}

// clientKeys returns the registered JWK set, fetching jwks_uri if needed.
func clientKeys(ctx context.Context, client *oauth.ClientConfiguration, fetcher jose.JwksFetcher) (jwk.Set, error) {
	if keys := client.Keys(); keys != nil && keys.Len() > 0 {
		return keys, nil
	}
	if client.JwksURI != "" && fetcher != nil {
		keys, err := fetcher.Fetch(ctx, client.JwksURI)
		if err != nil {
			return nil, oauth.ErrServerError(fmt.Errorf("fetch client jwks: %w", err))
		}
		return keys, nil
	}
	return nil, oauth.ErrInvalidClient("client has no keys registered")
}

func (a *AssertionAuthenticator) validateClaims(ctx context.Context, tenant string, claims jose.Claims, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration) error {
	var c ClientAssertionClaims
	if err := claims.Decode(&c); err != nil {
		return oauth.ErrInvalidClient("client_assertion claims are malformed")
	}
	if err := c.Validate(); err != nil {
		return oauth.ErrInvalidClient("client_assertion claims are invalid: %s", err)
	}
	if c.Iss != client.ClientID || c.Sub != client.ClientID {
		return oauth.ErrInvalidClient("client_assertion iss and sub must be the client_id")
	}
	if !claims.HasAudience(server.TokenEndpoint()) && !claims.HasAudience(server.Issuer) {
		return oauth.ErrInvalidClient("client_assertion aud must contain the token endpoint")
	}
	expiresAt := time.Unix(c.Exp, 0)
	if !a.Now().Before(expiresAt) {
		return oauth.ErrInvalidClient("client_assertion is expired")
	}

	if a.Replay == nil {
		return oauth.ErrServerError(errors.New("no replay store configured"))
	}
	key := fmt.Sprintf("assertion:%s:%s:%s", tenant, client.ClientID, c.Jti)
	if err := a.Replay.Register(ctx, key, expiresAt); errors.Is(err, oauth.ErrConflict) {
		return oauth.ErrInvalidClient("client_assertion has already been used")
	} else if err != nil {
		return oauth.ErrServerError(fmt.Errorf("register jti: %w", err))
	}
	return nil
}
