package ciba

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var requestedExpiryPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

// BackchannelRequest is a validated backchannel authentication request.
type BackchannelRequest struct {
	Scopes               []string
	LoginHint            string
	IDTokenHint          string
	BindingMessage       string
	ACRValues            []string
	RequestedExpiry      time.Duration
	AuthorizationDetails oauth.AuthorizationDetails
}

// KeyResolver provides the keys a client signs authentication requests with.
type KeyResolver interface {
	ClientKeys(ctx context.Context, client *oauth.ClientConfiguration) (jwk.Set, error)
}

// parameters reads either the form or a signed request object.
type parameters struct {
	form   url.Values
	claims jose.Claims
}

func (p *parameters) get(name string) string {
	if p.claims != nil {
		switch v := p.claims[name].(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case nil:
			return ""
		default:
			return fmt.Sprint(v)
		}
	}
	return p.form.Get(name)
}

func (p *parameters) authorizationDetails() (oauth.AuthorizationDetails, error) {
	if p.claims != nil {
		return oauth.AuthorizationDetailsFromClaim(p.claims["authorization_details"])
	}
	return oauth.ParseAuthorizationDetails(p.form.Get("authorization_details"))
}

// ParseRequest validates the request parameters. A signed request object
// (CIBA section 7.1.1) is verified with the client's keys first; the
// authorization_details rules are the same for both forms.
func ParseRequest(ctx context.Context, form url.Values, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, keys KeyResolver, now time.Time) (*BackchannelRequest, error) {
	p := &parameters{form: form}
	if raw := form.Get("request"); raw != "" {
		claims, err := verifyRequestObject(ctx, raw, server, client, keys, now)
		if err != nil {
			return nil, err
		}
		p.claims = claims
	}

	req := &BackchannelRequest{
		Scopes:         oauth.ParseScope(p.get("scope")),
		LoginHint:      p.get("login_hint"),
		IDTokenHint:    p.get("id_token_hint"),
		BindingMessage: p.get("binding_message"),
		ACRValues:      oauth.ParseScope(p.get("acr_values")),
	}

	if !slices.Contains(req.Scopes, "openid") {
		return nil, oauth.ErrInvalidScope("scope must contain openid")
	}
	if !client.IsAllowedScopes(req.Scopes) {
		return nil, oauth.ErrInvalidScope("scope is not allowed for this client")
	}

	hints := 0
	for _, h := range []string{req.LoginHint, p.get("login_hint_token"), req.IDTokenHint} {
		if h != "" {
			hints++
		}
	}
	if hints != 1 {
		return nil, oauth.ErrInvalidRequest("exactly one of login_hint, login_hint_token and id_token_hint is required")
	}
	if p.get("login_hint_token") != "" {
		return nil, oauth.ErrInvalidRequest("login_hint_token is not supported")
	}

	if len(req.BindingMessage) > server.BackchannelBindingMessageLength {
		return nil, oauth.ErrInvalidBindingMessage("binding_message exceeds %d characters", server.BackchannelBindingMessageLength)
	}

	expiry, err := ParseRequestedExpiry(p.get("requested_expiry"))
	if err != nil {
		return nil, err
	}
	req.RequestedExpiry = expiry

	details, err := p.authorizationDetails()
	if err != nil {
		return nil, err
	}
	if details != nil {
		if err := details.Authorize(server, client); err != nil {
			return nil, err
		}
	}
	req.AuthorizationDetails = details
	return req, nil
}

// ParseRequestedExpiry accepts a positive integer number of seconds.
// An empty value means the server default.
func ParseRequestedExpiry(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if !requestedExpiryPattern.MatchString(value) {
		return 0, oauth.ErrInvalidRequest("requested_expiry must be a positive integer")
	}
	seconds, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, oauth.ErrInvalidRequest("requested_expiry is out of range")
	}
	return time.Duration(seconds) * time.Second, nil
}

func verifyRequestObject(ctx context.Context, raw string, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, keys KeyResolver, now time.Time) (jose.Claims, error) {
	if keys == nil {
		return nil, oauth.ErrInvalidRequest("signed authentication requests are not supported")
	}
	set, err := keys.ClientKeys(ctx, client)
	if errors.Is(err, jose.ErrKeyNotFound) {
		return nil, oauth.ErrInvalidRequest("client has no keys to verify the request")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	jc, err := jose.Parse(raw, set)
	if err != nil {
		return nil, oauth.ErrInvalidRequest("request object cannot be verified").WithCause(err)
	}
	if jc.Class() != jose.ClassSigned {
		return nil, oauth.ErrInvalidRequest("backchannel request objects must be signed")
	}
	if err := jc.Verify(); err != nil {
		return nil, oauth.ErrInvalidRequest("request object signature is invalid").WithCause(err)
	}
	claims, err := jc.Claims()
	if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	if claims.String("iss") != client.ClientID {
		return nil, oauth.ErrInvalidRequest("iss of request object must be the client_id")
	}
	if !claims.HasAudience(server.Issuer) {
		return nil, oauth.ErrInvalidRequest("aud of request object must be the issuer")
	}
	if exp, ok := claims.Time("exp"); !ok || !now.Before(exp) {
		return nil, oauth.ErrInvalidRequest("request object is expired")
	}
	if claims.String("jti") == "" {
		return nil, oauth.ErrInvalidRequest("request object requires jti")
	}
	return claims, nil
}
