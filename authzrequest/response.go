package authzrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

const jarmLifetime = 10 * time.Minute

// Responder signs JARM responses.
type Responder struct {
	Now func() time.Time
}

func (r *Responder) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Responder) Sign(server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, params url.Values) (string, error) {
	if server.SigningKey == nil {
		return "", errors.New("no signing key configured")
	}
	claims := map[string]any{
		"iss": server.Issuer,
		"aud": client.ClientID,
		"exp": r.now().Add(jarmLifetime).Unix(),
	}
	for name := range params {
		claims[name] = params.Get(name)
	}
	return jose.Sign(claims, map[string]any{"typ": "JWT"}, server.SigningKey)
}

func (r *Responder) SignError(server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, err *oauth.Error, state string) (string, error) {
	params := url.Values{}
	params.Set("error", err.Code)
	if err.Description != "" {
		params.Set("error_description", err.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return r.Sign(server, client, params)
}

// Response is an authorization response ready to be delivered.
type Response struct {
	RedirectURI string
	// Mode is query, fragment or form_post after resolving JWT modes.
	Mode   string
	Params url.Values
}

// DeliveryMode maps a requested response_mode to the transport used.
func DeliveryMode(responseMode string) string {
	switch responseMode {
	case oauth.ResponseModeFragment, oauth.ResponseModeFragJWT:
		return oauth.ResponseModeFragment
	case oauth.ResponseModeFormPost, oauth.ResponseModeFormJWT:
		return oauth.ResponseModeFormPost
	default:
		return oauth.ResponseModeQuery
	}
}

// Location returns the redirect target for query and fragment delivery.
func (r *Response) Location() string {
	separator := "?"
	if r.Mode == oauth.ResponseModeFragment {
		separator = "#"
	} else if strings.Contains(r.RedirectURI, "?") {
		separator = "&"
	}
	return r.RedirectURI + separator + r.Params.Encode()
}

// Decider completes an authorization request after the user interaction.
type Decider struct {
	Servers   oauth.ServerConfigurationRepository
	Clients   oauth.ClientConfigurationRepository
	Requests  oauth.AuthorizationRequestRepository
	Codes     oauth.AuthorizationCodeGrantRepository
	Responder *Responder
	Now       func() time.Time
}

func (d *Decider) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// take loads and consumes the request so that it is decided only once.
func (d *Decider) take(ctx context.Context, tenant, requestID string) (*oauth.AuthorizationRequest, *oauth.ServerConfiguration, *oauth.ClientConfiguration, error) {
	server, err := d.Servers.Get(ctx, tenant)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, nil, oauth.ErrServerConfigurationNotFound(tenant)
	} else if err != nil {
		return nil, nil, nil, oauth.ErrServerError(err)
	}
	request, err := d.Requests.Find(ctx, tenant, requestID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, nil, oauth.ErrInvalidRequest("authorization request is unknown or expired")
	} else if err != nil {
		return nil, nil, nil, oauth.ErrServerError(err)
	}
	if err := d.Requests.Delete(ctx, tenant, requestID); errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, nil, oauth.ErrInvalidRequest("authorization request has already been decided")
	} else if err != nil {
		return nil, nil, nil, oauth.ErrServerError(err)
	}
	client, err := loadClient(ctx, d.Clients, tenant, request.ClientID)
	if err != nil {
		return nil, nil, nil, err
	}
	return request, server, client, nil
}

// Authorize issues an authorization code for the authenticated user.
func (d *Decider) Authorize(ctx context.Context, tenant, requestID string, user *oauth.User, authentication *oauth.Authentication) (*Response, error) {
	if user == nil || authentication == nil {
		return nil, oauth.ErrInvalidRequest("authorization requires an authenticated user")
	}
	request, server, client, err := d.take(ctx, tenant, requestID)
	if err != nil {
		return nil, err
	}

	grant := &oauth.AuthorizationCodeGrant{
		Code:                oauth.RandomToken(32),
		Tenant:              tenant,
		RequestID:           request.ID,
		ClientID:            request.ClientID,
		RedirectURI:         request.RedirectURI,
		CodeChallenge:       request.CodeChallenge,
		CodeChallengeMethod: request.CodeChallengeMethod,
		Nonce:               request.Nonce,
		Grant: oauth.AuthorizationGrant{
			Subject:              user.Subject,
			ClientID:             request.ClientID,
			Scopes:               request.Scopes,
			Authentication:       authentication,
			Claims:               user.Claims,
			AuthorizationDetails: request.AuthorizationDetails,
		},
		ExpiresAt: d.now().Add(server.AuthorizationCodeDuration),
	}
	if err := d.Codes.Register(ctx, grant); err != nil {
		return nil, oauth.ErrServerError(fmt.Errorf("register authorization code: %w", err))
	}
	slog.Info("authorization granted", "tenant", tenant, "client_id", request.ClientID, "sub", user.Subject)

	params := url.Values{}
	params.Set("code", grant.Code)
	return d.respond(server, client, request, params)
}

// Deny answers the request with access_denied.
func (d *Decider) Deny(ctx context.Context, tenant, requestID string) (*Response, error) {
	request, server, client, err := d.take(ctx, tenant, requestID)
	if err != nil {
		return nil, err
	}
	slog.Info("authorization denied", "tenant", tenant, "client_id", request.ClientID)

	params := url.Values{}
	params.Set("error", oauth.CodeAccessDenied)
	params.Set("error_description", "the resource owner denied the request")
	return d.respond(server, client, request, params)
}

func (d *Decider) respond(server *oauth.ServerConfiguration, client *oauth.ClientConfiguration, request *oauth.AuthorizationRequest, params url.Values) (*Response, error) {
	if request.State != "" {
		params.Set("state", request.State)
	}
	response := &Response{
		RedirectURI: request.RedirectURI,
		Mode:        DeliveryMode(request.ResponseMode),
		Params:      params,
	}
	if oauth.IsJWTResponseMode(request.ResponseMode) {
		signed, err := d.Responder.Sign(server, client, params)
		if err != nil {
			return nil, oauth.ErrServerError(fmt.Errorf("sign JARM response: %w", err))
		}
		response.Params = url.Values{"response": {signed}}
		return response, nil
	}
	params.Set("iss", server.Issuer)
	return response, nil
}
