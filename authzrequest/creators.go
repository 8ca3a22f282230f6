package authzrequest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

func loadClient(ctx context.Context, clients oauth.ClientConfigurationRepository, tenant, clientID string) (*oauth.ClientConfiguration, error) {
	if clientID == "" {
		return nil, oauth.ErrInvalidRequest("client_id is missing")
	}
	client, err := clients.Get(ctx, tenant, clientID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrClientConfigurationNotFound(clientID)
	} else if err != nil {
		return nil, oauth.ErrServerError(fmt.Errorf("get client configuration: %w", err))
	}
	return client, nil
}

type NormalCreator struct {
	Clients oauth.ClientConfigurationRepository
}

func (cr *NormalCreator) Create(ctx context.Context, tenant string, params url.Values, server *oauth.ServerConfiguration) (*Context, error) {
	client, err := loadClient(ctx, cr.Clients, tenant, params.Get("client_id"))
	if err != nil {
		return nil, err
	}
	return &Context{
		Pattern: oauth.PatternNormal,
		Tenant:  tenant,
		Params:  params,
		Server:  server,
		Client:  client,
	}, nil
}

// KeyResolver provides the keys a client signs request objects with.
type KeyResolver interface {
	ClientKeys(ctx context.Context, client *oauth.ClientConfiguration) (jwk.Set, error)
}

// RegisteredKeys uses the inline JWKS and falls back to jwks_uri.
type RegisteredKeys struct {
	Fetcher jose.JwksFetcher
}

func (r *RegisteredKeys) ClientKeys(ctx context.Context, client *oauth.ClientConfiguration) (jwk.Set, error) {
	if keys := client.Keys(); keys != nil && keys.Len() > 0 {
		return keys, nil
	}
	if client.JwksURI == "" || r.Fetcher == nil {
		return nil, fmt.Errorf("client '%s' has no keys: %w", client.ClientID, jose.ErrKeyNotFound)
	}
	return r.Fetcher.Fetch(ctx, client.JwksURI)
}

// RequestObjectCreator handles the request parameter (RFC 9101).
type RequestObjectCreator struct {
	Clients oauth.ClientConfigurationRepository
	Keys    KeyResolver
}

func (cr *RequestObjectCreator) Create(ctx context.Context, tenant string, params url.Values, server *oauth.ServerConfiguration) (*Context, error) {
	return cr.create(ctx, oauth.PatternRequestObject, tenant, params, server, params.Get("request"))
}

func (cr *RequestObjectCreator) create(ctx context.Context, pattern oauth.RequestPattern, tenant string, params url.Values, server *oauth.ServerConfiguration, raw string) (*Context, error) {
	client, err := loadClient(ctx, cr.Clients, tenant, params.Get("client_id"))
	if err != nil {
		return nil, err
	}
	c := &Context{
		Pattern:   pattern,
		Tenant:    tenant,
		Params:    params,
		Server:    server,
		Client:    client,
		RawObject: raw,
	}

	class, err := jose.Classify(raw)
	if err != nil {
		return nil, oauth.ErrInvalidRequestObject("request object is malformed").WithCause(err)
	}
	switch class {
	case jose.ClassEncrypted:
		return nil, oauth.ErrInvalidRequestObject("encrypted request objects are not supported")
	case jose.ClassPlain:
		if !server.AllowUnsignedRequestObject {
			return nil, oauth.ErrInvalidRequestObject("unsigned request objects are not allowed")
		}
		jc, err := jose.Parse(raw, nil)
		if err != nil {
			return nil, oauth.ErrInvalidRequestObject("request object is malformed").WithCause(err)
		}
		claims, err := jc.UnsecuredClaims()
		if err != nil {
			return nil, oauth.ErrInvalidRequestObject("request object is malformed").WithCause(err)
		}
		c.trustObject(claims)
		return c, nil
	}

	keys, err := cr.Keys.ClientKeys(ctx, client)
	if err != nil {
		if errors.Is(err, jose.ErrKeyNotFound) {
			return nil, oauth.ErrInvalidRequestObject("client has no keys to verify the request object")
		}
		return nil, oauth.ErrServerError(fmt.Errorf("resolve client keys: %w", err))
	}
	c.Jose, err = jose.Parse(raw, keys)
	if err != nil {
		return nil, oauth.ErrInvalidRequestObject("request object cannot be verified").WithCause(err)
	}
	return c, nil
}

// RequestObjectFetcher dereferences a request_uri.
type RequestObjectFetcher interface {
	Fetch(ctx context.Context, uri string) (string, error)
}

// RequestURICreator resolves PAR references from the repository and
// fetches everything else over HTTP.
type RequestURICreator struct {
	Object   *RequestObjectCreator
	Requests oauth.AuthorizationRequestRepository
	Fetcher  RequestObjectFetcher
	Now      func() time.Time
}

func (cr *RequestURICreator) Create(ctx context.Context, tenant string, params url.Values, server *oauth.ServerConfiguration) (*Context, error) {
	requestURI := params.Get("request_uri")
	if id, ok := strings.CutPrefix(requestURI, PushedRequestURIPrefix); ok {
		return cr.pushed(ctx, tenant, id, params, server)
	}

	if cr.Fetcher == nil {
		return nil, oauth.ErrInvalidRequestURI("request_uri is not supported")
	}
	u, err := url.Parse(requestURI)
	if err != nil || u.Scheme != "https" {
		return nil, oauth.ErrInvalidRequestURI("request_uri must be an https URL")
	}
	raw, err := cr.Fetcher.Fetch(ctx, requestURI)
	if err != nil {
		return nil, oauth.ErrServerError(fmt.Errorf("fetch request_uri: %w", err))
	}
	return cr.Object.create(ctx, oauth.PatternRequestURI, tenant, params, server, raw)
}

func (cr *RequestURICreator) pushed(ctx context.Context, tenant, id string, params url.Values, server *oauth.ServerConfiguration) (*Context, error) {
	stored, err := cr.Requests.Find(ctx, tenant, id)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidRequestURI("request_uri is unknown or expired")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	if !stored.Pushed || stored.ClientID != params.Get("client_id") {
		return nil, oauth.ErrInvalidRequestURI("request_uri was not issued to this client")
	}
	if cr.Now != nil && cr.Now().After(stored.ExpiresAt) {
		return nil, oauth.ErrInvalidRequestURI("request_uri is expired")
	}
	// single use: whoever deletes it first wins
	if err := cr.Requests.Delete(ctx, tenant, id); errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrInvalidRequestURI("request_uri has already been used")
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}

	client, err := loadClient(ctx, cr.Object.Clients, tenant, stored.ClientID)
	if err != nil {
		return nil, err
	}
	stored.Pushed = false
	return &Context{
		Pattern: oauth.PatternRequestURI,
		Tenant:  tenant,
		Params:  params,
		Server:  server,
		Client:  client,
		pushed:  stored,
	}, nil
}

// HTTPRequestObjectFetcher fetches request objects with a bounded size.
type HTTPRequestObjectFetcher struct {
	client *http.Client
}

func NewHTTPRequestObjectFetcher(timeout time.Duration) *HTTPRequestObjectFetcher {
	return &HTTPRequestObjectFetcher{client: &http.Client{Timeout: timeout}}
}

const maxRequestObjectSize = 64 * 1024

func (f *HTTPRequestObjectFetcher) Fetch(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/oauth-authz-req+jwt, application/jwt")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, uri)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestObjectSize))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
