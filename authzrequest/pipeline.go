// Package authzrequest validates authorization requests. A request is
// classified by pattern, a context is created for it and an ordered chain
// of verifiers decides whether it is accepted.
package authzrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// ClassifyPattern decides the pattern before anything is verified.
func ClassifyPattern(params url.Values) (oauth.RequestPattern, error) {
	hasRequest := params.Get("request") != ""
	hasRequestURI := params.Get("request_uri") != ""
	switch {
	case hasRequest && hasRequestURI:
		return "", oauth.ErrInvalidRequest("request and request_uri must not be used together")
	case hasRequest:
		return oauth.PatternRequestObject, nil
	case hasRequestURI:
		return oauth.PatternRequestURI, nil
	default:
		return oauth.PatternNormal, nil
	}
}

// ContextCreator builds the context for one pattern.
type ContextCreator interface {
	Create(ctx context.Context, tenant string, params url.Values, server *oauth.ServerConfiguration) (*Context, error)
}

// Verifier is one step of the chain. ShouldNotVerify is asked first.
type Verifier interface {
	ShouldNotVerify(c *Context) bool
	Verify(ctx context.Context, c *Context) error
}

type Pipeline struct {
	servers   oauth.ServerConfigurationRepository
	requests  oauth.AuthorizationRequestRepository
	creators  map[oauth.RequestPattern]ContextCreator
	verifiers []Verifier
	responder *Responder
	now       func() time.Time
}

type PipelineConfig struct {
	Servers   oauth.ServerConfigurationRepository
	Requests  oauth.AuthorizationRequestRepository
	Creators  map[oauth.RequestPattern]ContextCreator
	Verifiers []Verifier
	Responder *Responder
	Now       func() time.Time
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	creators := make(map[oauth.RequestPattern]ContextCreator, len(cfg.Creators))
	for p, c := range cfg.Creators {
		creators[p] = c
	}
	return &Pipeline{
		servers:   cfg.Servers,
		requests:  cfg.Requests,
		creators:  creators,
		verifiers: append([]Verifier(nil), cfg.Verifiers...),
		responder: cfg.Responder,
		now:       now,
	}
}

// DefaultCreators registers a creator for every pattern.
func DefaultCreators(clients oauth.ClientConfigurationRepository, requests oauth.AuthorizationRequestRepository, keys KeyResolver, fetcher RequestObjectFetcher, now func() time.Time) map[oauth.RequestPattern]ContextCreator {
	if now == nil {
		now = time.Now
	}
	object := &RequestObjectCreator{Clients: clients, Keys: keys}
	return map[oauth.RequestPattern]ContextCreator{
		oauth.PatternNormal:        &NormalCreator{Clients: clients},
		oauth.PatternRequestObject: object,
		oauth.PatternRequestURI:    &RequestURICreator{Object: object, Requests: requests, Fetcher: fetcher, Now: now},
	}
}

// DefaultVerifiers returns the chain in its fixed order.
func DefaultVerifiers(now func() time.Time) []Verifier {
	if now == nil {
		now = time.Now
	}
	return []Verifier{
		&RequestObjectVerifier{Now: now},
		&ParameterVerifier{},
		&AuthorizationDetailsVerifier{},
		&CredentialVerifier{},
		&JARMVerifier{},
		&PKCEVerifier{},
	}
}

// Process runs the pipeline for the authorization endpoint and stores the
// accepted request. Failures after redirect safety come back as
// *oauth.RedirectError.
func (p *Pipeline) Process(ctx context.Context, tenant string, params url.Values) (*oauth.AuthorizationRequest, error) {
	c, err := p.run(ctx, tenant, params)
	if err != nil {
		return nil, err
	}

	now := p.now()
	request := c.Request
	if c.pushed != nil {
		request = c.pushed
		request.Pattern = oauth.PatternRequestURI
	}
	request.ID = oauth.NewID()
	request.CreatedAt = now
	request.ExpiresAt = now.Add(c.Server.AuthorizationRequestDuration)
	if err := p.requests.Register(ctx, request); err != nil {
		return nil, p.routeError(c, oauth.ErrServerError(fmt.Errorf("register authorization request: %w", err)))
	}
	slog.Info("accepted authorization request", "tenant", tenant, "client_id", request.ClientID, "id", request.ID, "pattern", request.Pattern)
	return request, nil
}

func (p *Pipeline) run(ctx context.Context, tenant string, params url.Values) (*Context, error) {
	server, err := p.servers.Get(ctx, tenant)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrServerConfigurationNotFound(tenant)
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}

	pattern, err := ClassifyPattern(params)
	if err != nil {
		return nil, err
	}
	creator, ok := p.creators[pattern]
	if !ok {
		return nil, oauth.ErrUnsupportedRequestPattern(string(pattern))
	}

	c, err := creator.Create(ctx, tenant, params, server)
	if err != nil {
		return nil, err
	}
	if c.pushed != nil {
		return c, nil
	}
	c.Request = &oauth.AuthorizationRequest{
		Tenant:     tenant,
		Pattern:    c.Pattern,
		ClientID:   c.Client.ClientID,
		Request:    c.RawObject,
		RequestURI: params.Get("request_uri"),
	}

	for _, v := range p.verifiers {
		if v.ShouldNotVerify(c) {
			continue
		}
		if err := v.Verify(ctx, c); err != nil {
			return nil, p.routeError(c, err)
		}
	}
	return c, nil
}

// routeError decides between redirect and direct delivery.
func (p *Pipeline) routeError(c *Context, err error) error {
	var redirectErr *oauth.RedirectError
	if errors.As(err, &redirectErr) || !c.redirectSafe {
		return err
	}
	oauthErr := oauth.AsError(err)
	redirectErr = &oauth.RedirectError{
		Err:          oauthErr,
		RedirectURI:  c.Request.RedirectURI,
		State:        c.Request.State,
		ResponseMode: c.Request.ResponseMode,
	}
	if oauth.IsJWTResponseMode(c.Request.ResponseMode) && p.responder != nil {
		response, jarmErr := p.responder.SignError(c.Server, c.Client, oauthErr, c.Request.State)
		if jarmErr != nil {
			slog.Error("unable to sign JARM error response", "error", jarmErr)
		} else {
			redirectErr.Response = response
		}
	}
	return redirectErr
}

// PushedRequestURIPrefix marks request_uri values issued by the PAR endpoint.
const PushedRequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// Push validates and stores a pushed authorization request (RFC 9126) for
// an already authenticated client. Errors are never redirected.
func (p *Pipeline) Push(ctx context.Context, tenant string, params url.Values, creds *oauth.ClientCredentials) (requestURI string, expiresIn int, err error) {
	if params.Get("request_uri") != "" {
		return "", 0, oauth.ErrInvalidRequest("request_uri is not allowed in a pushed authorization request")
	}
	if id := params.Get("client_id"); id != "" && id != creds.ClientID {
		return "", 0, oauth.ErrInvalidRequest("client_id does not match the authenticated client")
	}
	params.Set("client_id", creds.ClientID)

	c, err := p.run(ctx, tenant, params)
	if err != nil {
		var redirectErr *oauth.RedirectError
		if errors.As(err, &redirectErr) {
			return "", 0, redirectErr.Err
		}
		return "", 0, err
	}

	now := p.now()
	request := c.Request
	request.ID = oauth.RandomToken(24)
	request.Pushed = true
	request.CreatedAt = now
	request.ExpiresAt = now.Add(pushedRequestLifetime)
	if err := p.requests.Register(ctx, request); err != nil {
		return "", 0, oauth.ErrServerError(fmt.Errorf("register pushed request: %w", err))
	}
	slog.Info("pushed authorization request", "tenant", tenant, "client_id", creds.ClientID)
	return PushedRequestURIPrefix + request.ID, int(pushedRequestLifetime.Seconds()), nil
}

const pushedRequestLifetime = 60 * time.Second
