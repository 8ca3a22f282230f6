// Package token implements the token endpoint. Client authentication
// always runs before any grant specific code.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/dpop"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// Request is a token request as received by the HTTP layer.
type Request struct {
	Tenant string
	Form   url.Values
	Auth   *clientauth.Request
	// DPoPProof is the DPoP header value, empty when absent.
	DPoPProof  string
	HTTPMethod string
	// HTTPURI is the request URI without query and fragment.
	HTTPURI string
}

// GrantRequest is what a GrantService sees: an authenticated client and
// the form parameters.
type GrantRequest struct {
	Form        url.Values
	Credentials *oauth.ClientCredentials
	Server      *oauth.ServerConfiguration
	Client      *oauth.ClientConfiguration
}

// Issuance is the outcome of a grant: what the token is issued for.
type Issuance struct {
	Grant        oauth.AuthorizationGrant
	Nonce        string
	RefreshToken bool
	// OnIssued runs after the token has been stored.
	OnIssued func(ctx context.Context)
	// OnFailed runs when the grant was accepted but no token was stored.
	OnFailed func(ctx context.Context)
}

// GrantService implements one grant type.
type GrantService interface {
	Grant(ctx context.Context, req *GrantRequest) (*Issuance, error)
}

type GrantServiceFunc func(ctx context.Context, req *GrantRequest) (*Issuance, error)

func (f GrantServiceFunc) Grant(ctx context.Context, req *GrantRequest) (*Issuance, error) {
	return f(ctx, req)
}

// singleValued lists the token request parameters that must not be
// repeated. Others, such as resource, may appear more than once.
var singleValued = []string{
	"grant_type",
	"code",
	"redirect_uri",
	"code_verifier",
	"auth_req_id",
	"refresh_token",
	"scope",
	"username",
	"password",
	"assertion",
	"authorization_details",
	"client_id",
	"client_secret",
	"client_assertion",
	"client_assertion_type",
}

// requiredParameters lists the form parameters each grant type needs
// before anything else is looked at.
var requiredParameters = map[string][]string{
	oauth.GrantTypeAuthorizationCode: {"code"},
	oauth.GrantTypeCiba:              {"auth_req_id"},
	oauth.GrantTypeRefreshToken:      {"refresh_token"},
	oauth.GrantTypePassword:          {"username", "password"},
	oauth.GrantTypeJWTBearer:         {"assertion"},
}

type Orchestrator struct {
	clients  *clientauth.Engine
	services map[string]GrantService
	required map[string][]string
	tokens   oauth.OAuthTokenRepository
	creator  *Creator
	dpop     *dpop.Verifier
}

type OrchestratorConfig struct {
	Clients *clientauth.Engine
	// Services is the dispatch table keyed by grant_type.
	Services map[string]GrantService
	// ExtensionParameters adds required parameters for extension grants.
	ExtensionParameters map[string][]string
	Tokens              oauth.OAuthTokenRepository
	Creator             *Creator
	DPoP                *dpop.Verifier
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		clients:  cfg.Clients,
		services: make(map[string]GrantService, len(cfg.Services)),
		required: make(map[string][]string, len(requiredParameters)+len(cfg.ExtensionParameters)),
		tokens:   cfg.Tokens,
		creator:  cfg.Creator,
		dpop:     cfg.DPoP,
	}
	for grantType, service := range cfg.Services {
		o.services[grantType] = service
	}
	for grantType, params := range requiredParameters {
		o.required[grantType] = params
	}
	for grantType, params := range cfg.ExtensionParameters {
		o.required[grantType] = params
	}
	if o.creator == nil {
		o.creator = &Creator{}
	}
	return o
}

func (o *Orchestrator) validate(form url.Values) (string, error) {
	grantType := form.Get("grant_type")
	if grantType == "" {
		return "", oauth.ErrInvalidRequest("missing grant_type")
	}
	for _, name := range singleValued {
		if len(form[name]) > 1 {
			return "", oauth.ErrInvalidRequest("parameter '%s' must not be repeated", name)
		}
	}
	for _, name := range o.required[grantType] {
		if len(form[name]) > 1 {
			return "", oauth.ErrInvalidRequest("parameter '%s' must not be repeated", name)
		}
		if form.Get(name) == "" {
			return "", oauth.ErrInvalidRequest("missing %s", name)
		}
	}
	return grantType, nil
}

// Issue runs the token request through client authentication, the grant
// service and the token creator, and stores the result.
func (o *Orchestrator) Issue(ctx context.Context, req *Request) (*oauth.OAuthToken, error) {
	grantType, err := o.validate(req.Form)
	if err != nil {
		return nil, err
	}

	auth := *req.Auth
	auth.Tenant = req.Tenant
	auth.GrantType = grantType
	creds, server, client, err := o.clients.ResolveAndAuthenticate(ctx, &auth)
	if err != nil {
		return nil, err
	}

	service, ok := o.services[grantType]
	if !ok || !server.SupportsGrantType(grantType) {
		return nil, oauth.ErrUnsupportedGrantType(grantType)
	}
	if !client.IsAllowedGrantType(grantType) {
		return nil, oauth.ErrUnauthorizedClient("grant_type '%s' is not allowed for this client", grantType)
	}

	binding, err := o.binding(ctx, req, server, creds)
	if err != nil {
		return nil, err
	}

	issuance, err := service.Grant(ctx, &GrantRequest{
		Form:        req.Form,
		Credentials: creds,
		Server:      server,
		Client:      client,
	})
	if err != nil {
		return nil, err
	}

	t, err := o.creator.Create(server, client, issuance, binding)
	if err == nil {
		err = o.tokens.Register(ctx, t)
		if err != nil {
			err = fmt.Errorf("register token: %w", err)
		}
	}
	if err != nil {
		if issuance.OnFailed != nil {
			issuance.OnFailed(ctx)
		}
		return nil, oauth.ErrServerError(err)
	}
	if issuance.OnIssued != nil {
		issuance.OnIssued(ctx)
	}

	slog.Info("token issued",
		"tenant", req.Tenant,
		"client_id", creds.ClientID,
		"grant_type", grantType,
		"sub", t.Grant.Subject,
		"token_type", t.TokenType,
	)
	return t, nil
}

func (o *Orchestrator) binding(ctx context.Context, req *Request, server *oauth.ServerConfiguration, creds *oauth.ClientCredentials) (Binding, error) {
	var binding Binding
	if req.DPoPProof != "" {
		if o.dpop == nil {
			return binding, oauth.ErrInvalidDPoPProof("DPoP is not supported")
		}
		proof, err := o.dpop.Verify(ctx, req.DPoPProof, req.HTTPMethod, req.HTTPURI)
		if err != nil {
			return binding, err
		}
		binding.JKT = proof.KeyThumbprint
	}
	if server.TLSClientCertificateBoundAccessTokens && creds.Certificate != nil {
		binding.X5TS256 = CertificateThumbprint(creds.Certificate.Raw)
	}
	return binding, nil
}

// consume maps a repository delete to the single use rule.
func consume(err error, what string) error {
	if errors.Is(err, oauth.ErrNotFound) {
		return oauth.ErrInvalidGrant("%s has already been used", what)
	} else if err != nil {
		return oauth.ErrServerError(err)
	}
	return nil
}
