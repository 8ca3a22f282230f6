// Package clientauth authenticates clients at the token, PAR, revocation
// and backchannel authentication endpoints. The method is always the one
// the client registered, never one the request suggests.
package clientauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Request carries every client authentication artifact of an HTTP request.
type Request struct {
	Tenant string
	// GrantType is empty outside of the token endpoint.
	GrantType string

	BasicClientID     string
	BasicClientSecret string
	HasBasic          bool

	ClientID            string
	ClientSecret        string
	ClientAssertion     string
	ClientAssertionType string

	// ClientCertificate is the presented TLS client certificate, DER or PEM.
	ClientCertificate []byte
}

// ClientIDHint returns the client id the request claims to be. It is only
// used to look up the registration, never as proof.
func (r *Request) ClientIDHint() (string, error) {
	clientID := r.ClientID
	if r.HasBasic {
		if clientID != "" && clientID != r.BasicClientID {
			return "", oauth.ErrInvalidClient("client_id does not match basic authorization")
		}
		clientID = r.BasicClientID
	}
	if clientID == "" && r.ClientAssertion != "" {
		token, err := jwt.ParseInsecure([]byte(r.ClientAssertion))
		if err != nil {
			return "", oauth.ErrInvalidClient("client_assertion is malformed")
		}
		clientID = token.Subject()
		if clientID == "" {
			clientID = token.Issuer()
		}
	}
	if clientID == "" {
		return "", oauth.ErrInvalidClient("client_id is missing")
	}
	return clientID, nil
}

func (r *Request) presentedProofs() int {
	n := 0
	if r.HasBasic && r.BasicClientSecret != "" {
		n++
	}
	if r.ClientSecret != "" {
		n++
	}
	if r.ClientAssertion != "" || r.ClientAssertionType != "" {
		n++
	}
	return n
}

// Authenticator verifies one client authentication method.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error)
}

type Engine struct {
	servers        oauth.ServerConfigurationRepository
	clients        oauth.ClientConfigurationRepository
	authenticators map[oauth.ClientAuthenticationMethod]Authenticator
}

// NewEngine builds the engine from an explicit method table.
func NewEngine(
	servers oauth.ServerConfigurationRepository,
	clients oauth.ClientConfigurationRepository,
	authenticators map[oauth.ClientAuthenticationMethod]Authenticator,
) *Engine {
	table := make(map[oauth.ClientAuthenticationMethod]Authenticator, len(authenticators))
	for method, a := range authenticators {
		table[method] = a
	}
	return &Engine{servers: servers, clients: clients, authenticators: table}
}

// DefaultAuthenticators returns all methods this package implements.
func DefaultAuthenticators(replay ReplayStore, fetcher jose.JwksFetcher, now func() time.Time) map[oauth.ClientAuthenticationMethod]Authenticator {
	if now == nil {
		now = time.Now
	}
	return map[oauth.ClientAuthenticationMethod]Authenticator{
		oauth.ClientSecretBasic:        &SecretAuthenticator{Method: oauth.ClientSecretBasic},
		oauth.ClientSecretPost:         &SecretAuthenticator{Method: oauth.ClientSecretPost},
		oauth.ClientSecretJWT:          &AssertionAuthenticator{Method: oauth.ClientSecretJWT, Replay: replay, Now: now},
		oauth.PrivateKeyJWT:            &AssertionAuthenticator{Method: oauth.PrivateKeyJWT, Replay: replay, Fetcher: fetcher, Now: now},
		oauth.TLSClientAuth:            &TLSAuthenticator{Now: now},
		oauth.SelfSignedTLSClientAuth:  &SelfSignedTLSAuthenticator{Fetcher: fetcher},
		oauth.ClientAuthenticationNone: &NoneAuthenticator{},
	}
}

// Resolve loads the server and client configuration the request refers to.
func (e *Engine) Resolve(ctx context.Context, req *Request) (*oauth.ServerConfiguration, *oauth.ClientConfiguration, error) {
	server, err := e.servers.Get(ctx, req.Tenant)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, oauth.ErrServerConfigurationNotFound(req.Tenant)
	} else if err != nil {
		return nil, nil, oauth.ErrServerError(fmt.Errorf("get server configuration: %w", err))
	}

	clientID, err := req.ClientIDHint()
	if err != nil {
		return nil, nil, err
	}

	client, err := e.clients.Get(ctx, req.Tenant, clientID)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, oauth.ErrClientConfigurationNotFound(clientID)
	} else if err != nil {
		return nil, nil, oauth.ErrServerError(fmt.Errorf("get client configuration: %w", err))
	}
	return server, client, nil
}

// Authenticate runs exactly the strategy registered for the client.
func (e *Engine) Authenticate(ctx context.Context, req *Request, server *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	method := client.TokenEndpointAuthMethod
	authenticator, ok := e.authenticators[method]
	if !ok || !server.SupportsClientAuthenticationMethod(method) {
		return nil, oauth.ErrUnsupportedClientAuthenticationMethod(method)
	}

	if req.presentedProofs() > 1 {
		return nil, oauth.ErrInvalidClient("more than one client authentication method used")
	}

	creds, err := authenticator.Authenticate(ctx, req, server, client)
	if err != nil {
		slog.Debug("client authentication failed", "tenant", req.Tenant, "client_id", client.ClientID, "method", method, "error", err)
		return nil, err
	}
	creds.Tenant = req.Tenant
	creds.ClientID = client.ClientID
	creds.Method = method
	return creds, nil
}

// ResolveAndAuthenticate is Resolve followed by Authenticate.
func (e *Engine) ResolveAndAuthenticate(ctx context.Context, req *Request) (*oauth.ClientCredentials, *oauth.ServerConfiguration, *oauth.ClientConfiguration, error) {
	server, client, err := e.Resolve(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	creds, err := e.Authenticate(ctx, req, server, client)
	if err != nil {
		return nil, nil, nil, err
	}
	return creds, server, client, nil
}
