// Package authzserver wires the protocol core into an OAuth 2.0 / OpenID
// Connect authorization server with an echo HTTP surface. Every tenant is
// served below its own path segment.
package authzserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/authzrequest"
	"github.com/gematik/zero-lab/go/authzserver/ciba"
	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/dpop"
	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/nonce"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/gematik/zero-lab/go/authzserver/token"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/valkey-io/valkey-go"
)

const (
	defaultNonceExpiry      = 5 * time.Minute
	defaultJwksFetchTimeout = 10 * time.Second
)

type Server struct {
	servers  *storage.StaticServerRepository
	clients  *storage.StaticClientRepository
	users    *storage.StaticUserRepository
	requests oauth.AuthorizationRequestRepository
	jwks     map[string]jwk.Set

	nonceService            nonce.Service
	clientAuth              *clientauth.Engine
	pipeline                *authzrequest.Pipeline
	decider                 *authzrequest.Decider
	ciba                    *ciba.Service
	orchestrator            *token.Orchestrator
	revoker                 *token.Revoker
	clientCertificateHeader string

	closers []func() error
}

// repositories groups the stateful stores chosen by the storage config.
type repositories struct {
	requests oauth.AuthorizationRequestRepository
	codes    oauth.AuthorizationCodeGrantRepository
	grants   oauth.CibaGrantRepository
	tokens   oauth.OAuthTokenRepository
	replay   clientauth.ReplayStore
}

func New(config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		clients:                 storage.NewStaticClientRepository(),
		users:                   storage.NewStaticUserRepository(),
		jwks:                    make(map[string]jwk.Set, len(config.Tenants)),
		clientCertificateHeader: config.ClientCertificateHeader,
	}

	servers := make([]*oauth.ServerConfiguration, 0, len(config.Tenants))
	for i := range config.Tenants {
		t := &config.Tenants[i]
		key, err := config.signingKey(t)
		if err != nil {
			return nil, err
		}
		server := t.ServerConfiguration
		server.SigningKey = key
		server.ApplyDefaults()

		set := jwk.NewSet()
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("add signing key of tenant '%s': %w", t.Tenant, err)
		}
		publicSet, err := jose.PublicSet(set)
		if err != nil {
			return nil, fmt.Errorf("public keys of tenant '%s': %w", t.Tenant, err)
		}
		s.jwks[t.Tenant] = publicSet

		s.clients.Add(t.Tenant, t.Clients...)
		s.users.Add(t.Tenant, t.Users...)
		servers = append(servers, &server)
		slog.Info("configured tenant", "tenant", t.Tenant, "issuer", server.Issuer, "clients", len(t.Clients), "users", len(t.Users))
	}
	s.servers = storage.NewStaticServerRepository(servers...)

	repos, err := s.openRepositories(config)
	if err != nil {
		return nil, err
	}
	s.requests = repos.requests

	nonceService, replay, err := s.openShared(config, repos.replay)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.nonceService = nonceService

	fetchTimeout := config.JwksFetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = defaultJwksFetchTimeout
	}
	fetcher := jose.NewHTTPJwksFetcher(fetchTimeout)
	keys := &authzrequest.RegisteredKeys{Fetcher: fetcher}

	s.clientAuth = clientauth.NewEngine(s.servers, s.clients, clientauth.DefaultAuthenticators(replay, fetcher, nil))

	responder := &authzrequest.Responder{}
	s.pipeline = authzrequest.NewPipeline(authzrequest.PipelineConfig{
		Servers:   s.servers,
		Requests:  repos.requests,
		Creators:  authzrequest.DefaultCreators(s.clients, repos.requests, keys, authzrequest.NewHTTPRequestObjectFetcher(fetchTimeout), nil),
		Verifiers: authzrequest.DefaultVerifiers(nil),
		Responder: responder,
	})
	s.decider = &authzrequest.Decider{
		Servers:   s.servers,
		Clients:   s.clients,
		Requests:  repos.requests,
		Codes:     repos.codes,
		Responder: responder,
	}

	s.ciba = ciba.NewService(ciba.ServiceConfig{
		Grants: repos.grants,
		Users:  s.users,
		Keys:   keys,
	})

	s.orchestrator = token.NewOrchestrator(token.OrchestratorConfig{
		Clients: s.clientAuth,
		Services: map[string]token.GrantService{
			oauth.GrantTypeAuthorizationCode: &token.AuthorizationCodeService{Codes: repos.codes},
			oauth.GrantTypeCiba:              &token.CibaService{Ciba: s.ciba},
			oauth.GrantTypeClientCredentials: &token.ClientCredentialsService{},
			oauth.GrantTypeRefreshToken:      &token.RefreshTokenService{Tokens: repos.tokens},
			oauth.GrantTypePassword:          &token.PasswordService{Users: s.users},
			oauth.GrantTypeJWTBearer: &token.JWTBearerService{
				Replay:  replay,
				Fetcher: fetcher,
				Nonces:  nonceService,
				Users:   s.users,
			},
		},
		Tokens:  repos.tokens,
		Creator: &token.Creator{},
		DPoP: &dpop.Verifier{
			Replay:        replay,
			Nonces:        nonceService,
			NonceRequired: config.DPoPNonceRequired,
		},
	})
	s.revoker = &token.Revoker{Tokens: repos.tokens}

	return s, nil
}

func (s *Server) openRepositories(config *Config) (*repositories, error) {
	switch config.Storage.Type {
	case "", StorageMemory:
		return &repositories{
			requests: storage.NewMemoryAuthorizationRequestRepository(),
			codes:    storage.NewMemoryAuthorizationCodeGrantRepository(),
			grants:   storage.NewMemoryCibaGrantRepository(),
			tokens:   storage.NewMemoryTokenRepository(),
			replay:   storage.NewMemoryReplayStore(),
		}, nil
	case StorageRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.NewRedisStore(ctx, *config.Storage.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		slog.Info("using redis storage", "addr", config.Storage.Redis.Addr)
		return &repositories{
			requests: store.AuthorizationRequests(),
			codes:    store.AuthorizationCodes(),
			grants:   store.CibaGrants(),
			tokens:   store.Tokens(),
			replay:   store.ReplayStore(),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Storage.Type)
	}
}

// openShared creates the nonce service and, with Valkey configured, moves
// replay detection there as well.
func (s *Server) openShared(config *Config, replay clientauth.ReplayStore) (nonce.Service, clientauth.ReplayStore, error) {
	if config.Valkey == nil {
		nonceService, err := nonce.NewHashicorpService()
		if err != nil {
			return nil, nil, err
		}
		return nonceService, replay, nil
	}

	client, err := valkey.NewClient(config.Valkey.clientOption())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to valkey: %w", err)
	}
	s.closers = append(s.closers, func() error {
		client.Close()
		return nil
	})
	expiry := config.NonceExpiry
	if expiry == 0 {
		expiry = defaultNonceExpiry
	}
	slog.Info("using valkey for nonces and replay detection", "host", config.Valkey.Host)
	return nonce.NewValkeyService(client, nonce.Options{Expiry: expiry}),
		storage.NewValkeyReplayStore(client, config.Valkey.KeyPrefix),
		nil
}

// Close releases storage connections.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func (s *Server) server(ctx context.Context, tenant string) (*oauth.ServerConfiguration, error) {
	server, err := s.servers.Get(ctx, tenant)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, oauth.ErrServerConfigurationNotFound(tenant)
	} else if err != nil {
		return nil, oauth.ErrServerError(err)
	}
	return server, nil
}
