package token_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/ciba"
	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/dpop"
	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/nonce"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/gematik/zero-lab/go/authzserver/token"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	tenant        = "t1"
	issuer        = "https://issuer"
	tokenEndpoint = issuer + "/token"
	redirectURI   = "https://client.example/cb"
	trustedIssuer = "https://idp.example"
)

type fixture struct {
	orchestrator *token.Orchestrator
	revoker      *token.Revoker
	server       *oauth.ServerConfiguration
	codes        *storage.MemoryAuthorizationCodeGrantRepository
	tokens       *storage.MemoryTokenRepository
	registerErr  error
	ciba         *ciba.Service
	nonces       nonce.Service
	idpKey       jwk.Key
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signingKey, err := jose.GenerateRandomJwk()
	require.NoError(t, err)
	idpKey, err := jose.GenerateRandomJwk()
	require.NoError(t, err)
	idpPublic, err := idpKey.PublicKey()
	require.NoError(t, err)
	idpSet := jwk.NewSet()
	require.NoError(t, idpSet.AddKey(idpPublic))

	server := &oauth.ServerConfiguration{
		Tenant: tenant,
		Issuer: issuer,
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypePassword,
			oauth.GrantTypeJWTBearer,
			oauth.GrantTypeCiba,
		},
		ScopesSupported:                    []string{"openid", "profile", "api"},
		AuthorizationDetailsTypesSupported: []string{"payment"},
		JwtBearerIssuers:                   []oauth.JwtBearerIssuer{{Issuer: trustedIssuer, Jwks: &jose.Jwks{Keys: idpSet}}},
		SigningKey:                         signingKey,
	}
	server.ApplyDefaults()

	clients := storage.NewStaticClientRepository()
	clients.Add(tenant,
		oauth.ClientConfiguration{
			ClientID:                "app",
			Type:                    oauth.ClientTypeConfidential,
			TokenEndpointAuthMethod: oauth.ClientSecretBasic,
			ClientSecret:            "secret",
			RedirectURIs:            []string{redirectURI},
			Scopes:                  []string{"openid", "profile", "api"},
			GrantTypes: []string{
				oauth.GrantTypeAuthorizationCode,
				oauth.GrantTypeRefreshToken,
				oauth.GrantTypeClientCredentials,
				oauth.GrantTypePassword,
				oauth.GrantTypeJWTBearer,
				oauth.GrantTypeCiba,
			},
			AuthorizationDetailsTypes: []string{"payment"},
		},
		oauth.ClientConfiguration{
			ClientID:                "machine",
			Type:                    oauth.ClientTypeConfidential,
			TokenEndpointAuthMethod: oauth.ClientSecretPost,
			ClientSecret:            "machine-secret",
			Scopes:                  []string{"api"},
			GrantTypes:              []string{oauth.GrantTypeClientCredentials},
		},
	)

	hash, err := clientauth.HashSecret("wonderland")
	require.NoError(t, err)
	users := storage.NewStaticUserRepository()
	users.Add(tenant, oauth.User{
		Subject:      "user-1",
		Username:     "alice",
		PasswordHash: hash,
		Claims:       map[string]any{"name": "Alice"},
	})

	f := &fixture{
		server: server,
		codes:  storage.NewMemoryAuthorizationCodeGrantRepository(),
		tokens: storage.NewMemoryTokenRepository(),
		idpKey: idpKey,
		now:    time.Now(),
	}
	f.nonces, err = nonce.NewHashicorpService()
	require.NoError(t, err)

	replay := storage.NewMemoryReplayStore()
	f.ciba = ciba.NewService(ciba.ServiceConfig{
		Grants: storage.NewMemoryCibaGrantRepository(),
		Users:  users,
	})
	engine := clientauth.NewEngine(
		storage.NewStaticServerRepository(server),
		clients,
		clientauth.DefaultAuthenticators(replay, nil, nil),
	)
	f.orchestrator = token.NewOrchestrator(token.OrchestratorConfig{
		Clients: engine,
		Services: map[string]token.GrantService{
			oauth.GrantTypeAuthorizationCode: &token.AuthorizationCodeService{Codes: f.codes},
			oauth.GrantTypeCiba:              &token.CibaService{Ciba: f.ciba},
			oauth.GrantTypeClientCredentials: &token.ClientCredentialsService{},
			oauth.GrantTypeRefreshToken:      &token.RefreshTokenService{Tokens: f.tokens},
			oauth.GrantTypePassword:          &token.PasswordService{Users: users},
			oauth.GrantTypeJWTBearer:         &token.JWTBearerService{Replay: replay, Nonces: f.nonces, Users: users},
		},
		Tokens:  &tokenStore{MemoryTokenRepository: f.tokens, err: &f.registerErr},
		Creator: &token.Creator{},
		DPoP:    &dpop.Verifier{Replay: replay},
	})
	f.revoker = &token.Revoker{Tokens: f.tokens}
	return f
}

// tokenStore fails Register while err points to a non-nil error.
type tokenStore struct {
	*storage.MemoryTokenRepository
	err *error
}

func (s *tokenStore) Register(ctx context.Context, t *oauth.OAuthToken) error {
	if *s.err != nil {
		return *s.err
	}
	return s.MemoryTokenRepository.Register(ctx, t)
}

func basicAuth() *clientauth.Request {
	return &clientauth.Request{HasBasic: true, BasicClientID: "app", BasicClientSecret: "secret"}
}

func (f *fixture) issue(form url.Values) (*oauth.OAuthToken, error) {
	return f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant:     tenant,
		Form:       form,
		Auth:       basicAuth(),
		HTTPMethod: http.MethodPost,
		HTTPURI:    tokenEndpoint,
	})
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oerr := oauth.AsError(err)
	assert.Equal(t, code, oerr.Code, oerr.Description)
}

func (f *fixture) verify(t *testing.T, compact string) jose.Claims {
	t.Helper()
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(f.server.SigningKey))
	public, err := jose.PublicSet(set)
	require.NoError(t, err)
	claims, err := jose.Verify(compact, public)
	require.NoError(t, err)
	return claims
}

func (f *fixture) registerCode(t *testing.T, verifier string) string {
	t.Helper()
	code := oauth.RandomToken(32)
	grant := &oauth.AuthorizationCodeGrant{
		Code:        code,
		Tenant:      tenant,
		ClientID:    "app",
		RedirectURI: redirectURI,
		Nonce:       "n-0S6",
		Grant: oauth.AuthorizationGrant{
			Subject:        "user-1",
			ClientID:       "app",
			Scopes:         []string{"openid", "profile"},
			Authentication: &oauth.Authentication{Time: f.now, ACR: "gematik-ehealth-loa-high", AMR: []string{"mfa"}},
		},
		ExpiresAt: f.now.Add(time.Minute),
	}
	if verifier != "" {
		grant.CodeChallenge = oauth2.S256ChallengeFromVerifier(verifier)
		grant.CodeChallengeMethod = oauth.CodeChallengeMethodS256
	}
	require.NoError(t, f.codes.Register(context.Background(), grant))
	return code
}

func TestClientAuthenticationIsTheFirstGate(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant: tenant,
		Form:   url.Values{"grant_type": {"urn:example:unknown"}},
		Auth:   &clientauth.Request{HasBasic: true, BasicClientID: "app", BasicClientSecret: "wrong"},
	})
	requireCode(t, err, oauth.CodeInvalidClient)

	_, err = f.issue(url.Values{"grant_type": {"urn:example:unknown"}})
	requireCode(t, err, oauth.CodeUnsupportedGrantType)

	_, err = f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant: "unknown",
		Form:   url.Values{"grant_type": {oauth.GrantTypeClientCredentials}},
		Auth:   basicAuth(),
	})
	requireCode(t, err, oauth.CodeInvalidRequest)
}

func TestRequiredParameters(t *testing.T) {
	f := newFixture(t)
	tests := []url.Values{
		{},
		{"grant_type": {oauth.GrantTypeAuthorizationCode}},
		{"grant_type": {oauth.GrantTypeCiba}},
		{"grant_type": {oauth.GrantTypeRefreshToken}},
		{"grant_type": {oauth.GrantTypePassword}, "username": {"alice"}},
		{"grant_type": {oauth.GrantTypeJWTBearer}},
		{"grant_type": {oauth.GrantTypeClientCredentials}, "scope": {"api", "openid"}},
	}
	for _, form := range tests {
		_, err := f.issue(form)
		requireCode(t, err, oauth.CodeInvalidRequest)
	}

	issued, err := f.issue(url.Values{
		"grant_type": {oauth.GrantTypeClientCredentials},
		"scope":      {"api"},
		"resource":   {"https://rs1.example", "https://rs2.example"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.AccessToken)
}

func TestAuthorizationCode(t *testing.T) {
	f := newFixture(t)
	verifier := oauth2.GenerateVerifier()
	code := f.registerCode(t, verifier)

	form := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	issued, err := f.issue(form)
	require.NoError(t, err)
	assert.Equal(t, token.TokenTypeBearer, issued.TokenType)
	assert.NotEmpty(t, issued.RefreshToken)

	at := f.verify(t, issued.AccessToken)
	assert.Equal(t, "user-1", at.String("sub"))
	assert.Equal(t, "app", at.String("client_id"))
	assert.Equal(t, "openid profile", at.String("scope"))

	idToken := f.verify(t, issued.IDToken)
	assert.Equal(t, "n-0S6", idToken.String("nonce"))
	assert.Equal(t, "gematik-ehealth-loa-high", idToken.String("acr"))
	assert.True(t, idToken.HasAudience("app"))

	// the code is single use
	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeInvalidGrant)
}

func TestAuthorizationCodeConcurrentRedemption(t *testing.T) {
	f := newFixture(t)
	code := f.registerCode(t, "")
	form := url.Values{
		"grant_type":   {oauth.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}

	var wg sync.WaitGroup
	var lock sync.Mutex
	issued := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issue(form); err == nil {
				lock.Lock()
				issued++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, issued)
}

func TestAuthorizationCodeBinding(t *testing.T) {
	f := newFixture(t)
	verifier := oauth2.GenerateVerifier()

	tests := []struct {
		name string
		form url.Values
	}{
		{"wrong verifier", url.Values{"redirect_uri": {redirectURI}, "code_verifier": {oauth2.GenerateVerifier()}}},
		{"missing verifier", url.Values{"redirect_uri": {redirectURI}}},
		{"wrong redirect_uri", url.Values{"redirect_uri": {"https://evil.example/cb"}, "code_verifier": {verifier}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := tt.form
			form.Set("grant_type", oauth.GrantTypeAuthorizationCode)
			form.Set("code", f.registerCode(t, verifier))
			_, err := f.issue(form)
			requireCode(t, err, oauth.CodeInvalidGrant)
		})
	}

	_, err := f.issue(url.Values{"grant_type": {oauth.GrantTypeAuthorizationCode}, "code": {"unknown"}, "redirect_uri": {redirectURI}})
	requireCode(t, err, oauth.CodeInvalidGrant)
}

func TestClientCredentials(t *testing.T) {
	f := newFixture(t)
	issued, err := f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant: tenant,
		Form: url.Values{
			"grant_type":    {oauth.GrantTypeClientCredentials},
			"client_id":     {"machine"},
			"client_secret": {"machine-secret"},
		},
		Auth: &clientauth.Request{ClientID: "machine", ClientSecret: "machine-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, issued.Scopes)
	assert.Empty(t, issued.RefreshToken)
	assert.Empty(t, issued.IDToken)
	assert.Equal(t, "machine", f.verify(t, issued.AccessToken).String("sub"))

	_, err = f.issue(url.Values{"grant_type": {oauth.GrantTypeClientCredentials}, "scope": {"admin"}})
	requireCode(t, err, oauth.CodeInvalidScope)

	issued, err = f.issue(url.Values{
		"grant_type":            {oauth.GrantTypeClientCredentials},
		"scope":                 {"api"},
		"authorization_details": {`[{"type":"payment","amount":"5"}]`},
	})
	require.NoError(t, err)
	require.Len(t, issued.Grant.AuthorizationDetails, 1)
}

func TestGrantTypeNotAllowedForClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant: tenant,
		Form:   url.Values{"grant_type": {oauth.GrantTypePassword}, "username": {"alice"}, "password": {"wonderland"}},
		Auth:   &clientauth.Request{ClientID: "machine", ClientSecret: "machine-secret"},
	})
	requireCode(t, err, oauth.CodeUnauthorizedClient)
}

func TestPasswordAndRefreshScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.issue(url.Values{"grant_type": {oauth.GrantTypePassword}, "username": {"alice"}, "password": {"wrong"}})
	requireCode(t, err, oauth.CodeInvalidGrant)

	issued, err := f.issue(url.Values{
		"grant_type": {oauth.GrantTypePassword},
		"username":   {"alice"},
		"password":   {"wonderland"},
		"scope":      {"openid api"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, issued.RefreshToken)
	assert.Equal(t, "Alice", f.verify(t, issued.IDToken).String("name"))

	_, err = f.issue(url.Values{"grant_type": {oauth.GrantTypeRefreshToken}, "refresh_token": {issued.RefreshToken}, "scope": {"openid profile"}})
	requireCode(t, err, oauth.CodeInvalidScope)

	// a rejected scope does not consume the refresh token
	_, err = f.issue(url.Values{"grant_type": {oauth.GrantTypeRefreshToken}, "refresh_token": {issued.RefreshToken}, "scope": {"api"}})
	require.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	issued, err := f.issue(url.Values{
		"grant_type": {oauth.GrantTypePassword},
		"username":   {"alice"},
		"password":   {"wonderland"},
		"scope":      {"openid api"},
	})
	require.NoError(t, err)

	rotated, err := f.issue(url.Values{"grant_type": {oauth.GrantTypeRefreshToken}, "refresh_token": {issued.RefreshToken}, "scope": {"api"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"api"}, rotated.Scopes)
	assert.NotEqual(t, issued.RefreshToken, rotated.RefreshToken)
	assert.Empty(t, rotated.IDToken)

	_, err = f.issue(url.Values{"grant_type": {oauth.GrantTypeRefreshToken}, "refresh_token": {issued.RefreshToken}})
	requireCode(t, err, oauth.CodeInvalidGrant)

	_, err = f.tokens.Find(context.Background(), tenant, issued.AccessToken)
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func TestCiba(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.ciba.Request(ctx, &oauth.ClientCredentials{Tenant: tenant, ClientID: "app"}, f.server, &oauth.ClientConfiguration{
		ClientID:   "app",
		Scopes:     []string{"openid", "profile"},
		GrantTypes: []string{oauth.GrantTypeCiba},
	}, url.Values{"scope": {"openid profile"}, "login_hint": {"alice"}})
	require.NoError(t, err)

	form := url.Values{"grant_type": {oauth.GrantTypeCiba}, "auth_req_id": {resp.AuthReqID}}
	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeAuthorizationPending)

	require.NoError(t, f.ciba.Authorize(ctx, tenant, resp.AuthReqID, &oauth.Authentication{Time: time.Now()}))

	issued, err := f.issue(form)
	require.NoError(t, err)
	assert.Equal(t, "user-1", f.verify(t, issued.IDToken).String("sub"))

	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeInvalidGrant)
}

func TestCibaGrantSurvivesFailedIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, err := f.ciba.Request(ctx, &oauth.ClientCredentials{Tenant: tenant, ClientID: "app"}, f.server, &oauth.ClientConfiguration{
		ClientID:   "app",
		Scopes:     []string{"openid"},
		GrantTypes: []string{oauth.GrantTypeCiba},
	}, url.Values{"scope": {"openid"}, "login_hint": {"alice"}})
	require.NoError(t, err)
	require.NoError(t, f.ciba.Authorize(ctx, tenant, resp.AuthReqID, &oauth.Authentication{Time: time.Now()}))

	form := url.Values{"grant_type": {oauth.GrantTypeCiba}, "auth_req_id": {resp.AuthReqID}}
	f.registerErr = errors.New("storage unavailable")
	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeServerError)

	f.registerErr = nil
	issued, err := f.issue(form)
	require.NoError(t, err)
	assert.Equal(t, "user-1", f.verify(t, issued.IDToken).String("sub"))

	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeInvalidGrant)
}

func (f *fixture) assertion(t *testing.T, claims map[string]any) string {
	t.Helper()
	base := map[string]any{
		"iss": trustedIssuer,
		"sub": "user-1",
		"aud": tokenEndpoint,
		"exp": time.Now().Add(time.Minute).Unix(),
		"jti": oauth.NewID(),
	}
	for k, v := range claims {
		base[k] = v
	}
	signed, err := jose.Sign(base, nil, f.idpKey)
	require.NoError(t, err)
	return signed
}

func TestJWTBearer(t *testing.T) {
	f := newFixture(t)
	assertion := f.assertion(t, map[string]any{"jti": "a-1"})
	form := url.Values{"grant_type": {oauth.GrantTypeJWTBearer}, "assertion": {assertion}, "scope": {"api"}}

	issued, err := f.issue(form)
	require.NoError(t, err)
	assert.Equal(t, "user-1", f.verify(t, issued.AccessToken).String("sub"))

	_, err = f.issue(form)
	requireCode(t, err, oauth.CodeInvalidGrant)

	tests := []map[string]any{
		{"iss": "https://unknown.example"},
		{"aud": "https://other"},
		{"exp": time.Now().Add(-time.Minute).Unix()},
		{"sub": ""},
		{"jti": ""},
	}
	for _, claims := range tests {
		_, err := f.issue(url.Values{"grant_type": {oauth.GrantTypeJWTBearer}, "assertion": {f.assertion(t, claims)}})
		requireCode(t, err, oauth.CodeInvalidGrant)
	}
}

func TestJWTBearerNonce(t *testing.T) {
	f := newFixture(t)
	f.server.JwtBearerRequireNonce = true

	_, err := f.issue(url.Values{"grant_type": {oauth.GrantTypeJWTBearer}, "assertion": {f.assertion(t, nil)}})
	requireCode(t, err, oauth.CodeInvalidGrant)

	n, err := f.nonces.Get(context.Background())
	require.NoError(t, err)
	_, err = f.issue(url.Values{"grant_type": {oauth.GrantTypeJWTBearer}, "assertion": {f.assertion(t, map[string]any{"nonce": n})}})
	require.NoError(t, err)
}

func TestDPoPBoundToken(t *testing.T) {
	f := newFixture(t)
	key, err := dpop.NewPrivateKey()
	require.NoError(t, err)
	proof, err := dpop.NewProof(http.MethodPost, tokenEndpoint).Sign(key)
	require.NoError(t, err)

	issued, err := f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant:     tenant,
		Form:       url.Values{"grant_type": {oauth.GrantTypeClientCredentials}},
		Auth:       basicAuth(),
		DPoPProof:  proof,
		HTTPMethod: http.MethodPost,
		HTTPURI:    tokenEndpoint,
	})
	require.NoError(t, err)
	assert.Equal(t, token.TokenTypeDPoP, issued.TokenType)
	assert.Equal(t, key.Thumbprint, issued.Confirmation["jkt"])

	cnf, ok := f.verify(t, issued.AccessToken)["cnf"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, key.Thumbprint, cnf["jkt"])

	_, err = f.orchestrator.Issue(context.Background(), &token.Request{
		Tenant:     tenant,
		Form:       url.Values{"grant_type": {oauth.GrantTypeClientCredentials}},
		Auth:       basicAuth(),
		DPoPProof:  proof,
		HTTPMethod: http.MethodPost,
		HTTPURI:    tokenEndpoint,
	})
	requireCode(t, err, oauth.CodeInvalidDPoPProof)
}

func TestRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.issue(url.Values{
		"grant_type": {oauth.GrantTypePassword},
		"username":   {"alice"},
		"password":   {"wonderland"},
	})
	require.NoError(t, err)

	other := &oauth.ClientCredentials{Tenant: tenant, ClientID: "machine"}
	require.NoError(t, f.revoker.Revoke(ctx, other, issued.AccessToken, ""))
	_, err = f.tokens.Find(ctx, tenant, issued.AccessToken)
	require.NoError(t, err)

	owner := &oauth.ClientCredentials{Tenant: tenant, ClientID: "app"}
	require.NoError(t, f.revoker.Revoke(ctx, owner, issued.RefreshToken, token.TokenTypeHintRefreshToken))
	_, err = f.tokens.Find(ctx, tenant, issued.AccessToken)
	assert.ErrorIs(t, err, oauth.ErrNotFound)

	require.NoError(t, f.revoker.Revoke(ctx, owner, "unknown", token.TokenTypeHintAccessToken))
	requireCode(t, f.revoker.Revoke(ctx, owner, "", ""), oauth.CodeInvalidRequest)
}
