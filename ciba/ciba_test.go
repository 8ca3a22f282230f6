package ciba_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/ciba"
	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenant = "t1"

type clock struct {
	lock sync.Mutex
	t    time.Time
}

func (c *clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	service *ciba.Service
	server  *oauth.ServerConfiguration
	client  *oauth.ClientConfiguration
	creds   *oauth.ClientCredentials
	grants  *storage.MemoryCibaGrantRepository
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signingKey, err := jose.GenerateRandomJwk()
	require.NoError(t, err)
	server := &oauth.ServerConfiguration{
		Tenant:                             tenant,
		Issuer:                             "https://issuer",
		GrantTypesSupported:                []string{oauth.GrantTypeCiba},
		ScopesSupported:                    []string{"openid", "profile"},
		AuthorizationDetailsTypesSupported: []string{"payment"},
		SigningKey:                         signingKey,
	}
	server.ApplyDefaults()

	client := &oauth.ClientConfiguration{
		ClientID:                  "bank",
		Type:                      oauth.ClientTypeConfidential,
		TokenEndpointAuthMethod:   oauth.ClientSecretBasic,
		ClientSecret:              "secret",
		Scopes:                    []string{"openid", "profile"},
		GrantTypes:                []string{oauth.GrantTypeCiba},
		AuthorizationDetailsTypes: []string{"payment"},
	}

	users := storage.NewStaticUserRepository()
	users.Add(tenant, oauth.User{
		Subject: "user-1",
		Email:   "alice@example.com",
		Claims:  map[string]any{"name": "Alice"},
	})

	grants := storage.NewMemoryCibaGrantRepository()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		service: ciba.NewService(ciba.ServiceConfig{
			Grants: grants,
			Users:  users,
			Now:    c.Now,
		}),
		server: server,
		client: client,
		creds:  &oauth.ClientCredentials{Tenant: tenant, ClientID: "bank", Method: oauth.ClientSecretBasic},
		grants: grants,
		clock:  c,
	}
}

func (f *fixture) request(t *testing.T, form url.Values) *ciba.BackchannelResponse {
	t.Helper()
	resp, err := f.service.Request(context.Background(), f.creds, f.server, f.client, form)
	require.NoError(t, err)
	return resp
}

func requireCode(t *testing.T, err error, code string) *oauth.Error {
	t.Helper()
	require.Error(t, err)
	oerr := oauth.AsError(err)
	require.NotNil(t, oerr, "expected oauth error, got %v", err)
	assert.Equal(t, code, oerr.Code)
	return oerr
}

func authentication(now time.Time) *oauth.Authentication {
	return &oauth.Authentication{Time: now, AMR: []string{"hwk"}}
}

func TestRequest(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, url.Values{
		"scope":           {"openid profile"},
		"login_hint":      {"alice@example.com"},
		"binding_message": {"W4SCT"},
	})
	assert.NotEmpty(t, resp.AuthReqID)
	assert.Equal(t, 300, resp.ExpiresIn)
	assert.Equal(t, 5, resp.Interval)

	grant, err := f.grants.Find(context.Background(), tenant, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, oauth.CibaStatusPending, grant.Status)
	assert.Equal(t, "user-1", grant.Subject)
	assert.Equal(t, "W4SCT", grant.BindingMessage)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		form url.Values
		code string
	}{
		{"no hint", url.Values{"scope": {"openid"}}, oauth.CodeInvalidRequest},
		{"two hints", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "id_token_hint": {"x.y.z"}}, oauth.CodeInvalidRequest},
		{"login_hint_token", url.Values{"scope": {"openid"}, "login_hint_token": {"x"}}, oauth.CodeInvalidRequest},
		{"missing openid", url.Values{"scope": {"profile"}, "login_hint": {"user-1"}}, oauth.CodeInvalidScope},
		{"unknown user", url.Values{"scope": {"openid"}, "login_hint": {"bob"}}, oauth.CodeUnknownUserID},
		{"zero expiry", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"0"}}, oauth.CodeInvalidRequest},
		{"negative expiry", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"-5"}}, oauth.CodeInvalidRequest},
		{"fractional expiry", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"1.5"}}, oauth.CodeInvalidRequest},
		{"expiry beyond int32", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"2147483648"}}, oauth.CodeInvalidRequest},
		{"expiry overflowing duration", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"9999999999"}}, oauth.CodeInvalidRequest},
		{"binding message too long", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "binding_message": {string(make([]byte, 65))}}, oauth.CodeInvalidBindingMessage},
		{"details not an array", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "authorization_details": {`{"type":"payment"}`}}, oauth.CodeInvalidAuthorizationDetails},
		{"details without type", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "authorization_details": {`[{"amount":"1"}]`}}, oauth.CodeInvalidAuthorizationDetails},
		{"details type not allowed", url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "authorization_details": {`[{"type":"contact"}]`}}, oauth.CodeInvalidAuthorizationDetails},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Request(ctx, f.creds, f.server, f.client, tt.form)
			requireCode(t, err, tt.code)
		})
	}
}

func TestRequestAuthorizationDetails(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, url.Values{
		"scope":                 {"openid"},
		"login_hint":            {"user-1"},
		"authorization_details": {`[{"type":"payment","amount":"10.00"}]`},
	})
	grant, err := f.grants.Find(context.Background(), tenant, resp.AuthReqID)
	require.NoError(t, err)
	require.Len(t, grant.AuthorizationDetails, 1)
	assert.Equal(t, "10.00", grant.AuthorizationDetails[0].String("amount"))
}

func TestRequestRequiresCibaGrant(t *testing.T) {
	f := newFixture(t)
	f.client.GrantTypes = []string{oauth.GrantTypeClientCredentials}
	_, err := f.service.Request(context.Background(), f.creds, f.server, f.client, url.Values{
		"scope":      {"openid"},
		"login_hint": {"user-1"},
	})
	oerr := requireCode(t, err, oauth.CodeUnauthorizedClient)
	assert.Equal(t, http.StatusBadRequest, oerr.HttpStatus)
}

func TestPollLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}})

	_, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeAuthorizationPending)

	_, err = f.service.Poll(ctx, tenant, "other", resp.AuthReqID)
	requireCode(t, err, oauth.CodeInvalidGrant)

	_, err = f.service.Poll(ctx, tenant, "bank", "unknown")
	requireCode(t, err, oauth.CodeInvalidGrant)

	require.NoError(t, f.service.Authorize(ctx, tenant, resp.AuthReqID, authentication(f.clock.Now())))

	grant, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.Subject)
	assert.Equal(t, "Alice", grant.Claims["name"])

	// the grant is single use
	_, err = f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeInvalidGrant)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}})

	require.NoError(t, f.service.Deny(ctx, tenant, resp.AuthReqID))
	_, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeAccessDenied)

	err = f.service.Authorize(ctx, tenant, resp.AuthReqID, authentication(f.clock.Now()))
	requireCode(t, err, oauth.CodeInvalidRequest)
}

func TestAuthorizeRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}})
	err := f.service.Authorize(context.Background(), tenant, resp.AuthReqID, nil)
	requireCode(t, err, oauth.CodeInvalidRequest)
	err = f.service.Authorize(context.Background(), tenant, "", authentication(f.clock.Now()))
	requireCode(t, err, oauth.CodeInvalidRequest)
}

func TestRequestedExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}, "requested_expiry": {"60"}})
	assert.Equal(t, 60, resp.ExpiresIn)

	f.clock.Advance(30 * time.Second)
	_, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeAuthorizationPending)
	require.NoError(t, f.service.Authorize(ctx, tenant, resp.AuthReqID, authentication(f.clock.Now())))

	f.clock.Advance(31 * time.Second)
	_, err = f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeExpiredToken)

	err = f.service.Deny(ctx, tenant, resp.AuthReqID)
	requireCode(t, err, oauth.CodeExpiredToken)
}

func TestConcurrentPollsConsumeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}})
	require.NoError(t, f.service.Authorize(ctx, tenant, resp.AuthReqID, authentication(f.clock.Now())))

	var wg sync.WaitGroup
	var lock sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID); err == nil {
				lock.Lock()
				successes++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestIDTokenHint(t *testing.T) {
	f := newFixture(t)
	hint, err := jose.Sign(map[string]any{"iss": f.server.Issuer, "sub": "user-1", "aud": "bank"}, nil, f.server.SigningKey)
	require.NoError(t, err)
	resp := f.request(t, url.Values{"scope": {"openid"}, "id_token_hint": {hint}})
	grant, err := f.grants.Find(context.Background(), tenant, resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.Subject)

	other, err := jose.GenerateRandomJwk()
	require.NoError(t, err)
	forged, err := jose.Sign(map[string]any{"iss": f.server.Issuer, "sub": "user-1"}, nil, other)
	require.NoError(t, err)
	_, err = f.service.Request(context.Background(), f.creds, f.server, f.client, url.Values{"scope": {"openid"}, "id_token_hint": {forged}})
	requireCode(t, err, oauth.CodeInvalidRequest)
}

func TestTransition(t *testing.T) {
	now := time.Now()
	pending := &oauth.CibaGrant{Status: oauth.CibaStatusPending, ExpiresAt: now.Add(time.Minute)}
	result := &oauth.AuthorizationGrant{Subject: "s", Authentication: authentication(now)}

	next, err := ciba.Transition(pending, ciba.EventAuthorize, now, result)
	require.NoError(t, err)
	assert.Equal(t, oauth.CibaStatusAuthorized, next.Status)
	assert.Equal(t, oauth.CibaStatusPending, pending.Status)

	_, err = ciba.Transition(pending, ciba.EventAuthorize, now, &oauth.AuthorizationGrant{})
	assert.ErrorIs(t, err, ciba.ErrInvalidTransition)

	_, err = ciba.Transition(pending, ciba.EventConsume, now, nil)
	assert.ErrorIs(t, err, ciba.ErrInvalidTransition)

	consumed, err := ciba.Transition(next, ciba.EventConsume, now, nil)
	require.NoError(t, err)
	assert.Equal(t, oauth.CibaStatusConsumed, consumed.Status)

	_, err = ciba.Transition(consumed, ciba.EventDeny, now, nil)
	assert.ErrorIs(t, err, ciba.ErrInvalidTransition)

	released, err := ciba.Transition(consumed, ciba.EventRelease, now, nil)
	require.NoError(t, err)
	assert.Equal(t, oauth.CibaStatusAuthorized, released.Status)

	_, err = ciba.Transition(next, ciba.EventRelease, now, nil)
	assert.ErrorIs(t, err, ciba.ErrInvalidTransition)

	_, err = ciba.Transition(pending, ciba.EventDeny, now.Add(2*time.Minute), nil)
	assert.ErrorIs(t, err, ciba.ErrExpired)
}

func TestReleaseAfterFailedIssuance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.request(t, url.Values{"scope": {"openid"}, "login_hint": {"user-1"}})
	require.NoError(t, f.service.Authorize(ctx, tenant, resp.AuthReqID, authentication(f.clock.Now())))

	_, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	require.NoError(t, err)
	_, err = f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeInvalidGrant)

	f.service.Release(ctx, tenant, resp.AuthReqID)
	grant, err := f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.Subject)

	f.service.Complete(ctx, tenant, resp.AuthReqID)
	f.service.Release(ctx, tenant, resp.AuthReqID)
	_, err = f.service.Poll(ctx, tenant, "bank", resp.AuthReqID)
	requireCode(t, err, oauth.CodeInvalidGrant)
}
