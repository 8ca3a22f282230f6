package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

const tenant = "t1"

type repositories struct {
	requests oauth.AuthorizationRequestRepository
	codes    oauth.AuthorizationCodeGrantRepository
	grants   oauth.CibaGrantRepository
	tokens   oauth.OAuthTokenRepository
	replay   clientauth.ReplayStore
}

func memoryRepositories() repositories {
	return repositories{
		requests: storage.NewMemoryAuthorizationRequestRepository(),
		codes:    storage.NewMemoryAuthorizationCodeGrantRepository(),
		grants:   storage.NewMemoryCibaGrantRepository(),
		tokens:   storage.NewMemoryTokenRepository(),
		replay:   storage.NewMemoryReplayStore(),
	}
}

func redisRepositories(t *testing.T) repositories {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.NewRedisStoreWithClient(client, "test")
	return repositories{
		requests: store.AuthorizationRequests(),
		codes:    store.AuthorizationCodes(),
		grants:   store.CibaGrants(),
		tokens:   store.Tokens(),
		replay:   store.ReplayStore(),
	}
}

func TestRepositories(t *testing.T) {
	backends := map[string]func(*testing.T) repositories{
		"memory": func(*testing.T) repositories { return memoryRepositories() },
		"redis":  redisRepositories,
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			t.Run("authorization requests", func(t *testing.T) { testAuthorizationRequests(t, backend(t)) })
			t.Run("authorization codes", func(t *testing.T) { testAuthorizationCodes(t, backend(t)) })
			t.Run("ciba grants", func(t *testing.T) { testCibaGrants(t, backend(t)) })
			t.Run("tokens", func(t *testing.T) { testTokens(t, backend(t)) })
			t.Run("replay", func(t *testing.T) { testReplay(t, backend(t).replay) })
		})
	}
}

func testAuthorizationRequests(t *testing.T, r repositories) {
	ctx := context.Background()
	request := &oauth.AuthorizationRequest{
		ID:        oauth.NewID(),
		Tenant:    tenant,
		ClientID:  "app",
		Scopes:    []string{"openid"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, r.requests.Register(ctx, request))

	found, err := r.requests.Find(ctx, tenant, request.ID)
	require.NoError(t, err)
	assert.Equal(t, "app", found.ClientID)

	_, err = r.requests.Find(ctx, "other", request.ID)
	assert.ErrorIs(t, err, oauth.ErrNotFound)

	require.NoError(t, r.requests.Delete(ctx, tenant, request.ID))
	assert.ErrorIs(t, r.requests.Delete(ctx, tenant, request.ID), oauth.ErrNotFound)
}

func testAuthorizationCodes(t *testing.T, r repositories) {
	ctx := context.Background()
	grant := &oauth.AuthorizationCodeGrant{
		Code:      oauth.RandomToken(32),
		Tenant:    tenant,
		ClientID:  "app",
		Grant:     oauth.AuthorizationGrant{Subject: "user-1", ClientID: "app"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, r.codes.Register(ctx, grant))
	assert.ErrorIs(t, r.codes.Register(ctx, grant), oauth.ErrConflict)

	found, err := r.codes.Find(ctx, tenant, grant.Code)
	require.NoError(t, err)
	assert.Equal(t, "user-1", found.Grant.Subject)

	var wg sync.WaitGroup
	var lock sync.Mutex
	consumed := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.codes.Delete(ctx, tenant, grant.Code) == nil {
				lock.Lock()
				consumed++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, consumed)

	_, err = r.codes.Find(ctx, tenant, grant.Code)
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func testCibaGrants(t *testing.T, r repositories) {
	ctx := context.Background()
	grant := &oauth.CibaGrant{
		ID:        oauth.NewID(),
		Tenant:    tenant,
		AuthReqID: oauth.RandomToken(32),
		ClientID:  "bank",
		Status:    oauth.CibaStatusPending,
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, r.grants.Register(ctx, grant))

	authorized := *grant
	authorized.Status = oauth.CibaStatusAuthorized
	authorized.Grant = &oauth.AuthorizationGrant{Subject: "user-1", ClientID: "bank"}
	require.NoError(t, r.grants.Update(ctx, &authorized, oauth.CibaStatusPending))

	denied := *grant
	denied.Status = oauth.CibaStatusDenied
	assert.ErrorIs(t, r.grants.Update(ctx, &denied, oauth.CibaStatusPending), oauth.ErrConflict)

	found, err := r.grants.Find(ctx, tenant, grant.AuthReqID)
	require.NoError(t, err)
	assert.Equal(t, oauth.CibaStatusAuthorized, found.Status)
	require.NotNil(t, found.Grant)
	assert.Equal(t, "user-1", found.Grant.Subject)

	var wg sync.WaitGroup
	var lock sync.Mutex
	swapped := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed := authorized
			consumed.Status = oauth.CibaStatusConsumed
			if r.grants.Update(ctx, &consumed, oauth.CibaStatusAuthorized) == nil {
				lock.Lock()
				swapped++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, swapped)

	unknown := *grant
	unknown.AuthReqID = "unknown"
	assert.ErrorIs(t, r.grants.Update(ctx, &unknown, oauth.CibaStatusPending), oauth.ErrNotFound)

	require.NoError(t, r.grants.Delete(ctx, tenant, grant.AuthReqID))
	_, err = r.grants.Find(ctx, tenant, grant.AuthReqID)
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func testTokens(t *testing.T, r repositories) {
	ctx := context.Background()
	now := time.Now()
	token := &oauth.OAuthToken{
		ID:                    oauth.NewID(),
		Tenant:                tenant,
		ClientID:              "app",
		AccessToken:           "at-" + oauth.RandomToken(16),
		RefreshToken:          "rt-" + oauth.RandomToken(16),
		CreatedAt:             now,
		AccessTokenExpiresAt:  now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, r.tokens.Register(ctx, token))

	found, err := r.tokens.Find(ctx, tenant, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.ID, found.ID)

	found, err = r.tokens.FindByRefreshToken(ctx, tenant, token.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, token.ID, found.ID)

	require.NoError(t, r.tokens.Delete(ctx, tenant, token.ID))
	assert.ErrorIs(t, r.tokens.Delete(ctx, tenant, token.ID), oauth.ErrNotFound)
	_, err = r.tokens.Find(ctx, tenant, token.AccessToken)
	assert.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = r.tokens.FindByRefreshToken(ctx, tenant, token.RefreshToken)
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func testReplay(t *testing.T, replay clientauth.ReplayStore) {
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Minute)
	require.NoError(t, replay.Register(ctx, "assertion:t1:app:abc123", expiresAt))
	assert.ErrorIs(t, replay.Register(ctx, "assertion:t1:app:abc123", expiresAt), oauth.ErrConflict)
	require.NoError(t, replay.Register(ctx, "assertion:t1:app:other", expiresAt))
}

func TestValkeyReplayStore(t *testing.T) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	require.NoError(t, err)
	defer client.Close()
	testReplay(t, storage.NewValkeyReplayStore(client, "test-"+oauth.NewID()))
}

func TestStaticUserRepository(t *testing.T) {
	ctx := context.Background()
	hash, err := clientauth.HashSecret("wonderland")
	require.NoError(t, err)
	users := storage.NewStaticUserRepository()
	users.Add(tenant, oauth.User{Subject: "user-1", Username: "alice", Email: "alice@example.com", PasswordHash: hash})

	user, err := users.FindByLoginHint(ctx, tenant, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.Subject)

	_, err = users.FindByLoginHint(ctx, "other", "alice")
	assert.ErrorIs(t, err, oauth.ErrNotFound)

	_, err = users.Authenticate(ctx, tenant, "alice", "wonderland")
	require.NoError(t, err)
	_, err = users.Authenticate(ctx, tenant, "alice", "wrong")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}
