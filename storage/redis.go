package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared Redis backed repositories.
type RedisConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore implements the grant and token repositories on Redis. All
// records are JSON documents with a TTL matching their lifetime.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient is used with miniredis in tests.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "authz"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(kind, tenant, id string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.keyPrefix, kind, tenant, id)
}

func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return oauth.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) del(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n == 0 {
		return oauth.ErrNotFound
	}
	return nil
}

func (s *RedisStore) AuthorizationRequests() oauth.AuthorizationRequestRepository {
	return &redisAuthorizationRequests{s}
}

func (s *RedisStore) AuthorizationCodes() oauth.AuthorizationCodeGrantRepository {
	return &redisAuthorizationCodes{s}
}

func (s *RedisStore) CibaGrants() oauth.CibaGrantRepository {
	return &redisCibaGrants{s}
}

func (s *RedisStore) Tokens() oauth.OAuthTokenRepository {
	return &redisTokens{s}
}

type redisAuthorizationRequests struct{ *RedisStore }

func (r *redisAuthorizationRequests) Register(ctx context.Context, request *oauth.AuthorizationRequest) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization request: %w", err)
	}
	return r.client.Set(ctx, r.key("request", request.Tenant, request.ID), data, r.ttl(request.ExpiresAt)).Err()
}

func (r *redisAuthorizationRequests) Find(ctx context.Context, tenant, id string) (*oauth.AuthorizationRequest, error) {
	var request oauth.AuthorizationRequest
	if err := r.getJSON(ctx, r.key("request", tenant, id), &request); err != nil {
		return nil, fmt.Errorf("authorization request '%s': %w", id, err)
	}
	return &request, nil
}

func (r *redisAuthorizationRequests) Get(ctx context.Context, tenant, id string) (*oauth.AuthorizationRequest, error) {
	return r.Find(ctx, tenant, id)
}

func (r *redisAuthorizationRequests) Delete(ctx context.Context, tenant, id string) error {
	return r.del(ctx, r.key("request", tenant, id))
}

type redisAuthorizationCodes struct{ *RedisStore }

func (r *redisAuthorizationCodes) Register(ctx context.Context, grant *oauth.AuthorizationCodeGrant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key("code", grant.Tenant, hashKey(grant.Code)), data, r.ttl(grant.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("authorization code: %w", oauth.ErrConflict)
	}
	return nil
}

func (r *redisAuthorizationCodes) Find(ctx context.Context, tenant, code string) (*oauth.AuthorizationCodeGrant, error) {
	var grant oauth.AuthorizationCodeGrant
	if err := r.getJSON(ctx, r.key("code", tenant, hashKey(code)), &grant); err != nil {
		return nil, fmt.Errorf("authorization code: %w", err)
	}
	return &grant, nil
}

// Delete relies on DEL reporting the number of removed keys: only one
// caller can consume a code.
func (r *redisAuthorizationCodes) Delete(ctx context.Context, tenant, code string) error {
	return r.del(ctx, r.key("code", tenant, hashKey(code)))
}

type redisCibaGrants struct{ *RedisStore }

// compareAndSwapCibaScript replaces the grant only if its stored status
// equals ARGV[1]. Returns 1 on success, 0 on status mismatch and -1 if the
// grant does not exist. The remaining TTL is kept.
var compareAndSwapCibaScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return -1
end
local grant = cjson.decode(data)
if grant.status ~= ARGV[1] then
	return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (r *redisCibaGrants) Register(ctx context.Context, grant *oauth.CibaGrant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal ciba grant: %w", err)
	}
	// kept past expiry so polls can still answer expired_token
	ttl := r.ttl(grant.ExpiresAt.Add(10 * time.Minute))
	ok, err := r.client.SetNX(ctx, r.key("ciba", grant.Tenant, grant.AuthReqID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store ciba grant: %w", err)
	}
	if !ok {
		return fmt.Errorf("ciba grant: %w", oauth.ErrConflict)
	}
	return nil
}

func (r *redisCibaGrants) Update(ctx context.Context, grant *oauth.CibaGrant, expected oauth.CibaStatus) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal ciba grant: %w", err)
	}
	key := r.key("ciba", grant.Tenant, grant.AuthReqID)
	result, err := compareAndSwapCibaScript.Run(ctx, r.client, []string{key}, string(expected), data).Int()
	if err != nil {
		return fmt.Errorf("failed to update ciba grant: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("ciba grant is not %s: %w", expected, oauth.ErrConflict)
	default:
		return fmt.Errorf("ciba grant: %w", oauth.ErrNotFound)
	}
}

func (r *redisCibaGrants) Find(ctx context.Context, tenant, authReqID string) (*oauth.CibaGrant, error) {
	var grant oauth.CibaGrant
	if err := r.getJSON(ctx, r.key("ciba", tenant, authReqID), &grant); err != nil {
		return nil, fmt.Errorf("ciba grant: %w", err)
	}
	return &grant, nil
}

func (r *redisCibaGrants) Delete(ctx context.Context, tenant, authReqID string) error {
	return r.del(ctx, r.key("ciba", tenant, authReqID))
}

type redisTokens struct{ *RedisStore }

func (r *redisTokens) Register(ctx context.Context, token *oauth.OAuthToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	expiresAt := token.AccessTokenExpiresAt
	if token.RefreshTokenExpiresAt.After(expiresAt) {
		expiresAt = token.RefreshTokenExpiresAt
	}
	ttl := r.ttl(expiresAt)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("token", token.Tenant, token.ID), data, ttl)
		pipe.Set(ctx, r.key("at", token.Tenant, hashKey(token.AccessToken)), token.ID, r.ttl(token.AccessTokenExpiresAt))
		if token.RefreshToken != "" {
			pipe.Set(ctx, r.key("rt", token.Tenant, hashKey(token.RefreshToken)), token.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

func (r *redisTokens) findByIndex(ctx context.Context, tenant, kind, value string) (*oauth.OAuthToken, error) {
	id, err := r.client.Get(ctx, r.key(kind, tenant, hashKey(value))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("token: %w", oauth.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get token index: %w", err)
	}
	var token oauth.OAuthToken
	if err := r.getJSON(ctx, r.key("token", tenant, id), &token); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &token, nil
}

func (r *redisTokens) Find(ctx context.Context, tenant, accessToken string) (*oauth.OAuthToken, error) {
	return r.findByIndex(ctx, tenant, "at", accessToken)
}

func (r *redisTokens) FindByRefreshToken(ctx context.Context, tenant, refreshToken string) (*oauth.OAuthToken, error) {
	return r.findByIndex(ctx, tenant, "rt", refreshToken)
}

func (r *redisTokens) Delete(ctx context.Context, tenant, id string) error {
	var token oauth.OAuthToken
	if err := r.getJSON(ctx, r.key("token", tenant, id), &token); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	keys := []string{r.key("token", tenant, id), r.key("at", tenant, hashKey(token.AccessToken))}
	if token.RefreshToken != "" {
		keys = append(keys, r.key("rt", tenant, hashKey(token.RefreshToken)))
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("token: %w", oauth.ErrNotFound)
	}
	return nil
}

// RedisReplayStore implements the replay store with SET NX.
type RedisReplayStore struct{ *RedisStore }

func (s *RedisStore) ReplayStore() *RedisReplayStore {
	return &RedisReplayStore{s}
}

func (r *RedisReplayStore) Register(ctx context.Context, key string, expiresAt time.Time) error {
	ok, err := r.client.SetNX(ctx, r.key("replay", "", key), "", r.ttl(expiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("replay of '%s': %w", key, oauth.ErrConflict)
	}
	return nil
}

// hashKey keeps secrets such as codes and tokens out of key names.
func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
