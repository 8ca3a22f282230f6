package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

type memoryKey struct {
	tenant string
	id     string
}

// MemoryAuthorizationRequestRepository stores authorization requests until
// they expire.
type MemoryAuthorizationRequestRepository struct {
	requests map[memoryKey]oauth.AuthorizationRequest
	lock     sync.RWMutex
	now      func() time.Time
}

func NewMemoryAuthorizationRequestRepository() *MemoryAuthorizationRequestRepository {
	return &MemoryAuthorizationRequestRepository{
		requests: make(map[memoryKey]oauth.AuthorizationRequest),
		now:      time.Now,
	}
}

func (r *MemoryAuthorizationRequestRepository) Register(_ context.Context, request *oauth.AuthorizationRequest) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.requests[memoryKey{request.Tenant, request.ID}] = *request
	return nil
}

func (r *MemoryAuthorizationRequestRepository) Find(_ context.Context, tenant, id string) (*oauth.AuthorizationRequest, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	request, ok := r.requests[memoryKey{tenant, id}]
	if !ok || (!request.ExpiresAt.IsZero() && r.now().After(request.ExpiresAt)) {
		return nil, fmt.Errorf("authorization request '%s': %w", id, oauth.ErrNotFound)
	}
	return &request, nil
}

func (r *MemoryAuthorizationRequestRepository) Get(ctx context.Context, tenant, id string) (*oauth.AuthorizationRequest, error) {
	request, err := r.Find(ctx, tenant, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return request, nil
}

func (r *MemoryAuthorizationRequestRepository) Delete(_ context.Context, tenant, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{tenant, id}
	if _, ok := r.requests[k]; !ok {
		return fmt.Errorf("authorization request '%s': %w", id, oauth.ErrNotFound)
	}
	delete(r.requests, k)
	return nil
}

type MemoryAuthorizationCodeGrantRepository struct {
	grants map[memoryKey]oauth.AuthorizationCodeGrant
	lock   sync.Mutex
}

func NewMemoryAuthorizationCodeGrantRepository() *MemoryAuthorizationCodeGrantRepository {
	return &MemoryAuthorizationCodeGrantRepository{grants: make(map[memoryKey]oauth.AuthorizationCodeGrant)}
}

func (r *MemoryAuthorizationCodeGrantRepository) Register(_ context.Context, grant *oauth.AuthorizationCodeGrant) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{grant.Tenant, grant.Code}
	if _, ok := r.grants[k]; ok {
		return fmt.Errorf("authorization code: %w", oauth.ErrConflict)
	}
	r.grants[k] = *grant
	return nil
}

func (r *MemoryAuthorizationCodeGrantRepository) Find(_ context.Context, tenant, code string) (*oauth.AuthorizationCodeGrant, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	grant, ok := r.grants[memoryKey{tenant, code}]
	if !ok {
		return nil, fmt.Errorf("authorization code: %w", oauth.ErrNotFound)
	}
	return &grant, nil
}

func (r *MemoryAuthorizationCodeGrantRepository) Delete(_ context.Context, tenant, code string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{tenant, code}
	if _, ok := r.grants[k]; !ok {
		return fmt.Errorf("authorization code: %w", oauth.ErrNotFound)
	}
	delete(r.grants, k)
	return nil
}

// MemoryCibaGrantRepository serializes all updates, which makes the status
// comparison in Update atomic.
type MemoryCibaGrantRepository struct {
	grants map[memoryKey]oauth.CibaGrant
	lock   sync.Mutex
}

func NewMemoryCibaGrantRepository() *MemoryCibaGrantRepository {
	return &MemoryCibaGrantRepository{grants: make(map[memoryKey]oauth.CibaGrant)}
}

func (r *MemoryCibaGrantRepository) Register(_ context.Context, grant *oauth.CibaGrant) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{grant.Tenant, grant.AuthReqID}
	if _, ok := r.grants[k]; ok {
		return fmt.Errorf("ciba grant: %w", oauth.ErrConflict)
	}
	r.grants[k] = *grant
	return nil
}

func (r *MemoryCibaGrantRepository) Update(_ context.Context, grant *oauth.CibaGrant, expected oauth.CibaStatus) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{grant.Tenant, grant.AuthReqID}
	stored, ok := r.grants[k]
	if !ok {
		return fmt.Errorf("ciba grant: %w", oauth.ErrNotFound)
	}
	if stored.Status != expected {
		return fmt.Errorf("ciba grant is %s, expected %s: %w", stored.Status, expected, oauth.ErrConflict)
	}
	r.grants[k] = *grant
	return nil
}

func (r *MemoryCibaGrantRepository) Find(_ context.Context, tenant, authReqID string) (*oauth.CibaGrant, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	grant, ok := r.grants[memoryKey{tenant, authReqID}]
	if !ok {
		return nil, fmt.Errorf("ciba grant: %w", oauth.ErrNotFound)
	}
	return &grant, nil
}

func (r *MemoryCibaGrantRepository) Delete(_ context.Context, tenant, authReqID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := memoryKey{tenant, authReqID}
	if _, ok := r.grants[k]; !ok {
		return fmt.Errorf("ciba grant: %w", oauth.ErrNotFound)
	}
	delete(r.grants, k)
	return nil
}

type MemoryTokenRepository struct {
	tokens []*oauth.OAuthToken
	lock   sync.RWMutex
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{tokens: make([]*oauth.OAuthToken, 0, 16)}
}

func (r *MemoryTokenRepository) Register(_ context.Context, token *oauth.OAuthToken) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	t := *token
	r.tokens = append(r.tokens, &t)
	return nil
}

func (r *MemoryTokenRepository) Find(_ context.Context, tenant, accessToken string) (*oauth.OAuthToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, t := range r.tokens {
		if t.Tenant == tenant && t.AccessToken == accessToken {
			found := *t
			return &found, nil
		}
	}
	return nil, fmt.Errorf("token: %w", oauth.ErrNotFound)
}

func (r *MemoryTokenRepository) FindByRefreshToken(_ context.Context, tenant, refreshToken string) (*oauth.OAuthToken, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, t := range r.tokens {
		if t.Tenant == tenant && t.RefreshToken != "" && t.RefreshToken == refreshToken {
			found := *t
			return &found, nil
		}
	}
	return nil, fmt.Errorf("refresh token: %w", oauth.ErrNotFound)
}

func (r *MemoryTokenRepository) Delete(_ context.Context, tenant, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, t := range r.tokens {
		if t.Tenant == tenant && t.ID == id {
			r.tokens = append(r.tokens[:i], r.tokens[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("token: %w", oauth.ErrNotFound)
}

// MemoryReplayStore remembers keys until they expire.
type MemoryReplayStore struct {
	seen map[string]time.Time
	lock sync.Mutex
	now  func() time.Time
}

func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{seen: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryReplayStore) Register(_ context.Context, key string, expiresAt time.Time) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	now := s.now()
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return fmt.Errorf("replay of '%s': %w", key, oauth.ErrConflict)
	}
	s.seen[key] = expiresAt
	return nil
}
