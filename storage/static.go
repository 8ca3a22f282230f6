// Package storage implements the repositories of the authorization server:
// static configuration, in-memory stores for single instance deployments
// and Redis/Valkey backed stores for shared state.
package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gematik/zero-lab/go/authzserver/clientauth"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// StaticServerRepository serves server configurations loaded at startup.
type StaticServerRepository struct {
	servers map[string]*oauth.ServerConfiguration
}

func NewStaticServerRepository(servers ...*oauth.ServerConfiguration) *StaticServerRepository {
	r := &StaticServerRepository{servers: make(map[string]*oauth.ServerConfiguration, len(servers))}
	for _, s := range servers {
		r.servers[s.Tenant] = s
	}
	return r
}

func (r *StaticServerRepository) Get(_ context.Context, tenant string) (*oauth.ServerConfiguration, error) {
	s, ok := r.servers[tenant]
	if !ok {
		return nil, fmt.Errorf("tenant '%s': %w", tenant, oauth.ErrNotFound)
	}
	return s, nil
}

func (r *StaticServerRepository) Tenants() []string {
	tenants := make([]string, 0, len(r.servers))
	for t := range r.servers {
		tenants = append(tenants, t)
	}
	slices.Sort(tenants)
	return tenants
}

// StaticClientRepository keeps client registrations per tenant.
type StaticClientRepository struct {
	clients map[string]map[string]*oauth.ClientConfiguration
	lock    sync.RWMutex
}

func NewStaticClientRepository() *StaticClientRepository {
	return &StaticClientRepository{clients: make(map[string]map[string]*oauth.ClientConfiguration)}
}

func (r *StaticClientRepository) Add(tenant string, clients ...oauth.ClientConfiguration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.clients[tenant] == nil {
		r.clients[tenant] = make(map[string]*oauth.ClientConfiguration)
	}
	for i := range clients {
		client := clients[i]
		client.Tenant = tenant
		r.clients[tenant][client.ClientID] = &client
	}
}

func (r *StaticClientRepository) Get(_ context.Context, tenant, clientID string) (*oauth.ClientConfiguration, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	client, ok := r.clients[tenant][clientID]
	if !ok {
		return nil, fmt.Errorf("client '%s': %w", clientID, oauth.ErrNotFound)
	}
	return client, nil
}

// StaticUserRepository holds the users of each tenant. Passwords are
// stored as PBKDF2 hashes.
type StaticUserRepository struct {
	users map[string][]oauth.User
	lock  sync.RWMutex
}

func NewStaticUserRepository() *StaticUserRepository {
	return &StaticUserRepository{users: make(map[string][]oauth.User)}
}

func (r *StaticUserRepository) Add(tenant string, users ...oauth.User) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.users[tenant] = append(r.users[tenant], users...)
}

func (r *StaticUserRepository) FindBySubject(_ context.Context, tenant, subject string) (*oauth.User, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for i := range r.users[tenant] {
		if r.users[tenant][i].Subject == subject {
			u := r.users[tenant][i]
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user '%s': %w", subject, oauth.ErrNotFound)
}

func (r *StaticUserRepository) FindByLoginHint(_ context.Context, tenant, hint string) (*oauth.User, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for i := range r.users[tenant] {
		if slices.Contains(r.users[tenant][i].LoginHints(), hint) {
			u := r.users[tenant][i]
			return &u, nil
		}
	}
	return nil, fmt.Errorf("login_hint '%s': %w", hint, oauth.ErrNotFound)
}

func (r *StaticUserRepository) Authenticate(ctx context.Context, tenant, username, password string) (*oauth.User, error) {
	r.lock.RLock()
	var user *oauth.User
	for i := range r.users[tenant] {
		if r.users[tenant][i].Username == username {
			u := r.users[tenant][i]
			user = &u
			break
		}
	}
	r.lock.RUnlock()

	if user == nil || user.PasswordHash == "" {
		return nil, fmt.Errorf("user '%s': %w", username, oauth.ErrNotFound)
	}
	ok, err := clientauth.VerifySecretHash(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password of '%s': %w", username, err)
	}
	if !ok {
		return nil, fmt.Errorf("user '%s': %w", username, oauth.ErrNotFound)
	}
	return user, nil
}
