package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/valkey-io/valkey-go"
)

// ValkeyReplayStore tracks single-use identifiers in Valkey so that replay
// detection works across instances.
type ValkeyReplayStore struct {
	client    valkey.Client
	keyPrefix string
}

func NewValkeyReplayStore(client valkey.Client, keyPrefix string) *ValkeyReplayStore {
	if keyPrefix == "" {
		keyPrefix = "authz"
	}
	return &ValkeyReplayStore{client: client, keyPrefix: keyPrefix}
}

func (s *ValkeyReplayStore) Register(ctx context.Context, key string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	cmd := s.client.B().Set().Key(s.keyPrefix + ":replay:" + key).Value("").Nx().Ex(ttl).Build()
	err := s.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return fmt.Errorf("replay of '%s': %w", key, oauth.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("registering %s in Valkey: %w", key, err)
	}
	return nil
}
