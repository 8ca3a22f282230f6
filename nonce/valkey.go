package nonce

import (
	"context"
	"fmt"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/valkey-io/valkey-go"
)

// ValkeyService shares nonces between server instances.
type ValkeyService struct {
	options Options
	client  valkey.Client
}

func NewValkeyService(client valkey.Client, options Options) *ValkeyService {
	return &ValkeyService{options: options, client: client}
}

func (v *ValkeyService) Get(ctx context.Context) (string, error) {
	nonce := oauth.RandomToken(32)
	cmd := v.client.B().Set().Key("nonce:" + nonce).Value("").Ex(v.options.Expiry).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return "", fmt.Errorf("storing nonce in valkey: %w", err)
	}
	return nonce, nil
}

// Redeem deletes the nonce; only the caller that removed it succeeds.
func (v *ValkeyService) Redeem(ctx context.Context, nonce string) error {
	deleted, err := v.client.Do(ctx, v.client.B().Del().Key("nonce:"+nonce).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("deleting nonce from valkey: %w", err)
	}
	if deleted == 0 {
		return ErrInvalidNonce
	}
	return nil
}
