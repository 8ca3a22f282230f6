package nonce

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

// HashicorpService keeps nonces in process memory.
type HashicorpService struct {
	nonceService nonceutil.NonceService
}

func NewHashicorpService() (*HashicorpService, error) {
	nonceService := nonceutil.NewNonceService()
	if err := nonceService.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &HashicorpService{nonceService}, nil
}

func (s *HashicorpService) Get(context.Context) (string, error) {
	nonce, _, err := s.nonceService.Get()
	if err != nil {
		return "", err
	}
	return nonce, nil
}

func (s *HashicorpService) Redeem(_ context.Context, nonce string) error {
	if !s.nonceService.Redeem(nonce) {
		return ErrInvalidNonce
	}
	return nil
}
