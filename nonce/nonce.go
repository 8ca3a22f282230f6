// Package nonce hands out single-use server nonces. The nonce endpoint
// issues them; the JWT bearer grant redeems them.
package nonce

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidNonce = errors.New("nonce not found or already redeemed")

type Options struct {
	Expiry time.Duration
}

type Service interface {
	Get(ctx context.Context) (string, error)
	// Redeem succeeds at most once per nonce.
	Redeem(ctx context.Context, nonce string) error
}
