package dpop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/nonce"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// ReplayStore remembers proof identifiers until they expire.
type ReplayStore interface {
	Register(ctx context.Context, key string, expiresAt time.Time) error
}

type Verifier struct {
	MaxAge        time.Duration
	Replay        ReplayStore
	Nonces        nonce.Service
	NonceRequired bool
	Now           func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify checks a proof presented at the token endpoint. method and uri
// are what the server received; the uri carries no query or fragment.
func (v *Verifier) Verify(ctx context.Context, proof, method, uri string) (*DPoP, error) {
	dpop, err := Parse(proof)
	if err != nil {
		return nil, oauth.ErrInvalidDPoPProof("DPoP proof is invalid").WithCause(err)
	}
	if dpop.HttpMethod != method {
		return nil, oauth.ErrInvalidDPoPProof("htm does not match the request method")
	}
	if dpop.HttpURI != uri {
		return nil, oauth.ErrInvalidDPoPProof("htu does not match the request uri")
	}

	maxAge := v.MaxAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}
	now := v.now()
	if dpop.IssuedAt.Before(now.Add(-maxAge)) || dpop.IssuedAt.After(now.Add(time.Minute)) {
		return nil, oauth.ErrInvalidDPoPProof("DPoP proof is too old or issued in the future")
	}

	if v.NonceRequired && dpop.Nonce == "" {
		return nil, oauth.ErrUseDPoPNonce()
	}
	if dpop.Nonce != "" && v.Nonces != nil {
		if err := v.Nonces.Redeem(ctx, dpop.Nonce); err != nil {
			return nil, oauth.ErrUseDPoPNonce().WithCause(err)
		}
	}

	if v.Replay != nil {
		key := fmt.Sprintf("dpop:%s:%s", dpop.KeyThumbprint, dpop.Id)
		if err := v.Replay.Register(ctx, key, dpop.IssuedAt.Add(maxAge)); errors.Is(err, oauth.ErrConflict) {
			return nil, oauth.ErrInvalidDPoPProof("DPoP proof has already been used")
		} else if err != nil {
			return nil, oauth.ErrServerError(err)
		}
	}
	return dpop, nil
}
