package clientauth

import (
	"context"
	"time"
)

// ReplayStore remembers single-use identifiers such as assertion jti values
// until they expire. Register returns oauth.ErrConflict for a key that is
// already known.
type ReplayStore interface {
	Register(ctx context.Context, key string, expiresAt time.Time) error
}
