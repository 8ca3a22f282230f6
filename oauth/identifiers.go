package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/segmentio/ksuid"
)

// NewID returns a sortable unique identifier for stored records.
func NewID() string {
	return ksuid.New().String()
}

// RandomToken returns size random bytes, base64url encoded. Used for
// codes, auth_req_id and opaque tokens.
func RandomToken(size int) string {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func ParseScope(scope string) []string {
	return strings.Fields(scope)
}

func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every scope in requested is in granted.
func IsSubset(requested, granted []string) bool {
	for _, r := range requested {
		found := false
		for _, g := range granted {
			if r == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
