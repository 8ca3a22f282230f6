// Package jose signs and verifies compact JWS objects and resolves the keys
// used for it from JWK sets. Every other component of the authorization
// server goes through this package for its cryptographic trust decisions.
package jose

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrKeyNotFound        = errors.New("key not found")
	ErrAmbiguousKey       = errors.New("ambiguous key set")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrMalformed          = errors.New("malformed object")
	ErrNotVerified        = errors.New("signature has not been verified")
)

// Classification of a compact serialization, derived from the header only.
type Classification int

const (
	ClassPlain Classification = iota
	ClassSigned
	ClassEncrypted
)

func (c Classification) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassSigned:
		return "signed"
	case ClassEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// Classify inspects the protected header of a compact serialization and
// reports whether it is unsecured (alg=none), signed or encrypted.
// The payload is never decoded.
func Classify(compact string) (Classification, error) {
	parts := strings.Split(strings.TrimSpace(compact), ".")
	switch len(parts) {
	case 5:
		return ClassEncrypted, nil
	case 3:
	default:
		return 0, fmt.Errorf("%w: expected 3 or 5 segments, got %d", ErrMalformed, len(parts))
	}

	alg, err := headerAlgorithm(parts[0])
	if err != nil {
		return 0, err
	}
	if alg == "none" {
		return ClassPlain, nil
	}
	return ClassSigned, nil
}

func headerAlgorithm(segment string) (string, error) {
	headerBytes, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", fmt.Errorf("%w: header is not base64url: %v", ErrMalformed, err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", fmt.Errorf("%w: header is not JSON: %v", ErrMalformed, err)
	}
	if header.Alg == "" {
		return "", fmt.Errorf("%w: header has no alg", ErrMalformed)
	}
	return header.Alg, nil
}
