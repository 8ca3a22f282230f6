package jose

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ResolveKey picks the verification key for alg from keys. With a key ID
// the lookup is exact. Without one, exactly one key in the set may be
// usable for alg; several candidates are rejected instead of guessed.
func ResolveKey(keys jwk.Set, alg jwa.SignatureAlgorithm, kid string) (jwk.Key, error) {
	if keys == nil || keys.Len() == 0 {
		return nil, fmt.Errorf("%w: empty key set", ErrKeyNotFound)
	}
	if alg == "" || alg == jwa.NoSignature {
		return nil, fmt.Errorf("%w: no usable algorithm", ErrKeyNotFound)
	}

	if kid != "" {
		key, ok := keys.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		if !usableFor(key, alg) {
			return nil, fmt.Errorf("%w: kid %q is not usable for %s", ErrKeyNotFound, kid, alg)
		}
		return key, nil
	}

	var candidates []jwk.Key
	for i := 0; i < keys.Len(); i++ {
		key, ok := keys.Key(i)
		if ok && usableFor(key, alg) {
			candidates = append(candidates, key)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: no key for %s", ErrKeyNotFound, alg)
	case 1:
		return candidates[0], nil
	default:
		return nil, fmt.Errorf("%w: %d keys usable for %s and no kid", ErrAmbiguousKey, len(candidates), alg)
	}
}

func usableFor(key jwk.Key, alg jwa.SignatureAlgorithm) bool {
	if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
		return false
	}
	if declared := key.Algorithm().String(); declared != "" && declared != alg.String() {
		return false
	}
	name := alg.String()
	switch {
	case strings.HasPrefix(name, "ES"):
		return key.KeyType() == jwa.EC
	case strings.HasPrefix(name, "RS"), strings.HasPrefix(name, "PS"):
		return key.KeyType() == jwa.RSA
	case strings.HasPrefix(name, "HS"):
		return key.KeyType() == jwa.OctetSeq
	case name == jwa.EdDSA.String():
		return key.KeyType() == jwa.OKP
	default:
		return false
	}
}

// GenerateRandomJwk creates a P-256 signing key whose kid is its S256 thumbprint.
func GenerateRandomJwk() (jwk.Key, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		return nil, fmt.Errorf("could not create jwk from key: %w", err)
	}

	t, err := ThumbprintS256(jwkKey)
	if err != nil {
		return nil, err
	}

	jwkKey.Set(jwk.KeyIDKey, t)
	jwkKey.Set(jwk.KeyUsageKey, jwk.ForSignature)
	jwkKey.Set(jwk.AlgorithmKey, jwa.ES256)

	return jwkKey, nil
}

// ThumbprintS256 returns the base64url RFC 7638 thumbprint of key.
func ThumbprintS256(key jwk.Key) (string, error) {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not create thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// PublicSet returns the public counterparts of all keys in set.
func PublicSet(set jwk.Set) (jwk.Set, error) {
	publicSet := jwk.NewSet()
	for iter := set.Keys(context.Background()); iter.Next(context.Background()); {
		key := iter.Pair().Value.(jwk.Key)
		publicKey, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("could not get public key: %w", err)
		}
		if err := publicSet.AddKey(publicKey); err != nil {
			return nil, fmt.Errorf("could not add public key: %w", err)
		}
	}
	return publicSet, nil
}

// SymmetricSet wraps a shared secret as a single HMAC key set.
func SymmetricSet(secret string) (jwk.Set, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrKeyNotFound)
	}
	key, err := jwk.FromRaw([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("could not create symmetric key: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}
	return set, nil
}

// LoadPEMKey parses a PEM encoded private key into a JWK.
func LoadPEMKey(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parse PEM key: %w", err)
	}
	if key.KeyID() == "" {
		kid, err := ThumbprintS256(key)
		if err != nil {
			return nil, err
		}
		key.Set(jwk.KeyIDKey, kid)
	}
	return key, nil
}
