package jose

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

type curver interface {
	Crv() jwa.EllipticCurveAlgorithm
}

// AlgorithmForKey returns the signature algorithm implied by the key type.
// EC keys map to ECDSA by curve, RSA keys to RSASSA (RS256 unless the key
// declares another RSA algorithm).
func AlgorithmForKey(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no key", ErrUnsupportedKeyType)
	}
	switch key.KeyType() {
	case jwa.EC:
		k, ok := key.(curver)
		if !ok {
			return "", fmt.Errorf("%w: EC key without curve", ErrUnsupportedKeyType)
		}
		switch k.Crv() {
		case jwa.P256:
			return jwa.ES256, nil
		case jwa.P384:
			return jwa.ES384, nil
		case jwa.P521:
			return jwa.ES512, nil
		default:
			return "", fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, k.Crv())
		}
	case jwa.RSA:
		switch alg := jwa.SignatureAlgorithm(key.Algorithm().String()); alg {
		case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
			return alg, nil
		default:
			return jwa.RS256, nil
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedKeyType, key.KeyType())
	}
}

// Sign serializes claims as the JWS payload and signs it with key. Extra
// protected headers may be given; the key ID is added when the key has one.
func Sign(claims any, headers map[string]any, key jwk.Key) (string, error) {
	alg, err := AlgorithmForKey(key)
	if err != nil {
		return "", err
	}
	return SignWithAlgorithm(claims, headers, key, alg)
}

// SignWithAlgorithm signs with an explicit algorithm, e.g. HS256 for
// symmetric client assertions.
func SignWithAlgorithm(claims any, headers map[string]any, key jwk.Key, alg jwa.SignatureAlgorithm) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no key", ErrUnsupportedKeyType)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	hdrs := jws.NewHeaders()
	for name, value := range headers {
		if err := hdrs.Set(name, value); err != nil {
			return "", fmt.Errorf("set header %s: %w", name, err)
		}
	}
	if _, ok := headers[jws.KeyIDKey]; !ok && key.KeyID() != "" {
		if err := hdrs.Set(jws.KeyIDKey, key.KeyID()); err != nil {
			return "", fmt.Errorf("set header kid: %w", err)
		}
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return string(signed), nil
}
