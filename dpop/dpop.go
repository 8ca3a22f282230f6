// Implementation of https://www.rfc-editor.org/rfc/rfc9449.html for the
// token endpoint.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

const (
	DPoPHeaderName      = "DPoP"
	DPoPNonceHeaderName = "DPoP-Nonce"
	DPoPJwtType         = "dpop+jwt"
	TokenType           = "DPoP"
)

var SupportedAlgorithms = []jwa.SignatureAlgorithm{jwa.ES256, jwa.ES384, jwa.ES512, jwa.PS256, jwa.RS256}

type PrivateKey struct {
	JwkPrivate jwk.Key
	JwkPublic  jwk.Key
	Thumbprint string
}

// NewPrivateKey creates an ephemeral P-256 key for DPoP proofs.
func NewPrivateKey() (*PrivateKey, error) {
	rawKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key, err := jwk.FromRaw(rawKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWK: %w", err)
	}
	thumbprint, err := jose.ThumbprintS256(key)
	if err != nil {
		return nil, err
	}
	publicKey, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	return &PrivateKey{JwkPrivate: key, JwkPublic: publicKey, Thumbprint: thumbprint}, nil
}

type DPoP struct {
	Id              string
	HttpMethod      string
	HttpURI         string
	IssuedAt        time.Time
	AccessTokenHash string
	Nonce           string
	Key             jwk.Key
	KeyThumbprint   string
}

func (dpop *DPoP) validate() error {
	if dpop.Id == "" {
		return fmt.Errorf("JWT ID (jti) is required")
	}
	if dpop.HttpMethod == "" {
		return fmt.Errorf("HTTP Method (htm) is required")
	}
	if dpop.HttpURI == "" {
		return fmt.Errorf("HTTP URI (htu) is required")
	}
	if dpop.IssuedAt.IsZero() {
		return fmt.Errorf("DPoP issued at timestamp (iat) is required")
	}
	return nil
}

// NewProof builds a proof for request with defaults for jti and iat.
func NewProof(method, uri string) *DPoP {
	return &DPoP{
		Id:         ksuid.New().String(),
		HttpMethod: method,
		HttpURI:    uri,
		IssuedAt:   time.Now(),
	}
}

// Sign returns the compact serialized proof.
func (dpop *DPoP) Sign(privateKey *PrivateKey) (string, error) {
	if err := dpop.validate(); err != nil {
		return "", err
	}
	token := jwt.New()
	token.Set(jwt.JwtIDKey, dpop.Id)
	token.Set("htm", dpop.HttpMethod)
	token.Set("htu", dpop.HttpURI)
	token.Set(jwt.IssuedAtKey, dpop.IssuedAt)
	if dpop.AccessTokenHash != "" {
		token.Set("ath", dpop.AccessTokenHash)
	}
	if dpop.Nonce != "" {
		token.Set("nonce", dpop.Nonce)
	}

	headers := jws.NewHeaders()
	headers.Set(jws.TypeKey, DPoPJwtType)
	headers.Set(jws.JWKKey, privateKey.JwkPublic)

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, privateKey.JwkPrivate, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("unable to sign token: %w", err)
	}
	return string(signed), nil
}

// Parse verifies the proof signature with the key embedded in its header.
func Parse(token string) (*DPoP, error) {
	// the signature is verified below with the embedded key
	unsafeMessage, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("unable to parse token: %w", err)
	}
	if len(unsafeMessage.Signatures()) != 1 {
		return nil, fmt.Errorf("exactly one signature is required")
	}
	protectedHeaders := unsafeMessage.Signatures()[0].ProtectedHeaders()
	if protectedHeaders == nil {
		return nil, fmt.Errorf("no protected headers found")
	}
	if protectedHeaders.Type() != DPoPJwtType {
		return nil, fmt.Errorf("invalid token type: %s", protectedHeaders.Type())
	}
	alg := protectedHeaders.Algorithm()
	if !slices.Contains(SupportedAlgorithms, alg) {
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	dpopKey := protectedHeaders.JWK()
	if dpopKey == nil {
		return nil, fmt.Errorf("no JWK found in protected headers")
	}
	if _, isPrivate := dpopKey.(interface{ D() []byte }); isPrivate {
		return nil, fmt.Errorf("JWK in header must not be private")
	}

	verifiedToken, err := jwt.Parse([]byte(token), jwt.WithKey(alg, dpopKey), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("unable to verify token: %w", err)
	}

	dpopToken := &DPoP{
		Id:       verifiedToken.JwtID(),
		IssuedAt: verifiedToken.IssuedAt(),
		Key:      dpopKey,
	}
	dpopToken.HttpMethod, _ = stringClaim(verifiedToken, "htm")
	dpopToken.HttpURI, _ = stringClaim(verifiedToken, "htu")
	dpopToken.AccessTokenHash, _ = stringClaim(verifiedToken, "ath")
	dpopToken.Nonce, _ = stringClaim(verifiedToken, "nonce")
	if err := dpopToken.validate(); err != nil {
		return nil, err
	}

	dpopToken.KeyThumbprint, err = jose.ThumbprintS256(dpopKey)
	if err != nil {
		return nil, err
	}
	return dpopToken, nil
}

func stringClaim(token jwt.Token, name string) (string, bool) {
	v, ok := token.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FromRequest returns an empty proof when no DPoP header is present.
func FromRequest(request *http.Request) (string, error) {
	values := request.Header.Values(DPoPHeaderName)
	switch len(values) {
	case 0:
		return "", nil
	case 1:
		return values[0], nil
	default:
		return "", fmt.Errorf("multiple DPoP headers")
	}
}
