package jose

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Context wraps a compact object whose signature has not been checked yet.
// Claims are only released after Verify succeeded, or for unsecured
// objects the caller explicitly decided to accept.
type Context struct {
	raw      string
	class    Classification
	alg      jwa.SignatureAlgorithm
	kid      string
	key      jwk.Key
	verified bool
	claims   Claims
}

// Parse classifies the object and, for signed objects, resolves the
// verification key from keys. It does not verify anything.
func Parse(compact string, keys jwk.Set) (*Context, error) {
	compact = strings.TrimSpace(compact)
	class, err := Classify(compact)
	if err != nil {
		return nil, err
	}

	c := &Context{raw: compact, class: class}
	switch class {
	case ClassEncrypted:
		return nil, fmt.Errorf("%w: encrypted objects are not supported", ErrMalformed)
	case ClassPlain:
		c.alg = jwa.NoSignature
		return c, nil
	}

	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(msg.Signatures()) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrMalformed)
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	c.alg = headers.Algorithm()
	c.kid = headers.KeyID()

	c.key, err = ResolveKey(keys, c.alg, c.kid)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Context) Raw() string                       { return c.raw }
func (c *Context) Class() Classification             { return c.class }
func (c *Context) Algorithm() jwa.SignatureAlgorithm { return c.alg }
func (c *Context) KeyID() string                     { return c.kid }
func (c *Context) Key() jwk.Key                      { return c.key }
func (c *Context) Verified() bool                    { return c.verified }

// Verify checks the signature with the resolved key.
func (c *Context) Verify() error {
	if c.class != ClassSigned {
		return fmt.Errorf("%w: object is %s", ErrSignatureInvalid, c.class)
	}
	payload, err := jws.Verify([]byte(c.raw), jws.WithKey(c.alg, c.key))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	claims := make(Claims)
	if err := json.Unmarshal(payload, &claims); err != nil {
		return fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformed, err)
	}
	c.claims = claims
	c.verified = true
	return nil
}

// Claims returns the claim set of a verified object.
func (c *Context) Claims() (Claims, error) {
	if !c.verified {
		return nil, ErrNotVerified
	}
	return c.claims, nil
}

// UnsecuredClaims decodes the payload of an alg=none object. Only call it
// after deciding that unsigned input is acceptable.
func (c *Context) UnsecuredClaims() (Claims, error) {
	if c.class != ClassPlain {
		return nil, fmt.Errorf("%w: object is %s", ErrMalformed, c.class)
	}
	parts := strings.Split(c.raw, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64url: %v", ErrMalformed, err)
	}
	claims := make(Claims)
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", ErrMalformed, err)
	}
	return claims, nil
}

// Verify parses compact, resolves the key from the trusted set and checks
// the signature in one go.
func Verify(compact string, trusted jwk.Set) (Claims, error) {
	c, err := Parse(compact, trusted)
	if err != nil {
		return nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c.claims, nil
}
