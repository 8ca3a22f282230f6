package authzrequest

import (
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// Context is built per call and never stored.
type Context struct {
	Pattern oauth.RequestPattern
	Tenant  string
	Params  url.Values
	Server  *oauth.ServerConfiguration
	Client  *oauth.ClientConfiguration

	// Jose is the signed request object, nil for NORMAL and unsigned objects.
	Jose *jose.Context
	// RawObject is the request object as received or fetched.
	RawObject string
	// pushed is the stored PAR request a request_uri referred to.
	pushed *oauth.AuthorizationRequest

	object        jose.Claims
	objectTrusted bool
	redirectSafe  bool

	// Request collects what the verifiers accepted.
	Request *oauth.AuthorizationRequest
}

// HasRequestObject reports whether a request object takes part.
func (c *Context) HasRequestObject() bool {
	return c.RawObject != ""
}

// IsUnsigned is true for alg=none request objects.
func (c *Context) IsUnsigned() bool {
	return c.HasRequestObject() && c.Jose == nil
}

// trustObject makes the request object claims visible to Param.
func (c *Context) trustObject(claims jose.Claims) {
	c.object = claims
	c.objectTrusted = true
}

// Param returns a request parameter. Claims of a trusted request object
// take precedence over the outer query parameters.
func (c *Context) Param(name string) string {
	if c.objectTrusted {
		if v, ok := c.object[name]; ok {
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			default:
				data, err := json.Marshal(t)
				if err == nil {
					return string(data)
				}
			}
		}
	}
	return c.Params.Get(name)
}

// claim returns the raw claim of a trusted request object.
func (c *Context) claim(name string) (any, bool) {
	if !c.objectTrusted {
		return nil, false
	}
	v, ok := c.object[name]
	return v, ok
}

// RedirectSafe is true once client and redirect_uri have been validated.
func (c *Context) RedirectSafe() bool {
	return c.redirectSafe
}
