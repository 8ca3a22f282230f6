package authzrequest

import (
	"context"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// RequestObjectVerifier checks the signature of a request object and that
// it belongs to the outer request.
type RequestObjectVerifier struct {
	Now func() time.Time
}

func (v *RequestObjectVerifier) ShouldNotVerify(c *Context) bool {
	if c.Pattern != oauth.PatternRequestObject && c.Pattern != oauth.PatternRequestURI {
		return true
	}
	// unsigned objects were only admitted when the server allows them
	return c.IsUnsigned() && c.Server.AllowUnsignedRequestObject
}

func (v *RequestObjectVerifier) Verify(_ context.Context, c *Context) error {
	if c.Jose == nil {
		return oauth.ErrInvalidRequestObject("request object must be signed")
	}
	alg := c.Jose.Algorithm().String()
	if !c.Server.SupportsRequestObjectSigningAlg(alg) {
		return oauth.ErrInvalidRequestObject("unsupported request object alg: %s", alg)
	}
	if registered := c.Client.RequestObjectSigningAlg; registered != "" && registered != alg {
		return oauth.ErrInvalidRequestObject("request object must be signed with %s", registered)
	}
	if err := c.Jose.Verify(); err != nil {
		return oauth.ErrInvalidRequestObject("request object signature is invalid").WithCause(err)
	}
	claims, err := c.Jose.Claims()
	if err != nil {
		return oauth.ErrServerError(err)
	}

	clientID := c.Client.ClientID
	if claims.Has("client_id") && claims.String("client_id") != clientID {
		return oauth.ErrInvalidRequestObject("client_id in request object does not match")
	}
	if claims.Has("iss") && claims.String("iss") != clientID {
		return oauth.ErrInvalidRequestObject("iss of request object must be the client_id")
	}
	if claims.Has("aud") && !claims.HasAudience(c.Server.Issuer) {
		return oauth.ErrInvalidRequestObject("aud of request object must be the issuer")
	}
	if exp, ok := claims.Time("exp"); ok && !v.Now().Before(exp) {
		return oauth.ErrInvalidRequestObject("request object is expired")
	}
	c.trustObject(claims)
	return nil
}

// ParameterVerifier validates client_id and redirect_uri first; from then
// on failures are redirect safe. Then response_type, response_mode and
// scope are checked.
type ParameterVerifier struct{}

func (v *ParameterVerifier) ShouldNotVerify(*Context) bool { return false }

func (v *ParameterVerifier) Verify(_ context.Context, c *Context) error {
	if id := c.Param("client_id"); id != "" && id != c.Client.ClientID {
		return oauth.ErrInvalidRequest("client_id does not match")
	}
	redirectURI := c.Param("redirect_uri")
	if redirectURI == "" {
		if len(c.Client.RedirectURIs) != 1 {
			return oauth.ErrInvalidRequest("redirect_uri is missing")
		}
		redirectURI = c.Client.RedirectURIs[0]
	}
	if !c.Client.IsAllowedRedirectURI(redirectURI) {
		return oauth.ErrInvalidRequest("redirect_uri is not registered")
	}

	r := c.Request
	r.RedirectURI = redirectURI
	r.State = c.Param("state")
	r.ResponseMode = c.Param("response_mode")
	c.redirectSafe = true

	if r.ResponseMode != "" && !c.Server.SupportsResponseMode(r.ResponseMode) {
		mode := r.ResponseMode
		r.ResponseMode = ""
		return oauth.ErrInvalidRequest("unsupported response_mode: '%s'", mode)
	}

	r.ResponseType = c.Param("response_type")
	if r.ResponseType == "" {
		return oauth.ErrInvalidRequest("response_type is missing")
	}
	if !c.Server.SupportsResponseType(r.ResponseType) || !c.Client.IsAllowedResponseType(r.ResponseType) {
		return oauth.ErrUnsupportedResponseType(r.ResponseType)
	}

	r.Scopes = oauth.ParseScope(c.Param("scope"))
	if !c.Client.IsAllowedScopes(r.Scopes) {
		return oauth.ErrInvalidScope("scope is not allowed for this client")
	}

	r.Nonce = c.Param("nonce")
	r.Prompt = c.Param("prompt")
	r.LoginHint = c.Param("login_hint")
	r.ACRValues = oauth.ParseScope(c.Param("acr_values"))
	return nil
}

// AuthorizationDetailsVerifier applies the RAR rules (RFC 9396).
type AuthorizationDetailsVerifier struct{}

func (v *AuthorizationDetailsVerifier) ShouldNotVerify(c *Context) bool {
	if _, ok := c.claim("authorization_details"); ok {
		return false
	}
	return c.Params.Get("authorization_details") == ""
}

func (v *AuthorizationDetailsVerifier) Verify(_ context.Context, c *Context) error {
	var details oauth.AuthorizationDetails
	var err error
	if claim, ok := c.claim("authorization_details"); ok {
		details, err = oauth.AuthorizationDetailsFromClaim(claim)
	} else {
		details, err = oauth.ParseAuthorizationDetails(c.Params.Get("authorization_details"))
	}
	if err != nil {
		return err
	}
	if err := details.Authorize(c.Server, c.Client); err != nil {
		return err
	}
	c.Request.AuthorizationDetails = details
	return nil
}

// CredentialVerifier adds the OpenID4VCI rules for openid_credential details.
type CredentialVerifier struct{}

func (v *CredentialVerifier) ShouldNotVerify(c *Context) bool {
	return !c.Request.AuthorizationDetails.HasType(oauth.AuthorizationDetailsTypeCredential)
}

func (v *CredentialVerifier) Verify(_ context.Context, c *Context) error {
	if !c.Server.HasCredentialIssuerMetadata() {
		return oauth.ErrInvalidRequest("server does not issue verifiable credentials")
	}
	for _, detail := range c.Request.AuthorizationDetails {
		if detail.Type() != oauth.AuthorizationDetailsTypeCredential {
			continue
		}
		id := detail.String("credential_configuration_id")
		if id == "" && detail.String("format") == "" {
			return oauth.ErrInvalidRequest("openid_credential requires credential_configuration_id or format")
		}
		if id != "" && !c.Server.SupportsCredentialConfiguration(id) {
			return oauth.ErrInvalidRequest("unsupported credential_configuration_id: %s", id)
		}
	}
	return nil
}

// JARMVerifier checks that a JWT secured response can be produced.
type JARMVerifier struct{}

func (v *JARMVerifier) ShouldNotVerify(c *Context) bool {
	return !oauth.IsJWTResponseMode(c.Request.ResponseMode)
}

func (v *JARMVerifier) Verify(_ context.Context, c *Context) error {
	if c.Server.SigningKey == nil {
		return oauth.ErrInvalidRequest("server cannot sign authorization responses")
	}
	alg, err := jose.AlgorithmForKey(c.Server.SigningKey)
	if err != nil {
		return oauth.ErrServerError(err)
	}
	if registered := c.Client.AuthorizationSignedResponseAlg; registered != "" && registered != alg.String() {
		return oauth.ErrInvalidRequest("authorization_signed_response_alg %s is not supported", registered)
	}
	for _, supported := range c.Server.AuthorizationSigningAlgValuesSupported {
		if supported == alg.String() {
			return nil
		}
	}
	return oauth.ErrInvalidRequest("server cannot sign authorization responses with %s", alg)
}

// PKCEVerifier binds the code to a challenge (RFC 7636). Public clients
// must use it.
type PKCEVerifier struct{}

func (v *PKCEVerifier) ShouldNotVerify(c *Context) bool {
	return c.Param("code_challenge") == "" && !c.Client.IsPublic()
}

func (v *PKCEVerifier) Verify(_ context.Context, c *Context) error {
	challenge := c.Param("code_challenge")
	if challenge == "" {
		return oauth.ErrInvalidRequest("code_challenge is required for public clients")
	}
	method := c.Param("code_challenge_method")
	if method == "" {
		method = oauth.CodeChallengeMethodPlain
	}
	if !c.Server.SupportsCodeChallengeMethod(method) {
		return oauth.ErrInvalidRequest("unsupported code_challenge_method: '%s'", method)
	}
	if !oauth.ValidCodeChallenge(challenge) {
		return oauth.ErrInvalidRequest("code_challenge is malformed")
	}
	c.Request.CodeChallenge = challenge
	c.Request.CodeChallengeMethod = method
	return nil
}
