package oauth

import (
	"slices"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTypeCiba              = "urn:openid:params:grant-type:ciba"
)

const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
	ResponseModeJWT      = "jwt"
	ResponseModeQueryJWT = "query.jwt"
	ResponseModeFragJWT  = "fragment.jwt"
	ResponseModeFormJWT  = "form_post.jwt"
)

// IsJWTResponseMode reports whether mode asks for a JARM response.
func IsJWTResponseMode(mode string) bool {
	switch mode {
	case ResponseModeJWT, ResponseModeQueryJWT, ResponseModeFragJWT, ResponseModeFormJWT:
		return true
	}
	return false
}

type ClientAuthenticationMethod string

const (
	ClientSecretBasic        ClientAuthenticationMethod = "client_secret_basic"
	ClientSecretPost         ClientAuthenticationMethod = "client_secret_post"
	ClientSecretJWT          ClientAuthenticationMethod = "client_secret_jwt"
	PrivateKeyJWT            ClientAuthenticationMethod = "private_key_jwt"
	TLSClientAuth            ClientAuthenticationMethod = "tls_client_auth"
	SelfSignedTLSClientAuth  ClientAuthenticationMethod = "self_signed_tls_client_auth"
	ClientAuthenticationNone ClientAuthenticationMethod = "none"
)

// JwtBearerIssuer is a trusted issuer of RFC 7523 authorization grants.
type JwtBearerIssuer struct {
	Issuer  string     `yaml:"issuer" json:"issuer" validate:"required"`
	Jwks    *jose.Jwks `yaml:"jwks" json:"jwks,omitempty"`
	JwksURI string     `yaml:"jwks_uri" json:"jwks_uri,omitempty"`
}

// ServerConfiguration is the read-only, tenant scoped configuration of
// the authorization server.
type ServerConfiguration struct {
	Tenant string `yaml:"tenant" json:"tenant" validate:"required"`
	Issuer string `yaml:"issuer" json:"issuer" validate:"required,url"`

	GrantTypesSupported                []string `yaml:"grant_types_supported" json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported  []string `yaml:"token_endpoint_auth_methods_supported" json:"token_endpoint_auth_methods_supported"`
	ResponseTypesSupported             []string `yaml:"response_types_supported" json:"response_types_supported"`
	ResponseModesSupported             []string `yaml:"response_modes_supported" json:"response_modes_supported"`
	ScopesSupported                    []string `yaml:"scopes_supported" json:"scopes_supported"`
	AuthorizationDetailsTypesSupported []string `yaml:"authorization_details_types_supported" json:"authorization_details_types_supported"`
	CodeChallengeMethodsSupported      []string `yaml:"code_challenge_methods_supported" json:"code_challenge_methods_supported"`

	RequestObjectSigningAlgValuesSupported []string `yaml:"request_object_signing_alg_values_supported" json:"request_object_signing_alg_values_supported"`
	AllowUnsignedRequestObject             bool     `yaml:"allow_unsigned_request_object" json:"allow_unsigned_request_object"`
	AuthorizationSigningAlgValuesSupported []string `yaml:"authorization_signing_alg_values_supported" json:"authorization_signing_alg_values_supported"`

	// CredentialIssuerMetadata is exposed for OpenID4VCI. Without it
	// credential authorization details are rejected.
	CredentialIssuerMetadata map[string]any `yaml:"credential_issuer_metadata" json:"credential_issuer_metadata,omitempty"`

	TLSClientCertificateBoundAccessTokens bool `yaml:"tls_client_certificate_bound_access_tokens" json:"tls_client_certificate_bound_access_tokens"`

	BackchannelAuthRequestExpiresIn time.Duration `yaml:"backchannel_auth_request_expires_in" json:"backchannel_auth_request_expires_in"`
	BackchannelPollingInterval      time.Duration `yaml:"backchannel_polling_interval" json:"backchannel_polling_interval"`
	BackchannelBindingMessageLength int           `yaml:"backchannel_binding_message_length" json:"backchannel_binding_message_length"`

	AuthorizationRequestDuration time.Duration `yaml:"authorization_request_duration" json:"authorization_request_duration"`
	AuthorizationCodeDuration    time.Duration `yaml:"authorization_code_duration" json:"authorization_code_duration"`
	AccessTokenDuration          time.Duration `yaml:"access_token_duration" json:"access_token_duration"`
	RefreshTokenDuration         time.Duration `yaml:"refresh_token_duration" json:"refresh_token_duration"`
	IDTokenDuration              time.Duration `yaml:"id_token_duration" json:"id_token_duration"`

	JwtBearerIssuers      []JwtBearerIssuer `yaml:"jwt_bearer_issuers" json:"jwt_bearer_issuers,omitempty" validate:"dive"`
	JwtBearerRequireNonce bool              `yaml:"jwt_bearer_require_nonce" json:"jwt_bearer_require_nonce"`

	SigningKey jwk.Key `yaml:"-" json:"-"`
}

// ApplyDefaults fills unset values the way an unconfigured server behaves.
func (s *ServerConfiguration) ApplyDefaults() {
	if len(s.GrantTypesSupported) == 0 {
		s.GrantTypesSupported = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeClientCredentials}
	}
	if len(s.TokenEndpointAuthMethodsSupported) == 0 {
		s.TokenEndpointAuthMethodsSupported = []string{
			string(ClientSecretBasic),
			string(ClientSecretPost),
			string(ClientSecretJWT),
			string(PrivateKeyJWT),
			string(TLSClientAuth),
			string(SelfSignedTLSClientAuth),
			string(ClientAuthenticationNone),
		}
	}
	if len(s.ResponseTypesSupported) == 0 {
		s.ResponseTypesSupported = []string{"code"}
	}
	if len(s.ResponseModesSupported) == 0 {
		s.ResponseModesSupported = []string{ResponseModeQuery, ResponseModeJWT, ResponseModeQueryJWT}
	}
	if len(s.CodeChallengeMethodsSupported) == 0 {
		s.CodeChallengeMethodsSupported = []string{CodeChallengeMethodS256}
	}
	if len(s.RequestObjectSigningAlgValuesSupported) == 0 {
		s.RequestObjectSigningAlgValuesSupported = []string{"ES256", "RS256", "PS256"}
	}
	if len(s.AuthorizationSigningAlgValuesSupported) == 0 {
		s.AuthorizationSigningAlgValuesSupported = []string{"ES256"}
	}
	if s.BackchannelAuthRequestExpiresIn == 0 {
		s.BackchannelAuthRequestExpiresIn = 5 * time.Minute
	}
	if s.BackchannelPollingInterval == 0 {
		s.BackchannelPollingInterval = 5 * time.Second
	}
	if s.BackchannelBindingMessageLength == 0 {
		s.BackchannelBindingMessageLength = 64
	}
	if s.AuthorizationRequestDuration == 0 {
		s.AuthorizationRequestDuration = 10 * time.Minute
	}
	if s.AuthorizationCodeDuration == 0 {
		s.AuthorizationCodeDuration = 60 * time.Second
	}
	if s.AccessTokenDuration == 0 {
		s.AccessTokenDuration = time.Hour
	}
	if s.RefreshTokenDuration == 0 {
		s.RefreshTokenDuration = 24 * time.Hour
	}
	if s.IDTokenDuration == 0 {
		s.IDTokenDuration = time.Hour
	}
}

func (s *ServerConfiguration) SupportsGrantType(grantType string) bool {
	return slices.Contains(s.GrantTypesSupported, grantType)
}

func (s *ServerConfiguration) SupportsClientAuthenticationMethod(method ClientAuthenticationMethod) bool {
	return slices.Contains(s.TokenEndpointAuthMethodsSupported, string(method))
}

func (s *ServerConfiguration) SupportsResponseType(responseType string) bool {
	return slices.Contains(s.ResponseTypesSupported, responseType)
}

func (s *ServerConfiguration) SupportsResponseMode(mode string) bool {
	return slices.Contains(s.ResponseModesSupported, mode)
}

func (s *ServerConfiguration) SupportsAuthorizationDetailsType(typ string) bool {
	return slices.Contains(s.AuthorizationDetailsTypesSupported, typ)
}

func (s *ServerConfiguration) SupportsCodeChallengeMethod(method string) bool {
	return slices.Contains(s.CodeChallengeMethodsSupported, method)
}

func (s *ServerConfiguration) SupportsRequestObjectSigningAlg(alg string) bool {
	return slices.Contains(s.RequestObjectSigningAlgValuesSupported, alg)
}

func (s *ServerConfiguration) HasCredentialIssuerMetadata() bool {
	return len(s.CredentialIssuerMetadata) > 0
}

// SupportsCredentialConfiguration looks up id in the credential issuer
// metadata's credential_configurations_supported.
func (s *ServerConfiguration) SupportsCredentialConfiguration(id string) bool {
	configs, ok := s.CredentialIssuerMetadata["credential_configurations_supported"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = configs[id]
	return ok
}

func (s *ServerConfiguration) JwtBearerIssuer(issuer string) (*JwtBearerIssuer, bool) {
	for i := range s.JwtBearerIssuers {
		if s.JwtBearerIssuers[i].Issuer == issuer {
			return &s.JwtBearerIssuers[i], true
		}
	}
	return nil, false
}

func (s *ServerConfiguration) TokenEndpoint() string {
	return s.Issuer + "/token"
}

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// ClientConfiguration is what a client registered with a tenant.
type ClientConfiguration struct {
	Tenant                  string                     `yaml:"-" json:"-"`
	ClientID                string                     `yaml:"client_id" json:"client_id" validate:"required"`
	ClientName              string                     `yaml:"client_name" json:"client_name,omitempty"`
	Type                    ClientType                 `yaml:"type" json:"type" validate:"required,oneof=confidential public"`
	TokenEndpointAuthMethod ClientAuthenticationMethod `yaml:"token_endpoint_auth_method" json:"token_endpoint_auth_method" validate:"required"`
	ClientSecret            string                     `yaml:"client_secret" json:"-"`
	ClientSecretHash        string                     `yaml:"client_secret_hash" json:"-"`
	RedirectURIs            []string                   `yaml:"redirect_uris" json:"redirect_uris"`
	Scopes                  []string                   `yaml:"scopes" json:"scopes"`
	GrantTypes              []string                   `yaml:"grant_types" json:"grant_types"`
	ResponseTypes           []string                   `yaml:"response_types" json:"response_types"`
	Jwks                    *jose.Jwks                 `yaml:"jwks" json:"jwks,omitempty"`
	JwksURI                 string                     `yaml:"jwks_uri" json:"jwks_uri,omitempty"`

	TLSClientAuthSubjectDN string `yaml:"tls_client_auth_subject_dn" json:"tls_client_auth_subject_dn,omitempty"`
	TLSClientAuthSANDNS    string `yaml:"tls_client_auth_san_dns" json:"tls_client_auth_san_dns,omitempty"`
	TLSClientAuthSANURI    string `yaml:"tls_client_auth_san_uri" json:"tls_client_auth_san_uri,omitempty"`
	TLSClientAuthSANIP     string `yaml:"tls_client_auth_san_ip" json:"tls_client_auth_san_ip,omitempty"`
	TLSClientAuthSANEmail  string `yaml:"tls_client_auth_san_email" json:"tls_client_auth_san_email,omitempty"`

	AuthorizationDetailsTypes      []string `yaml:"authorization_details_types" json:"authorization_details_types,omitempty"`
	RequestObjectSigningAlg        string   `yaml:"request_object_signing_alg" json:"request_object_signing_alg,omitempty"`
	AuthorizationSignedResponseAlg string   `yaml:"authorization_signed_response_alg" json:"authorization_signed_response_alg,omitempty"`
}

func (c *ClientConfiguration) IsPublic() bool {
	return c.Type == ClientTypePublic
}

func (c *ClientConfiguration) IsAllowedRedirectURI(redirectURI string) bool {
	return slices.Contains(c.RedirectURIs, redirectURI)
}

func (c *ClientConfiguration) IsAllowedScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

func (c *ClientConfiguration) IsAllowedScopes(scopes []string) bool {
	for _, scope := range scopes {
		if !c.IsAllowedScope(scope) {
			return false
		}
	}
	return true
}

// IsAllowedGrantType defaults to authorization_code when nothing is
// registered, as RFC 7591 does.
func (c *ClientConfiguration) IsAllowedGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode
	}
	return slices.Contains(c.GrantTypes, grantType)
}

func (c *ClientConfiguration) IsAllowedResponseType(responseType string) bool {
	if len(c.ResponseTypes) == 0 {
		return responseType == "code"
	}
	return slices.Contains(c.ResponseTypes, responseType)
}

func (c *ClientConfiguration) IsAuthorizedDetailsType(typ string) bool {
	return slices.Contains(c.AuthorizationDetailsTypes, typ)
}

// Keys returns the inline registered JWK set, nil when none.
func (c *ClientConfiguration) Keys() jwk.Set {
	if c.Jwks == nil {
		return nil
	}
	return c.Jwks.Keys
}
