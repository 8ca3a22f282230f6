package authzserver

import (
	"fmt"
	"strings"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// OAuth2 Authorization Server Metadata
// See https://datatracker.ietf.org/doc/html/rfc8414
type Metadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	JwksURI                                string   `json:"jwks_uri,omitempty"`
	ScopesSupported                        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	ResponseModesSupported                 []string `json:"response_modes_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpoint                     string   `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	PushedAuthorizationRequestEndpoint     string   `json:"pushed_authorization_request_endpoint,omitempty"`
	RequestObjectSigningAlgValuesSupported []string `json:"request_object_signing_alg_values_supported,omitempty"`
	RequestParameterSupported              bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported           bool     `json:"request_uri_parameter_supported"`
	AuthorizationSigningAlgValuesSupported []string `json:"authorization_signing_alg_values_supported,omitempty"`
	AuthorizationResponseIssParameter      bool     `json:"authorization_response_iss_parameter_supported"`
	AuthorizationDetailsTypesSupported     []string `json:"authorization_details_types_supported,omitempty"`
	TLSClientCertificateBoundAccessTokens  bool     `json:"tls_client_certificate_bound_access_tokens"`
	DPoPSigningAlgValuesSupported          []string `json:"dpop_signing_alg_values_supported,omitempty"`

	BackchannelAuthenticationEndpoint           string   `json:"backchannel_authentication_endpoint,omitempty"`
	BackchannelTokenDeliveryModesSupported      []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelAuthenticationRequestSigningAlgs []string `json:"backchannel_authentication_request_signing_alg_values_supported,omitempty"`
	BackchannelUserCodeParameterSupported       bool     `json:"backchannel_user_code_parameter_supported"`
}

// ExtendedMetadata adds the endpoints this server offers beyond RFC 8414.
type ExtendedMetadata struct {
	Metadata
	NonceEndpoint string `json:"nonce_endpoint"`
}

func newMetadata(server *oauth.ServerConfiguration, dpopAlgs []string) *ExtendedMetadata {
	m := &ExtendedMetadata{
		Metadata: Metadata{
			Issuer:                                 server.Issuer,
			AuthorizationEndpoint:                  buildURI(server.Issuer, "authorize"),
			TokenEndpoint:                          server.TokenEndpoint(),
			JwksURI:                                buildURI(server.Issuer, "jwks"),
			ScopesSupported:                        server.ScopesSupported,
			ResponseTypesSupported:                 server.ResponseTypesSupported,
			ResponseModesSupported:                 server.ResponseModesSupported,
			GrantTypesSupported:                    server.GrantTypesSupported,
			TokenEndpointAuthMethodsSupported:      server.TokenEndpointAuthMethodsSupported,
			RevocationEndpoint:                     buildURI(server.Issuer, "revoke"),
			RevocationEndpointAuthMethodsSupported: server.TokenEndpointAuthMethodsSupported,
			CodeChallengeMethodsSupported:          server.CodeChallengeMethodsSupported,
			PushedAuthorizationRequestEndpoint:     buildURI(server.Issuer, "par"),
			RequestObjectSigningAlgValuesSupported: server.RequestObjectSigningAlgValuesSupported,
			RequestParameterSupported:              true,
			RequestURIParameterSupported:           true,
			AuthorizationSigningAlgValuesSupported: server.AuthorizationSigningAlgValuesSupported,
			AuthorizationResponseIssParameter:      true,
			AuthorizationDetailsTypesSupported:     server.AuthorizationDetailsTypesSupported,
			TLSClientCertificateBoundAccessTokens:  server.TLSClientCertificateBoundAccessTokens,
			DPoPSigningAlgValuesSupported:          dpopAlgs,
		},
		NonceEndpoint: buildURI(server.Issuer, "nonce"),
	}
	if server.SupportsGrantType(oauth.GrantTypeCiba) {
		m.BackchannelAuthenticationEndpoint = buildURI(server.Issuer, "bc-authorize")
		m.BackchannelTokenDeliveryModesSupported = []string{"poll"}
		m.BackchannelAuthenticationRequestSigningAlgs = server.RequestObjectSigningAlgValuesSupported
	}
	return m
}

func buildURI(base string, paths ...string) string {
	result := strings.TrimRight(base, "/")
	for _, p := range paths {
		if p == "" {
			continue
		}
		result = fmt.Sprintf("%s/%s", result, strings.Trim(p, "/"))
	}
	return result
}
