package clientauth

import (
	"context"
	"slices"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// grant types a public client may use without authenticating. The empty
// grant type covers PAR and revocation.
var publicGrantTypes = []string{"", oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}

type NoneAuthenticator struct{}

func (a *NoneAuthenticator) Authenticate(_ context.Context, req *Request, _ *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	if !client.IsPublic() {
		return nil, oauth.ErrInvalidClient("confidential client must authenticate")
	}
	if !slices.Contains(publicGrantTypes, req.GrantType) {
		return nil, oauth.ErrInvalidClient("grant_type '%s' requires client authentication", req.GrantType)
	}
	if req.presentedProofs() > 0 {
		return nil, oauth.ErrInvalidClient("public client must not present credentials")
	}
	return &oauth.ClientCredentials{}, nil
}
