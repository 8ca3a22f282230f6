package clientauth

import (
	"context"
	"crypto/subtle"

	"github.com/gematik/zero-lab/go/authzserver/oauth"
)

// SecretAuthenticator implements client_secret_basic and client_secret_post.
type SecretAuthenticator struct {
	Method oauth.ClientAuthenticationMethod
}

func (a *SecretAuthenticator) Authenticate(_ context.Context, req *Request, _ *oauth.ServerConfiguration, client *oauth.ClientConfiguration) (*oauth.ClientCredentials, error) {
	var secret string
	switch a.Method {
	case oauth.ClientSecretBasic:
		if !req.HasBasic || req.BasicClientSecret == "" {
			return nil, oauth.ErrInvalidClient("client_secret_basic requires basic authorization")
		}
		secret = req.BasicClientSecret
	case oauth.ClientSecretPost:
		if req.ClientSecret == "" {
			return nil, oauth.ErrInvalidClient("client_secret_post requires client_secret")
		}
		secret = req.ClientSecret
	default:
		return nil, oauth.ErrUnsupportedClientAuthenticationMethod(a.Method)
	}

	ok, err := verifyClientSecret(client, secret)
	if err != nil {
		return nil, oauth.ErrInvalidClient("client secret cannot be verified").WithCause(err)
	}
	if !ok {
		return nil, oauth.ErrInvalidClient("invalid client secret")
	}
	return &oauth.ClientCredentials{Secret: secret}, nil
}

func verifyClientSecret(client *oauth.ClientConfiguration, secret string) (bool, error) {
	switch {
	case client.ClientSecretHash != "":
		return VerifySecretHash(secret, client.ClientSecretHash)
	case client.ClientSecret != "":
		return subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) == 1, nil
	default:
		return false, nil
	}
}
