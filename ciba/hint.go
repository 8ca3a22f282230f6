package ciba

import (
	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// subjectFromIDTokenHint verifies an ID token this server issued earlier.
// Expired ID tokens are accepted as hints.
func subjectFromIDTokenHint(hint string, server *oauth.ServerConfiguration) (string, error) {
	if server.SigningKey == nil {
		return "", oauth.ErrInvalidRequest("id_token_hint is not supported")
	}
	set := jwk.NewSet()
	if err := set.AddKey(server.SigningKey); err != nil {
		return "", oauth.ErrServerError(err)
	}
	public, err := jose.PublicSet(set)
	if err != nil {
		return "", oauth.ErrServerError(err)
	}
	claims, err := jose.Verify(hint, public)
	if err != nil {
		return "", oauth.ErrInvalidRequest("id_token_hint cannot be verified").WithCause(err)
	}
	if claims.String("iss") != server.Issuer || claims.String("sub") == "" {
		return "", oauth.ErrInvalidRequest("id_token_hint was not issued by this server")
	}
	return claims.String("sub"), nil
}
