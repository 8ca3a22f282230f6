package oauth

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"
)

var pkceValuePattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidCodeChallenge checks the RFC 7636 character set and length.
func ValidCodeChallenge(value string) bool {
	return pkceValuePattern.MatchString(value)
}

// VerifyCodeVerifier recomputes the challenge from verifier.
func VerifyCodeVerifier(challenge, method, verifier string) bool {
	if !pkceValuePattern.MatchString(verifier) {
		return false
	}
	var computed string
	switch method {
	case "", CodeChallengeMethodPlain:
		computed = verifier
	case CodeChallengeMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
