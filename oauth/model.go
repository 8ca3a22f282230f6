package oauth

import (
	"crypto/x509"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ClientCredentials is the outcome of a successful client authentication.
// Only the proof that was actually used is set.
type ClientCredentials struct {
	Tenant      string
	ClientID    string
	Method      ClientAuthenticationMethod
	Secret      string
	PublicKey   jwk.Key
	Assertion   string
	Certificate *x509.Certificate
}

type RequestPattern string

const (
	PatternNormal        RequestPattern = "NORMAL"
	PatternRequestObject RequestPattern = "REQUEST_OBJECT"
	PatternRequestURI    RequestPattern = "REQUEST_URI"
)

// AuthorizationRequest holds the parameters of one authorization attempt
// after the pipeline accepted them.
type AuthorizationRequest struct {
	ID                   string               `json:"id"`
	Tenant               string               `json:"tenant"`
	Pattern              RequestPattern       `json:"pattern"`
	ClientID             string               `json:"client_id"`
	ResponseType         string               `json:"response_type"`
	ResponseMode         string               `json:"response_mode,omitempty"`
	RedirectURI          string               `json:"redirect_uri"`
	Scopes               []string             `json:"scopes"`
	State                string               `json:"state,omitempty"`
	Nonce                string               `json:"nonce,omitempty"`
	CodeChallenge        string               `json:"code_challenge,omitempty"`
	CodeChallengeMethod  string               `json:"code_challenge_method,omitempty"`
	AuthorizationDetails AuthorizationDetails `json:"authorization_details,omitempty"`
	Prompt               string               `json:"prompt,omitempty"`
	LoginHint            string               `json:"login_hint,omitempty"`
	ACRValues            []string             `json:"acr_values,omitempty"`
	Request              string               `json:"request,omitempty"`
	RequestURI           string               `json:"request_uri,omitempty"`
	Pushed               bool                 `json:"pushed,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	ExpiresAt            time.Time            `json:"expires_at"`
}

// Authentication records how the resource owner was authenticated.
type Authentication struct {
	Time time.Time `json:"time"`
	ACR  string    `json:"acr,omitempty"`
	AMR  []string  `json:"amr,omitempty"`
}

// AuthorizationGrant is what the resource owner granted to a client.
type AuthorizationGrant struct {
	Subject              string               `json:"sub,omitempty"`
	ClientID             string               `json:"client_id"`
	Scopes               []string             `json:"scopes"`
	Authentication       *Authentication      `json:"authentication,omitempty"`
	Claims               map[string]any       `json:"claims,omitempty"`
	AuthorizationDetails AuthorizationDetails `json:"authorization_details,omitempty"`
}

type AuthorizationCodeGrant struct {
	Code                string             `json:"code"`
	Tenant              string             `json:"tenant"`
	RequestID           string             `json:"request_id"`
	ClientID            string             `json:"client_id"`
	RedirectURI         string             `json:"redirect_uri"`
	CodeChallenge       string             `json:"code_challenge,omitempty"`
	CodeChallengeMethod string             `json:"code_challenge_method,omitempty"`
	Nonce               string             `json:"nonce,omitempty"`
	Grant               AuthorizationGrant `json:"grant"`
	ExpiresAt           time.Time          `json:"expires_at"`
}

func (g *AuthorizationCodeGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

type User struct {
	Subject      string         `yaml:"sub" json:"sub" validate:"required"`
	Username     string         `yaml:"username" json:"username,omitempty"`
	PasswordHash string         `yaml:"password_hash" json:"-"`
	Email        string         `yaml:"email" json:"email,omitempty"`
	PhoneNumber  string         `yaml:"phone_number" json:"phone_number,omitempty"`
	Name         string         `yaml:"name" json:"name,omitempty"`
	Claims       map[string]any `yaml:"claims" json:"claims,omitempty"`
}

// LoginHints are the identifiers a CIBA login_hint may refer to.
func (u *User) LoginHints() []string {
	hints := []string{u.Subject}
	for _, h := range []string{u.Username, u.Email, u.PhoneNumber} {
		if h != "" {
			hints = append(hints, h)
		}
	}
	return hints
}

type CibaStatus string

const (
	CibaStatusPending    CibaStatus = "pending"
	CibaStatusAuthorized CibaStatus = "authorized"
	CibaStatusDenied     CibaStatus = "denied"
	CibaStatusConsumed   CibaStatus = "consumed"
)

// CibaGrant is a backchannel authentication request and its lifecycle.
// Expiry is never stored as a status; it is derived from ExpiresAt.
type CibaGrant struct {
	ID                   string               `json:"id"`
	Tenant               string               `json:"tenant"`
	AuthReqID            string               `json:"auth_req_id"`
	ClientID             string               `json:"client_id"`
	Subject              string               `json:"sub"`
	Scopes               []string             `json:"scopes"`
	AuthorizationDetails AuthorizationDetails `json:"authorization_details,omitempty"`
	BindingMessage       string               `json:"binding_message,omitempty"`
	ACRValues            []string             `json:"acr_values,omitempty"`
	Status               CibaStatus           `json:"status"`
	Interval             int                  `json:"interval"`
	CreatedAt            time.Time            `json:"created_at"`
	ExpiresAt            time.Time            `json:"expires_at"`
	Grant                *AuthorizationGrant  `json:"grant,omitempty"`
}

func (g *CibaGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// OAuthToken is one issued token bundle.
type OAuthToken struct {
	ID                    string             `json:"id"`
	Tenant                string             `json:"tenant"`
	ClientID              string             `json:"client_id"`
	TokenType             string             `json:"token_type"`
	AccessToken           string             `json:"access_token"`
	RefreshToken          string             `json:"refresh_token,omitempty"`
	IDToken               string             `json:"id_token,omitempty"`
	Scopes                []string           `json:"scopes"`
	Grant                 AuthorizationGrant `json:"grant"`
	Confirmation          map[string]string  `json:"cnf,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	AccessTokenExpiresAt  time.Time          `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time          `json:"refresh_token_expires_at,omitempty"`
}

type TokenResponse struct {
	AccessToken          string               `json:"access_token"`
	TokenType            string               `json:"token_type"`
	ExpiresIn            int                  `json:"expires_in"`
	Scope                string               `json:"scope,omitempty"`
	RefreshToken         string               `json:"refresh_token,omitempty"`
	IDToken              string               `json:"id_token,omitempty"`
	AuthorizationDetails AuthorizationDetails `json:"authorization_details,omitempty"`
}

func (t *OAuthToken) Response(now time.Time) *TokenResponse {
	return &TokenResponse{
		AccessToken:          t.AccessToken,
		TokenType:            t.TokenType,
		ExpiresIn:            int(t.AccessTokenExpiresAt.Sub(now).Seconds()),
		Scope:                JoinScope(t.Scopes),
		RefreshToken:         t.RefreshToken,
		IDToken:              t.IDToken,
		AuthorizationDetails: t.Grant.AuthorizationDetails,
	}
}
