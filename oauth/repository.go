package oauth

import "context"

// Repositories return ErrNotFound for unknown or expired records.

type AuthorizationRequestRepository interface {
	Register(ctx context.Context, request *AuthorizationRequest) error
	// Find returns ErrNotFound for unknown ids.
	Find(ctx context.Context, tenant, id string) (*AuthorizationRequest, error)
	// Get is Find for ids that are expected to exist; a miss is a server error.
	Get(ctx context.Context, tenant, id string) (*AuthorizationRequest, error)
	Delete(ctx context.Context, tenant, id string) error
}

type AuthorizationCodeGrantRepository interface {
	Register(ctx context.Context, grant *AuthorizationCodeGrant) error
	Find(ctx context.Context, tenant, code string) (*AuthorizationCodeGrant, error)
	// Delete reports ErrNotFound when another caller consumed the code first.
	Delete(ctx context.Context, tenant, code string) error
}

type CibaGrantRepository interface {
	Register(ctx context.Context, grant *CibaGrant) error
	// Update stores grant only if the stored status still equals expected,
	// otherwise it returns ErrConflict.
	Update(ctx context.Context, grant *CibaGrant, expected CibaStatus) error
	Find(ctx context.Context, tenant, authReqID string) (*CibaGrant, error)
	Delete(ctx context.Context, tenant, authReqID string) error
}

type OAuthTokenRepository interface {
	Register(ctx context.Context, token *OAuthToken) error
	Find(ctx context.Context, tenant, accessToken string) (*OAuthToken, error)
	FindByRefreshToken(ctx context.Context, tenant, refreshToken string) (*OAuthToken, error)
	Delete(ctx context.Context, tenant, id string) error
}

type ServerConfigurationRepository interface {
	Get(ctx context.Context, tenant string) (*ServerConfiguration, error)
}

type ClientConfigurationRepository interface {
	Get(ctx context.Context, tenant, clientID string) (*ClientConfiguration, error)
}

type UserRepository interface {
	FindBySubject(ctx context.Context, tenant, subject string) (*User, error)
	FindByLoginHint(ctx context.Context, tenant, hint string) (*User, error)
	// Authenticate returns ErrNotFound for unknown users and wrong passwords alike.
	Authenticate(ctx context.Context, tenant, username, password string) (*User, error)
}
