package jose

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JwksFetcher retrieves a remote JWK set, e.g. a client's jwks_uri.
type JwksFetcher interface {
	Fetch(ctx context.Context, uri string) (jwk.Set, error)
}

type HTTPJwksFetcher struct {
	client *http.Client
}

func NewHTTPJwksFetcher(timeout time.Duration) *HTTPJwksFetcher {
	return &HTTPJwksFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPJwksFetcher) Fetch(ctx context.Context, uri string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, uri, jwk.WithHTTPClient(f.client))
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", uri, err)
	}
	return set, nil
}
