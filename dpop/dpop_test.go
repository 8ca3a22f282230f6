package dpop_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/dpop"
	"github.com/gematik/zero-lab/go/authzserver/nonce"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenEndpoint = "https://issuer/token"

func TestSignAndParse(t *testing.T) {
	key, err := dpop.NewPrivateKey()
	require.NoError(t, err)

	proof := dpop.NewProof(http.MethodPost, tokenEndpoint)
	proof.Nonce = "n-1"
	signed, err := proof.Sign(key)
	require.NoError(t, err)

	parsed, err := dpop.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, parsed.HttpMethod)
	assert.Equal(t, tokenEndpoint, parsed.HttpURI)
	assert.Equal(t, "n-1", parsed.Nonce)
	assert.Equal(t, key.Thumbprint, parsed.KeyThumbprint)

	_, err = dpop.Parse(signed[:len(signed)-4] + "AAAA")
	assert.Error(t, err)
}

func requireDPoPError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, oauth.AsError(err).Code)
}

func TestVerifier(t *testing.T) {
	key, err := dpop.NewPrivateKey()
	require.NoError(t, err)
	verifier := &dpop.Verifier{Replay: storage.NewMemoryReplayStore()}
	ctx := context.Background()

	signed, err := dpop.NewProof(http.MethodPost, tokenEndpoint).Sign(key)
	require.NoError(t, err)

	proof, err := verifier.Verify(ctx, signed, http.MethodPost, tokenEndpoint)
	require.NoError(t, err)
	assert.Equal(t, key.Thumbprint, proof.KeyThumbprint)

	_, err = verifier.Verify(ctx, signed, http.MethodPost, tokenEndpoint)
	requireDPoPError(t, err, oauth.CodeInvalidDPoPProof)

	wrongMethod, err := dpop.NewProof(http.MethodGet, tokenEndpoint).Sign(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, wrongMethod, http.MethodPost, tokenEndpoint)
	requireDPoPError(t, err, oauth.CodeInvalidDPoPProof)

	wrongURI, err := dpop.NewProof(http.MethodPost, "https://other/token").Sign(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, wrongURI, http.MethodPost, tokenEndpoint)
	requireDPoPError(t, err, oauth.CodeInvalidDPoPProof)

	old := dpop.NewProof(http.MethodPost, tokenEndpoint)
	old.IssuedAt = time.Now().Add(-time.Hour)
	oldSigned, err := old.Sign(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, oldSigned, http.MethodPost, tokenEndpoint)
	requireDPoPError(t, err, oauth.CodeInvalidDPoPProof)
}

func TestVerifierNonce(t *testing.T) {
	key, err := dpop.NewPrivateKey()
	require.NoError(t, err)
	nonces, err := nonce.NewHashicorpService()
	require.NoError(t, err)
	verifier := &dpop.Verifier{Nonces: nonces, NonceRequired: true}
	ctx := context.Background()

	withoutNonce, err := dpop.NewProof(http.MethodPost, tokenEndpoint).Sign(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, withoutNonce, http.MethodPost, tokenEndpoint)
	requireDPoPError(t, err, oauth.CodeUseDPoPNonce)

	n, err := nonces.Get(ctx)
	require.NoError(t, err)
	proof := dpop.NewProof(http.MethodPost, tokenEndpoint)
	proof.Nonce = n
	signed, err := proof.Sign(key)
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, signed, http.MethodPost, tokenEndpoint)
	require.NoError(t, err)
}

func TestFromRequest(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, tokenEndpoint, nil)
	require.NoError(t, err)
	proof, err := dpop.FromRequest(req)
	require.NoError(t, err)
	assert.Empty(t, proof)

	req.Header.Add(dpop.DPoPHeaderName, "a")
	req.Header.Add(dpop.DPoPHeaderName, "b")
	_, err = dpop.FromRequest(req)
	assert.Error(t, err)
}
