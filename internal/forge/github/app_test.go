package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, key
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	pemBytes, _ := testKeyPEM(t)
	client, err := New(Options{
		AppID:        314,
		PrivateKey:   pemBytes,
		ClientID:     "Iv1.client",
		ClientSecret: "shhh",
		APIBaseURL:   srv.URL,
		OAuthBaseURL: srv.URL,
	}, nil)
	require.NoError(t, err)
	return client
}

func TestSignAppJWT(t *testing.T) {
	t.Parallel()

	pemBytes, key := testKeyPEM(t)
	client, err := New(Options{AppID: 314, PrivateKey: pemBytes}, nil)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := client.signAppJWT(now)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"alg":"RS256","typ":"JWT"}`, string(headerJSON))

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims struct {
		Iat int64  `json:"iat"`
		Exp int64  `json:"exp"`
		Iss string `json:"iss"`
	}
	require.NoError(t, json.Unmarshal(claimsJSON, &claims))
	assert.Equal(t, "314", claims.Iss)
	assert.Equal(t, now.Add(-time.Minute).Unix(), claims.Iat)
	assert.Equal(t, now.Add(appJWTLifetime).Unix(), claims.Exp)

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestParsePrivateKey(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	parsed, err := parsePrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})
	parsed, err = parsePrivateKey(pkcs8)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(key))

	_, err = parsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
}

func TestInstallationToken_CachesUntilNearExpiry(t *testing.T) {
	t.Parallel()

	var mints atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /app/installations/99/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "),
			"installation token endpoint needs the app JWT")
		mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_mint%d","expires_at":%q}`,
			mints.Load(), time.Now().Add(time.Hour).Format(time.RFC3339))
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	first, err := client.InstallationToken(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "ghs_mint1", first)

	second, err := client.InstallationToken(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, mints.Load(), "second call must hit the cache")

	// Force the cached token near expiry; the next call re-mints.
	client.mu.Lock()
	client.tokens[99] = cachedToken{token: first, expiresAt: time.Now().Add(time.Minute)}
	client.mu.Unlock()

	third, err := client.InstallationToken(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "ghs_mint2", third)
	assert.EqualValues(t, 2, mints.Load())
}

func TestInstallationToken_RequiresKey(t *testing.T) {
	t.Parallel()

	client, err := New(Options{AppID: 314}, nil)
	require.NoError(t, err)

	_, err = client.InstallationToken(context.Background(), 99)
	assert.ErrorContains(t, err, "private key not configured")
}
