package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// tokenExpiryBuffer is how long before expiry a cached installation token
// stops being handed out. GitHub tokens live an hour; a stale token given to
// a long fetch would fail mid-operation.
const tokenExpiryBuffer = 5 * time.Minute

// appJWTLifetime stays under GitHub's 10 minute maximum.
const appJWTLifetime = 9 * time.Minute

// InstallationToken mints (or returns a cached) short-lived token for the
// installation. Tokens are cached per installation until shortly before
// their expiry.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if c.key == nil {
		return "", errors.New("github app private key not configured")
	}

	c.mu.Lock()
	cached, ok := c.tokens[installationID]
	c.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > tokenExpiryBuffer {
		return cached.token, nil
	}

	jwt, err := c.signAppJWT(time.Now())
	if err != nil {
		return "", err
	}

	token, _, err := c.api(c.httpClient).WithAuthToken(jwt).Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", classify("create installation token", err)
	}
	if token.GetToken() == "" {
		return "", conductorerrors.ErrForgeTransient("create installation token", errors.New("empty token in response"))
	}

	c.mu.Lock()
	c.tokens[installationID] = cachedToken{
		token:     token.GetToken(),
		expiresAt: token.GetExpiresAt().Time,
	}
	c.mu.Unlock()

	c.logger.Debug("minted installation token",
		"installation_id", installationID, "expires_at", token.GetExpiresAt().Time)
	return token.GetToken(), nil
}

// signAppJWT produces the RS256 app JWT GitHub requires for installation
// endpoints. iat is backdated a minute to absorb clock skew.
func (c *Client) signAppJWT(now time.Time) (string, error) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims := fmt.Sprintf(`{"iat":%d,"exp":%d,"iss":"%d"}`,
		now.Add(-time.Minute).Unix(), now.Add(appJWTLifetime).Unix(), c.appID)
	payload := base64.RawURLEncoding.EncodeToString([]byte(claims))

	signing := header + "." + payload
	digest := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// parsePrivateKey reads an RSA key from PEM, accepting both the PKCS#1
// format GitHub serves and PKCS#8 re-encodings.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("github private key: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse github private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github private key is not RSA")
	}
	return key, nil
}
