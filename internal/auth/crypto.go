package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// encPrefix marks ciphertext in the access_token_enc column, so rows written
// before a key was configured still read back.
const encPrefix = "gcm:"

// Cipher encrypts forge access tokens at rest with AES-256-GCM. A zero-value
// (keyless) cipher passes tokens through unchanged; config validation forbids
// that in production.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from the configured passphrase. An empty
// passphrase yields a passthrough cipher.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return &Cipher{}, nil
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("derive token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("derive token cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled reports whether tokens are actually encrypted.
func (c *Cipher) Enabled() bool { return c.aead != nil }

// Encrypt seals the token under a fresh nonce. Keyless ciphers return the
// plaintext unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt token: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored value. Values without the ciphertext prefix are
// returned as-is; ciphertext without a configured key is an error rather
// than garbage.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if c.aead == nil {
		return "", fmt.Errorf("decrypt token: value is encrypted but no encryption key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("decrypt token: ciphertext shorter than nonce")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plain), nil
}
