package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// StateTTL bounds how long a signed state parameter stays valid between the
// pre-redirect and the callback.
const StateTTL = 10 * time.Minute

// StatePayload is the context bound to an OAuth round trip. UserID is set
// only on states minted for the installation callback, which must know who
// initiated the flow.
type StatePayload struct {
	Redirect  string `json:"redirect"`
	UserID    string `json:"userId,omitempty"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// NewState builds a payload stamped with a fresh nonce and the current time.
func NewState(redirect, userID string) StatePayload {
	return StatePayload{
		Redirect:  redirect,
		UserID:    userID,
		Nonce:     newNonce(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// SignState encodes the payload as base64url(json) + "." + hex(HMAC-SHA-256
// over the json bytes).
func SignState(secret string, p StatePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw) + "." + hex.EncodeToString(sign(secret, raw)), nil
}

// VerifyState checks the signature in constant time, then the timestamp
// window: states older than StateTTL or from the future are rejected.
func VerifyState(secret, token string) (*StatePayload, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, conductorerrors.ErrStateInvalid("state is not of the form payload.signature")
	}
	want, err := hex.DecodeString(sig)
	if err != nil || len(want) == 0 {
		return nil, conductorerrors.ErrStateInvalid("signature is not hex")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, conductorerrors.ErrStateInvalid("payload is not base64url")
	}
	if !hmac.Equal(want, sign(secret, raw)) {
		return nil, conductorerrors.ErrStateInvalid("signature mismatch")
	}

	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, conductorerrors.ErrStateInvalid("payload is not valid JSON")
	}
	now := time.Now().UnixMilli()
	if p.Timestamp > now {
		return nil, conductorerrors.ErrStateInvalid("timestamp is in the future")
	}
	if now-p.Timestamp > StateTTL.Milliseconds() {
		return nil, conductorerrors.ErrStateInvalid("state has expired")
	}
	return &p, nil
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("auth: nonce entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
