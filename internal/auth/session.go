package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/id"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "conductor_session"

// DefaultSessionTTL applies when no TTL is configured.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Sessions issues and resolves browser sessions. The bearer token lives only
// in the cookie; the store keeps a salted hash, so a leaked database does not
// leak live sessions.
type Sessions struct {
	store  *db.Store
	secret string
	ttl    time.Duration
	secure bool
}

// NewSessions builds the session manager. secure controls the cookie's
// Secure attribute and should be true in production.
func NewSessions(store *db.Store, secret string, ttl time.Duration, secure bool) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{store: store, secret: secret, ttl: ttl, secure: secure}
}

// Create opens a session for the user and returns the bearer token exactly
// once; only its hash is stored.
func (s *Sessions) Create(userID string) (string, *db.Session, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := hex.EncodeToString(raw)

	sess := &db.Session{
		ID:        id.New(id.PrefixSession),
		UserID:    userID,
		TokenHash: s.hashToken(token),
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.store.InsertSession(sess); err != nil {
		return "", nil, err
	}
	return token, sess, nil
}

// Resolve authenticates a bearer token and slides the expiry window. Expired
// sessions are deleted on sight.
func (s *Sessions) Resolve(token string) (*db.Session, *db.User, error) {
	if token == "" {
		return nil, nil, conductorerrors.ErrNotAuthenticated()
	}
	sess, err := s.store.GetSessionByTokenHash(s.hashToken(token))
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, conductorerrors.ErrNotAuthenticated()
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.store.DeleteSession(sess.ID)
		return nil, nil, conductorerrors.ErrNotAuthenticated()
	}

	// The slide is best effort; a failed UPDATE must not log the user out.
	_ = s.store.TouchSession(sess.ID, time.Now().Add(s.ttl))

	user, err := s.store.GetUser(sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, conductorerrors.ErrNotAuthenticated()
	}
	return sess, user, nil
}

// FromRequest resolves the session cookie on r.
func (s *Sessions) FromRequest(r *http.Request) (*db.Session, *db.User, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return nil, nil, conductorerrors.ErrNotAuthenticated()
	}
	return s.Resolve(c.Value)
}

// Cookie builds the session cookie for a freshly created session.
func (s *Sessions) Cookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secure,
	}
}

// ClearCookie builds the logout cookie.
func (s *Sessions) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secure,
	}
}

func (s *Sessions) hashToken(token string) string {
	sum := sha256.Sum256([]byte(s.secret + token))
	return hex.EncodeToString(sum[:])
}
