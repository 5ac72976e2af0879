package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Session is a browser session. Only the salted hash of the bearer token is
// stored; the token itself lives in the cookie.
type Session struct {
	ID         string
	UserID     string
	TokenHash  string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
}

// InsertSession creates a session row.
func (s *Store) InsertSession(sess *Session) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		INSERT INTO sessions (id, user_id, token_hash, created_at, last_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.TokenHash, now, now, formatTime(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash resolves a session. Returns (nil, nil) when absent.
func (s *Store) GetSessionByTokenHash(tokenHash string) (*Session, error) {
	var sess Session
	var createdAt, lastSeenAt, expiresAt string

	err := s.QueryRow(`
		SELECT id, user_id, token_hash, created_at, last_seen_at, expires_at
		FROM sessions WHERE token_hash = ?
	`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &createdAt, &lastSeenAt, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.CreatedAt = parseTime(createdAt)
	sess.LastSeenAt = parseTime(lastSeenAt)
	sess.ExpiresAt = parseTime(expiresAt)
	return &sess, nil
}

// TouchSession slides the expiry window on activity.
func (s *Store) TouchSession(sessionID string, expiresAt time.Time) error {
	_, err := s.Exec(`
		UPDATE sessions SET last_seen_at = ?, expires_at = ? WHERE id = ?
	`, formatTime(time.Now()), formatTime(expiresAt), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session (logout).
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes every session past its expiry and returns
// how many were removed.
func (s *Store) DeleteExpiredSessions() (int, error) {
	res, err := s.Exec(`DELETE FROM sessions WHERE expires_at < ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions rows affected: %w", err)
	}
	return int(n), nil
}
