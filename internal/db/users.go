package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cswenor/conductor-sub003/internal/id"
)

// User is an operator identity backed by a GitHub account.
type User struct {
	ID             string
	GithubID       int64
	Login          string
	Status         string
	AccessTokenEnc string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    *time.Time
}

// UpsertUserByGithubID creates the user on first login and refreshes the
// login name and last-login time afterwards. Returns the stored user.
func (s *Store) UpsertUserByGithubID(githubID int64, login string) (*User, error) {
	now := formatTime(time.Now())

	existing, err := s.GetUserByGithubID(githubID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		userID := id.New(id.PrefixUser)
		_, err := s.Exec(`
			INSERT INTO users (id, github_id, login, status, created_at, updated_at, last_login_at)
			VALUES (?, ?, ?, 'active', ?, ?, ?)
		`, userID, githubID, login, now, now, now)
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		return s.GetUser(userID)
	}

	_, err = s.Exec(`
		UPDATE users SET login = ?, updated_at = ?, last_login_at = ? WHERE id = ?
	`, login, now, now, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update user login: %w", err)
	}
	return s.GetUser(existing.ID)
}

// GetUser retrieves a user by id. Returns (nil, nil) when absent.
func (s *Store) GetUser(userID string) (*User, error) {
	return scanUser(s.QueryRow(`
		SELECT id, github_id, login, status, access_token_enc, created_at, updated_at, last_login_at
		FROM users WHERE id = ?
	`, userID))
}

// GetUserByGithubID retrieves a user by the GitHub numeric id.
func (s *Store) GetUserByGithubID(githubID int64) (*User, error) {
	return scanUser(s.QueryRow(`
		SELECT id, github_id, login, status, access_token_enc, created_at, updated_at, last_login_at
		FROM users WHERE github_id = ?
	`, githubID))
}

// SetUserAccessToken stores the (already encrypted) forge access token.
func (s *Store) SetUserAccessToken(userID, tokenEnc string) error {
	_, err := s.Exec(`
		UPDATE users SET access_token_enc = ?, updated_at = ? WHERE id = ?
	`, tokenEnc, formatTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("set user access token: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var tokenEnc, lastLoginAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.GithubID, &u.Login, &u.Status, &tokenEnc, &createdAt, &updatedAt, &lastLoginAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	if tokenEnc.Valid {
		u.AccessTokenEnc = tokenEnc.String
	}
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	if lastLoginAt.Valid {
		ts := parseTime(lastLoginAt.String)
		u.LastLoginAt = &ts
	}
	return &u, nil
}
