package db

import (
	"database/sql"
	"fmt"
	"time"
)

// PendingInstallation binds a GitHub App installation to the user who
// initiated it, between the installation callback and first project
// creation. Deleted atomically when the project is created.
type PendingInstallation struct {
	InstallationID int64
	UserID         string
	AccountLogin   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertPendingInstallation records (or refreshes) the binding. The
// installation id is the primary key, so a repeated callback for the same
// installation re-binds it to the latest initiating user.
func (s *Store) UpsertPendingInstallation(p *PendingInstallation) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		INSERT INTO pending_github_installations (installation_id, user_id, account_login, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (installation_id) DO UPDATE SET
			user_id = excluded.user_id,
			account_login = excluded.account_login,
			updated_at = excluded.updated_at
	`, p.InstallationID, p.UserID, p.AccountLogin, now, now)
	if err != nil {
		return fmt.Errorf("upsert pending installation: %w", err)
	}
	return nil
}

// GetPendingInstallation retrieves a binding. Returns (nil, nil) when absent.
func (s *Store) GetPendingInstallation(installationID int64) (*PendingInstallation, error) {
	return getPendingInstallation(s, installationID)
}

// GetPendingInstallation retrieves a binding inside the transaction.
func (t *TxOps) GetPendingInstallation(installationID int64) (*PendingInstallation, error) {
	return getPendingInstallation(t, installationID)
}

func getPendingInstallation(q dbtx, installationID int64) (*PendingInstallation, error) {
	var p PendingInstallation
	var createdAt, updatedAt string

	err := q.QueryRow(`
		SELECT installation_id, user_id, account_login, created_at, updated_at
		FROM pending_github_installations WHERE installation_id = ?
	`, installationID).Scan(&p.InstallationID, &p.UserID, &p.AccountLogin, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending installation: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ListPendingInstallationsForUser returns the user's unclaimed installations.
func (s *Store) ListPendingInstallationsForUser(userID string) ([]*PendingInstallation, error) {
	rows, err := s.Query(`
		SELECT installation_id, user_id, account_login, created_at, updated_at
		FROM pending_github_installations WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending installations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []*PendingInstallation
	for rows.Next() {
		var p PendingInstallation
		var createdAt, updatedAt string
		if err := rows.Scan(&p.InstallationID, &p.UserID, &p.AccountLogin, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pending installation: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		pending = append(pending, &p)
	}
	return pending, rows.Err()
}

// DeletePendingInstallation consumes the binding. TxOps-only: deletion is
// atomic with project creation.
func (t *TxOps) DeletePendingInstallation(installationID int64) error {
	_, err := t.Exec(`
		DELETE FROM pending_github_installations WHERE installation_id = ?
	`, installationID)
	if err != nil {
		return fmt.Errorf("delete pending installation: %w", err)
	}
	return nil
}
