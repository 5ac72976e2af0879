package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Project is a configured workspace owning repositories. Each project binds
// one GitHub App installation to one user and reserves a port range for its
// worktrees.
type Project struct {
	ID             string
	UserID         string
	Name           string
	OrgLogin       string
	OrgID          int64
	InstallationID int64
	DefaultBranch  string
	PortRangeStart int
	PortRangeEnd   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertProject creates a project row. It lives on TxOps because project
// creation consumes a pending installation in the same transaction.
func (t *TxOps) InsertProject(p *Project) error {
	now := formatTime(time.Now())
	_, err := t.Exec(`
		INSERT INTO projects (id, user_id, name, org_login, org_id, installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, p.OrgLogin, p.OrgID, p.InstallationID, p.DefaultBranch, p.PortRangeStart, p.PortRangeEnd, now, now)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.CreatedAt = parseTime(now)
	p.UpdatedAt = parseTime(now)
	return nil
}

// GetProject retrieves a project by id. Returns (nil, nil) when absent.
func (s *Store) GetProject(projectID string) (*Project, error) {
	return getProject(s, projectID)
}

// GetProject retrieves a project inside the transaction.
func (t *TxOps) GetProject(projectID string) (*Project, error) {
	return getProject(t, projectID)
}

func getProject(q dbtx, projectID string) (*Project, error) {
	return scanProject(q.QueryRow(`
		SELECT id, user_id, name, org_login, org_id, installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE id = ?
	`, projectID))
}

// GetProjectByInstallation retrieves the project bound to a GitHub App
// installation for the given user.
func (s *Store) GetProjectByInstallation(userID string, installationID int64) (*Project, error) {
	return scanProject(s.QueryRow(`
		SELECT id, user_id, name, org_login, org_id, installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE user_id = ? AND installation_id = ?
	`, userID, installationID))
}

// GetProjectByInstallationID retrieves the project bound to an installation
// regardless of owner. Used by webhook routing where only the installation
// id is known.
func (s *Store) GetProjectByInstallationID(installationID int64) (*Project, error) {
	return scanProject(s.QueryRow(`
		SELECT id, user_id, name, org_login, org_id, installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE installation_id = ?
	`, installationID))
}

// ListProjectsForUser returns the user's projects, newest first.
func (s *Store) ListProjectsForUser(userID string) ([]*Project, error) {
	rows, err := s.Query(`
		SELECT id, user_id, name, org_login, org_id, installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectPortRange reassigns the reserved port range.
func (s *Store) UpdateProjectPortRange(projectID string, start, end int) error {
	_, err := s.Exec(`
		UPDATE projects SET port_range_start = ?, port_range_end = ?, updated_at = ? WHERE id = ?
	`, start, end, formatTime(time.Now()), projectID)
	if err != nil {
		return fmt.Errorf("update project port range: %w", err)
	}
	return nil
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.OrgLogin, &p.OrgID, &p.InstallationID, &p.DefaultBranch, &p.PortRangeStart, &p.PortRangeEnd, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanProjectRow(rows *sql.Rows) (*Project, error) {
	var p Project
	var createdAt, updatedAt string

	err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.OrgLogin, &p.OrgID, &p.InstallationID, &p.DefaultBranch, &p.PortRangeStart, &p.PortRangeEnd, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
