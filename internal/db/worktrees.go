package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Worktree is a filesystem-isolated checkout for one run. A partial unique
// index guarantees at most one active worktree per run.
type Worktree struct {
	ID         string
	RunID      string
	ProjectID  string
	RepoID     string
	Path       string
	Branch     string
	BaseCommit string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Worktree statuses.
const (
	WorktreeStatusActive   = "active"
	WorktreeStatusCleaned  = "cleaned"
	WorktreeStatusOrphaned = "orphaned"
)

// InsertWorktree creates a worktree row in status active. TxOps-only: the
// row commits together with its port allocations and the run's branch.
func (t *TxOps) InsertWorktree(w *Worktree) error {
	if w.Status == "" {
		w.Status = WorktreeStatusActive
	}
	now := formatTime(time.Now())

	_, err := t.Exec(`
		INSERT INTO worktrees (id, run_id, project_id, repo_id, path, branch, base_commit, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.RunID, w.ProjectID, w.RepoID, w.Path, w.Branch, w.BaseCommit, w.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert worktree: %w", err)
	}
	w.CreatedAt = parseTime(now)
	w.UpdatedAt = parseTime(now)
	return nil
}

// GetWorktree retrieves a worktree by id. Returns (nil, nil) when absent.
func (s *Store) GetWorktree(worktreeID string) (*Worktree, error) {
	return scanWorktree(s.QueryRow(`
		SELECT id, run_id, project_id, repo_id, path, branch, base_commit, status, created_at, updated_at
		FROM worktrees WHERE id = ?
	`, worktreeID))
}

// GetActiveWorktreeForRun returns the run's active worktree, (nil, nil) when
// none.
func (s *Store) GetActiveWorktreeForRun(runID string) (*Worktree, error) {
	return getActiveWorktreeForRun(s, runID)
}

// GetActiveWorktreeForRun resolves the active worktree inside the transaction.
func (t *TxOps) GetActiveWorktreeForRun(runID string) (*Worktree, error) {
	return getActiveWorktreeForRun(t, runID)
}

func getActiveWorktreeForRun(q dbtx, runID string) (*Worktree, error) {
	return scanWorktree(q.QueryRow(`
		SELECT id, run_id, project_id, repo_id, path, branch, base_commit, status, created_at, updated_at
		FROM worktrees WHERE run_id = ? AND status = 'active'
	`, runID))
}

// ListWorktreesByStatus returns worktrees in the given status.
func (s *Store) ListWorktreesByStatus(status string) ([]*Worktree, error) {
	rows, err := s.Query(`
		SELECT id, run_id, project_id, repo_id, path, branch, base_commit, status, created_at, updated_at
		FROM worktrees WHERE status = ? ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var worktrees []*Worktree
	for rows.Next() {
		var w Worktree
		var createdAt, updatedAt string
		err := rows.Scan(&w.ID, &w.RunID, &w.ProjectID, &w.RepoID, &w.Path, &w.Branch, &w.BaseCommit, &w.Status, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		w.CreatedAt = parseTime(createdAt)
		w.UpdatedAt = parseTime(updatedAt)
		worktrees = append(worktrees, &w)
	}
	return worktrees, rows.Err()
}

// UpdateWorktreeStatus moves a worktree to cleaned or orphaned. TxOps-only:
// status changes commit with the port release that accompanies them.
func (t *TxOps) UpdateWorktreeStatus(worktreeID, status string) error {
	_, err := t.Exec(`
		UPDATE worktrees SET status = ?, updated_at = ? WHERE id = ?
	`, status, formatTime(time.Now()), worktreeID)
	if err != nil {
		return fmt.Errorf("update worktree status: %w", err)
	}
	return nil
}

func scanWorktree(row *sql.Row) (*Worktree, error) {
	var w Worktree
	var createdAt, updatedAt string

	err := row.Scan(&w.ID, &w.RunID, &w.ProjectID, &w.RepoID, &w.Path, &w.Branch, &w.BaseCommit, &w.Status, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan worktree: %w", err)
	}

	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}
