package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Repo is one source repository inside a project.
type Repo struct {
	ID            string
	ProjectID     string
	GithubID      int64
	NodeID        string
	Owner         string
	Name          string
	DefaultBranch string
	ProfileID     string
	Status        string
	LastFetchedAt *time.Time
}

// Repo statuses.
const (
	RepoStatusActive   = "active"
	RepoStatusInactive = "inactive"
	RepoStatusSyncing  = "syncing"
	RepoStatusError    = "error"
)

// UpsertRepo inserts the repo or refreshes its mutable fields when a row
// with the same node id already exists. The node id is GitHub's stable
// GraphQL identifier for the repository.
func (s *Store) UpsertRepo(r *Repo) error {
	_, err := s.Exec(`
		INSERT INTO repos (id, project_id, github_id, node_id, owner, name, default_branch, profile_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			default_branch = excluded.default_branch,
			status = excluded.status
	`, r.ID, r.ProjectID, r.GithubID, r.NodeID, r.Owner, r.Name, r.DefaultBranch, nullString(r.ProfileID), r.Status)
	if err != nil {
		return fmt.Errorf("upsert repo: %w", err)
	}
	return nil
}

// GetRepo retrieves a repo by id. Returns (nil, nil) when absent.
func (s *Store) GetRepo(repoID string) (*Repo, error) {
	return getRepo(s, repoID)
}

// GetRepo retrieves a repo inside the transaction.
func (t *TxOps) GetRepo(repoID string) (*Repo, error) {
	return getRepo(t, repoID)
}

func getRepo(q dbtx, repoID string) (*Repo, error) {
	return scanRepo(q.QueryRow(`
		SELECT id, project_id, github_id, node_id, owner, name, default_branch, profile_id, status, last_fetched_at
		FROM repos WHERE id = ?
	`, repoID))
}

// GetRepoByNodeID retrieves a repo by GitHub node id.
func (s *Store) GetRepoByNodeID(nodeID string) (*Repo, error) {
	return scanRepo(s.QueryRow(`
		SELECT id, project_id, github_id, node_id, owner, name, default_branch, profile_id, status, last_fetched_at
		FROM repos WHERE node_id = ?
	`, nodeID))
}

// ListReposForProject returns the project's repos ordered by name.
func (s *Store) ListReposForProject(projectID string) ([]*Repo, error) {
	rows, err := s.Query(`
		SELECT id, project_id, github_id, node_id, owner, name, default_branch, profile_id, status, last_fetched_at
		FROM repos WHERE project_id = ? ORDER BY owner, name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*Repo
	for rows.Next() {
		var r Repo
		var profileID, lastFetchedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.GithubID, &r.NodeID, &r.Owner, &r.Name, &r.DefaultBranch, &profileID, &r.Status, &lastFetchedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		if profileID.Valid {
			r.ProfileID = profileID.String
		}
		if lastFetchedAt.Valid {
			ts := parseTime(lastFetchedAt.String)
			r.LastFetchedAt = &ts
		}
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

// UpdateRepoStatus sets the repo status.
func (s *Store) UpdateRepoStatus(repoID, status string) error {
	_, err := s.Exec(`UPDATE repos SET status = ? WHERE id = ?`, status, repoID)
	if err != nil {
		return fmt.Errorf("update repo status: %w", err)
	}
	return nil
}

// TouchRepoFetched records a successful clone or fetch.
func (s *Store) TouchRepoFetched(repoID string) error {
	_, err := s.Exec(`
		UPDATE repos SET last_fetched_at = ?, status = ? WHERE id = ?
	`, formatTime(time.Now()), RepoStatusActive, repoID)
	if err != nil {
		return fmt.Errorf("touch repo fetched: %w", err)
	}
	return nil
}

func scanRepo(row *sql.Row) (*Repo, error) {
	var r Repo
	var profileID, lastFetchedAt sql.NullString

	err := row.Scan(&r.ID, &r.ProjectID, &r.GithubID, &r.NodeID, &r.Owner, &r.Name, &r.DefaultBranch, &profileID, &r.Status, &lastFetchedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan repo: %w", err)
	}

	if profileID.Valid {
		r.ProfileID = profileID.String
	}
	if lastFetchedAt.Valid {
		ts := parseTime(lastFetchedAt.String)
		r.LastFetchedAt = &ts
	}
	return &r, nil
}
