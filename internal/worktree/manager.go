// Package worktree manages per-run repository checkouts inside the repo
// store. Each project/repo pair owns one bare mirror; every run gets an
// isolated worktree with its own branch and reserved ports.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/git"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/lock"
	"github.com/cswenor/conductor-sub003/internal/util"
)

// DefaultPortsPerWorktree is how many ports each run reserves from its
// project's range: one for the app under test, one for a preview server.
const DefaultPortsPerWorktree = 2

// MarkerFile is written inside each checkout so a directory on disk can be
// traced back to its run without a database lookup.
const MarkerFile = ".conductor/worktree.json"

// Marker is the sidecar document inside a checkout.
type Marker struct {
	WorktreeID string    `json:"worktree_id"`
	RunID      string    `json:"run_id"`
	ProjectID  string    `json:"project_id"`
	RepoID     string    `json:"repo_id"`
	Branch     string    `json:"branch"`
	BaseCommit string    `json:"base_commit"`
	Ports      []int     `json:"ports,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Layout maps ids to paths under the repo store root:
//
//	<root>/<projectId>/<repoId>/repo.git        bare mirror
//	<root>/<projectId>/<repoId>/worktrees/<runId>/  checkout
type Layout struct {
	Root string
}

// RepoDir is the directory owning one repository's mirror and checkouts.
func (l Layout) RepoDir(projectID, repoID string) string {
	return filepath.Join(l.Root, projectID, repoID)
}

// MirrorDir is the bare clone all worktrees share.
func (l Layout) MirrorDir(projectID, repoID string) string {
	return filepath.Join(l.RepoDir(projectID, repoID), "repo.git")
}

// WorktreesDir holds the per-run checkouts.
func (l Layout) WorktreesDir(projectID, repoID string) string {
	return filepath.Join(l.RepoDir(projectID, repoID), "worktrees")
}

// WorktreePath is the checkout directory for one run.
func (l Layout) WorktreePath(projectID, repoID, runID string) string {
	return filepath.Join(l.WorktreesDir(projectID, repoID), runID)
}

// Manager implements the worktree lifecycle.
type Manager struct {
	store  *db.Store
	git    *git.Client
	layout Layout
	logger *slog.Logger

	// PortsPerWorktree is how many ports CreateWorktree reserves.
	PortsPerWorktree int
}

// NewManager creates a Manager rooted at rootDir.
func NewManager(store *db.Store, gitClient *git.Client, rootDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:            store,
		git:              gitClient,
		layout:           Layout{Root: rootDir},
		logger:           logger,
		PortsPerWorktree: DefaultPortsPerWorktree,
	}
}

// Layout exposes the path scheme, mostly for the janitor and tests.
func (m *Manager) Layout() Layout {
	return m.layout
}

// CloneOrFetchRepo brings the repository's bare mirror up to date,
// initializing it on first use. Idempotent. A lease on the repo directory
// keeps concurrent run starts from interleaving fetches; the installation
// token travels only in the fetch URL and never lands on disk.
func (m *Manager) CloneOrFetchRepo(ctx context.Context, projectID, repoID, owner, name, installationToken string) error {
	repoDir := m.layout.RepoDir(projectID, repoID)
	mirror := m.layout.MirrorDir(projectID, repoID)

	guard := lock.NewGuard(repoDir, 0)
	if err := guard.Acquire(); err != nil {
		return fmt.Errorf("lock repo store %s/%s: %w", projectID, repoID, err)
	}
	defer func() {
		if err := guard.Release(); err != nil {
			m.logger.Warn("release repo store lock failed", "repo_id", repoID, "error", err)
		}
	}()

	if !m.git.IsRepo(ctx, mirror) {
		if err := m.git.InitBare(ctx, mirror); err != nil {
			return err
		}
		m.logger.Info("initialized bare mirror", "project_id", projectID, "repo_id", repoID)
	}

	if err := m.git.Fetch(ctx, mirror, git.AuthURL(owner, name, installationToken)); err != nil {
		if serr := m.store.UpdateRepoStatus(repoID, db.RepoStatusError); serr != nil {
			m.logger.Warn("record repo fetch failure failed", "repo_id", repoID, "error", serr)
		}
		return conductorerrors.ErrForgeTransient(fmt.Sprintf("fetch %s/%s", owner, name), err)
	}
	if err := m.store.TouchRepoFetched(repoID); err != nil {
		m.logger.Warn("record repo fetch time failed", "repo_id", repoID, "error", err)
	}
	return nil
}

// CreateWorktree checks out a fresh branch for the run and reserves its
// ports, committing the worktree row, the port allocations, and the run's
// branch in one transaction. Fails with WORKTREE_EXISTS when the run already
// has an active worktree.
func (m *Manager) CreateWorktree(ctx context.Context, runID, projectID, repoID, baseBranch string) (*db.Worktree, error) {
	existing, err := m.store.GetActiveWorktreeForRun(runID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, conductorerrors.ErrWorktreeExists(runID)
	}

	run, err := m.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, conductorerrors.ErrRunNotFound(runID)
	}
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, conductorerrors.ErrProjectNotFound(projectID)
	}
	repo, err := m.store.GetRepo(repoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, conductorerrors.ErrRepoNotFound(repoID)
	}

	baseRef := baseBranch
	if baseRef == "" {
		baseRef = repo.DefaultBranch
	}
	if baseRef == "" {
		baseRef = project.DefaultBranch
	}

	mirror := m.layout.MirrorDir(projectID, repoID)
	baseCommit, err := m.git.RevParse(ctx, mirror, baseRef)
	if err != nil {
		return nil, fmt.Errorf("resolve base %q: %w", baseRef, err)
	}

	branch := git.RunBranch(runID, run.RunNumber)
	path := m.layout.WorktreePath(projectID, repoID, runID)
	if err := m.git.AddWorktree(ctx, mirror, path, branch, baseCommit); err != nil {
		return nil, err
	}

	wt := &db.Worktree{
		ID:         id.NewWorktree(),
		RunID:      runID,
		ProjectID:  projectID,
		RepoID:     repoID,
		Path:       path,
		Branch:     branch,
		BaseCommit: baseCommit,
		Status:     db.WorktreeStatusActive,
	}

	var ports []int
	err = m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := tx.InsertWorktree(wt); err != nil {
			return err
		}
		allocated, err := tx.AllocatePorts(projectID, wt.ID, project.PortRangeStart, project.PortRangeEnd, m.PortsPerWorktree)
		if err != nil {
			if err == db.ErrNoFreePorts {
				return conductorerrors.ErrNoFreePorts(projectID)
			}
			return err
		}
		ports = allocated
		return tx.SetRunBranch(runID, branch, baseCommit)
	})
	if err != nil {
		// The checkout exists but the row never committed. Undo the
		// filesystem so a retry starts clean.
		m.discardCheckout(ctx, mirror, path, branch)
		return nil, err
	}

	m.writeMarker(wt, ports)
	m.logger.Info("worktree created",
		"run_id", runID, "worktree_id", wt.ID, "branch", branch, "ports", ports)
	return wt, nil
}

// GetWorktreeForRun returns the run's active worktree, nil when none exists.
func (m *Manager) GetWorktreeForRun(runID string) (*db.Worktree, error) {
	return m.store.GetActiveWorktreeForRun(runID)
}

// CleanupWorktree retires the run's active worktree: the row flips to
// cleaned and its ports are released in one transaction, then the checkout
// and branch are removed best effort. A second call is a no-op, and a
// filesystem failure is logged rather than returned; the janitor sweeps up
// whatever is left behind.
func (m *Manager) CleanupWorktree(ctx context.Context, runID string) error {
	wt, err := m.store.GetActiveWorktreeForRun(runID)
	if err != nil {
		return err
	}
	if wt == nil {
		return nil
	}

	var released int
	err = m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := tx.UpdateWorktreeStatus(wt.ID, db.WorktreeStatusCleaned); err != nil {
			return err
		}
		n, err := tx.ReleasePortsForWorktree(wt.ID)
		if err != nil {
			return err
		}
		released = n
		return nil
	})
	if err != nil {
		return err
	}

	mirror := m.layout.MirrorDir(wt.ProjectID, wt.RepoID)
	m.discardCheckout(ctx, mirror, wt.Path, wt.Branch)

	m.logger.Info("worktree cleaned",
		"run_id", runID, "worktree_id", wt.ID, "ports_released", released)
	return nil
}

// discardCheckout removes a checkout directory and its branch, logging
// failures instead of returning them.
func (m *Manager) discardCheckout(ctx context.Context, mirror, path, branch string) {
	if err := m.git.RemoveWorktree(ctx, mirror, path); err != nil {
		m.logger.Warn("git worktree remove failed, falling back to rm", "path", path, "error", err)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("remove worktree directory failed", "path", path, "error", err)
		}
		if err := m.git.PruneWorktrees(ctx, mirror); err != nil {
			m.logger.Warn("git worktree prune failed", "mirror", mirror, "error", err)
		}
	}
	if branch != "" {
		if err := m.git.DeleteBranch(ctx, mirror, branch); err != nil {
			m.logger.Warn("delete run branch failed", "branch", branch, "error", err)
		}
	}
}

// writeMarker drops the sidecar document into the checkout. Advisory only,
// so failure is logged and swallowed.
func (m *Manager) writeMarker(wt *db.Worktree, ports []int) {
	marker := Marker{
		WorktreeID: wt.ID,
		RunID:      wt.RunID,
		ProjectID:  wt.ProjectID,
		RepoID:     wt.RepoID,
		Branch:     wt.Branch,
		BaseCommit: wt.BaseCommit,
		Ports:      ports,
		CreatedAt:  wt.CreatedAt,
	}
	if err := util.WriteJSONFile(filepath.Join(wt.Path, MarkerFile), marker); err != nil {
		m.logger.Warn("write worktree marker failed", "path", wt.Path, "error", err)
	}
}

// ReadMarker loads the sidecar document from a checkout directory.
func ReadMarker(dir string) (*Marker, error) {
	var marker Marker
	if err := util.ReadJSONFile(filepath.Join(dir, MarkerFile), &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}
