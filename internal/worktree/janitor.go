package worktree

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cswenor/conductor-sub003/internal/db"
)

// janitorRemovalLimit bounds concurrent directory removals.
const janitorRemovalLimit = 4

// JanitorReport counts what one reconciliation sweep changed.
type JanitorReport struct {
	OrphanedMarked     int
	DirectoriesRemoved int
	PortsReleased      int
}

// RunJanitor reconciles the repo store with the worktree table. Active rows
// whose directory vanished are marked orphaned, directories no active row
// claims are removed, and ports held by non-active worktrees are released.
// Afterwards the set of checkout directories equals the set of active paths.
func (m *Manager) RunJanitor(ctx context.Context) (*JanitorReport, error) {
	report := &JanitorReport{}

	active, err := m.store.ListWorktreesByStatus(db.WorktreeStatusActive)
	if err != nil {
		return nil, err
	}

	activePaths := make(map[string]*db.Worktree, len(active))
	for _, wt := range active {
		activePaths[filepath.Clean(wt.Path)] = wt
	}

	// Rows whose checkout is gone. Someone deleted the directory out from
	// under us, so the row flips to orphaned and its ports come back.
	for _, wt := range active {
		if _, err := os.Stat(wt.Path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
			if err := tx.UpdateWorktreeStatus(wt.ID, db.WorktreeStatusOrphaned); err != nil {
				return err
			}
			n, err := tx.ReleasePortsForWorktree(wt.ID)
			if err != nil {
				return err
			}
			report.PortsReleased += n
			return nil
		})
		if err != nil {
			return nil, err
		}
		delete(activePaths, filepath.Clean(wt.Path))
		report.OrphanedMarked++
		m.logger.Warn("worktree directory missing, marked orphaned",
			"run_id", wt.RunID, "worktree_id", wt.ID, "path", wt.Path)
	}

	// Directories no active row claims. Leftovers from crashed cleanups,
	// so removal is parallel and best effort.
	pattern := filepath.ToSlash(filepath.Join(m.layout.Root, "*", "*", "worktrees", "*"))
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}

	var (
		removed     atomic.Int64
		pruneMu     sync.Mutex
		pruneSet    = make(map[string]struct{})
		removeGroup errgroup.Group
	)
	removeGroup.SetLimit(janitorRemovalLimit)

	for _, raw := range matches {
		match := filepath.Clean(raw)
		if _, claimed := activePaths[match]; claimed {
			continue
		}
		info, err := os.Stat(match)
		if err != nil || !info.IsDir() {
			continue
		}
		removeGroup.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if marker, err := ReadMarker(match); err == nil {
				m.logger.Info("removing unreferenced worktree directory",
					"path", match, "run_id", marker.RunID)
			} else {
				m.logger.Info("removing unreferenced worktree directory", "path", match)
			}
			if err := os.RemoveAll(match); err != nil {
				m.logger.Warn("remove worktree directory failed", "path", match, "error", err)
				return nil
			}
			removed.Add(1)
			pruneMu.Lock()
			// worktrees/<runId> sits two levels below the repo dir.
			repoDir := filepath.Dir(filepath.Dir(match))
			pruneSet[filepath.Join(repoDir, "repo.git")] = struct{}{}
			pruneMu.Unlock()
			return nil
		})
	}
	_ = removeGroup.Wait()
	report.DirectoriesRemoved = int(removed.Load())

	// Removing a checkout leaves dangling metadata in the mirror.
	for mirror := range pruneSet {
		if !m.git.IsRepo(ctx, mirror) {
			continue
		}
		if err := m.git.PruneWorktrees(ctx, mirror); err != nil {
			m.logger.Warn("git worktree prune failed", "mirror", mirror, "error", err)
		}
	}

	// Ports whose owner is cleaned or orphaned but never gave them back.
	staleIDs, err := m.store.ListStalePortWorktrees()
	if err != nil {
		return nil, err
	}
	for _, worktreeID := range staleIDs {
		var released int
		err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
			n, err := tx.ReleasePortsForWorktree(worktreeID)
			if err != nil {
				return err
			}
			released = n
			return nil
		})
		if err != nil {
			return nil, err
		}
		if released == 0 {
			continue
		}
		report.PortsReleased += released
		if wt, err := m.store.GetWorktree(worktreeID); err == nil && wt != nil {
			m.logger.Info("released leaked ports",
				"worktree_id", worktreeID, "run_id", wt.RunID, "ports", released)
		}
	}

	m.logger.Info("janitor sweep complete",
		"orphaned_marked", report.OrphanedMarked,
		"directories_removed", report.DirectoriesRemoved,
		"ports_released", report.PortsReleased)
	return report, nil
}
