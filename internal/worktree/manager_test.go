package worktree

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/git"
	"github.com/cswenor/conductor-sub003/internal/id"
)

const testSHA = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

// scriptedGit emulates the git subcommands the manager issues against the
// real filesystem: init leaves a HEAD marker, worktree add creates the
// checkout directory, worktree remove deletes it.
type scriptedGit struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
	sha    string
}

func (g *scriptedGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	joined := strings.Join(args, " ")

	g.mu.Lock()
	g.calls = append(g.calls, joined)
	for sub, err := range g.failOn {
		if strings.Contains(joined, sub) {
			g.mu.Unlock()
			return "", err
		}
	}
	g.mu.Unlock()

	var gitDir string
	rest := args
	if len(args) >= 2 && args[0] == "--git-dir" {
		gitDir = args[1]
		rest = args[2:]
	}

	switch rest[0] {
	case "init": // init --bare <dir>
		return "", os.WriteFile(filepath.Join(rest[2], "HEAD"), []byte("ref: refs/heads/main\n"), 0o644)
	case "rev-parse":
		if rest[1] == "--git-dir" {
			if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
				return "", errors.New("not a git repository")
			}
			return gitDir, nil
		}
		return g.sha, nil
	case "fetch":
		if _, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil {
			return "", errors.New("not a git repository")
		}
		return "", nil
	case "worktree":
		switch rest[1] {
		case "add": // worktree add -b <branch> <path> <baseRef>
			return "", os.MkdirAll(rest[4], 0o755)
		case "remove": // worktree remove --force <path>
			return "", os.RemoveAll(rest[3])
		case "prune":
			return "", nil
		}
	case "branch":
		return "", nil
	}
	return "", nil
}

func (g *scriptedGit) callCount(sub string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func (g *scriptedGit) anyCallContains(sub string) bool {
	return g.callCount(sub) > 0
}

func seedChain(t *testing.T, store *db.Store) (*db.Project, *db.Repo, *db.Run) {
	t.Helper()

	user, err := store.UpsertUserByGithubID(42, "octocat")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	project := &db.Project{
		ID:             id.New(id.PrefixProject),
		UserID:         user.ID,
		Name:           "acme",
		OrgLogin:       "acme-org",
		InstallationID: 1001,
		DefaultBranch:  "main",
		PortRangeStart: 9000,
		PortRangeEnd:   9009,
	}
	repo := &db.Repo{
		ID:            id.New(id.PrefixRepo),
		ProjectID:     project.ID,
		GithubID:      555,
		NodeID:        "R_node",
		Owner:         "acme-org",
		Name:          "widget",
		DefaultBranch: "main",
		Status:        db.RepoStatusActive,
	}
	task := &db.Task{
		ID:          id.New(id.PrefixTask),
		ProjectID:   project.ID,
		RepoID:      repo.ID,
		IssueNumber: 12,
		IssueNodeID: "I_node",
		Title:       "fix the widget",
		State:       "open",
	}
	run := &db.Run{
		ID:         id.NewRun(),
		TaskID:     task.ID,
		ProjectID:  project.ID,
		RepoID:     repo.ID,
		BaseBranch: "main",
	}

	err = store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		return tx.InsertProject(project)
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := store.UpsertRepo(repo); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	err = store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		if err := tx.InsertTask(task); err != nil {
			return err
		}
		return tx.InsertRun(run)
	})
	if err != nil {
		t.Fatalf("seed task and run: %v", err)
	}
	return project, repo, run
}

func newTestManager(t *testing.T) (*Manager, *scriptedGit, *db.Store) {
	t.Helper()

	store := db.NewTestStore(t)
	runner := &scriptedGit{sha: testSHA, failOn: map[string]error{}}
	gitClient := git.NewClientWithRunner(runner, slog.Default())
	m := NewManager(store, gitClient, t.TempDir(), slog.Default())
	return m, runner, store
}

func mustCreate(t *testing.T, m *Manager, runner *scriptedGit, project *db.Project, repo *db.Repo, run *db.Run) *db.Worktree {
	t.Helper()

	ctx := context.Background()
	err := m.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token")
	if err != nil {
		t.Fatalf("CloneOrFetchRepo: %v", err)
	}
	wt, err := m.CreateWorktree(ctx, run.ID, project.ID, repo.ID, "")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	return wt
}

func TestCloneOrFetchRepo_InitOnceFetchAlways(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, _ := seedChain(t, store)
	ctx := context.Background()

	if err := m.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token"); err != nil {
		t.Fatalf("first CloneOrFetchRepo: %v", err)
	}
	if err := m.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token"); err != nil {
		t.Fatalf("second CloneOrFetchRepo: %v", err)
	}

	if n := runner.callCount("init --bare"); n != 1 {
		t.Errorf("init ran %d times, want 1", n)
	}
	if n := runner.callCount("fetch --prune"); n != 2 {
		t.Errorf("fetch ran %d times, want 2", n)
	}
	if !runner.anyCallContains("x-access-token:ghs_token@github.com/acme-org/widget") {
		t.Errorf("fetch did not use the token auth URL; calls: %v", runner.calls)
	}

	// The lease must not outlive the call.
	lease := filepath.Join(m.Layout().RepoDir(project.ID, repo.ID), "mirror.lock")
	if _, err := os.Stat(lease); !os.IsNotExist(err) {
		t.Errorf("repo store lease still present: %v", err)
	}

	got, err := store.GetRepo(repo.ID)
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if got.LastFetchedAt == nil {
		t.Error("LastFetchedAt not recorded after fetch")
	}
}

func TestCloneOrFetchRepo_FetchFailureIsTransient(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, _ := seedChain(t, store)
	runner.failOn["fetch"] = errors.New("remote hung up")

	err := m.CloneOrFetchRepo(context.Background(), project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token")
	var ce *conductorerrors.ConductorError
	if !errors.As(err, &ce) || ce.Code != conductorerrors.CodeForgeTransient {
		t.Fatalf("err = %v, want FORGE_TRANSIENT", err)
	}
	if !conductorerrors.Retryable(err) {
		t.Error("fetch failure should be retryable")
	}

	got, err := store.GetRepo(repo.ID)
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if got.Status != db.RepoStatusError {
		t.Errorf("repo status after failed fetch = %q, want %q", got.Status, db.RepoStatusError)
	}

	// A later successful fetch clears the error status.
	delete(runner.failOn, "fetch")
	if err := m.CloneOrFetchRepo(context.Background(), project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token"); err != nil {
		t.Fatalf("recovering CloneOrFetchRepo: %v", err)
	}
	got, err = store.GetRepo(repo.ID)
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if got.Status != db.RepoStatusActive {
		t.Errorf("repo status after recovered fetch = %q, want %q", got.Status, db.RepoStatusActive)
	}
}

func TestCreateWorktree(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)
	wt := mustCreate(t, m, runner, project, repo, run)

	if wt.Status != db.WorktreeStatusActive {
		t.Errorf("status = %q, want active", wt.Status)
	}
	wantBranch := git.RunBranch(run.ID, run.RunNumber)
	if wt.Branch != wantBranch {
		t.Errorf("branch = %q, want %q", wt.Branch, wantBranch)
	}
	if wt.BaseCommit != testSHA {
		t.Errorf("base commit = %q, want %q", wt.BaseCommit, testSHA)
	}
	if info, err := os.Stat(wt.Path); err != nil || !info.IsDir() {
		t.Errorf("checkout directory missing: %v", err)
	}

	ports, err := store.ListPortsForWorktree(wt.ID)
	if err != nil {
		t.Fatalf("ListPortsForWorktree: %v", err)
	}
	if len(ports) != DefaultPortsPerWorktree || ports[0] != 9000 || ports[1] != 9001 {
		t.Errorf("ports = %v, want [9000 9001]", ports)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Branch != wantBranch || got.HeadCommit != testSHA {
		t.Errorf("run branch/head = %q/%q, want %q/%q", got.Branch, got.HeadCommit, wantBranch, testSHA)
	}

	marker, err := ReadMarker(wt.Path)
	if err != nil {
		t.Fatalf("ReadMarker: %v", err)
	}
	if marker.RunID != run.ID || marker.WorktreeID != wt.ID {
		t.Errorf("marker = %+v, want run %s worktree %s", marker, run.ID, wt.ID)
	}
}

func TestCreateWorktree_RejectsSecondActive(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)
	mustCreate(t, m, runner, project, repo, run)

	_, err := m.CreateWorktree(context.Background(), run.ID, project.ID, repo.ID, "")
	var ce *conductorerrors.ConductorError
	if !errors.As(err, &ce) || ce.Code != conductorerrors.CodeWorktreeExists {
		t.Fatalf("err = %v, want WORKTREE_EXISTS", err)
	}
}

func TestCreateWorktree_RunNotFound(t *testing.T) {
	t.Parallel()

	m, _, store := newTestManager(t)
	project, repo, _ := seedChain(t, store)

	_, err := m.CreateWorktree(context.Background(), "run_missing", project.ID, repo.ID, "")
	var ce *conductorerrors.ConductorError
	if !errors.As(err, &ce) || ce.Code != conductorerrors.CodeRunNotFound {
		t.Fatalf("err = %v, want RUN_NOT_FOUND", err)
	}
}

func TestCreateWorktree_PortExhaustionRollsBackCheckout(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)
	if err := store.UpdateProjectPortRange(project.ID, 9000, 9000); err != nil {
		t.Fatalf("shrink port range: %v", err)
	}
	project.PortRangeStart, project.PortRangeEnd = 9000, 9000

	ctx := context.Background()
	if err := m.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, "ghs_token"); err != nil {
		t.Fatalf("CloneOrFetchRepo: %v", err)
	}

	_, err := m.CreateWorktree(ctx, run.ID, project.ID, repo.ID, "")
	var ce *conductorerrors.ConductorError
	if !errors.As(err, &ce) || ce.Code != conductorerrors.CodeNoFreePorts {
		t.Fatalf("err = %v, want NO_FREE_PORTS", err)
	}

	// The aborted transaction means no row, and the checkout the manager
	// already made must be gone again.
	wt, err := store.GetActiveWorktreeForRun(run.ID)
	if err != nil {
		t.Fatalf("GetActiveWorktreeForRun: %v", err)
	}
	if wt != nil {
		t.Fatalf("worktree row survived rollback: %+v", wt)
	}
	path := m.Layout().WorktreePath(project.ID, repo.ID, run.ID)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("checkout directory survived rollback: %v", err)
	}
	if !runner.anyCallContains("worktree remove") {
		t.Error("expected a worktree remove call during rollback")
	}
}

func TestCleanupWorktree(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)
	wt := mustCreate(t, m, runner, project, repo, run)
	ctx := context.Background()

	if err := m.CleanupWorktree(ctx, run.ID); err != nil {
		t.Fatalf("CleanupWorktree: %v", err)
	}

	got, err := store.GetWorktree(wt.ID)
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if got.Status != db.WorktreeStatusCleaned {
		t.Errorf("status = %q, want cleaned", got.Status)
	}
	ports, err := store.ListPortsForWorktree(wt.ID)
	if err != nil {
		t.Fatalf("ListPortsForWorktree: %v", err)
	}
	if len(ports) != 0 {
		t.Errorf("ports = %v, want released", ports)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("checkout directory still present: %v", err)
	}
	if !runner.anyCallContains("branch -D " + wt.Branch) {
		t.Error("run branch not deleted")
	}

	// Second call is a no-op.
	if err := m.CleanupWorktree(ctx, run.ID); err != nil {
		t.Fatalf("second CleanupWorktree: %v", err)
	}
}

func TestCleanupWorktree_FilesystemFailureIsBestEffort(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)
	wt := mustCreate(t, m, runner, project, repo, run)
	runner.failOn["worktree remove"] = errors.New("device busy")

	if err := m.CleanupWorktree(context.Background(), run.ID); err != nil {
		t.Fatalf("CleanupWorktree should swallow filesystem errors, got %v", err)
	}

	got, err := store.GetWorktree(wt.ID)
	if err != nil {
		t.Fatalf("GetWorktree: %v", err)
	}
	if got.Status != db.WorktreeStatusCleaned {
		t.Errorf("status = %q, want cleaned despite filesystem failure", got.Status)
	}
	// The rm fallback still removed the directory.
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Errorf("fallback removal did not run: %v", err)
	}
}

func TestGetWorktreeForRun(t *testing.T) {
	t.Parallel()

	m, runner, store := newTestManager(t)
	project, repo, run := seedChain(t, store)

	got, err := m.GetWorktreeForRun(run.ID)
	if err != nil {
		t.Fatalf("GetWorktreeForRun: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before creation, got %+v", got)
	}

	wt := mustCreate(t, m, runner, project, repo, run)
	got, err = m.GetWorktreeForRun(run.ID)
	if err != nil {
		t.Fatalf("GetWorktreeForRun: %v", err)
	}
	if got == nil || got.ID != wt.ID {
		t.Fatalf("got %+v, want %s", got, wt.ID)
	}
}
