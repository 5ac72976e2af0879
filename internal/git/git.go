// Package git wraps the git CLI for the repo store: bare mirrors that runs
// check worktrees out of. Remote operations authenticate with a URL-embedded
// installation token that is redacted from every error and log line.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Client executes the git operations the worktree manager needs.
type Client struct {
	runner Runner
	logger *slog.Logger
}

// NewClient creates a client backed by the git binary.
func NewClient(logger *slog.Logger) *Client {
	return NewClientWithRunner(NewExecRunner(), logger)
}

// NewClientWithRunner creates a client with an injected runner.
func NewClientWithRunner(runner Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{runner: runner, logger: logger}
}

// InitBare creates an empty bare repository at gitDir. The mirror never
// stores a remote, so credentials never land in its config.
func (c *Client) InitBare(ctx context.Context, gitDir string) error {
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	if _, err := c.runner.Run(ctx, "", "init", "--bare", gitDir); err != nil {
		return fmt.Errorf("init bare repo: %w", err)
	}
	return nil
}

// Fetch updates every branch of the mirror from remoteURL, pruning branches
// deleted upstream. remoteURL carries the installation token.
func (c *Client) Fetch(ctx context.Context, gitDir, remoteURL string) error {
	_, err := c.runner.Run(ctx, "", "--git-dir", gitDir,
		"fetch", "--prune", remoteURL, "+refs/heads/*:refs/heads/*")
	if err != nil {
		return fmt.Errorf("fetch %s: %w", Redact(remoteURL), err)
	}
	return nil
}

// IsRepo reports whether gitDir is a usable git directory.
func (c *Client) IsRepo(ctx context.Context, gitDir string) bool {
	_, err := c.runner.Run(ctx, "", "--git-dir", gitDir, "rev-parse", "--git-dir")
	return err == nil
}

// RevParse resolves a ref to a commit sha in the mirror.
func (c *Client) RevParse(ctx context.Context, gitDir, ref string) (string, error) {
	sha, err := c.runner.Run(ctx, "", "--git-dir", gitDir, "rev-parse", "--verify", ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return sha, nil
}

// AddWorktree checks out a new branch at path, created from baseRef.
func (c *Client) AddWorktree(ctx context.Context, gitDir, path, branch, baseRef string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	_, err := c.runner.Run(ctx, "", "--git-dir", gitDir,
		"worktree", "add", "-b", branch, path, baseRef)
	if err != nil {
		return fmt.Errorf("add worktree %s: %w", branch, err)
	}
	return nil
}

// RemoveWorktree detaches and deletes the checkout at path. Forced: run
// worktrees are disposable and may hold uncommitted agent output.
func (c *Client) RemoveWorktree(ctx context.Context, gitDir, path string) error {
	_, err := c.runner.Run(ctx, "", "--git-dir", gitDir,
		"worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// PruneWorktrees drops bookkeeping for checkouts whose directories are gone.
func (c *Client) PruneWorktrees(ctx context.Context, gitDir string) error {
	if _, err := c.runner.Run(ctx, "", "--git-dir", gitDir, "worktree", "prune"); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

// DeleteBranch removes a run branch from the mirror after cleanup.
func (c *Client) DeleteBranch(ctx context.Context, gitDir, branch string) error {
	if err := ValidateBranchName(branch); err != nil {
		return err
	}
	if _, err := c.runner.Run(ctx, "", "--git-dir", gitDir, "branch", "-D", branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	return nil
}
