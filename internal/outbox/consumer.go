package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	forge "github.com/cswenor/conductor-sub003/internal/forge/github"
)

// MaxAttempts bounds transient retries before a write fails permanently.
const MaxAttempts = 8

// Consumer executes outbox rows against the forge.
type Consumer struct {
	store  *db.Store
	forge  forge.Provider
	logger *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(store *db.Store, provider forge.Provider, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, forge: provider, logger: logger}
}

// Execute runs one github_writes job. Returning an error makes the queue
// retry; permanent failures mark the row failed and return nil so the job
// completes. Rows already terminal are skipped, which makes redelivery
// harmless.
func (c *Consumer) Execute(ctx context.Context, writeID string) error {
	w, err := c.store.GetGitHubWrite(writeID)
	if err != nil {
		return err
	}
	if w == nil {
		c.logger.Warn("github write job without a row", "write_id", writeID)
		return nil
	}
	switch w.Status {
	case db.WriteStatusCompleted, db.WriteStatusFailed, db.WriteStatusCancelled:
		return nil
	}
	claimed, err := c.store.MarkWriteInFlight(writeID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	result, execErr := c.execute(ctx, w)
	if execErr == nil {
		if result == nil {
			result = &forge.WriteResult{}
		}
		if err := c.store.CompleteWrite(writeID, result.NodeID, result.URL); err != nil {
			return err
		}
		c.logger.Info("github write completed",
			"write_id", w.ID, "kind", w.Kind, "run_id", w.RunID)
		return nil
	}

	if !conductorerrors.Retryable(execErr) {
		if err := c.store.FailWrite(writeID, execErr.Error()); err != nil {
			return err
		}
		c.logger.Warn("github write failed permanently",
			"write_id", w.ID, "kind", w.Kind, "run_id", w.RunID, "error", execErr)
		return nil
	}

	count, err := c.store.RecordWriteAttempt(writeID, execErr.Error())
	if err != nil {
		return err
	}
	if count >= MaxAttempts {
		if err := c.store.FailWrite(writeID, fmt.Sprintf("gave up after %d attempts: %v", count, execErr)); err != nil {
			return err
		}
		c.logger.Error("github write exhausted retries",
			"write_id", w.ID, "kind", w.Kind, "run_id", w.RunID, "attempts", count, "error", execErr)
		return nil
	}
	return execErr
}

// execute resolves the row's run context and dispatches by kind. Resolution
// failures and malformed payloads surface as non-retryable errors.
func (c *Consumer) execute(ctx context.Context, w *db.GitHubWrite) (*forge.WriteResult, error) {
	run, err := c.store.GetRun(w.RunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, conductorerrors.ErrRunNotFound(w.RunID)
	}
	repo, err := c.store.GetRepo(run.RepoID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, conductorerrors.ErrRepoNotFound(run.RepoID)
	}
	project, err := c.store.GetProject(run.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, conductorerrors.ErrProjectNotFound(run.ProjectID)
	}
	task, err := c.store.GetTask(run.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, conductorerrors.ErrTaskNotFound(run.TaskID)
	}
	installationID := project.InstallationID

	switch w.Kind {
	case db.WriteKindCreatePR:
		var p PRPayload
		if err := unmarshalPayload(w, &p); err != nil {
			return nil, err
		}
		opts := forge.PullRequestOptions{
			Title:          p.Title,
			Body:           p.Body,
			Head:           p.Head,
			Base:           p.Base,
			Draft:          p.Draft,
			IdempotencyKey: w.IdempotencyKey,
		}
		if opts.Head == "" {
			opts.Head = run.Branch
		}
		if opts.Base == "" {
			opts.Base = run.BaseBranch
		}
		return c.forge.CreatePullRequest(ctx, installationID, repo.Owner, repo.Name, opts)

	case db.WriteKindPostComment, db.WriteKindMirrorApproval, db.WriteKindMirrorRejection, db.WriteKindMirrorPolicyDecision:
		var p CommentPayload
		if err := unmarshalPayload(w, &p); err != nil {
			return nil, err
		}
		issue := p.IssueNumber
		if issue == 0 {
			issue = task.IssueNumber
		}
		return c.forge.PostIssueComment(ctx, installationID, repo.Owner, repo.Name, issue, p.Body, w.IdempotencyKey)

	case db.WriteKindUpdateComment:
		var p UpdateCommentPayload
		if err := unmarshalPayload(w, &p); err != nil {
			return nil, err
		}
		if p.CommentID == 0 {
			return nil, conductorerrors.ErrValidation("commentId", "update_comment requires a comment id")
		}
		return c.forge.UpdateIssueComment(ctx, installationID, repo.Owner, repo.Name, p.CommentID, p.Body)

	case db.WriteKindAddLabels:
		var p LabelsPayload
		if err := unmarshalPayload(w, &p); err != nil {
			return nil, err
		}
		issue := p.IssueNumber
		if issue == 0 {
			issue = task.IssueNumber
		}
		return c.forge.AddLabels(ctx, installationID, repo.Owner, repo.Name, issue, p.Labels)

	default:
		return nil, conductorerrors.ErrValidation("kind", fmt.Sprintf("unknown github write kind %q", w.Kind))
	}
}

func unmarshalPayload(w *db.GitHubWrite, v any) error {
	if err := json.Unmarshal([]byte(w.Payload), v); err != nil {
		return conductorerrors.ErrValidation("payload", fmt.Sprintf("malformed %s payload: %v", w.Kind, err))
	}
	return nil
}

// RecoverPending re-enqueues pending rows that have sat untouched past the
// cutoff: crashes between insert and job add, or retries the queue lost.
// The enqueue callback adds the github_writes job; job-id dedup makes
// re-enqueueing a live row harmless.
func (c *Consumer) RecoverPending(ctx context.Context, olderThan time.Duration, limit int, enqueue func(context.Context, *db.GitHubWrite) error) (int, error) {
	writes, err := c.store.ListPendingWritesOlderThan(time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, w := range writes {
		if err := enqueue(ctx, w); err != nil {
			c.logger.Warn("outbox recovery enqueue failed", "write_id", w.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("outbox recovery re-enqueued pending writes", "count", recovered)
	}
	return recovered, nil
}
