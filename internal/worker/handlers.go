package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/lock"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
)

// maxAgentMessageBytes caps one transcript turn. Longer content is cut at
// the last rune boundary under the cap.
const maxAgentMessageBytes = 100 * 1024

// handleRunJob dispatches a runs-queue job on its action. Jobs for unknown
// or already-terminal runs complete without effect so redeliveries stay
// harmless.
func (w *Worker) handleRunJob(ctx context.Context, job *queue.Job) error {
	var rj queue.RunJob
	if err := job.UnmarshalPayload(&rj); err != nil {
		return conductorerrors.ErrValidation("payload", err.Error())
	}

	current, err := w.store.GetRun(rj.RunID)
	if err != nil {
		return err
	}
	if current == nil {
		w.logger.Warn("run job for unknown run", "job_id", job.ID, "run_id", rj.RunID)
		return nil
	}
	if run.Terminal(run.Phase(current.Phase)) {
		return nil
	}

	switch rj.Action {
	case queue.RunActionStart:
		return w.startRun(ctx, current)
	case queue.RunActionCancel:
		return w.cancelRun(ctx, current, rj)
	case queue.RunActionTimeout:
		return w.timeoutRun(ctx, current)
	case queue.RunActionResume:
		// Resume lands here once agents can be restarted mid-run.
		w.logger.Info("resume requested, not yet supported",
			"run_id", current.ID, "blocked_reason", current.BlockedReason)
		return nil
	default:
		return conductorerrors.ErrValidation("action", fmt.Sprintf("unknown run action %q", rj.Action))
	}
}

// startRun prepares the checkout and moves the run into planning. A failure
// anywhere marks the run failed; the job itself completes.
func (w *Worker) startRun(ctx context.Context, current *db.Run) error {
	// Redelivery check: an active worktree means the filesystem work is
	// done and only the phase may still need advancing.
	wt, err := w.worktrees.GetWorktreeForRun(current.ID)
	if err != nil {
		return err
	}
	if wt != nil {
		return w.advanceToPlanning(ctx, current)
	}

	repo, err := w.store.GetRepo(current.RepoID)
	if err != nil {
		return err
	}
	if repo == nil {
		return w.failRun(ctx, current.ID, "repository record not found")
	}
	project, err := w.store.GetProject(current.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return w.failRun(ctx, current.ID, "project record not found")
	}

	token, err := w.forge.InstallationToken(ctx, project.InstallationID)
	if err != nil {
		return w.failRun(ctx, current.ID, "mint installation token: "+err.Error())
	}
	if err := w.worktrees.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, token); err != nil {
		return w.failRun(ctx, current.ID, "sync repository: "+err.Error())
	}
	if _, err := w.worktrees.CreateWorktree(ctx, current.ID, current.ProjectID, current.RepoID, current.BaseBranch); err != nil {
		return w.failRun(ctx, current.ID, "create worktree: "+err.Error())
	}

	return w.advanceToPlanning(ctx, current)
}

// advanceToPlanning moves a pending run to planning and schedules the planner
// invocation. A run already past pending keeps its invocation, so a crash
// between the transition and the schedule heals on redelivery.
func (w *Worker) advanceToPlanning(ctx context.Context, current *db.Run) error {
	if current.Phase == string(run.PhasePending) {
		updated, err := w.machine.TransitionPhase(ctx, run.TransitionRequest{
			RunID:       current.ID,
			To:          run.PhasePlanning,
			Step:        run.StepPlannerCreatePlan,
			TriggeredBy: "worker",
			Reason:      "run started",
		})
		if err != nil {
			if concurrentTransition(err) {
				return nil
			}
			return err
		}
		current = updated
	}
	if current.Phase != string(run.PhasePlanning) {
		return nil
	}
	return w.schedulePlanner(ctx, current.ID)
}

// schedulePlanner records the planner invocation and offers it to the agents
// queue. A redelivered start job reuses the run's existing invocation, and
// the job id dedupes on it, so the planner is invoked once per run.
func (w *Worker) schedulePlanner(ctx context.Context, runID string) error {
	inv := &db.AgentInvocation{
		ID:     id.NewInvocation(),
		RunID:  runID,
		Agent:  queue.AgentPlanner,
		Action: queue.AgentActionCreatePlan,
	}
	prior, err := w.store.ListInvocationsForRun(runID)
	if err != nil {
		return err
	}
	fresh := true
	for _, p := range prior {
		if p.Agent == inv.Agent && p.Action == inv.Action {
			inv = p
			fresh = false
			break
		}
	}
	if fresh {
		if err := w.store.InsertAgentInvocation(inv); err != nil {
			return err
		}
	}
	_, err = w.queue.AddJob(ctx, queue.Agents, inv.ID, queue.AgentJob{
		InvocationID: inv.ID,
		RunID:        inv.RunID,
		Agent:        inv.Agent,
		Action:       inv.Action,
	})
	return err
}

// failRun records a start failure on the run itself. The job completes, so
// the failure is visible in the run, not the queue.
func (w *Worker) failRun(ctx context.Context, runID, reason string) error {
	w.logger.Error("run start failed", "run_id", runID, "reason", reason)
	_, err := w.machine.MarkRunFailed(ctx, runID, reason, "worker")
	if concurrentTransition(err) {
		return nil
	}
	return err
}

func (w *Worker) cancelRun(ctx context.Context, current *db.Run, rj queue.RunJob) error {
	triggeredBy := rj.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "worker"
	}
	_, err := w.machine.TransitionPhase(ctx, run.TransitionRequest{
		RunID:        current.ID,
		To:           run.PhaseCancelled,
		Step:         run.StepCleanup,
		TriggeredBy:  triggeredBy,
		Reason:       "cancel requested",
		Result:       run.ResultCancelled,
		ResultReason: "cancelled by operator",
	})
	if err != nil && !concurrentTransition(err) {
		return err
	}

	if err := w.worktrees.CleanupWorktree(ctx, current.ID); err != nil {
		w.logger.Warn("worktree cleanup after cancel failed", "run_id", current.ID, "error", err)
	}
	return nil
}

func (w *Worker) timeoutRun(ctx context.Context, current *db.Run) error {
	_, err := w.machine.MarkRunFailed(ctx, current.ID, "Run timed out", "worker")
	if err != nil && !concurrentTransition(err) {
		return err
	}

	if err := w.worktrees.CleanupWorktree(ctx, current.ID); err != nil {
		w.logger.Warn("worktree cleanup after timeout failed", "run_id", current.ID, "error", err)
	}
	return nil
}

// concurrentTransition reports whether a transition lost to another actor
// moving the run first, which callers treat as settled.
func concurrentTransition(err error) bool {
	var ce *conductorerrors.ConductorError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == conductorerrors.CodeInvalidTransition || ce.Code == conductorerrors.CodeAlreadyTerminal
}

// handleAgentJob runs one agent invocation, owning its status row and the
// monotonic turn index of its transcript.
func (w *Worker) handleAgentJob(ctx context.Context, job *queue.Job) error {
	var aj queue.AgentJob
	if err := job.UnmarshalPayload(&aj); err != nil {
		return conductorerrors.ErrValidation("payload", err.Error())
	}

	inv, err := w.store.GetAgentInvocation(aj.InvocationID)
	if err != nil {
		return err
	}
	if inv == nil {
		w.logger.Warn("agent job for unknown invocation",
			"job_id", job.ID, "invocation_id", aj.InvocationID)
		return nil
	}
	switch inv.Status {
	case db.InvocationStatusCompleted, db.InvocationStatusFailed, db.InvocationStatusTimedOut:
		return nil
	}

	if w.agents == nil {
		return w.store.FinishInvocation(inv.ID, db.InvocationStatusFailed, "no agent runner configured")
	}

	if err := w.store.MarkInvocationRunning(inv.ID); err != nil {
		return err
	}

	// A redelivered invocation resumes its transcript where it stopped.
	existing, err := w.store.ListAgentMessages(inv.ID)
	if err != nil {
		return err
	}
	next := len(existing)
	emit := func(role, content string) error {
		if len(content) > maxAgentMessageBytes {
			cut := maxAgentMessageBytes
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut]
		}
		m := &db.AgentMessage{
			InvocationID: inv.ID,
			TurnIndex:    next,
			Role:         role,
			Content:      content,
		}
		if err := w.store.AppendAgentMessage(m); err != nil {
			return err
		}
		next++
		return nil
	}

	err = w.agents.Invoke(ctx, inv, emit)
	switch {
	case err == nil:
		return w.store.FinishInvocation(inv.ID, db.InvocationStatusCompleted, "")
	case errors.Is(err, context.DeadlineExceeded):
		return w.store.FinishInvocation(inv.ID, db.InvocationStatusTimedOut, err.Error())
	default:
		w.logger.Error("agent invocation failed",
			"invocation_id", inv.ID, "run_id", inv.RunID, "agent", inv.Agent, "error", err)
		return w.store.FinishInvocation(inv.ID, db.InvocationStatusFailed, err.Error())
	}
}

// handleCleanupJob executes one housekeeping chore.
func (w *Worker) handleCleanupJob(ctx context.Context, job *queue.Job) error {
	var cj queue.CleanupJob
	if err := job.UnmarshalPayload(&cj); err != nil {
		return conductorerrors.ErrValidation("payload", err.Error())
	}

	switch cj.Type {
	case queue.CleanupWorktree:
		if cj.TargetID == "" {
			return conductorerrors.ErrValidation("targetId", "worktree cleanup requires a run id")
		}
		return w.worktrees.CleanupWorktree(ctx, cj.TargetID)
	case queue.CleanupExpiredLeases:
		removed, err := lock.SweepStale(w.worktrees.Layout().Root)
		if err != nil {
			return err
		}
		if removed > 0 {
			w.logger.Info("stale repo leases removed", "count", removed)
		}
		return nil
	case queue.CleanupOldJobs:
		return w.cleanOldJobs(ctx)
	case queue.CleanupExpiredSessions:
		removed, err := w.store.DeleteExpiredSessions()
		if err != nil {
			return err
		}
		if removed > 0 {
			w.logger.Info("expired sessions removed", "count", removed)
		}
		return nil
	default:
		return conductorerrors.ErrValidation("type", fmt.Sprintf("unknown cleanup type %q", cj.Type))
	}
}

// cleanOldJobs drains finished jobs past their grace window from every
// queue, looping until a batch comes back short.
func (w *Worker) cleanOldJobs(ctx context.Context) error {
	const batch = 500

	sweeps := []struct {
		status queue.Status
		grace  time.Duration
	}{
		{queue.StatusCompleted, w.cfg.Worker.CompletedJobGrace},
		{queue.StatusFailed, w.cfg.Worker.FailedJobGrace},
	}

	for _, q := range allQueues {
		for _, sweep := range sweeps {
			total := 0
			for {
				ids, err := w.queue.Clean(ctx, q, sweep.grace, batch, sweep.status)
				if err != nil {
					return err
				}
				total += len(ids)
				if len(ids) < batch {
					break
				}
			}
			if total > 0 {
				w.logger.Info("old jobs removed",
					"queue", string(q), "status", string(sweep.status), "count", total)
			}
		}
	}
	return nil
}

// handleGitHubWriteJob hands the outbox row to the consumer.
func (w *Worker) handleGitHubWriteJob(ctx context.Context, job *queue.Job) error {
	var gj queue.GitHubWriteJob
	if err := job.UnmarshalPayload(&gj); err != nil {
		return conductorerrors.ErrValidation("payload", err.Error())
	}
	return w.writes.Execute(ctx, gj.GitHubWriteID)
}
