// Package action implements the operator-action dispatcher: the decisions
// an operator can apply to a run, each with its phase precondition,
// required input, atomic state change, and side effects.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/outbox"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
)

// Action kinds.
const (
	ApprovePlan          = "approve_plan"
	RevisePlan           = "revise_plan"
	RejectRun            = "reject_run"
	Retry                = "retry"
	GrantPolicyException = "grant_policy_exception"
	DenyPolicyException  = "deny_policy_exception"
	Cancel               = "cancel"
)

// maxPlanRevisions is how many revise_plan round trips a run gets before it
// blocks instead of going back to planning.
const maxPlanRevisions = 3

// Request is one operator decision against a run.
type Request struct {
	RunID         string
	Action        string
	ActorID       string
	Comment       string
	Justification string
	Scope         string
}

// Result carries the updated run and its audit record. Run reflects the
// state after the action; for enqueue-only actions it is unchanged.
type Result struct {
	Run    *db.Run
	Action *db.OperatorAction
}

// Dispatcher validates and applies operator actions.
type Dispatcher struct {
	store    *db.Store
	machine  *run.Machine
	gates    *gate.Engine
	queue    *queue.Client
	notifier *events.Notifier
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher. The notifier may be nil.
func NewDispatcher(store *db.Store, machine *run.Machine, gates *gate.Engine, qc *queue.Client, notifier *events.Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, machine: machine, gates: gates, queue: qc, notifier: notifier, logger: logger}
}

// Dispatch applies one action. Phase preconditions surface as conflicts,
// missing input as validation errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	current, err := d.store.GetRun(req.RunID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, conductorerrors.ErrRunNotFound(req.RunID)
	}

	var res *Result
	switch req.Action {
	case ApprovePlan:
		res, err = d.approvePlan(ctx, current, req)
	case RevisePlan:
		res, err = d.revisePlan(ctx, current, req)
	case RejectRun:
		res, err = d.rejectRun(ctx, current, req)
	case Retry:
		res, err = d.retry(ctx, current, req)
	case GrantPolicyException:
		res, err = d.grantPolicyException(ctx, current, req)
	case DenyPolicyException:
		res, err = d.denyPolicyException(ctx, current, req)
	case Cancel:
		res, err = d.cancel(ctx, current, req)
	default:
		return nil, conductorerrors.ErrValidation("action", fmt.Sprintf("unknown action %q", req.Action))
	}
	if err != nil {
		return nil, err
	}

	d.logger.Info("operator action applied",
		"run_id", req.RunID,
		"action", req.Action,
		"actor_id", req.ActorID,
		"from_phase", res.Action.FromPhase,
		"to_phase", res.Action.ToPhase)
	return res, nil
}

// approvePlan moves an approved run into execution. Gate check, transition,
// audit, and the decision mirror commit together.
func (d *Dispatcher) approvePlan(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	if current.Phase != string(run.PhaseAwaitingPlanApproval) {
		return nil, conductorerrors.ErrActionNotAllowed(ApprovePlan, current.Phase)
	}

	var (
		res     Result
		event   *db.Event
		mirrors []*db.GitHubWrite
	)
	err := d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		check, updated, ev, err := d.gates.EvaluateInTx(tx, run.PhaseAwaitingPlanApproval, run.TransitionRequest{
			RunID:       current.ID,
			To:          run.PhaseExecuting,
			Step:        run.StepImplementerApplyChanges,
			TriggeredBy: req.ActorID,
			Reason:      "plan approved",
		})
		if err != nil {
			return err
		}
		if !check.AllPassed {
			return conductorerrors.ErrGateNotPassed(check.BlockedBy)
		}
		event = ev

		act, err := d.record(tx, current, req, updated.Phase)
		if err != nil {
			return err
		}
		res = Result{Run: updated, Action: act}

		w, err := outbox.Enqueue(tx, current.ID, db.WriteKindMirrorApproval, "", outbox.CommentPayload{
			Body: d.decisionComment(ctx, req, "Plan approved"),
		})
		if err != nil {
			return err
		}
		mirrors = append(mirrors, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.notifier.EventCreated(ctx, event)
	d.enqueueMirrors(ctx, mirrors)
	return &res, nil
}

// revisePlan sends the run back to planning with the operator's feedback,
// or blocks it once the revision budget is spent.
func (d *Dispatcher) revisePlan(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	if current.Phase != string(run.PhaseAwaitingPlanApproval) {
		return nil, conductorerrors.ErrActionNotAllowed(RevisePlan, current.Phase)
	}
	if req.Comment == "" {
		return nil, conductorerrors.ErrValidation("comment", "revise_plan requires a comment")
	}

	revisions := current.PlanRevisions + 1
	treq := run.TransitionRequest{
		RunID:         current.ID,
		TriggeredBy:   req.ActorID,
		Reason:        req.Comment,
		PlanRevisions: &revisions,
	}
	if revisions >= maxPlanRevisions {
		treq.To = run.PhaseBlocked
		treq.BlockedReason = run.BlockedRetryLimitExceeded
		treq.BlockedContext = map[string]any{"revisions": revisions}
	} else {
		treq.To = run.PhasePlanning
		treq.Step = run.StepPlannerCreatePlan
	}

	var (
		res     Result
		event   *db.Event
		mirrors []*db.GitHubWrite
	)
	err := d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		updated, ev, err := d.machine.TransitionInTx(tx, treq)
		if err != nil {
			return err
		}
		event = ev

		act, err := d.record(tx, current, req, updated.Phase)
		if err != nil {
			return err
		}
		res = Result{Run: updated, Action: act}

		w, err := outbox.Enqueue(tx, current.ID, db.WriteKindPostComment, "", outbox.CommentPayload{
			Body: d.decisionComment(ctx, req, "Plan revision requested"),
		})
		if err != nil {
			return err
		}
		mirrors = append(mirrors, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.notifier.EventCreated(ctx, event)
	d.enqueueMirrors(ctx, mirrors)
	return &res, nil
}

// rejectRun cancels a run whose plan the operator refused.
func (d *Dispatcher) rejectRun(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	if current.Phase != string(run.PhaseAwaitingPlanApproval) {
		return nil, conductorerrors.ErrActionNotAllowed(RejectRun, current.Phase)
	}
	if req.Comment == "" {
		return nil, conductorerrors.ErrValidation("comment", "reject_run requires a comment")
	}

	res, err := d.cancelRun(ctx, current, req, "plan rejected", db.WriteKindMirrorRejection, "Plan rejected")
	if err != nil {
		return nil, err
	}
	d.enqueueWorktreeCleanup(ctx, current.ID)
	return res, nil
}

// retry re-enqueues a blocked run. The job is the durable effect, so it is
// enqueued before the audit record exists.
func (d *Dispatcher) retry(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	if current.Phase != string(run.PhaseBlocked) {
		return nil, conductorerrors.ErrActionNotAllowed(Retry, current.Phase)
	}

	job := queue.RunJob{
		RunID:        current.ID,
		Action:       queue.RunActionResume,
		TriggeredBy:  req.ActorID,
		FromPhase:    current.Phase,
		FromSequence: current.LastEventSequence,
	}
	if _, err := d.queue.AddJob(ctx, queue.Runs, queue.RunRetryJobID(current.ID, time.Now()), job); err != nil {
		d.logger.Error("enqueue retry failed", "run_id", current.ID, "error", err)
		return nil, conductorerrors.ErrEnqueueFailed(string(queue.Runs))
	}

	return d.recordOnly(ctx, current, req)
}

// cancel requests cancellation of any non-terminal run. The worker owns the
// transition and cleanup; the job id collapses repeated cancels.
func (d *Dispatcher) cancel(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	if run.Terminal(run.Phase(current.Phase)) {
		return nil, conductorerrors.ErrAlreadyTerminal(current.ID, current.Phase)
	}

	job := queue.RunJob{
		RunID:       current.ID,
		Action:      queue.RunActionCancel,
		TriggeredBy: req.ActorID,
		FromPhase:   current.Phase,
	}
	if _, err := d.queue.AddJob(ctx, queue.Runs, queue.RunCancelJobID(current.ID), job); err != nil {
		d.logger.Error("enqueue cancel failed", "run_id", current.ID, "error", err)
		return nil, conductorerrors.ErrEnqueueFailed(string(queue.Runs))
	}

	return d.recordOnly(ctx, current, req)
}

// blockedPolicyContext is the blocked_context shape for
// policy_exception_required runs.
type blockedPolicyContext struct {
	PriorPhase      string `json:"prior_phase"`
	PolicyID        string `json:"policy_id"`
	PolicySetID     string `json:"policy_set_id"`
	ConstraintKind  string `json:"constraint_kind"`
	ConstraintValue string `json:"constraint_value"`
	ConstraintHash  string `json:"constraint_hash"`
}

func (d *Dispatcher) policyContext(current *db.Run) (*blockedPolicyContext, error) {
	if current.Phase != string(run.PhaseBlocked) || current.BlockedReason != run.BlockedPolicyExceptionRequired {
		return nil, conductorerrors.ErrActionNotAllowed(GrantPolicyException, current.Phase)
	}
	var bc blockedPolicyContext
	if err := json.Unmarshal([]byte(current.BlockedContext), &bc); err != nil {
		return nil, conductorerrors.ErrStateInvalid(fmt.Sprintf("run %s has malformed blocked context", current.ID))
	}
	if bc.PolicyID == "" || bc.ConstraintKind == "" {
		return nil, conductorerrors.ErrValidation("blocked_context", "policy_id and constraint_kind are required to decide an exception")
	}
	return &bc, nil
}

// grantPolicyException records an override and resumes the run at the phase
// it was blocked from. Audit, override, transition, and mirror commit
// together.
func (d *Dispatcher) grantPolicyException(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	bc, err := d.policyContext(current)
	if err != nil {
		return nil, err
	}
	if req.Justification == "" {
		return nil, conductorerrors.ErrValidation("justification", "grant_policy_exception requires a justification")
	}
	if !db.ValidOverrideScope(req.Scope) {
		return nil, conductorerrors.ErrValidation("scope", fmt.Sprintf("scope must be one of this_run, this_task, this_repo, project_wide; got %q", req.Scope))
	}

	prior := run.Phase(bc.PriorPhase)
	var (
		res     Result
		event   *db.Event
		mirrors []*db.GitHubWrite
	)
	err = d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		updated, ev, err := d.machine.TransitionInTx(tx, run.TransitionRequest{
			RunID:       current.ID,
			To:          prior,
			Step:        stepFor(prior),
			TriggeredBy: req.ActorID,
			Reason:      "policy exception granted",
		})
		if err != nil {
			return err
		}
		event = ev

		act, err := d.record(tx, current, req, updated.Phase)
		if err != nil {
			return err
		}
		res = Result{Run: updated, Action: act}

		if err := tx.InsertOverride(&db.Override{
			ID:              id.NewOverride(),
			RunID:           current.ID,
			Kind:            "policy_exception",
			Scope:           req.Scope,
			ConstraintKind:  bc.ConstraintKind,
			ConstraintValue: bc.ConstraintValue,
			ConstraintHash:  bc.ConstraintHash,
			PolicySetID:     bc.PolicySetID,
			OperatorID:      req.ActorID,
			Justification:   req.Justification,
		}); err != nil {
			return err
		}

		w, err := outbox.Enqueue(tx, current.ID, db.WriteKindMirrorPolicyDecision, "", outbox.CommentPayload{
			Body: d.decisionComment(ctx, req, fmt.Sprintf("Policy exception granted (%s, scope %s)", bc.ConstraintKind, req.Scope)),
		})
		if err != nil {
			return err
		}
		mirrors = append(mirrors, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.notifier.EventCreated(ctx, event)
	d.enqueueMirrors(ctx, mirrors)
	return &res, nil
}

// denyPolicyException cancels a run the operator refused to unblock.
func (d *Dispatcher) denyPolicyException(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	bc, err := d.policyContext(current)
	if err != nil {
		return nil, err
	}
	if req.Comment == "" {
		return nil, conductorerrors.ErrValidation("comment", "deny_policy_exception requires a comment")
	}

	label := fmt.Sprintf("Policy exception denied (%s)", bc.ConstraintKind)
	res, err := d.cancelRun(ctx, current, req, "policy exception denied", db.WriteKindMirrorPolicyDecision, label)
	if err != nil {
		return nil, err
	}
	d.enqueueWorktreeCleanup(ctx, current.ID)
	return res, nil
}

// cancelRun is the shared terminal path for operator refusals: transition
// to cancelled/cleanup, audit, and mirror the decision.
func (d *Dispatcher) cancelRun(ctx context.Context, current *db.Run, req Request, reason, mirrorKind, mirrorLabel string) (*Result, error) {
	var (
		res     Result
		event   *db.Event
		mirrors []*db.GitHubWrite
	)
	err := d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		updated, ev, err := d.machine.TransitionInTx(tx, run.TransitionRequest{
			RunID:        current.ID,
			To:           run.PhaseCancelled,
			Step:         run.StepCleanup,
			TriggeredBy:  req.ActorID,
			Reason:       reason,
			Result:       run.ResultCancelled,
			ResultReason: req.Comment,
		})
		if err != nil {
			return err
		}
		event = ev

		act, err := d.record(tx, current, req, updated.Phase)
		if err != nil {
			return err
		}
		res = Result{Run: updated, Action: act}

		w, err := outbox.Enqueue(tx, current.ID, mirrorKind, "", outbox.CommentPayload{
			Body: d.decisionComment(ctx, req, mirrorLabel),
		})
		if err != nil {
			return err
		}
		mirrors = append(mirrors, w)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.notifier.EventCreated(ctx, event)
	d.enqueueMirrors(ctx, mirrors)
	return &res, nil
}

// record appends the audit row inside the caller's transaction.
func (d *Dispatcher) record(tx *db.TxOps, current *db.Run, req Request, toPhase string) (*db.OperatorAction, error) {
	act := &db.OperatorAction{
		ID:        id.NewAction(),
		RunID:     current.ID,
		ActorID:   req.ActorID,
		ActorType: "user",
		Action:    req.Action,
		Comment:   req.Comment,
		FromPhase: current.Phase,
		ToPhase:   toPhase,
	}
	if err := tx.InsertOperatorAction(act); err != nil {
		return nil, err
	}
	return act, nil
}

// recordOnly audits an enqueue-only action. The run row is untouched.
func (d *Dispatcher) recordOnly(ctx context.Context, current *db.Run, req Request) (*Result, error) {
	var act *db.OperatorAction
	err := d.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		act, err = d.record(tx, current, req, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Run: current, Action: act}, nil
}

// enqueueMirrors pushes committed outbox rows onto the github_writes queue.
// Failures are left to the outbox recovery sweep.
func (d *Dispatcher) enqueueMirrors(ctx context.Context, writes []*db.GitHubWrite) {
	for _, w := range writes {
		jobID, job := outbox.JobFor(w)
		if _, err := d.queue.AddJob(ctx, queue.GitHubWrites, jobID, job); err != nil {
			d.logger.Warn("enqueue github write failed, recovery sweep will retry",
				"write_id", w.ID, "error", err)
		}
	}
}

func (d *Dispatcher) enqueueWorktreeCleanup(ctx context.Context, runID string) {
	job := queue.CleanupJob{Type: queue.CleanupWorktree, TargetID: runID}
	if _, err := d.queue.AddJob(ctx, queue.Cleanup, queue.WorktreeCleanupJobID(runID), job); err != nil {
		d.logger.Warn("enqueue worktree cleanup failed, janitor will reconcile",
			"run_id", runID, "error", err)
	}
}

// decisionComment renders the mirror comment for a decision, attributed to
// the operator's login when it resolves.
func (d *Dispatcher) decisionComment(ctx context.Context, req Request, label string) string {
	actor := req.ActorID
	if user, err := d.store.GetUser(req.ActorID); err == nil && user != nil {
		actor = "@" + user.Login
	}
	body := fmt.Sprintf("**%s** by %s.", label, actor)
	if req.Comment != "" {
		body += "\n\n> " + req.Comment
	}
	if req.Justification != "" {
		body += "\n\n> " + req.Justification
	}
	return body
}

// stepFor picks the step a run resumes at for a given phase.
func stepFor(p run.Phase) string {
	switch p {
	case run.PhasePlanning:
		return run.StepPlannerCreatePlan
	case run.PhaseExecuting:
		return run.StepImplementerApplyChanges
	case run.PhaseAwaitingReview:
		return run.StepAwaitChecks
	default:
		return ""
	}
}
