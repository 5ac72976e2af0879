package action

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
)

type fixture struct {
	d       *Dispatcher
	store   *db.Store
	queue   *queue.Client
	mr      *miniredis.Miniredis
	machine *run.Machine
	engine  *gate.Engine
	user    *db.User
	run     *db.Run
}

// newFixture seeds the entity chain, walks the run to phase, and wires a
// dispatcher against a fresh store and queue.
func newFixture(t *testing.T, phase run.Phase) *fixture {
	t.Helper()

	store := db.NewTestStore(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	qc := queue.NewWithClient(rdb, nil)

	notifier := events.NewNotifier(events.NewMemoryBus(), nil)
	machine := run.NewMachine(store, notifier, nil)
	engine := gate.NewEngine(store, machine, notifier, nil)
	require.NoError(t, engine.EnsureBuiltInDefinitions(context.Background()))

	user, err := store.UpsertUserByGithubID(42, "octocat")
	require.NoError(t, err)

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
	err = store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		return tx.InsertProject(project)
	})
	require.NoError(t, err)

	repo := &db.Repo{
		ID:            id.New(id.PrefixRepo),
		ProjectID:     project.ID,
		GithubID:      555,
		NodeID:        "R_" + project.ID,
		Owner:         "acme-org",
		Name:          "widget",
		DefaultBranch: "main",
		Status:        db.RepoStatusActive,
	}
	require.NoError(t, store.UpsertRepo(repo))

	task := &db.Task{
		ID:          id.New(id.PrefixTask),
		ProjectID:   project.ID,
		RepoID:      repo.ID,
		IssueNumber: 12,
		IssueNodeID: "I_" + project.ID,
		Title:       "fix the widget",
		State:       "open",
	}
	seeded := &db.Run{
		ID:         id.NewRun(),
		TaskID:     task.ID,
		ProjectID:  project.ID,
		RepoID:     repo.ID,
		BaseBranch: "main",
	}
	err = store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		if err := tx.InsertTask(task); err != nil {
			return err
		}
		return tx.InsertRun(seeded)
	})
	require.NoError(t, err)

	fx := &fixture{
		d:       NewDispatcher(store, machine, engine, qc, notifier, nil),
		store:   store,
		queue:   qc,
		mr:      mr,
		machine: machine,
		engine:  engine,
		user:    user,
	}
	fx.advanceTo(t, seeded.ID, phase)

	current, err := store.GetRun(seeded.ID)
	require.NoError(t, err)
	fx.run = current
	return fx
}

func (fx *fixture) advanceTo(t *testing.T, runID string, phase run.Phase) {
	t.Helper()
	route := map[run.Phase][]run.Phase{
		run.PhasePending:              nil,
		run.PhasePlanning:             {run.PhasePlanning},
		run.PhaseAwaitingPlanApproval: {run.PhasePlanning, run.PhaseAwaitingPlanApproval},
		run.PhaseExecuting:            {run.PhasePlanning, run.PhaseAwaitingPlanApproval, run.PhaseExecuting},
	}
	for _, to := range route[phase] {
		_, err := fx.machine.TransitionPhase(context.Background(), run.TransitionRequest{
			RunID: runID, To: to, TriggeredBy: "test",
		})
		require.NoError(t, err)
	}
}

// block moves the fixture run into blocked with the given reason and
// context, recording the current phase as prior_phase.
func (fx *fixture) block(t *testing.T, reason string, blockedCtx map[string]any) {
	t.Helper()
	updated, err := fx.machine.TransitionPhase(context.Background(), run.TransitionRequest{
		RunID:          fx.run.ID,
		To:             run.PhaseBlocked,
		TriggeredBy:    "test",
		BlockedReason:  reason,
		BlockedContext: blockedCtx,
	})
	require.NoError(t, err)
	fx.run = updated
}

// passPlanApproval records a passed plan_approval evaluation with a
// causation event, the way the agent result handler would.
func (fx *fixture) passPlanApproval(t *testing.T) {
	t.Helper()
	err := fx.store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		event, err := tx.CreateEvent(fx.run.ProjectID, fx.run.ID, "gate.evaluated", "gate", `{}`,
			"eval:"+id.NewGateEvaluation(), "test")
		if err != nil {
			return err
		}
		_, err = fx.engine.CreateEvaluation(tx, gate.EvaluationRequest{
			RunID:            fx.run.ID,
			GateID:           gate.PlanApproval,
			Kind:             db.GateKindHuman,
			Status:           db.GateStatusPassed,
			CausationEventID: event.ID,
		})
		return err
	})
	require.NoError(t, err)
}

func (fx *fixture) dispatch(t *testing.T, req Request) (*Result, error) {
	t.Helper()
	if req.RunID == "" {
		req.RunID = fx.run.ID
	}
	if req.ActorID == "" {
		req.ActorID = fx.user.ID
	}
	return fx.d.Dispatch(context.Background(), req)
}

func (fx *fixture) actions(t *testing.T) []*db.OperatorAction {
	t.Helper()
	acts, err := fx.store.ListActionsForRun(fx.run.ID)
	require.NoError(t, err)
	return acts
}

func (fx *fixture) writes(t *testing.T) []*db.GitHubWrite {
	t.Helper()
	writes, err := fx.store.ListWritesForRun(fx.run.ID)
	require.NoError(t, err)
	return writes
}

func (fx *fixture) waiting(t *testing.T, q queue.Name) int64 {
	t.Helper()
	counts, err := fx.queue.Counts(context.Background(), q)
	require.NoError(t, err)
	return counts[queue.StatusWaiting]
}

func assertCode(t *testing.T, err error, code conductorerrors.Code) {
	t.Helper()
	var ce *conductorerrors.ConductorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

func TestApprovePlan_TransitionsAuditsAndMirrors(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)
	fx.passPlanApproval(t)

	res, err := fx.dispatch(t, Request{Action: ApprovePlan})
	require.NoError(t, err)

	assert.Equal(t, string(run.PhaseExecuting), res.Run.Phase)
	assert.Equal(t, run.StepImplementerApplyChanges, res.Run.Step)

	acts := fx.actions(t)
	require.Len(t, acts, 1)
	assert.Equal(t, ApprovePlan, acts[0].Action)
	assert.Equal(t, fx.user.ID, acts[0].ActorID)
	assert.Equal(t, string(run.PhaseAwaitingPlanApproval), acts[0].FromPhase)
	assert.Equal(t, string(run.PhaseExecuting), acts[0].ToPhase)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteKindMirrorApproval, writes[0].Kind)
	assert.Equal(t, db.WriteStatusPending, writes[0].Status)
	assert.Contains(t, writes[0].Payload, "@octocat")

	// The mirror job is queued under the write row id.
	job, err := fx.queue.GetJob(context.Background(), queue.GitHubWrites, writes[0].ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, string(job.Payload), `"githubWriteId":"`+writes[0].ID+`"`)
}

func TestApprovePlan_GateNotPassed(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)

	// No plan_approval evaluation exists, so approval must be refused.
	_, err := fx.dispatch(t, Request{Action: ApprovePlan})
	assertCode(t, err, conductorerrors.CodeGateNotPassed)

	current, err := fx.store.GetRun(fx.run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(run.PhaseAwaitingPlanApproval), current.Phase)
	assert.Empty(t, fx.actions(t))
	assert.Empty(t, fx.writes(t))
	assert.Zero(t, fx.waiting(t, queue.GitHubWrites))
}

func TestApprovePlan_WrongPhase(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhasePlanning)

	_, err := fx.dispatch(t, Request{Action: ApprovePlan})
	assertCode(t, err, conductorerrors.CodeActionNotAllowed)
	assert.Empty(t, fx.actions(t))
}

func TestRevisePlan_ReturnsToPlanning(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)

	res, err := fx.dispatch(t, Request{Action: RevisePlan, Comment: "split the migration into two steps"})
	require.NoError(t, err)

	assert.Equal(t, string(run.PhasePlanning), res.Run.Phase)
	assert.Equal(t, run.StepPlannerCreatePlan, res.Run.Step)
	assert.Equal(t, 1, res.Run.PlanRevisions)

	acts := fx.actions(t)
	require.Len(t, acts, 1)
	assert.Equal(t, RevisePlan, acts[0].Action)
	assert.Equal(t, "split the migration into two steps", acts[0].Comment)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteKindPostComment, writes[0].Kind)
	assert.Contains(t, writes[0].Payload, "split the migration into two steps")
}

func TestRevisePlan_RequiresComment(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)

	_, err := fx.dispatch(t, Request{Action: RevisePlan})
	assertCode(t, err, conductorerrors.CodeValidation)
	assert.Empty(t, fx.actions(t))
	assert.Empty(t, fx.writes(t))
}

func TestRevisePlan_ThirdRevisionBlocks(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)

	// Two revisions round-trip through planning.
	for i := 1; i <= 2; i++ {
		res, err := fx.dispatch(t, Request{Action: RevisePlan, Comment: "revise again"})
		require.NoError(t, err)
		assert.Equal(t, string(run.PhasePlanning), res.Run.Phase)
		assert.Equal(t, i, res.Run.PlanRevisions)

		_, err = fx.machine.TransitionPhase(context.Background(), run.TransitionRequest{
			RunID: fx.run.ID, To: run.PhaseAwaitingPlanApproval, TriggeredBy: "test",
		})
		require.NoError(t, err)
	}

	// The third revision exhausts the budget.
	res, err := fx.dispatch(t, Request{Action: RevisePlan, Comment: "one more"})
	require.NoError(t, err)
	assert.Equal(t, string(run.PhaseBlocked), res.Run.Phase)
	assert.Equal(t, run.BlockedRetryLimitExceeded, res.Run.BlockedReason)
	assert.Equal(t, 3, res.Run.PlanRevisions)

	var blockedCtx map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Run.BlockedContext), &blockedCtx))
	assert.Equal(t, float64(3), blockedCtx["revisions"])
	assert.Equal(t, string(run.PhaseAwaitingPlanApproval), blockedCtx["prior_phase"])

	assert.Len(t, fx.actions(t), 3)
}

func TestRejectRun_CancelsAndCleansUp(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)

	_, err := fx.dispatch(t, Request{Action: RejectRun})
	assertCode(t, err, conductorerrors.CodeValidation)

	res, err := fx.dispatch(t, Request{Action: RejectRun, Comment: "wrong approach entirely"})
	require.NoError(t, err)

	assert.Equal(t, string(run.PhaseCancelled), res.Run.Phase)
	assert.Equal(t, run.StepCleanup, res.Run.Step)
	assert.Equal(t, run.ResultCancelled, res.Run.Result)
	assert.Equal(t, "wrong approach entirely", res.Run.ResultReason)
	require.NotNil(t, res.Run.CompletedAt)

	// Terminal transitions release the task's active-run pointer.
	task, err := fx.store.GetTask(fx.run.TaskID)
	require.NoError(t, err)
	assert.Empty(t, task.ActiveRunID)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteKindMirrorRejection, writes[0].Kind)

	job, err := fx.queue.GetJob(context.Background(), queue.Cleanup, queue.WorktreeCleanupJobID(fx.run.ID))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, string(job.Payload), `"targetId":"`+fx.run.ID+`"`)
}

func TestRetry_EnqueuesResumeThenAudits(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)
	fx.block(t, run.BlockedAgentError, map[string]any{"error": "agent crashed"})

	res, err := fx.dispatch(t, Request{Action: Retry})
	require.NoError(t, err)

	// The run itself is untouched; the worker owns the resume.
	assert.Equal(t, string(run.PhaseBlocked), res.Run.Phase)

	acts := fx.actions(t)
	require.Len(t, acts, 1)
	assert.Equal(t, Retry, acts[0].Action)
	assert.Empty(t, acts[0].ToPhase)

	ids, err := fx.mr.List("conductor:runs:wait")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, strings.HasPrefix(ids[0], "run-retry-"+fx.run.ID+"-"), "job id = %s", ids[0])

	job, err := fx.queue.GetJob(context.Background(), queue.Runs, ids[0])
	require.NoError(t, err)
	require.NotNil(t, job)

	var rj queue.RunJob
	require.NoError(t, json.Unmarshal(job.Payload, &rj))
	assert.Equal(t, fx.run.ID, rj.RunID)
	assert.Equal(t, queue.RunActionResume, rj.Action)
	assert.Equal(t, string(run.PhaseBlocked), rj.FromPhase)
	assert.Equal(t, res.Run.LastEventSequence, rj.FromSequence)
}

func TestRetry_NotBlocked(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)

	_, err := fx.dispatch(t, Request{Action: Retry})
	assertCode(t, err, conductorerrors.CodeActionNotAllowed)
	assert.Empty(t, fx.actions(t))
}

func TestRetry_EnqueueFailureSkipsAudit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)
	fx.block(t, run.BlockedAgentError, map[string]any{"error": "agent crashed"})

	fx.mr.Close()

	_, err := fx.dispatch(t, Request{Action: Retry})
	assertCode(t, err, conductorerrors.CodeEnqueueFailed)

	// Nothing was enqueued, so nothing may be audited.
	assert.Empty(t, fx.actions(t))
}

func TestCancel_EnqueuesUnderStableID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)

	res, err := fx.dispatch(t, Request{Action: Cancel})
	require.NoError(t, err)

	// The dispatcher only requests cancellation.
	assert.Equal(t, string(run.PhaseExecuting), res.Run.Phase)

	job, err := fx.queue.GetJob(context.Background(), queue.Runs, queue.RunCancelJobID(fx.run.ID))
	require.NoError(t, err)
	require.NotNil(t, job)

	var rj queue.RunJob
	require.NoError(t, json.Unmarshal(job.Payload, &rj))
	assert.Equal(t, queue.RunActionCancel, rj.Action)
	assert.Equal(t, string(run.PhaseExecuting), rj.FromPhase)

	// A second cancel collapses onto the same job but is still audited.
	_, err = fx.dispatch(t, Request{Action: Cancel})
	require.NoError(t, err)
	assert.Equal(t, int64(1), fx.waiting(t, queue.Runs))
	assert.Len(t, fx.actions(t), 2)
}

func TestCancel_TerminalRun(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)
	_, err := fx.machine.TransitionPhase(context.Background(), run.TransitionRequest{
		RunID: fx.run.ID, To: run.PhaseCancelled, Step: run.StepCleanup,
		TriggeredBy: "test", Result: run.ResultCancelled,
	})
	require.NoError(t, err)

	_, err = fx.dispatch(t, Request{Action: Cancel})
	assertCode(t, err, conductorerrors.CodeAlreadyTerminal)
	assert.Zero(t, fx.waiting(t, queue.Runs))
	assert.Empty(t, fx.actions(t))
}

// policyBlocked walks the run to executing and blocks it on a policy
// violation with a fully populated context.
func policyBlocked(t *testing.T) *fixture {
	t.Helper()
	fx := newFixture(t, run.PhaseExecuting)
	fx.block(t, run.BlockedPolicyExceptionRequired, map[string]any{
		"policy_id":        "pol_max_files",
		"policy_set_id":    "ps_default",
		"constraint_kind":  "max_changed_files",
		"constraint_value": "25",
		"constraint_hash":  "sha256:9f1c",
	})
	return fx
}

func TestGrantPolicyException_ResumesPriorPhase(t *testing.T) {
	t.Parallel()

	fx := policyBlocked(t)

	res, err := fx.dispatch(t, Request{
		Action:        GrantPolicyException,
		Justification: "release hotfix touches generated files",
		Scope:         db.OverrideScopeThisRun,
	})
	require.NoError(t, err)

	assert.Equal(t, string(run.PhaseExecuting), res.Run.Phase)
	assert.Equal(t, run.StepImplementerApplyChanges, res.Run.Step)
	assert.Empty(t, res.Run.BlockedReason)
	assert.Empty(t, res.Run.BlockedContext)

	overrides, err := fx.store.ListOverridesForRun(fx.run.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	ov := overrides[0]
	assert.Equal(t, "policy_exception", ov.Kind)
	assert.Equal(t, db.OverrideScopeThisRun, ov.Scope)
	assert.Equal(t, "max_changed_files", ov.ConstraintKind)
	assert.Equal(t, "25", ov.ConstraintValue)
	assert.Equal(t, "sha256:9f1c", ov.ConstraintHash)
	assert.Equal(t, "ps_default", ov.PolicySetID)
	assert.Equal(t, fx.user.ID, ov.OperatorID)
	assert.Equal(t, "release hotfix touches generated files", ov.Justification)

	acts := fx.actions(t)
	require.Len(t, acts, 1)
	assert.Equal(t, string(run.PhaseBlocked), acts[0].FromPhase)
	assert.Equal(t, string(run.PhaseExecuting), acts[0].ToPhase)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteKindMirrorPolicyDecision, writes[0].Kind)
	assert.Contains(t, writes[0].Payload, "max_changed_files")
}

func TestGrantPolicyException_Preconditions(t *testing.T) {
	t.Parallel()

	t.Run("missing justification", func(t *testing.T) {
		t.Parallel()
		fx := policyBlocked(t)
		_, err := fx.dispatch(t, Request{Action: GrantPolicyException, Scope: db.OverrideScopeThisRun})
		assertCode(t, err, conductorerrors.CodeValidation)
	})

	t.Run("invalid scope", func(t *testing.T) {
		t.Parallel()
		fx := policyBlocked(t)
		_, err := fx.dispatch(t, Request{Action: GrantPolicyException, Justification: "j", Scope: "everywhere"})
		assertCode(t, err, conductorerrors.CodeValidation)
	})

	t.Run("wrong blocked reason", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, run.PhaseExecuting)
		fx.block(t, run.BlockedAgentError, map[string]any{"error": "boom"})
		_, err := fx.dispatch(t, Request{Action: GrantPolicyException, Justification: "j", Scope: db.OverrideScopeThisRun})
		assertCode(t, err, conductorerrors.CodeActionNotAllowed)
	})

	t.Run("not blocked", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, run.PhaseExecuting)
		_, err := fx.dispatch(t, Request{Action: GrantPolicyException, Justification: "j", Scope: db.OverrideScopeThisRun})
		assertCode(t, err, conductorerrors.CodeActionNotAllowed)
	})

	t.Run("context missing policy details", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t, run.PhaseExecuting)
		fx.block(t, run.BlockedPolicyExceptionRequired, map[string]any{"constraint_kind": "max_changed_files"})
		_, err := fx.dispatch(t, Request{Action: GrantPolicyException, Justification: "j", Scope: db.OverrideScopeThisRun})
		assertCode(t, err, conductorerrors.CodeValidation)

		overrides, err := fx.store.ListOverridesForRun(fx.run.ID)
		require.NoError(t, err)
		assert.Empty(t, overrides)
	})
}

func TestDenyPolicyException_CancelsRun(t *testing.T) {
	t.Parallel()

	fx := policyBlocked(t)

	_, err := fx.dispatch(t, Request{Action: DenyPolicyException})
	assertCode(t, err, conductorerrors.CodeValidation)

	res, err := fx.dispatch(t, Request{Action: DenyPolicyException, Comment: "no exceptions for generated files"})
	require.NoError(t, err)

	assert.Equal(t, string(run.PhaseCancelled), res.Run.Phase)
	assert.Equal(t, run.ResultCancelled, res.Run.Result)

	// Denial records no override.
	overrides, err := fx.store.ListOverridesForRun(fx.run.ID)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteKindMirrorPolicyDecision, writes[0].Kind)
	assert.Contains(t, writes[0].Payload, "denied")

	job, err := fx.queue.GetJob(context.Background(), queue.Cleanup, queue.WorktreeCleanupJobID(fx.run.ID))
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestDispatch_UnknownAction(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseExecuting)

	_, err := fx.dispatch(t, Request{Action: "promote_to_admin"})
	assertCode(t, err, conductorerrors.CodeValidation)
}

func TestDispatch_RunNotFound(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhasePending)

	_, err := fx.d.Dispatch(context.Background(), Request{RunID: "run_missing", Action: Cancel, ActorID: fx.user.ID})
	assertCode(t, err, conductorerrors.CodeRunNotFound)
}

func TestMirrorEnqueueFailureLeavesRowForRecovery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, run.PhaseAwaitingPlanApproval)
	fx.passPlanApproval(t)

	// Queue loss after commit must not fail the action; the pending row is
	// picked up by the outbox recovery sweep.
	fx.mr.Close()

	res, err := fx.dispatch(t, Request{Action: ApprovePlan})
	require.NoError(t, err)
	assert.Equal(t, string(run.PhaseExecuting), res.Run.Phase)

	writes := fx.writes(t)
	require.Len(t, writes, 1)
	assert.Equal(t, db.WriteStatusPending, writes[0].Status)

	time.Sleep(20 * time.Millisecond)
	pending, err := fx.store.ListPendingWritesOlderThan(time.Now().Add(-10*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, writes[0].ID, pending[0].ID)
}
