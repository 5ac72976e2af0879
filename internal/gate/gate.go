// Package gate implements gate definitions, append-only evaluations, and the
// gated phase transition used by operator actions.
package gate

import (
	"context"
	"log/slog"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/run"
)

// Built-in gate ids.
const (
	PlanApproval = "plan_approval"
	TestsPass    = "tests_pass"
	CodeReview   = "code_review"
	MergeWait    = "merge_wait"
)

// builtInDefinitions are seeded idempotently at worker startup.
var builtInDefinitions = []db.GateDefinition{
	{
		ID:            PlanApproval,
		Kind:          db.GateKindHuman,
		Description:   "An operator must approve the plan before execution",
		DefaultConfig: `{"required": true, "timeout_hours": 72, "reminder_hours": 24}`,
	},
	{
		ID:            TestsPass,
		Kind:          db.GateKindAutomatic,
		Description:   "CI checks on the run branch must conclude successfully",
		DefaultConfig: `{"max_retries": 3, "timeout_minutes": 15, "allow_skip": false}`,
	},
	{
		ID:            CodeReview,
		Kind:          db.GateKindAutomatic,
		Description:   "The reviewer agent must accept the changes",
		DefaultConfig: `{"max_rounds": 3, "allow_accept_with_issues": true}`,
	},
	{
		ID:            MergeWait,
		Kind:          db.GateKindHuman,
		Description:   "An operator must merge the pull request",
		DefaultConfig: `{"required": true, "timeout_hours": 168}`,
	},
}

// requiredGates maps a source phase to the gates that must all be passed
// before leaving it forward. merge_wait participates in derived state but
// gates no automatic transition.
var requiredGates = map[run.Phase][]string{
	run.PhaseAwaitingPlanApproval: {PlanApproval},
	run.PhaseAwaitingReview:       {CodeReview, TestsPass},
}

// RequiredFor returns the gate ids that guard transitions out of a phase.
func RequiredFor(phase run.Phase) []string {
	gates := requiredGates[phase]
	out := make([]string, len(gates))
	copy(out, gates)
	return out
}

// Check is the outcome of a required-gate sweep.
type Check struct {
	AllPassed bool
	// BlockedBy names the first required gate that is not passed.
	BlockedBy string
}

// Engine evaluates gates and performs gated transitions.
type Engine struct {
	store    *db.Store
	machine  *run.Machine
	notifier *events.Notifier
	logger   *slog.Logger
}

// NewEngine creates a gate engine. The notifier may be nil.
func NewEngine(store *db.Store, machine *run.Machine, notifier *events.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, machine: machine, notifier: notifier, logger: logger}
}

// EnsureBuiltInDefinitions seeds the four built-in gates. Safe to call on
// every startup.
func (e *Engine) EnsureBuiltInDefinitions(ctx context.Context) error {
	for i := range builtInDefinitions {
		def := builtInDefinitions[i]
		created, err := e.store.SeedGateDefinition(&def)
		if err != nil {
			return err
		}
		if created {
			e.logger.Info("seeded gate definition", "gate_id", def.ID, "kind", def.Kind)
		}
	}
	return nil
}

// EvaluationRequest describes one appended verdict.
type EvaluationRequest struct {
	RunID            string
	GateID           string
	Kind             string
	Status           string
	Reason           string
	Details          string
	CausationEventID string
	DurationMs       *int64
}

// CreateEvaluation appends an evaluation inside the caller's transaction.
// The causation event orders this verdict relative to others for the same
// (run, gate) pair.
func (e *Engine) CreateEvaluation(tx *db.TxOps, req EvaluationRequest) (*db.GateEvaluation, error) {
	if req.CausationEventID == "" {
		return nil, conductorerrors.ErrValidation("causation_event_id", "gate evaluations must reference the event that caused them")
	}
	eval := &db.GateEvaluation{
		ID:               id.NewGateEvaluation(),
		RunID:            req.RunID,
		GateID:           req.GateID,
		Kind:             req.Kind,
		Status:           req.Status,
		Reason:           req.Reason,
		Details:          req.Details,
		CausationEventID: req.CausationEventID,
		DurationMs:       req.DurationMs,
	}
	if err := tx.InsertGateEvaluation(eval); err != nil {
		return nil, err
	}
	return eval, nil
}

// DeriveGateState reduces a run's evaluations to gateID → status. Gates with
// no evaluation are absent from the result.
func (e *Engine) DeriveGateState(runID string) (map[string]string, error) {
	latest, err := e.store.LatestGateEvaluations(runID)
	if err != nil {
		return nil, err
	}
	state := make(map[string]string, len(latest))
	for gateID, eval := range latest {
		state[gateID] = eval.Status
	}
	return state, nil
}

// CheckInTx sweeps the required gates for fromPhase inside the caller's
// transaction. A gate with no evaluation counts as not passed.
func (e *Engine) CheckInTx(tx *db.TxOps, runID string, fromPhase run.Phase) (Check, error) {
	required := requiredGates[fromPhase]
	if len(required) == 0 {
		return Check{AllPassed: true}, nil
	}

	latest, err := tx.LatestGateEvaluations(runID)
	if err != nil {
		return Check{}, err
	}
	for _, gateID := range required {
		eval, ok := latest[gateID]
		if !ok || eval.Status != db.GateStatusPassed {
			return Check{BlockedBy: gateID}, nil
		}
	}
	return Check{AllPassed: true}, nil
}

// EvaluateGatesAndTransition checks the required gates for fromPhase and,
// only if all passed, applies the transition. Check and transition share one
// transaction. A failed check returns no error and no run; the caller maps
// BlockedBy to its own conflict handling.
func (e *Engine) EvaluateGatesAndTransition(ctx context.Context, fromPhase run.Phase, req run.TransitionRequest) (Check, *db.Run, error) {
	var (
		check   Check
		updated *db.Run
		event   *db.Event
	)
	err := e.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		check, updated, event, err = e.evaluateInTx(tx, fromPhase, req)
		return err
	})
	if err != nil {
		return Check{}, nil, err
	}
	e.notifier.EventCreated(ctx, event)
	return check, updated, nil
}

// EvaluateInTx is the composable form for callers owning the transaction.
// The returned event must be published after commit.
func (e *Engine) EvaluateInTx(tx *db.TxOps, fromPhase run.Phase, req run.TransitionRequest) (Check, *db.Run, *db.Event, error) {
	return e.evaluateInTx(tx, fromPhase, req)
}

func (e *Engine) evaluateInTx(tx *db.TxOps, fromPhase run.Phase, req run.TransitionRequest) (Check, *db.Run, *db.Event, error) {
	check, err := e.CheckInTx(tx, req.RunID, fromPhase)
	if err != nil {
		return Check{}, nil, nil, err
	}
	if !check.AllPassed {
		return check, nil, nil, nil
	}
	updated, event, err := e.machine.TransitionInTx(tx, req)
	if err != nil {
		return Check{}, nil, nil, err
	}
	return check, updated, event, nil
}

// RunsAwaitingGates lists the project's runs parked on a human decision,
// oldest first.
func (e *Engine) RunsAwaitingGates(projectID string) ([]*db.Run, error) {
	return e.store.ListRunsAwaitingGates(projectID)
}
