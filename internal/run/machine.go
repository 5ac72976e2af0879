// Package run implements the run lifecycle: the phase transition table and
// the machine that applies transitions atomically with their audit events.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
)

// TransitionRequest describes one phase change.
type TransitionRequest struct {
	RunID       string
	To          Phase
	Step        string
	TriggeredBy string
	Reason      string

	// Result and ResultReason are set on transitions into a terminal phase.
	Result       string
	ResultReason string

	// BlockedReason and BlockedContext are required when To is blocked. The
	// machine adds prior_phase to the context itself.
	BlockedReason  string
	BlockedContext map[string]any

	// PlanRevisions replaces the stored counter when non-nil, so callers can
	// bump it atomically with the transition.
	PlanRevisions *int

	// IdempotencyKey dedupes the phase_changed event. Left empty, every
	// transition is a fresh fact.
	IdempotencyKey string
}

// Machine applies phase transitions against the store. Every successful
// transition appends a run.phase_changed event in the same transaction and
// publishes it after commit.
type Machine struct {
	store    *db.Store
	notifier *events.Notifier
	logger   *slog.Logger
}

// NewMachine creates a machine. The notifier may be nil.
func NewMachine(store *db.Store, notifier *events.Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, notifier: notifier, logger: logger}
}

// TransitionPhase applies one transition in its own transaction.
func (m *Machine) TransitionPhase(ctx context.Context, req TransitionRequest) (*db.Run, error) {
	var (
		updated *db.Run
		event   *db.Event
	)
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		var err error
		updated, event, err = m.TransitionInTx(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.notifier.EventCreated(ctx, event)
	m.logger.Info("run phase changed",
		"run_id", updated.ID,
		"sequence", event.Sequence,
		"phase", updated.Phase,
		"step", updated.Step,
		"triggered_by", req.TriggeredBy)
	return updated, nil
}

// TransitionInTx applies one transition inside a caller-owned transaction,
// so operator actions and webhook handling can compose it with their own
// writes. The returned event must be published by the caller after commit.
func (m *Machine) TransitionInTx(tx *db.TxOps, req TransitionRequest) (*db.Run, *db.Event, error) {
	if !Valid(req.To) {
		return nil, nil, conductorerrors.ErrValidation("phase", fmt.Sprintf("unknown phase %q", req.To))
	}

	current, err := tx.GetRun(req.RunID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, conductorerrors.ErrRunNotFound(req.RunID)
	}

	from := Phase(current.Phase)
	if Terminal(from) {
		return nil, nil, conductorerrors.ErrAlreadyTerminal(current.ID, current.Phase)
	}
	if !CanTransition(from, req.To) {
		return nil, nil, conductorerrors.ErrInvalidTransition(current.ID, current.Phase, string(req.To))
	}

	blockedReason := current.BlockedReason
	blockedContext := current.BlockedContext
	switch {
	case req.To == PhaseBlocked:
		if req.BlockedReason == "" {
			return nil, nil, conductorerrors.ErrValidation("blocked_reason", "entering blocked requires a reason")
		}
		ctxJSON, err := blockedContextJSON(from, req.BlockedContext)
		if err != nil {
			return nil, nil, err
		}
		blockedReason = req.BlockedReason
		blockedContext = ctxJSON
	case from == PhaseBlocked:
		// Leaving blocked clears the substate in the same update.
		blockedReason = ""
		blockedContext = ""
	}

	result := current.Result
	if req.Result != "" {
		result = req.Result
	}
	resultReason := current.ResultReason
	if req.ResultReason != "" {
		resultReason = req.ResultReason
	}

	revisions := current.PlanRevisions
	if req.PlanRevisions != nil {
		revisions = *req.PlanRevisions
	}

	completedAt := current.CompletedAt
	if Terminal(req.To) {
		now := time.Now()
		completedAt = &now
	}

	payload, err := json.Marshal(events.PhaseChangedPayload{
		From:        string(from),
		To:          string(req.To),
		Step:        req.Step,
		TriggeredBy: req.TriggeredBy,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal phase payload: %w", err)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "phase:" + current.ID + ":" + uuid.NewString()
	}
	event, err := tx.CreateEvent(current.ProjectID, current.ID,
		events.TypeRunPhaseChanged, events.ClassDecision, string(payload), key, req.TriggeredBy)
	if err != nil {
		return nil, nil, err
	}
	if event == nil {
		// The key was consumed by an earlier transition, so this request
		// already took effect.
		return nil, nil, conductorerrors.ErrInvalidTransition(current.ID, current.Phase, string(req.To))
	}

	err = tx.UpdateRunPhase(current.ID, db.RunPhaseUpdate{
		Phase:             string(req.To),
		Step:              req.Step,
		Status:            statusFor(req.To),
		Result:            result,
		ResultReason:      resultReason,
		BlockedReason:     blockedReason,
		BlockedContext:    blockedContext,
		PlanRevisions:     revisions,
		LastEventSequence: event.Sequence,
		CompletedAt:       completedAt,
	})
	if err != nil {
		return nil, nil, err
	}

	if Terminal(req.To) {
		if err := tx.ClearTaskActiveRun(current.TaskID); err != nil {
			return nil, nil, err
		}
	}

	updated, err := tx.GetRun(current.ID)
	if err != nil {
		return nil, nil, err
	}
	return updated, event, nil
}

// MarkRunFailed drives a run to completed with result failure. Phases with
// no direct edge to completed route through blocked (and pending through
// planning first) so the recorded transition chain stays inside the allowed
// table. All hops happen in one transaction.
func (m *Machine) MarkRunFailed(ctx context.Context, runID, reason, triggeredBy string) (*db.Run, error) {
	var (
		updated   *db.Run
		published []*db.Event
	)
	err := m.store.RunInTx(ctx, func(tx *db.TxOps) error {
		current, err := tx.GetRun(runID)
		if err != nil {
			return err
		}
		if current == nil {
			return conductorerrors.ErrRunNotFound(runID)
		}
		from := Phase(current.Phase)
		if Terminal(from) {
			return conductorerrors.ErrAlreadyTerminal(current.ID, current.Phase)
		}

		for _, to := range pathToCompleted(from) {
			req := TransitionRequest{
				RunID:       runID,
				To:          to,
				TriggeredBy: triggeredBy,
				Reason:      reason,
			}
			switch to {
			case PhaseBlocked:
				req.BlockedReason = BlockedAgentError
				req.BlockedContext = map[string]any{"error": reason}
			case PhaseCompleted:
				req.Step = StepCleanup
				req.Result = ResultFailure
				req.ResultReason = reason
			}
			var event *db.Event
			updated, event, err = m.TransitionInTx(tx, req)
			if err != nil {
				return err
			}
			published = append(published, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.notifier.EventsCreated(ctx, published)
	m.logger.Warn("run failed", "run_id", runID, "reason", reason)
	return updated, nil
}

// pathToCompleted returns the hop chain from a phase to completed using only
// allowed transitions.
func pathToCompleted(from Phase) []Phase {
	switch from {
	case PhaseAwaitingReview, PhaseBlocked:
		return []Phase{PhaseCompleted}
	case PhasePending:
		return []Phase{PhasePlanning, PhaseBlocked, PhaseCompleted}
	default:
		return []Phase{PhaseBlocked, PhaseCompleted}
	}
}

func statusFor(to Phase) string {
	switch to {
	case PhaseCompleted:
		return db.RunStatusCompleted
	case PhaseCancelled:
		return db.RunStatusCancelled
	default:
		return db.RunStatusActive
	}
}

// blockedContextJSON merges the caller's context fields with the prior phase.
func blockedContextJSON(from Phase, fields map[string]any) (string, error) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["prior_phase"] = string(from)
	data, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshal blocked context: %w", err)
	}
	return string(data), nil
}
