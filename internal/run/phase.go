package run

// Phase is the canonical high-level state of a run.
type Phase string

const (
	PhasePending              Phase = "pending"
	PhasePlanning             Phase = "planning"
	PhaseAwaitingPlanApproval Phase = "awaiting_plan_approval"
	PhaseExecuting            Phase = "executing"
	PhaseAwaitingReview       Phase = "awaiting_review"
	PhaseBlocked              Phase = "blocked"
	PhaseCompleted            Phase = "completed"
	PhaseCancelled            Phase = "cancelled"
)

// Steps a transition target pins alongside the phase.
const (
	StepPlannerCreatePlan       = "planner_create_plan"
	StepAwaitOperator           = "await_operator"
	StepImplementerApplyChanges = "implementer_apply_changes"
	StepAwaitChecks             = "await_checks"
	StepCleanup                 = "cleanup"
)

// Blocked reasons. The set is open ended; these are the reasons the kernel
// itself produces.
const (
	BlockedGateFailed              = "gate_failed"
	BlockedPolicyExceptionRequired = "policy_exception_required"
	BlockedRetryLimitExceeded      = "retry_limit_exceeded"
	BlockedEnqueueFailed           = "enqueue_failed"
	BlockedAgentError              = "agent_error"
)

// Run results, set when a run reaches a terminal phase.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultCancelled = "cancelled"
)

// transitions is the allowed-transition table. A phase absent from the map
// is terminal.
var transitions = map[Phase][]Phase{
	PhasePending:              {PhasePlanning, PhaseCancelled},
	PhasePlanning:             {PhaseAwaitingPlanApproval, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingPlanApproval: {PhaseExecuting, PhasePlanning, PhaseCancelled, PhaseBlocked},
	PhaseExecuting:            {PhaseAwaitingReview, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingReview:       {PhaseCompleted, PhaseExecuting, PhaseBlocked, PhaseCancelled},
	PhaseBlocked:              {PhaseExecuting, PhasePlanning, PhaseCancelled, PhaseCompleted},
}

// Valid reports whether p is a known phase.
func Valid(p Phase) bool {
	if _, ok := transitions[p]; ok {
		return true
	}
	return Terminal(p)
}

// Terminal reports whether a run in phase p can never change phase again.
func Terminal(p Phase) bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// CanTransition reports whether from → to is in the allowed set.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the destinations reachable from a phase.
func AllowedFrom(from Phase) []Phase {
	next := transitions[from]
	out := make([]Phase, len(next))
	copy(out, next)
	return out
}
