// Package events provides the event vocabulary and pub/sub fan-out for
// conductor. Events are persisted through the store inside the transaction
// that produced them; the bus only carries post-commit notifications.
package events

import (
	"encoding/json"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
)

// Event classes.
const (
	ClassDecision = "decision"
	ClassExternal = "external"
	ClassAgent    = "agent"
	ClassOperator = "operator"
	ClassGate     = "gate"
)

// Internal event types.
const (
	TypeRunPhaseChanged      = "run.phase_changed"
	TypeRunPROpened          = "run.pr_opened"
	TypeRunPRMerged          = "run.pr_merged"
	TypeRunPRClosed          = "run.pr_closed"
	TypeRunPRReviewRequested = "run.pr_review_requested"
	TypeRunPRSynchronize     = "run.pr_synchronize"
	TypeRunReviewSubmitted   = "run.review_submitted"
	TypeRunChecksCompleted   = "run.checks_completed"
	TypeTaskCommentCreated   = "task.comment_created"
	TypeRepoPush             = "repo.push"
	TypeGateEvaluated        = "gate.evaluated"
)

// TaskIssueType returns the internal type for an issues webhook action,
// e.g. "task.issue_opened".
func TaskIssueType(action string) string {
	return "task.issue_" + action
}

// PhaseChangedPayload is the payload of a run.phase_changed event.
type PhaseChangedPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Step        string `json:"step,omitempty"`
	TriggeredBy string `json:"triggered_by"`
	Reason      string `json:"reason,omitempty"`
}

// GateEvaluatedPayload is the payload of a gate.evaluated event.
type GateEvaluatedPayload struct {
	GateID string `json:"gate_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Envelope is the wire form of a committed event, as fanned out to stream
// subscribers. Sequence is the global ordering primitive.
type Envelope struct {
	Sequence    int64           `json:"sequence"`
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	RunID       string          `json:"run_id,omitempty"`
	Type        string          `json:"type"`
	Class       string          `json:"class"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProjectName string          `json:"project_name,omitempty"`
	TaskTitle   string          `json:"task_title,omitempty"`
}

// NewEnvelope converts a persisted event to its wire form.
func NewEnvelope(rec *db.Event) Envelope {
	return Envelope{
		Sequence:  rec.Sequence,
		ID:        rec.ID,
		ProjectID: rec.ProjectID,
		RunID:     rec.RunID,
		Type:      rec.Type,
		Class:     rec.Class,
		Payload:   json.RawMessage(rec.Payload),
		Source:    rec.Source,
		CreatedAt: rec.CreatedAt,
	}
}

// NewEnrichedEnvelope converts an enriched event row, carrying the resolved
// project name and task title alongside the event.
func NewEnrichedEnvelope(rec *db.EnrichedEvent) Envelope {
	env := NewEnvelope(&rec.Event)
	env.ProjectName = rec.ProjectName
	env.TaskTitle = rec.TaskTitle
	return env
}
