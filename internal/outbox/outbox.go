// Package outbox implements reliable forge writes. A caller inserts the
// write row in the same transaction as the state change that caused it;
// after commit it enqueues a github_writes job under the row id, and the
// consumer executes the write with retry/permanent classification.
package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/queue"
)

// Typed payloads per write kind. Key names are part of the stored contract.

// PRPayload opens a pull request. Empty Head/Base fall back to the run's
// branch and base branch at execution time.
type PRPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head,omitempty"`
	Base  string `json:"base,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

// CommentPayload posts a comment. IssueNumber zero means the run's task
// issue.
type CommentPayload struct {
	IssueNumber int    `json:"issueNumber,omitempty"`
	Body        string `json:"body"`
}

// UpdateCommentPayload edits an existing comment.
type UpdateCommentPayload struct {
	CommentID int64  `json:"commentId"`
	Body      string `json:"body"`
}

// LabelsPayload attaches labels. IssueNumber zero means the run's task
// issue.
type LabelsPayload struct {
	IssueNumber int      `json:"issueNumber,omitempty"`
	Labels      []string `json:"labels"`
}

// Enqueue inserts a pending write row in the caller's transaction. The row
// id doubles as the idempotency key and the queue job id. The caller must
// add the github_writes job after commit (see JobFor); if the process dies
// in between, the recovery sweep re-enqueues the row.
func Enqueue(tx *db.TxOps, runID, kind, targetNodeID string, payload any) (*db.GitHubWrite, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	w := &db.GitHubWrite{
		ID:           id.NewWrite(),
		RunID:        runID,
		Kind:         kind,
		TargetNodeID: targetNodeID,
		Payload:      string(data),
	}
	w.IdempotencyKey = w.ID
	if err := tx.InsertGitHubWrite(w); err != nil {
		return nil, err
	}
	return w, nil
}

// JobFor builds the queue job for a write row. The job id equals the row id
// so duplicate enqueues collapse.
func JobFor(w *db.GitHubWrite) (string, queue.GitHubWriteJob) {
	return w.ID, queue.GitHubWriteJob{
		GitHubWriteID: w.ID,
		RunID:         w.RunID,
		Kind:          w.Kind,
		TargetNodeID:  w.TargetNodeID,
		RetryCount:    w.RetryCount,
	}
}
