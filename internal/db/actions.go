package db

import (
	"database/sql"
	"fmt"
	"time"
)

// OperatorAction is one append-only audit record of a human (or system)
// decision on a run.
type OperatorAction struct {
	ID        string
	RunID     string
	ActorID   string
	ActorType string
	Action    string
	Comment   string
	FromPhase string
	ToPhase   string
	CreatedAt time.Time
}

// InsertOperatorAction appends an audit record. TxOps-only so the audit row
// commits atomically with the transition (or enqueue acknowledgement) it
// records.
func (t *TxOps) InsertOperatorAction(a *OperatorAction) error {
	if a.ActorType == "" {
		a.ActorType = "user"
	}
	createdAt := formatTimeNano(time.Now())

	_, err := t.Exec(`
		INSERT INTO operator_actions (id, run_id, actor_id, actor_type, action, comment, from_phase, to_phase, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, a.ActorID, a.ActorType, a.Action, nullString(a.Comment),
		a.FromPhase, nullString(a.ToPhase), createdAt)
	if err != nil {
		return fmt.Errorf("insert operator action: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	return nil
}

// ListActionsForRun returns the run's audit trail, oldest first.
func (s *Store) ListActionsForRun(runID string) ([]*OperatorAction, error) {
	rows, err := s.Query(`
		SELECT id, run_id, actor_id, actor_type, action, comment, from_phase, to_phase, created_at
		FROM operator_actions WHERE run_id = ? ORDER BY created_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list operator actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*OperatorAction
	for rows.Next() {
		var a OperatorAction
		var comment, toPhase sql.NullString
		var createdAt string

		err := rows.Scan(&a.ID, &a.RunID, &a.ActorID, &a.ActorType, &a.Action, &comment, &a.FromPhase, &toPhase, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan operator action: %w", err)
		}

		if comment.Valid {
			a.Comment = comment.String
		}
		if toPhase.Valid {
			a.ToPhase = toPhase.String
		}
		a.CreatedAt = parseTime(createdAt)
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}
