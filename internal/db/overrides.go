package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Override is a granted policy exception scoped to a run, task, repo, or
// project.
type Override struct {
	ID              string
	RunID           string
	Kind            string
	Scope           string
	ConstraintKind  string
	ConstraintValue string
	ConstraintHash  string
	PolicySetID     string
	OperatorID      string
	Justification   string
	CreatedAt       time.Time
}

// Override scopes.
const (
	OverrideScopeThisRun     = "this_run"
	OverrideScopeThisTask    = "this_task"
	OverrideScopeThisRepo    = "this_repo"
	OverrideScopeProjectWide = "project_wide"
)

// ValidOverrideScope reports whether s names a known scope.
func ValidOverrideScope(s string) bool {
	switch s {
	case OverrideScopeThisRun, OverrideScopeThisTask, OverrideScopeThisRepo, OverrideScopeProjectWide:
		return true
	}
	return false
}

// InsertOverride records a granted exception. TxOps-only: the override, the
// audit record, and the unblocking transition commit together.
func (t *TxOps) InsertOverride(o *Override) error {
	createdAt := formatTime(time.Now())

	_, err := t.Exec(`
		INSERT INTO overrides (id, run_id, kind, scope, constraint_kind, constraint_value, constraint_hash, policy_set_id, operator_id, justification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.RunID, o.Kind, o.Scope, o.ConstraintKind, nullString(o.ConstraintValue),
		nullString(o.ConstraintHash), nullString(o.PolicySetID), o.OperatorID, o.Justification, createdAt)
	if err != nil {
		return fmt.Errorf("insert override: %w", err)
	}
	o.CreatedAt = parseTime(createdAt)
	return nil
}

// ListOverridesForRun returns the run's overrides, oldest first.
func (s *Store) ListOverridesForRun(runID string) ([]*Override, error) {
	rows, err := s.Query(`
		SELECT id, run_id, kind, scope, constraint_kind, constraint_value, constraint_hash, policy_set_id, operator_id, justification, created_at
		FROM overrides WHERE run_id = ? ORDER BY created_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var overrides []*Override
	for rows.Next() {
		var o Override
		var constraintValue, constraintHash, policySetID sql.NullString
		var createdAt string

		err := rows.Scan(&o.ID, &o.RunID, &o.Kind, &o.Scope, &o.ConstraintKind,
			&constraintValue, &constraintHash, &policySetID, &o.OperatorID, &o.Justification, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}

		if constraintValue.Valid {
			o.ConstraintValue = constraintValue.String
		}
		if constraintHash.Valid {
			o.ConstraintHash = constraintHash.String
		}
		if policySetID.Valid {
			o.PolicySetID = policySetID.String
		}
		o.CreatedAt = parseTime(createdAt)
		overrides = append(overrides, &o)
	}
	return overrides, rows.Err()
}
