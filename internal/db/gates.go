package db

import (
	"database/sql"
	"fmt"
	"time"
)

// GateDefinition is a static gate description seeded at startup.
type GateDefinition struct {
	ID            string
	Kind          string
	Description   string
	DefaultConfig string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Gate kinds.
const (
	GateKindHuman     = "human"
	GateKindAutomatic = "automatic"
)

// Gate evaluation statuses.
const (
	GateStatusPending = "pending"
	GateStatusPassed  = "passed"
	GateStatusFailed  = "failed"
)

// GateEvaluation is one append-only verdict for a (run, gate) pair. The
// effective state of a gate is the evaluation whose causation event has the
// largest sequence.
type GateEvaluation struct {
	ID               string
	RunID            string
	GateID           string
	Kind             string
	Status           string
	Reason           string
	Details          string
	CausationEventID string
	CausationSeq     int64
	DurationMs       *int64
	EvaluatedAt      time.Time
}

// SeedGateDefinition inserts a gate definition if it does not exist yet.
// Returns true when the row was created.
func (s *Store) SeedGateDefinition(def *GateDefinition) (bool, error) {
	now := formatTime(time.Now())
	verb, suffix := insertIgnoreVerb(s.Dialect())

	res, err := s.Exec(verb+`
		 INTO gate_definitions (id, kind, description, default_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`+suffix,
		def.ID, def.Kind, def.Description, def.DefaultConfig, now, now)
	if err != nil {
		return false, fmt.Errorf("seed gate definition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("seed gate definition rows affected: %w", err)
	}
	return n > 0, nil
}

// ListGateDefinitions returns all gate definitions ordered by id.
func (s *Store) ListGateDefinitions() ([]*GateDefinition, error) {
	rows, err := s.Query(`
		SELECT id, kind, description, default_config, created_at, updated_at
		FROM gate_definitions ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list gate definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*GateDefinition
	for rows.Next() {
		var def GateDefinition
		var createdAt, updatedAt string
		if err := rows.Scan(&def.ID, &def.Kind, &def.Description, &def.DefaultConfig, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan gate definition: %w", err)
		}
		def.CreatedAt = parseTime(createdAt)
		def.UpdatedAt = parseTime(updatedAt)
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// InsertGateEvaluation appends an evaluation. TxOps-only: evaluations are
// recorded with the event that caused them.
func (t *TxOps) InsertGateEvaluation(eval *GateEvaluation) error {
	var durationMs any
	if eval.DurationMs != nil {
		durationMs = *eval.DurationMs
	}
	evaluatedAt := formatTime(time.Now())

	_, err := t.Exec(`
		INSERT INTO gate_evaluations (id, run_id, gate_id, kind, status, reason, details, causation_event_id, duration_ms, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, eval.ID, eval.RunID, eval.GateID, eval.Kind, eval.Status, nullString(eval.Reason),
		nullString(eval.Details), eval.CausationEventID, durationMs, evaluatedAt)
	if err != nil {
		return fmt.Errorf("insert gate evaluation: %w", err)
	}
	eval.EvaluatedAt = parseTime(evaluatedAt)
	return nil
}

// ListGateEvaluationsForRun returns every evaluation for the run joined with
// its causation sequence, ascending by that sequence.
func (s *Store) ListGateEvaluationsForRun(runID string) ([]*GateEvaluation, error) {
	return listGateEvaluationsForRun(s, runID)
}

// ListGateEvaluationsForRun returns the run's evaluations inside the transaction.
func (t *TxOps) ListGateEvaluationsForRun(runID string) ([]*GateEvaluation, error) {
	return listGateEvaluationsForRun(t, runID)
}

func listGateEvaluationsForRun(q dbtx, runID string) ([]*GateEvaluation, error) {
	rows, err := q.Query(`
		SELECT ge.id, ge.run_id, ge.gate_id, ge.kind, ge.status, ge.reason, ge.details,
			ge.causation_event_id, e.sequence, ge.duration_ms, ge.evaluated_at
		FROM gate_evaluations ge
		JOIN events e ON e.id = ge.causation_event_id
		WHERE ge.run_id = ?
		ORDER BY e.sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list gate evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evals []*GateEvaluation
	for rows.Next() {
		var eval GateEvaluation
		var reason, details sql.NullString
		var durationMs sql.NullInt64
		var evaluatedAt string

		err := rows.Scan(&eval.ID, &eval.RunID, &eval.GateID, &eval.Kind, &eval.Status,
			&reason, &details, &eval.CausationEventID, &eval.CausationSeq, &durationMs, &evaluatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan gate evaluation: %w", err)
		}

		if reason.Valid {
			eval.Reason = reason.String
		}
		if details.Valid {
			eval.Details = details.String
		}
		if durationMs.Valid {
			v := durationMs.Int64
			eval.DurationMs = &v
		}
		eval.EvaluatedAt = parseTime(evaluatedAt)
		evals = append(evals, &eval)
	}
	return evals, rows.Err()
}

// LatestGateEvaluations reduces the run's evaluations to the effective state
// per gate: the evaluation with the highest causation sequence wins.
func (s *Store) LatestGateEvaluations(runID string) (map[string]*GateEvaluation, error) {
	return latestGateEvaluations(s, runID)
}

// LatestGateEvaluations computes the effective gate states inside the transaction.
func (t *TxOps) LatestGateEvaluations(runID string) (map[string]*GateEvaluation, error) {
	return latestGateEvaluations(t, runID)
}

func latestGateEvaluations(q dbtx, runID string) (map[string]*GateEvaluation, error) {
	evals, err := listGateEvaluationsForRun(q, runID)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*GateEvaluation, 4)
	for _, eval := range evals {
		// Ascending order: the last one seen per gate has the highest sequence.
		latest[eval.GateID] = eval
	}
	return latest, nil
}
