package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Run is one attempt to resolve a task. Phase and the blocked/result fields
// change only through the run state machine, which writes them together with
// the event recording the change.
type Run struct {
	ID                string
	TaskID            string
	ProjectID         string
	RepoID            string
	RunNumber         int
	Branch            string
	HeadCommit        string
	BaseBranch        string
	Phase             string
	Step              string
	Status            string
	Result            string
	ResultReason      string
	BlockedReason     string
	BlockedContext    string
	PlanRevisions     int
	LastEventSequence int64
	StartedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Run statuses. The status is a coarse disposition derived from the phase:
// active until the run reaches a terminal phase.
const (
	RunStatusActive    = "active"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
)

const runColumns = `id, task_id, project_id, repo_id, run_number, branch, head_commit, base_branch,
		phase, step, status, result, result_reason, plan_revisions, blocked_reason, blocked_context,
		last_event_sequence, started_at, updated_at, completed_at`

// InsertRun creates a run in phase pending and assigns the next run number
// for the task. Lives on TxOps so creation is atomic with the task's
// active-run binding and the run.created event.
func (t *TxOps) InsertRun(run *Run) error {
	var next int
	err := t.QueryRow(`
		SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE task_id = ?
	`, run.TaskID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next run number: %w", err)
	}
	run.RunNumber = next

	if run.Phase == "" {
		run.Phase = "pending"
	}
	if run.Status == "" {
		run.Status = RunStatusActive
	}
	now := formatTime(time.Now())

	_, err = t.Exec(`
		INSERT INTO runs (id, task_id, project_id, repo_id, run_number, branch, head_commit, base_branch, phase, step, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.ProjectID, run.RepoID, run.RunNumber, run.Branch, run.HeadCommit,
		run.BaseBranch, run.Phase, run.Step, run.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.StartedAt = parseTime(now)
	run.UpdatedAt = parseTime(now)
	return nil
}

// GetRun retrieves a run by id. Returns (nil, nil) when absent.
func (s *Store) GetRun(runID string) (*Run, error) {
	return getRun(s, runID)
}

// GetRun retrieves a run inside the transaction.
func (t *TxOps) GetRun(runID string) (*Run, error) {
	return getRun(t, runID)
}

func getRun(q dbtx, runID string) (*Run, error) {
	return scanRun(q.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
}

// GetRunByBranch resolves a run from its working branch, used to attach
// check-suite conclusions. Only non-terminal runs qualify.
func (s *Store) GetRunByBranch(repoID, branch string) (*Run, error) {
	return getRunByBranch(s, repoID, branch)
}

// GetRunByBranch resolves a run from its branch inside the transaction.
func (t *TxOps) GetRunByBranch(repoID, branch string) (*Run, error) {
	return getRunByBranch(t, repoID, branch)
}

func getRunByBranch(q dbtx, repoID, branch string) (*Run, error) {
	return scanRun(q.QueryRow(`
		SELECT `+runColumns+` FROM runs
		WHERE repo_id = ? AND branch = ? AND phase NOT IN ('completed', 'cancelled')
		ORDER BY started_at DESC LIMIT 1
	`, repoID, branch))
}

// RunFilter narrows ListRunsForProject.
type RunFilter struct {
	Phase string
	Limit int
}

// ListRunsForProject returns the project's runs, newest first.
func (s *Store) ListRunsForProject(projectID string, filter RunFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE project_id = ?`
	args := []any{projectID}

	if filter.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, filter.Phase)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return s.queryRuns(query, args...)
}

// ListRunsForTask returns the task's runs ordered by run number.
func (s *Store) ListRunsForTask(taskID string) ([]*Run, error) {
	return s.queryRuns(`
		SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_number
	`, taskID)
}

// ListRunsAwaitingGates returns runs waiting on a human, oldest first.
func (s *Store) ListRunsAwaitingGates(projectID string) ([]*Run, error) {
	return s.queryRuns(`
		SELECT `+runColumns+` FROM runs
		WHERE project_id = ? AND phase IN ('awaiting_plan_approval', 'blocked')
		ORDER BY updated_at ASC
	`, projectID)
}

// ListRunsStuckSince returns non-terminal runs whose last update is older
// than the cutoff. The worker's timeout scheduler polls this.
func (s *Store) ListRunsStuckSince(cutoff time.Time) ([]*Run, error) {
	return s.queryRuns(`
		SELECT `+runColumns+` FROM runs
		WHERE phase NOT IN ('completed', 'cancelled') AND updated_at < ?
		ORDER BY updated_at ASC
	`, formatTime(cutoff))
}

func (s *Store) queryRuns(query string, args ...any) ([]*Run, error) {
	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunPhaseUpdate is the complete next state of a run's mutable fields. The
// state machine composes it and UpdateRunPhase writes every column, so a
// transition can never leave stale blocked or result fields behind.
type RunPhaseUpdate struct {
	Phase             string
	Step              string
	Status            string
	Result            string
	ResultReason      string
	BlockedReason     string
	BlockedContext    string
	PlanRevisions     int
	LastEventSequence int64
	CompletedAt       *time.Time
}

// UpdateRunPhase applies a composed transition. TxOps-only: the caller
// appends the run.phase_changed event in the same transaction.
func (t *TxOps) UpdateRunPhase(runID string, u RunPhaseUpdate) error {
	_, err := t.Exec(`
		UPDATE runs SET
			phase = ?,
			step = ?,
			status = ?,
			result = ?,
			result_reason = ?,
			blocked_reason = ?,
			blocked_context = ?,
			plan_revisions = ?,
			last_event_sequence = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ?
	`, u.Phase, u.Step, u.Status, nullString(u.Result), nullString(u.ResultReason),
		nullString(u.BlockedReason), nullString(u.BlockedContext), u.PlanRevisions,
		u.LastEventSequence, nullTime(u.CompletedAt), formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("update run phase: %w", err)
	}
	return nil
}

// SetRunBranch records the working branch and base commit once the worktree
// exists. TxOps-only: set together with the worktree row.
func (t *TxOps) SetRunBranch(runID, branch, headCommit string) error {
	_, err := t.Exec(`
		UPDATE runs SET branch = ?, head_commit = ?, updated_at = ? WHERE id = ?
	`, branch, headCommit, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("set run branch: %w", err)
	}
	return nil
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var result, resultReason, blockedReason, blockedContext, completedAt sql.NullString
	var startedAt, updatedAt string

	err := row.Scan(&run.ID, &run.TaskID, &run.ProjectID, &run.RepoID, &run.RunNumber,
		&run.Branch, &run.HeadCommit, &run.BaseBranch, &run.Phase, &run.Step, &run.Status,
		&result, &resultReason, &run.PlanRevisions, &blockedReason, &blockedContext,
		&run.LastEventSequence, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	finishRun(&run, result, resultReason, blockedReason, blockedContext, completedAt, startedAt, updatedAt)
	return &run, nil
}

func scanRunRow(rows *sql.Rows) (*Run, error) {
	var run Run
	var result, resultReason, blockedReason, blockedContext, completedAt sql.NullString
	var startedAt, updatedAt string

	err := rows.Scan(&run.ID, &run.TaskID, &run.ProjectID, &run.RepoID, &run.RunNumber,
		&run.Branch, &run.HeadCommit, &run.BaseBranch, &run.Phase, &run.Step, &run.Status,
		&result, &resultReason, &run.PlanRevisions, &blockedReason, &blockedContext,
		&run.LastEventSequence, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	finishRun(&run, result, resultReason, blockedReason, blockedContext, completedAt, startedAt, updatedAt)
	return &run, nil
}

func finishRun(run *Run, result, resultReason, blockedReason, blockedContext, completedAt sql.NullString, startedAt, updatedAt string) {
	if result.Valid {
		run.Result = result.String
	}
	if resultReason.Valid {
		run.ResultReason = resultReason.String
	}
	if blockedReason.Valid {
		run.BlockedReason = blockedReason.String
	}
	if blockedContext.Valid {
		run.BlockedContext = blockedContext.String
	}
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		run.CompletedAt = &ts
	}
	run.StartedAt = parseTime(startedAt)
	run.UpdatedAt = parseTime(updatedAt)
}
