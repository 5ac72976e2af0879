package db

import (
	"database/sql"
	"fmt"
	"time"
)

// GitHubWrite is one pending external side effect, inserted in the same
// transaction as the state change that caused it and executed by the outbox
// consumer.
type GitHubWrite struct {
	ID             string
	RunID          string
	Kind           string
	TargetNodeID   string
	IdempotencyKey string
	Payload        string
	Status         string
	RetryCount     int
	LastError      string
	ResultID       string
	ResultURL      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// GitHub write statuses.
const (
	WriteStatusPending   = "pending"
	WriteStatusInFlight  = "in_flight"
	WriteStatusCompleted = "completed"
	WriteStatusFailed    = "failed"
	WriteStatusCancelled = "cancelled"
)

// GitHub write kinds.
const (
	WriteKindCreatePR             = "create_pr"
	WriteKindPostComment          = "post_comment"
	WriteKindUpdateComment        = "update_comment"
	WriteKindAddLabels            = "add_labels"
	WriteKindMirrorApproval       = "mirror_approval_decision"
	WriteKindMirrorRejection      = "mirror_rejection"
	WriteKindMirrorPolicyDecision = "mirror_policy_decision"
)

// InsertGitHubWrite inserts an outbox row. TxOps-only: the row must commit
// with the state change it mirrors.
func (t *TxOps) InsertGitHubWrite(w *GitHubWrite) error {
	if w.Status == "" {
		w.Status = WriteStatusPending
	}
	if w.Payload == "" {
		w.Payload = "{}"
	}
	now := formatTime(time.Now())

	_, err := t.Exec(`
		INSERT INTO github_writes (id, run_id, kind, target_node_id, idempotency_key, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.RunID, w.Kind, nullString(w.TargetNodeID), w.IdempotencyKey, w.Payload, w.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert github write: %w", err)
	}
	w.CreatedAt = parseTime(now)
	w.UpdatedAt = parseTime(now)
	return nil
}

// GetGitHubWrite retrieves a write by id. Returns (nil, nil) when absent.
func (s *Store) GetGitHubWrite(writeID string) (*GitHubWrite, error) {
	return scanGitHubWrite(s.QueryRow(`
		SELECT id, run_id, kind, target_node_id, idempotency_key, payload, status, retry_count, last_error, result_id, result_url, created_at, updated_at, completed_at
		FROM github_writes WHERE id = ?
	`, writeID))
}

// MarkWriteInFlight transitions pending → in_flight. Returns false when the
// row was not in pending (another worker claimed it or it is terminal).
func (s *Store) MarkWriteInFlight(writeID string) (bool, error) {
	res, err := s.Exec(`
		UPDATE github_writes SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)
	`, WriteStatusInFlight, formatTime(time.Now()), writeID, WriteStatusPending, WriteStatusInFlight)
	if err != nil {
		return false, fmt.Errorf("mark write in flight: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark write in flight rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteWrite records a successful execution.
func (s *Store) CompleteWrite(writeID, resultID, resultURL string) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		UPDATE github_writes SET status = ?, result_id = ?, result_url = ?, last_error = NULL, updated_at = ?, completed_at = ? WHERE id = ?
	`, WriteStatusCompleted, nullString(resultID), nullString(resultURL), now, now, writeID)
	if err != nil {
		return fmt.Errorf("complete write: %w", err)
	}
	return nil
}

// FailWrite records a permanent failure.
func (s *Store) FailWrite(writeID, errText string) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		UPDATE github_writes SET status = ?, last_error = ?, updated_at = ?, completed_at = ? WHERE id = ?
	`, WriteStatusFailed, errText, now, now, writeID)
	if err != nil {
		return fmt.Errorf("fail write: %w", err)
	}
	return nil
}

// RecordWriteAttempt increments the retry counter after a transient failure
// and returns the new count. The row goes back to pending so a recovery
// sweep can also pick it up if the queue loses the retry.
func (s *Store) RecordWriteAttempt(writeID, errText string) (int, error) {
	_, err := s.Exec(`
		UPDATE github_writes SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?
	`, WriteStatusPending, errText, formatTime(time.Now()), writeID)
	if err != nil {
		return 0, fmt.Errorf("record write attempt: %w", err)
	}

	var count int
	err = s.QueryRow(`SELECT retry_count FROM github_writes WHERE id = ?`, writeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read write retry count: %w", err)
	}
	return count, nil
}

// ListPendingWritesOlderThan returns pending outbox rows whose last update
// is older than the cutoff. The recovery sweep re-enqueues them.
func (s *Store) ListPendingWritesOlderThan(cutoff time.Time, limit int) ([]*GitHubWrite, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Query(`
		SELECT id, run_id, kind, target_node_id, idempotency_key, payload, status, retry_count, last_error, result_id, result_url, created_at, updated_at, completed_at
		FROM github_writes WHERE status = ? AND updated_at < ? ORDER BY created_at ASC LIMIT ?
	`, WriteStatusPending, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending writes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var writes []*GitHubWrite
	for rows.Next() {
		w, err := scanGitHubWriteRow(rows)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// ListWritesForRun returns the run's outbox rows in insertion order.
func (s *Store) ListWritesForRun(runID string) ([]*GitHubWrite, error) {
	rows, err := s.Query(`
		SELECT id, run_id, kind, target_node_id, idempotency_key, payload, status, retry_count, last_error, result_id, result_url, created_at, updated_at, completed_at
		FROM github_writes WHERE run_id = ? ORDER BY created_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list writes for run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var writes []*GitHubWrite
	for rows.Next() {
		w, err := scanGitHubWriteRow(rows)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

func scanGitHubWrite(row *sql.Row) (*GitHubWrite, error) {
	var w GitHubWrite
	var targetNodeID, lastError, resultID, resultURL, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&w.ID, &w.RunID, &w.Kind, &targetNodeID, &w.IdempotencyKey, &w.Payload,
		&w.Status, &w.RetryCount, &lastError, &resultID, &resultURL, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan github write: %w", err)
	}

	finishGitHubWrite(&w, targetNodeID, lastError, resultID, resultURL, completedAt, createdAt, updatedAt)
	return &w, nil
}

func scanGitHubWriteRow(rows *sql.Rows) (*GitHubWrite, error) {
	var w GitHubWrite
	var targetNodeID, lastError, resultID, resultURL, completedAt sql.NullString
	var createdAt, updatedAt string

	err := rows.Scan(&w.ID, &w.RunID, &w.Kind, &targetNodeID, &w.IdempotencyKey, &w.Payload,
		&w.Status, &w.RetryCount, &lastError, &resultID, &resultURL, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan github write: %w", err)
	}

	finishGitHubWrite(&w, targetNodeID, lastError, resultID, resultURL, completedAt, createdAt, updatedAt)
	return &w, nil
}

func finishGitHubWrite(w *GitHubWrite, targetNodeID, lastError, resultID, resultURL, completedAt sql.NullString, createdAt, updatedAt string) {
	if targetNodeID.Valid {
		w.TargetNodeID = targetNodeID.String
	}
	if lastError.Valid {
		w.LastError = lastError.String
	}
	if resultID.Valid {
		w.ResultID = resultID.String
	}
	if resultURL.Valid {
		w.ResultURL = resultURL.String
	}
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		w.CompletedAt = &ts
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
}
