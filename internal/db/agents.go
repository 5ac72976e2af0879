package db

import (
	"database/sql"
	"fmt"
	"time"
)

// AgentInvocation records one coding-agent call made on behalf of a run.
// The control plane persists invocations and their transcript; execution
// happens out of process.
type AgentInvocation struct {
	ID          string
	RunID       string
	Agent       string
	Action      string
	Status      string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Agent invocation statuses.
const (
	InvocationStatusPending   = "pending"
	InvocationStatusRunning   = "running"
	InvocationStatusCompleted = "completed"
	InvocationStatusFailed    = "failed"
	InvocationStatusTimedOut  = "timed_out"
)

// AgentMessage is one turn of an invocation transcript.
type AgentMessage struct {
	InvocationID string
	TurnIndex    int
	Role         string
	Content      string
	CreatedAt    time.Time
}

// InsertAgentInvocation creates an invocation row in status pending.
func (s *Store) InsertAgentInvocation(inv *AgentInvocation) error {
	if inv.Status == "" {
		inv.Status = InvocationStatusPending
	}
	now := formatTime(time.Now())

	_, err := s.Exec(`
		INSERT INTO agent_invocations (id, run_id, agent, action, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.RunID, inv.Agent, inv.Action, inv.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert agent invocation: %w", err)
	}
	inv.CreatedAt = parseTime(now)
	inv.UpdatedAt = parseTime(now)
	return nil
}

// MarkInvocationRunning stamps the start time.
func (s *Store) MarkInvocationRunning(invocationID string) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		UPDATE agent_invocations SET status = ?, started_at = ?, updated_at = ? WHERE id = ?
	`, InvocationStatusRunning, now, now, invocationID)
	if err != nil {
		return fmt.Errorf("mark invocation running: %w", err)
	}
	return nil
}

// FinishInvocation records the terminal status and optional error text.
func (s *Store) FinishInvocation(invocationID, status, errText string) error {
	now := formatTime(time.Now())
	_, err := s.Exec(`
		UPDATE agent_invocations SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errText), now, now, invocationID)
	if err != nil {
		return fmt.Errorf("finish invocation: %w", err)
	}
	return nil
}

// GetAgentInvocation retrieves an invocation. Returns (nil, nil) when absent.
func (s *Store) GetAgentInvocation(invocationID string) (*AgentInvocation, error) {
	row := s.QueryRow(`
		SELECT id, run_id, agent, action, status, error, started_at, completed_at, created_at, updated_at
		FROM agent_invocations WHERE id = ?
	`, invocationID)

	var inv AgentInvocation
	var errText, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&inv.ID, &inv.RunID, &inv.Agent, &inv.Action, &inv.Status, &errText,
		&startedAt, &completedAt, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent invocation: %w", err)
	}

	if errText.Valid {
		inv.Error = errText.String
	}
	if startedAt.Valid {
		ts := parseTime(startedAt.String)
		inv.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		inv.CompletedAt = &ts
	}
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return &inv, nil
}

// ListInvocationsForRun returns the run's invocations, oldest first.
func (s *Store) ListInvocationsForRun(runID string) ([]*AgentInvocation, error) {
	rows, err := s.Query(`
		SELECT id, run_id, agent, action, status, error, started_at, completed_at, created_at, updated_at
		FROM agent_invocations WHERE run_id = ? ORDER BY created_at ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invocations []*AgentInvocation
	for rows.Next() {
		var inv AgentInvocation
		var errText, startedAt, completedAt sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(&inv.ID, &inv.RunID, &inv.Agent, &inv.Action, &inv.Status, &errText,
			&startedAt, &completedAt, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}

		if errText.Valid {
			inv.Error = errText.String
		}
		if startedAt.Valid {
			ts := parseTime(startedAt.String)
			inv.StartedAt = &ts
		}
		if completedAt.Valid {
			ts := parseTime(completedAt.String)
			inv.CompletedAt = &ts
		}
		inv.CreatedAt = parseTime(createdAt)
		inv.UpdatedAt = parseTime(updatedAt)
		invocations = append(invocations, &inv)
	}
	return invocations, rows.Err()
}

// AppendAgentMessage appends a transcript turn. Turn indexes are assigned by
// the caller and unique per invocation.
func (s *Store) AppendAgentMessage(m *AgentMessage) error {
	createdAt := formatTime(time.Now())
	_, err := s.Exec(`
		INSERT INTO agent_messages (invocation_id, turn_index, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.InvocationID, m.TurnIndex, m.Role, m.Content, createdAt)
	if err != nil {
		return fmt.Errorf("append agent message: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	return nil
}

// ListAgentMessages returns the transcript in turn order.
func (s *Store) ListAgentMessages(invocationID string) ([]*AgentMessage, error) {
	rows, err := s.Query(`
		SELECT invocation_id, turn_index, role, content, created_at
		FROM agent_messages WHERE invocation_id = ? ORDER BY turn_index ASC
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("list agent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*AgentMessage
	for rows.Next() {
		var m AgentMessage
		var createdAt string
		if err := rows.Scan(&m.InvocationID, &m.TurnIndex, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
