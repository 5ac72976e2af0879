package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db/driver"
	"github.com/cswenor/conductor-sub003/internal/id"
)

// Event is an append-only internal fact. The sequence number is assigned by
// the database and is the global ordering primitive for replay and fan-out.
type Event struct {
	Sequence       int64
	ID             string
	ProjectID      string
	RunID          string
	Type           string
	Class          string
	Payload        string
	IdempotencyKey string
	Source         string
	CreatedAt      time.Time
}

// EnrichedEvent is an event joined with display context for stream replay.
type EnrichedEvent struct {
	Event
	ProjectName string
	TaskTitle   string
}

// CreateEvent appends an event and returns it with its assigned sequence.
// Returns (nil, nil) when an event with the same idempotency key already
// exists. TxOps-only: events are written in the same transaction as the
// state change that produced them.
func (t *TxOps) CreateEvent(projectID, runID, eventType, class, payload, idempotencyKey, source string) (*Event, error) {
	if payload == "" {
		payload = "{}"
	}
	eventID := id.NewEvent()
	createdAt := formatTimeNano(time.Now())

	var seq int64
	switch t.Dialect() {
	case driver.DialectPostgres:
		err := t.QueryRow(`
			INSERT INTO events (id, project_id, run_id, type, class, payload, idempotency_key, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING sequence
		`, eventID, projectID, nullString(runID), eventType, class, payload, idempotencyKey, source, createdAt).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
	default:
		res, err := t.Exec(`
			INSERT OR IGNORE INTO events (id, project_id, run_id, type, class, payload, idempotency_key, source, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, eventID, projectID, nullString(runID), eventType, class, payload, idempotencyKey, source, createdAt)
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("insert event rows affected: %w", err)
		}
		if n == 0 {
			return nil, nil
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert event sequence: %w", err)
		}
	}

	return &Event{
		Sequence:       seq,
		ID:             eventID,
		ProjectID:      projectID,
		RunID:          runID,
		Type:           eventType,
		Class:          class,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Source:         source,
		CreatedAt:      parseTime(createdAt),
	}, nil
}

// QueryStreamEventsForReplay returns events with sequence > since for the
// given projects, ascending, capped at limit.
func (s *Store) QueryStreamEventsForReplay(since int64, projectIDs []string, limit int) ([]*Event, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT sequence, id, project_id, run_id, type, class, payload, idempotency_key, source, created_at
		FROM events
		WHERE sequence > ? AND project_id IN (` + placeholders(len(projectIDs)) + `)
		ORDER BY sequence ASC LIMIT ?`

	args := make([]any, 0, len(projectIDs)+2)
	args = append(args, since)
	for _, pid := range projectIDs {
		args = append(args, pid)
	}
	args = append(args, limit)

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query replay events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueryRecentStreamEventsEnriched returns the most recent events for the
// given projects with project name and task title resolved, ascending by
// sequence.
func (s *Store) QueryRecentStreamEventsEnriched(projectIDs []string, limit int) ([]*EnrichedEvent, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT e.sequence, e.id, e.project_id, e.run_id, e.type, e.class, e.payload, e.idempotency_key, e.source, e.created_at,
			p.name, COALESCE(t.title, '')
		FROM events e
		JOIN projects p ON p.id = e.project_id
		LEFT JOIN runs r ON r.id = e.run_id
		LEFT JOIN tasks t ON t.id = r.task_id
		WHERE e.project_id IN (` + placeholders(len(projectIDs)) + `)
		ORDER BY e.sequence DESC LIMIT ?`

	args := make([]any, 0, len(projectIDs)+1)
	for _, pid := range projectIDs {
		args = append(args, pid)
	}
	args = append(args, limit)

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query enriched events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*EnrichedEvent
	for rows.Next() {
		var e EnrichedEvent
		var runID sql.NullString
		var createdAt string
		err := rows.Scan(&e.Sequence, &e.ID, &e.ProjectID, &runID, &e.Type, &e.Class,
			&e.Payload, &e.IdempotencyKey, &e.Source, &createdAt, &e.ProjectName, &e.TaskTitle)
		if err != nil {
			return nil, fmt.Errorf("scan enriched event: %w", err)
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending order: the query walks newest-first to apply
	// the limit, replay consumers want oldest-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ListEventsForRun returns the run's events ascending by sequence.
func (s *Store) ListEventsForRun(runID string) ([]*Event, error) {
	rows, err := s.Query(`
		SELECT sequence, id, project_id, run_id, type, class, payload, idempotency_key, source, created_at
		FROM events WHERE run_id = ? ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest assigned sequence, 0 when empty.
func (s *Store) LatestSequence() (int64, error) {
	var seq int64
	err := s.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return seq, nil
}

func scanEventRow(rows *sql.Rows) (*Event, error) {
	var e Event
	var runID sql.NullString
	var createdAt string

	err := rows.Scan(&e.Sequence, &e.ID, &e.ProjectID, &runID, &e.Type, &e.Class,
		&e.Payload, &e.IdempotencyKey, &e.Source, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if runID.Valid {
		e.RunID = runID.String
	}
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
