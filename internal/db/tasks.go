package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Task is a unit of work, typically mirrored from a GitHub issue. A task has
// at most one non-terminal run at a time, tracked by ActiveRunID.
type Task struct {
	ID          string
	ProjectID   string
	RepoID      string
	IssueNumber int
	IssueNodeID string
	Title       string
	Body        string
	State       string
	Labels      []string
	ActiveRunID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InsertTask creates a task row.
func (s *Store) InsertTask(task *Task) error {
	return insertTask(s, task)
}

// InsertTask creates a task row inside the transaction.
func (t *TxOps) InsertTask(task *Task) error {
	return insertTask(t, task)
}

func insertTask(q dbtx, task *Task) error {
	now := formatTime(time.Now())
	labels, err := json.Marshal(task.Labels)
	if err != nil {
		return fmt.Errorf("marshal task labels: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO tasks (id, project_id, repo_id, issue_number, issue_node_id, title, body, state, labels, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, task.RepoID, task.IssueNumber, nullString(task.IssueNodeID),
		task.Title, task.Body, task.State, string(labels), nullString(task.ActiveRunID), now, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.CreatedAt = parseTime(now)
	task.UpdatedAt = parseTime(now)
	return nil
}

// UpdateTaskFromIssue refreshes title, body, state, and labels from the
// mirrored issue.
func (s *Store) UpdateTaskFromIssue(taskID, title, body, state string, labels []string) error {
	return updateTaskFromIssue(s, taskID, title, body, state, labels)
}

// UpdateTaskFromIssue refreshes the mirror inside the transaction.
func (t *TxOps) UpdateTaskFromIssue(taskID, title, body, state string, labels []string) error {
	return updateTaskFromIssue(t, taskID, title, body, state, labels)
}

func updateTaskFromIssue(q dbtx, taskID, title, body, state string, labels []string) error {
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal task labels: %w", err)
	}

	_, err = q.Exec(`
		UPDATE tasks SET title = ?, body = ?, state = ?, labels = ?, updated_at = ? WHERE id = ?
	`, title, body, state, string(encoded), formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("update task from issue: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id. Returns (nil, nil) when absent.
func (s *Store) GetTask(taskID string) (*Task, error) {
	return getTask(s, taskID)
}

// GetTask retrieves a task inside the transaction.
func (t *TxOps) GetTask(taskID string) (*Task, error) {
	return getTask(t, taskID)
}

func getTask(q dbtx, taskID string) (*Task, error) {
	return scanTask(q.QueryRow(`
		SELECT id, project_id, repo_id, issue_number, issue_node_id, title, body, state, labels, active_run_id, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID))
}

// GetTaskByIssueNodeID retrieves the task mirroring a GitHub issue.
func (s *Store) GetTaskByIssueNodeID(nodeID string) (*Task, error) {
	return getTaskByIssueNodeID(s, nodeID)
}

// GetTaskByIssueNodeID retrieves the mirror inside the transaction.
func (t *TxOps) GetTaskByIssueNodeID(nodeID string) (*Task, error) {
	return getTaskByIssueNodeID(t, nodeID)
}

func getTaskByIssueNodeID(q dbtx, nodeID string) (*Task, error) {
	return scanTask(q.QueryRow(`
		SELECT id, project_id, repo_id, issue_number, issue_node_id, title, body, state, labels, active_run_id, created_at, updated_at
		FROM tasks WHERE issue_node_id = ?
	`, nodeID))
}

// ListTasksForProject returns the project's tasks, newest first.
func (s *Store) ListTasksForProject(projectID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Query(`
		SELECT id, project_id, repo_id, issue_number, issue_node_id, title, body, state, labels, active_run_id, created_at, updated_at
		FROM tasks WHERE project_id = ? ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// SetTaskActiveRun binds the task's single non-terminal run. Lives on TxOps
// because it changes alongside run creation.
func (t *TxOps) SetTaskActiveRun(taskID, runID string) error {
	_, err := t.Exec(`
		UPDATE tasks SET active_run_id = ?, updated_at = ? WHERE id = ?
	`, runID, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("set task active run: %w", err)
	}
	return nil
}

// ClearTaskActiveRun detaches the run once it reaches a terminal phase.
func (t *TxOps) ClearTaskActiveRun(taskID string) error {
	_, err := t.Exec(`
		UPDATE tasks SET active_run_id = NULL, updated_at = ? WHERE id = ?
	`, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("clear task active run: %w", err)
	}
	return nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var task Task
	var issueNodeID, activeRunID sql.NullString
	var labels, createdAt, updatedAt string

	err := row.Scan(&task.ID, &task.ProjectID, &task.RepoID, &task.IssueNumber, &issueNodeID,
		&task.Title, &task.Body, &task.State, &labels, &activeRunID, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	finishTask(&task, issueNodeID, activeRunID, labels, createdAt, updatedAt)
	return &task, nil
}

func scanTaskRow(rows *sql.Rows) (*Task, error) {
	var task Task
	var issueNodeID, activeRunID sql.NullString
	var labels, createdAt, updatedAt string

	err := rows.Scan(&task.ID, &task.ProjectID, &task.RepoID, &task.IssueNumber, &issueNodeID,
		&task.Title, &task.Body, &task.State, &labels, &activeRunID, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	finishTask(&task, issueNodeID, activeRunID, labels, createdAt, updatedAt)
	return &task, nil
}

func finishTask(task *Task, issueNodeID, activeRunID sql.NullString, labels, createdAt, updatedAt string) {
	if issueNodeID.Valid {
		task.IssueNodeID = issueNodeID.String
	}
	if activeRunID.Valid {
		task.ActiveRunID = activeRunID.String
	}
	if labels != "" {
		_ = json.Unmarshal([]byte(labels), &task.Labels)
	}
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
}
