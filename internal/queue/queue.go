// Package queue provides typed job queues over Redis.
//
// Five queues carry the control plane's work: webhook processing, run
// lifecycle actions, agent invocations, cleanup chores, and outbox writes.
// Job ids double as idempotency keys: adding a job under an id that is
// already registered is a no-op that returns the existing job.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name identifies one of the typed queues.
type Name string

const (
	Webhooks     Name = "webhooks"
	Runs         Name = "runs"
	Agents       Name = "agents"
	Cleanup      Name = "cleanup"
	GitHubWrites Name = "github_writes"
)

// All returns every queue a worker process consumes.
func All() []Name {
	return []Name{Webhooks, Runs, Agents, Cleanup, GitHubWrites}
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID        string
	Queue     Name
	Payload   json.RawMessage
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time

	// Duplicate reports that AddJob found an existing job under the same id
	// and returned it instead of enqueueing a new one.
	Duplicate bool
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s job %s payload: %w", j.Queue, j.ID, err)
	}
	return nil
}

// WebhookJob processes one persisted webhook delivery.
type WebhookJob struct {
	DeliveryID       string          `json:"deliveryId"`
	EventType        string          `json:"eventType"`
	Action           string          `json:"action,omitempty"`
	RepositoryNodeID string          `json:"repositoryNodeId,omitempty"`
	PayloadSummary   json.RawMessage `json:"payloadSummary"`
}

// RunJob drives one run lifecycle action.
type RunJob struct {
	RunID        string `json:"runId"`
	Action       string `json:"action"`
	TriggeredBy  string `json:"triggeredBy,omitempty"`
	FromPhase    string `json:"fromPhase,omitempty"`
	FromSequence int64  `json:"fromSequence,omitempty"`
}

// Run job actions.
const (
	RunActionStart   = "start"
	RunActionCancel  = "cancel"
	RunActionTimeout = "timeout"
	RunActionResume  = "resume"
)

// AgentJob invokes an agent on behalf of a run.
type AgentJob struct {
	InvocationID string `json:"invocationId"`
	RunID        string `json:"runId"`
	Agent        string `json:"agent"`
	Action       string `json:"action"`
}

// Agent names and actions the worker schedules on its own.
const (
	AgentPlanner          = "planner"
	AgentActionCreatePlan = "create_plan"
)

// CleanupJob performs one housekeeping chore.
type CleanupJob struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId,omitempty"`
}

// Cleanup job types.
const (
	CleanupWorktree        = "worktree"
	CleanupExpiredLeases   = "expired_leases"
	CleanupOldJobs         = "old_jobs"
	CleanupExpiredSessions = "expired_sessions"
)

// GitHubWriteJob executes one outbox row against the forge.
type GitHubWriteJob struct {
	GitHubWriteID string `json:"githubWriteId"`
	RunID         string `json:"runId"`
	Kind          string `json:"kind"`
	TargetNodeID  string `json:"targetNodeId,omitempty"`
	RetryCount    int    `json:"retryCount"`
}

// Job id builders. The cancel id carries no timestamp so a second cancel
// collapses into the first; retries are unique per request.

// RunStartJobID returns the dedupe id for starting a run.
func RunStartJobID(runID string) string { return "run:start:" + runID }

// RunCancelJobID returns the dedupe id for cancelling a run.
func RunCancelJobID(runID string) string { return "run-cancel-" + runID }

// RunRetryJobID returns the id for a retry request issued at ts.
func RunRetryJobID(runID string, ts time.Time) string {
	return fmt.Sprintf("run-retry-%s-%d", runID, ts.UnixMilli())
}

// RunTimeoutJobID keys a timeout on the run's event sequence, so repeated
// sweeps of the same stuck run collapse onto one job.
func RunTimeoutJobID(runID string, seq int64) string {
	return fmt.Sprintf("run-timeout-%s-%d", runID, seq)
}

// WorktreeCleanupJobID returns the dedupe id for cleaning a run's worktree.
func WorktreeCleanupJobID(runID string) string { return "cleanup:worktree:" + runID }

// HousekeepingJobID buckets a recurring chore by the hour, so every worker
// in the fleet enqueues at most one job per chore per hour.
func HousekeepingJobID(chore string, at time.Time) string {
	return "cleanup:" + chore + ":" + at.UTC().Format("2006010215")
}
