package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "conductor"

// DefaultMaxAttempts bounds handler retries before a job lands in the
// failed set.
const DefaultMaxAttempts = 5

// Client is the Redis-backed queue adapter. One client serves all queues;
// workers started from it are stopped by Close.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	closed  bool
}

// New connects to Redis at the given URL and verifies the connection.
func New(ctx context.Context, redisURL string, logger *slog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(rdb, logger), nil
}

// NewWithClient wraps an existing Redis client. The adapter takes ownership
// of the connection and closes it on Close.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: rdb, logger: logger}
}

func jobKey(q Name, id string) string { return fmt.Sprintf("%s:%s:jobs:%s", keyPrefix, q, id) }
func waitKey(q Name) string           { return fmt.Sprintf("%s:%s:wait", keyPrefix, q) }
func activeKey(q Name) string         { return fmt.Sprintf("%s:%s:active", keyPrefix, q) }
func delayedKey(q Name) string        { return fmt.Sprintf("%s:%s:delayed", keyPrefix, q) }

func finishedKey(q Name, s Status) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, q, s)
}

// AddJob enqueues payload under the given job id. The id is the idempotency
// key: when a job with the same id is already registered the existing job is
// returned with Duplicate set and nothing new is enqueued.
func (c *Client) AddJob(ctx context.Context, q Name, jobID string, payload any) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("add %s job: job id is required", q)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job payload: %w", q, err)
	}

	// HSetNX on the id field claims the job key. Losing the race means the
	// job already exists and this add is a duplicate.
	key := jobKey(q, jobID)
	created, err := c.rdb.HSetNX(ctx, key, "id", jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("register %s job %s: %w", q, jobID, err)
	}
	if !created {
		existing, err := c.GetJob(ctx, q, jobID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// Claimed but not yet materialized by the other writer. Treat as
			// duplicate with the payload we were handed.
			existing = &Job{ID: jobID, Queue: q, Payload: raw, Status: StatusWaiting}
		}
		existing.Duplicate = true
		return existing, nil
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"queue":      string(q),
		"payload":    string(raw),
		"status":     string(StatusWaiting),
		"attempts":   0,
		"created_at": now.Format(time.RFC3339Nano),
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return nil, fmt.Errorf("write %s job %s: %w", q, jobID, err)
	}
	if err := c.rdb.RPush(ctx, waitKey(q), jobID).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s job %s: %w", q, jobID, err)
	}

	return &Job{
		ID:        jobID,
		Queue:     q,
		Payload:   raw,
		Status:    StatusWaiting,
		CreatedAt: now,
	}, nil
}

// GetJob loads a job by id. Returns nil when no job is registered under it.
func (c *Client) GetJob(ctx context.Context, q Name, jobID string) (*Job, error) {
	fields, err := c.rdb.HGetAll(ctx, jobKey(q, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s job %s: %w", q, jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:        jobID,
		Queue:     q,
		Payload:   json.RawMessage(fields["payload"]),
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ts := fields["created_at"]; ts != "" {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return job, nil
}

// Clean removes up to limit jobs that finished in the given terminal status
// before the grace window, returning the removed ids. Callers loop until the
// returned batch is smaller than limit.
func (c *Client) Clean(ctx context.Context, q Name, grace time.Duration, limit int64, status Status) ([]string, error) {
	if status != StatusCompleted && status != StatusFailed {
		return nil, fmt.Errorf("clean %s: status %s is not terminal", q, status)
	}

	key := finishedKey(q, status)
	cutoff := time.Now().Add(-grace).UnixMilli()
	ids, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan %s %s jobs: %w", q, status, err)
	}

	for _, id := range ids {
		pipe := c.rdb.TxPipeline()
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, jobKey(q, id))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("remove %s job %s: %w", q, id, err)
		}
	}
	return ids, nil
}

// Counts reports how many jobs sit in each state of a queue.
func (c *Client) Counts(ctx context.Context, q Name) (map[Status]int64, error) {
	counts := make(map[Status]int64, 5)
	var err error
	if counts[StatusWaiting], err = c.rdb.LLen(ctx, waitKey(q)).Result(); err != nil {
		return nil, fmt.Errorf("count %s waiting jobs: %w", q, err)
	}
	if counts[StatusActive], err = c.rdb.LLen(ctx, activeKey(q)).Result(); err != nil {
		return nil, fmt.Errorf("count %s active jobs: %w", q, err)
	}
	if counts[StatusDelayed], err = c.rdb.ZCard(ctx, delayedKey(q)).Result(); err != nil {
		return nil, fmt.Errorf("count %s delayed jobs: %w", q, err)
	}
	if counts[StatusCompleted], err = c.rdb.ZCard(ctx, finishedKey(q, StatusCompleted)).Result(); err != nil {
		return nil, fmt.Errorf("count %s completed jobs: %w", q, err)
	}
	if counts[StatusFailed], err = c.rdb.ZCard(ctx, finishedKey(q, StatusFailed)).Result(); err != nil {
		return nil, fmt.Errorf("count %s failed jobs: %w", q, err)
	}
	return counts, nil
}

// Health reports queue backend reachability.
type Health struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latencyMs"`
}

// HealthCheck pings the backend and measures round-trip latency.
func (c *Client) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	h := Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		c.logger.Warn("queue health check failed", "error", err)
	}
	return h
}

// Close stops every worker started from this client, waits for their
// in-flight handlers, and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	return c.rdb.Close()
}
