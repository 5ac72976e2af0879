package queue

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// Handler processes one job. A returned error sends the job back through
// the retry schedule until its attempt budget is spent; returning nil
// commits the job. Handlers that decide a job failed permanently must
// record that in application state and return nil.
type Handler func(ctx context.Context, job *Job) error

// WorkerOpts configures a queue consumer.
type WorkerOpts struct {
	Concurrency  int           // parallel handlers, default 1
	MaxAttempts  int           // attempt budget including the first run, default 5
	Backoff      time.Duration // base retry delay, default 1s
	MaxBackoff   time.Duration // retry delay ceiling, default 1m
	PollInterval time.Duration // idle poll sleep, default 100ms
}

func (o WorkerOpts) withDefaults() WorkerOpts {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// Worker consumes one queue with bounded concurrency.
type Worker struct {
	client  *Client
	queue   Name
	handler Handler
	opts    WorkerOpts
	logger  *slog.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// StartWorker begins consuming the queue with the given handler. The worker
// polls until Stop is called or the client is closed. Jobs are delivered
// at-least-once; handlers must tolerate redelivery.
func (c *Client) StartWorker(ctx context.Context, q Name, handler Handler, opts WorkerOpts) *Worker {
	w := &Worker{
		client:  c,
		queue:   q,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  c.logger.With("queue", string(q)),
		stop:    make(chan struct{}),
	}

	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()

	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go w.poll(ctx)
	}
	w.wg.Add(1)
	go w.promote(ctx)

	return w
}

// Stop stops polling and waits for in-flight handlers to return.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// poll moves jobs from wait to active and runs the handler inline, so an
// in-flight job always finishes before Stop returns.
func (w *Worker) poll(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := w.client.rdb.LMove(ctx, waitKey(w.queue), activeKey(w.queue), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("queue poll failed", "error", err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		w.process(ctx, jobID)
	}
}

func (w *Worker) process(ctx context.Context, jobID string) {
	job, err := w.client.GetJob(ctx, w.queue, jobID)
	if err != nil || job == nil {
		// The job hash is gone (cleaned or never materialized); drop the
		// stale active entry.
		_ = w.client.rdb.LRem(ctx, activeKey(w.queue), 1, jobID).Err()
		if err != nil {
			w.logger.Warn("load job failed", "job_id", jobID, "error", err)
		}
		return
	}

	attempt := job.Attempts + 1
	if err := w.client.rdb.HSet(ctx, jobKey(w.queue, jobID),
		"status", string(StatusActive), "attempts", attempt).Err(); err != nil {
		w.logger.Warn("mark job active failed", "job_id", jobID, "error", err)
	}
	job.Status = StatusActive
	job.Attempts = attempt

	start := time.Now()
	herr := w.runHandler(ctx, job)
	if herr == nil {
		w.finish(ctx, job, StatusCompleted, "")
		w.logger.Debug("job completed",
			"job_id", jobID, "attempt", attempt, "duration", time.Since(start))
		return
	}

	if attempt >= w.opts.MaxAttempts || !conductorerrors.Retryable(herr) {
		w.finish(ctx, job, StatusFailed, herr.Error())
		w.logger.Error("job failed permanently",
			"job_id", jobID, "attempts", attempt, "error", herr)
		return
	}

	delay := w.retryDelay(attempt)
	w.requeue(ctx, job, delay, herr.Error())
	w.logger.Warn("job failed, retrying",
		"job_id", jobID, "attempt", attempt, "delay", delay, "error", herr)
}

// runHandler isolates handler panics so a bad job cannot kill the poller.
func (w *Worker) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// retryDelay is exponential in the attempt number with up to 50% added
// jitter so simultaneous failures do not retry in lockstep.
func (w *Worker) retryDelay(attempt int) time.Duration {
	backoff := w.opts.Backoff << (attempt - 1)
	if backoff > w.opts.MaxBackoff || backoff <= 0 {
		backoff = w.opts.MaxBackoff
	}
	return jitter(backoff)
}

func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	n, err := crand.Int(crand.Reader, big.NewInt(half))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

func (w *Worker) finish(ctx context.Context, job *Job, status Status, lastErr string) {
	pipe := w.client.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(w.queue), 1, job.ID)
	pipe.HSet(ctx, jobKey(w.queue, job.ID), "status", string(status), "last_error", lastErr)
	pipe.ZAdd(ctx, finishedKey(w.queue, status), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("finalize job failed",
			"job_id", job.ID, "status", string(status), "error", err)
	}
}

func (w *Worker) requeue(ctx context.Context, job *Job, delay time.Duration, lastErr string) {
	readyAt := time.Now().Add(delay).UnixMilli()
	pipe := w.client.rdb.TxPipeline()
	pipe.LRem(ctx, activeKey(w.queue), 1, job.ID)
	pipe.HSet(ctx, jobKey(w.queue, job.ID), "status", string(StatusDelayed), "last_error", lastErr)
	pipe.ZAdd(ctx, delayedKey(w.queue), redis.Z{
		Score:  float64(readyAt),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Error("requeue job failed", "job_id", job.ID, "error", err)
	}
}

// promote moves due delayed jobs back onto the wait list on a fixed tick.
func (w *Worker) promote(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.promoteDue(ctx)
		}
	}
}

// promoteDue gates each push on a successful ZRem so concurrent promoters
// cannot double-enqueue a job.
func (w *Worker) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := w.client.rdb.ZRangeByScore(ctx, delayedKey(w.queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("scan delayed jobs failed", "error", err)
		}
		return
	}

	for _, id := range ids {
		removed, err := w.client.rdb.ZRem(ctx, delayedKey(w.queue), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := w.client.rdb.HSet(ctx, jobKey(w.queue, id), "status", string(StatusWaiting)).Err(); err != nil {
			w.logger.Warn("mark job waiting failed", "job_id", id, "error", err)
		}
		if err := w.client.rdb.RPush(ctx, waitKey(w.queue), id).Err(); err != nil {
			w.logger.Error("promote job failed", "job_id", id, "error", err)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stop:
	case <-ctx.Done():
	case <-timer.C:
	}
}
