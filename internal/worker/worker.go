// Package worker consumes the five conductor queues. One Worker per process:
// it seeds gate definitions, reconciles state left behind by crashes, starts
// a consumer pool per queue, and watches for runs that out-sat their phase
// budget.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/events"
	forge "github.com/cswenor/conductor-sub003/internal/forge/github"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/outbox"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
	"github.com/cswenor/conductor-sub003/internal/webhook"
	"github.com/cswenor/conductor-sub003/internal/worktree"
)

// recoveryBatch bounds how many stuck rows one startup sweep touches.
const recoveryBatch = 100

// timeoutSweepInterval is how often the phase-timeout watcher scans for
// stuck runs.
const timeoutSweepInterval = time.Minute

// housekeepingInterval is how often recurring chores are offered to the
// cleanup queue. The job ids bucket by the hour, so a shorter interval only
// re-offers duplicates.
const housekeepingInterval = 15 * time.Minute

// housekeepingChores are the recurring cleanup jobs every worker offers.
var housekeepingChores = []string{
	queue.CleanupOldJobs,
	queue.CleanupExpiredLeases,
	queue.CleanupExpiredSessions,
}

var allQueues = []queue.Name{
	queue.Webhooks, queue.Runs, queue.Agents, queue.Cleanup, queue.GitHubWrites,
}

// AgentRunner executes one coding-agent invocation, streaming transcript
// turns through emit as they arrive. The worker owns invocation status and
// turn indexes; the runner owns everything agent-specific.
type AgentRunner interface {
	Invoke(ctx context.Context, inv *db.AgentInvocation, emit func(role, content string) error) error
}

// Deps carries everything a Worker consumes. Agents may be nil in
// deployments that only mirror state.
type Deps struct {
	Config    *config.Config
	Store     *db.Store
	Queue     *queue.Client
	Machine   *run.Machine
	Gates     *gate.Engine
	Notifier  *events.Notifier
	Worktrees *worktree.Manager
	Forge     forge.Provider
	Agents    AgentRunner
	Logger    *slog.Logger
}

// Worker drives all queue consumption for one process.
type Worker struct {
	cfg        *config.Config
	store      *db.Store
	queue      *queue.Client
	machine    *run.Machine
	gates      *gate.Engine
	worktrees  *worktree.Manager
	forge      forge.Provider
	writes     *outbox.Consumer
	normalizer *webhook.Normalizer
	agents     AgentRunner
	logger     *slog.Logger

	workers  []*queue.Worker
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a Worker from its dependencies.
func New(deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:       deps.Config,
		store:     deps.Store,
		queue:     deps.Queue,
		machine:   deps.Machine,
		gates:     deps.Gates,
		worktrees: deps.Worktrees,
		forge:     deps.Forge,
		writes:    outbox.NewConsumer(deps.Store, deps.Forge, logger),
		normalizer: webhook.NewNormalizer(deps.Store, deps.Gates, deps.Queue,
			deps.Notifier, deps.Config.GitHub.TriggerLabel, logger),
		agents:  deps.Agents,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start runs the startup recovery pass and begins consuming. Gate seeding
// failure is fatal; the recovery sweeps are not, since each re-runs on the
// next start.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.gates.EnsureBuiltInDefinitions(ctx); err != nil {
		return fmt.Errorf("seed gate definitions: %w", err)
	}

	if report, err := w.worktrees.RunJanitor(ctx); err != nil {
		w.logger.Warn("startup janitor failed", "error", err)
	} else if report.OrphanedMarked+report.DirectoriesRemoved+report.PortsReleased > 0 {
		w.logger.Info("janitor reconciled repo store",
			"orphaned", report.OrphanedMarked,
			"directories_removed", report.DirectoriesRemoved,
			"ports_released", report.PortsReleased)
	}

	if _, err := webhook.RecoverStuckDeliveries(ctx, w.store, w.queue, w.logger, recoveryBatch); err != nil {
		w.logger.Warn("webhook recovery sweep failed", "error", err)
	}
	if n, err := w.writes.RecoverPending(ctx, w.cfg.Worker.OutboxRecoveryAfter, recoveryBatch, w.enqueueWrite); err != nil {
		w.logger.Warn("outbox recovery sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("outbox writes re-enqueued", "count", n)
	}

	opts := queue.WorkerOpts{Concurrency: w.cfg.Worker.Concurrency}
	w.workers = append(w.workers,
		w.queue.StartWorker(ctx, queue.Webhooks, w.normalizer.Process, opts),
		w.queue.StartWorker(ctx, queue.Runs, w.handleRunJob, opts),
		w.queue.StartWorker(ctx, queue.Agents, w.handleAgentJob, opts),
		// Serial: directory removal and queue draining must not interleave
		// with themselves.
		w.queue.StartWorker(ctx, queue.Cleanup, w.handleCleanupJob, queue.WorkerOpts{Concurrency: 1}),
		w.queue.StartWorker(ctx, queue.GitHubWrites, w.handleGitHubWriteJob, opts),
	)

	if w.cfg.Worker.PhaseTimeout > 0 {
		w.wg.Add(1)
		go w.watchPhaseTimeouts(ctx)
	}
	w.wg.Add(1)
	go w.watchHousekeeping(ctx)

	w.logger.Info("worker started",
		"queues", len(w.workers),
		"concurrency", w.cfg.Worker.Concurrency,
		"phase_timeout", w.cfg.Worker.PhaseTimeout)
	return nil
}

// Stop ends polling, waits for in-flight handlers, and stops the timeout
// watcher. The queue client and store stay open; their owner closes them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopped) })
	for _, qw := range w.workers {
		qw.Stop()
	}
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) enqueueWrite(ctx context.Context, wr *db.GitHubWrite) error {
	jobID, job := outbox.JobFor(wr)
	_, err := w.queue.AddJob(ctx, queue.GitHubWrites, jobID, job)
	return err
}

func (w *Worker) watchPhaseTimeouts(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(timeoutSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SweepPhaseTimeouts(ctx); err != nil {
				w.logger.Warn("phase timeout sweep failed", "error", err)
			}
		}
	}
}

func (w *Worker) watchHousekeeping(ctx context.Context) {
	defer w.wg.Done()

	w.EnqueueHousekeeping(ctx)
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopped:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.EnqueueHousekeeping(ctx)
		}
	}
}

// EnqueueHousekeeping offers the recurring chores to the cleanup queue. The
// hour-bucketed job ids make this idempotent across ticks and replicas.
func (w *Worker) EnqueueHousekeeping(ctx context.Context) {
	now := time.Now()
	for _, chore := range housekeepingChores {
		job := queue.CleanupJob{Type: chore}
		if _, err := w.queue.AddJob(ctx, queue.Cleanup, queue.HousekeepingJobID(chore, now), job); err != nil {
			w.logger.Warn("enqueue housekeeping chore failed", "chore", chore, "error", err)
		}
	}
}

// SweepPhaseTimeouts enqueues a timeout job for every non-terminal run whose
// last phase change is older than the configured budget. The job id carries
// the run's event sequence, so repeated sweeps of the same stall dedupe.
func (w *Worker) SweepPhaseTimeouts(ctx context.Context) error {
	cutoff := time.Now().Add(-w.cfg.Worker.PhaseTimeout)
	stuck, err := w.store.ListRunsStuckSince(cutoff)
	if err != nil {
		return err
	}

	for _, r := range stuck {
		job := queue.RunJob{
			RunID:       r.ID,
			Action:      queue.RunActionTimeout,
			TriggeredBy: "worker",
			FromPhase:   r.Phase,
		}
		added, err := w.queue.AddJob(ctx, queue.Runs, queue.RunTimeoutJobID(r.ID, r.LastEventSequence), job)
		if err != nil {
			w.logger.Warn("enqueue run timeout failed", "run_id", r.ID, "error", err)
			continue
		}
		if !added.Duplicate {
			w.logger.Info("run exceeded phase budget",
				"run_id", r.ID, "phase", r.Phase, "budget", w.cfg.Worker.PhaseTimeout)
		}
	}
	return nil
}
