// Package bootstrap wires the process-wide services conductor commands
// share: store, queue, event bus, run machine, gate engine, action
// dispatcher, worktree manager, forge client, auth, and the webhook
// receiver. Init is idempotent per process; Shutdown releases everything
// and arms the not-ready guard.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/cswenor/conductor-sub003/internal/action"
	"github.com/cswenor/conductor-sub003/internal/auth"
	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/db/driver"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	forge "github.com/cswenor/conductor-sub003/internal/forge/github"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/git"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
	"github.com/cswenor/conductor-sub003/internal/webhook"
	"github.com/cswenor/conductor-sub003/internal/worktree"
)

// Services bundles everything a conductor process needs. Commands take the
// pieces they use: serve builds the HTTP server from Store, Queue, Auth,
// Receiver, Dispatcher, Gates, and Bus; work hands Config through Forge to
// the worker; janitor only needs Worktrees.
type Services struct {
	Config     *config.Config
	Store      *db.Store
	Queue      *queue.Client
	Bus        events.Bus
	Notifier   *events.Notifier
	Machine    *run.Machine
	Gates      *gate.Engine
	Dispatcher *action.Dispatcher
	Worktrees  *worktree.Manager
	Forge      forge.Provider
	Auth       *auth.Service
	Receiver   *webhook.Receiver

	busRdb *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

var (
	initMu  sync.Mutex
	current *Services
)

// Init wires the process services. Calling it again before Shutdown returns
// the Services already built; after Shutdown it builds fresh ones. A failed
// Init leaves nothing registered, so the caller may retry.
func Init(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if current != nil {
		return current, nil
	}

	svcs, err := build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	current = svcs
	return svcs, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	qc, err := queue.New(ctx, cfg.Redis.URL, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect queue: %w", err)
	}

	// The bus gets its own Redis connection: pub/sub holds connections open
	// for the life of a subscription, and the queue client closes its own
	// connection on Close.
	busOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		_ = qc.Close()
		_ = store.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	busRdb := redis.NewClient(busOpts)
	if err := busRdb.Ping(ctx).Err(); err != nil {
		_ = busRdb.Close()
		_ = qc.Close()
		_ = store.Close()
		return nil, fmt.Errorf("connect event bus: %w", err)
	}
	bus := events.NewRedisBus(busRdb, logger)

	notifier := events.NewNotifier(bus, logger)
	machine := run.NewMachine(store, notifier, logger)
	gates := gate.NewEngine(store, machine, notifier, logger)
	dispatcher := action.NewDispatcher(store, machine, gates, qc, notifier, logger)
	worktrees := worktree.NewManager(store, git.NewClient(logger), cfg.RepoStore.Dir, logger)

	forgeClient, err := forge.New(forge.Options{
		AppID:        cfg.GitHub.AppID,
		PrivateKey:   []byte(cfg.GitHub.PrivateKey),
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: cfg.GitHub.ClientSecret,
		APIBaseURL:   cfg.GitHub.APIBaseURL,
	}, logger)
	if err != nil {
		_ = bus.Close()
		_ = busRdb.Close()
		_ = qc.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build forge client: %w", err)
	}

	cipher, err := auth.NewCipher(cfg.Database.EncryptionKey)
	if err != nil {
		_ = bus.Close()
		_ = busRdb.Close()
		_ = qc.Close()
		_ = store.Close()
		return nil, fmt.Errorf("build token cipher: %w", err)
	}
	sessions := auth.NewSessions(store, cfg.Session.Secret, cfg.Session.TTL, cfg.IsProduction())
	authSvc := auth.NewService(store, forgeClient, sessions, cipher, cfg, logger)

	receiver := webhook.NewReceiver(store, qc, cfg.GitHub.WebhookSecret, cfg.IsProduction(), logger)

	return &Services{
		Config:     cfg,
		Store:      store,
		Queue:      qc,
		Bus:        bus,
		Notifier:   notifier,
		Machine:    machine,
		Gates:      gates,
		Dispatcher: dispatcher,
		Worktrees:  worktrees,
		Forge:      forgeClient,
		Auth:       authSvc,
		Receiver:   receiver,
		busRdb:     busRdb,
		logger:     logger,
	}, nil
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return db.OpenStoreWithDialect(cfg.Database.DSN, driver.DialectPostgres)
	}
	return db.OpenStore(cfg.Database.Path)
}

// Ready reports whether the services may still be used. After Shutdown it
// returns STORE_NOT_READY.
func (s *Services) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conductorerrors.ErrStoreNotReady()
	}
	return nil
}

// Shutdown releases the services: the event bus first so subscribers
// detach, then the queue (which stops its workers and owns its Redis
// connection), then the store. Safe to call more than once; later calls
// no-op.
func (s *Services) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	initMu.Lock()
	if current == s {
		current = nil
	}
	initMu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(s.Bus.Close())
	keep(s.busRdb.Close())
	keep(s.Queue.Close())
	keep(s.Store.Close())
	if firstErr != nil {
		s.logger.Warn("shutdown finished with error", "error", firstErr)
	}
	return firstErr
}
