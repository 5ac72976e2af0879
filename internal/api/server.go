// Package api serves the conductor control-plane HTTP surface: webhook
// intake, OAuth, operator actions, the read APIs, and the event streams.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cswenor/conductor-sub003/internal/action"
	"github.com/cswenor/conductor-sub003/internal/auth"
	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/webhook"
)

// Server is the conductor API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	store      *db.Store
	queue      *queue.Client
	auth       *auth.Service
	receiver   *webhook.Receiver
	dispatcher *action.Dispatcher
	gates      *gate.Engine
	stream     *StreamHandler
	ws         *WSHandler
}

// Deps carries the server's collaborators. Everything is required except
// Logger.
type Deps struct {
	Addr       string
	Store      *db.Store
	Queue      *queue.Client
	Auth       *auth.Service
	Receiver   *webhook.Receiver
	Dispatcher *action.Dispatcher
	Gates      *gate.Engine
	Bus        events.Bus
	Logger     *slog.Logger
}

// New assembles the API server and registers its routes.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:       deps.Addr,
		mux:        http.NewServeMux(),
		logger:     logger,
		store:      deps.Store,
		queue:      deps.Queue,
		auth:       deps.Auth,
		receiver:   deps.Receiver,
		dispatcher: deps.Dispatcher,
		gates:      deps.Gates,
		stream:     NewStreamHandler(deps.Store, deps.Bus, logger),
		ws:         NewWSHandler(deps.Store, deps.Bus, logger),
	}

	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health and webhook intake are unauthenticated; the receiver does its
	// own signature verification.
	s.mux.HandleFunc("GET /healthz", cors(s.handleHealthz))
	s.mux.Handle("POST /webhooks/github", s.receiver)

	// OAuth and session routes. The handlers reject bad state and missing
	// sessions themselves.
	s.mux.HandleFunc("GET /auth/github/login", s.auth.HandleLogin)
	s.mux.HandleFunc("GET /auth/github/callback", s.auth.HandleCallback)
	s.mux.HandleFunc("GET /auth/github/installed", s.auth.HandleInstalled)
	s.mux.HandleFunc("POST /auth/logout", cors(s.auth.HandleLogout))
	s.mux.HandleFunc("GET /auth/me", cors(s.auth.HandleMe))

	// Read surface, session-scoped.
	s.mux.HandleFunc("GET /installations", cors(s.withUser(s.handleListInstallations)))
	s.mux.HandleFunc("GET /projects", cors(s.withUser(s.handleListProjects)))
	s.mux.HandleFunc("POST /projects", cors(s.withUser(s.handleCreateProject)))
	s.mux.HandleFunc("GET /projects/{id}", cors(s.withUser(s.handleGetProject)))
	s.mux.HandleFunc("PATCH /projects/{id}", cors(s.withUser(s.handleUpdateProjectPorts)))
	s.mux.HandleFunc("GET /projects/{id}/runs", cors(s.withUser(s.handleListProjectRuns)))
	s.mux.HandleFunc("GET /projects/{id}/awaiting", cors(s.withUser(s.handleListAwaiting)))
	s.mux.HandleFunc("GET /projects/{id}/repos", cors(s.withUser(s.handleListProjectRepos)))
	s.mux.HandleFunc("GET /projects/{id}/ports", cors(s.withUser(s.handleListProjectPorts)))
	s.mux.HandleFunc("GET /projects/{id}/tasks", cors(s.withUser(s.handleListProjectTasks)))
	s.mux.HandleFunc("GET /tasks/{id}/runs", cors(s.withUser(s.handleTaskRuns)))
	s.mux.HandleFunc("GET /runs/{id}", cors(s.withUser(s.handleGetRun)))
	s.mux.HandleFunc("GET /runs/{id}/gates", cors(s.withUser(s.handleRunGates)))
	s.mux.HandleFunc("GET /runs/{id}/timeline", cors(s.withUser(s.handleRunTimeline)))
	s.mux.HandleFunc("GET /runs/{id}/actions", cors(s.withUser(s.handleRunActions)))
	s.mux.HandleFunc("GET /runs/{id}/invocations", cors(s.withUser(s.handleRunInvocations)))
	s.mux.HandleFunc("GET /runs/{id}/worktree", cors(s.withUser(s.handleRunWorktree)))
	s.mux.HandleFunc("GET /runs/{id}/writes", cors(s.withUser(s.handleRunWrites)))

	// Operator actions.
	s.mux.HandleFunc("POST /runs/{id}/actions", cors(s.withUser(s.handlePostAction)))

	// Event streams, plus the catch-up snapshot clients fetch before
	// connecting.
	s.mux.HandleFunc("GET /events/recent", cors(s.withUser(s.handleRecentEvents)))
	s.mux.HandleFunc("GET /events/stream", s.withUser(s.stream.ServeHTTP))
	s.mux.HandleFunc("GET /events/ws", s.withUser(s.ws.ServeHTTP))

	// Method-specific patterns above never match preflight, so OPTIONS gets
	// its own catch-all. cors answers before the no-op handler runs.
	s.mux.HandleFunc("OPTIONS /", cors(func(w http.ResponseWriter, r *http.Request) {}))
}

// ServeHTTP makes the server mountable and testable as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleHealthz reports liveness of the store and the queue backend.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var one int
	storeOK := s.store.QueryRow(`SELECT 1`).Scan(&one) == nil
	queueHealth := s.queue.HealthCheck(r.Context())

	status := http.StatusOK
	body := map[string]any{
		"status": "ok",
		"store":  storeOK,
		"queue":  queueHealth,
	}
	if !storeOK || !queueHealth.Healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	JSONResponseStatus(w, body, status)
}
