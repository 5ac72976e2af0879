package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cswenor/conductor-sub003/internal/action"
	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/git"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/run"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 200

	defaultEventLimit = 100
	maxEventLimit     = 200

	// Projects claimed without an explicit port range get 100 ports, enough
	// for 50 concurrent worktrees at the default two ports each.
	defaultPortRangeStart = 3000
	defaultPortRangeSize  = 100
)

// projectForUser loads a project the user owns. Absent and foreign projects
// are indistinguishable to the caller.
func (s *Server) projectForUser(user *db.User, projectID string) (*db.Project, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.UserID != user.ID {
		return nil, conductorerrors.ErrProjectNotFound(projectID)
	}
	return project, nil
}

// runForUser loads a run inside a project the user owns, with the same
// uniform not-found shape.
func (s *Server) runForUser(user *db.User, runID string) (*db.Run, error) {
	current, err := s.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, conductorerrors.ErrRunNotFound(runID)
	}
	if _, err := s.projectForUser(user, current.ProjectID); err != nil {
		return nil, conductorerrors.ErrRunNotFound(runID)
	}
	return current, nil
}

// taskForUser loads a task inside a project the user owns, with the same
// uniform not-found shape.
func (s *Server) taskForUser(user *db.User, taskID string) (*db.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, conductorerrors.ErrTaskNotFound(taskID)
	}
	if _, err := s.projectForUser(user, task.ProjectID); err != nil {
		return nil, conductorerrors.ErrTaskNotFound(taskID)
	}
	return task, nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	projects, err := s.store.ListProjectsForUser(user.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]projectResponse, len(projects))
	for i, p := range projects {
		out[i] = newProjectResponse(p)
	}
	JSONResponse(w, map[string]any{"projects": out})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, newProjectResponse(project))
}

// handleListInstallations returns the caller's unclaimed app installations,
// the ones POST /projects can turn into projects.
func (s *Server) handleListInstallations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	pending, err := s.store.ListPendingInstallationsForUser(user.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]installationResponse, len(pending))
	for i, p := range pending {
		out[i] = newInstallationResponse(p)
	}
	JSONResponse(w, map[string]any{"installations": out})
}

type createProjectRequest struct {
	InstallationID int64  `json:"installationId"`
	Name           string `json:"name"`
	DefaultBranch  string `json:"defaultBranch"`
	PortRangeStart int    `json:"portRangeStart"`
	PortRangeEnd   int    `json:"portRangeEnd"`
}

// handleCreateProject claims a pending installation: the project row is
// inserted and the pending binding deleted in one transaction. Only the user
// the installation callback recorded may claim it; a claim already bound to
// another account is rejected without naming that account's project.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var body createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		HandleError(w, conductorerrors.ErrValidation("body", "invalid JSON"))
		return
	}
	if body.InstallationID <= 0 {
		HandleError(w, conductorerrors.ErrValidation("installationId", "a positive installation id is required"))
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		HandleError(w, conductorerrors.ErrValidation("name", "name is required"))
		return
	}
	if body.DefaultBranch == "" {
		body.DefaultBranch = "main"
	}
	if err := git.ValidateBranchName(body.DefaultBranch); err != nil {
		HandleError(w, conductorerrors.ErrValidation("defaultBranch", err.Error()))
		return
	}
	if body.PortRangeStart == 0 && body.PortRangeEnd == 0 {
		body.PortRangeStart = defaultPortRangeStart
		body.PortRangeEnd = defaultPortRangeStart + defaultPortRangeSize - 1
	}
	if err := validatePortRange(body.PortRangeStart, body.PortRangeEnd); err != nil {
		HandleError(w, err)
		return
	}

	// A retry of a claim that committed but whose response was lost returns
	// the project it created.
	existing, err := s.store.GetProjectByInstallation(user.ID, body.InstallationID)
	if err != nil {
		HandleError(w, err)
		return
	}
	if existing != nil {
		JSONResponse(w, newProjectResponse(existing))
		return
	}
	if other, err := s.store.GetProjectByInstallationID(body.InstallationID); err != nil {
		HandleError(w, err)
		return
	} else if other != nil {
		HandleError(w, conductorerrors.ErrInstallationOwned())
		return
	}

	project := &db.Project{
		ID:             id.New(id.PrefixProject),
		UserID:         user.ID,
		Name:           body.Name,
		InstallationID: body.InstallationID,
		DefaultBranch:  body.DefaultBranch,
		PortRangeStart: body.PortRangeStart,
		PortRangeEnd:   body.PortRangeEnd,
	}
	err = s.store.RunInTx(r.Context(), func(tx *db.TxOps) error {
		pending, err := tx.GetPendingInstallation(body.InstallationID)
		if err != nil {
			return err
		}
		if pending == nil {
			return conductorerrors.ErrValidation("installationId", "no pending installation for this account")
		}
		if pending.UserID != user.ID {
			return conductorerrors.ErrInstallationOwned()
		}
		project.OrgLogin = pending.AccountLogin
		if err := tx.InsertProject(project); err != nil {
			return err
		}
		return tx.DeletePendingInstallation(body.InstallationID)
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	s.logger.Info("project created",
		"project_id", project.ID, "installation_id", project.InstallationID, "user_id", user.ID)
	JSONResponseStatus(w, newProjectResponse(project), http.StatusCreated)
}

type portRangeRequest struct {
	PortRangeStart int `json:"portRangeStart"`
	PortRangeEnd   int `json:"portRangeEnd"`
}

// handleUpdateProjectPorts reassigns a project's reserved port range, the
// operator's remedy when worktrees exhaust the current one. Ports already
// allocated outside the new range stay allocated until their worktrees are
// cleaned.
func (s *Server) handleUpdateProjectPorts(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	var body portRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		HandleError(w, conductorerrors.ErrValidation("body", "invalid JSON"))
		return
	}
	if err := validatePortRange(body.PortRangeStart, body.PortRangeEnd); err != nil {
		HandleError(w, err)
		return
	}

	if err := s.store.UpdateProjectPortRange(project.ID, body.PortRangeStart, body.PortRangeEnd); err != nil {
		HandleError(w, err)
		return
	}
	project.PortRangeStart = body.PortRangeStart
	project.PortRangeEnd = body.PortRangeEnd
	JSONResponse(w, newProjectResponse(project))
}

func validatePortRange(start, end int) error {
	if start < 1024 || end > 65535 || start > end {
		return conductorerrors.ErrValidation("portRange", "must satisfy 1024 <= start <= end <= 65535")
	}
	return nil
}

func (s *Server) handleListProjectRuns(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	q := r.URL.Query()
	filter := db.RunFilter{Limit: defaultRunLimit}
	if phase := q.Get("phase"); phase != "" {
		if !run.Valid(run.Phase(phase)) {
			HandleError(w, conductorerrors.ErrValidation("phase", "unknown phase "+strconv.Quote(phase)))
			return
		}
		filter.Phase = phase
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			HandleError(w, conductorerrors.ErrValidation("limit", "must be a positive integer"))
			return
		}
		filter.Limit = min(n, maxRunLimit)
	}

	runs, err := s.store.ListRunsForProject(project.ID, filter)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"runs": newRunResponses(runs)})
}

func (s *Server) handleListAwaiting(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	runs, err := s.gates.RunsAwaitingGates(project.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"runs": newRunResponses(runs)})
}

func (s *Server) handleListProjectRepos(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	repos, err := s.store.ListReposForProject(project.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"repos": newRepoResponses(repos)})
}

// handleRecentEvents returns the newest events across the user's projects,
// ascending, enriched with project and task context for display. The response
// carries the latest assigned sequence so a client can follow up with a
// stream connection from exactly where this snapshot ends.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	projects, err := s.store.ListProjectsForUser(user.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			HandleError(w, conductorerrors.ErrValidation("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	recs, err := s.store.QueryRecentStreamEventsEnriched(projectIDs, limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	latest, err := s.store.LatestSequence()
	if err != nil {
		HandleError(w, err)
		return
	}

	out := make([]events.Envelope, len(recs))
	for i, rec := range recs {
		out[i] = events.NewEnrichedEnvelope(rec)
	}
	JSONResponse(w, map[string]any{"events": out, "latestSequence": latest})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, newRunResponse(current))
}

func (s *Server) handleRunGates(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	derived, err := s.gates.DeriveGateState(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	latest, err := s.store.LatestGateEvaluations(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	defs, err := s.store.ListGateDefinitions()
	if err != nil {
		HandleError(w, err)
		return
	}
	byID := make(map[string]*db.GateDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	out := make([]gateResponse, 0, len(derived))
	for gateID, status := range derived {
		g := gateResponse{GateID: gateID, Status: status}
		if def := byID[gateID]; def != nil {
			g.Kind = def.Kind
			g.Description = def.Description
		}
		if eval := latest[gateID]; eval != nil {
			g.Reason = eval.Reason
			at := eval.EvaluatedAt
			g.EvaluatedAt = &at
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })

	history, err := s.store.ListGateEvaluationsForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	overrides, err := s.store.ListOverridesForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSONResponse(w, map[string]any{
		"runId":     current.ID,
		"gates":     out,
		"history":   newEvaluationResponses(history),
		"overrides": newOverrideResponses(overrides),
	})
}

func (s *Server) handleRunTimeline(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	recs, err := s.store.ListEventsForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]events.Envelope, len(recs))
	for i, rec := range recs {
		out[i] = events.NewEnvelope(rec)
	}
	JSONResponse(w, map[string]any{"runId": current.ID, "events": out})
}

func (s *Server) handleRunActions(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	recs, err := s.store.ListActionsForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]actionResponse, len(recs))
	for i, rec := range recs {
		out[i] = newActionResponse(rec)
	}
	JSONResponse(w, map[string]any{"runId": current.ID, "actions": out})
}

func (s *Server) handleRunInvocations(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	invs, err := s.store.ListInvocationsForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	out := make([]invocationResponse, len(invs))
	for i, inv := range invs {
		msgs, err := s.store.ListAgentMessages(inv.ID)
		if err != nil {
			HandleError(w, err)
			return
		}
		out[i] = newInvocationResponse(inv, msgs)
	}
	JSONResponse(w, map[string]any{"runId": current.ID, "invocations": out})
}

// handleRunWorktree reports the run's active checkout with its reserved
// ports. A run without one (pending, or already cleaned) answers null
// rather than 404; absence is a state, not an error.
func (s *Server) handleRunWorktree(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	wt, err := s.store.GetActiveWorktreeForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	if wt == nil {
		JSONResponse(w, map[string]any{"runId": current.ID, "worktree": nil})
		return
	}
	ports, err := s.store.ListPortsForWorktree(wt.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"runId": current.ID, "worktree": newWorktreeResponse(wt, ports)})
}

// handleListProjectTasks lists the project's mirrored issues, newest first.
func (s *Server) handleListProjectTasks(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			HandleError(w, conductorerrors.ErrValidation("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxRunLimit)
	}
	tasks, err := s.store.ListTasksForProject(project.ID, limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"tasks": newTaskResponses(tasks)})
}

// handleTaskRuns lists every run a task has had, attempt order. The history
// matters once retries and rejections stack up behind the active run.
func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	runs, err := s.store.ListRunsForTask(task.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"taskId":      task.ID,
		"activeRunId": task.ActiveRunID,
		"runs":        newRunResponses(runs),
	})
}

// handleRunWrites lists what the control plane wrote back to GitHub for the
// run, the outbox audit trail.
func (s *Server) handleRunWrites(w http.ResponseWriter, r *http.Request) {
	current, err := s.runForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	writes, err := s.store.ListWritesForRun(current.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"runId": current.ID, "writes": newWriteResponses(writes)})
}

// handleListProjectPorts shows the project's port range and what currently
// occupies it, the view an operator wants before moving the range.
func (s *Server) handleListProjectPorts(w http.ResponseWriter, r *http.Request) {
	project, err := s.projectForUser(userFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	allocs, err := s.store.ListPortAllocations(project.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"portRangeStart": project.PortRangeStart,
		"portRangeEnd":   project.PortRangeEnd,
		"allocations":    newPortAllocationResponses(allocs),
	})
}

type actionRequest struct {
	Action        string `json:"action"`
	Comment       string `json:"comment"`
	Justification string `json:"justification"`
	Scope         string `json:"scope"`
}

func (s *Server) handlePostAction(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	current, err := s.runForUser(user, r.PathValue("id"))
	if err != nil {
		HandleError(w, err)
		return
	}

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		HandleError(w, conductorerrors.ErrValidation("body", "invalid JSON"))
		return
	}
	if body.Action == "" {
		HandleError(w, conductorerrors.ErrValidation("action", "action is required"))
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), action.Request{
		RunID:         current.ID,
		Action:        body.Action,
		ActorID:       user.ID,
		Comment:       body.Comment,
		Justification: body.Justification,
		Scope:         body.Scope,
	})
	if err != nil {
		HandleError(w, err)
		return
	}

	resp := map[string]any{
		"success": true,
		"run":     newRunResponse(result.Run),
	}
	if result.Action != nil {
		resp["action"] = newActionResponse(result.Action)
	}
	JSONResponse(w, resp)
}
