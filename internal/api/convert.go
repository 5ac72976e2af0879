package api

import (
	"encoding/json"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
)

// Response shapes. Store rows are internal; the wire form is explicit so
// column renames never leak into clients.

type projectResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrgLogin       string    `json:"orgLogin"`
	InstallationID int64     `json:"installationId"`
	DefaultBranch  string    `json:"defaultBranch"`
	PortRangeStart int       `json:"portRangeStart"`
	PortRangeEnd   int       `json:"portRangeEnd"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newProjectResponse(p *db.Project) projectResponse {
	return projectResponse{
		ID:             p.ID,
		Name:           p.Name,
		OrgLogin:       p.OrgLogin,
		InstallationID: p.InstallationID,
		DefaultBranch:  p.DefaultBranch,
		PortRangeStart: p.PortRangeStart,
		PortRangeEnd:   p.PortRangeEnd,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

type installationResponse struct {
	InstallationID int64     `json:"installationId"`
	AccountLogin   string    `json:"accountLogin"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newInstallationResponse(p *db.PendingInstallation) installationResponse {
	return installationResponse{
		InstallationID: p.InstallationID,
		AccountLogin:   p.AccountLogin,
		CreatedAt:      p.CreatedAt,
	}
}

type repoResponse struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	DefaultBranch string     `json:"defaultBranch"`
	Status        string     `json:"status"`
	LastFetchedAt *time.Time `json:"lastFetchedAt,omitempty"`
}

func newRepoResponses(repos []*db.Repo) []repoResponse {
	out := make([]repoResponse, len(repos))
	for i, r := range repos {
		out[i] = repoResponse{
			ID:            r.ID,
			Owner:         r.Owner,
			Name:          r.Name,
			DefaultBranch: r.DefaultBranch,
			Status:        r.Status,
			LastFetchedAt: r.LastFetchedAt,
		}
	}
	return out
}

type taskResponse struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repoId"`
	IssueNumber int       `json:"issueNumber"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Labels      []string  `json:"labels"`
	ActiveRunID string    `json:"activeRunId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func newTaskResponses(tasks []*db.Task) []taskResponse {
	out := make([]taskResponse, len(tasks))
	for i, task := range tasks {
		labels := task.Labels
		if labels == nil {
			labels = []string{}
		}
		out[i] = taskResponse{
			ID:          task.ID,
			RepoID:      task.RepoID,
			IssueNumber: task.IssueNumber,
			Title:       task.Title,
			State:       task.State,
			Labels:      labels,
			ActiveRunID: task.ActiveRunID,
			CreatedAt:   task.CreatedAt,
			UpdatedAt:   task.UpdatedAt,
		}
	}
	return out
}

type writeResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	TargetNodeID string     `json:"targetNodeId"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retryCount"`
	LastError    string     `json:"lastError,omitempty"`
	ResultURL    string     `json:"resultUrl,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func newWriteResponses(writes []*db.GitHubWrite) []writeResponse {
	out := make([]writeResponse, len(writes))
	for i, gw := range writes {
		out[i] = writeResponse{
			ID:           gw.ID,
			Kind:         gw.Kind,
			TargetNodeID: gw.TargetNodeID,
			Status:       gw.Status,
			RetryCount:   gw.RetryCount,
			LastError:    gw.LastError,
			ResultURL:    gw.ResultURL,
			CreatedAt:    gw.CreatedAt,
			CompletedAt:  gw.CompletedAt,
		}
	}
	return out
}

type worktreeResponse struct {
	ID         string    `json:"id"`
	RunID      string    `json:"runId"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseCommit string    `json:"baseCommit"`
	Status     string    `json:"status"`
	Ports      []int     `json:"ports"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newWorktreeResponse(wt *db.Worktree, ports []int) worktreeResponse {
	if ports == nil {
		ports = []int{}
	}
	return worktreeResponse{
		ID:         wt.ID,
		RunID:      wt.RunID,
		Path:       wt.Path,
		Branch:     wt.Branch,
		BaseCommit: wt.BaseCommit,
		Status:     wt.Status,
		Ports:      ports,
		CreatedAt:  wt.CreatedAt,
	}
}

type portAllocationResponse struct {
	Port        int       `json:"port"`
	WorktreeID  string    `json:"worktreeId"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

func newPortAllocationResponses(allocs []*db.PortAllocation) []portAllocationResponse {
	out := make([]portAllocationResponse, len(allocs))
	for i, a := range allocs {
		out[i] = portAllocationResponse{
			Port:        a.Port,
			WorktreeID:  a.WorktreeID,
			AllocatedAt: a.AllocatedAt,
		}
	}
	return out
}

type runResponse struct {
	ID                string          `json:"id"`
	TaskID            string          `json:"taskId"`
	ProjectID         string          `json:"projectId"`
	RepoID            string          `json:"repoId"`
	RunNumber         int             `json:"runNumber"`
	Branch            string          `json:"branch,omitempty"`
	HeadCommit        string          `json:"headCommit,omitempty"`
	BaseBranch        string          `json:"baseBranch,omitempty"`
	Phase             string          `json:"phase"`
	Step              string          `json:"step,omitempty"`
	Status            string          `json:"status"`
	Result            string          `json:"result,omitempty"`
	ResultReason      string          `json:"resultReason,omitempty"`
	BlockedReason     string          `json:"blockedReason,omitempty"`
	BlockedContext    json.RawMessage `json:"blockedContext,omitempty"`
	PlanRevisions     int             `json:"planRevisions"`
	LastEventSequence int64           `json:"lastEventSequence"`
	StartedAt         time.Time       `json:"startedAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

func newRunResponse(r *db.Run) runResponse {
	resp := runResponse{
		ID:                r.ID,
		TaskID:            r.TaskID,
		ProjectID:         r.ProjectID,
		RepoID:            r.RepoID,
		RunNumber:         r.RunNumber,
		Branch:            r.Branch,
		HeadCommit:        r.HeadCommit,
		BaseBranch:        r.BaseBranch,
		Phase:             r.Phase,
		Step:              r.Step,
		Status:            r.Status,
		Result:            r.Result,
		ResultReason:      r.ResultReason,
		BlockedReason:     r.BlockedReason,
		PlanRevisions:     r.PlanRevisions,
		LastEventSequence: r.LastEventSequence,
		StartedAt:         r.StartedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
	}
	if r.BlockedContext != "" {
		resp.BlockedContext = json.RawMessage(r.BlockedContext)
	}
	return resp
}

func newRunResponses(runs []*db.Run) []runResponse {
	out := make([]runResponse, len(runs))
	for i, r := range runs {
		out[i] = newRunResponse(r)
	}
	return out
}

type actionResponse struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	ActorID   string    `json:"actorId"`
	ActorType string    `json:"actorType"`
	Action    string    `json:"action"`
	Comment   string    `json:"comment,omitempty"`
	FromPhase string    `json:"fromPhase,omitempty"`
	ToPhase   string    `json:"toPhase,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newActionResponse(a *db.OperatorAction) actionResponse {
	return actionResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		ActorID:   a.ActorID,
		ActorType: a.ActorType,
		Action:    a.Action,
		Comment:   a.Comment,
		FromPhase: a.FromPhase,
		ToPhase:   a.ToPhase,
		CreatedAt: a.CreatedAt,
	}
}

type invocationResponse struct {
	ID          string            `json:"id"`
	RunID       string            `json:"runId"`
	Agent       string            `json:"agent"`
	Action      string            `json:"action"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	Messages    []messageResponse `json:"messages"`
}

type messageResponse struct {
	TurnIndex int       `json:"turnIndex"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func newInvocationResponse(inv *db.AgentInvocation, msgs []*db.AgentMessage) invocationResponse {
	out := invocationResponse{
		ID:          inv.ID,
		RunID:       inv.RunID,
		Agent:       inv.Agent,
		Action:      inv.Action,
		Status:      inv.Status,
		Error:       inv.Error,
		StartedAt:   inv.StartedAt,
		CompletedAt: inv.CompletedAt,
		CreatedAt:   inv.CreatedAt,
		Messages:    make([]messageResponse, len(msgs)),
	}
	for i, m := range msgs {
		out.Messages[i] = messageResponse{
			TurnIndex: m.TurnIndex,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return out
}

type gateResponse struct {
	GateID      string     `json:"gateId"`
	Kind        string     `json:"kind,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	EvaluatedAt *time.Time `json:"evaluatedAt,omitempty"`
}

type evaluationResponse struct {
	GateID           string    `json:"gateId"`
	Kind             string    `json:"kind"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	CausationEventID string    `json:"causationEventId"`
	EvaluatedAt      time.Time `json:"evaluatedAt"`
}

func newEvaluationResponses(evals []*db.GateEvaluation) []evaluationResponse {
	out := make([]evaluationResponse, len(evals))
	for i, e := range evals {
		out[i] = evaluationResponse{
			GateID:           e.GateID,
			Kind:             e.Kind,
			Status:           e.Status,
			Reason:           e.Reason,
			CausationEventID: e.CausationEventID,
			EvaluatedAt:      e.EvaluatedAt,
		}
	}
	return out
}

type overrideResponse struct {
	ID             string    `json:"id"`
	Scope          string    `json:"scope"`
	ConstraintKind string    `json:"constraintKind"`
	OperatorID     string    `json:"operatorId"`
	Justification  string    `json:"justification"`
	CreatedAt      time.Time `json:"createdAt"`
}

func newOverrideResponses(overrides []*db.Override) []overrideResponse {
	out := make([]overrideResponse, len(overrides))
	for i, o := range overrides {
		out[i] = overrideResponse{
			ID:             o.ID,
			Scope:          o.Scope,
			ConstraintKind: o.ConstraintKind,
			OperatorID:     o.OperatorID,
			Justification:  o.Justification,
			CreatedAt:      o.CreatedAt,
		}
	}
	return out
}
