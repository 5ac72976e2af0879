package db

import (
	"context"
	"testing"

	"github.com/cswenor/conductor-sub003/internal/id"
)

// seedProject inserts a user and a project owned by it.
func seedProject(t *testing.T, store *Store) *Project {
	t.Helper()

	user, err := store.UpsertUserByGithubID(42, "octocat")
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}

	project := &Project{
		ID:             id.New(id.PrefixProject),
		UserID:         user.ID,
		Name:           "acme",
		OrgLogin:       "acme-org",
		OrgID:          7,
		InstallationID: 1001,
		DefaultBranch:  "main",
		PortRangeStart: 9000,
		PortRangeEnd:   9009,
	}
	err = store.RunInTx(context.Background(), func(tx *TxOps) error {
		return tx.InsertProject(project)
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return project
}

// seedRepo inserts a repo into the project.
func seedRepo(t *testing.T, store *Store, project *Project) *Repo {
	t.Helper()

	repo := &Repo{
		ID:            id.New(id.PrefixRepo),
		ProjectID:     project.ID,
		GithubID:      555,
		NodeID:        "R_" + repoNodeSuffix(project.ID),
		Owner:         "acme-org",
		Name:          "widget",
		DefaultBranch: "main",
		Status:        RepoStatusActive,
	}
	if err := store.UpsertRepo(repo); err != nil {
		t.Fatalf("seed repo: %v", err)
	}
	return repo
}

func repoNodeSuffix(projectID string) string {
	if len(projectID) > 8 {
		return projectID[len(projectID)-8:]
	}
	return projectID
}

// seedTask inserts a task into the repo.
func seedTask(t *testing.T, store *Store, project *Project, repo *Repo) *Task {
	t.Helper()

	task := &Task{
		ID:          id.New(id.PrefixTask),
		ProjectID:   project.ID,
		RepoID:      repo.ID,
		IssueNumber: 12,
		IssueNodeID: "I_" + repoNodeSuffix(repo.ID),
		Title:       "fix the widget",
		Body:        "it wobbles",
		State:       "open",
		Labels:      []string{"bug"},
	}
	if err := store.InsertTask(task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

// seedRun inserts a pending run for the task.
func seedRun(t *testing.T, store *Store, task *Task) *Run {
	t.Helper()

	run := &Run{
		ID:         id.NewRun(),
		TaskID:     task.ID,
		ProjectID:  task.ProjectID,
		RepoID:     task.RepoID,
		BaseBranch: "main",
	}
	err := store.RunInTx(context.Background(), func(tx *TxOps) error {
		return tx.InsertRun(run)
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run
}

// seedRunChain builds the full user→project→repo→task→run fixture.
func seedRunChain(t *testing.T, store *Store) (*Project, *Repo, *Task, *Run) {
	t.Helper()

	project := seedProject(t, store)
	repo := seedRepo(t, store, project)
	task := seedTask(t, store, project, repo)
	run := seedRun(t, store, task)
	return project, repo, task, run
}

// appendTestEvent writes an event and returns it, failing the test on error
// or dedupe.
func appendTestEvent(t *testing.T, store *Store, projectID, runID, eventType, idemKey string) *Event {
	t.Helper()

	var event *Event
	err := store.RunInTx(context.Background(), func(tx *TxOps) error {
		var err error
		event, err = tx.CreateEvent(projectID, runID, eventType, "decision", `{}`, idemKey, "test")
		return err
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if event == nil {
		t.Fatalf("append event: unexpected duplicate for key %s", idemKey)
	}
	return event
}
