package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
)

func newNormalizer(t *testing.T) (*Normalizer, *db.Store, *events.MemoryBus, *queue.Client) {
	t.Helper()
	store := db.NewTestStore(t)
	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	notifier := events.NewNotifier(bus, nil)
	machine := run.NewMachine(store, notifier, nil)
	gates := gate.NewEngine(store, machine, notifier, nil)
	require.NoError(t, gates.EnsureBuiltInDefinitions(context.Background()))
	jobs := newQueueClient(t)
	return NewNormalizer(store, gates, jobs, notifier, "conductor", nil), store, bus, jobs
}

func seedProjectRepo(t *testing.T, store *db.Store) (*db.Project, *db.Repo) {
	t.Helper()

	user, err := store.UpsertUserByGithubID(42, "octocat")
	require.NoError(t, err)
	project := &db.Project{
		ID:             id.New(id.PrefixProject),
		UserID:         user.ID,
		Name:           "acme",
		OrgLogin:       "acme-org",
		InstallationID: 1001,
		DefaultBranch:  "main",
		PortRangeStart: 9000,
		PortRangeEnd:   9009,
	}
	require.NoError(t, store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		return tx.InsertProject(project)
	}))

	repo := &db.Repo{
		ID:            id.New(id.PrefixRepo),
		ProjectID:     project.ID,
		GithubID:      555,
		NodeID:        "R_node",
		Owner:         "acme-org",
		Name:          "widget",
		DefaultBranch: "main",
		Status:        db.RepoStatusActive,
	}
	require.NoError(t, store.UpsertRepo(repo))
	return project, repo
}

func seedTrackedTask(t *testing.T, store *db.Store, project *db.Project, repo *db.Repo) *db.Task {
	t.Helper()
	task := &db.Task{
		ID:          id.New(id.PrefixTask),
		ProjectID:   project.ID,
		RepoID:      repo.ID,
		IssueNumber: 12,
		IssueNodeID: "I_node",
		Title:       "fix the widget",
		State:       "open",
	}
	require.NoError(t, store.InsertTask(task))
	return task
}

func seedRunOnBranch(t *testing.T, store *db.Store, task *db.Task, branch string) *db.Run {
	t.Helper()
	r := &db.Run{
		ID:         id.NewRun(),
		TaskID:     task.ID,
		ProjectID:  task.ProjectID,
		RepoID:     task.RepoID,
		Branch:     branch,
		BaseBranch: "main",
	}
	require.NoError(t, store.RunInTx(context.Background(), func(tx *db.TxOps) error {
		return tx.InsertRun(r)
	}))
	return r
}

// deliveryJob persists a delivery in processing (as the receiver leaves it)
// and returns the matching queue job.
func deliveryJob(t *testing.T, store *db.Store, deliveryID, eventType, action string, s Summary) *queue.Job {
	t.Helper()
	d := &db.WebhookDelivery{
		DeliveryID:       deliveryID,
		EventType:        eventType,
		Action:           action,
		RepositoryNodeID: s.RepositoryNodeID,
		SenderLogin:      s.SenderLogin,
		PayloadSummary:   string(s.JSON()),
		PayloadHash:      "deadbeef",
		SignatureValid:   true,
	}
	inserted, err := store.InsertWebhookDelivery(d)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.MarkDeliveryProcessing(deliveryID, deliveryID))

	payload, err := json.Marshal(queue.WebhookJob{
		DeliveryID:       deliveryID,
		EventType:        eventType,
		Action:           action,
		RepositoryNodeID: s.RepositoryNodeID,
		PayloadSummary:   s.JSON(),
	})
	require.NoError(t, err)
	return &queue.Job{ID: deliveryID, Queue: queue.Webhooks, Payload: payload}
}

func projectEvents(t *testing.T, store *db.Store, projectID string) []*db.Event {
	t.Helper()
	evs, err := store.QueryStreamEventsForReplay(0, []string{projectID}, 100)
	require.NoError(t, err)
	return evs
}

func TestNormalizer_IssueOpenedCreatesTask(t *testing.T) {
	t.Parallel()

	n, store, bus, _ := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)

	var published []events.Envelope
	_, err := bus.Subscribe(context.Background(), []string{project.ID}, func(env events.Envelope) {
		published = append(published, env)
	})
	require.NoError(t, err)

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		SenderLogin:      "octocat",
		IssueNumber:      12,
		IssueNodeID:      "I_node",
		IssueTitle:       "fix the widget",
		IssueBody:        "it wobbles",
		IssueState:       "open",
		IssueLabels:      []string{"bug"},
	}
	job := deliveryJob(t, store, "d1", "issues", "opened", sum)
	require.NoError(t, n.Process(context.Background(), job))

	task, err := store.GetTaskByIssueNodeID("I_node")
	require.NoError(t, err)
	require.NotNil(t, task, "an opened issue becomes a task")
	assert.Equal(t, "fix the widget", task.Title)
	assert.Equal(t, []string{"bug"}, task.Labels)
	assert.Equal(t, repo.ID, task.RepoID)

	evs := projectEvents(t, store, project.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, "task.issue_opened", evs[0].Type)
	assert.Equal(t, events.ClassExternal, evs[0].Class)
	assert.Equal(t, "webhook:d1", evs[0].IdempotencyKey)
	assert.Equal(t, "webhook", evs[0].Source)
	assert.Contains(t, evs[0].Payload, `"deliveryId":"d1"`)

	d, err := store.GetWebhookDelivery("d1")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusProcessed, d.Status)
	assert.NotNil(t, d.ProcessedAt)

	require.Len(t, published, 1, "committed event reaches the bus")
	assert.Equal(t, evs[0].Sequence, published[0].Sequence)
}

func TestNormalizer_IssueEditedUpdatesTask(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)
	task := seedTrackedTask(t, store, project, repo)

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		IssueNumber:      12,
		IssueNodeID:      "I_node",
		IssueTitle:       "fix the widget properly",
		IssueState:       "closed",
		IssueLabels:      []string{"bug", "p1"},
	}
	job := deliveryJob(t, store, "d2", "issues", "edited", sum)
	require.NoError(t, n.Process(context.Background(), job))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the widget properly", got.Title)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, []string{"bug", "p1"}, got.Labels)

	evs := projectEvents(t, store, project.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, "task.issue_edited", evs[0].Type)
}

func TestNormalizer_TriggerLabelCreatesRun(t *testing.T) {
	t.Parallel()

	n, store, _, jobs := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)
	ctx := context.Background()

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		IssueNumber:      12,
		IssueNodeID:      "I_node",
		IssueTitle:       "fix the widget",
		IssueState:       "open",
		IssueLabels:      []string{"bug", "conductor"},
		LabelName:        "conductor",
	}
	job := deliveryJob(t, store, "d10", "issues", "labeled", sum)
	require.NoError(t, n.Process(ctx, job))

	task, err := store.GetTaskByIssueNodeID("I_node")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NotEmpty(t, task.ActiveRunID, "trigger label binds a run to the task")

	r, err := store.GetRun(task.ActiveRunID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, string(run.PhasePending), r.Phase)
	assert.Equal(t, 1, r.RunNumber)
	assert.Equal(t, "main", r.BaseBranch, "base branch comes from the project")
	assert.Equal(t, repo.ID, r.RepoID)

	counts, err := jobs.Counts(ctx, queue.Runs)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[queue.StatusWaiting], "start job offered")

	evs := projectEvents(t, store, project.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, "task.issue_labeled", evs[0].Type)
	assert.Equal(t, r.ID, evs[0].RunID, "the labeled event is attached to the new run")

	// A second trigger delivery while the run is still pending re-offers the
	// same job instead of minting a second run.
	again := deliveryJob(t, store, "d11", "issues", "labeled", sum)
	require.NoError(t, n.Process(ctx, again))

	task, err = store.GetTaskByIssueNodeID("I_node")
	require.NoError(t, err)
	assert.Equal(t, r.ID, task.ActiveRunID)
	counts, err = jobs.Counts(ctx, queue.Runs)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[queue.StatusWaiting])
}

func TestNormalizer_TriggerLabelRespectsActiveRun(t *testing.T) {
	t.Parallel()

	n, store, _, jobs := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)
	task := seedTrackedTask(t, store, project, repo)
	ctx := context.Background()

	running := seedRunOnBranch(t, store, task, "conductor/r1-x")
	require.NoError(t, store.RunInTx(ctx, func(tx *db.TxOps) error {
		if err := tx.UpdateRunPhase(running.ID, db.RunPhaseUpdate{
			Phase:  string(run.PhasePlanning),
			Step:   run.StepPlannerCreatePlan,
			Status: db.RunStatusActive,
		}); err != nil {
			return err
		}
		return tx.SetTaskActiveRun(task.ID, running.ID)
	}))

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		IssueNodeID:      "I_node",
		IssueState:       "open",
		LabelName:        "conductor",
	}
	job := deliveryJob(t, store, "d12", "issues", "labeled", sum)
	require.NoError(t, n.Process(ctx, job))

	got, err := store.GetTaskByIssueNodeID("I_node")
	require.NoError(t, err)
	assert.Equal(t, running.ID, got.ActiveRunID, "one non-terminal run per task")

	counts, err := jobs.Counts(ctx, queue.Runs)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StatusWaiting], "no start offer for a run past pending")
}

func TestNormalizer_NonTriggerLabelCreatesNoRun(t *testing.T) {
	t.Parallel()

	n, store, _, jobs := newNormalizer(t)
	_, repo := seedProjectRepo(t, store)
	ctx := context.Background()

	for i, sum := range []Summary{
		{RepositoryNodeID: repo.NodeID, IssueNodeID: "I_a", IssueState: "open", LabelName: "bug"},
		{RepositoryNodeID: repo.NodeID, IssueNodeID: "I_b", IssueState: "closed", LabelName: "conductor"},
	} {
		job := deliveryJob(t, store, fmt.Sprintf("d13-%d", i), "issues", "labeled", sum)
		require.NoError(t, n.Process(ctx, job))

		task, err := store.GetTaskByIssueNodeID(sum.IssueNodeID)
		require.NoError(t, err)
		require.NotNil(t, task, "the task itself is still tracked")
		assert.Empty(t, task.ActiveRunID)
	}

	counts, err := jobs.Counts(ctx, queue.Runs)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.StatusWaiting])
}

func TestNormalizer_CommentOnUntrackedIssueIgnored(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		IssueNodeID:      "I_unknown",
		CommentID:        7,
		CommentBody:      "hello",
	}
	job := deliveryJob(t, store, "d3", "issue_comment", "created", sum)
	require.NoError(t, n.Process(context.Background(), job))

	d, err := store.GetWebhookDelivery("d3")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusIgnored, d.Status)
	assert.Contains(t, d.IgnoreReason, "no task for issue")
	assert.Empty(t, projectEvents(t, store, project.ID))
}

func TestNormalizer_NoProjectForRepositoryIgnored(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	seedProjectRepo(t, store)

	sum := Summary{RepositoryNodeID: "R_elsewhere", IssueNodeID: "I_x"}
	job := deliveryJob(t, store, "d4", "issues", "opened", sum)
	require.NoError(t, n.Process(context.Background(), job))

	d, err := store.GetWebhookDelivery("d4")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusIgnored, d.Status)
	assert.Contains(t, d.IgnoreReason, "no project for repository")
}

func TestNormalizer_UnknownRepoOfKnownInstallationAdopted(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	project, _ := seedProjectRepo(t, store)

	sum := Summary{
		RepositoryNodeID:        "R_gadget",
		RepositoryID:            777,
		RepositoryFullName:      "acme-org/gadget",
		RepositoryDefaultBranch: "develop",
		InstallationID:          project.InstallationID,
		IssueNumber:             31,
		IssueNodeID:             "I_gadget",
		IssueTitle:              "gadget is stuck",
		IssueState:              "open",
	}
	job := deliveryJob(t, store, "d14", "issues", "opened", sum)
	require.NoError(t, n.Process(context.Background(), job))

	repo, err := store.GetRepoByNodeID("R_gadget")
	require.NoError(t, err)
	require.NotNil(t, repo, "first delivery from the repo mirrors it")
	assert.Equal(t, project.ID, repo.ProjectID)
	assert.Equal(t, int64(777), repo.GithubID)
	assert.Equal(t, "acme-org", repo.Owner)
	assert.Equal(t, "gadget", repo.Name)
	assert.Equal(t, "develop", repo.DefaultBranch)
	assert.Equal(t, db.RepoStatusActive, repo.Status)

	task, err := store.GetTaskByIssueNodeID("I_gadget")
	require.NoError(t, err)
	require.NotNil(t, task, "normalization continues after adoption")
	assert.Equal(t, repo.ID, task.RepoID)

	d, err := store.GetWebhookDelivery("d14")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusProcessed, d.Status)
}

func TestNormalizer_UnknownRepoOfUnknownInstallationIgnored(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	seedProjectRepo(t, store)

	sum := Summary{
		RepositoryNodeID:   "R_stranger",
		RepositoryFullName: "someone/else",
		InstallationID:     4242,
		IssueNodeID:        "I_stranger",
	}
	job := deliveryJob(t, store, "d15", "issues", "opened", sum)
	require.NoError(t, n.Process(context.Background(), job))

	d, err := store.GetWebhookDelivery("d15")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusIgnored, d.Status)
	assert.Contains(t, d.IgnoreReason, "no project for repository")

	repo, err := store.GetRepoByNodeID("R_stranger")
	require.NoError(t, err)
	assert.Nil(t, repo)
}

func TestNormalizer_UnhandledActionIgnored(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	_, repo := seedProjectRepo(t, store)

	sum := Summary{RepositoryNodeID: repo.NodeID, IssueNodeID: "I_node"}
	job := deliveryJob(t, store, "d5", "issues", "pinned", sum)
	require.NoError(t, n.Process(context.Background(), job))

	d, err := store.GetWebhookDelivery("d5")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusIgnored, d.Status)
	assert.Contains(t, d.IgnoreReason, "unhandled event issues/pinned")
}

func TestNormalizer_ChecksCompletedEvaluatesTestsGate(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		conclusion string
		want       string
	}{
		{"success passes", "success", db.GateStatusPassed},
		{"failure fails", "failure", db.GateStatusFailed},
		{"timed out fails", "timed_out", db.GateStatusFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n, store, _, _ := newNormalizer(t)
			project, repo := seedProjectRepo(t, store)
			task := seedTrackedTask(t, store, project, repo)
			r := seedRunOnBranch(t, store, task, "conductor/r1-x")

			sum := Summary{
				RepositoryNodeID: repo.NodeID,
				HeadBranch:       "conductor/r1-x",
				HeadSHA:          "abc123",
				CheckStatus:      "completed",
				CheckConclusion:  tc.conclusion,
			}
			job := deliveryJob(t, store, "d6", "check_suite", "completed", sum)
			require.NoError(t, n.Process(context.Background(), job))

			evs := projectEvents(t, store, project.ID)
			require.Len(t, evs, 1)
			assert.Equal(t, events.TypeRunChecksCompleted, evs[0].Type)
			assert.Equal(t, r.ID, evs[0].RunID)

			evals, err := store.ListGateEvaluationsForRun(r.ID)
			require.NoError(t, err)
			require.Len(t, evals, 1)
			assert.Equal(t, gate.TestsPass, evals[0].GateID)
			assert.Equal(t, tc.want, evals[0].Status)
			assert.Equal(t, evs[0].ID, evals[0].CausationEventID)
		})
	}
}

func TestNormalizer_ChecksOnUnknownBranchIgnored(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	_, repo := seedProjectRepo(t, store)

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		HeadBranch:       "somebody/manual-branch",
		CheckConclusion:  "success",
	}
	job := deliveryJob(t, store, "d7", "check_suite", "completed", sum)
	require.NoError(t, n.Process(context.Background(), job))

	d, err := store.GetWebhookDelivery("d7")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusIgnored, d.Status)
	assert.Contains(t, d.IgnoreReason, "no run for branch")
}

func TestNormalizer_RedeliveryIsNoop(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	project, repo := seedProjectRepo(t, store)

	sum := Summary{
		RepositoryNodeID: repo.NodeID,
		IssueNodeID:      "I_node",
		IssueNumber:      12,
		IssueTitle:       "fix the widget",
		IssueState:       "open",
	}
	job := deliveryJob(t, store, "d8", "issues", "opened", sum)
	require.NoError(t, n.Process(context.Background(), job))
	require.NoError(t, n.Process(context.Background(), job), "redelivery of a processed row")

	assert.Len(t, projectEvents(t, store, project.ID), 1)
}

func TestNormalizer_MissingDeliveryRowIsNoop(t *testing.T) {
	t.Parallel()

	n, store, _, _ := newNormalizer(t)
	seedProjectRepo(t, store)

	payload, err := json.Marshal(queue.WebhookJob{DeliveryID: "d_ghost"})
	require.NoError(t, err)
	job := &queue.Job{ID: "d_ghost", Queue: queue.Webhooks, Payload: payload}
	assert.NoError(t, n.Process(context.Background(), job))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	merged := Summary{PRMerged: true}
	unmerged := Summary{}

	for _, tc := range []struct {
		event, action string
		summary       Summary
		want          string
		ok            bool
	}{
		{"issues", "opened", unmerged, "task.issue_opened", true},
		{"issues", "labeled", unmerged, "task.issue_labeled", true},
		{"issues", "pinned", unmerged, "", false},
		{"issue_comment", "created", unmerged, events.TypeTaskCommentCreated, true},
		{"issue_comment", "deleted", unmerged, "", false},
		{"pull_request", "opened", unmerged, events.TypeRunPROpened, true},
		{"pull_request", "closed", merged, events.TypeRunPRMerged, true},
		{"pull_request", "closed", unmerged, events.TypeRunPRClosed, true},
		{"pull_request", "synchronize", unmerged, events.TypeRunPRSynchronize, true},
		{"pull_request_review", "submitted", unmerged, events.TypeRunReviewSubmitted, true},
		{"check_suite", "completed", unmerged, events.TypeRunChecksCompleted, true},
		{"check_suite", "requested", unmerged, "", false},
		{"push", "", unmerged, events.TypeRepoPush, true},
		{"workflow_dispatch", "", unmerged, "", false},
	} {
		got, ok := classify(tc.event, tc.action, tc.summary)
		assert.Equal(t, tc.ok, ok, "%s/%s", tc.event, tc.action)
		assert.Equal(t, tc.want, got, "%s/%s", tc.event, tc.action)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	sum := Summarize([]byte(issueOpenedBody))
	assert.Equal(t, "R_node", sum.RepositoryNodeID)
	assert.Equal(t, "acme-org/widget", sum.RepositoryFullName)
	assert.Equal(t, "octocat", sum.SenderLogin)
	assert.EqualValues(t, 1001, sum.InstallationID)
	assert.Equal(t, 12, sum.IssueNumber)
	assert.Equal(t, "fix the widget", sum.IssueTitle)
	assert.Equal(t, []string{"bug"}, sum.IssueLabels)

	pr := Summarize([]byte(`{
		"action": "closed",
		"repository": {"node_id": "R_node"},
		"pull_request": {
			"number": 3,
			"node_id": "PR_node",
			"merged": true,
			"head": {"ref": "conductor/r1-x", "sha": "abc123"}
		}
	}`))
	assert.Equal(t, 3, pr.PRNumber)
	assert.True(t, pr.PRMerged)
	assert.Equal(t, "conductor/r1-x", pr.HeadBranch)
	assert.Equal(t, "abc123", pr.HeadSHA)

	checks := Summarize([]byte(`{
		"repository": {"node_id": "R_node"},
		"check_suite": {"status": "completed", "conclusion": "success", "head_branch": "conductor/r1-x", "head_sha": "abc123"}
	}`))
	assert.Equal(t, "success", checks.CheckConclusion)
	assert.Equal(t, "conductor/r1-x", checks.HeadBranch)
}
