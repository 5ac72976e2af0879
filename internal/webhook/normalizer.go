package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/events"
	"github.com/cswenor/conductor-sub003/internal/gate"
	"github.com/cswenor/conductor-sub003/internal/id"
	"github.com/cswenor/conductor-sub003/internal/queue"
	"github.com/cswenor/conductor-sub003/internal/run"
)

// Normalizer maps persisted deliveries to internal events. It runs inside
// the webhooks queue worker; each delivery yields zero or one events. An
// issue labeled with the trigger label additionally creates the task's run
// and offers its start job.
type Normalizer struct {
	store        *db.Store
	gates        *gate.Engine
	jobs         *queue.Client
	notifier     *events.Notifier
	triggerLabel string
	logger       *slog.Logger
}

// NewNormalizer builds the webhook job handler. The notifier may be nil; an
// empty trigger label disables run creation from labels.
func NewNormalizer(store *db.Store, gates *gate.Engine, jobs *queue.Client,
	notifier *events.Notifier, triggerLabel string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		store:        store,
		gates:        gates,
		jobs:         jobs,
		notifier:     notifier,
		triggerLabel: triggerLabel,
		logger:       logger,
	}
}

// eventPayload is what lands on the event row: enough to render the stream
// without ever going back to the raw webhook.
type eventPayload struct {
	DeliveryID string  `json:"deliveryId"`
	Action     string  `json:"action,omitempty"`
	Summary    Summary `json:"summary"`
}

// Process consumes one webhooks job. Redelivered jobs are no-ops once the
// delivery row is terminal, and the event idempotency key absorbs replays
// that crashed between commit and the processed mark.
func (n *Normalizer) Process(ctx context.Context, job *queue.Job) error {
	var wj queue.WebhookJob
	if err := job.UnmarshalPayload(&wj); err != nil {
		return conductorerrors.ErrValidation("payload", fmt.Sprintf("malformed webhook job payload: %v", err))
	}

	d, err := n.store.GetWebhookDelivery(wj.DeliveryID)
	if err != nil {
		return err
	}
	if d == nil {
		n.logger.Warn("webhook job without a delivery row", "delivery_id", wj.DeliveryID)
		return nil
	}
	switch d.Status {
	case db.DeliveryStatusProcessed, db.DeliveryStatusIgnored, db.DeliveryStatusFailed:
		return nil
	}

	raw := wj.PayloadSummary
	if len(raw) == 0 {
		raw = json.RawMessage(d.PayloadSummary)
	}
	var summary Summary
	if err := json.Unmarshal(raw, &summary); err != nil {
		if merr := n.store.MarkDeliveryFailed(d.DeliveryID, "malformed payload summary: "+err.Error()); merr != nil {
			return merr
		}
		return nil
	}

	if summary.RepositoryNodeID == "" {
		return n.ignore(d.DeliveryID, "no repository in payload")
	}
	repo, err := n.store.GetRepoByNodeID(summary.RepositoryNodeID)
	if err != nil {
		return err
	}
	if repo == nil {
		repo, err = n.adoptRepo(summary)
		if err != nil {
			return err
		}
	}
	if repo == nil {
		return n.ignore(d.DeliveryID, "no project for repository "+summary.RepositoryNodeID)
	}

	internalType, ok := classify(d.EventType, d.Action, summary)
	if !ok {
		return n.ignore(d.DeliveryID, fmt.Sprintf("unhandled event %s/%s", d.EventType, d.Action))
	}

	var (
		created      *db.Event
		runID        string
		startRunID   string
		ignoreReason string
	)
	err = n.store.RunInTx(ctx, func(tx *db.TxOps) error {
		created, runID, startRunID, ignoreReason = nil, "", "", ""

		switch d.EventType {
		case "issues":
			if summary.IssueNodeID == "" {
				ignoreReason = "no issue in payload"
				return nil
			}
			task, err := tx.GetTaskByIssueNodeID(summary.IssueNodeID)
			if err != nil {
				return err
			}
			if task == nil {
				task = &db.Task{
					ID:          id.New(id.PrefixTask),
					ProjectID:   repo.ProjectID,
					RepoID:      repo.ID,
					IssueNumber: summary.IssueNumber,
					IssueNodeID: summary.IssueNodeID,
					Title:       summary.IssueTitle,
					Body:        summary.IssueBody,
					State:       summary.IssueState,
					Labels:      summary.IssueLabels,
				}
				if err := tx.InsertTask(task); err != nil {
					return err
				}
			} else if err := tx.UpdateTaskFromIssue(task.ID, summary.IssueTitle,
				summary.IssueBody, summary.IssueState, summary.IssueLabels); err != nil {
				return err
			}
			runID = task.ActiveRunID

			if d.Action == "labeled" && n.triggerLabel != "" && summary.LabelName == n.triggerLabel {
				startRunID, err = n.ensureRunForTask(tx, task, repo, summary)
				if err != nil {
					return err
				}
				if startRunID != "" {
					runID = startRunID
				}
			}

		case "issue_comment":
			if summary.IssueNodeID == "" {
				ignoreReason = "no issue in payload"
				return nil
			}
			task, err := tx.GetTaskByIssueNodeID(summary.IssueNodeID)
			if err != nil {
				return err
			}
			if task == nil {
				ignoreReason = "no task for issue " + summary.IssueNodeID
				return nil
			}
			runID = task.ActiveRunID

		case "pull_request", "pull_request_review", "check_suite":
			if summary.HeadBranch == "" {
				ignoreReason = "no head branch in payload"
				return nil
			}
			target, err := tx.GetRunByBranch(repo.ID, summary.HeadBranch)
			if err != nil {
				return err
			}
			if target == nil {
				ignoreReason = "no run for branch " + summary.HeadBranch
				return nil
			}
			runID = target.ID
		}

		payload, err := json.Marshal(eventPayload{
			DeliveryID: d.DeliveryID,
			Action:     d.Action,
			Summary:    summary,
		})
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		created, err = tx.CreateEvent(repo.ProjectID, runID, internalType,
			events.ClassExternal, string(payload), "webhook:"+d.DeliveryID, "webhook")
		if err != nil {
			return err
		}
		if created == nil {
			// Replay of a delivery whose event already committed.
			return nil
		}

		if internalType == events.TypeRunChecksCompleted && summary.CheckConclusion != "" && runID != "" {
			status := db.GateStatusFailed
			if summary.CheckConclusion == "success" {
				status = db.GateStatusPassed
			}
			_, err := n.gates.CreateEvaluation(tx, gate.EvaluationRequest{
				RunID:            runID,
				GateID:           gate.TestsPass,
				Kind:             db.GateKindAutomatic,
				Status:           status,
				Reason:           "ci concluded " + summary.CheckConclusion,
				CausationEventID: created.ID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if ignoreReason != "" {
		return n.ignore(d.DeliveryID, ignoreReason)
	}

	if created != nil {
		n.notifier.EventCreated(ctx, created)
	}

	// The start offer comes after commit so the worker can only ever see a
	// committed run. An enqueue failure leaves the delivery processing, and
	// the retried job re-offers for the still-pending run.
	if startRunID != "" {
		_, err := n.jobs.AddJob(ctx, queue.Runs, queue.RunStartJobID(startRunID),
			queue.RunJob{RunID: startRunID, Action: queue.RunActionStart, TriggeredBy: "webhook"})
		if err != nil {
			return err
		}
		n.logger.Info("run start offered", "run_id", startRunID, "delivery_id", d.DeliveryID)
	}

	if err := n.store.MarkDeliveryProcessed(d.DeliveryID); err != nil {
		return err
	}
	n.logger.Info("webhook normalized",
		"delivery_id", d.DeliveryID,
		"event", d.EventType,
		"action", d.Action,
		"type", internalType,
		"run_id", runID)
	return nil
}

// ensureRunForTask returns the id of the pending run the trigger label asks
// for, creating one bound as the task's active run when none exists. It
// returns "" when the task already has a run past pending (one non-terminal
// run per task) or the issue is closed.
func (n *Normalizer) ensureRunForTask(tx *db.TxOps, task *db.Task, repo *db.Repo, summary Summary) (string, error) {
	if task.ActiveRunID != "" {
		active, err := tx.GetRun(task.ActiveRunID)
		if err != nil {
			return "", err
		}
		if active != nil && active.Phase == string(run.PhasePending) {
			// A replayed delivery that crashed between commit and enqueue
			// re-offers the start for the run it created.
			return active.ID, nil
		}
		return "", nil
	}
	if summary.IssueState == "closed" {
		return "", nil
	}

	project, err := tx.GetProject(repo.ProjectID)
	if err != nil {
		return "", err
	}
	if project == nil {
		return "", nil
	}
	created := &db.Run{
		ID:         id.NewRun(),
		TaskID:     task.ID,
		ProjectID:  repo.ProjectID,
		RepoID:     repo.ID,
		BaseBranch: project.DefaultBranch,
	}
	if err := tx.InsertRun(created); err != nil {
		return "", err
	}
	if err := tx.SetTaskActiveRun(task.ID, created.ID); err != nil {
		return "", err
	}
	return created.ID, nil
}

// adoptRepo mirrors a repository seen for the first time, provided its
// installation belongs to a project. Repos added to the GitHub App after
// project creation surface this way because installation_repositories
// deliveries are dropped at ingress. Returns (nil, nil) when no project
// owns the installation.
func (n *Normalizer) adoptRepo(summary Summary) (*db.Repo, error) {
	if summary.InstallationID == 0 || summary.RepositoryFullName == "" {
		return nil, nil
	}
	project, err := n.store.GetProjectByInstallationID(summary.InstallationID)
	if err != nil || project == nil {
		return nil, err
	}
	owner, name, ok := strings.Cut(summary.RepositoryFullName, "/")
	if !ok {
		return nil, nil
	}
	branch := summary.RepositoryDefaultBranch
	if branch == "" {
		branch = project.DefaultBranch
	}
	if err := n.store.UpsertRepo(&db.Repo{
		ID:            id.New(id.PrefixRepo),
		ProjectID:     project.ID,
		GithubID:      summary.RepositoryID,
		NodeID:        summary.RepositoryNodeID,
		Owner:         owner,
		Name:          name,
		DefaultBranch: branch,
		Status:        db.RepoStatusActive,
	}); err != nil {
		return nil, err
	}
	n.logger.Info("repository adopted",
		"repo", summary.RepositoryFullName,
		"project_id", project.ID)
	// Re-read so a concurrent adoption of the same repo cannot leave us
	// holding an id the conflict clause discarded.
	return n.store.GetRepoByNodeID(summary.RepositoryNodeID)
}

func (n *Normalizer) ignore(deliveryID, reason string) error {
	if err := n.store.MarkDeliveryIgnored(deliveryID, reason); err != nil {
		return err
	}
	n.logger.Debug("webhook ignored", "delivery_id", deliveryID, "reason", reason)
	return nil
}

// classify maps a forge (event, action) pair to the internal event type.
// The second return is false for combinations that produce no event.
func classify(eventType, action string, s Summary) (string, bool) {
	switch eventType {
	case "issues":
		switch action {
		case "opened", "edited", "closed", "reopened", "labeled":
			return events.TaskIssueType(action), true
		}
	case "issue_comment":
		if action == "created" {
			return events.TypeTaskCommentCreated, true
		}
	case "pull_request":
		switch action {
		case "opened":
			return events.TypeRunPROpened, true
		case "closed":
			if s.PRMerged {
				return events.TypeRunPRMerged, true
			}
			return events.TypeRunPRClosed, true
		case "review_requested":
			return events.TypeRunPRReviewRequested, true
		case "synchronize":
			return events.TypeRunPRSynchronize, true
		}
	case "pull_request_review":
		if action == "submitted" {
			return events.TypeRunReviewSubmitted, true
		}
	case "check_suite":
		if action == "completed" {
			return events.TypeRunChecksCompleted, true
		}
	case "push":
		return events.TypeRepoPush, true
	}
	return "", false
}
