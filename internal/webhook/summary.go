package webhook

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Free-text fields are clipped so a pathological issue body cannot bloat
// the deliveries table.
const maxSummaryText = 4096

// Summary is the orchestration-relevant slice of a webhook payload. Raw
// payloads are never persisted; everything downstream of ingestion works
// from these fields.
type Summary struct {
	RepositoryID            int64  `json:"repositoryId,omitempty"`
	RepositoryNodeID        string `json:"repositoryNodeId,omitempty"`
	RepositoryFullName      string `json:"repositoryFullName,omitempty"`
	RepositoryDefaultBranch string `json:"repositoryDefaultBranch,omitempty"`
	SenderID                int64  `json:"senderId,omitempty"`
	SenderLogin             string `json:"senderLogin,omitempty"`
	InstallationID          int64  `json:"installationId,omitempty"`

	IssueNumber int      `json:"issueNumber,omitempty"`
	IssueNodeID string   `json:"issueNodeId,omitempty"`
	IssueTitle  string   `json:"issueTitle,omitempty"`
	IssueBody   string   `json:"issueBody,omitempty"`
	IssueState  string   `json:"issueState,omitempty"`
	IssueLabels []string `json:"issueLabels,omitempty"`

	// LabelName is the label a labeled/unlabeled action is about, as opposed
	// to the issue's full label set.
	LabelName string `json:"labelName,omitempty"`

	CommentID   int64  `json:"commentId,omitempty"`
	CommentBody string `json:"commentBody,omitempty"`

	PRNumber int    `json:"prNumber,omitempty"`
	PRNodeID string `json:"prNodeId,omitempty"`
	PRMerged bool   `json:"prMerged,omitempty"`

	// HeadBranch is the branch a PR or check suite ran against, used to
	// resolve the owning run.
	HeadBranch string `json:"headBranch,omitempty"`
	HeadSHA    string `json:"headSha,omitempty"`

	ReviewState string `json:"reviewState,omitempty"`

	CheckStatus     string `json:"checkStatus,omitempty"`
	CheckConclusion string `json:"checkConclusion,omitempty"`

	Ref string `json:"ref,omitempty"`
}

// Summarize extracts the summary from a raw payload. Fields absent from the
// payload stay zero; the caller decides what a given event type requires.
func Summarize(body []byte) Summary {
	s := Summary{
		RepositoryID:            gjson.GetBytes(body, "repository.id").Int(),
		RepositoryNodeID:        gjson.GetBytes(body, "repository.node_id").String(),
		RepositoryFullName:      gjson.GetBytes(body, "repository.full_name").String(),
		RepositoryDefaultBranch: gjson.GetBytes(body, "repository.default_branch").String(),
		SenderID:                gjson.GetBytes(body, "sender.id").Int(),
		SenderLogin:             gjson.GetBytes(body, "sender.login").String(),
		InstallationID:          gjson.GetBytes(body, "installation.id").Int(),

		IssueNumber: int(gjson.GetBytes(body, "issue.number").Int()),
		IssueNodeID: gjson.GetBytes(body, "issue.node_id").String(),
		IssueTitle:  clip(gjson.GetBytes(body, "issue.title").String()),
		IssueBody:   clip(gjson.GetBytes(body, "issue.body").String()),
		IssueState:  gjson.GetBytes(body, "issue.state").String(),
		LabelName:   gjson.GetBytes(body, "label.name").String(),

		CommentID:   gjson.GetBytes(body, "comment.id").Int(),
		CommentBody: clip(gjson.GetBytes(body, "comment.body").String()),

		PRNumber: int(gjson.GetBytes(body, "pull_request.number").Int()),
		PRNodeID: gjson.GetBytes(body, "pull_request.node_id").String(),
		PRMerged: gjson.GetBytes(body, "pull_request.merged").Bool(),

		ReviewState: gjson.GetBytes(body, "review.state").String(),

		CheckStatus:     gjson.GetBytes(body, "check_suite.status").String(),
		CheckConclusion: gjson.GetBytes(body, "check_suite.conclusion").String(),

		Ref: gjson.GetBytes(body, "ref").String(),
	}

	for _, label := range gjson.GetBytes(body, "issue.labels.#.name").Array() {
		s.IssueLabels = append(s.IssueLabels, label.String())
	}

	if head := gjson.GetBytes(body, "pull_request.head.ref"); head.Exists() {
		s.HeadBranch = head.String()
		s.HeadSHA = gjson.GetBytes(body, "pull_request.head.sha").String()
	} else if head := gjson.GetBytes(body, "check_suite.head_branch"); head.Exists() {
		s.HeadBranch = head.String()
		s.HeadSHA = gjson.GetBytes(body, "check_suite.head_sha").String()
	}

	return s
}

// JSON renders the summary for storage and job payloads.
func (s Summary) JSON() json.RawMessage {
	data, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func clip(s string) string {
	if len(s) <= maxSummaryText {
		return s
	}
	return s[:maxSummaryText]
}
