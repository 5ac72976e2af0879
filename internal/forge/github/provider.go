// Package github implements the forge integration as a GitHub App:
// app JWTs, installation token minting, user OAuth, and the write
// operations the outbox consumer executes.
package github

import (
	"context"
)

// Provider is the forge surface the rest of conductor depends on. The run
// worker mints installation tokens for clone/fetch, the outbox consumer
// executes writes, and the auth layer exchanges OAuth codes.
type Provider interface {
	// InstallationToken returns a short-lived token for the installation,
	// cached until shortly before expiry.
	InstallationToken(ctx context.Context, installationID int64) (string, error)

	// ExchangeOAuthCode trades a login callback code for a user token.
	ExchangeOAuthCode(ctx context.Context, code string) (string, error)

	// AuthenticatedUser fetches the user a token belongs to.
	AuthenticatedUser(ctx context.Context, accessToken string) (*User, error)

	// Writes, executed with the caller's idempotency key attached.
	CreatePullRequest(ctx context.Context, installationID int64, owner, repo string, opts PullRequestOptions) (*WriteResult, error)
	PostIssueComment(ctx context.Context, installationID int64, owner, repo string, issueNumber int, body, idempotencyKey string) (*WriteResult, error)
	UpdateIssueComment(ctx context.Context, installationID int64, owner, repo string, commentID int64, body string) (*WriteResult, error)
	AddLabels(ctx context.Context, installationID int64, owner, repo string, issueNumber int, labels []string) (*WriteResult, error)
}

// User is the forge identity behind an OAuth token.
type User struct {
	GithubID  int64
	Login     string
	Name      string
	Email     string
	AvatarURL string
}

// PullRequestOptions for CreatePullRequest.
type PullRequestOptions struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	Head           string `json:"head"`
	Base           string `json:"base"`
	Draft          bool   `json:"draft"`
	IdempotencyKey string `json:"-"`
}

// WriteResult identifies what a write produced, for the outbox row.
type WriteResult struct {
	NodeID string
	URL    string
}
