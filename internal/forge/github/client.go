package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v82/github"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// idempotencyHeader carries the outbox row's key so forge-side dedup covers
// client retries.
const idempotencyHeader = "X-Idempotency-Key"

// Options configures the client. Base URLs are overridable for tests and
// GitHub Enterprise; empty means github.com.
type Options struct {
	AppID        int64
	PrivateKey   []byte // PEM, PKCS#1 or PKCS#8
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	OAuthBaseURL string
	HTTPClient   *http.Client
}

// Client implements Provider against the GitHub REST API.
type Client struct {
	appID        int64
	key          *rsa.PrivateKey
	clientID     string
	clientSecret string
	apiBase      *url.URL
	oauthBase    string
	httpClient   *http.Client
	logger       *slog.Logger

	mu     sync.Mutex
	tokens map[int64]cachedToken
}

var _ Provider = (*Client)(nil)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// New creates a Client. The private key may be empty when the process only
// needs OAuth (no installation writes); InstallationToken then errors.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		appID:        opts.AppID,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		oauthBase:    strings.TrimSuffix(opts.OAuthBaseURL, "/"),
		httpClient:   opts.HTTPClient,
		logger:       logger,
		tokens:       make(map[int64]cachedToken),
	}
	if c.oauthBase == "" {
		c.oauthBase = "https://github.com"
	}
	if len(opts.PrivateKey) > 0 {
		key, err := parsePrivateKey(opts.PrivateKey)
		if err != nil {
			return nil, err
		}
		c.key = key
	}
	if opts.APIBaseURL != "" {
		base := opts.APIBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse api base url: %w", err)
		}
		c.apiBase = parsed
	}
	return c, nil
}

// api builds a go-github client over the given http client, honoring the
// base URL override.
func (c *Client) api(httpClient *http.Client) *gh.Client {
	client := gh.NewClient(httpClient)
	if c.apiBase != nil {
		client.BaseURL = c.apiBase
	}
	return client
}

// installationClient returns an API client authenticated as the
// installation, with the idempotency key header attached to every request
// when one is given.
func (c *Client) installationClient(ctx context.Context, installationID int64, idempotencyKey string) (*gh.Client, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	httpClient := c.httpClient
	if idempotencyKey != "" {
		base := http.DefaultTransport
		if httpClient != nil && httpClient.Transport != nil {
			base = httpClient.Transport
		}
		httpClient = &http.Client{
			Transport: &headerTransport{base: base, key: idempotencyHeader, value: idempotencyKey},
		}
	}
	return c.api(httpClient).WithAuthToken(token), nil
}

// headerTransport injects one header into every request.
type headerTransport struct {
	base       http.RoundTripper
	key, value string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set(t.key, t.value)
	return t.base.RoundTrip(clone)
}

// CreatePullRequest opens a PR from opts.Head into opts.Base.
func (c *Client) CreatePullRequest(ctx context.Context, installationID int64, owner, repo string, opts PullRequestOptions) (*WriteResult, error) {
	client, err := c.installationClient(ctx, installationID, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	pr, _, err := client.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.Ptr(opts.Title),
		Body:  gh.Ptr(opts.Body),
		Head:  gh.Ptr(opts.Head),
		Base:  gh.Ptr(opts.Base),
		Draft: gh.Ptr(opts.Draft),
	})
	if err != nil {
		return nil, classify("create pull request", err)
	}
	return &WriteResult{NodeID: pr.GetNodeID(), URL: pr.GetHTMLURL()}, nil
}

// PostIssueComment comments on an issue or pull request.
func (c *Client) PostIssueComment(ctx context.Context, installationID int64, owner, repo string, issueNumber int, body, idempotencyKey string) (*WriteResult, error) {
	client, err := c.installationClient(ctx, installationID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	comment, _, err := client.Issues.CreateComment(ctx, owner, repo, issueNumber, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return nil, classify("post comment", err)
	}
	return &WriteResult{NodeID: comment.GetNodeID(), URL: comment.GetHTMLURL()}, nil
}

// UpdateIssueComment edits an existing comment in place.
func (c *Client) UpdateIssueComment(ctx context.Context, installationID int64, owner, repo string, commentID int64, body string) (*WriteResult, error) {
	client, err := c.installationClient(ctx, installationID, "")
	if err != nil {
		return nil, err
	}
	comment, _, err := client.Issues.EditComment(ctx, owner, repo, commentID, &gh.IssueComment{
		Body: gh.Ptr(body),
	})
	if err != nil {
		return nil, classify("update comment", err)
	}
	return &WriteResult{NodeID: comment.GetNodeID(), URL: comment.GetHTMLURL()}, nil
}

// AddLabels attaches labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, installationID int64, owner, repo string, issueNumber int, labels []string) (*WriteResult, error) {
	client, err := c.installationClient(ctx, installationID, "")
	if err != nil {
		return nil, err
	}
	_, _, err = client.Issues.AddLabelsToIssue(ctx, owner, repo, issueNumber, labels)
	if err != nil {
		return nil, classify("add labels", err)
	}
	return &WriteResult{}, nil
}

// classify folds a go-github error into the transient/permanent split the
// outbox consumer retries on: rate limits, 5xx, and network failures are
// transient; other 4xx responses are permanent.
func classify(op string, err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return conductorerrors.ErrForgeTransient(op, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			return conductorerrors.ErrForgeTransient(op, err)
		}
		return conductorerrors.ErrForgePermanent(op, status, err)
	}
	return conductorerrors.ErrForgeTransient(op, err)
}
