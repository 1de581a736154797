// Package forge talks to the GitHub REST API and decodes the webhook
// deliveries that drive the review loop. Only the endpoints the pipeline
// needs are covered: issue creation, pull request review retrieval, and
// repository metadata.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/darwin-engine/darwin/internal/observability"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"

	requestTimeout = 30 * time.Second
)

// Client is a minimal GitHub REST client authenticated with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     observability.Logger
}

// NewClient creates a Client against baseURL, defaulting to the public
// GitHub API when baseURL is empty.
func NewClient(baseURL, token string, logger observability.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		logger: logger.WithPrefix("forge"),
	}
}

// Issue is the subset of a created issue the pipeline records on the task.
type Issue struct {
	Number  int64  `json:"number"`
	URL     string `json:"url"`
	HTMLURL string `json:"html_url"`
}

// PRReview is a top-level review on a pull request. State carries the REST
// API casing (APPROVED, CHANGES_REQUESTED, COMMENTED).
type PRReview struct {
	ID          int64
	Body        string
	State       string
	User        string
	SubmittedAt string
	HTMLURL     string
}

// PRComment is an inline review comment anchored to a file position. Line is
// zero when the comment has no resolvable line (outdated diff positions).
type PRComment struct {
	ID        int64
	Body      string
	Path      string
	Line      int
	Side      string
	User      string
	CreatedAt string
	HTMLURL   string
}

type issuePayload struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type userWire struct {
	Login string `json:"login"`
}

type reviewWire struct {
	ID          int64    `json:"id"`
	Body        string   `json:"body"`
	State       string   `json:"state"`
	User        userWire `json:"user"`
	SubmittedAt string   `json:"submitted_at"`
	HTMLURL     string   `json:"html_url"`
}

type commentWire struct {
	ID        int64    `json:"id"`
	Body      string   `json:"body"`
	Path      string   `json:"path"`
	Line      int      `json:"line"`
	Side      string   `json:"side"`
	User      userWire `json:"user"`
	CreatedAt string   `json:"created_at"`
	HTMLURL   string   `json:"html_url"`
}

// CreateIssue opens an issue on repo ("owner/name"). Labels are omitted from
// the request when empty.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (*Issue, error) {
	payload := issuePayload{Title: title, Body: body, Labels: labels}
	var issue Issue
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues", repo), payload, &issue); err != nil {
		return nil, err
	}
	c.logger.Info("created issue", map[string]interface{}{
		"repo":   repo,
		"number": issue.Number,
	})
	return &issue, nil
}

// PRReviews lists the top-level reviews submitted on a pull request.
func (c *Client) PRReviews(ctx context.Context, repo string, number int64) ([]PRReview, error) {
	var wire []reviewWire
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number), nil, &wire); err != nil {
		return nil, err
	}
	reviews := make([]PRReview, 0, len(wire))
	for _, r := range wire {
		reviews = append(reviews, PRReview{
			ID:          r.ID,
			Body:        r.Body,
			State:       r.State,
			User:        r.User.Login,
			SubmittedAt: r.SubmittedAt,
			HTMLURL:     r.HTMLURL,
		})
	}
	return reviews, nil
}

// PRComments lists the inline review comments on a pull request. Side
// defaults to RIGHT when the API leaves it unset.
func (c *Client) PRComments(ctx context.Context, repo string, number int64) ([]PRComment, error) {
	var wire []commentWire
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), nil, &wire); err != nil {
		return nil, err
	}
	comments := make([]PRComment, 0, len(wire))
	for _, cm := range wire {
		side := cm.Side
		if side == "" {
			side = "RIGHT"
		}
		comments = append(comments, PRComment{
			ID:        cm.ID,
			Body:      cm.Body,
			Path:      cm.Path,
			Line:      cm.Line,
			Side:      side,
			User:      cm.User.Login,
			CreatedAt: cm.CreatedAt,
			HTMLURL:   cm.HTMLURL,
		})
	}
	return comments, nil
}

// DefaultBranch returns the default branch of repo, falling back to "main"
// on any failure so callers never block on repository metadata.
func (c *Client) DefaultBranch(ctx context.Context, repo string) string {
	var meta struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s", repo), nil, &meta); err != nil {
		c.logger.Warn("default branch lookup failed, assuming main", map[string]interface{}{
			"repo":  repo,
			"error": err.Error(),
		})
		return "main"
	}
	if meta.DefaultBranch == "" {
		return "main"
	}
	return meta.DefaultBranch
}

func (c *Client) do(ctx context.Context, method, path string, payload, result interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forge request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read forge response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("forge API %s %s returned status %d: %s", method, path, resp.StatusCode, apiErrorDetail(data))
	}

	if result == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode forge response: %w", err)
	}
	return nil
}

// apiErrorDetail pulls the message field out of a GitHub error body, falling
// back to a truncated raw body.
func apiErrorDetail(data []byte) string {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	s := string(data)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
