// Package agent invokes the external coding executor that turns a task into
// a pull request. The executor owns the clone, the edits, and the push; the
// pipeline hands it context and records the outcome.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
)

// DefaultTimeout bounds a single executor run end to end.
const DefaultTimeout = 15 * time.Minute

// RunRequest carries everything the executor needs to attempt a fix.
type RunRequest struct {
	Task   *models.Task
	Repo   string
	Branch string
	Prompt string
}

// Result reports what the executor produced. Success false means the
// executor ran to completion without producing usable changes; transport
// failures surface as errors instead.
type Result struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	Branch       string   `json:"branch"`
	PRURL        string   `json:"pr_url"`
	PRTitle      string   `json:"pr_title"`
	FilesChanged []string `json:"files_changed"`
	Error        string   `json:"error,omitempty"`
}

// Agent runs a coding task to completion.
type Agent interface {
	Run(ctx context.Context, req RunRequest) (*Result, error)
}

// HTTPAgent forwards runs to an executor service over HTTP.
type HTTPAgent struct {
	url        string
	httpClient *http.Client
	logger     observability.Logger
}

// NewHTTPAgent creates an HTTPAgent posting to url. A non-positive timeout
// falls back to DefaultTimeout.
func NewHTTPAgent(url string, timeout time.Duration, logger observability.Logger) *HTTPAgent {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPAgent{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.WithPrefix("agent"),
	}
}

type runPayload struct {
	TaskID          string `json:"task_id"`
	Product         string `json:"product"`
	Repo            string `json:"repo"`
	Branch          string `json:"branch"`
	Category        string `json:"category"`
	Title           string `json:"title"`
	Summary         string `json:"summary"`
	SuggestedAction string `json:"suggested_action,omitempty"`
	Prompt          string `json:"prompt"`
}

// Run posts the request to the executor and decodes its report. The
// executor's branch wins when it reports one; otherwise the requested
// branch is assumed.
func (a *HTTPAgent) Run(ctx context.Context, req RunRequest) (*Result, error) {
	payload := runPayload{
		TaskID:          req.Task.ID,
		Product:         req.Task.Product,
		Repo:            req.Repo,
		Branch:          req.Branch,
		Category:        string(req.Task.Category),
		Title:           req.Task.Title,
		Summary:         req.Task.Summary,
		SuggestedAction: req.Task.SuggestedAction,
		Prompt:          req.Prompt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	a.logger.Info("dispatching fix to executor", map[string]interface{}{
		"task_id": req.Task.ID,
		"repo":    req.Repo,
		"branch":  req.Branch,
	})

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read executor response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode executor response: %w", err)
	}
	if result.Branch == "" {
		result.Branch = req.Branch
	}

	a.logger.Info("executor finished", map[string]interface{}{
		"task_id":       req.Task.ID,
		"success":       result.Success,
		"files_changed": len(result.FilesChanged),
	})
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
