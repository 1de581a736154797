// Package fix coordinates the external coding executor. The runner guards
// the at-most-one-fix-per-task transition, assembles learned context into
// the executor prompt, and records the outcome on the task. The executor
// itself clones, edits and pushes out of process.
package fix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/darwin-engine/darwin/internal/agent"
	"github.com/darwin-engine/darwin/internal/forge"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	branchPrefix = "darwin/fix-"

	similarFixCount = 3
	topRuleCount    = 20
)

// ErrFixConflict marks an attempt to start a fix on a task whose fix_status
// forbids it: already running, or already completed for fresh runs.
var ErrFixConflict = errors.New("fix not allowed in current fix_status")

// ErrNoRepo marks a task whose product has no configured repository. It is a
// configuration problem, not a store or provider failure.
var ErrNoRepo = errors.New("no repository configured for product")

const fixPromptTemplate = `You are a skilled software engineer fixing a bug or implementing a feature.

## Task Information
- **Category**: %s
- **Title**: %s
- **Summary**: %s
- **Suggested Action**: %s

## Coding Style Rules for %s
These rules were learned from past code reviews. Follow them when making changes:

%s

## Similar Past Fixes (Learn from these!)
%s

## Instructions

1. **Follow Style Rules**: Review the coding style rules above and apply them to your changes.
2. **Review Past Fixes**: Look at similar fixes for patterns and guidance.
3. **Explore**: Understand the codebase structure and find the relevant files.
4. **Analyze**: Read the relevant files to understand the current implementation.
5. **Plan**: Think about the minimal changes needed, following style rules and patterns.
6. **Fix**: Make the necessary code changes. Keep changes focused and minimal.
7. **Verify**: Review your changes to ensure they address the issue and follow the rules.

## Guidelines

- Make minimal, targeted changes
- Follow the existing code style and conventions
- Follow the style rules listed above - they come from real code reviews!
- Add comments if the fix is non-obvious
- Do NOT run tests or commit - just make the file changes
- If you're unsure about something, err on the side of making a smaller change
- If similar fixes exist, consider following the same patterns

Begin by exploring the codebase to find the relevant code for this issue.
`

const feedbackPromptTemplate = `You are a skilled software engineer addressing code review feedback on a pull request.

## Original Task Information
- **Category**: %s
- **Title**: %s
- **Summary**: %s

## Review Feedback to Address

A human reviewer has requested changes to your pull request. Here is their feedback:

### Review Comments
%s

### Inline Code Comments
%s

## Instructions

1. **Read the feedback carefully**: Understand what the reviewer is asking for.
2. **Locate the relevant code**: Find the files mentioned in the feedback.
3. **Make the requested changes**: Address each piece of feedback.
4. **Be thorough**: Make sure you address ALL comments, not just some of them.

## Guidelines

- Address ALL feedback from the reviewer
- Keep changes focused on what was requested
- Follow the existing code style and conventions
- If a comment is unclear, make your best effort to address it
- Do NOT run tests or commit - just make the file changes

Begin by reading the files mentioned in the review comments.
`

// Result is the outcome of a fix attempt, shaped for the HTTP layer.
type Result struct {
	FixStatus    models.FixStatus `json:"fix_status"`
	PRURL        string           `json:"pr_url,omitempty"`
	Branch       string           `json:"branch,omitempty"`
	FilesChanged []string         `json:"files_changed,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// Runner drives fix attempts for tasks.
type Runner struct {
	store    store.Store
	learning *learning.Store
	agent    agent.Agent
	repoFor  func(product string) string
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewRunner creates a Runner. repoFor maps a product to its repository and
// returns "" for unconfigured products.
func NewRunner(st store.Store, ls *learning.Store, ag agent.Agent, repoFor func(string) string, logger observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		store:    st,
		learning: ls,
		agent:    ag,
		repoFor:  repoFor,
		logger:   logger.WithPrefix("fix"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// BranchForTask returns the branch name the runner asks the executor to use.
func BranchForTask(taskID string) string {
	return branchPrefix + taskID
}

// TaskIDFromBranch extracts the task id from a runner-created branch name,
// returning "" for branches the runner did not create.
func TaskIDFromBranch(branch string) string {
	if !strings.HasPrefix(branch, branchPrefix) {
		return ""
	}
	return strings.TrimPrefix(branch, branchPrefix)
}

// Run starts a fresh fix attempt for taskID. Tasks whose fix is running or
// already completed are rejected with ErrFixConflict; failed attempts may be
// retried.
func (r *Runner) Run(ctx context.Context, taskID string) (*Result, error) {
	task, err := r.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.FixStatus == models.FixRunning || task.FixStatus == models.FixCompleted {
		return nil, fmt.Errorf("%w: task %s is %s", ErrFixConflict, task.ID, task.FixStatus)
	}
	repo := r.repoFor(task.Product)
	if repo == "" {
		return nil, fmt.Errorf("%w %q", ErrNoRepo, task.Product)
	}

	if err := r.claim(ctx, task, map[string]string{
		"fix_status": string(models.FixRunning),
		"updated_at": strconv.FormatInt(r.now().Unix(), 10),
	}); err != nil {
		return nil, err
	}

	similar, rules := r.gatherContext(ctx, task)
	prompt := fmt.Sprintf(fixPromptTemplate,
		task.Category, task.Title, task.Summary, task.SuggestedAction, task.Product,
		learning.FormatRulesForPrompt(rules), learning.FormatFixesForPrompt(similar))

	res, err := r.invoke(ctx, task, repo, BranchForTask(task.ID), prompt)
	if err != nil {
		return nil, err
	}
	if res.FixStatus == models.FixCompleted {
		r.applyRules(ctx, task.Product, rules)
	}
	return res, nil
}

// RunFeedback re-enters the executor with reviewer feedback on an existing
// pull request. Unlike Run it may restart from completed: a reviewer
// requesting changes reopens work the runner considered finished.
func (r *Runner) RunFeedback(ctx context.Context, taskID string, reviews []forge.PRReview, comments []forge.PRComment) (*Result, error) {
	task, err := r.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.FixStatus == models.FixRunning {
		return nil, fmt.Errorf("%w: task %s is %s", ErrFixConflict, task.ID, task.FixStatus)
	}
	repo := r.repoFor(task.Product)
	if repo == "" {
		return nil, fmt.Errorf("%w %q", ErrNoRepo, task.Product)
	}

	if err := r.claim(ctx, task, map[string]string{
		"fix_status": string(models.FixRunning),
		"iteration":  strconv.FormatInt(task.Iteration+1, 10),
		"updated_at": strconv.FormatInt(r.now().Unix(), 10),
	}); err != nil {
		return nil, err
	}

	reviewText, inlineText := formatReviewFeedback(reviews, comments)
	prompt := fmt.Sprintf(feedbackPromptTemplate,
		task.Category, task.Title, task.Summary, reviewText, inlineText)

	branch := task.Branch
	if branch == "" {
		branch = BranchForTask(task.ID)
	}
	return r.invoke(ctx, task, repo, branch, prompt)
}

func (r *Runner) loadTask(ctx context.Context, taskID string) (*models.Task, error) {
	fields, err := r.store.GetRecord(ctx, store.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	return models.TaskFromFields(fields)
}

// claim transitions fix_status under a compare-and-set guarded on the value
// the task was loaded with. A lost race means someone else owns the fix now.
func (r *Runner) claim(ctx context.Context, task *models.Task, updates map[string]string) error {
	ok, err := r.store.CheckAndSet(ctx, store.TaskKey(task.ID), "fix_status", string(task.FixStatus),
		map[string]map[string]string{store.TaskKey(task.ID): updates})
	if err != nil {
		return fmt.Errorf("failed to claim fix for task %s: %w", task.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: task %s was claimed concurrently", ErrFixConflict, task.ID)
	}
	return nil
}

// gatherContext loads learned context for the prompt. Retrieval failures are
// logged and leave the corresponding section empty; a fix attempt proceeds
// without history rather than aborting.
func (r *Runner) gatherContext(ctx context.Context, task *models.Task) ([]*models.SuccessfulFix, []*models.Rule) {
	similar, err := r.learning.SimilarFixes(ctx, task, similarFixCount)
	if err != nil {
		r.logger.Warn("similar fix lookup failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	rules, err := r.learning.TopRules(ctx, task.Product, topRuleCount)
	if err != nil {
		r.logger.Warn("rule lookup failed", map[string]interface{}{
			"product": task.Product,
			"error":   err.Error(),
		})
	}
	return similar, rules
}

func (r *Runner) invoke(ctx context.Context, task *models.Task, repo, branch, prompt string) (*Result, error) {
	res, err := r.agent.Run(ctx, agent.RunRequest{Task: task, Repo: repo, Branch: branch, Prompt: prompt})
	if err != nil {
		return r.fail(ctx, task, fmt.Sprintf("agent invocation failed: %v", err))
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = res.Message
		}
		if reason == "" {
			reason = "agent run failed"
		}
		return r.fail(ctx, task, reason)
	}
	if len(res.FilesChanged) == 0 {
		return r.fail(ctx, task, "agent completed but no files were changed")
	}

	prURL := res.PRURL
	if prURL == "" {
		prURL = task.PRURL
	}
	if res.Branch != "" {
		branch = res.Branch
	}
	files, err := json.Marshal(res.FilesChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode files_changed: %w", err)
	}

	if err := r.store.SetFields(ctx, store.TaskKey(task.ID), map[string]string{
		"fix_status":     string(models.FixCompleted),
		"pr_url":         prURL,
		"branch":         branch,
		"files_changed":  string(files),
		"failure_reason": "",
		"updated_at":     strconv.FormatInt(r.now().Unix(), 10),
	}); err != nil {
		return nil, fmt.Errorf("failed to record fix completion: %w", err)
	}

	r.metrics.CountFixRun("completed")
	r.logger.Info("fix completed", map[string]interface{}{
		"task_id":       task.ID,
		"pr_url":        prURL,
		"branch":        branch,
		"files_changed": len(res.FilesChanged),
	})
	return &Result{
		FixStatus:    models.FixCompleted,
		PRURL:        prURL,
		Branch:       branch,
		FilesChanged: res.FilesChanged,
		Message:      res.Message,
	}, nil
}

// fail records a failed attempt. Failures do not retry automatically; they
// surface to operators through the task record.
func (r *Runner) fail(ctx context.Context, task *models.Task, reason string) (*Result, error) {
	if err := r.store.SetFields(ctx, store.TaskKey(task.ID), map[string]string{
		"fix_status":     string(models.FixFailed),
		"failure_reason": reason,
		"updated_at":     strconv.FormatInt(r.now().Unix(), 10),
	}); err != nil {
		return nil, fmt.Errorf("failed to record fix failure: %w", err)
	}
	r.metrics.CountFixRun("failed")
	r.logger.Warn("fix failed", map[string]interface{}{
		"task_id": task.ID,
		"reason":  reason,
	})
	return &Result{FixStatus: models.FixFailed, Message: reason}, nil
}

// applyRules bumps usage counters for every rule that went into the prompt.
func (r *Runner) applyRules(ctx context.Context, product string, rules []*models.Rule) {
	for _, rule := range rules {
		if err := r.learning.IncrementRuleUsage(ctx, product, rule.ID); err != nil {
			r.logger.Warn("failed to bump rule usage", map[string]interface{}{
				"rule_id": rule.ID,
				"error":   err.Error(),
			})
		}
	}
}

// formatReviewFeedback renders reviews and inline comments into the two
// feedback prompt sections. Reviews without a body are dropped.
func formatReviewFeedback(reviews []forge.PRReview, comments []forge.PRComment) (string, string) {
	var reviewParts []string
	for _, review := range reviews {
		if review.Body == "" {
			continue
		}
		user := review.User
		if user == "" {
			user = "Reviewer"
		}
		state := review.State
		if state == "" {
			state = "COMMENTED"
		}
		reviewParts = append(reviewParts, fmt.Sprintf("**%s** (%s):\n%s", user, state, review.Body))
	}
	reviewText := "No review-level comments."
	if len(reviewParts) > 0 {
		reviewText = strings.Join(reviewParts, "\n\n")
	}

	var inlineParts []string
	for _, comment := range comments {
		path := comment.Path
		if path == "" {
			path = "unknown file"
		}
		user := comment.User
		if user == "" {
			user = "Reviewer"
		}
		if comment.Line > 0 {
			inlineParts = append(inlineParts, fmt.Sprintf("**%s:%d** (%s):\n%s", path, comment.Line, user, comment.Body))
		} else {
			inlineParts = append(inlineParts, fmt.Sprintf("**%s** (%s):\n%s", path, user, comment.Body))
		}
	}
	inlineText := "No inline code comments."
	if len(inlineParts) > 0 {
		inlineText = strings.Join(inlineParts, "\n\n")
	}

	return reviewText, inlineText
}
