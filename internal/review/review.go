// Package review closes the self-improvement loop. It consumes forge webhook
// deliveries about pull requests the fix runner opened, advances the owning
// task's state machine, and feeds merged fixes and reviewer feedback into the
// learning store.
package review

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/forge"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

// PR review states the forge delivers.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewCommented        = "commented"
)

// Actions a handled event resolves to.
const (
	ActionIgnored  = "ignored"
	ActionNone     = "none"
	ActionOpened   = "pr_opened"
	ActionMerged   = "merged"
	ActionClosed   = "pr_closed"
	ActionFeedback = "feedback_processed"
)

// Result reports what an event did. TaskID is empty for ignored events.
type Result struct {
	Action         string `json:"action"`
	TaskID         string `json:"task_id,omitempty"`
	RulesExtracted int    `json:"rules_extracted,omitempty"`
	FixRestarted   bool   `json:"fix_restarted,omitempty"`
}

// FeedbackRunner re-enters the fix pipeline with reviewer feedback.
// *fix.Runner implements it.
type FeedbackRunner interface {
	RunFeedback(ctx context.Context, taskID string, reviews []forge.PRReview, comments []forge.PRComment) (*fix.Result, error)
}

// ReviewSource fetches the full review history of a pull request so
// auto-iteration sees every comment, not just the triggering one.
// *forge.Client implements it.
type ReviewSource interface {
	PRReviews(ctx context.Context, repo string, number int64) ([]forge.PRReview, error)
	PRComments(ctx context.Context, repo string, number int64) ([]forge.PRComment, error)
}

// Handler is the webhook-driven task state machine.
type Handler struct {
	store    store.Store
	learning *learning.Store
	runner   FeedbackRunner
	source   ReviewSource
	iterMax  int64
	autoIter bool
	logger   observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewHandler creates a Handler. runner and source may be nil when no agent
// executor is configured; feedback events then only extract rules. iterMax
// caps automatic re-entries per task.
func NewHandler(s store.Store, ls *learning.Store, runner FeedbackRunner, source ReviewSource, iterMax int64, logger observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		store:    s,
		learning: ls,
		runner:   runner,
		source:   source,
		iterMax:  iterMax,
		autoIter: runner != nil && iterMax > 0,
		logger:   logger.WithPrefix("review"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Handle routes one verified webhook event. Events for branches the fix
// runner did not create, or tasks that no longer exist, are discarded: the
// pull request may be human work.
func (h *Handler) Handle(ctx context.Context, ev *forge.Event) (*Result, error) {
	task, err := h.taskFor(ctx, ev)
	if err != nil {
		return nil, err
	}
	if task == nil {
		h.logger.Debug("event for unmanaged branch discarded", map[string]interface{}{
			"branch": ev.Branch, "pr": ev.PRNumber,
		})
		h.metrics.CountWebhook(ev.Action, "ignored")
		return &Result{Action: ActionIgnored}, nil
	}

	var res *Result
	switch ev.Kind {
	case forge.EventPullRequest:
		res, err = h.handlePullRequest(ctx, ev, task)
	case forge.EventPullRequestReview:
		res, err = h.handleReview(ctx, ev, task)
	default:
		res = &Result{Action: ActionIgnored, TaskID: task.ID}
	}
	if err != nil {
		h.metrics.CountWebhook(ev.Action, "error")
		return nil, err
	}
	h.metrics.CountWebhook(ev.Action, res.Action)
	return res, nil
}

// taskFor resolves the task owning the event's branch. Nil without error
// means the event is not ours.
func (h *Handler) taskFor(ctx context.Context, ev *forge.Event) (*models.Task, error) {
	taskID := fix.TaskIDFromBranch(ev.Branch)
	if taskID == "" {
		return nil, nil
	}
	fields, err := h.store.GetRecord(ctx, store.TaskKey(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return models.TaskFromFields(fields)
}

func (h *Handler) handlePullRequest(ctx context.Context, ev *forge.Event, task *models.Task) (*Result, error) {
	switch {
	case ev.Action == "opened" || ev.Action == "reopened":
		return h.prOpened(ctx, ev, task)
	case ev.Action == "closed" && ev.Merged:
		return h.prMerged(ctx, ev, task)
	case ev.Action == "closed":
		return h.prClosed(ctx, ev, task)
	}
	return &Result{Action: ActionNone, TaskID: task.ID}, nil
}

// fixInFlight reports whether the runner ever produced work for the task.
// Opened and merged events only advance state for tasks with a live fix: a
// stray delivery for a task whose fix never ran must not flip it.
func fixInFlight(task *models.Task) bool {
	return task.FixStatus == models.FixRunning || task.FixStatus == models.FixCompleted
}

// prOpened moves the task into in_progress and pins the PR coordinates.
func (h *Handler) prOpened(ctx context.Context, ev *forge.Event, task *models.Task) (*Result, error) {
	if task.Status == models.TaskDone {
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}
	if !fixInFlight(task) {
		h.logger.Warn("pull request event without a live fix ignored", map[string]interface{}{
			"task_id": task.ID, "fix_status": string(task.FixStatus), "action": ev.Action,
		})
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}
	updates := map[string]string{
		"status":     string(models.TaskInProgress),
		"pr_url":     ev.PRURL,
		"branch":     ev.Branch,
		"updated_at": h.stamp(),
	}
	if err := h.transition(ctx, task, updates); err != nil {
		return nil, err
	}
	h.logger.Info("pull request opened", map[string]interface{}{
		"task_id": task.ID, "pr_url": ev.PRURL,
	})
	return &Result{Action: ActionOpened, TaskID: task.ID}, nil
}

// prMerged is the terminal happy path: the task is done, the fix completed,
// and the merged work becomes a retrievable SuccessfulFix. Redelivered merge
// events are idempotent no-ops.
func (h *Handler) prMerged(ctx context.Context, ev *forge.Event, task *models.Task) (*Result, error) {
	recorded, err := h.store.RecordExists(ctx, store.FixKey(task.ID))
	if err != nil {
		return nil, fmt.Errorf("check fix record for task %s: %w", task.ID, err)
	}
	if recorded && task.Status == models.TaskDone {
		h.logger.Debug("merge event replayed", map[string]interface{}{"task_id": task.ID})
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}
	if !fixInFlight(task) {
		h.logger.Warn("pull request event without a live fix ignored", map[string]interface{}{
			"task_id": task.ID, "fix_status": string(task.FixStatus), "action": ev.Action,
		})
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}

	if task.Status != models.TaskDone {
		updates := map[string]string{
			"status":     string(models.TaskDone),
			"fix_status": string(models.FixCompleted),
			"pr_url":     ev.PRURL,
			"updated_at": h.stamp(),
		}
		if err := h.transition(ctx, task, updates); err != nil {
			return nil, err
		}
		task.Status = models.TaskDone
		task.FixStatus = models.FixCompleted
		if ev.PRURL != "" {
			task.PRURL = ev.PRURL
		}
	}

	if err := h.learning.StoreSuccess(ctx, task, ev.PRTitle, ev.MergedAt); err != nil {
		return nil, fmt.Errorf("record successful fix for task %s: %w", task.ID, err)
	}
	h.logger.Info("pull request merged", map[string]interface{}{
		"task_id": task.ID, "pr_url": task.PRURL,
	})
	return &Result{Action: ActionMerged, TaskID: task.ID}, nil
}

// prClosed without a merge reopens the task for another attempt and marks
// the fix failed. Nothing is learned from a rejected fix.
func (h *Handler) prClosed(ctx context.Context, ev *forge.Event, task *models.Task) (*Result, error) {
	if task.Status == models.TaskDone {
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}
	updates := map[string]string{
		"status":         string(models.TaskOpen),
		"fix_status":     string(models.FixFailed),
		"failure_reason": "pull request closed without merge",
		"updated_at":     h.stamp(),
	}
	if err := h.transition(ctx, task, updates); err != nil {
		return nil, err
	}
	h.logger.Info("pull request closed unmerged", map[string]interface{}{
		"task_id": task.ID, "pr_url": ev.PRURL,
	})
	return &Result{Action: ActionClosed, TaskID: task.ID}, nil
}

// handleReview processes a submitted PR review. Only changes_requested
// carries actionable feedback: rules are extracted from it and, within the
// iteration budget, the fix runner re-enters with the full review context.
func (h *Handler) handleReview(ctx context.Context, ev *forge.Event, task *models.Task) (*Result, error) {
	if ev.Action != "submitted" || ev.Review == nil {
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}
	switch ev.Review.State {
	case ReviewChangesRequested:
	case ReviewApproved, ReviewCommented:
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	default:
		return &Result{Action: ActionNone, TaskID: task.ID}, nil
	}

	res := &Result{Action: ActionFeedback, TaskID: task.ID}

	rules, err := h.learning.LearnFromFeedback(ctx, ev.Review.Body, task, ev.Review.User)
	if err != nil {
		// Rule extraction is best-effort: a provider hiccup must not lose
		// the iteration step.
		h.logger.Warn("rule extraction failed", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
	}
	res.RulesExtracted = len(rules)

	if !h.autoIter {
		return res, nil
	}
	if task.Iteration >= h.iterMax {
		h.logger.Warn("auto-iteration cap reached", map[string]interface{}{
			"task_id": task.ID, "iteration": task.Iteration, "cap": h.iterMax,
		})
		return res, nil
	}

	reviews, comments := h.fullFeedback(ctx, ev)
	if _, err := h.runner.RunFeedback(ctx, task.ID, reviews, comments); err != nil {
		if errors.Is(err, fix.ErrFixConflict) {
			h.logger.Info("fix already running, feedback iteration skipped", map[string]interface{}{
				"task_id": task.ID,
			})
			return res, nil
		}
		return nil, fmt.Errorf("feedback iteration for task %s: %w", task.ID, err)
	}
	res.FixRestarted = true
	return res, nil
}

// fullFeedback pulls every review and inline comment on the PR. When the
// forge is unreachable the triggering review alone still drives iteration.
func (h *Handler) fullFeedback(ctx context.Context, ev *forge.Event) ([]forge.PRReview, []forge.PRComment) {
	fallback := []forge.PRReview{*ev.Review}
	if h.source == nil || ev.Repo == "" || ev.PRNumber == 0 {
		return fallback, nil
	}
	reviews, err := h.source.PRReviews(ctx, ev.Repo, ev.PRNumber)
	if err != nil {
		h.logger.Warn("review listing failed", map[string]interface{}{
			"repo": ev.Repo, "pr": ev.PRNumber, "error": err.Error(),
		})
		return fallback, nil
	}
	comments, err := h.source.PRComments(ctx, ev.Repo, ev.PRNumber)
	if err != nil {
		h.logger.Warn("comment listing failed", map[string]interface{}{
			"repo": ev.Repo, "pr": ev.PRNumber, "error": err.Error(),
		})
		comments = nil
	}
	if len(reviews) == 0 {
		reviews = fallback
	}
	return reviews, comments
}

// transition applies updates guarded on the status the task was loaded with,
// so two deliveries racing the same task resolve to a single winner.
func (h *Handler) transition(ctx context.Context, task *models.Task, updates map[string]string) error {
	ok, err := h.store.CheckAndSet(ctx, store.TaskKey(task.ID), "status", string(task.Status),
		map[string]map[string]string{store.TaskKey(task.ID): updates})
	if err != nil {
		return fmt.Errorf("transition task %s: %w", task.ID, err)
	}
	if !ok {
		return fmt.Errorf("task %s changed concurrently, event dropped for redelivery", task.ID)
	}
	return nil
}

func (h *Handler) stamp() string {
	return strconv.FormatInt(h.now().Unix(), 10)
}
