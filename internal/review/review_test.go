package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/forge"
	"github.com/darwin-engine/darwin/internal/learning"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const testDims = 4

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (unitEmbedder) Dims() int { return testDims }

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) CompleteJSON(_ context.Context, _, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeRunner struct {
	calls   int
	lastID  string
	reviews []forge.PRReview
	err     error
}

func (f *fakeRunner) RunFeedback(_ context.Context, taskID string, reviews []forge.PRReview, _ []forge.PRComment) (*fix.Result, error) {
	f.calls++
	f.lastID = taskID
	f.reviews = reviews
	if f.err != nil {
		return nil, f.err
	}
	return &fix.Result{FixStatus: models.FixCompleted}, nil
}

type fakeSource struct {
	reviews  []forge.PRReview
	comments []forge.PRComment
	err      error
}

func (f *fakeSource) PRReviews(_ context.Context, _ string, _ int64) ([]forge.PRReview, error) {
	return f.reviews, f.err
}

func (f *fakeSource) PRComments(_ context.Context, _ string, _ int64) ([]forge.PRComment, error) {
	return f.comments, f.err
}

type fixture struct {
	handler *Handler
	store   *store.MemoryStore
	llm     *fakeLLM
	runner  *fakeRunner
	source  *fakeSource
}

func setupHandler(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureVectorIndex(context.Background(), store.FixIndex(testDims)))

	model := &fakeLLM{response: `{"rules": [{"content": "Use early returns", "category": "style"}]}`}
	ls := learning.New(st, unitEmbedder{}, model, observability.NewNoopLogger())
	runner := &fakeRunner{}
	source := &fakeSource{}

	h := NewHandler(st, ls, runner, source, 3, observability.NewNoopLogger(), nil)
	h.now = func() time.Time { return time.Unix(1700000200, 0) }
	return &fixture{handler: h, store: st, llm: model, runner: runner, source: source}
}

func seedTask(t *testing.T, st store.Store, task *models.Task) {
	t.Helper()
	if task.Branch == "" {
		task.Branch = fix.BranchForTask(task.ID)
	}
	require.NoError(t, st.PutRecord(context.Background(), store.TaskKey(task.ID), task.ToFields()))
}

func baseTask(id string) *models.Task {
	return &models.Task{
		ID:        id,
		TopicID:   "topic-1",
		Product:   "joplin",
		Category:  models.CategoryBug,
		Title:     "Fix sync crash",
		Summary:   "Sync scheduler crashes on resume.",
		Severity:  models.SeverityHigh,
		Status:    models.TaskInProgress,
		FixStatus: models.FixRunning,
		PRURL:     "https://github.com/acme/joplin/pull/7",
		CreatedAt: 1700000000,
		UpdatedAt: 1700000000,
	}
}

func prEvent(task *models.Task, action string, merged bool) *forge.Event {
	return &forge.Event{
		Kind:     forge.EventPullRequest,
		Action:   action,
		Repo:     "acme/joplin",
		PRNumber: 7,
		PRURL:    task.PRURL,
		PRTitle:  "fix: guard sync scheduler",
		Branch:   fix.BranchForTask(task.ID),
		Merged:   merged,
		MergedAt: 1700000150,
	}
}

func reviewEvent(task *models.Task, state, body string) *forge.Event {
	ev := prEvent(task, "submitted", false)
	ev.Kind = forge.EventPullRequestReview
	ev.Review = &forge.PRReview{
		ID:    42,
		Body:  body,
		State: state,
		User:  "octocat",
	}
	return ev
}

func TestUnmanagedBranchIgnored(t *testing.T) {
	f := setupHandler(t)

	res, err := f.handler.Handle(context.Background(), &forge.Event{
		Kind: forge.EventPullRequest, Action: "closed", Merged: true, Branch: "feature/human-work",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
}

func TestMissingTaskIgnored(t *testing.T) {
	f := setupHandler(t)

	res, err := f.handler.Handle(context.Background(), &forge.Event{
		Kind: forge.EventPullRequest, Action: "opened", Branch: fix.BranchForTask("nope"),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, res.Action)
}

func TestPROpenedMovesTaskInProgress(t *testing.T) {
	f := setupHandler(t)
	task := baseTask("task-1")
	task.Status = models.TaskOpen
	task.PRURL = ""
	seedTask(t, f.store, task)

	ev := prEvent(task, "opened", false)
	ev.PRURL = "https://github.com/acme/joplin/pull/7"
	res, err := f.handler.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ActionOpened, res.Action)

	fields, err := f.store.GetRecord(context.Background(), store.TaskKey(task.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskInProgress), fields["status"])
	assert.Equal(t, "https://github.com/acme/joplin/pull/7", fields["pr_url"])
}

func TestStrayPREventWithoutFixIgnored(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-11")
	task.Status = models.TaskOpen
	task.FixStatus = models.FixNone
	task.PRURL = ""
	seedTask(t, f.store, task)

	// Opened and merged deliveries for a task whose fix never ran must not
	// advance the state machine.
	res, err := f.handler.Handle(ctx, prEvent(task, "opened", false))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	res, err = f.handler.Handle(ctx, prEvent(task, "closed", true))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	fields, err := f.store.GetRecord(ctx, store.TaskKey(task.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskOpen), fields["status"])
	assert.Equal(t, string(models.FixNone), fields["fix_status"])

	exists, err := f.store.RecordExists(ctx, store.FixKey(task.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPRMergedCompletesTaskAndStoresFix(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-2")
	seedTask(t, f.store, task)

	res, err := f.handler.Handle(ctx, prEvent(task, "closed", true))
	require.NoError(t, err)
	assert.Equal(t, ActionMerged, res.Action)
	assert.Equal(t, task.ID, res.TaskID)

	fields, err := f.store.GetRecord(ctx, store.TaskKey(task.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskDone), fields["status"])
	assert.Equal(t, string(models.FixCompleted), fields["fix_status"])

	fixFields, err := f.store.GetRecord(ctx, store.FixKey(task.ID))
	require.NoError(t, err)
	assert.Equal(t, "fix: guard sync scheduler", fixFields["pr_title"])
	assert.Equal(t, "1700000150", fixFields["merged_at"])

	// The merged work is immediately retrievable by similarity.
	matches, err := f.store.SearchVector(ctx, store.IndexFixes, []float32{1, 0, 0, 0}, 3,
		map[string]string{"product": "joplin"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, store.FixKey(task.ID), matches[0].Key)
}

func TestPRMergedReplayIsNoOp(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-3")
	seedTask(t, f.store, task)

	ev := prEvent(task, "closed", true)
	_, err := f.handler.Handle(ctx, ev)
	require.NoError(t, err)

	res, err := f.handler.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	keys, err := f.store.ScanKeys(ctx, "fix:success:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPRClosedUnmergedReopensTask(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-4")
	seedTask(t, f.store, task)

	res, err := f.handler.Handle(ctx, prEvent(task, "closed", false))
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, res.Action)

	fields, err := f.store.GetRecord(ctx, store.TaskKey(task.ID))
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskOpen), fields["status"])
	assert.Equal(t, string(models.FixFailed), fields["fix_status"])
	assert.Equal(t, "pull request closed without merge", fields["failure_reason"])

	exists, err := f.store.RecordExists(ctx, store.FixKey(task.ID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestChangesRequestedExtractsRulesAndIterates(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-5")
	task.FixStatus = models.FixCompleted
	seedTask(t, f.store, task)

	f.source.reviews = []forge.PRReview{{Body: "use early returns", State: "CHANGES_REQUESTED", User: "octocat"}}
	f.source.comments = []forge.PRComment{{Body: "nit: rename this", Path: "sync/scheduler.go", Line: 12, User: "octocat"}}

	res, err := f.handler.Handle(ctx, reviewEvent(task, ReviewChangesRequested, "use early returns"))
	require.NoError(t, err)
	assert.Equal(t, ActionFeedback, res.Action)
	assert.Equal(t, 1, res.RulesExtracted)
	assert.True(t, res.FixRestarted)
	assert.Equal(t, task.ID, f.runner.lastID)
	require.Len(t, f.runner.reviews, 1)

	keys, err := f.store.ScanKeys(ctx, "rule:joplin:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	fields, err := f.store.GetRecord(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "Use early returns", fields["content"])
	assert.Equal(t, string(models.RuleSourceReviewFeedback), fields["source"])
	assert.Equal(t, task.ID, fields["source_task_id"])
	assert.Equal(t, "octocat", fields["reviewer"])
}

func TestDuplicateFeedbackDeduplicatesRule(t *testing.T) {
	f := setupHandler(t)
	ctx := context.Background()
	task := baseTask("task-6")
	task.FixStatus = models.FixCompleted
	seedTask(t, f.store, task)

	ev := reviewEvent(task, ReviewChangesRequested, "use early returns")
	_, err := f.handler.Handle(ctx, ev)
	require.NoError(t, err)
	_, err = f.handler.Handle(ctx, ev)
	require.NoError(t, err)

	keys, err := f.store.ScanKeys(ctx, "rule:joplin:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	fields, err := f.store.GetRecord(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, "1", fields["times_applied"])
}

func TestIterationCapStopsAutoFix(t *testing.T) {
	f := setupHandler(t)
	task := baseTask("task-7")
	task.FixStatus = models.FixCompleted
	task.Iteration = 3
	seedTask(t, f.store, task)

	res, err := f.handler.Handle(context.Background(), reviewEvent(task, ReviewChangesRequested, "split this function"))
	require.NoError(t, err)
	assert.Equal(t, ActionFeedback, res.Action)
	assert.False(t, res.FixRestarted)
	assert.Zero(t, f.runner.calls)
}

func TestRunningFixSkipsIterationWithoutError(t *testing.T) {
	f := setupHandler(t)
	task := baseTask("task-8")
	seedTask(t, f.store, task)
	f.runner.err = fix.ErrFixConflict

	res, err := f.handler.Handle(context.Background(), reviewEvent(task, ReviewChangesRequested, "split this function"))
	require.NoError(t, err)
	assert.Equal(t, ActionFeedback, res.Action)
	assert.False(t, res.FixRestarted)
}

func TestApprovedReviewChangesNothing(t *testing.T) {
	f := setupHandler(t)
	task := baseTask("task-9")
	seedTask(t, f.store, task)

	res, err := f.handler.Handle(context.Background(), reviewEvent(task, ReviewApproved, "lgtm"))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.Zero(t, f.llm.calls)
	assert.Zero(t, f.runner.calls)
}

func TestExtractionFailureStillIterates(t *testing.T) {
	f := setupHandler(t)
	task := baseTask("task-10")
	task.FixStatus = models.FixCompleted
	seedTask(t, f.store, task)
	f.llm.err = errors.New("provider down")

	res, err := f.handler.Handle(context.Background(), reviewEvent(task, ReviewChangesRequested, "please add tests for the scheduler"))
	require.NoError(t, err)
	assert.Equal(t, ActionFeedback, res.Action)
	assert.Zero(t, res.RulesExtracted)
	assert.True(t, res.FixRestarted)
}
