package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darwin-engine/darwin/internal/classify"
	"github.com/darwin-engine/darwin/internal/fix"
	"github.com/darwin-engine/darwin/internal/llm"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

// DefaultClassifyTimeout bounds one LLM classification call.
const DefaultClassifyTimeout = 60 * time.Second

// FixStarter launches a fresh fix attempt. *fix.Runner implements it.
type FixStarter interface {
	Run(ctx context.Context, taskID string) (*fix.Result, error)
}

// ClassifyWorker drains queue:to-classify, classifies each topic, and when
// auto-fix is on, launches the fix pipeline for freshly created tasks.
type ClassifyWorker struct {
	store      store.Store
	classifier *classify.Classifier
	runner     FixStarter
	autoFix    bool
	poll       time.Duration
	llmTimeout time.Duration
	drain      time.Duration
	retryStore retryFunc
	logger     observability.Logger
	metrics    *observability.Metrics
}

// NewClassifyWorker builds the worker. runner may be nil; auto-fix then
// stays off regardless of autoFix.
func NewClassifyWorker(s store.Store, classifier *classify.Classifier, runner FixStarter, autoFix bool, poll, llmTimeout, drain time.Duration, logger observability.Logger, metrics *observability.Metrics) *ClassifyWorker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if llmTimeout <= 0 {
		llmTimeout = DefaultClassifyTimeout
	}
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &ClassifyWorker{
		store:      s,
		classifier: classifier,
		runner:     runner,
		autoFix:    autoFix && runner != nil,
		poll:       poll,
		llmTimeout: llmTimeout,
		drain:      drain,
		retryStore: retryStore,
		logger:     logger.WithPrefix("worker.classify"),
		metrics:    metrics,
	}
}

// Name implements Runnable.
func (w *ClassifyWorker) Name() string { return "classify" }

// Run loops until ctx ends, mirroring the embed worker's drain discipline.
func (w *ClassifyWorker) Run(ctx context.Context) error {
	w.logger.Info("classify worker started", nil)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		topicID, err := w.store.QueuePop(ctx, store.QueueToClassify, w.poll)
		if errors.Is(err, store.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("classify queue pop failed", map[string]interface{}{"error": err.Error()})
			sleep(ctx, w.poll)
			continue
		}

		workCtx, cancel := drainContext(ctx, w.drain)
		w.process(workCtx, topicID)
		cancel()
	}
}

// RunOnce pops and processes a single topic; for tests.
func (w *ClassifyWorker) RunOnce(ctx context.Context) error {
	topicID, err := w.store.QueuePop(ctx, store.QueueToClassify, w.poll)
	if err != nil {
		return err
	}
	w.process(ctx, topicID)
	return nil
}

// process classifies one topic. Provider failures are bounded and escalate
// to the dead-letter queue; store failures retry without a ceiling because
// the store outage, not the topic, is the problem.
func (w *ClassifyWorker) process(ctx context.Context, topicID string) {
	var res *classify.Result
	schemaRejections := 0
	llmFailures := 0
	err := w.retryStore(ctx, w.Name(), w.metrics, func() error {
		callCtx, cancel := context.WithTimeout(ctx, w.llmTimeout)
		defer cancel()
		var classifyErr error
		res, classifyErr = w.classifier.Classify(callCtx, topicID)
		switch {
		case errors.Is(classifyErr, store.ErrNotFound):
			// Topic deleted out of band; nothing to classify.
			return backoffPermanent(classifyErr)
		case errors.Is(classifyErr, llm.ErrSchemaInvalid):
			// One retry for a malformed completion, then give up.
			schemaRejections++
			if schemaRejections > 1 {
				return backoffPermanent(classifyErr)
			}
		case errors.Is(classifyErr, classify.ErrLLMUnavailable):
			llmFailures++
			if llmFailures >= transientAttempts {
				return backoffPermanent(classifyErr)
			}
		}
		return classifyErr
	})
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("topic dropped", map[string]interface{}{
			"topic_id": topicID, "error": err.Error(),
		})
		return
	}
	if errors.Is(err, llm.ErrSchemaInvalid) || errors.Is(err, classify.ErrLLMUnavailable) {
		w.deadLetter(ctx, topicID, fmt.Sprintf("classification failed: %v", err))
		return
	}
	if err != nil {
		// Only a context end escapes the unbounded store retry.
		w.logger.Error("classification abandoned", map[string]interface{}{
			"topic_id": topicID, "error": err.Error(),
		})
		return
	}

	w.logger.Info("topic classified", map[string]interface{}{
		"topic_id": topicID, "outcome": res.Outcome, "task_id": res.TaskID,
	})
	if res.Outcome == classify.OutcomeTaskCreated && w.autoFix {
		w.startFix(ctx, res.TaskID)
	}
}

// startFix launches the fix pipeline for a new task. Losing the start race
// or a failed run is not the worker's problem: the runner records both on
// the task.
func (w *ClassifyWorker) startFix(ctx context.Context, taskID string) {
	if _, err := w.runner.Run(ctx, taskID); err != nil {
		if errors.Is(err, fix.ErrFixConflict) {
			w.logger.Debug("fix already claimed", map[string]interface{}{"task_id": taskID})
			return
		}
		w.logger.Warn("auto-fix start failed", map[string]interface{}{
			"task_id": taskID, "error": err.Error(),
		})
	}
}

func (w *ClassifyWorker) deadLetter(ctx context.Context, topicID, reason string) {
	dead := store.DeadLetterQueue(store.QueueToClassify)
	if err := w.store.QueuePush(ctx, dead, topicID+"|"+reason); err != nil {
		w.logger.Error("dead-letter push failed", map[string]interface{}{
			"topic_id": topicID, "reason": reason, "error": err.Error(),
		})
		return
	}
	w.metrics.CountDeadLetter(store.QueueToClassify)
	w.logger.Warn("topic dead-lettered", map[string]interface{}{
		"topic_id": topicID, "reason": reason,
	})
}
