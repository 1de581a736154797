// Package worker runs the pipeline's background loops: the embed worker that
// turns queued signals into clustered topics, the classify worker that turns
// topics into tasks, and the supervisor that keeps both alive. One worker of
// each kind runs per process; scale-out happens across processes through the
// shared queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darwin-engine/darwin/internal/cluster"
	"github.com/darwin-engine/darwin/internal/embedding"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	// DefaultPollInterval bounds a single blocking queue pop.
	DefaultPollInterval = time.Second

	// DefaultDrainTimeout is how long an in-flight item may finish after
	// shutdown begins.
	DefaultDrainTimeout = 30 * time.Second

	// signalLoadAttempts bounds re-reads of a popped hash whose record has
	// not appeared. The ingest write is atomic with the enqueue, so a
	// missing record means the signal was deleted out of band.
	signalLoadAttempts = 3
	signalLoadDelay    = 200 * time.Millisecond
)

// EmbedWorker drains queue:to-embed: it embeds each signal's normalized text
// and hands the vector to the clusterer.
type EmbedWorker struct {
	store        store.Store
	embedder     embedding.Provider
	clusterer    *cluster.Clusterer
	poll         time.Duration
	embedTimeout time.Duration
	drain        time.Duration
	retry        retryFunc
	retryStore   retryFunc
	logger       observability.Logger
	metrics      *observability.Metrics
}

// NewEmbedWorker builds the worker. Non-positive intervals fall back to the
// package defaults.
func NewEmbedWorker(s store.Store, embedder embedding.Provider, clusterer *cluster.Clusterer, poll, embedTimeout, drain time.Duration, logger observability.Logger, metrics *observability.Metrics) *EmbedWorker {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &EmbedWorker{
		store:        s,
		embedder:     embedder,
		clusterer:    clusterer,
		poll:         poll,
		embedTimeout: embedTimeout,
		drain:        drain,
		retry:        retryTransient,
		retryStore:   retryStore,
		logger:       logger.WithPrefix("worker.embed"),
		metrics:      metrics,
	}
}

// Name implements Runnable.
func (w *EmbedWorker) Name() string { return "embed" }

// Run loops until ctx ends. Shutdown stops new pops immediately; the item in
// flight gets the drain grace to commit.
func (w *EmbedWorker) Run(ctx context.Context) error {
	w.logger.Info("embed worker started", nil)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := w.store.QueuePop(ctx, store.QueueToEmbed, w.poll)
		if errors.Is(err, store.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("embed queue pop failed", map[string]interface{}{"error": err.Error()})
			sleep(ctx, w.poll)
			continue
		}

		workCtx, cancel := drainContext(ctx, w.drain)
		w.process(workCtx, hash)
		cancel()
	}
}

// RunOnce pops and processes a single item. It exists for tests and
// returns store.ErrQueueEmpty when nothing was waiting.
func (w *EmbedWorker) RunOnce(ctx context.Context) error {
	hash, err := w.store.QueuePop(ctx, store.QueueToEmbed, w.poll)
	if err != nil {
		return err
	}
	w.process(ctx, hash)
	return nil
}

// process runs one signal through embed and assign. Work is only committed
// at the clusterer's final conditional writes, so a crash anywhere in here
// leaves no half-clustered state; the hash is simply gone from the queue and
// the signal remains unassigned.
func (w *EmbedWorker) process(ctx context.Context, hash string) {
	sig, err := w.loadSignal(ctx, hash)
	if err != nil {
		w.logger.Warn("signal dropped", map[string]interface{}{
			"hash": hash, "error": err.Error(),
		})
		return
	}
	if sig.TopicID != "" {
		// Re-queued duplicate; already clustered.
		w.logger.Debug("signal already assigned, skipping", map[string]interface{}{
			"hash": hash, "topic_id": sig.TopicID,
		})
		return
	}

	text := sig.Normalized
	if text == "" {
		text = sig.Text
	}
	var vec []float32
	err = w.retry(ctx, w.Name(), w.metrics, func() error {
		embedCtx, cancel := context.WithTimeout(ctx, w.embedTimeout)
		defer cancel()
		var embedErr error
		vec, embedErr = w.embedder.Embed(embedCtx, text)
		return embedErr
	})
	if err != nil {
		w.deadLetter(ctx, hash, fmt.Sprintf("embedding failed: %v", err))
		return
	}

	// Assignment talks only to the store, so it retries without an attempt
	// ceiling: only a context end escapes, and the hash stays off the
	// dead-letter queue because the failure was never the item's fault.
	var decision *cluster.Decision
	err = w.retryStore(ctx, w.Name(), w.metrics, func() error {
		var assignErr error
		decision, assignErr = w.clusterer.Assign(ctx, sig, vec)
		return assignErr
	})
	if err != nil {
		w.logger.Error("assignment abandoned", map[string]interface{}{
			"hash": hash, "error": err.Error(),
		})
		return
	}

	if decision.Outcome == cluster.OutcomeCreated {
		if err := w.store.QueuePush(ctx, store.QueueToClassify, decision.TopicID); err != nil {
			// The topic exists but never reaches classification; surface
			// loudly so an operator can re-enqueue it.
			w.logger.Error("classify enqueue failed", map[string]interface{}{
				"topic_id": decision.TopicID, "error": err.Error(),
			})
			return
		}
	}
	w.logger.Debug("signal processed", map[string]interface{}{
		"hash": hash, "outcome": decision.Outcome, "topic_id": decision.TopicID,
	})
}

// loadSignal reads the popped signal, tolerating a short replication delay
// for a record that has not appeared and riding out store outages entirely.
func (w *EmbedWorker) loadSignal(ctx context.Context, hash string) (*models.Signal, error) {
	var lastErr error
	for attempt := 0; attempt < signalLoadAttempts; attempt++ {
		var fields map[string]string
		err := w.retryStore(ctx, w.Name(), w.metrics, func() error {
			var getErr error
			fields, getErr = w.store.GetRecord(ctx, store.SignalKey(hash))
			if errors.Is(getErr, store.ErrNotFound) {
				return backoffPermanent(getErr)
			}
			return getErr
		})
		if err == nil {
			return models.SignalFromFields(fields)
		}
		lastErr = err
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		sleep(ctx, signalLoadDelay)
	}
	return nil, fmt.Errorf("record missing after %d attempts: %w", signalLoadAttempts, lastErr)
}

func (w *EmbedWorker) deadLetter(ctx context.Context, hash, reason string) {
	dead := store.DeadLetterQueue(store.QueueToEmbed)
	if err := w.store.QueuePush(ctx, dead, hash+"|"+reason); err != nil {
		w.logger.Error("dead-letter push failed", map[string]interface{}{
			"hash": hash, "reason": reason, "error": err.Error(),
		})
		return
	}
	w.metrics.CountDeadLetter(store.QueueToEmbed)
	w.logger.Warn("signal dead-lettered", map[string]interface{}{
		"hash": hash, "reason": reason,
	})
}

// drainContext detaches work from the loop context while still bounding it:
// once parent is canceled the returned context survives for at most grace.
func drainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.AfterFunc(grace, cancel)
		go func() {
			<-work.Done()
			timer.Stop()
		}()
	})
	return work, func() {
		stop()
		cancel()
	}
}

// sleep waits for d or until ctx ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
