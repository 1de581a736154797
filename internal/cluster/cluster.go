// Package cluster assigns embedded signals to topics with an online
// nearest-neighbor rule: attach above a high similarity threshold, park in
// triage inside an ambiguous band, otherwise open a new topic.
package cluster

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/darwin-engine/darwin/internal/embedding"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const (
	// neighborK bounds the KNN lookup; only the best hit drives the decision,
	// the rest feed tie-breaking.
	neighborK = 5

	// similarityTolerance is the band within which scores count as tied.
	similarityTolerance = 1e-6

	// maxAttachAttempts bounds optimistic-concurrency retries on the topic
	// centroid. Conflicts resolve in one or two rounds under normal load.
	maxAttachAttempts = 10

	// maxTitleLen truncates the first line of the seeding signal.
	maxTitleLen = 120
)

// Decision outcomes.
const (
	OutcomeAttached = "attached"
	OutcomeTriaged  = "triaged"
	OutcomeCreated  = "created"
)

// Decision reports where a signal landed. TopicID is empty for triaged
// signals; Similarity is the best neighbor score, 0 when no open topic for
// the product exists yet.
type Decision struct {
	Outcome    string
	TopicID    string
	Similarity float64
}

// Clusterer performs threshold-based topic assignment against the topic
// centroid index.
type Clusterer struct {
	store   store.Store
	dims    int
	high    float64
	low     float64
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

func NewClusterer(s store.Store, dims int, high, low float64, logger observability.Logger, metrics *observability.Metrics) *Clusterer {
	return &Clusterer{
		store:   s,
		dims:    dims,
		high:    high,
		low:     low,
		logger:  logger.WithPrefix("cluster"),
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Assign routes one embedded signal. The signal's topic_id is written in the
// same conditional store write that mutates the topic, so a signal is never
// observable half-clustered and its vector contributes to exactly one
// centroid exactly once.
func (c *Clusterer) Assign(ctx context.Context, sig *models.Signal, vec []float32) (*Decision, error) {
	if len(vec) != c.dims {
		c.logger.Error("embedding width mismatch", map[string]interface{}{
			"hash": sig.Hash, "got": len(vec), "want": c.dims,
		})
		return nil, fmt.Errorf("embedding width mismatch: got %d, want %d", len(vec), c.dims)
	}

	matches, err := c.store.SearchVector(ctx, store.IndexTopics, vec, neighborK, map[string]string{
		"status":  string(models.TopicOpen),
		"product": sig.Product,
	})
	if err != nil {
		return nil, fmt.Errorf("topic search: %w", err)
	}

	var decision *Decision
	if len(matches) > 0 {
		best := matches[0].Score
		switch {
		case best >= c.high:
			decision, err = c.attach(ctx, sig, vec, pickBest(matches).Key, best)
		case best >= c.low:
			decision, err = c.triage(ctx, sig, best)
		}
	}
	if decision == nil && err == nil {
		decision, err = c.createTopic(ctx, sig, vec)
	}
	if err != nil {
		return nil, err
	}
	c.metrics.CountClusterDecision(decision.Outcome)
	return decision, nil
}

// pickBest resolves near-ties deterministically: oldest topic first, then
// smallest key. Scores within similarityTolerance of the top hit count as
// tied.
func pickBest(matches []store.VectorMatch) store.VectorMatch {
	best := matches[0]
	bestCreated := matchCreatedAt(best)
	for _, m := range matches[1:] {
		if best.Score-m.Score > similarityTolerance {
			break
		}
		created := matchCreatedAt(m)
		if created < bestCreated || (created == bestCreated && m.Key < best.Key) {
			best, bestCreated = m, created
		}
	}
	return best
}

func matchCreatedAt(m store.VectorMatch) int64 {
	n, err := strconv.ParseInt(m.Fields["created_at"], 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return n
}

// attach folds the signal into an existing topic. The centroid update is
// guarded by signal_count so concurrent workers never lose a contribution;
// on guard failure the topic is re-read and the mean recomputed.
func (c *Clusterer) attach(ctx context.Context, sig *models.Signal, vec []float32, topicKey string, sim float64) (*Decision, error) {
	topicID := strings.TrimPrefix(topicKey, "topic:")

	for attempt := 0; attempt < maxAttachAttempts; attempt++ {
		// Another worker may have clustered this signal while we were
		// deciding. Both workers pick the same topic for the same vector, so
		// the loser lands here and must not count the signal twice.
		sigFields, err := c.store.GetRecord(ctx, store.SignalKey(sig.Hash))
		if err != nil {
			return nil, fmt.Errorf("load signal %s: %w", sig.Hash, err)
		}
		if assigned := sigFields["topic_id"]; assigned != "" {
			sig.TopicID = assigned
			return &Decision{Outcome: OutcomeAttached, TopicID: assigned, Similarity: sim}, nil
		}

		fields, err := c.store.GetRecord(ctx, topicKey)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", topicKey, err)
		}
		n, err := strconv.ParseInt(fields["signal_count"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s signal_count: %w", topicKey, err)
		}
		centroid, err := store.DecodeVector(fields[store.FieldCentroid], c.dims)
		if err != nil {
			return nil, fmt.Errorf("%s centroid: %w", topicKey, err)
		}

		ok, err := c.store.CheckAndSet(ctx, topicKey, "signal_count", strconv.FormatInt(n, 10),
			map[string]map[string]string{
				topicKey: {
					"signal_count":      strconv.FormatInt(n+1, 10),
					"updated_at":        strconv.FormatInt(c.now().Unix(), 10),
					store.FieldCentroid: store.EncodeVector(runningMean(centroid, vec, n)),
				},
				store.SignalKey(sig.Hash): {"topic_id": topicID},
			})
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", topicKey, err)
		}
		if ok {
			sig.TopicID = topicID
			return &Decision{Outcome: OutcomeAttached, TopicID: topicID, Similarity: sim}, nil
		}
	}
	return nil, fmt.Errorf("attach %s: centroid contention after %d attempts", topicKey, maxAttachAttempts)
}

// runningMean folds one vector into a centroid that currently averages n
// contributions, then re-normalizes.
func runningMean(centroid, v []float32, n int64) []float32 {
	next := make([]float32, len(centroid))
	fn := float64(n)
	for i := range centroid {
		next[i] = float32((float64(centroid[i])*fn + float64(v[i])) / (fn + 1))
	}
	return embedding.Normalize(next)
}

func (c *Clusterer) triage(ctx context.Context, sig *models.Signal, sim float64) (*Decision, error) {
	if err := c.store.QueuePush(ctx, store.QueueTriage, sig.Hash); err != nil {
		return nil, fmt.Errorf("triage push: %w", err)
	}
	c.logger.Info("signal triaged", map[string]interface{}{
		"hash": sig.Hash, "similarity": sim,
	})
	return &Decision{Outcome: OutcomeTriaged, Similarity: sim}, nil
}

func (c *Clusterer) createTopic(ctx context.Context, sig *models.Signal, vec []float32) (*Decision, error) {
	id := c.newID()
	now := c.now().Unix()
	topic := &models.Topic{
		ID:          id,
		Title:       titleFrom(sig.Text),
		Product:     sig.Product,
		Status:      models.TopicOpen,
		SignalCount: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fields := topic.ToFields()
	fields[store.FieldCentroid] = store.EncodeVector(vec)

	// Guard on the signal still being unassigned. A concurrent worker that
	// already clustered this signal wins and no orphan topic appears.
	ok, err := c.store.CheckAndSet(ctx, store.SignalKey(sig.Hash), "topic_id", "",
		map[string]map[string]string{
			store.TopicKey(id):        fields,
			store.SignalKey(sig.Hash): {"topic_id": id},
		})
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	if !ok {
		current, err := c.store.GetRecord(ctx, store.SignalKey(sig.Hash))
		if err != nil {
			return nil, fmt.Errorf("reload signal %s: %w", sig.Hash, err)
		}
		sig.TopicID = current["topic_id"]
		c.logger.Debug("signal already clustered", map[string]interface{}{
			"hash": sig.Hash, "topic_id": sig.TopicID,
		})
		return &Decision{Outcome: OutcomeAttached, TopicID: sig.TopicID}, nil
	}
	sig.TopicID = id
	c.logger.Info("topic created", map[string]interface{}{
		"topic_id": id, "product": sig.Product, "title": topic.Title,
	})
	return &Decision{Outcome: OutcomeCreated, TopicID: id}, nil
}

// titleFrom takes the first line of the raw text, truncated to maxTitleLen.
func titleFrom(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > maxTitleLen {
		line = line[:maxTitleLen]
	}
	return line
}
