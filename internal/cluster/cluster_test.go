package cluster

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/embedding"
	"github.com/darwin-engine/darwin/internal/models"
	"github.com/darwin-engine/darwin/internal/observability"
	"github.com/darwin-engine/darwin/internal/store"
)

const testDims = 4

func setupClusterer(t *testing.T) (*Clusterer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureVectorIndex(context.Background(), store.TopicIndex(testDims)))

	c := NewClusterer(st, testDims, 0.75, 0.60, observability.NewNoopLogger(), observability.NewMetrics())
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	next := 0
	c.newID = func() string {
		next++
		return "topic-" + strconv.Itoa(next)
	}
	return c, st
}

func seedTopic(t *testing.T, st store.Store, id, product string, centroid []float32, count, createdAt int64) {
	t.Helper()
	topic := &models.Topic{
		ID:          id,
		Title:       "seed " + id,
		Product:     product,
		Status:      models.TopicOpen,
		SignalCount: count,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	fields := topic.ToFields()
	fields[store.FieldCentroid] = store.EncodeVector(centroid)
	require.NoError(t, st.PutRecord(context.Background(), store.TopicKey(id), fields))
}

func seedSignal(t *testing.T, st store.Store, hash, product, text string) *models.Signal {
	t.Helper()
	sig := &models.Signal{
		Hash:       hash,
		Text:       text,
		Normalized: strings.ToLower(text),
		Source:     "forum",
		Product:    product,
		FirstSeen:  1700000000,
		LastSeen:   1700000000,
	}
	require.NoError(t, st.PutRecord(context.Background(), store.SignalKey(hash), sig.ToFields()))
	return sig
}

func TestAssignAttachesAboveHighThreshold(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "t1", "joplin", []float32{1, 0, 0, 0}, 1, 100)
	sig := seedSignal(t, st, "h1", "joplin", "Sync crashes on start")
	vec := embedding.Normalize([]float32{0.95, 0.31, 0, 0})

	dec, err := c.Assign(ctx, sig, vec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAttached, dec.Outcome)
	assert.Equal(t, "t1", dec.TopicID)
	assert.InDelta(t, 0.95, dec.Similarity, 0.01)
	assert.Equal(t, "t1", sig.TopicID)

	keys, err := st.ScanKeys(ctx, "topic:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1, "no new topic")

	fields, err := st.GetRecord(ctx, store.TopicKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "2", fields["signal_count"])
	assert.Equal(t, "1700000000", fields["updated_at"])

	got, err := store.DecodeVector(fields[store.FieldCentroid], testDims)
	require.NoError(t, err)
	want := embedding.Normalize([]float32{
		(1 + vec[0]) / 2, vec[1] / 2, 0, 0,
	})
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6)
	}

	sigFields, err := st.GetRecord(ctx, store.SignalKey("h1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", sigFields["topic_id"])
}

func TestAssignTriagesAmbiguousSimilarity(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "t1", "joplin", []float32{1, 0, 0, 0}, 1, 100)
	sig := seedSignal(t, st, "h1", "joplin", "Something vaguely about sync")
	vec := embedding.Normalize([]float32{0.65, 0.7599, 0, 0})

	dec, err := c.Assign(ctx, sig, vec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriaged, dec.Outcome)
	assert.Empty(t, dec.TopicID)

	item, err := st.QueuePop(ctx, store.QueueTriage, 0)
	require.NoError(t, err)
	assert.Equal(t, "h1", item)

	fields, err := st.GetRecord(ctx, store.TopicKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "1", fields["signal_count"], "topic not mutated")

	sigFields, err := st.GetRecord(ctx, store.SignalKey("h1"))
	require.NoError(t, err)
	assert.Empty(t, sigFields["topic_id"])
}

func TestAssignCreatesTopicWhenNothingIsClose(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "t1", "joplin", []float32{1, 0, 0, 0}, 1, 100)
	sig := seedSignal(t, st, "h1", "joplin", "Dark mode please\nIt would help at night")
	vec := []float32{0, 1, 0, 0}

	dec, err := c.Assign(ctx, sig, vec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, dec.Outcome)
	assert.Equal(t, "topic-1", dec.TopicID)
	assert.Equal(t, "topic-1", sig.TopicID)

	fields, err := st.GetRecord(ctx, store.TopicKey("topic-1"))
	require.NoError(t, err)
	topic, err := models.TopicFromFields(fields)
	require.NoError(t, err)
	assert.Equal(t, "Dark mode please", topic.Title)
	assert.Equal(t, models.TopicOpen, topic.Status)
	assert.Equal(t, int64(1), topic.SignalCount)
	assert.Equal(t, "joplin", topic.Product)
	assert.Empty(t, topic.Summary)

	matches, err := st.SearchVector(ctx, store.IndexTopics, vec, 1, map[string]string{
		"status": "open", "product": "joplin",
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, store.TopicKey("topic-1"), matches[0].Key)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}

func TestAssignCreatesFirstTopicForProduct(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	sig := seedSignal(t, st, "h1", "joplin", "First complaint ever")

	dec, err := c.Assign(ctx, sig, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, dec.Outcome)
	assert.Zero(t, dec.Similarity)

	keys, err := st.ScanKeys(ctx, "topic:*")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestAssignIgnoresOtherProductsAndClosedTopics(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "other-product", "calibre", []float32{1, 0, 0, 0}, 1, 100)

	closed := &models.Topic{
		ID: "closed", Title: "closed", Product: "joplin",
		Status: models.TopicClosed, SignalCount: 1, CreatedAt: 100, UpdatedAt: 100,
	}
	fields := closed.ToFields()
	fields[store.FieldCentroid] = store.EncodeVector([]float32{1, 0, 0, 0})
	require.NoError(t, st.PutRecord(ctx, store.TopicKey("closed"), fields))

	sig := seedSignal(t, st, "h1", "joplin", "Identical direction, wrong candidates")

	dec, err := c.Assign(ctx, sig, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, dec.Outcome, "closed and foreign topics are not candidates")
}

func TestAssignTieBreaksOnAgeThenID(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "alpha", "joplin", []float32{1, 0, 0, 0}, 1, 200)
	seedTopic(t, st, "zeta", "joplin", []float32{1, 0, 0, 0}, 1, 100)

	sig := seedSignal(t, st, "h1", "joplin", "Exact tie")
	dec, err := c.Assign(ctx, sig, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAttached, dec.Outcome)
	assert.Equal(t, "zeta", dec.TopicID, "older topic wins the tie even with a larger id")

	c2, st2 := setupClusterer(t)
	seedTopic(t, st2, "bbb", "joplin", []float32{0, 1, 0, 0}, 1, 100)
	seedTopic(t, st2, "aaa", "joplin", []float32{0, 1, 0, 0}, 1, 100)

	sig2 := seedSignal(t, st2, "h2", "joplin", "Equal age tie")
	dec2, err := c2.Assign(ctx, sig2, []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "aaa", dec2.TopicID, "smaller id wins when ages tie")
}

func TestAssignSkipsAlreadyClusteredSignal(t *testing.T) {
	ctx := context.Background()
	c, st := setupClusterer(t)

	seedTopic(t, st, "t1", "joplin", []float32{1, 0, 0, 0}, 1, 100)
	sig := seedSignal(t, st, "h1", "joplin", "Already handled elsewhere")
	require.NoError(t, st.SetFields(ctx, store.SignalKey("h1"), map[string]string{"topic_id": "t1"}))
	sig.TopicID = ""

	dec, err := c.Assign(ctx, sig, []float32{1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAttached, dec.Outcome)
	assert.Equal(t, "t1", dec.TopicID)

	fields, err := st.GetRecord(ctx, store.TopicKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "1", fields["signal_count"], "signal is not counted twice")
}

func TestAssignRejectsWrongVectorWidth(t *testing.T) {
	c, _ := setupClusterer(t)
	sig := &models.Signal{Hash: "h1", Product: "joplin"}

	_, err := c.Assign(context.Background(), sig, []float32{1, 0, 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "width mismatch")
}

func TestRunningMeanMatchesBatchMean(t *testing.T) {
	v1 := []float32{1, 0, 0, 0}
	v2 := embedding.Normalize([]float32{0.9, 0.4359, 0, 0})

	got := runningMean(v1, v2, 1)
	want := embedding.Normalize([]float32{(v1[0] + v2[0]) / 2, (v1[1] + v2[1]) / 2, 0, 0})
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6)
	}

	var norm float64
	for _, x := range got {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6, "centroid stays unit length")
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "Short title", titleFrom("Short title\nwith a second line"))

	long := strings.Repeat("x", 200)
	assert.Len(t, titleFrom(long), 120)

	assert.Equal(t, "trimmed", titleFrom("  trimmed  \nrest"))
}
