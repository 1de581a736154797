// Package store provides the persistence layer for the darwin pipeline:
// records as string field maps, durable FIFO queues, and flat cosine vector
// indices. Three interchangeable backends exist, selected by the STORE_URL
// scheme: redis://, postgres:// and mem://.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/darwin-engine/darwin/internal/observability"
)

// Sentinel errors returned by all backends.
var (
	ErrNotFound   = errors.New("record not found")
	ErrQueueEmpty = errors.New("queue empty")
	ErrBadVector  = errors.New("malformed vector payload")
)

// Record keys. Signals key on the content hash so ingestion is idempotent;
// everything else keys on generated ids.
func SignalKey(hash string) string { return "signal:" + hash }

func TopicKey(id string) string { return "topic:" + id }

func TaskKey(id string) string { return "task:" + id }

func FixKey(taskID string) string { return "fix:success:" + taskID }

func RuleKey(product, id string) string { return "rule:" + product + ":" + id }

func RulePrefix(product string) string { return "rule:" + product + ":" }

func DeadLetterQueue(queue string) string { return queue + ":dead" }

// Queue names.
const (
	QueueToEmbed    = "queue:to-embed"
	QueueToClassify = "queue:to-classify"
	QueueTriage     = "queue:triage"
)

// Vector index names and their vector fields.
const (
	IndexTopics    = "idx:topics"
	IndexFixes     = "idx:successful_fixes"
	FieldCentroid  = "centroid"
	FieldEmbedding = "embedding"
)

// TopicIndex describes the open-topic centroid index for the given dimension.
func TopicIndex(dims int) VectorIndex {
	return VectorIndex{
		Name:        IndexTopics,
		Prefix:      "topic:",
		VectorField: FieldCentroid,
		Dims:        dims,
		TagFields:   []string{"status", "product"},
	}
}

// FixIndex describes the successful-fix embedding index for the given dimension.
func FixIndex(dims int) VectorIndex {
	return VectorIndex{
		Name:        IndexFixes,
		Prefix:      "fix:success:",
		VectorField: FieldEmbedding,
		Dims:        dims,
		TagFields:   []string{"category", "product"},
	}
}

// VectorIndex declares a flat cosine index over records sharing a key prefix.
// The vector lives in the record itself under VectorField, encoded with
// EncodeVector. TagFields names the fields that queries may filter on.
type VectorIndex struct {
	Name        string
	Prefix      string
	VectorField string
	Dims        int
	TagFields   []string
}

// VectorMatch is one search hit. Score is cosine similarity in [-1, 1].
// Fields carries the record's plain fields so callers avoid a second fetch.
type VectorMatch struct {
	Key    string
	Score  float64
	Fields map[string]string
}

// Store is the persistence contract shared by every backend. All operations
// are safe for concurrent use.
type Store interface {
	// Records.
	PutRecord(ctx context.Context, key string, fields map[string]string) error
	GetRecord(ctx context.Context, key string) (map[string]string, error)
	SetFields(ctx context.Context, key string, fields map[string]string) error
	RecordExists(ctx context.Context, key string) (bool, error)
	DeleteRecord(ctx context.Context, key string) error
	IncrField(ctx context.Context, key, field string, delta int64) (int64, error)
	// ScanKeys matches keys against a prefix glob of the form "prefix*".
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// CreateRecordAndEnqueue writes the record and pushes item onto queue as
	// one atomic step. It returns false without side effects when the key
	// already exists.
	CreateRecordAndEnqueue(ctx context.Context, key string, fields map[string]string, queue, item string) (bool, error)

	// CheckAndSet applies every field update in updates atomically, but only
	// if guardKey's guardField currently equals expect (a missing field
	// compares equal to ""). Returns false when the guard does not match.
	CheckAndSet(ctx context.Context, guardKey, guardField, expect string, updates map[string]map[string]string) (bool, error)

	// Queues. QueuePop blocks up to timeout and returns ErrQueueEmpty when
	// nothing arrived.
	QueuePush(ctx context.Context, queue string, values ...string) error
	QueuePop(ctx context.Context, queue string, timeout time.Duration) (string, error)
	QueueLen(ctx context.Context, queue string) (int64, error)

	// Vector search. EnsureVectorIndex is idempotent and must be called
	// before records with the index's vector field are written.
	EnsureVectorIndex(ctx context.Context, idx VectorIndex) error
	SearchVector(ctx context.Context, index string, vec []float32, k int, filters map[string]string) ([]VectorMatch, error)
	DropVectorIndex(ctx context.Context, index string) error

	Ping(ctx context.Context) error
	Close() error
}

// New builds a Store from a STORE_URL. Supported schemes: mem, redis,
// rediss, postgres, postgresql.
func New(ctx context.Context, storeURL string, logger observability.Logger) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		return NewRedisStore(ctx, storeURL, logger)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, storeURL, logger)
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// EncodeVector packs a vector as little-endian float32 bytes, the single
// canonical encoding used by every backend.
func EncodeVector(vec []float32) string {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return string(buf)
}

// DecodeVector unpacks an EncodeVector payload, checking the dimension.
func DecodeVector(s string, dims int) ([]float32, error) {
	if len(s) != 4*dims {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadVector, len(s), 4*dims)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32([]byte(s[i*4 : i*4+4])))
	}
	return vec, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Vectors in the store are unit length, so this is a plain dot product with
// a norm guard for safety.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// matchesFilters reports whether a record satisfies every filter equality.
func matchesFilters(fields map[string]string, filters map[string]string) bool {
	for f, want := range filters {
		if fields[f] != want {
			return false
		}
	}
	return true
}

// prefixOf validates a "prefix*" scan pattern and returns the prefix.
func prefixOf(pattern string) (string, error) {
	if !strings.HasSuffix(pattern, "*") || strings.Count(pattern, "*") != 1 {
		return "", fmt.Errorf("unsupported scan pattern %q", pattern)
	}
	return strings.TrimSuffix(pattern, "*"), nil
}
