package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/observability"
)

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return setupRedisStore(t)
	})
}

func TestRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "redis://bad:url:here", observability.NewNoopLogger())
	assert.Error(t, err)
}

func TestRedisEnsureVectorIndexRebuildsMembership(t *testing.T) {
	ctx := context.Background()
	s := setupRedisStore(t)
	idx := VectorIndex{Name: IndexTopics, Prefix: "topic:", VectorField: FieldCentroid, Dims: 2}
	require.NoError(t, s.EnsureVectorIndex(ctx, idx))

	require.NoError(t, s.PutRecord(ctx, TopicKey("a"), map[string]string{
		"id": "a", FieldCentroid: EncodeVector([]float32{1, 0}),
	}))
	require.NoError(t, s.DropVectorIndex(ctx, IndexTopics))

	_, err := s.SearchVector(ctx, IndexTopics, []float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, ErrNotFound, "dropped index is gone")

	// Re-declaring scans stored records back into the member set.
	require.NoError(t, s.EnsureVectorIndex(ctx, idx))
	matches, err := s.SearchVector(ctx, IndexTopics, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, TopicKey("a"), matches[0].Key)
}

func TestRedisDeleteRemovesIndexMembership(t *testing.T) {
	ctx := context.Background()
	s := setupRedisStore(t)
	require.NoError(t, s.EnsureVectorIndex(ctx, VectorIndex{
		Name: IndexTopics, Prefix: "topic:", VectorField: FieldCentroid, Dims: 2,
	}))
	require.NoError(t, s.PutRecord(ctx, TopicKey("gone"), map[string]string{
		"id": "gone", FieldCentroid: EncodeVector([]float32{0, 1}),
	}))
	require.NoError(t, s.DeleteRecord(ctx, TopicKey("gone")))

	matches, err := s.SearchVector(ctx, IndexTopics, []float32{0, 1}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
