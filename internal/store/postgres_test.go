package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darwin-engine/darwin/internal/observability"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := &PostgresStore{
		db:           sqlx.NewDb(db, "sqlmock"),
		logger:       observability.NewNoopLogger(),
		indices:      make(map[string]VectorIndex),
		pollInterval: time.Millisecond,
	}
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = s.Close()
	})
	return s, mock
}

func TestPostgresVectorLiteralRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1, 0.25}
	got, err := parseVectorLiteral(vectorLiteral(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = parseVectorLiteral("[1,notanumber]")
	assert.ErrorIs(t, err, ErrBadVector)
}

func TestPostgresGetRecordReassemblesVectorField(t *testing.T) {
	ctx := context.Background()
	s, mock := setupPostgresStore(t)
	require.NoError(t, s.EnsureVectorIndex(ctx, VectorIndex{
		Name: IndexTopics, Prefix: "topic:", VectorField: FieldCentroid, Dims: 2,
	}))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fields, embedding::text AS embedding FROM records WHERE key = $1`)).
		WithArgs("topic:1").
		WillReturnRows(sqlmock.NewRows([]string{"fields", "embedding"}).
			AddRow([]byte(`{"id":"1","status":"open"}`), "[1,0]"))

	fields, err := s.GetRecord(ctx, "topic:1")
	require.NoError(t, err)
	assert.Equal(t, "open", fields["status"])

	vec, err := DecodeVector(fields[FieldCentroid], 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestPostgresGetRecordNotFound(t *testing.T) {
	s, mock := setupPostgresStore(t)
	mock.ExpectQuery("SELECT fields, embedding").
		WithArgs("task:missing").
		WillReturnRows(sqlmock.NewRows([]string{"fields", "embedding"}))

	_, err := s.GetRecord(context.Background(), "task:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresPutRecordRoutesVectorToColumn(t *testing.T) {
	ctx := context.Background()
	s, mock := setupPostgresStore(t)
	require.NoError(t, s.EnsureVectorIndex(ctx, VectorIndex{
		Name: IndexTopics, Prefix: "topic:", VectorField: FieldCentroid, Dims: 2,
	}))

	// The JSONB document must not contain the binary centroid.
	mock.ExpectExec("INSERT INTO records").
		WithArgs("topic:1", []byte(`{"id":"1"}`), "[1,0]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.PutRecord(ctx, "topic:1", map[string]string{
		"id":          "1",
		FieldCentroid: EncodeVector([]float32{1, 0}),
	})
	require.NoError(t, err)
}

func TestPostgresQueuePopDrainsAndTimesOut(t *testing.T) {
	ctx := context.Background()
	s, mock := setupPostgresStore(t)

	popQuery := "DELETE FROM queue_items"
	mock.ExpectQuery(popQuery).
		WithArgs(QueueToEmbed).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("abc"))

	v, err := s.QueuePop(ctx, QueueToEmbed, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	mock.ExpectQuery(popQuery).
		WithArgs(QueueToEmbed).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err = s.QueuePop(ctx, QueueToEmbed, 0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPostgresCheckAndSetGuardMismatchRollsBack(t *testing.T) {
	s, mock := setupPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fields->>").
		WithArgs("topic:1", "signal_count").
		WillReturnRows(sqlmock.NewRows([]string{"current"}).AddRow("5"))
	mock.ExpectRollback()

	ok, err := s.CheckAndSet(context.Background(), "topic:1", "signal_count", "2",
		map[string]map[string]string{"topic:1": {"signal_count": "3"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresCheckAndSetAppliesUpdates(t *testing.T) {
	s, mock := setupPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT fields->>").
		WithArgs("task:1", "fix_status").
		WillReturnRows(sqlmock.NewRows([]string{"current"}).AddRow("none"))
	mock.ExpectExec("INSERT INTO records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.CheckAndSet(context.Background(), "task:1", "fix_status", "none",
		map[string]map[string]string{"task:1": {"fix_status": "running"}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresSearchVectorParsesSimilarity(t *testing.T) {
	ctx := context.Background()
	s, mock := setupPostgresStore(t)
	require.NoError(t, s.EnsureVectorIndex(ctx, VectorIndex{
		Name: IndexFixes, Prefix: "fix:success:", VectorField: FieldEmbedding, Dims: 2,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("1 - (embedding <=> $1::vector) AS similarity")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "fields", "similarity"}).
			AddRow("fix:success:t1", []byte(`{"task_id":"t1","product":"joplin"}`), 0.83))

	matches, err := s.SearchVector(ctx, IndexFixes, []float32{1, 0}, 3,
		map[string]string{"product": "joplin"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fix:success:t1", matches[0].Key)
	assert.InDelta(t, 0.83, matches[0].Score, 1e-9)
	assert.Equal(t, "t1", matches[0].Fields["task_id"])
}
