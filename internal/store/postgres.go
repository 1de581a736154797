package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/darwin-engine/darwin/internal/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore keeps records in a single table with a JSONB field map and a
// pgvector column, and queues in a FIFO table drained with SKIP LOCKED.
// Vector fields never enter the JSONB document; they are routed to the
// embedding column and re-encoded on the way out.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger

	mu      sync.RWMutex
	indices map[string]VectorIndex

	// pollInterval paces the blocking-pop emulation.
	pollInterval time.Duration
}

// NewPostgresStore connects, runs pending migrations and pings the target.
func NewPostgresStore(ctx context.Context, storeURL string, logger observability.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", storeURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{
		db:           db,
		logger:       logger,
		indices:      make(map[string]VectorIndex),
		pollInterval: 100 * time.Millisecond,
	}, nil
}

func runMigrations(db *sqlx.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// PutRecord implements Store.PutRecord.
func (s *PostgresStore) PutRecord(ctx context.Context, key string, fields map[string]string) error {
	plain, vecLiteral, err := s.splitVector(key, fields)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("marshal fields %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (key, fields, embedding)
		VALUES ($1, $2, NULLIF($3, '')::vector)
		ON CONFLICT (key) DO UPDATE
		SET fields = EXCLUDED.fields,
		    embedding = COALESCE(NULLIF($3, '')::vector, records.embedding),
		    updated_at = now()`,
		key, doc, vecLiteral)
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// GetRecord implements Store.GetRecord.
func (s *PostgresStore) GetRecord(ctx context.Context, key string) (map[string]string, error) {
	var row struct {
		Fields    []byte         `db:"fields"`
		Embedding sql.NullString `db:"embedding"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT fields, embedding::text AS embedding FROM records WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(row.Fields, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields %s: %w", key, err)
	}
	if row.Embedding.Valid {
		if idx, ok := s.indexForKey(key); ok {
			vec, err := parseVectorLiteral(row.Embedding.String)
			if err != nil {
				return nil, fmt.Errorf("record %s: %w", key, err)
			}
			fields[idx.VectorField] = EncodeVector(vec)
		}
	}
	return fields, nil
}

// SetFields implements Store.SetFields with JSONB merge semantics.
func (s *PostgresStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	plain, vecLiteral, err := s.splitVector(key, fields)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("marshal fields %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (key, fields, embedding)
		VALUES ($1, $2, NULLIF($3, '')::vector)
		ON CONFLICT (key) DO UPDATE
		SET fields = records.fields || EXCLUDED.fields,
		    embedding = COALESCE(NULLIF($3, '')::vector, records.embedding),
		    updated_at = now()`,
		key, doc, vecLiteral)
	if err != nil {
		return fmt.Errorf("set fields %s: %w", key, err)
	}
	return nil
}

// RecordExists implements Store.RecordExists.
func (s *PostgresStore) RecordExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM records WHERE key = $1)`, key)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

// DeleteRecord implements Store.DeleteRecord.
func (s *PostgresStore) DeleteRecord(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	return nil
}

// IncrField implements Store.IncrField.
func (s *PostgresStore) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `
		INSERT INTO records AS r (key, fields)
		VALUES ($1, jsonb_build_object($2::text, $3::text))
		ON CONFLICT (key) DO UPDATE
		SET fields = r.fields || jsonb_build_object(
		        $2::text, ((COALESCE(r.fields->>$2, '0'))::bigint + $4)::text),
		    updated_at = now()
		RETURNING fields->>$2`,
		key, field, strconv.FormatInt(delta, 10), delta)
	if err != nil {
		return 0, fmt.Errorf("incr %s.%s: %w", key, field, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s.%s: non-numeric field: %w", key, field, err)
	}
	return n, nil
}

// ScanKeys implements Store.ScanKeys.
func (s *PostgresStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	prefix, err := prefixOf(pattern)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = s.db.SelectContext(ctx, &keys,
		`SELECT key FROM records WHERE key LIKE $1 ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// CreateRecordAndEnqueue implements Store.CreateRecordAndEnqueue.
func (s *PostgresStore) CreateRecordAndEnqueue(ctx context.Context, key string, fields map[string]string, queue, item string) (bool, error) {
	plain, vecLiteral, err := s.splitVector(key, fields)
	if err != nil {
		return false, err
	}
	doc, err := json.Marshal(plain)
	if err != nil {
		return false, fmt.Errorf("marshal fields %s: %w", key, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (key, fields, embedding)
		VALUES ($1, $2, NULLIF($3, '')::vector)
		ON CONFLICT (key) DO NOTHING`,
		key, doc, vecLiteral)
	if err != nil {
		return false, fmt.Errorf("create record %s: %w", key, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create record %s: %w", key, err)
	}
	if inserted == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_items (queue, value) VALUES ($1, $2)`, queue, item); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit create %s: %w", key, err)
	}
	return true, nil
}

// CheckAndSet implements Store.CheckAndSet inside one transaction, locking
// the guard row for the duration.
func (s *PostgresStore) CheckAndSet(ctx context.Context, guardKey, guardField, expect string, updates map[string]map[string]string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullString
	err = tx.GetContext(ctx, &current,
		`SELECT fields->>$2 FROM records WHERE key = $1 FOR UPDATE`, guardKey, guardField)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("guard %s: %w", guardKey, err)
	}
	if current.String != expect {
		return false, nil
	}

	for key, fields := range updates {
		plain, vecLiteral, err := s.splitVector(key, fields)
		if err != nil {
			return false, err
		}
		doc, err := json.Marshal(plain)
		if err != nil {
			return false, fmt.Errorf("marshal fields %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (key, fields, embedding)
			VALUES ($1, $2, NULLIF($3, '')::vector)
			ON CONFLICT (key) DO UPDATE
			SET fields = records.fields || EXCLUDED.fields,
			    embedding = COALESCE(NULLIF($3, '')::vector, records.embedding),
			    updated_at = now()`,
			key, doc, vecLiteral); err != nil {
			return false, fmt.Errorf("update %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cas %s: %w", guardKey, err)
	}
	return true, nil
}

// QueuePush implements Store.QueuePush.
func (s *PostgresStore) QueuePush(ctx context.Context, queue string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (queue, value) VALUES ($1, $2)`, queue, v); err != nil {
			return fmt.Errorf("push %s: %w", queue, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit push %s: %w", queue, err)
	}
	return nil
}

// QueuePop implements Store.QueuePop by polling with SKIP LOCKED, which
// keeps concurrent workers from double-claiming an item.
func (s *PostgresStore) QueuePop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		var value string
		err := s.db.GetContext(ctx, &value, `
			DELETE FROM queue_items
			WHERE id = (
				SELECT id FROM queue_items
				WHERE queue = $1
				ORDER BY id
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING value`, queue)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("pop %s: %w", queue, err)
		}
		if time.Now().After(deadline) {
			return "", ErrQueueEmpty
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// QueueLen implements Store.QueueLen.
func (s *PostgresStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM queue_items WHERE queue = $1`, queue)
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", queue, err)
	}
	return n, nil
}

// EnsureVectorIndex implements Store.EnsureVectorIndex. The embedding column
// already exists; registration teaches reads and writes which field routes
// to it for this prefix.
func (s *PostgresStore) EnsureVectorIndex(ctx context.Context, idx VectorIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[idx.Name] = idx
	return nil
}

// DropVectorIndex implements Store.DropVectorIndex. The embedding column is
// the record's canonical vector storage, so dropping only unregisters the
// declaration; re-declaring makes the same vectors searchable again.
func (s *PostgresStore) DropVectorIndex(ctx context.Context, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, index)
	return nil
}

// SearchVector implements Store.SearchVector with the exact cosine query
// pgvector evaluates natively.
func (s *PostgresStore) SearchVector(ctx context.Context, index string, vec []float32, k int, filters map[string]string) ([]VectorMatch, error) {
	s.mu.RLock()
	idx, ok := s.indices[index]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	query := strings.Builder{}
	query.WriteString(`SELECT key, fields, 1 - (embedding <=> $1::vector) AS similarity
		FROM records WHERE key LIKE $2 AND embedding IS NOT NULL`)
	args := []interface{}{vectorLiteral(vec), escapeLike(idx.Prefix) + "%"}
	// Deterministic filter order keeps the statement stable for planning.
	names := make([]string, 0, len(filters))
	for f := range filters {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		args = append(args, f, filters[f])
		query.WriteString(fmt.Sprintf(" AND fields->>($%d::text) = $%d", len(args)-1, len(args)))
	}
	query.WriteString(" ORDER BY similarity DESC, key ASC")
	if k > 0 {
		args = append(args, k)
		query.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	rows, err := s.db.QueryxContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer func() { _ = rows.Close() }()

	var matches []VectorMatch
	for rows.Next() {
		var (
			key        string
			doc        []byte
			similarity float64
		)
		if err := rows.Scan(&key, &doc, &similarity); err != nil {
			return nil, fmt.Errorf("search %s: %w", index, err)
		}
		fields := make(map[string]string)
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, fmt.Errorf("search %s: %w", index, err)
		}
		matches = append(matches, VectorMatch{Key: key, Score: similarity, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	return matches, nil
}

// Ping implements Store.Ping.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.Close.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// splitVector separates a registered vector field from the plain fields and
// renders it as a pgvector literal. JSONB cannot hold the binary encoding.
func (s *PostgresStore) splitVector(key string, fields map[string]string) (map[string]string, string, error) {
	idx, ok := s.indexForKey(key)
	if !ok {
		return fields, "", nil
	}
	raw, ok := fields[idx.VectorField]
	if !ok {
		return fields, "", nil
	}
	vec, err := DecodeVector(raw, idx.Dims)
	if err != nil {
		return nil, "", fmt.Errorf("record %s: %w", key, err)
	}
	plain := make(map[string]string, len(fields)-1)
	for k, v := range fields {
		if k != idx.VectorField {
			plain[k] = v
		}
	}
	return plain, vectorLiteral(vec), nil
}

func (s *PostgresStore) indexForKey(key string) (VectorIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, idx := range s.indices {
		if strings.HasPrefix(key, idx.Prefix) {
			return idx, true
		}
	}
	return VectorIndex{}, false
}

// vectorLiteral renders the pgvector text form, e.g. [0.1,0.2].
func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVectorLiteral reads the pgvector text form back into floats.
func parseVectorLiteral(s string) ([]float32, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadVector, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
