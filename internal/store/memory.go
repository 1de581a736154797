package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used by tests and local development.
// It honors the full Store contract including blocking queue pops.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]map[string]string
	queues  map[string][]string
	indices map[string]VectorIndex
	notify  chan struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]string),
		queues:  make(map[string][]string),
		indices: make(map[string]VectorIndex),
		notify:  make(chan struct{}),
	}
}

// PutRecord implements Store.PutRecord.
func (s *MemoryStore) PutRecord(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = copyFields(fields)
	return nil
}

// GetRecord implements Store.GetRecord.
func (s *MemoryStore) GetRecord(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(rec), nil
}

// SetFields implements Store.SetFields with merge semantics.
func (s *MemoryStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = make(map[string]string, len(fields))
		s.records[key] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
	return nil
}

// RecordExists implements Store.RecordExists.
func (s *MemoryStore) RecordExists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	return ok, nil
}

// DeleteRecord implements Store.DeleteRecord.
func (s *MemoryStore) DeleteRecord(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// IncrField implements Store.IncrField.
func (s *MemoryStore) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = make(map[string]string)
		s.records[key] = rec
	}
	cur, err := strconv.ParseInt(rec[field], 10, 64)
	if err != nil && rec[field] != "" {
		return 0, err
	}
	cur += delta
	rec[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

// ScanKeys implements Store.ScanKeys.
func (s *MemoryStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	prefix, err := prefixOf(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// CreateRecordAndEnqueue implements Store.CreateRecordAndEnqueue.
func (s *MemoryStore) CreateRecordAndEnqueue(ctx context.Context, key string, fields map[string]string, queue, item string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = copyFields(fields)
	s.queues[queue] = append(s.queues[queue], item)
	s.wake()
	return true, nil
}

// CheckAndSet implements Store.CheckAndSet.
func (s *MemoryStore) CheckAndSet(ctx context.Context, guardKey, guardField, expect string, updates map[string]map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if rec, ok := s.records[guardKey]; ok {
		current = rec[guardField]
	}
	if current != expect {
		return false, nil
	}
	for key, fields := range updates {
		rec, ok := s.records[key]
		if !ok {
			rec = make(map[string]string, len(fields))
			s.records[key] = rec
		}
		for k, v := range fields {
			rec[k] = v
		}
	}
	return true, nil
}

// QueuePush implements Store.QueuePush.
func (s *MemoryStore) QueuePush(ctx context.Context, queue string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue] = append(s.queues[queue], values...)
	s.wake()
	return nil
}

// QueuePop implements Store.QueuePop. It blocks until an item arrives, the
// timeout elapses (ErrQueueEmpty), or the context is canceled.
func (s *MemoryStore) QueuePop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		if items := s.queues[queue]; len(items) > 0 {
			v := items[0]
			s.queues[queue] = items[1:]
			s.mu.Unlock()
			return v, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrQueueEmpty
		case <-wait:
		}
	}
}

// QueueLen implements Store.QueueLen.
func (s *MemoryStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

// EnsureVectorIndex implements Store.EnsureVectorIndex.
func (s *MemoryStore) EnsureVectorIndex(ctx context.Context, idx VectorIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[idx.Name] = idx
	return nil
}

// DropVectorIndex implements Store.DropVectorIndex. Records stay; only the
// index declaration is removed.
func (s *MemoryStore) DropVectorIndex(ctx context.Context, index string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, index)
	return nil
}

// SearchVector implements Store.SearchVector with an exact scan, which is
// what a flat cosine index does.
func (s *MemoryStore) SearchVector(ctx context.Context, index string, vec []float32, k int, filters map[string]string) ([]VectorMatch, error) {
	s.mu.Lock()
	idx, ok := s.indices[index]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	var matches []VectorMatch
	for key, rec := range s.records {
		if !strings.HasPrefix(key, idx.Prefix) {
			continue
		}
		raw, ok := rec[idx.VectorField]
		if !ok || !matchesFilters(rec, filters) {
			continue
		}
		candidate, err := DecodeVector(raw, idx.Dims)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		matches = append(matches, VectorMatch{
			Key:    key,
			Score:  CosineSimilarity(vec, candidate),
			Fields: copyFields(rec),
		})
	}
	s.mu.Unlock()

	sortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Ping implements Store.Ping.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.Close.
func (s *MemoryStore) Close() error { return nil }

// wake releases all blocked pops. Callers hold s.mu.
func (s *MemoryStore) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// sortMatches orders by similarity descending with the key as a deterministic
// tie-break.
func sortMatches(matches []VectorMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
}
