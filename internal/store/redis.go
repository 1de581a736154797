package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/darwin-engine/darwin/internal/observability"
)

// createAndEnqueueScript writes a record and pushes the queue item only when
// the record key does not exist yet.
// KEYS[1] record key, KEYS[2] queue key.
// ARGV[1] queue item, ARGV[2..] alternating field/value pairs.
var createAndEnqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local i = 2
while i + 1 <= #ARGV do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
  i = i + 2
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// checkAndSetScript applies multi-record updates gated on one guard field.
// KEYS[1] guard key, KEYS[2..] update keys.
// ARGV[1] guard field, ARGV[2] expected value, ARGV[3..] triples of
// (key index into KEYS, field, value).
var checkAndSetScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current == false then
  current = ''
end
if current ~= ARGV[2] then
  return 0
end
local i = 3
while i + 2 <= #ARGV do
  redis.call('HSET', KEYS[tonumber(ARGV[i])], ARGV[i+1], ARGV[i+2])
  i = i + 3
end
return 1
`)

// RedisStore is the production backend. Records are hashes, queues are lists
// with BLPOP, and each vector index is a set of member keys whose hash holds
// the encoded vector; searches scan members exactly, which matches the flat
// cosine index the pipeline declares.
type RedisStore struct {
	client *redis.Client
	logger observability.Logger

	mu      sync.RWMutex
	indices map[string]VectorIndex
}

// NewRedisStore connects and pings the target.
func NewRedisStore(ctx context.Context, storeURL string, logger observability.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:  client,
		logger:  logger,
		indices: make(map[string]VectorIndex),
	}, nil
}

// PutRecord implements Store.PutRecord.
func (s *RedisStore) PutRecord(ctx context.Context, key string, fields map[string]string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, flattenFields(fields))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return s.updateIndexMembership(ctx, key, fields)
}

// GetRecord implements Store.GetRecord.
func (s *RedisStore) GetRecord(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// SetFields implements Store.SetFields.
func (s *RedisStore) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if err := s.client.HSet(ctx, key, flattenFields(fields)).Err(); err != nil {
		return fmt.Errorf("set fields %s: %w", key, err)
	}
	return s.updateIndexMembership(ctx, key, fields)
}

// RecordExists implements Store.RecordExists.
func (s *RedisStore) RecordExists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// DeleteRecord implements Store.DeleteRecord.
func (s *RedisStore) DeleteRecord(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, idx := range s.indices {
		if strings.HasPrefix(key, idx.Prefix) {
			if err := s.client.SRem(ctx, idx.Name, key).Err(); err != nil {
				return fmt.Errorf("deindex %s: %w", key, err)
			}
		}
	}
	return nil
}

// IncrField implements Store.IncrField.
func (s *RedisStore) IncrField(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s.%s: %w", key, field, err)
	}
	return n, nil
}

// ScanKeys implements Store.ScanKeys.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if _, err := prefixOf(pattern); err != nil {
		return nil, err
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// CreateRecordAndEnqueue implements Store.CreateRecordAndEnqueue.
func (s *RedisStore) CreateRecordAndEnqueue(ctx context.Context, key string, fields map[string]string, queue, item string) (bool, error) {
	argv := make([]interface{}, 0, 1+2*len(fields))
	argv = append(argv, item)
	for k, v := range fields {
		argv = append(argv, k, v)
	}
	n, err := createAndEnqueueScript.Run(ctx, s.client, []string{key, queue}, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("create and enqueue %s: %w", key, err)
	}
	if n == 0 {
		return false, nil
	}
	return true, s.updateIndexMembership(ctx, key, fields)
}

// CheckAndSet implements Store.CheckAndSet.
func (s *RedisStore) CheckAndSet(ctx context.Context, guardKey, guardField, expect string, updates map[string]map[string]string) (bool, error) {
	keys := []string{guardKey}
	keyIndex := map[string]int{guardKey: 1}
	argv := []interface{}{guardField, expect}
	for key, fields := range updates {
		idx, ok := keyIndex[key]
		if !ok {
			keys = append(keys, key)
			idx = len(keys)
			keyIndex[key] = idx
		}
		for f, v := range fields {
			argv = append(argv, strconv.Itoa(idx), f, v)
		}
	}
	n, err := checkAndSetScript.Run(ctx, s.client, keys, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("check and set %s: %w", guardKey, err)
	}
	if n != 1 {
		return false, nil
	}
	// Records may gain their vector field here, for example a topic created
	// under a signal-claim guard. Membership repair is idempotent; a crash
	// before it lands is healed by EnsureVectorIndex at boot.
	for key, fields := range updates {
		if err := s.updateIndexMembership(ctx, key, fields); err != nil {
			return true, err
		}
	}
	return true, nil
}

// QueuePush implements Store.QueuePush.
func (s *RedisStore) QueuePush(ctx context.Context, queue string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	items := make([]interface{}, len(values))
	for i, v := range values {
		items[i] = v
	}
	if err := s.client.RPush(ctx, queue, items...).Err(); err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	return nil
}

// QueuePop implements Store.QueuePop.
func (s *RedisStore) QueuePop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := s.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("pop %s: %w", queue, err)
	}
	// BLPOP replies [queue, value].
	return res[1], nil
}

// QueueLen implements Store.QueueLen.
func (s *RedisStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("len %s: %w", queue, err)
	}
	return n, nil
}

// EnsureVectorIndex implements Store.EnsureVectorIndex. Registration makes
// writes with the vector field index-aware, and membership is reconciled
// from stored records so a dropped index can be rebuilt.
func (s *RedisStore) EnsureVectorIndex(ctx context.Context, idx VectorIndex) error {
	s.mu.Lock()
	s.indices[idx.Name] = idx
	s.mu.Unlock()

	iter := s.client.Scan(ctx, 0, idx.Prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == idx.Name {
			continue
		}
		ok, err := s.client.HExists(ctx, key, idx.VectorField).Result()
		if err != nil {
			return fmt.Errorf("ensure index %s: %w", idx.Name, err)
		}
		if ok {
			if err := s.client.SAdd(ctx, idx.Name, key).Err(); err != nil {
				return fmt.Errorf("ensure index %s: %w", idx.Name, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("ensure index %s: %w", idx.Name, err)
	}
	return nil
}

// DropVectorIndex implements Store.DropVectorIndex.
func (s *RedisStore) DropVectorIndex(ctx context.Context, index string) error {
	s.mu.Lock()
	delete(s.indices, index)
	s.mu.Unlock()
	if err := s.client.Del(ctx, index).Err(); err != nil {
		return fmt.Errorf("drop index %s: %w", index, err)
	}
	return nil
}

// SearchVector implements Store.SearchVector by scanning the member set,
// exactly what a flat index does. Member hashes are fetched in one pipeline
// round trip.
func (s *RedisStore) SearchVector(ctx context.Context, index string, vec []float32, k int, filters map[string]string) ([]VectorMatch, error) {
	s.mu.RLock()
	idx, ok := s.indices[index]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, key := range members {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}

	var matches []VectorMatch
	for i, cmd := range cmds {
		fields := cmd.Val()
		raw, ok := fields[idx.VectorField]
		if !ok || !matchesFilters(fields, filters) {
			continue
		}
		candidate, err := DecodeVector(raw, idx.Dims)
		if err != nil {
			s.logger.Warn("skipping record with bad vector", map[string]interface{}{
				"index": index,
				"key":   members[i],
				"error": err.Error(),
			})
			continue
		}
		matches = append(matches, VectorMatch{
			Key:    members[i],
			Score:  CosineSimilarity(vec, candidate),
			Fields: fields,
		})
	}

	sortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// updateIndexMembership adds the key to any registered index whose prefix
// matches and whose vector field was just written.
func (s *RedisStore) updateIndexMembership(ctx context.Context, key string, fields map[string]string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, idx := range s.indices {
		if !strings.HasPrefix(key, idx.Prefix) {
			continue
		}
		if _, ok := fields[idx.VectorField]; !ok {
			continue
		}
		if err := s.client.SAdd(ctx, idx.Name, key).Err(); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
	}
	return nil
}

func flattenFields(fields map[string]string) []string {
	flat := make([]string, 0, 2*len(fields))
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}
