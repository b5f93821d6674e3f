// Package idempotency deduplicates execute requests that carry an
// Idempotency-Key header. A repeated key with the same input resolves to the
// execution started by the first request.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/conduit/model"
)

// Store maps idempotency keys to the execution they started.
// The key format is "idem:{workflowId}:{key}".
type Store interface {
	// Check looks up a previous execution by key. If the key exists and the
	// input hash matches, it returns the recorded execution ID. If the key
	// exists but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (executionID string, found bool, err error)

	// Store records the execution started for key with a TTL.
	Store(ctx context.Context, key, inputHash, executionID string, ttl time.Duration) error
}

type entry struct {
	InputHash   string `json:"input_hash"`
	ExecutionID string `json:"execution_id"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a recorded execution. Expired entries are removed.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (string, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return "", false, nil
	}

	if e.data.InputHash != inputHash {
		return "", true, conflict(key)
	}
	return e.data.ExecutionID, true, nil
}

// Store records an execution with TTL.
func (s *MemoryStore) Store(_ context.Context, key, inputHash, executionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, ExecutionID: executionID},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Entries expire through Redis TTLs, so
// every engine instance sharing the Redis database sees the same keys.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a recorded execution in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return "", true, conflict(key)
	}
	return e.ExecutionID, true, nil
}

// Store records an execution in Redis with TTL.
func (s *RedisStore) Store(ctx context.Context, key, inputHash, executionID string, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, ExecutionID: executionID})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// FormatKey builds the stored key for a client-supplied idempotency key.
func FormatKey(workflowID, key string) string {
	return fmt.Sprintf("idem:%s:%s", workflowID, key)
}

// HashInput returns a stable digest of the execute request input. Map keys
// are sorted by encoding/json, so equal parameters hash equally.
func HashInput(parameters map[string]any, trigger model.Trigger) (string, error) {
	data, err := json.Marshal(struct {
		Parameters map[string]any `json:"parameters"`
		Trigger    model.Trigger  `json:"trigger"`
	}{parameters, trigger})
	if err != nil {
		return "", fmt.Errorf("hash execute input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
