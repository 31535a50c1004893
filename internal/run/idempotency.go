package run

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edict-hq/edict/model"
)

// IdempotencyStore deduplicates run submissions. The key format is
// "idem:{tenantId}:{key}", where key is the caller-supplied
// X-Idempotency-Key value.
type IdempotencyStore interface {
	// Check looks up a previous submission by key. If the key exists and the
	// input hash matches, it returns the run ID created by the first
	// submission. If the key exists but the hash differs, it returns a
	// conflict error.
	Check(ctx context.Context, key string, inputHash string) (runID string, found bool, err error)

	// Store saves the run ID created for the idempotency key with a TTL.
	Store(ctx context.Context, key string, inputHash string, runID string, ttl time.Duration) error
}

// idempotencyEntry is the stored value for an idempotency key.
type idempotencyEntry struct {
	InputHash string `json:"input_hash"`
	RunID     string `json:"run_id"`
}

// HashSubmission produces the input hash stored alongside an idempotency key.
func HashSubmission(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// FormatIdempotencyKey builds the standard idempotency key.
func FormatIdempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memIdemEntry
}

type memIdemEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memIdemEntry),
	}
}

// Check looks up a cached run ID. Returns a conflict error if the input hash
// differs from the first submission's.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string, inputHash string) (string, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return "", false, nil
	}

	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return "", false, nil
	}

	if entry.data.InputHash != inputHash {
		return "", true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return entry.data.RunID, true, nil
}

// Store saves a run ID with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memIdemEntry{
		data: idempotencyEntry{
			InputHash: inputHash,
			RunID:     runID,
		},
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck reports the store as always healthy.
func (s *MemoryIdempotencyStore) HealthCheck(_ context.Context) error {
	return nil
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a cached run ID in Redis. Returns a conflict error if the
// input hash differs from the first submission's.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key string, inputHash string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if entry.InputHash != inputHash {
		return "", true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}

	return entry.RunID, true, nil
}

// Store saves a run ID in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, runID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{
		InputHash: inputHash,
		RunID:     runID,
	})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
