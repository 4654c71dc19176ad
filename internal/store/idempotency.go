package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Record is a cached outcome keyed by an idempotency fingerprint.
type Record struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// IdempotencyStore holds records for a bounded time. Once written, a record
// is authoritative for its key until it expires: Put never replaces a live
// record and returns the one that won.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) (Record, error)
	Len(ctx context.Context) (int, error)
}

// MemoryIdempotency is a bounded in-memory store with TTL eviction. When full,
// the least recently used record is evicted first.
type MemoryIdempotency struct {
	mu       sync.Mutex
	capacity int
	items    *expirable.LRU[string, Record]
}

// NewMemoryIdempotency creates a store holding at most capacity records for ttl.
func NewMemoryIdempotency(capacity int, ttl time.Duration) *MemoryIdempotency {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryIdempotency{
		capacity: capacity,
		items:    expirable.NewLRU[string, Record](capacity, nil, ttl),
	}
}

func (m *MemoryIdempotency) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	rec, ok := m.items.Get(key)
	return rec, ok, nil
}

func (m *MemoryIdempotency) Put(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if rec.Key == "" {
		return Record{}, errors.New("idempotency record without key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.items.Get(rec.Key); ok {
		return existing, nil
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	m.items.Add(rec.Key, rec)
	return rec, nil
}

// Len counts live records; expired ones awaiting cleanup are left out.
func (m *MemoryIdempotency) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(m.items.Keys()), nil
}

// Capacity returns the configured bound.
func (m *MemoryIdempotency) Capacity() int {
	return m.capacity
}

// RedisIdempotency stores records as JSON strings with an expiry.
type RedisIdempotency struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotency creates a redis-backed store. Keys are namespaced by prefix.
func NewRedisIdempotency(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotency {
	if prefix == "" {
		prefix = "relay:idem:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisIdempotency{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisIdempotency) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupt idempotency record %s: %w", key, err)
	}
	return rec, true, nil
}

func (r *RedisIdempotency) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.Key == "" {
		return Record{}, errors.New("idempotency record without key")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}
	stored, err := r.client.SetNX(ctx, r.prefix+rec.Key, payload, r.ttl).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis setnx %s: %w", rec.Key, err)
	}
	if stored {
		return rec, nil
	}
	existing, ok, err := r.Get(ctx, rec.Key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		// expired between SETNX and GET
		return r.Put(ctx, rec)
	}
	return existing, nil
}

func (r *RedisIdempotency) Len(ctx context.Context) (int, error) {
	return countKeys(ctx, r.client, r.prefix)
}

func countKeys(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
