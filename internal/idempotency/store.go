package idempotency

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the default retention for cached responses.
const DefaultTTL = 24 * time.Hour

// Record is a cached response for one {scope, actor, key} tuple.
type Record struct {
	RequestHash string            `json:"request_hash"`
	Status      int               `json:"status"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// LookupResult classifies a lookup: the key is new, the exact request
// was seen before, or the key was reused with a different request.
type LookupResult int

const (
	Miss LookupResult = iota
	Replay
	Conflict
)

// Store persists idempotency records.
type Store interface {
	// Lookup reports whether {scope, actor, key} has been seen. Replay
	// is returned with the stored record when the requestHash matches;
	// Conflict when the key was used with a different requestHash.
	Lookup(ctx context.Context, scope, actor, key, requestHash string) (LookupResult, *Record, error)

	// Save stores the response for {scope, actor, key}.
	Save(ctx context.Context, scope, actor, key string, record Record) error

	Close() error
}

// storageKey composes the cache key. Scoping by actor prevents one
// wallet replaying another wallet's responses with a guessed key.
func storageKey(scope, actor, key string) string {
	return scope + ":" + actor + ":" + key
}

// MemoryStore is an in-memory Store with LRU eviction and background
// TTL cleanup.
type MemoryStore struct {
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	expires     map[string]time.Time
	lru         *list.List
	maxSize     int
	ttl         time.Duration
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	key     string
	record  Record
	element *list.Element
}

// NewMemoryStore creates an in-memory store holding up to 10,000 records.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithSize(ttl, 10000)
}

// NewMemoryStoreWithSize creates an in-memory store with a custom capacity.
func NewMemoryStoreWithSize(ttl time.Duration, maxSize int) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		expires:     make(map[string]time.Time),
		lru:         list.New(),
		maxSize:     maxSize,
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, scope, actor, key, requestHash string) (LookupResult, *Record, error) {
	now := time.Now()
	k := storageKey(scope, actor, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expires[k]
	if !exists || now.After(expiry) {
		return Miss, nil, nil
	}

	entry, found := s.cache[k]
	if !found {
		return Miss, nil, nil
	}

	s.lru.MoveToFront(entry.element)

	if entry.record.RequestHash != requestHash {
		return Conflict, nil, nil
	}

	record := entry.record
	return Replay, &record, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, scope, actor, key string, record Record) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	k := storageKey(scope, actor, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[k]; exists {
		entry.record = record
		s.expires[k] = now.Add(s.ttl)
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict before adding so the map never exceeds maxSize.
	if len(s.cache) >= s.maxSize {
		s.evictLRU()
	}

	entry := &cacheEntry{key: k, record: record}
	entry.element = s.lru.PushFront(entry)
	s.cache[k] = entry
	s.expires[k] = now.Add(s.ttl)

	return nil
}

// evictLRU removes the least recently used entry (caller holds the lock).
func (s *MemoryStore) evictLRU() {
	element := s.lru.Back()
	if element == nil {
		return
	}

	entry := element.Value.(*cacheEntry)
	s.lru.Remove(element)
	delete(s.cache, entry.key)
	delete(s.expires, entry.key)
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()

			var expired []string
			for key, expiry := range s.expires {
				if now.After(expiry) {
					expired = append(expired, key)
				}
			}
			for _, key := range expired {
				if entry, exists := s.cache[key]; exists {
					s.lru.Remove(entry.element)
					delete(s.cache, key)
					delete(s.expires, key)
				}
			}

			s.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

// RedisStore persists idempotency records in Redis so replays survive
// restarts and hold across replicas. Records are JSON values expiring
// with the configured TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), ttl), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, scope, actor, key, requestHash string) (LookupResult, *Record, error) {
	raw, err := s.client.Get(ctx, "cloak:idem:"+storageKey(scope, actor, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Miss, nil, nil
	}
	if err != nil {
		return Miss, nil, fmt.Errorf("idempotency: get: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Miss, nil, fmt.Errorf("idempotency: decode record: %w", err)
	}

	if record.RequestHash != requestHash {
		return Conflict, nil, nil
	}
	return Replay, &record, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, scope, actor, key string, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	if err := s.client.Set(ctx, "cloak:idem:"+storageKey(scope, actor, key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
