// Package cache provides the typed result caches for the query pipeline:
// vector hits, rerank scores, and answers, each with its own TTL, plus tagged
// invalidation so the indexer can evict everything touching a collection.
//
// The cache never fails its caller: any backend error degrades to a miss or a
// dropped write.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the minimal key/value contract the typed cache needs. Implemented
// by redisStore (shared cache) and memoryStore (single process).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	AddToSet(ctx context.Context, set, member string, ttl time.Duration) error
	SetMembers(ctx context.Context, set string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// redisStore backs the cache with Redis.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects a Store to the Redis at url.
func NewRedisStore(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *redisStore) AddToSet(ctx context.Context, set, member string, ttl time.Duration) error {
	if err := s.client.SAdd(ctx, set, member).Err(); err != nil {
		return err
	}
	// Keep the tag set alive at least as long as its longest-lived member.
	cur, err := s.client.TTL(ctx, set).Result()
	if err != nil {
		return err
	}
	if cur >= ttl {
		return nil
	}
	return s.client.Expire(ctx, set, ttl).Err()
}

func (s *redisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// memoryStore is the in-process fallback used when no cache backend is
// configured. Entries expire by TTL; a background sweep reclaims them.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	sets    map[string]map[string]struct{}
	stopCh  chan struct{}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an in-process Store and starts its cleanup loop.
func NewMemoryStore() Store {
	s := &memoryStore{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AddToSet(_ context.Context, set, member string, _ time.Duration) error {
	s.mu.Lock()
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	m[member] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) SetMembers(_ context.Context, set string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.sets[set]
	out := make([]string, 0, len(m))
	for member := range m {
		out = append(out, member)
	}
	return out, nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.entries, k)
		delete(s.sets, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

// Stop halts the cleanup goroutine.
func (s *memoryStore) Stop() { close(s.stopCh) }

func (s *memoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}
