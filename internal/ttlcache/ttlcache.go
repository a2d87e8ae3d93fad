// Package ttlcache backs the intent-classifier LRU (§4.G, "cache size
// bounded"), the only cache built from it. Its Store interface can run
// against Redis (this stack's go.mod carries
// redis/go-redis, used the same way `TicoDavid-RAGbox.co`'s backend caches
// session lookups) or, when REDIS_ADDR is unset, an in-process fallback
// modeled on the teacher's map-based chat_store_memory.go.
package ttlcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a string-keyed cache with an optional per-entry TTL (zero means
// "no expiry", used by the router's size-bounded LRU).
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// MemoryStore is a mutex-guarded map with optional LRU eviction by maxSize
// (0 = unbounded) and lazy TTL expiry, the in-process fallback when no
// Redis is configured.
type MemoryStore struct {
	mu      sync.Mutex
	maxSize int
	ll      *list.List
	items   map[string]*list.Element
}

type entry struct {
	key       string
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore constructs a bounded (or unbounded, if maxSize<=0)
// in-process cache.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{maxSize: maxSize, ll: list.New(), items: map[string]*list.Element{}}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return "", false, nil
	}
	e := el.Value.(*entry)
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.ll.Remove(el)
		delete(m.items, key)
		return "", false, nil
	}
	m.ll.MoveToFront(el)
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	if el, ok := m.items[key]; ok {
		el.Value.(*entry).value = value
		el.Value.(*entry).expiresAt = expiresAt
		m.ll.MoveToFront(el)
		return nil
	}

	el := m.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	m.items[key] = el

	if m.maxSize > 0 {
		for m.ll.Len() > m.maxSize {
			oldest := m.ll.Back()
			if oldest == nil {
				break
			}
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*entry).key)
		}
	}
	return nil
}

// Len reports the current entry count.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// RedisStore backs Store with a real Redis connection. The size bound spec
// §4.G names ("cache size bounded") is not enforced server-side here — Redis
// has no native LRU-by-key-count primitive without configuring maxmemory
// policy at the server level, which is an ops concern outside this
// process — so RedisStore relies on the configured instance's own eviction
// policy; callers that need strict per-process bounding should use
// MemoryStore instead.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing *redis.Client. prefix namespaces keys
// (e.g. "router:") so the cache can share one Redis instance with other
// data without colliding.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}
