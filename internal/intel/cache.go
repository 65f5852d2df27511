package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// CacheEntry is a cached per-provider reputation payload. Entries are
// replaced wholesale on refresh, never partially mutated.
type CacheEntry struct {
	IP        string         `json:"ip"`
	Provider  string         `json:"provider"`
	Result    ProviderResult `json:"result"`
	FetchedAt time.Time      `json:"fetched_at"`
	TTL       time.Duration  `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Cache is a sharded TTL cache of provider lookups shared across workers.
// Sharding keeps cache access from serializing event processing.
type Cache struct {
	shards []*cacheShard
	ttl    time.Duration
	store  Store // optional second tier, may be nil
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewCache creates a sharded cache with the given TTL. A nil store keeps
// the cache purely in-process.
func NewCache(shards int, ttl time.Duration, store Store) *Cache {
	if shards <= 0 {
		shards = 16
	}
	c := &Cache{
		shards: make([]*cacheShard, shards),
		ttl:    ttl,
		store:  store,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[string]*CacheEntry)}
	}
	return c
}

func cacheKey(ip, provider string) string {
	return ip + "|" + provider
}

func (c *Cache) shard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[int(h.Sum32())%len(c.shards)]
}

// Get returns a fresh entry for (ip, provider), falling back to the
// persistent tier on an in-process miss. Returns nil when no fresh entry
// exists.
func (c *Cache) Get(ctx context.Context, ip, provider string) *CacheEntry {
	key := cacheKey(ip, provider)
	now := time.Now()

	s := c.shard(key)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && entry.Fresh(now) {
		return entry
	}

	if c.store == nil {
		return nil
	}

	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil
	}

	var persisted CacheEntry
	if err := json.Unmarshal(data, &persisted); err != nil {
		slog.Warn("discarding corrupt persisted intel entry", "key", key, "error", err)
		return nil
	}
	if !persisted.Fresh(now) {
		return nil
	}

	s.mu.Lock()
	s.entries[key] = &persisted
	s.mu.Unlock()

	return &persisted
}

// Put stores a provider result for (ip, provider), write-through to the
// persistent tier when configured. Persistence failures leave the
// in-memory view authoritative.
func (c *Cache) Put(ctx context.Context, ip, provider string, result ProviderResult) {
	entry := &CacheEntry{
		IP:        ip,
		Provider:  provider,
		Result:    result,
		FetchedAt: time.Now(),
		TTL:       c.ttl,
	}

	key := cacheKey(ip, provider)
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	if c.store == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("failed to persist intel cache entry", "key", key, "error", err)
	}
}

// Cleanup removes expired entries from all shards.
func (c *Cache) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.entries {
			if !entry.Fresh(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of in-process entries across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Store is the persistence port for cache entries. Implementations must
// support atomic upsert-by-key.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// ErrNotFound is returned by Store.Get when no value exists for the key.
var ErrNotFound = fmt.Errorf("intel: key not found")
