// Package cache implements the response cache the orchestrator consults
// before running a full retrieval: a sharded in-memory map variant for
// single-process deployments, and a Redis-backed variant (grounded on
// zero-day-ai-sdk's queue/client.go go-redis/v9 usage) for shared
// deployments, both behind the same Cache interface.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Cache stores serialized retrieval responses keyed by a caller-computed
// cache key (typically a hash of the request parameters).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key builds a deterministic cache key from a retrieval request's
// significant fields. filters carries whatever the caller needs to fold in
// beyond conversation/query/strategy/limits -- kinds, time window, min
// score -- so requests that differ only by filter never collide.
func Key(conversationID, query, strategy string, maxResults int, maxTokens int, filters string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00%s", conversationID, query, strategy, maxResults, maxTokens, filters)
	return fmt.Sprintf("ctxcache:q:%x", h.Sum64())
}

// Encode and Decode round-trip arbitrary response payloads through the
// cache as JSON, matching the wire-format convention used by the longterm
// store's metadata column.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }

func Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	items map[string]memEntry
}

type memEntry struct {
	value     []byte
	expiresAt int64 // unix nanos, 0 = no expiry
}

// MemoryCache is a sharded, mutex-guarded in-process cache. Sharding by the
// fnv32 hash of the key into a small fixed number of shards reduces lock
// contention under concurrent fan-out reads.
type MemoryCache struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]memEntry)}
	}
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(shardCount)]
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := c.shardFor(key)
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if entry.expiresAt != 0 && c.now().UnixNano() > entry.expiresAt {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s := c.shardFor(key)
	var expiresAt int64
	if ttl > 0 {
		expiresAt = c.now().Add(ttl).UnixNano()
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.items[key] = memEntry{value: cp, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// Sweep proactively evicts expired entries from every shard. Entries also
// expire lazily on Get, but the background maintenance worker calls Sweep
// so memory held by long-idle keys is reclaimed without a read ever
// touching them.
func (c *MemoryCache) Sweep() int {
	now := c.now().UnixNano()
	swept := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.expiresAt != 0 && now > e.expiresAt {
				delete(s.items, k)
				swept++
			}
		}
		s.mu.Unlock()
	}
	return swept
}

// Len reports the total number of live entries across all shards, used by
// orchestrator stats() reporting.
func (c *MemoryCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}
