// Copyright 2024 The Dispatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// defaultMaxCacheEntries is the per-dispatch-type cache bound used when the
// Dispatcher's Config does not set one explicitly.
const defaultMaxCacheEntries = 4096

// ChainCache is a bounded, concurrent, approximate-LRU cache of built
// Chains, keyed by (dispatch type, path-or-name). Per , five
// independent caches are maintained, one per dispatch type. Eviction order
// is insertion order, not access order — an approximate LRU, documented as
// such — tracked by a small FIFO queue alongside each cache's map.
//
// The read path (the first map load in Lookup) is wait-free, no locks.
// Writes (the miss path in Lookup, through insert) use a per-(type,key)
// singleflight group
// so concurrent misses for the same key build the chain exactly once.
type ChainCache struct {
	enabled    bool
	maxEntries int

	shards  [5]*cacheShard
	log     *zap.Logger
	onLookup func(dt DispatchType, hit bool)
}

type cacheShard struct {
	entries sync.Map // uint64 (hashed key) -> *cacheEntry
	size    int64    // atomic
	queue   keyQueue
	group   singleflight.Group
}

type cacheEntry struct {
	key   string
	chain *Chain
}

// keyQueue is a concurrent FIFO of cache keys in insertion order, guarded by
// its own lock — deliberately separate from the cache map's lock-free reads,
// per : the map and the queue are two independent concurrent
// structures, not protected by one lock spanning both.
type keyQueue struct {
	mu   sync.Mutex
	keys []uint64
}

func (q *keyQueue) push(k uint64) {
	q.mu.Lock()
	q.keys = append(q.keys, k)
	q.mu.Unlock()
}

// pop returns the oldest key and true, or false if the queue is empty.
func (q *keyQueue) pop() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.keys) == 0 {
		return 0, false
	}
	k := q.keys[0]
	q.keys = q.keys[1:]
	return k, true
}

func (q *keyQueue) clear() {
	q.mu.Lock()
	q.keys = nil
	q.mu.Unlock()
}

// NewChainCache returns a cache with the given bound per dispatch type.
// maxEntries <= 0 means defaultMaxCacheEntries.
func NewChainCache(maxEntries int, enabled bool, log *zap.Logger) *ChainCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxCacheEntries
	}
	if log == nil {
		log = Log()
	}
	cc := &ChainCache{enabled: enabled, maxEntries: maxEntries, log: log.Named("dispatch.chaincache")}
	for i := range cc.shards {
		cc.shards[i] = &cacheShard{}
	}
	return cc
}

func cacheKeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Lookup returns the cached Chain for (dispatchType, key), building it with
// build on a miss. Concurrent misses for the same key share one build via
// singleflight. When the cache is disabled, every call invokes build
// directly and nothing is stored.
func (c *ChainCache) Lookup(dispatchType DispatchType, key string, build func() *Chain) *Chain {
	if !c.enabled {
		return build()
	}
	idx := dispatchTypeIndex(dispatchType)
	if idx < 0 {
		return build()
	}
	shard := c.shards[idx]
	h := cacheKeyHash(key)

	if v, ok := shard.entries.Load(h); ok {
		c.reportLookup(dispatchType, true)
		return v.(*cacheEntry).chain
	}

	v, _, _ := shard.group.Do(keyString(h), func() (any, error) {
		// Re-check: another goroutine may have inserted while we
		// waited to enter the singleflight group.
		if v, ok := shard.entries.Load(h); ok {
			return v.(*cacheEntry).chain, nil
		}
		chain := build()
		c.insert(shard, h, key, chain)
		return chain, nil
	})
	c.reportLookup(dispatchType, false)
	return v.(*Chain)
}

func (c *ChainCache) reportLookup(dt DispatchType, hit bool) {
	if c.onLookup != nil {
		c.onLookup(dt, hit)
	}
}

func (c *ChainCache) insert(shard *cacheShard, h uint64, key string, chain *Chain) {
	if _, loaded := shard.entries.LoadOrStore(h, &cacheEntry{key: key, chain: chain}); loaded {
		return
	}
	atomic.AddInt64(&shard.size, 1)
	shard.queue.push(h)

	for atomic.LoadInt64(&shard.size) >= int64(c.maxEntries) {
		oldest, ok := shard.queue.pop()
		if !ok {
			// The queue drained concurrently while the cache is
			// still at or above its bound: the race between the
			// queue and the map leaves us unable to know which
			// entries are actually oldest, so the safe fallback is
			// to clear the shard wholesale rather than guess.
			c.clearShard(shard)
			return
		}
		if _, existed := shard.entries.LoadAndDelete(oldest); existed {
			atomic.AddInt64(&shard.size, -1)
		}
	}
}

func (c *ChainCache) clearShard(shard *cacheShard) {
	shard.entries.Range(func(k, _ any) bool {
		shard.entries.Delete(k)
		return true
	})
	atomic.StoreInt64(&shard.size, 0)
	shard.queue.clear()
}

// Invalidate clears all five caches. Called on any configuration mutation
// after start.
func (c *ChainCache) Invalidate() {
	for _, shard := range c.shards {
		c.clearShard(shard)
	}
	c.log.Debug("chain cache invalidated")
}

// Size returns the current entry count for dispatchType, for tests, the
// admin API's /cache/{dispatchType} endpoint, and the cache size gauge.
func (c *ChainCache) Size(dispatchType DispatchType) int {
	idx := dispatchTypeIndex(dispatchType)
	if idx < 0 {
		return 0
	}
	return int(atomic.LoadInt64(&c.shards[idx].size))
}

func keyString(h uint64) string {
	var buf [20]byte
	return string(appendUint64(buf[:0], h))
}

func appendUint64(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}
