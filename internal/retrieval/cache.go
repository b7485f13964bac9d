package retrieval

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// embedCache is an LRU cache with per-entry TTL for embedding vectors.
// Keyed by an FNV-64a hash of the query text so hot greetings and repeated
// questions skip the embeddings provider entirely.
type embedCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[uint64]*list.Element
	order   *list.List // front = most recently used

	now func() time.Time
}

type cacheEntry struct {
	key     uint64
	vector  []float32
	expires time.Time
}

func newEmbedCache(maxSize int, ttl time.Duration) *embedCache {
	return &embedCache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func cacheKey(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}

// get returns the cached vector for text, or nil on miss or expiry.
func (c *embedCache) get(text string) []float32 {
	key := cacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil
	}
	c.order.MoveToFront(el)
	return entry.vector
}

// put stores the vector for text, evicting the least recently used entry
// when the cache is full.
func (c *embedCache) put(text string, vector []float32) {
	if c.maxSize <= 0 {
		return
	}
	key := cacheKey(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.vector = vector
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	el := c.order.PushFront(&cacheEntry{key: key, vector: vector, expires: c.now().Add(c.ttl)})
	c.entries[key] = el
}

// len reports the number of live entries, for tests.
func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
