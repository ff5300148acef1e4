package classify

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a fixed-size LRU with per-entry TTL, keyed by input hash.
// Expired entries are dropped lazily on access.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64

	now func() time.Time // injectable for tests
}

type cacheEntry struct {
	key       string
	result    Result
	expiresAt time.Time
}

// CacheStats is a counter snapshot for the stats surface.
type CacheStats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	if capacity <= 0 {
		capacity = 500
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *lruCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Result{}, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().After(ent.expiresAt) {
		c.removeElement(el)
		c.misses++
		return Result{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.result, true
}

func (c *lruCache) put(key string, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*cacheEntry)
		ent.result = res
		ent.expiresAt = expires
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, result: res, expiresAt: expires})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		if oldest := c.ll.Back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions++
		}
	}
}

func (c *lruCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

func (c *lruCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// removeElement assumes the lock is held.
func (c *lruCache) removeElement(el *list.Element) {
	ent := el.Value.(*cacheEntry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
}

func (c *lruCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.ll.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
