package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// entry holds the key and value for one cache item.
type entry[V any] struct {
	key   string
	value V
}

// LRU is a fixed-size least-recently-used cache. A capacity of zero disables
// caching entirely; every Get misses and Put is a no-op.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element

	onEvicted func(key string, value V)
	onHit     func(key string)
	onMiss    func(key string)

	hits   *expvar.Int
	misses *expvar.Int
}

// NewLRU creates a cache holding at most capacity items. The callbacks are
// optional.
func NewLRU[V any](capacity int, onEvicted func(key string, value V), onHit, onMiss func(key string)) *LRU[V] {
	return &LRU[V]{
		capacity:  capacity,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		onEvicted: onEvicted,
		onHit:     onHit,
		onMiss:    onMiss,
	}
}

// SetMetrics attaches hit/miss counters.
func (c *LRU[V]) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	if c.capacity <= 0 {
		return zero, false
	}

	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(key)
		}
		c.order.MoveToFront(elem)
		return elem.Value.(*entry[V]).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(key)
	}
	return zero, false
}

// Put adds or replaces a value.
func (c *LRU[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry[V]).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}

	elem := c.order.PushFront(&entry[V]{key: key, value: value})
	c.items[key] = elem
}

// Remove invalidates one key. It reports whether the key was present.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	removed := c.order.Remove(elem).(*entry[V])
	delete(c.items, key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
	return true
}

// Len returns the current number of cached items.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries, invoking the eviction callback for each.
func (c *LRU[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			e := elem.Value.(*entry[V])
			c.onEvicted(e.key, e.value)
		}
	}
	c.order = list.New()
	c.items = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// evict removes the least recently used item. Must be called with c.mu held.
func (c *LRU[V]) evict() {
	elem := c.order.Back()
	if elem == nil {
		return
	}
	removed := c.order.Remove(elem).(*entry[V])
	delete(c.items, removed.key)
	if c.onEvicted != nil {
		c.onEvicted(removed.key, removed.value)
	}
}
