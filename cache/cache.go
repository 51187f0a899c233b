// Package cache implements the engine's negative cache: a fixed-size LRU
// remembering which (table, key) pairs were recently found absent from
// the entire file set, so a repeated miss for a key nobody ever wrote
// skips the on-disk scan entirely.
package cache

import (
	"container/list"
	"expvar"
	"sync"
)

// entry holds one remembered absent (table, key) pair.
type entry struct {
	table string
	key   string
}

// NegativeCache is a fixed-size LRU of (table, key) pairs known, as of
// their last lookup, to have no live value anywhere in the engine's
// current data-file set.
type NegativeCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	items      map[string]*list.Element // composite key -> element
	onEvicted  func(table, key string)
	onHit      func(table, key string)
	onMiss     func(table, key string)

	hits   *expvar.Int
	misses *expvar.Int
}

// New creates a NegativeCache of the given capacity. Any of onEvicted,
// onHit, onMiss may be nil.
func New(capacity int, onEvicted, onHit, onMiss func(table, key string)) *NegativeCache {
	return &NegativeCache{
		capacity:  capacity,
		lruList:   list.New(),
		items:     make(map[string]*list.Element),
		onEvicted: onEvicted,
		onHit:     onHit,
		onMiss:    onMiss,
	}
}

// SetMetrics wires expvar counters that MarkAbsent/KnownAbsent keep
// updated, for exposure via an operator's metrics endpoint.
func (c *NegativeCache) SetMetrics(hits, misses *expvar.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = hits
	c.misses = misses
}

// KnownAbsent reports whether (table, key) is currently remembered as
// absent, moving it to the front of the LRU on a hit.
func (c *NegativeCache) KnownAbsent(table string, key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return false
	}

	composite := compositeKey(table, key)
	if elem, ok := c.items[composite]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		if c.onHit != nil {
			c.onHit(table, string(key))
		}
		c.lruList.MoveToFront(elem)
		return true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	if c.onMiss != nil {
		c.onMiss(table, string(key))
	}
	return false
}

// MarkAbsent records that (table, key) was not found anywhere in the
// current file set, evicting the least recently used entry if the cache
// is already at capacity.
func (c *NegativeCache) MarkAbsent(table string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity <= 0 {
		return
	}

	composite := compositeKey(table, key)
	if elem, ok := c.items[composite]; ok {
		c.lruList.MoveToFront(elem)
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	elem := c.lruList.PushFront(&entry{table: table, key: string(key)})
	c.items[composite] = elem
}

// Len returns the current number of remembered entries.
func (c *NegativeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used entry. Must be called with c.mu held.
func (c *NegativeCache) evict() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	e := c.lruList.Remove(elem).(*entry)
	delete(c.items, compositeKey(e.table, []byte(e.key)))
	if c.onEvicted != nil {
		c.onEvicted(e.table, e.key)
	}
}

// Clear invalidates every remembered entry, called whenever a new data
// file is published for any table (a conservative but simple policy: a
// newly visible file could hold any previously-absent key).
func (c *NegativeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.onEvicted != nil {
		for _, elem := range c.items {
			e := elem.Value.(*entry)
			c.onEvicted(e.table, e.key)
		}
	}
	c.lruList = list.New()
	c.items = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// HitRate reports the cache's lifetime hit ratio.
func (c *NegativeCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}

// compositeKey folds a (table, key) pair into the single string an LRU
// needs, matching the NUL-separated convention index.go uses for the
// same table/key addressing problem.
func compositeKey(table string, key []byte) string {
	buf := make([]byte, 0, len(table)+1+len(key))
	buf = append(buf, table...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return string(buf)
}
