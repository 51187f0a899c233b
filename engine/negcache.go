package engine

import (
	"context"
	"expvar"

	"github.com/clawstore/clawstore/cache"
	"github.com/clawstore/clawstore/hooks"
)

// negativeCache remembers "known absent in the current file set" answers
// for Get (spec §4.5), so a repeated miss for a key nobody ever wrote
// skips the data-file scan entirely. It is invalidated wholesale on every
// new data-file publication, since a file we haven't accounted for might
// now hold the key.
type negativeCache struct {
	nc          *cache.NegativeCache
	hookManager hooks.HookManager
	hits        expvar.Int
	misses      expvar.Int
}

func newNegativeCache(capacity int, hm hooks.HookManager) *negativeCache {
	nc := &negativeCache{hookManager: hm}
	nc.nc = cache.New(capacity, nc.onEvicted, nc.onHit, nc.onMiss)
	nc.nc.SetMetrics(&nc.hits, &nc.misses)
	return nc
}

func (nc *negativeCache) onEvicted(table, key string) {
	if nc.hookManager == nil {
		return
	}
	nc.hookManager.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{Table: table, Key: key}))
}

func (nc *negativeCache) onHit(table, key string) {
	if nc.hookManager == nil {
		return
	}
	nc.hookManager.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Table: table, Key: key}))
}

func (nc *negativeCache) onMiss(table, key string) {
	if nc.hookManager == nil {
		return
	}
	nc.hookManager.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{Table: table, Key: key}))
}

// KnownAbsent reports whether (table, key) is remembered as absent.
func (nc *negativeCache) KnownAbsent(table string, key []byte) bool {
	return nc.nc.KnownAbsent(table, key)
}

// MarkAbsent records that (table, key) was not found anywhere in the
// current file set.
func (nc *negativeCache) MarkAbsent(table string, key []byte) {
	nc.nc.MarkAbsent(table, key)
}

// Invalidate drops every remembered answer, called whenever a new data
// file is published for any table (a conservative but simple policy: a
// newly visible file could hold any previously-absent key).
func (nc *negativeCache) Invalidate() {
	nc.nc.Clear()
}

// HitRate reports the cache's lifetime hit ratio, surfaced via Stats().
func (nc *negativeCache) HitRate() float64 {
	return nc.nc.HitRate()
}
