package cache

import (
	"expvar"
	"testing"
)

func TestNew(t *testing.T) {
	c := New(10, nil, nil, nil)
	if c == nil {
		t.Fatal("New returned nil")
	}
	if c.capacity != 10 {
		t.Errorf("expected capacity 10, got %d", c.capacity)
	}
	if c.lruList.Len() != 0 {
		t.Errorf("expected empty LRU list, got length %d", c.lruList.Len())
	}
	if len(c.items) != 0 {
		t.Errorf("expected empty items map, got size %d", len(c.items))
	}

	disabled := New(0, nil, nil, nil)
	if disabled.capacity != 0 {
		t.Errorf("expected capacity 0 for disabled cache, got %d", disabled.capacity)
	}
}

func TestMarkAbsentAndKnownAbsent(t *testing.T) {
	c := New(3, nil, nil, nil)

	c.MarkAbsent("accounts", []byte("key1"))
	c.MarkAbsent("accounts", []byte("key2"))
	c.MarkAbsent("storage", []byte("key1")) // same key, different table

	if c.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", c.Len())
	}

	if !c.KnownAbsent("accounts", []byte("key1")) {
		t.Error("expected accounts/key1 to be known absent")
	}
	if !c.KnownAbsent("storage", []byte("key1")) {
		t.Error("expected storage/key1 (distinct table) to be known absent")
	}
	if c.KnownAbsent("accounts", []byte("key3")) {
		t.Error("accounts/key3 was never marked absent")
	}
}

func TestMarkAbsentEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(3, nil, nil, nil)

	c.MarkAbsent("t", []byte("k1"))
	c.MarkAbsent("t", []byte("k2"))
	c.MarkAbsent("t", []byte("k3"))

	// touch k3 then k1 so k2 becomes least recently used
	c.KnownAbsent("t", []byte("k3"))
	c.KnownAbsent("t", []byte("k1"))

	c.MarkAbsent("t", []byte("k4"))
	if c.Len() != 3 {
		t.Errorf("expected size 3 after eviction, got %d", c.Len())
	}
	if c.KnownAbsent("t", []byte("k2")) {
		t.Error("k2 should have been evicted as least recently used")
	}
	if !c.KnownAbsent("t", []byte("k4")) {
		t.Error("k4 should be present after insert")
	}
}

func TestMarkAbsentIsIdempotent(t *testing.T) {
	c := New(2, nil, nil, nil)
	c.MarkAbsent("t", []byte("k"))
	if c.Len() != 1 {
		t.Fatalf("expected size 1, got %d", c.Len())
	}
	c.MarkAbsent("t", []byte("k"))
	if c.Len() != 1 {
		t.Errorf("re-marking the same (table, key) should not grow the cache, got %d", c.Len())
	}
}

func TestClearInvalidatesEverything(t *testing.T) {
	var evicted []string
	c := New(5, func(table, key string) { evicted = append(evicted, table+"/"+key) }, nil, nil)
	c.MarkAbsent("t", []byte("k1"))
	c.MarkAbsent("t", []byte("k2"))

	hits := new(expvar.Int)
	misses := new(expvar.Int)
	c.SetMetrics(hits, misses)
	c.KnownAbsent("t", []byte("k1"))

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected size 0 after clear, got %d", c.Len())
	}
	if c.KnownAbsent("t", []byte("k1")) {
		t.Error("k1 unexpectedly known absent after clear")
	}
	if len(evicted) != 2 {
		t.Errorf("expected onEvicted to fire for both entries, got %d calls", len(evicted))
	}
	if hits.Value() != 0 || misses.Value() != 0 {
		t.Errorf("expected metrics reset to zero by Clear, got hits=%d misses=%d", hits.Value(), misses.Value())
	}
}

func TestHitRate(t *testing.T) {
	hits := new(expvar.Int)
	misses := new(expvar.Int)
	c := New(2, nil, nil, nil)
	c.SetMetrics(hits, misses)

	if rate := c.HitRate(); rate != 0.0 {
		t.Errorf("expected initial hit rate 0.0, got %f", rate)
	}

	c.KnownAbsent("t", []byte("k1")) // miss
	c.MarkAbsent("t", []byte("k1"))
	c.KnownAbsent("t", []byte("k1")) // hit

	if rate := c.HitRate(); rate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", rate)
	}
}

func TestCallbacksFireWithTableAndKey(t *testing.T) {
	var hitTable, hitKey string
	var missTable, missKey string
	c := New(2, nil,
		func(table, key string) { hitTable, hitKey = table, key },
		func(table, key string) { missTable, missKey = table, key },
	)

	c.KnownAbsent("accounts", []byte("abc"))
	if missTable != "accounts" || missKey != "abc" {
		t.Errorf("onMiss got (%q, %q), want (accounts, abc)", missTable, missKey)
	}

	c.MarkAbsent("accounts", []byte("abc"))
	c.KnownAbsent("accounts", []byte("abc"))
	if hitTable != "accounts" || hitKey != "abc" {
		t.Errorf("onHit got (%q, %q), want (accounts, abc)", hitTable, hitKey)
	}
}

func TestDisabledCache(t *testing.T) {
	c := New(0, nil, nil, nil)
	c.SetMetrics(nil, nil)

	c.MarkAbsent("t", []byte("k1"))
	if c.Len() != 0 {
		t.Errorf("expected cache size 0 for disabled cache, got %d", c.Len())
	}
	if c.KnownAbsent("t", []byte("k1")) {
		t.Error("disabled cache unexpectedly reported an entry known absent")
	}

	hits := new(expvar.Int)
	misses := new(expvar.Int)
	withMetrics := New(0, nil, nil, nil)
	withMetrics.SetMetrics(hits, misses)
	withMetrics.MarkAbsent("t", []byte("k2"))
	withMetrics.KnownAbsent("t", []byte("k2"))

	if hits.Value() != 0 || misses.Value() != 0 {
		t.Errorf("metrics unexpectedly updated for disabled cache: hits=%d, misses=%d", hits.Value(), misses.Value())
	}
}

func TestCompositeKeyDistinguishesTableBoundary(t *testing.T) {
	// "ab"/"c" and "a"/"bc" must not collide even though their naive
	// concatenation is identical; the NUL separator keeps them distinct.
	c := New(4, nil, nil, nil)
	c.MarkAbsent("ab", []byte("c"))
	if c.KnownAbsent("a", []byte("bc")) {
		t.Error("composite key collided across a table/key boundary")
	}
	if !c.KnownAbsent("ab", []byte("c")) {
		t.Error("expected ab/c to be known absent")
	}
}
