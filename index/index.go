// Package index implements ClawStore's in-memory, per-table concurrent
// key/value mapping: the RAM tier consulted first on every read and the
// buffer through which writes pass between WAL commit and data-file
// flush.
package index

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
)

// State is the in-memory state of an index entry.
type State byte

const (
	StatePresent State = iota
	StateTombstone
)

const shardCount = 32

// Entry is a point-in-time view of one index slot, returned by Get,
// Range, and DirtySnapshot. Mutating it has no effect on the index.
type Entry struct {
	Key   []byte
	Value []byte
	State State
	LSN   uint64
}

// slot is the mutable record backing one key within a shard.
type slot struct {
	key     []byte
	value   []byte
	state   State
	lsn     uint64
	ordinal uint32
	// counted reports whether this slot's value length is currently
	// included in Index.dirtyBytes, i.e. whether it is marked dirty.
	counted bool
}

// shard holds a disjoint partition of the composite (table, key) space.
// A compressed roaring.Bitmap of slot ordinals tracks which entries are
// dirty, letting DirtySnapshot answer "which entries are dirty" without
// scanning every key in the shard.
type shard struct {
	mu       sync.RWMutex
	data     map[string]*slot
	ordToKey map[uint32]string
	dirty    *roaring.Bitmap
	nextOrd  uint32
}

func newShard() *shard {
	return &shard{
		data:     make(map[string]*slot),
		ordToKey: make(map[uint32]string),
		dirty:    roaring.New(),
	}
}

// Index is a sharded, concurrent mapping from (table, key) to entry
// state. It is pure memory: durability is the WAL's job, and the index's
// only role is to serve reads at RAM speed and buffer writes between
// commits and trickle flushes.
type Index struct {
	shards     [shardCount]*shard
	dirtyBytes atomic.Int64
}

// New creates an empty Index.
func New() *Index {
	idx := &Index{}
	for i := range idx.shards {
		idx.shards[i] = newShard()
	}
	return idx
}

// compositeKey joins a table name and key into one shard-lookup key.
// A NUL separator is safe because table names are validated ASCII
// (core.MaxTableNameBytes) and never contain a NUL byte.
func compositeKey(table string, key []byte) string {
	buf := make([]byte, 0, len(table)+1+len(key))
	buf = append(buf, table...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return string(buf)
}

func (idx *Index) shardFor(table string, key []byte) *shard {
	th := fnv.New32a()
	th.Write([]byte(table))
	tableHash := th.Sum32()

	kh := fnv.New32a()
	kh.Write(key)
	keyHash := kh.Sum32()

	return idx.shards[(tableHash^keyHash)%shardCount]
}

// Apply sets the entry for (table, key) to the given state, value, and
// LSN, and marks it dirty. Used for both Put (StatePresent) and Delete
// (StateTombstone, value ignored).
func (idx *Index) Apply(table string, key, value []byte, lsn uint64, state State) {
	sh := idx.shardFor(table, key)
	ck := compositeKey(table, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.data[ck]
	if !ok {
		s = &slot{ordinal: sh.nextOrd, key: append([]byte(nil), key...)}
		sh.nextOrd++
		sh.data[ck] = s
		sh.ordToKey[s.ordinal] = ck
	} else if s.counted {
		idx.dirtyBytes.Add(-int64(len(s.value)))
	}

	s.value = value
	s.state = state
	s.lsn = lsn
	s.counted = true
	sh.dirty.Add(s.ordinal)
	idx.dirtyBytes.Add(int64(len(value)))
}

// Get returns the current entry for (table, key), if any.
func (idx *Index) Get(table string, key []byte) (Entry, bool) {
	sh := idx.shardFor(table, key)
	ck := compositeKey(table, key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.data[ck]
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: s.key, Value: s.value, State: s.state, LSN: s.lsn}, true
}

// Range returns, in ascending key order, every entry for table with a key
// in the half-open range [lo, hi). A nil hi means "no upper bound".
// Entries are snapshotted under each shard's read lock independently;
// callers get a consistent view per key, not a single atomic snapshot of
// the whole table.
func (idx *Index) Range(table string, lo, hi []byte) []Entry {
	var out []Entry
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for ck, s := range sh.data {
			if !hasTablePrefix(ck, table) {
				continue
			}
			if bytesLess(s.key, lo) {
				continue
			}
			if hi != nil && !bytesLess(s.key, hi) {
				continue
			}
			out = append(out, Entry{Key: append([]byte(nil), s.key...), Value: s.value, State: s.state, LSN: s.lsn})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return bytesLess(out[i].Key, out[j].Key) })
	return out
}

// DirtySnapshot returns every dirty entry for table whose LSN is at most
// maxLSN, sorted by key. This is the set the trickle loop writes into a
// new data file (§4.6 step 2).
func (idx *Index) DirtySnapshot(table string, maxLSN uint64) []Entry {
	var out []Entry
	for _, sh := range idx.shards {
		sh.mu.RLock()
		it := sh.dirty.Iterator()
		for it.HasNext() {
			ord := it.Next()
			ck, ok := sh.ordToKey[ord]
			if !ok || !hasTablePrefix(ck, table) {
				continue
			}
			s := sh.data[ck]
			if s.lsn > maxLSN {
				continue
			}
			out = append(out, Entry{Key: append([]byte(nil), s.key...), Value: s.value, State: s.state, LSN: s.lsn})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return bytesLess(out[i].Key, out[j].Key) })
	return out
}

// ClearDirtyIfUnchanged clears the dirty bit for (table, key) only if its
// LSN still equals snapshotLSN, i.e. nobody has overwritten it since the
// trickle snapshot was taken. Returns false (leaving the entry dirty) if
// the entry has since advanced or no longer exists.
func (idx *Index) ClearDirtyIfUnchanged(table string, key []byte, snapshotLSN uint64) bool {
	sh := idx.shardFor(table, key)
	ck := compositeKey(table, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.data[ck]
	if !ok || s.lsn != snapshotLSN {
		return false
	}
	sh.dirty.Remove(s.ordinal)
	if s.counted {
		idx.dirtyBytes.Add(-int64(len(s.value)))
		s.counted = false
	}
	return true
}

// DirtyBytes estimates the total size of values currently marked dirty,
// for comparison against trickle_dirty_bytes_threshold.
func (idx *Index) DirtyBytes() int64 {
	return idx.dirtyBytes.Load()
}

// Tables returns the distinct table names currently present in the index,
// in no particular order. Used by the trickle loop to know which tables
// need a dirty-snapshot pass.
func (idx *Index) Tables() []string {
	seen := make(map[string]struct{})
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for ck := range sh.data {
			if i := strings.IndexByte(ck, 0); i >= 0 {
				seen[ck[:i]] = struct{}{}
			}
		}
		sh.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	return out
}

func hasTablePrefix(compositeKey, table string) bool {
	if len(compositeKey) <= len(table) {
		return false
	}
	return compositeKey[:len(table)] == table && compositeKey[len(table)] == 0
}

func bytesLess(a, b []byte) bool {
	if b == nil {
		return false
	}
	return string(a) < string(b)
}
