package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAndGet(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)

	entry, ok := idx.Get("t", []byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), entry.Value)
	assert.Equal(t, StatePresent, entry.State)
	assert.Equal(t, uint64(1), entry.LSN)
}

func TestGetMissingKey(t *testing.T) {
	idx := New()
	_, ok := idx.Get("t", []byte("missing"))
	assert.False(t, ok)
}

func TestApplyOverwriteKeepsLatestValue(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t", []byte("a"), []byte("2"), 2, StatePresent)

	entry, ok := idx.Get("t", []byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("2"), entry.Value)
	assert.Equal(t, uint64(2), entry.LSN)
}

func TestApplyTombstone(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t", []byte("a"), nil, 2, StateTombstone)

	entry, ok := idx.Get("t", []byte("a"))
	require.True(t, ok)
	assert.Equal(t, StateTombstone, entry.State)
}

func TestTablesAreIndependent(t *testing.T) {
	idx := New()
	idx.Apply("t1", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t2", []byte("a"), []byte("2"), 1, StatePresent)

	e1, _ := idx.Get("t1", []byte("a"))
	e2, _ := idx.Get("t2", []byte("a"))
	assert.Equal(t, []byte("1"), e1.Value)
	assert.Equal(t, []byte("2"), e2.Value)
}

func TestRangeReturnsSortedSubset(t *testing.T) {
	idx := New()
	keys := []string{"k00010", "k00015", "k00020", "k00005", "k00025"}
	for i, k := range keys {
		idx.Apply("t", []byte(k), []byte{byte(i)}, uint64(i+1), StatePresent)
	}

	got := idx.Range("t", []byte("k00010"), []byte("k00020"))
	require.Len(t, got, 2)
	assert.Equal(t, "k00010", string(got[0].Key))
	assert.Equal(t, "k00015", string(got[1].Key))
}

func TestRangeLoEqualsHiIsEmpty(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)

	got := idx.Range("t", []byte("a"), []byte("a"))
	assert.Empty(t, got)
}

func TestDirtySnapshotRespectsMaxLSN(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t", []byte("b"), []byte("2"), 5, StatePresent)

	snap := idx.DirtySnapshot("t", 1)
	require.Len(t, snap, 1)
	assert.Equal(t, "a", string(snap[0].Key))
}

func TestClearDirtyIfUnchanged(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)

	cleared := idx.ClearDirtyIfUnchanged("t", []byte("a"), 1)
	assert.True(t, cleared)

	snap := idx.DirtySnapshot("t", 10)
	assert.Empty(t, snap)
}

func TestClearDirtyIfUnchangedFailsWhenLSNAdvanced(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t", []byte("a"), []byte("2"), 2, StatePresent)

	cleared := idx.ClearDirtyIfUnchanged("t", []byte("a"), 1)
	assert.False(t, cleared, "entry was overwritten since the snapshot LSN, must stay dirty")

	snap := idx.DirtySnapshot("t", 10)
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].LSN)
}

func TestTablesReturnsDistinctNames(t *testing.T) {
	idx := New()
	idx.Apply("t1", []byte("a"), []byte("1"), 1, StatePresent)
	idx.Apply("t1", []byte("b"), []byte("2"), 2, StatePresent)
	idx.Apply("t2", []byte("a"), []byte("3"), 3, StatePresent)

	tables := idx.Tables()
	assert.ElementsMatch(t, []string{"t1", "t2"}, tables)
}

func TestDirtyBytesTracksOutstandingValues(t *testing.T) {
	idx := New()
	idx.Apply("t", []byte("a"), []byte("12345"), 1, StatePresent)
	assert.Equal(t, int64(5), idx.DirtyBytes())

	idx.ClearDirtyIfUnchanged("t", []byte("a"), 1)
	idx.Apply("t", []byte("a"), []byte("123456789"), 2, StatePresent)
	assert.Equal(t, int64(9), idx.DirtyBytes())
}
