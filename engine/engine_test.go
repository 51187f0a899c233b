package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawstore/clawstore/config"
	"github.com/clawstore/clawstore/wal"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.EmbeddedPreset()
	cfg.Engine.WAL.SyncMode = string(wal.SyncNone)
	e, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutThenGetReturnsCommittedValue(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "accounts", []byte("alice"), []byte("100")))

	val, ok, err := e.Get(ctx, "accounts", []byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("100"), val)
}

func TestGetOnUnknownKeyReportsAbsent(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	_, ok, err := e.Get(ctx, "accounts", []byte("nobody"))
	require.NoError(t, err)
	assert.False(t, ok)

	// a second miss should be served by the negative cache
	_, ok, err = e.Get(ctx, "accounts", []byte("nobody"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, e.Stats().NegativeCacheHitRate, 0.0)
}

func TestOverwriteThenFlushNowProducesOneDataFile(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "accounts", []byte("alice"), []byte("100")))
	require.NoError(t, e.Put(ctx, "accounts", []byte("alice"), []byte("200")))
	require.NoError(t, e.FlushNow(ctx))

	files := e.fileSet.FilesForTable("accounts")
	require.Len(t, files, 1)
	assert.EqualValues(t, 1, files[0].RecordCount)

	val, ok, err := e.Get(ctx, "accounts", []byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("200"), val)
}

func TestDeleteThenFlushNowProducesTombstone(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "accounts", []byte("alice"), []byte("100")))
	require.NoError(t, e.FlushNow(ctx))
	require.NoError(t, e.Delete(ctx, "accounts", []byte("alice")))
	require.NoError(t, e.FlushNow(ctx))

	_, ok, err := e.Get(ctx, "accounts", []byte("alice"))
	require.NoError(t, err)
	assert.False(t, ok)

	files := e.fileSet.FilesForTable("accounts")
	require.Len(t, files, 2)
}

func TestCompactionDropsTombstonedKey(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "accounts", []byte("alice"), []byte("100")))
	require.NoError(t, e.FlushNow(ctx))
	require.NoError(t, e.Delete(ctx, "accounts", []byte("alice")))
	require.NoError(t, e.FlushNow(ctx))

	require.NoError(t, e.compactor.RunNow(ctx))

	files := e.fileSet.FilesForTable("accounts")
	require.Len(t, files, 1)
	assert.EqualValues(t, 0, files[0].RecordCount)

	_, ok, err := e.Get(ctx, "accounts", []byte("alice"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRangeScansLargeKeyspace(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	const n = 10000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		require.NoError(t, e.Put(ctx, "t", key, []byte("v")))
	}
	require.NoError(t, e.FlushNow(ctx))

	entries, err := e.Range(ctx, "t", nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, string(entries[i-1].Key), string(entries[i].Key))
	}
}

func TestRangeMergesIndexOverFiles(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "t", []byte("a"), []byte("1")))
	require.NoError(t, e.Put(ctx, "t", []byte("b"), []byte("2")))
	require.NoError(t, e.FlushNow(ctx))

	// overwrite b only in the index, never flushed
	require.NoError(t, e.Put(ctx, "t", []byte("b"), []byte("20")))

	entries, err := e.Range(ctx, "t", nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("20"), entries[1].Value)
}

func TestTransactionBatchesMultipleRecords(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	txn := e.Begin()
	require.NoError(t, txn.Put("t", []byte("a"), []byte("1")))
	require.NoError(t, txn.Put("t", []byte("b"), []byte("2")))
	require.Equal(t, 2, txn.Len())
	require.NoError(t, txn.Commit(ctx))

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}} {
		val, ok, err := e.Get(ctx, "t", []byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, kv[1], string(val))
	}
}

func TestOverwriteWithinOneTransactionYieldsLastWrite(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	txn := e.Begin()
	require.NoError(t, txn.Put("t", []byte("a"), []byte("1")))
	require.NoError(t, txn.Put("t", []byte("a"), []byte("2")))
	require.NoError(t, txn.Put("t", []byte("a"), []byte("3")))
	require.NoError(t, txn.Commit(ctx))

	val, ok, err := e.Get(ctx, "t", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("3"), val)
}

func TestReopenRecoversCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.EmbeddedPreset()
	cfg.Engine.WAL.SyncMode = string(wal.SyncFull)

	e1, err := Open(dir, cfg)
	require.NoError(t, err)
	require.NoError(t, e1.Put(ctx, "t", []byte("a"), []byte("1")))
	require.NoError(t, e1.Close())

	e2, err := Open(dir, cfg)
	require.NoError(t, err)
	defer e2.Close()

	val, ok, err := e2.Get(ctx, "t", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
}

func TestOpenFailsWhenDirectoryAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	e1 := openEngineAt(t, dir)
	defer e1.Close()

	_, err := Open(dir, config.EmbeddedPreset())
	assert.Error(t, err)
}

func TestValidateRejectsOversizedKey(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	bigKey := make([]byte, e.maxKeyBytes+1)
	err := e.Put(ctx, "t", bigKey, []byte("v"))
	assert.Error(t, err)
}

func TestPutThenGetRoundTripsEmptyKey(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "t", []byte(""), []byte("root-value")))

	val, ok, err := e.Get(ctx, "t", []byte(""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("root-value"), val)

	require.NoError(t, e.Delete(ctx, "t", []byte("")))
	_, ok, err = e.Get(ctx, "t", []byte(""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenRejectsIncompatibleVersionMarker(t *testing.T) {
	dir := t.TempDir()
	e := openEngineAt(t, dir)
	require.NoError(t, e.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte("999"), 0o644))

	_, err := Open(dir, config.EmbeddedPreset())
	assert.Error(t, err)
}

func TestStatsReportsCommitLatency(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, "t", []byte("a"), []byte("1")))

	stats := e.Stats()
	assert.GreaterOrEqual(t, stats.CommitLatencyP50Micros, 0.0)
}

func openEngineAt(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(dir, config.EmbeddedPreset())
	require.NoError(t, err)
	return e
}
