package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawstore/clawstore/compressors"
	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/datafile"
	"github.com/clawstore/clawstore/index"
)

func writeTestDataFile(t *testing.T, dir, table string, fileID uint64, entries map[string]string) string {
	t.Helper()
	compressor, err := compressors.ForType(core.CompressionNone)
	require.NoError(t, err)

	w, err := datafile.NewWriter(filepath.Join(dir, "data", table), fileID, compressor)
	require.NoError(t, err)
	for k, v := range entries {
		require.NoError(t, w.Add([]byte(k), index.StatePresent, []byte(v)))
	}
	path, err := w.Finish(context.Background())
	require.NoError(t, err)
	return path
}

func TestPublishDataFileRegistersNewestLast(t *testing.T) {
	dir := t.TempDir()
	fs := newFileSet(dir, nil)

	p1 := writeTestDataFile(t, dir, "t", fs.NextFileID(), map[string]string{"a": "1"})
	require.NoError(t, fs.PublishDataFile("t", p1))
	p2 := writeTestDataFile(t, dir, "t", fs.NextFileID(), map[string]string{"b": "2"})
	require.NoError(t, fs.PublishDataFile("t", p2))

	files := fs.FilesForTable("t")
	require.Len(t, files, 2)
	assert.Less(t, files[0].ID, files[1].ID)
}

func TestUnlinkDataFileRemovesFromLiveSet(t *testing.T) {
	dir := t.TempDir()
	fs := newFileSet(dir, nil)

	id := fs.NextFileID()
	p := writeTestDataFile(t, dir, "t", id, map[string]string{"a": "1"})
	require.NoError(t, fs.PublishDataFile("t", p))
	require.Len(t, fs.FilesForTable("t"), 1)

	require.NoError(t, fs.UnlinkDataFile("t", id))
	assert.Empty(t, fs.FilesForTable("t"))
}

func TestFileHandleSurvivesUnlinkWhileReferenced(t *testing.T) {
	dir := t.TempDir()
	fs := newFileSet(dir, nil)

	id := fs.NextFileID()
	p := writeTestDataFile(t, dir, "t", id, map[string]string{"a": "1"})
	require.NoError(t, fs.PublishDataFile("t", p))

	handles := fs.tableFor("t").snapshot()
	require.Len(t, handles, 1)

	require.NoError(t, fs.UnlinkDataFile("t", id))

	rec, ok, err := handles[0].reader.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), rec.Value)

	releaseHandles(handles)
}

func TestLoadExistingDiscoversFilesOnDisk(t *testing.T) {
	dir := t.TempDir()
	fs := newFileSet(dir, nil)
	writeTestDataFile(t, dir, "t", fs.NextFileID(), map[string]string{"a": "1"})

	fs2 := newFileSet(dir, nil)
	require.NoError(t, fs2.loadExisting())
	assert.Len(t, fs2.FilesForTable("t"), 1)
}

func TestParseFileIDRoundTrips(t *testing.T) {
	id, err := parseFileID("/data/t/0000000000000007.sst")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
}
