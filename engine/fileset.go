package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/clawstore/clawstore/compactor"
	"github.com/clawstore/clawstore/datafile"
	"github.com/clawstore/clawstore/hooks"
	"github.com/clawstore/clawstore/index"
	"github.com/clawstore/clawstore/sys"
)

// fileHandle is one live data file as known to the engine, refcounted so a
// cursor holding it survives a concurrent unlink (§5 "File handles:
// refcounted; a file removed from the set but still referenced by a live
// cursor remains open until the last handle drops").
type fileHandle struct {
	id             uint64
	path           string
	reader         *datafile.Reader
	tombstoneCount uint32
	refs           atomic.Int32
}

func (h *fileHandle) acquire() { h.refs.Add(1) }

// release drops a reference, closing the underlying reader once the file
// has both been unlinked from the live set and has no other referents.
func (h *fileHandle) release() {
	if h.refs.Add(-1) == 0 {
		h.reader.Close()
	}
}

// tableFiles holds one table's live files, oldest first; the newest file
// (highest id) is always the last element.
type tableFiles struct {
	mu    sync.RWMutex
	files []*fileHandle
}

// snapshot returns a refcounted, newest-last slice of the table's current
// files, safe to scan without holding any lock. Callers must call release
// on the returned handles (via releaseHandles) once done.
func (t *tableFiles) snapshot() []*fileHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*fileHandle, len(t.files))
	copy(out, t.files)
	for _, h := range out {
		h.acquire()
	}
	return out
}

func releaseHandles(handles []*fileHandle) {
	for _, h := range handles {
		h.release()
	}
}

// fileSet is the engine's live data-file registry: the single source of
// truth for "which files currently back table T", shared by the read path,
// the trickle worker (as trickle.Publisher) and the compactor (as both
// compactor.FileSet and compactor.Publisher).
type fileSet struct {
	dataDir     string
	mu          sync.RWMutex
	tables      map[string]*tableFiles
	nextFileID  atomic.Uint64
	hookManager hooks.HookManager
	onPublish   func(table string) // invalidates the negative cache
}

func newFileSet(dataDir string, hm hooks.HookManager) *fileSet {
	return &fileSet{
		dataDir:     dataDir,
		tables:      make(map[string]*tableFiles),
		hookManager: hm,
	}
}

func (fs *fileSet) tableFor(table string) *tableFiles {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	t, ok := fs.tables[table]
	if !ok {
		t = &tableFiles{}
		fs.tables[table] = t
	}
	return t
}

// NextFileID implements trickle.Publisher and compactor.Publisher.
func (fs *fileSet) NextFileID() uint64 {
	return fs.nextFileID.Add(1)
}

// bumpNextFileID raises the file-ID counter past an id discovered during
// recovery, so newly written files never collide with recovered ones.
func (fs *fileSet) bumpNextFileID(id uint64) {
	for {
		cur := fs.nextFileID.Load()
		if id <= cur {
			return
		}
		if fs.nextFileID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// PublishDataFile implements trickle.Publisher and compactor.Publisher: it
// opens the sealed file, registers it as the newest live file for table,
// and only then is it eligible for reads (spec §4.4 step 3).
func (fs *fileSet) PublishDataFile(table string, path string) error {
	r, err := datafile.Open(path)
	if err != nil {
		return fmt.Errorf("open published data file %s: %w", path, err)
	}

	var tombstones uint32
	recs, err := r.Scan(context.Background(), nil, nil)
	if err != nil {
		r.Close()
		return fmt.Errorf("scan published data file %s: %w", path, err)
	}
	for _, rec := range recs {
		if rec.State == index.StateTombstone {
			tombstones++
		}
	}

	id, err := parseFileID(path)
	if err != nil {
		r.Close()
		return err
	}
	fs.bumpNextFileID(id)

	h := &fileHandle{id: id, path: path, reader: r, tombstoneCount: tombstones}
	h.acquire() // the file set itself holds one reference

	tf := fs.tableFor(table)
	tf.mu.Lock()
	tf.files = append(tf.files, h)
	sort.Slice(tf.files, func(i, j int) bool { return tf.files[i].id < tf.files[j].id })
	tf.mu.Unlock()

	if fs.hookManager != nil {
		fs.hookManager.Trigger(context.Background(), hooks.NewPostDataFileCreateEvent(hooks.DataFilePayload{
			Table: table, ID: id, Path: path,
		}))
	}
	if fs.onPublish != nil {
		fs.onPublish(table)
	}
	return nil
}

// UnlinkDataFile implements compactor.Publisher: it removes fileID from
// the live set (so new readers never see it again) and drops the file
// set's own reference. The file descriptor and bytes on disk persist
// until every in-flight cursor releases its reference too.
func (fs *fileSet) UnlinkDataFile(table string, fileID uint64) error {
	tf := fs.tableFor(table)

	tf.mu.Lock()
	var target *fileHandle
	kept := tf.files[:0]
	for _, h := range tf.files {
		if h.id == fileID {
			target = h
			continue
		}
		kept = append(kept, h)
	}
	tf.files = kept
	tf.mu.Unlock()

	if target == nil {
		return nil
	}
	target.release()
	// A reader that Stat'd or briefly held this file open a moment ago can
	// make a bare remove transiently fail; SafeRemove retries with backoff
	// rather than surfacing a spurious error for a file we're certain is
	// now unreferenced.
	return sys.SafeRemove(target.path)
}

// FilesForTable implements compactor.FileSet.
func (fs *fileSet) FilesForTable(table string) []compactor.FileMeta {
	tf := fs.tableFor(table)
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	out := make([]compactor.FileMeta, len(tf.files))
	for i, h := range tf.files {
		out[i] = compactor.FileMeta{
			ID:             h.id,
			Path:           h.path,
			RecordCount:    h.reader.RecordCount(),
			TombstoneCount: h.tombstoneCount,
		}
	}
	return out
}

// Tables implements compactor.FileSet.
func (fs *fileSet) Tables() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make([]string, 0, len(fs.tables))
	for t := range fs.tables {
		out = append(out, t)
	}
	return out
}

// loadExisting walks data/<table>/*.sst under dataDir and registers every
// file found, for use during engine recovery.
func (fs *fileSet) loadExisting() error {
	root := filepath.Join(fs.dataDir, "data")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, tableEntry := range entries {
		if !tableEntry.IsDir() {
			continue
		}
		table := tableEntry.Name()
		files, err := os.ReadDir(filepath.Join(root, table))
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".sst" {
				continue
			}
			if err := fs.PublishDataFile(table, filepath.Join(root, table, f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeAll releases the file set's own reference to every registered file,
// for use during engine Close.
func (fs *fileSet) closeAll() {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, tf := range fs.tables {
		tf.mu.RLock()
		for _, h := range tf.files {
			h.release()
		}
		tf.mu.RUnlock()
	}
}

func parseFileID(path string) (uint64, error) {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	var id uint64
	if _, err := fmt.Sscanf(name, "%016x", &id); err != nil {
		return 0, fmt.Errorf("parse data file id from %q: %w", path, err)
	}
	return id, nil
}
