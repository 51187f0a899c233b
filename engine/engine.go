// Package engine ties the write-ahead log, in-memory index, on-disk data
// files, and the background trickle and compaction workers into ClawStore's
// single embedded storage engine (spec §4.5).
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/clawstore/clawstore/compactor"
	"github.com/clawstore/clawstore/compressors"
	"github.com/clawstore/clawstore/config"
	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/hooks"
	"github.com/clawstore/clawstore/index"
	"github.com/clawstore/clawstore/sys"
	"github.com/clawstore/clawstore/trickle"
	"github.com/clawstore/clawstore/wal"
)

var tracer = otel.Tracer("github.com/clawstore/clawstore/engine")

// Engine is one open ClawStore instance rooted at a single data directory.
// A directory may have at most one open Engine at a time, enforced by an
// exclusive LOCK file (spec §5 "Open fails if LOCK is held").
type Engine struct {
	dataDir       string
	maxKeyBytes   int
	maxValueBytes int

	wal      *wal.WAL
	index    *index.Index
	fileSet  *fileSet
	negCache *negativeCache
	digests  *latencyDigests

	trickleWorker *trickle.Worker
	compactor     *compactor.Compactor

	hookManager hooks.HookManager
	logger      *slog.Logger

	releaseLock func() error

	wg     sync.WaitGroup
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// Open acquires exclusive ownership of dataDir, replays the WAL into the
// index, discovers existing data files, and starts the background trickle
// and compaction workers (spec §4.1 "open", §6).
func Open(dataDir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.EmbeddedPreset()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, core.NewError(core.KindIO, "engine.Open", fmt.Errorf("create data dir: %w", err))
	}

	logger := slog.Default().With("component", "engine", "data_dir", dataDir)

	release, err := sys.AcquireFileLock(filepath.Join(dataDir, "LOCK"), 0, 0, 0)
	if err != nil {
		return nil, core.NewError(core.KindBusy, "engine.Open", err)
	}

	if err := checkOrWriteVersionMarker(dataDir); err != nil {
		release()
		return nil, err
	}

	hookManager := hooks.NewHookManager(logger)
	if err := hookManager.Trigger(context.Background(), hooks.NewPreStartEngineEvent()); err != nil {
		release()
		return nil, fmt.Errorf("pre-start-engine hook rejected open: %w", err)
	}

	idx := index.New()

	walOpts := wal.Options{
		Dir:             filepath.Join(dataDir, "wal"),
		SyncMode:        wal.SyncMode(cfg.Engine.WAL.SyncMode),
		MaxSegmentBytes: cfg.Engine.WAL.MaxSegmentBytes,
		Logger:          logger,
		HookManager:     hookManager,
	}
	w, recovered, err := wal.Open(walOpts)
	if err != nil {
		release()
		return nil, fmt.Errorf("open wal: %w", err)
	}
	for i := range recovered {
		r := &recovered[i]
		idx.Apply(r.Table, r.Key, r.Value, r.LSN, stateFor(r.Op))
	}

	fs := newFileSet(dataDir, hookManager)
	if err := fs.loadExisting(); err != nil {
		w.Close()
		release()
		return nil, fmt.Errorf("load existing data files: %w", err)
	}

	digests, err := newLatencyDigests()
	if err != nil {
		w.Close()
		release()
		return nil, fmt.Errorf("init latency digests: %w", err)
	}

	negCache := newNegativeCache(cfg.Engine.Cache.NegativeCacheCapacity, hookManager)
	fs.onPublish = func(table string) { negCache.Invalidate() }

	compressor, err := compressors.ForType(compressionTypeFor(cfg.Engine.DataFile.Compression))
	if err != nil {
		w.Close()
		release()
		return nil, fmt.Errorf("resolve compressor: %w", err)
	}

	trickleWorker := trickle.New(trickle.Options{
		DataDir:             dataDir,
		Index:               idx,
		WAL:                 w,
		Publisher:           fs,
		Compressor:          compressor,
		Interval:            config.ParseDuration(msToDuration(cfg.Engine.Trickle.IntervalMs), 0, logger),
		DirtyBytesThreshold: cfg.Engine.Trickle.DirtyBytesThreshold,
		Logger:              logger,
		HookManager:         hookManager,
	})

	comp := compactor.New(compactor.Options{
		DataDir:            dataDir,
		Files:              fs,
		Publisher:          fs,
		Compressor:         compressor,
		FileCountThreshold: cfg.Engine.Compaction.FileCountThreshold,
		DeadRatioThreshold: cfg.Engine.Compaction.DeadRatioThreshold,
		Interval:           config.ParseDuration(cfg.Engine.Compaction.CheckInterval, 0, logger),
		Logger:             logger,
		HookManager:        hookManager,
	})

	e := &Engine{
		dataDir:       dataDir,
		maxKeyBytes:   nonZero(cfg.Engine.MaxKeyBytes, core.DefaultMaxKeyBytes),
		maxValueBytes: nonZero(cfg.Engine.MaxValueBytes, core.DefaultMaxValueBytes),
		wal:           w,
		index:         idx,
		fileSet:       fs,
		negCache:      negCache,
		digests:       digests,
		trickleWorker: trickleWorker,
		compactor:     comp,
		hookManager:   hookManager,
		logger:        logger,
		releaseLock:   release,
	}

	hookManager.Register(hooks.EventPostTrickleComplete, trickleLatencyListener{engine: e})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	var grp errgroup.Group
	grp.Go(func() error { return trickleWorker.Run(ctx) })
	grp.Go(func() error { return comp.Run(ctx) })
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := grp.Wait(); err != nil {
			e.logger.Error("background worker exited with error", "error", err)
		}
	}()

	hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent())
	return e, nil
}

// Close stops the background workers and releases the engine's exclusive
// hold on its data directory. Close is idempotent.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent())

		e.cancel()
		e.wg.Wait()

		e.fileSet.closeAll()

		if err := e.wal.Close(); err != nil {
			closeErr = fmt.Errorf("close wal: %w", err)
		}
		if err := e.releaseLock(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("release lock: %w", err)
		}

		e.hookManager.Trigger(context.Background(), hooks.NewPostCloseEngineEvent())
	})
	return closeErr
}

// Begin starts a new transaction. Records staged on it are not durable or
// visible until Commit succeeds.
func (e *Engine) Begin() *Txn {
	return &Txn{engine: e}
}

// Put writes a single key/value pair and commits it immediately, a
// convenience wrapper around Begin/Put/Commit for single-record writes.
func (e *Engine) Put(ctx context.Context, table string, key, value []byte) error {
	t := e.Begin()
	if err := t.Put(table, key, value); err != nil {
		return err
	}
	return t.Commit(ctx)
}

// Delete stages and immediately commits a tombstone for (table, key).
func (e *Engine) Delete(ctx context.Context, table string, key []byte) error {
	t := e.Begin()
	if err := t.Delete(table, key); err != nil {
		return err
	}
	return t.Commit(ctx)
}

// Get returns the current value for (table, key), consulting the index
// first, then the negative cache, then the table's data files newest to
// oldest (spec §4.5 "Get").
func (e *Engine) Get(ctx context.Context, table string, key []byte) ([]byte, bool, error) {
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	ctx, span := tracer.Start(ctx, "engine.Engine.Get")
	defer span.End()

	if entry, ok := e.index.Get(table, key); ok {
		if entry.State == index.StateTombstone {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	if e.negCache.KnownAbsent(table, key) {
		return nil, false, nil
	}

	handles := e.fileSet.tableFor(table).snapshot()
	defer releaseHandles(handles)

	for i := len(handles) - 1; i >= 0; i-- {
		rec, ok, err := handles[i].reader.Get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("read data file %s: %w", handles[i].path, err)
		}
		if !ok {
			continue
		}
		if rec.State == index.StateTombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	e.negCache.MarkAbsent(table, key)
	return nil, false, nil
}

// RangeEntry is one live key/value pair returned by Range.
type RangeEntry struct {
	Key   []byte
	Value []byte
}

// Range returns every live (non-tombstoned) key in [lo, hi) for table,
// merging the index with every on-disk data file: index entries always win
// over file entries, and among files the newest copy of a key wins (spec
// §4.5 "Range"). A nil lo or hi is an open bound on that side.
func (e *Engine) Range(ctx context.Context, table string, lo, hi []byte) ([]RangeEntry, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "engine.Engine.Range")
	defer span.End()

	merged := make(map[string]RangeEntry)

	handles := e.fileSet.tableFor(table).snapshot()
	defer releaseHandles(handles)

	for _, h := range handles {
		recs, err := h.reader.Scan(ctx, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("scan data file %s: %w", h.path, err)
		}
		for _, rec := range recs {
			k := string(rec.Key)
			if rec.State == index.StateTombstone {
				delete(merged, k)
				continue
			}
			merged[k] = RangeEntry{Key: rec.Key, Value: rec.Value}
		}
	}

	for _, ie := range e.index.Range(table, lo, hi) {
		k := string(ie.Key)
		if ie.State == index.StateTombstone {
			delete(merged, k)
			continue
		}
		merged[k] = RangeEntry{Key: ie.Key, Value: ie.Value}
	}

	out := make([]RangeEntry, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sortRangeEntries(out)
	return out, nil
}

// StartTrickle is a no-op retained for API symmetry with Stop: the trickle
// and compaction workers are started automatically by Open.
func (e *Engine) StartTrickle(_ context.Context) error {
	return nil
}

// Stop cancels the background trickle and compaction workers without
// releasing the directory lock or closing the WAL, so the engine can still
// serve reads and FlushNow afterward. Close performs a full shutdown.
func (e *Engine) Stop() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// FlushNow forces one synchronous trickle pass, waiting for it to
// complete, for callers that need a durability checkpoint on demand (spec
// §6 "flush_now").
func (e *Engine) FlushNow(ctx context.Context) error {
	return e.trickleWorker.FlushNow(ctx)
}

func (e *Engine) validate(table string, key, value []byte) error {
	if table == "" {
		return core.NewError(core.KindInvalidArgument, "engine.validate", fmt.Errorf("table name must not be empty"))
	}
	if len(table) > core.MaxTableNameBytes {
		return core.NewError(core.KindInvalidArgument, "engine.validate", fmt.Errorf("table name exceeds %d bytes", core.MaxTableNameBytes))
	}
	if len(key) > e.maxKeyBytes {
		return core.NewError(core.KindInvalidArgument, "engine.validate", fmt.Errorf("key exceeds %d bytes", e.maxKeyBytes))
	}
	if len(value) > e.maxValueBytes {
		return core.NewError(core.KindInvalidArgument, "engine.validate", fmt.Errorf("value exceeds %d bytes", e.maxValueBytes))
	}
	return nil
}

// dataFormatVersion identifies the on-disk layout Open expects; bumped
// whenever a change to the WAL/data-file/footer encoding breaks
// compatibility with data directories written by an older build.
const dataFormatVersion = "1"

// checkOrWriteVersionMarker writes a VERSION file recording
// dataFormatVersion the first time dataDir is opened, and rejects opening
// a directory stamped with a version this build does not understand.
func checkOrWriteVersionMarker(dataDir string) error {
	path := filepath.Join(dataDir, "VERSION")
	existing, err := os.ReadFile(path)
	if err == nil {
		if strings.TrimSpace(string(existing)) != dataFormatVersion {
			return core.NewError(core.KindCorruption, "engine.Open", fmt.Errorf("data directory version %q is incompatible with this build (expected %q)", strings.TrimSpace(string(existing)), dataFormatVersion))
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return core.NewError(core.KindIO, "engine.Open", fmt.Errorf("read version marker: %w", err))
	}
	if err := sys.WriteFile(path, []byte(dataFormatVersion), 0o644); err != nil {
		return core.NewError(core.KindIO, "engine.Open", fmt.Errorf("write version marker: %w", err))
	}
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return core.NewError(core.KindClosed, "engine", fmt.Errorf("engine is closed"))
	}
	return nil
}

// trickleLatencyListener feeds completed trickle-pass durations into the
// engine's latency digest, implementing hooks.HookListener.
type trickleLatencyListener struct{ engine *Engine }

func (l trickleLatencyListener) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	if p, ok := ev.Payload().(hooks.TrickleCompletePayload); ok {
		l.engine.digests.observeTrickle(p.Duration)
	}
	return nil
}

func (l trickleLatencyListener) Priority() int { return 0 }
func (l trickleLatencyListener) IsAsync() bool { return false }

func stateFor(op core.Op) index.State {
	if op == core.OpDelete {
		return index.StateTombstone
	}
	return index.StatePresent
}

func compressionTypeFor(name string) core.CompressionType {
	switch name {
	case "snappy":
		return core.CompressionSnappy
	case "lz4":
		return core.CompressionLZ4
	case "zstd":
		return core.CompressionZSTD
	default:
		return core.CompressionNone
	}
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func sortRangeEntries(entries []RangeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})
}

func msToDuration(ms int) string {
	if ms <= 0 {
		return "1s"
	}
	return fmt.Sprintf("%dms", ms)
}
