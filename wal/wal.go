// Package wal implements ClawStore's write-ahead log: a directory of
// append-only segments holding framed mutation records, with group-commit
// durability and crash-tolerant replay.
package wal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/hooks"
	"github.com/clawstore/clawstore/sys"
)

// SyncMode controls how aggressively commits are flushed to stable storage.
type SyncMode string

const (
	// SyncFull issues a full hardware flush after every commit group.
	SyncFull SyncMode = "full"
	// SyncDataOnly flushes the buffered writer but skips the fsync syscall.
	// Intended for hosts that otherwise guarantee durability (e.g. battery-backed cache).
	SyncDataOnly SyncMode = "data_only"
	// SyncNone performs no explicit flush. For tests and benchmarks only;
	// a crash can lose committed-but-unflushed records.
	SyncNone SyncMode = "none"
)

// Options configures a WAL instance.
type Options struct {
	Dir             string
	SyncMode        SyncMode
	MaxSegmentBytes int64
	Logger          *slog.Logger
	HookManager     hooks.HookManager
}

// WAL is an append-only, segmented log of committed mutation records.
// A single WAL instance serializes all commits through one mutex; callers
// arriving concurrently are coalesced into one underlying write and, under
// SyncFull, one fsync (group commit).
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment *SegmentWriter
	segmentStarts []uint64
	nextLSN       atomic.Uint64

	logger      *slog.Logger
	hookManager hooks.HookManager
}

// Open opens (creating if necessary) the WAL directory, replays every
// segment to reconstruct the set of durable records, and prepares the
// newest segment (or a fresh one) for appending.
//
// The returned error, if non-nil and not wrapping a core.Corruption error
// at the tail of the newest segment, is fatal: a corrupt header or a
// mid-file error in a non-tail segment indicates a WAL the engine cannot
// safely trust.
func Open(opts Options) (*WAL, []core.Record, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "wal")
	if opts.MaxSegmentBytes == 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncFull
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, core.NewError(core.KindIO, "wal.Open", err)
	}

	w := &WAL{
		dir:         opts.Dir,
		opts:        opts,
		logger:      opts.Logger,
		hookManager: opts.HookManager,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, err
	}

	records, recoverErr := w.recover()
	if recoverErr != nil {
		w.logger.Error("WAL recovery stopped early", "error", recoverErr)
		return nil, records, recoverErr
	}

	var maxLSN uint64
	for i := range records {
		if records[i].LSN > maxLSN {
			maxLSN = records[i].LSN
		}
	}
	w.nextLSN.Store(maxLSN + 1)

	if err := w.openForAppend(); err != nil {
		return nil, records, err
	}

	if w.hookManager != nil {
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			RecoveredRecordCount: len(records),
		}))
	}

	return w, records, nil
}

func (w *WAL) loadSegments() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return core.NewError(core.KindIO, "wal.loadSegments", err)
	}
	w.segmentStarts = w.segmentStarts[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		start, err := parseSegmentFileName(e.Name())
		if err == nil {
			w.segmentStarts = append(w.segmentStarts, start)
		}
	}
	sort.Slice(w.segmentStarts, func(i, j int) bool { return w.segmentStarts[i] < w.segmentStarts[j] })
	return nil
}

// NextLSN returns the LSN that would be assigned to the next appended record.
func (w *WAL) NextLSN() uint64 {
	return w.nextLSN.Load()
}

// AppendBatch assigns each record a strictly increasing LSN (overwriting
// any LSN already set), serializes them contiguously into the active
// segment, and issues a single durability flush per the configured sync
// mode. Records are left unapplied to any index; the caller applies them
// only after AppendBatch returns successfully (§4.2 commit protocol).
func (w *WAL) AppendBatch(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return core.NewError(core.KindClosed, "wal.AppendBatch", fmt.Errorf("wal is closed"))
	}

	table := records[0].Table
	if w.hookManager != nil {
		pre := hooks.WALAppendPayload{Table: table, Count: len(records)}
		if err := w.hookManager.Trigger(ctx, hooks.NewPreWALAppendEvent(pre)); err != nil {
			return err
		}
	}

	startLSN := w.nextLSN.Load()
	framed := make([][]byte, len(records))
	var totalSize int64
	for i := range records {
		records[i].LSN = startLSN + uint64(i)
		framed[i] = encodeRecord(&records[i])
		totalSize += int64(len(framed[i])) + 8 // +8 for codec frame header
	}

	if err := w.rotateIfNeededLocked(totalSize); err != nil {
		return core.NewError(core.KindIO, "wal.AppendBatch", err)
	}

	var appendErr error
	for _, payload := range framed {
		if err := w.activeSegment.WriteFrame(payload); err != nil {
			appendErr = core.NewError(core.KindIO, "wal.AppendBatch", err)
			break
		}
	}

	if appendErr == nil {
		switch w.opts.SyncMode {
		case SyncFull:
			appendErr = w.activeSegment.Sync()
		case SyncDataOnly:
			appendErr = w.activeSegment.Flush()
		case SyncNone:
			// no flush; relies on eventual buffer flush or explicit Sync().
		}
	}

	if appendErr == nil {
		w.nextLSN.Store(startLSN + uint64(len(records)))
	}

	if w.hookManager != nil {
		post := hooks.WALAppendPayload{Table: table, RecordLSN: startLSN, Count: len(records), Error: appendErr}
		w.hookManager.Trigger(ctx, hooks.NewPostWALAppendEvent(post))
	}

	return appendErr
}

// Sync forces a durability flush of the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return core.NewError(core.KindClosed, "wal.Sync", fmt.Errorf("wal is closed"))
	}
	return w.activeSegment.Sync()
}

// Rotate closes the active segment and opens a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// rotateIfNeededLocked rotates the active segment if appending addedBytes
// would push it over the configured size threshold. An empty active
// segment is never rotated away, so a single oversized record can still
// land in a fresh segment.
func (w *WAL) rotateIfNeededLocked(addedBytes int64) error {
	size, err := w.activeSegment.Size()
	if err != nil {
		return err
	}
	hdrSize := int64((&core.FileHeader{}).Size())
	if size > hdrSize && size+addedBytes > w.opts.MaxSegmentBytes {
		return w.rotateLocked()
	}
	return nil
}

func (w *WAL) rotateLocked() error {
	nextStart := w.nextLSN.Load()

	newSegment, err := CreateSegment(w.dir, nextStart)
	if err != nil {
		return fmt.Errorf("create WAL segment: %w", err)
	}

	var oldStart uint64
	hadOld := w.activeSegment != nil
	if hadOld {
		oldStart = w.activeSegment.startLSN
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentStarts = append(w.segmentStarts, nextStart)
	w.logger.Info("rotated WAL segment", "start_lsn", nextStart, "path", newSegment.path)

	if w.hookManager != nil && hadOld {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex: oldStart,
			NewSegmentIndex: nextStart,
			NewSegmentPath:  newSegment.path,
		}
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	err := w.activeSegment.Close()
	w.activeSegment = nil
	return err
}

// Purge removes segments whose every record has LSN strictly less than
// flushedThroughLSN. A segment is only removable once a later segment's
// start LSN proves no record of the earlier segment can still be needed;
// the currently active segment is never removed.
func (w *WAL) Purge(flushedThroughLSN uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	for i, start := range w.segmentStarts {
		isLast := i == len(w.segmentStarts)-1
		var segmentMaxBound uint64
		if isLast {
			segmentMaxBound = w.nextLSN.Load()
		} else {
			segmentMaxBound = w.segmentStarts[i+1]
		}
		isActive := w.activeSegment != nil && w.activeSegment.startLSN == start

		if segmentMaxBound <= flushedThroughLSN && !isActive {
			path := filepath.Join(w.dir, formatSegmentFileName(start))
			if err := sys.Remove(path); err != nil {
				w.logger.Error("failed to purge WAL segment", "path", path, "error", err)
				remaining = append(remaining, start)
				continue
			}
			purged++
		} else {
			remaining = append(remaining, start)
		}
	}
	w.segmentStarts = remaining
	if purged > 0 {
		w.logger.Info("purged WAL segments", "count", purged, "up_to_lsn", flushedThroughLSN)
	}
	return nil
}

// Path returns the WAL directory.
func (w *WAL) Path() string { return w.dir }

// openForAppend always starts a fresh segment: reusing the newest segment
// after replay risks appending past a truncated torn tail with an
// inconsistent bufio.Writer state. Rotating once more is safer and
// simpler; the now-sealed segment is still replayed on the next open.
func (w *WAL) openForAppend() error {
	return w.rotateLocked()
}

// recover reads every known segment in LSN order, verifying each frame's
// CRC. The first torn or corrupt record found at the tail of the newest
// segment is truncated away; the same condition in an earlier segment is
// reported as a fatal error, since only the newest segment should ever
// have been open for writing at crash time.
func (w *WAL) recover() ([]core.Record, error) {
	var all []core.Record
	for i, start := range w.segmentStarts {
		isNewest := i == len(w.segmentStarts)-1
		path := filepath.Join(w.dir, formatSegmentFileName(start))

		recs, offset, err := recoverSegment(path)
		all = append(all, recs...)

		if err == nil {
			continue
		}
		if err == io.EOF {
			continue
		}

		if isNewest {
			w.logger.Warn("truncating torn tail record in newest WAL segment", "path", path, "offset", offset, "error", err)
			if truncErr := Truncate(path, offset); truncErr != nil {
				return all, core.NewError(core.KindIO, "wal.recover", truncErr)
			}
			continue
		}

		return all, core.NewError(core.KindCorruption, "wal.recover", fmt.Errorf("segment %s: %w", path, err))
	}
	return all, nil
}

// recoverSegment reads every valid record from one segment file, returning
// the offset at which reading stopped (useful for truncation on error).
func recoverSegment(path string) ([]core.Record, int64, error) {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer reader.Close()

	var records []core.Record
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			return records, reader.Offset(), err
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return records, reader.Offset(), core.NewError(core.KindCorruption, "wal.recoverSegment", err)
		}
		records = append(records, *rec)
	}
}
