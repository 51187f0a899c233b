// Package trickle implements the background worker that drains dirty
// index entries into new, immutable data files at a configurable cadence,
// the mechanism behind ClawStore's "trickle" durability tier.
package trickle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/datafile"
	"github.com/clawstore/clawstore/hooks"
	"github.com/clawstore/clawstore/index"
)

// initialRetryDelay and maxRetryDelay bound the exponential backoff applied
// after a failed flush pass, mirroring the retry policy a memtable flush
// failure gets in the foreground write path.
const (
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 30 * time.Second

	// diskFullThresholdPercent is the used-space percentage above which a
	// trickle pass is skipped rather than attempted, giving the operator
	// room to free space before a file half-written to a full disk would
	// need to be discarded anyway.
	diskFullThresholdPercent = 98.0

	// blockEntryOverhead approximates the per-record encoding overhead
	// (length prefixes and a state byte) datafile.Writer.Add adds on top
	// of the raw key/value bytes, for sizing a preallocation hint.
	blockEntryOverhead = 9
)

// WAL is the subset of *wal.WAL the trickle loop depends on.
type WAL interface {
	NextLSN() uint64
	Purge(flushedThroughLSN uint64) error
}

// Publisher registers a newly written data file with the engine's live
// file set. The engine implements this; trickle never touches the file
// set directly so the two packages can evolve independently.
type Publisher interface {
	PublishDataFile(table string, path string) error
	NextFileID() uint64
}

// Options configures a Worker.
type Options struct {
	DataDir             string
	Index               *index.Index
	WAL                 WAL
	Publisher           Publisher
	Compressor          core.Compressor
	Interval            time.Duration
	DirtyBytesThreshold int64
	Logger              *slog.Logger
	HookManager         hooks.HookManager
}

// Worker runs the single-threaded trickle loop for one engine instance.
type Worker struct {
	opts      Options
	logger    *slog.Logger
	flushNow  chan chan error
	retryWait time.Duration
}

var tracer = otel.Tracer("github.com/clawstore/clawstore/trickle")

// New creates a Worker. Call Run in its own goroutine to start the loop.
func New(opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		opts:     opts,
		logger:   logger.With("component", "trickle"),
		flushNow: make(chan chan error),
	}
}

// Run drives the periodic flush loop until ctx is cancelled. It always
// returns nil; a cancelled context is a normal shutdown, not an error.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info("trickle loop started", "interval", w.opts.Interval)
	defer w.logger.Info("trickle loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil

		case reply := <-w.flushNow:
			reply <- w.passWithRetry(ctx)

		case <-ticker.C:
			if w.opts.DirtyBytesThreshold > 0 && w.opts.Index.DirtyBytes() < w.opts.DirtyBytesThreshold {
				continue
			}
			if err := w.passWithRetry(ctx); err != nil {
				w.logger.Error("trickle pass failed after retries, will try again next tick", "error", err)
			}
		}
	}
}

// FlushNow requests an immediate, synchronous pass and waits for it to
// complete, for use by the engine's flush_now() operation and by tests.
func (w *Worker) FlushNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.flushNow <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// passWithRetry runs one flush pass, retrying with exponential backoff on
// failure. It gives up and returns the last error once ctx is done.
func (w *Worker) passWithRetry(ctx context.Context) error {
	delay := initialRetryDelay
	for {
		err := w.pass(ctx)
		if err == nil {
			w.retryWait = 0
			return nil
		}

		w.logger.Warn("trickle pass failed, backing off", "next_delay", delay.String(), "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// pass executes one full trickle pass per spec §4.6: snapshot the max LSN
// and per-table dirty sets, write one data file per non-empty table,
// publish, clear dirty bits that have not advanced, then permit WAL
// truncation up to the snapshot LSN.
func (w *Worker) pass(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "trickle.Worker.pass")
	defer span.End()

	if full, pct := w.diskNearlyFull(); full {
		w.logger.Warn("disk nearly full, skipping trickle pass", "used_percent", pct)
		span.SetStatus(codes.Error, "disk nearly full")
		return nil
	}

	snapshotLSN := w.opts.WAL.NextLSN()
	if snapshotLSN > 0 {
		snapshotLSN--
	}
	span.SetAttributes(attribute.Int64("trickle.snapshot_lsn", int64(snapshotLSN)))

	tables := w.opts.Index.Tables()
	flushedAny := false

	for _, table := range tables {
		entries := w.opts.Index.DirtySnapshot(table, snapshotLSN)
		if len(entries) == 0 {
			continue
		}

		if err := w.flushTable(ctx, table, entries, snapshotLSN); err != nil {
			span.RecordError(err)
			return fmt.Errorf("flush table %q: %w", table, err)
		}
		flushedAny = true
	}

	if flushedAny {
		if err := w.opts.WAL.Purge(snapshotLSN); err != nil {
			w.logger.Error("WAL purge after trickle pass failed", "through_lsn", snapshotLSN, "error", err)
		}
	}

	return nil
}

func (w *Worker) flushTable(ctx context.Context, table string, entries []index.Entry, snapshotLSN uint64) error {
	start := time.Now()
	dir := filepath.Join(w.opts.DataDir, "data", table)
	fileID := w.opts.Publisher.NextFileID()

	fw, err := datafile.NewWriter(dir, fileID, w.opts.Compressor, estimateFileSize(entries))
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := fw.Add(e.Key, e.State, e.Value); err != nil {
			fw.Abort()
			return err
		}
	}

	path, err := fw.Finish(ctx)
	if err != nil {
		return err
	}

	if err := w.opts.Publisher.PublishDataFile(table, path); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}

	for _, e := range entries {
		w.opts.Index.ClearDirtyIfUnchanged(table, e.Key, e.LSN)
	}

	w.opts.HookManager.Trigger(ctx, hooks.NewPostTrickleCompleteEvent(hooks.TrickleCompletePayload{
		Table:          table,
		FlushedThrough: snapshotLSN,
		EntriesWritten: len(entries),
		Duration:       time.Since(start),
	}))

	w.logger.Info("trickle flushed table", "table", table, "file", path, "records", len(entries))
	return nil
}

// estimateFileSize sums the raw key/value bytes a batch of entries will
// contribute to a data file, giving NewWriter a preallocation hint so the
// filesystem can lay out the file in one extent instead of growing it one
// block at a time.
func estimateFileSize(entries []index.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += int64(len(e.Key)) + int64(len(e.Value)) + blockEntryOverhead
	}
	return total
}

// diskNearlyFull reports whether the configured data directory's
// filesystem is too full to safely start a new trickle pass.
func (w *Worker) diskNearlyFull() (bool, float64) {
	usage, err := disk.Usage(w.opts.DataDir)
	if err != nil {
		// Unable to sample usage (e.g. path does not exist yet): proceed
		// rather than block the engine on a monitoring failure.
		return false, 0
	}
	return usage.UsedPercent >= diskFullThresholdPercent, usage.UsedPercent
}
