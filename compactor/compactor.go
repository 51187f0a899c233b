// Package compactor implements the background worker that merges
// overlapping data files of one table into a single file, reclaiming
// space held by superseded values and eliminated tombstones.
package compactor

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/datafile"
	"github.com/clawstore/clawstore/hooks"
	"github.com/clawstore/clawstore/index"
)

var tracer = otel.Tracer("github.com/clawstore/clawstore/compactor")

// FileMeta describes one live data file as known to the engine's file set.
type FileMeta struct {
	ID       uint64
	Path     string
	RecordCount uint32
	TombstoneCount uint32
}

// FileSet is the subset of the engine's file-set bookkeeping the compactor
// needs to decide what to merge.
type FileSet interface {
	// FilesForTable returns the live files of table, oldest first.
	FilesForTable(table string) []FileMeta
	// Tables returns the set of tables with at least one live data file.
	Tables() []string
}

// Publisher registers the compacted output file and removes the inputs
// once it is safely durable, in that order (§4.7: "publish new, then
// unlink old").
type Publisher interface {
	NextFileID() uint64
	PublishDataFile(table string, path string) error
	UnlinkDataFile(table string, fileID uint64) error
}

// Options configures a Compactor.
type Options struct {
	DataDir                string
	Files                  FileSet
	Publisher              Publisher
	Compressor             core.Compressor
	Interval               time.Duration
	FileCountThreshold     int
	DeadRatioThreshold     float64
	Logger                 *slog.Logger
	HookManager            hooks.HookManager
}

// Compactor runs the background compaction loop for one engine instance.
type Compactor struct {
	opts       Options
	logger     *slog.Logger
	compactNow chan chan error
}

// New creates a Compactor. Call Run in its own goroutine to start the loop.
func New(opts Options) *Compactor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.FileCountThreshold <= 0 {
		opts.FileCountThreshold = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		opts:       opts,
		logger:     logger.With("component", "compactor"),
		compactNow: make(chan chan error),
	}
}

// Run drives the periodic compaction check loop until ctx is cancelled.
func (c *Compactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.logger.Info("compaction loop started", "interval", c.opts.Interval)
	defer c.logger.Info("compaction loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil

		case reply := <-c.compactNow:
			reply <- c.cycle(ctx)

		case <-ticker.C:
			if err := c.cycle(ctx); err != nil {
				c.logger.Error("compaction cycle failed", "error", err)
			}
		}
	}
}

// RunNow requests an immediate, synchronous compaction cycle across every
// table that needs it, for use by tests and manual maintenance triggers.
func (c *Compactor) RunNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.compactNow <- reply:
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

// cycle checks every table with live data files and compacts those that
// exceed the configured thresholds.
func (c *Compactor) cycle(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "compactor.Compactor.cycle")
	defer span.End()

	var firstErr error
	for _, table := range c.opts.Files.Tables() {
		if !c.NeedsCompaction(table) {
			continue
		}
		if err := c.CompactTable(ctx, table); err != nil {
			span.RecordError(err)
			c.logger.Error("compacting table failed", "table", table, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NeedsCompaction reports whether table's file count or estimated dead-space
// ratio exceeds the configured thresholds.
func (c *Compactor) NeedsCompaction(table string) bool {
	files := c.opts.Files.FilesForTable(table)
	if len(files) < 2 {
		return false
	}
	if len(files) >= c.opts.FileCountThreshold {
		return true
	}
	if c.opts.DeadRatioThreshold <= 0 {
		return false
	}
	var total, dead uint32
	for _, f := range files {
		total += f.RecordCount
		dead += f.TombstoneCount
	}
	if total == 0 {
		return false
	}
	return float64(dead)/float64(total) >= c.opts.DeadRatioThreshold
}

// CompactTable merges every currently live file of table into one output
// file via a k-way ordered merge, keeping the newest record per key. Since
// ClawStore has no level hierarchy, the input set is always every live
// file of the table (see DESIGN.md), so a tombstone survives the merge
// only if it is the newest record for its key in this same pass — no file
// outside the input set can exist to still need it.
func (c *Compactor) CompactTable(ctx context.Context, table string) error {
	ctx, span := tracer.Start(ctx, "compactor.Compactor.CompactTable")
	defer span.End()

	inputs := c.opts.Files.FilesForTable(table)
	if len(inputs) < 2 {
		return nil
	}
	span.SetAttributes(attribute.Int("compaction.input_files", len(inputs)), attribute.String("compaction.table", table))

	c.opts.HookManager.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{
		Table:      table,
		InputFiles: idsOf(inputs),
	}))

	readers := make([]*datafile.Reader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, in := range inputs {
		r, err := datafile.Open(in.Path)
		if err != nil {
			span.SetStatus(codes.Error, "open input file failed")
			return fmt.Errorf("open %s: %w", in.Path, err)
		}
		readers = append(readers, r)
	}

	start := time.Now()
	outPath, outFileID, tombstonesDropped, err := c.mergeInto(ctx, table, inputs, readers)
	if err != nil {
		span.SetStatus(codes.Error, "merge failed")
		return err
	}
	if outPath == "" {
		// Everything merged away to nothing (all tombstones): nothing to
		// publish, but the inputs are still safe to unlink.
		return c.unlinkAll(ctx, table, inputs)
	}

	if err := c.opts.Publisher.PublishDataFile(table, outPath); err != nil {
		return fmt.Errorf("publish %s: %w", outPath, err)
	}

	if err := c.unlinkAll(ctx, table, inputs); err != nil {
		return err
	}

	c.opts.HookManager.Trigger(ctx, hooks.NewPostCompactionCompleteEvent(hooks.PostCompactionPayload{
		Table:             table,
		InputFiles:        idsOf(inputs),
		OutputFile:        outFileID,
		TombstonesDropped: tombstonesDropped,
		Duration:          time.Since(start),
	}))

	c.logger.Info("compacted table", "table", table, "input_files", len(inputs), "output", outPath, "tombstones_dropped", tombstonesDropped)
	return nil
}

func (c *Compactor) unlinkAll(ctx context.Context, table string, inputs []FileMeta) error {
	for _, in := range inputs {
		c.opts.HookManager.Trigger(ctx, hooks.NewPreDataFileUnlinkEvent(hooks.DataFilePayload{Table: table, ID: in.ID, Path: in.Path}))
		if err := c.opts.Publisher.UnlinkDataFile(table, in.ID); err != nil {
			c.logger.Error("failed to unlink compacted input file", "table", table, "file_id", in.ID, "error", err)
		}
	}
	return nil
}

func idsOf(files []FileMeta) []uint64 {
	ids := make([]uint64, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids
}

// mergeItem is one candidate entry in the k-way merge heap.
type mergeItem struct {
	key      []byte
	state    index.State
	value    []byte
	fileID   uint64 // higher fileID is newer; used to resolve duplicate keys
	fileIdx  int
	entryIdx int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].key, h[j].key)
	if c != 0 {
		return c < 0
	}
	// Same key from two files: newer file (higher id) sorts first so the
	// merge loop keeps it and discards the rest.
	return h[i].fileID > h[j].fileID
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// estimateMergedSize sums the on-disk size of every input file as a
// preallocation hint for the merged output. The real output is always
// smaller (superseded values and tombstones are dropped), so this is a
// safe upper bound rather than an exact figure.
func estimateMergedSize(inputs []FileMeta) int64 {
	var total int64
	for _, in := range inputs {
		if st, err := os.Stat(in.Path); err == nil {
			total += st.Size()
		}
	}
	return total
}

// mergeInto performs the k-way ordered merge of every reader's full
// contents, keeping the newest record per key and dropping tombstones
// (since the input set is always the table's complete live file set).
// It returns the output file's final path (empty if nothing survived), the
// output file's ID, and the number of tombstones dropped.
func (c *Compactor) mergeInto(ctx context.Context, table string, inputs []FileMeta, readers []*datafile.Reader) (string, uint64, int, error) {
	type fileEntries struct {
		fileID  uint64
		entries []datafileRecord
	}

	files := make([]fileEntries, len(readers))
	for i, r := range readers {
		scanned, err := r.Scan(ctx, nil, nil)
		if err != nil {
			return "", 0, 0, fmt.Errorf("scan %s: %w", inputs[i].Path, err)
		}
		entries := make([]datafileRecord, len(scanned))
		for j, rec := range scanned {
			entries[j] = datafileRecord{Key: rec.Key, State: rec.State, Value: rec.Value}
		}
		files[i] = fileEntries{fileID: inputs[i].ID, entries: entries}
	}

	h := &mergeHeap{}
	heap.Init(h)
	for fi, f := range files {
		if len(f.entries) > 0 {
			heap.Push(h, &mergeItem{key: f.entries[0].Key, state: f.entries[0].State, value: f.entries[0].Value, fileID: f.fileID, fileIdx: fi, entryIdx: 0})
		}
	}

	dir := filepath.Join(c.opts.DataDir, "data", table)
	fileID := c.opts.Publisher.NextFileID()
	w, err := datafile.NewWriter(dir, fileID, c.opts.Compressor, estimateMergedSize(inputs))
	if err != nil {
		return "", 0, 0, err
	}

	var wrote bool
	tombstonesDropped := 0

	for h.Len() > 0 {
		top := heap.Pop(h).(*mergeItem)

		// Advance that file's cursor and re-push its next entry.
		f := &files[top.fileIdx]
		if top.entryIdx+1 < len(f.entries) {
			next := f.entries[top.entryIdx+1]
			heap.Push(h, &mergeItem{key: next.Key, state: next.State, value: next.Value, fileID: top.fileID, fileIdx: top.fileIdx, entryIdx: top.entryIdx + 1})
		}

		// Discard any other pending entries for the same key: they are
		// from older files and superseded by top (heap ordering put the
		// newest fileID first for ties).
		for h.Len() > 0 && compareBytes((*h)[0].key, top.key) == 0 {
			dup := heap.Pop(h).(*mergeItem)
			df := &files[dup.fileIdx]
			if dup.entryIdx+1 < len(df.entries) {
				next := df.entries[dup.entryIdx+1]
				heap.Push(h, &mergeItem{key: next.Key, state: next.State, value: next.Value, fileID: dup.fileID, fileIdx: dup.fileIdx, entryIdx: dup.entryIdx + 1})
			}
		}

		if top.state == index.StateTombstone {
			tombstonesDropped++
			continue
		}

		if err := w.Add(top.key, top.state, top.value); err != nil {
			w.Abort()
			return "", 0, 0, err
		}
		wrote = true
	}

	if !wrote {
		w.Abort()
		return "", 0, tombstonesDropped, nil
	}

	path, err := w.Finish(ctx)
	if err != nil {
		return "", 0, 0, err
	}
	return path, fileID, tombstonesDropped, nil
}

// datafileRecord mirrors the unexported record type datafile.Reader.Scan
// returns, copied here since compactor only needs the three fields.
type datafileRecord struct {
	Key   []byte
	State index.State
	Value []byte
}
