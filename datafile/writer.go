package datafile

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/clawstore/clawstore/codec"
	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/index"
	"github.com/clawstore/clawstore/sys"
)

// DefaultBlockSize is the uncompressed size threshold at which a block is
// flushed to the underlying file.
const DefaultBlockSize = 4 * 1024

var tracer = otel.Tracer("github.com/clawstore/clawstore/datafile")

// Writer builds one immutable, sorted data file. Entries must be added in
// strictly ascending key order; Writer does not sort on the caller's
// behalf, matching the contract of the trickle flusher and the
// compactor's merge cursor, both of which already produce sorted input.
type Writer struct {
	finalPath  string
	tmpPath    string
	file       sys.FileHandle
	compressor core.Compressor

	blockSize int
	block     bytes.Buffer
	blockFirstKey []byte

	offset      int64
	recordCount uint32
	firstKey    []byte
	lastKey     []byte
	blockIndex  []blockIndexEntry

	finished bool
}

// NewWriter creates a new data file under dir, writing to a temporary path
// until Finish renames it into place. The returned file's final name is
// not known until fileID is supplied to Finish's caller via Path().
//
// sizeHint, if given and positive, is a best-effort estimate of the
// finished file's size; the writer preallocates that much space up front
// so the filesystem can place the file in one extent instead of growing
// it one block at a time. A failed or unsupported preallocation is not an
// error: it is purely an optimization hint.
func NewWriter(dir string, fileID uint64, compressor core.Compressor, sizeHint ...int64) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, core.NewError(core.KindIO, "datafile.NewWriter", err)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("%016x.sst", fileID))
	tmpPath := finalPath + ".tmp"

	file, err := sys.Create(tmpPath)
	if err != nil {
		return nil, core.NewError(core.KindIO, "datafile.NewWriter", err)
	}

	if len(sizeHint) > 0 && sizeHint[0] > 0 {
		_ = sys.Preallocate(file, sizeHint[0])
	}

	return &Writer{
		finalPath:  finalPath,
		tmpPath:    tmpPath,
		file:       file,
		compressor: compressor,
		blockSize:  DefaultBlockSize,
	}, nil
}

// Path returns the path the file will have once Finish succeeds.
func (w *Writer) Path() string { return w.finalPath }

// Add appends one entry. Keys must arrive in strictly ascending order.
func (w *Writer) Add(key []byte, state index.State, value []byte) error {
	if w.blockFirstKey == nil {
		w.blockFirstKey = append([]byte(nil), key...)
	}

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(key)))
	w.block.Write(u32[:])
	w.block.Write(key)
	w.block.WriteByte(byte(state))
	if state == index.StatePresent {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(value)))
		w.block.Write(u32[:])
		w.block.Write(value)
	} else {
		binary.LittleEndian.PutUint32(u32[:], 0)
		w.block.Write(u32[:])
	}

	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), key...)
	}
	w.lastKey = append([]byte(nil), key...)
	w.recordCount++

	if w.block.Len() >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}

	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)

	if err := w.compressor.CompressTo(compressed, w.block.Bytes()); err != nil {
		return core.NewError(core.KindIO, "datafile.flushBlock", err)
	}

	crc := codec.Checksum(compressed.Bytes())

	header := make([]byte, blockHeaderSize)
	header[0] = byte(w.compressor.Type())
	binary.LittleEndian.PutUint32(header[1:], crc)

	if _, err := w.file.Write(header); err != nil {
		return core.NewError(core.KindIO, "datafile.flushBlock", err)
	}
	if _, err := w.file.Write(compressed.Bytes()); err != nil {
		return core.NewError(core.KindIO, "datafile.flushBlock", err)
	}

	w.blockIndex = append(w.blockIndex, blockIndexEntry{offset: uint64(w.offset), firstKey: w.blockFirstKey})
	w.offset += int64(blockHeaderSize + compressed.Len())

	w.block.Reset()
	w.blockFirstKey = nil
	return nil
}

// Finish flushes the final block, writes the footer, fsyncs, and
// atomically renames the file into place. It returns the final path.
func (w *Writer) Finish(ctx context.Context) (string, error) {
	_, span := tracer.Start(ctx, "datafile.Writer.Finish")
	defer span.End()

	if w.finished {
		return "", core.NewError(core.KindInvalidArgument, "datafile.Finish", fmt.Errorf("already finished"))
	}

	if err := w.flushBlock(); err != nil {
		w.Abort()
		return "", err
	}

	ft := &footer{
		recordCount: w.recordCount,
		firstKey:    w.firstKey,
		lastKey:     w.lastKey,
		blockIndex:  w.blockIndex,
	}
	if _, err := w.file.Write(ft.marshal()); err != nil {
		w.Abort()
		return "", core.NewError(core.KindIO, "datafile.Finish", err)
	}

	if err := w.file.Sync(); err != nil {
		w.Abort()
		return "", core.NewError(core.KindIO, "datafile.Finish", err)
	}
	if err := w.file.Close(); err != nil {
		return "", core.NewError(core.KindIO, "datafile.Finish", err)
	}
	w.finished = true

	// Best-effort handle release hint (a no-op on platforms other than
	// Windows, where a just-closed file handle can still block the
	// rename below until the runtime finalizes it).
	_ = sys.GC()

	// os.Rename can transiently fail on some platforms if the destination
	// is momentarily held open by an antivirus scanner or a reader that
	// just finished Stat-ing it; a short retry avoids surfacing a spurious
	// failure for what is ultimately a single atomic publish.
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = os.Rename(w.tmpPath, w.finalPath); err == nil {
			return w.finalPath, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", core.NewError(core.KindIO, "datafile.Finish", fmt.Errorf("rename %s to %s: %w", w.tmpPath, w.finalPath, err))
}

// Abort discards the in-progress file, removing the temporary file.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
		_ = sys.GC()
	}
	return sys.Remove(w.tmpPath)
}
