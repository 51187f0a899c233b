package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clawstore/clawstore/codec"
	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/sys"
)

const (
	segmentFileSuffix = ".wal"
	// DefaultMaxSegmentBytes is the default rotation threshold for a WAL segment file.
	DefaultMaxSegmentBytes = 128 * 1024 * 1024
)

// Segment is a single WAL segment file, named by the LSN of its first record.
type Segment struct {
	file     sys.FileHandle
	path     string
	startLSN uint64
}

// SegmentWriter appends frames to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
}

// SegmentReader reads frames from a segment, in order, tracking the byte
// offset consumed so a torn tail record can be truncated precisely.
type SegmentReader struct {
	*Segment
	file   sys.FileHandle
	reader *countingReader
}

func formatSegmentFileName(startLSN uint64) string {
	return fmt.Sprintf("%016x%s", startLSN, segmentFileSuffix)
}

func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("%q is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, segmentFileSuffix)
	return strconv.ParseUint(name, 16, 64)
}

// CreateSegment creates a new segment file starting at startLSN.
func CreateSegment(dir string, startLSN uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(startLSN))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create WAL segment %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagic, core.CompressionNone)
	if err := header.WriteTo(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("write WAL segment header %s: %w", path, err)
	}

	seg := &Segment{file: file, path: path, startLSN: startLSN}
	return &SegmentWriter{Segment: seg, writer: bufio.NewWriter(file)}, nil
}

// OpenSegmentForRead opens an existing segment for sequential reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL segment %s: %w", path, err)
	}

	var header core.FileHeader
	hdrN, err := header.ReadFrom(file)
	if err != nil {
		file.Close()
		return nil, core.NewError(core.KindIO, "wal.OpenSegmentForRead", fmt.Errorf("read header of %s: %w", path, err))
	}
	if header.Magic != core.WALMagic {
		file.Close()
		return nil, core.NewError(core.KindCorruption, "wal.OpenSegmentForRead", fmt.Errorf("bad magic in %s: got %x want %x", path, header.Magic, core.WALMagic))
	}

	startLSN, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("parse segment name %s: %w", path, err)
	}

	seg := &Segment{file: file, path: path, startLSN: startLSN}
	return &SegmentReader{
		Segment: seg,
		file:    file,
		reader:  newCountingReader(file, hdrN),
	}, nil
}

// WriteFrame appends one length-prefixed, CRC32C-checked frame.
func (sw *SegmentWriter) WriteFrame(payload []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return codec.WriteFrame(sw.writer, payload)
}

// ReadFrame reads the next frame. io.EOF signals a clean end of segment;
// core.Corruption signals a torn or damaged record at the current offset,
// whose byte Offset() is available for truncation.
func (sr *SegmentReader) ReadFrame() ([]byte, error) {
	return codec.ReadFrame(sr.reader)
}

// Offset returns the number of bytes consumed from the segment so far,
// i.e. the offset at which the next frame begins (or would have begun).
func (sr *SegmentReader) Offset() int64 {
	return sr.reader.n
}

// Sync flushes buffered writes and fsyncs the underlying file.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Flush flushes buffered writes without forcing an fsync.
func (sw *SegmentWriter) Flush() error {
	return sw.writer.Flush()
}

// Close flushes, syncs, and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	syncErr := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Size returns the current size of the segment file.
func (s *Segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Truncate cuts the segment file down to offset bytes, discarding a torn
// tail record found during replay.
func Truncate(path string, offset int64) error {
	return os.Truncate(path, offset)
}
