package datafile

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/clawstore/clawstore/codec"
	"github.com/clawstore/clawstore/compressors"
	"github.com/clawstore/clawstore/core"
	"github.com/clawstore/clawstore/index"
	"github.com/clawstore/clawstore/sys"
)

var readerTracer = otel.Tracer("github.com/clawstore/clawstore/datafile")

// record is one decoded (key, state, value) entry read out of a block.
type record struct {
	Key   []byte
	State index.State
	Value []byte
}

// Reader provides point lookups and range scans over one immutable data
// file, loading only its footer and sparse block index eagerly.
type Reader struct {
	path   string
	file   sys.FileHandle
	footer *footer
}

// Open loads and validates path's footer. Block contents are read lazily,
// on demand, per lookup or scan.
func Open(path string) (*Reader, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, core.NewError(core.KindIO, "datafile.Open", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, core.NewError(core.KindIO, "datafile.Open", err)
	}
	size := stat.Size()
	if size < 8 {
		file.Close()
		return nil, core.NewError(core.KindCorruption, "datafile.Open", fmt.Errorf("%s too small to contain a footer", path))
	}

	var lenBuf [4]byte
	if _, err := file.ReadAt(lenBuf[:], size-4); err != nil {
		file.Close()
		return nil, core.NewError(core.KindIO, "datafile.Open", err)
	}
	footerLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	footerSection := footerLen + 8
	if footerSection > size {
		file.Close()
		return nil, core.NewError(core.KindCorruption, "datafile.Open", fmt.Errorf("%s: footer length %d exceeds file size %d", path, footerSection, size))
	}

	buf := make([]byte, footerSection)
	if _, err := file.ReadAt(buf, size-footerSection); err != nil {
		file.Close()
		return nil, core.NewError(core.KindIO, "datafile.Open", err)
	}

	ft, err := unmarshalFooter(buf)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Reader{path: path, file: file, footer: ft}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Path returns the path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// FirstKey and LastKey bound this file's key range, used to skip files
// that cannot possibly contain a requested key or range.
func (r *Reader) FirstKey() []byte { return r.footer.firstKey }
func (r *Reader) LastKey() []byte  { return r.footer.lastKey }

// RecordCount returns the number of entries (including tombstones) in the file.
func (r *Reader) RecordCount() uint32 { return r.footer.recordCount }

// Get looks up key, returning the decoded record if present in this file.
func (r *Reader) Get(ctx context.Context, key []byte) (record, bool, error) {
	_, span := readerTracer.Start(ctx, "datafile.Reader.Get")
	defer span.End()

	if bytes.Compare(key, r.footer.firstKey) < 0 || bytes.Compare(key, r.footer.lastKey) > 0 {
		return record{}, false, nil
	}

	blk := r.blockContaining(key)
	if blk < 0 {
		return record{}, false, nil
	}

	recs, err := r.readBlock(blk)
	if err != nil {
		return record{}, false, err
	}

	for _, rec := range recs {
		if bytes.Equal(rec.Key, key) {
			return rec, true, nil
		}
	}
	return record{}, false, nil
}

// Scan returns every record in this file with a key in the half-open
// range [lo, hi). A nil hi means "no upper bound".
func (r *Reader) Scan(ctx context.Context, lo, hi []byte) ([]record, error) {
	_, span := readerTracer.Start(ctx, "datafile.Reader.Scan")
	defer span.End()

	var out []record
	for i := range r.footer.blockIndex {
		if hi != nil && bytes.Compare(r.footer.blockIndex[i].firstKey, hi) >= 0 {
			break
		}
		if i+1 < len(r.footer.blockIndex) && bytes.Compare(r.footer.blockIndex[i+1].firstKey, lo) <= 0 {
			continue
		}
		recs, err := r.readBlock(i)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if bytes.Compare(rec.Key, lo) < 0 {
				continue
			}
			if hi != nil && bytes.Compare(rec.Key, hi) >= 0 {
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// blockContaining returns the index of the block whose key range may
// contain key (the last block index entry with firstKey <= key), or -1.
func (r *Reader) blockContaining(key []byte) int {
	idx := sort.Search(len(r.footer.blockIndex), func(i int) bool {
		return bytes.Compare(r.footer.blockIndex[i].firstKey, key) > 0
	})
	if idx == 0 {
		return -1
	}
	return idx - 1
}

// readBlock reads, decompresses, and decodes block i into its records.
func (r *Reader) readBlock(i int) ([]record, error) {
	entry := r.footer.blockIndex[i]

	var blockLen int64
	if i+1 < len(r.footer.blockIndex) {
		blockLen = int64(r.footer.blockIndex[i+1].offset) - int64(entry.offset)
	} else {
		// Last block: bounded by where the footer section begins.
		stat, err := r.file.Stat()
		if err != nil {
			return nil, core.NewError(core.KindIO, "datafile.readBlock", err)
		}
		var lenBuf [4]byte
		if _, err := r.file.ReadAt(lenBuf[:], stat.Size()-4); err != nil {
			return nil, core.NewError(core.KindIO, "datafile.readBlock", err)
		}
		footerSection := int64(binary.LittleEndian.Uint32(lenBuf[:])) + 8
		blockLen = stat.Size() - footerSection - int64(entry.offset)
	}

	raw := make([]byte, blockLen)
	if _, err := r.file.ReadAt(raw, int64(entry.offset)); err != nil && err != io.EOF {
		return nil, core.NewError(core.KindIO, "datafile.readBlock", err)
	}
	if len(raw) < blockHeaderSize {
		return nil, core.NewError(core.KindCorruption, "datafile.readBlock", fmt.Errorf("block %d shorter than its header", i))
	}

	compType := core.CompressionType(raw[0])
	wantCRC := binary.LittleEndian.Uint32(raw[1:blockHeaderSize])
	payload := raw[blockHeaderSize:]

	if got := codec.Checksum(payload); got != wantCRC {
		return nil, core.NewError(core.KindCorruption, "datafile.readBlock", fmt.Errorf("block %d CRC mismatch", i))
	}

	comp, err := compressors.ForType(compType)
	if err != nil {
		return nil, core.NewError(core.KindCorruption, "datafile.readBlock", err)
	}
	rc, err := comp.Decompress(payload)
	if err != nil {
		return nil, core.NewError(core.KindCorruption, "datafile.readBlock", err)
	}
	defer rc.Close()

	raw, err = io.ReadAll(rc)
	if err != nil {
		return nil, core.NewError(core.KindCorruption, "datafile.readBlock", err)
	}

	return decodeBlock(raw)
}

func decodeBlock(raw []byte) ([]record, error) {
	var out []record
	buf := bytes.NewReader(raw)
	for buf.Len() > 0 {
		key, err := readLenPrefixed(buf)
		if err != nil {
			return nil, core.NewError(core.KindCorruption, "datafile.decodeBlock", err)
		}
		state, err := buf.ReadByte()
		if err != nil {
			return nil, core.NewError(core.KindCorruption, "datafile.decodeBlock", err)
		}
		value, err := readLenPrefixed(buf)
		if err != nil {
			return nil, core.NewError(core.KindCorruption, "datafile.decodeBlock", err)
		}
		out = append(out, record{Key: key, State: index.State(state), Value: value})
	}
	return out, nil
}
