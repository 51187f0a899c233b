// Package datafile implements ClawStore's immutable, sorted, block-based
// data file: the on-disk tier consulted by Get and Range when the index
// has no entry for a key, and the output of both the trickle flusher and
// the compactor.
package datafile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/clawstore/clawstore/codec"
	"github.com/clawstore/clawstore/core"
)

// blockHeaderSize is the compression-type flag (1 byte) plus CRC32C (4
// bytes) preceding each block's (possibly compressed) bytes.
const blockHeaderSize = 1 + core.ChecksumSize

// footerVersion is the data-file footer format version.
const footerVersion = uint16(core.FormatVersion)

// blockIndexEntry is one sparse block-index row: the first key of a block
// and the block's byte offset in the file.
type blockIndexEntry struct {
	offset   uint64
	firstKey []byte
}

// footer is the trailer described at the end of every data file:
//
//	magic:4 | version:2 | record_count:u32 | first_key_len:u32 | first_key |
//	last_key_len:u32 | last_key | block_index_count:u32 |
//	[block_offset:u64, first_key_len:u32, first_key]* | footer_crc:u32 | footer_len:u32
type footer struct {
	recordCount uint32
	firstKey    []byte
	lastKey     []byte
	blockIndex  []blockIndexEntry
}

// marshal serializes the footer, appending its own CRC and length so a
// reader can locate and validate it from the end of the file.
func (f *footer) marshal() []byte {
	var buf bytes.Buffer

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], core.DataFileMagic)
	buf.Write(u32[:])

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], footerVersion)
	buf.Write(u16[:])

	binary.LittleEndian.PutUint32(u32[:], f.recordCount)
	buf.Write(u32[:])

	writeLenPrefixed(&buf, f.firstKey)
	writeLenPrefixed(&buf, f.lastKey)

	binary.LittleEndian.PutUint32(u32[:], uint32(len(f.blockIndex)))
	buf.Write(u32[:])

	var u64 [8]byte
	for _, e := range f.blockIndex {
		binary.LittleEndian.PutUint64(u64[:], e.offset)
		buf.Write(u64[:])
		writeLenPrefixed(&buf, e.firstKey)
	}

	body := buf.Bytes()
	crc := codec.Checksum(body)

	var trailer [8]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc)
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(body)))

	return append(body, trailer[:]...)
}

// unmarshalFooter parses and CRC-validates a footer previously produced by marshal.
func unmarshalFooter(data []byte) (*footer, error) {
	if len(data) < 8 {
		return nil, core.NewError(core.KindCorruption, "datafile.unmarshalFooter", fmt.Errorf("footer too short"))
	}
	body := data[:len(data)-8]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-8 : len(data)-4])

	if got := codec.Checksum(body); got != wantCRC {
		return nil, core.NewError(core.KindCorruption, "datafile.unmarshalFooter", fmt.Errorf("footer CRC mismatch"))
	}

	r := bytes.NewReader(body)
	var u32 [4]byte
	if _, err := ioReadFull(r, u32[:]); err != nil {
		return nil, corrupt("read magic", err)
	}
	magic := binary.LittleEndian.Uint32(u32[:])
	if magic != core.DataFileMagic {
		return nil, core.NewError(core.KindCorruption, "datafile.unmarshalFooter", fmt.Errorf("bad magic: got %x want %x", magic, core.DataFileMagic))
	}

	var u16 [2]byte
	if _, err := ioReadFull(r, u16[:]); err != nil {
		return nil, corrupt("read version", err)
	}

	if _, err := ioReadFull(r, u32[:]); err != nil {
		return nil, corrupt("read record count", err)
	}
	f := &footer{recordCount: binary.LittleEndian.Uint32(u32[:])}

	var err error
	f.firstKey, err = readLenPrefixed(r)
	if err != nil {
		return nil, corrupt("read first key", err)
	}
	f.lastKey, err = readLenPrefixed(r)
	if err != nil {
		return nil, corrupt("read last key", err)
	}

	if _, err := ioReadFull(r, u32[:]); err != nil {
		return nil, corrupt("read block index count", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])

	f.blockIndex = make([]blockIndexEntry, count)
	var u64 [8]byte
	for i := uint32(0); i < count; i++ {
		if _, err := ioReadFull(r, u64[:]); err != nil {
			return nil, corrupt("read block offset", err)
		}
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, corrupt("read block first key", err)
		}
		f.blockIndex[i] = blockIndexEntry{offset: binary.LittleEndian.Uint64(u64[:]), firstKey: key}
	}

	return f, nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(data)))
	buf.Write(u32[:])
	buf.Write(data)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var u32 [4]byte
	if _, err := ioReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(u32[:])
	data := make([]byte, n)
	if _, err := ioReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func ioReadFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func corrupt(op string, err error) error {
	return core.NewError(core.KindCorruption, "datafile.unmarshalFooter", fmt.Errorf("%s: %w", op, err))
}
