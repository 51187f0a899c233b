// Package codec implements the length-prefixed, CRC32C-checked record
// framing shared by the WAL and data-file formats.
package codec

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/clawstore/clawstore/core"
)

// castagnoli is the CRC32C polynomial table required by the on-disk formats.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

const headerSize = 4 + core.ChecksumSize // len:u32 | crc32c:u32

// MaxFrameLen bounds a single frame's payload to guard against a corrupt
// length field causing an unbounded allocation during replay.
const MaxFrameLen = 64 * 1024 * 1024

// WriteFrame writes one payload as len:u32 | crc32c:u32 | payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], Checksum(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame from r and returns its payload.
//
// A short read at the very start of the frame (no bytes at all, or fewer
// than headerSize bytes) is reported as io.EOF: callers use this to detect
// the logical end of a file. A short read in the middle of a frame, or a
// CRC mismatch, is reported as core.Corruption: it indicates a torn or
// damaged record rather than a clean end of stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, core.NewError(core.KindCorruption, "codec.ReadFrame", io.ErrUnexpectedEOF)
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	if length > MaxFrameLen {
		return nil, core.NewError(core.KindCorruption, "codec.ReadFrame", io.ErrUnexpectedEOF)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, core.NewError(core.KindCorruption, "codec.ReadFrame", err)
	}

	if got := Checksum(payload); got != wantCRC {
		return nil, core.NewError(core.KindCorruption, "codec.ReadFrame", io.ErrUnexpectedEOF)
	}
	return payload, nil
}

// FrameSize returns the number of bytes WriteFrame would write for a
// payload of length n.
func FrameSize(n int) int64 {
	return int64(headerSize + n)
}
