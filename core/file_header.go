package core

import (
	"encoding/binary"
	"io"
	"time"
)

// FileHeader is a standard header for all persistent log/index files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// WriteTo serializes the header to w in a fixed-width, little-endian layout.
func (h *FileHeader) WriteTo(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// ReadFrom reads a fixed-width header from r, returning the number of bytes consumed.
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return int64(h.Size()), nil
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}
