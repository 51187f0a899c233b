package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
	// Add other types as needed
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

const (
	SeqNumSize   = 8 // uint64 LSN
	ChecksumSize = 4 // uint32 CRC32C checksum
)

// FormatVersion is the on-disk format version written into every file header.
const FormatVersion = 1

// Magic numbers distinguishing on-disk file kinds.
const (
	WALMagic      uint32 = 0x43574157 // "CWAW"
	DataFileMagic uint32 = 0x43574446 // "CWDF"
)

// Default size limits, overridable via config.Config.
const (
	DefaultMaxKeyBytes   = 64 * 1024
	DefaultMaxValueBytes = 16 * 1024 * 1024
	MaxTableNameBytes    = 32
)
