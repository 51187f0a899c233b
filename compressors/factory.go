package compressors

import (
	"fmt"

	"github.com/clawstore/clawstore/core"
)

// ForType returns a Compressor for the given on-disk CompressionType. It is
// used by readers that must decompress a block without knowing in advance
// which algorithm wrote it, since each data-file block records its own
// CompressionType byte.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}
