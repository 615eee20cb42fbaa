package compressors

import (
	"fmt"

	"github.com/INLOpen/tstore/core"
)

var sharedZstd = NewZstdCompressor()

// ForType returns the compressor that reads and writes blocks of the given type.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return &SnappyCompressor{}, nil
	case core.CompressionLZ4:
		return &LZ4Compressor{}, nil
	case core.CompressionZSTD:
		return sharedZstd, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}

// ForName resolves a config name such as "zstd".
func ForName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(ct)
}
