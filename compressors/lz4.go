package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/tstore/core"
	lz4 "github.com/pierrec/lz4/v4"
)

const (
	lz4ModeStored     byte = 0
	lz4ModeCompressed byte = 1
)

// LZ4Compressor uses the lz4 block format. The block format records neither
// the decoded length nor whether the input was compressible, so each output
// starts with a mode byte and the decoded length as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var hdr [1 + binary.MaxVarintLen64]byte
	block := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(src) {
		hdr[0] = lz4ModeStored
		dst.Write(hdr[:1+binary.PutUvarint(hdr[1:], uint64(len(src)))])
		dst.Write(src)
		return nil
	}
	hdr[0] = lz4ModeCompressed
	dst.Write(hdr[:1+binary.PutUvarint(hdr[1:], uint64(len(src)))])
	dst.Write(block[:n])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("lz4 decompress error: block too short")
	}
	mode := data[0]
	size, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: bad length prefix")
	}
	payload := data[1+n:]
	switch mode {
	case lz4ModeStored:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("lz4 decompress error: stored block has %d bytes, want %d", len(payload), size)
		}
		return io.NopCloser(bytes.NewReader(payload)), nil
	case lz4ModeCompressed:
		decoded := make([]byte, size)
		m, err := lz4.UncompressBlock(payload, decoded)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(m) != size {
			return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", m, size)
		}
		return io.NopCloser(bytes.NewReader(decoded)), nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block mode %d", mode)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
