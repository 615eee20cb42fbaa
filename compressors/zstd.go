package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/tstore/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor shares one encoder and one decoder. EncodeAll and DecodeAll
// are safe for concurrent use.
type ZstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	if err := c.init(); err != nil {
		return fmt.Errorf("zstd init error: %w", err)
	}
	dst.Reset()
	dst.Write(c.encoder.EncodeAll(src, nil))
	return nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	decoded, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return io.NopCloser(bytes.NewReader(decoded)), nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
