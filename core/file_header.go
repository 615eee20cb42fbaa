package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is the fixed header at the start of every key and value file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// FileHeaderSize is the encoded size of a FileHeader.
const FileHeaderSize = 4 + 1 + 8 + 1

func (h *FileHeader) Size() int {
	return FileHeaderSize
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

// WriteTo encodes the header in little endian.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return 0, err
	}
	return FileHeaderSize, nil
}

// ReadFileHeader decodes a header and checks its magic number and version.
func ReadFileHeader(r io.Reader, wantMagic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read file header: %w", err)
	}
	if h.Magic != wantMagic {
		return h, fmt.Errorf("bad magic number 0x%x, want 0x%x", h.Magic, wantMagic)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported format version %d", h.Version)
	}
	return h, nil
}
