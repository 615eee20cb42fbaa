package sstable

import "errors"

// Key file layout:
//
//	FileHeader
//	records   repeated {uvarint keyLen, key, uvarint version, kind byte,
//	          uvarint blockOffset, uvarint inBlockOffset, uvarint valueLen}
//	bloom     serialized BloomFilter
//	footer    fixed size, see FooterSize
//	magic     core.KeyFileMagicString
//
// Value file layout:
//
//	FileHeader
//	blocks    repeated {compression byte, crc32 uint32, length uint32, payload}
const (
	// BlockHeaderSize is compression flag + checksum + payload length.
	BlockHeaderSize = 1 + 4 + 4

	// FooterSize covers: records offset/len, bloom offset/len, entry count,
	// tombstone count, min/max version, records checksum.
	FooterSize = 8 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 4
)

// DefaultBlockSize specifies the target uncompressed size of value blocks.
const DefaultBlockSize = 16 * 1024

// DefaultBloomFilterFPRate is used when the writer options leave it unset.
const DefaultBloomFilterFPRate = 0.01

var (
	// ErrCorrupted is returned when a checksum, magic number or length does not match.
	ErrCorrupted = errors.New("checkpoint file data is corrupted")
	// ErrClosed is returned by reads on a closed reader.
	ErrClosed = errors.New("checkpoint file reader is closed")
	// ErrOutOfOrder is returned by Add when keys are not strictly increasing.
	ErrOutOfOrder = errors.New("keys must be added in strictly increasing order")
)
