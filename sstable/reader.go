package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/tstore/cache"
	"github.com/INLOpen/tstore/compressors"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/filter"
	"github.com/INLOpen/tstore/sys"
)

// Entry is one record of the key directory. The value itself stays in the
// value file until ReadValue is called.
type Entry struct {
	Key           []byte
	Version       uint64
	Kind          core.RecordKind
	BlockOffset   int64
	InBlockOffset uint32
	ValueLen      uint32
}

// IsTombstone reports whether the entry marks a deletion.
func (e *Entry) IsTombstone() bool { return e.Kind.IsTombstone() }

// ReaderOptions configures Open.
type ReaderOptions struct {
	ID        uint32
	KeyPath   string
	ValuePath string
	// BlockCache is shared between readers. Nil disables block caching.
	BlockCache cache.Interface
	Logger     *slog.Logger
}

// Reader serves point lookups and ordered scans over one file pair. The key
// directory is held in memory; the value file stays open for ReadAt.
type Reader struct {
	id      uint32
	logger  *slog.Logger
	valFile sys.FileHandle
	mu      sync.RWMutex
	closed  atomic.Bool

	entries    []Entry
	bloom      filter.Filter
	tombstones uint64
	minVersion uint64
	maxVersion uint64
	keySize    int64
	valueSize  int64
	blockCache cache.Interface
}

// Open loads the key directory of a file pair and keeps the value file open.
func Open(opts ReaderOptions) (r *Reader, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r = &Reader{
		id:         opts.ID,
		logger:     opts.Logger.With("component", "CheckpointReader", "file_id", opts.ID),
		blockCache: opts.BlockCache,
	}

	keyData, err := readWhole(opts.KeyPath)
	if err != nil {
		return nil, err
	}
	r.keySize = int64(len(keyData))
	if err := r.loadKeyFile(keyData); err != nil {
		return nil, fmt.Errorf("key file %s: %w", opts.KeyPath, err)
	}

	valFile, err := sys.Open(opts.ValuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open value file %s: %w", opts.ValuePath, err)
	}
	defer func() {
		if err != nil {
			valFile.Close()
		}
	}()
	if _, err = core.ReadFileHeader(valFile, core.ValueFileMagicNumber); err != nil {
		return nil, fmt.Errorf("value file %s: %w: %v", opts.ValuePath, ErrCorrupted, err)
	}
	stat, err := valFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat value file %s: %w", opts.ValuePath, err)
	}
	r.valueSize = stat.Size()
	r.valFile = valFile
	return r, nil
}

func readWhole(path string) ([]byte, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	return data, nil
}

func (r *Reader) loadKeyFile(data []byte) error {
	tail := FooterSize + len(core.KeyFileMagicString)
	if len(data) < core.FileHeaderSize+tail {
		return fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupted, len(data))
	}
	if _, err := core.ReadFileHeader(bytes.NewReader(data), core.KeyFileMagicNumber); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if string(data[len(data)-len(core.KeyFileMagicString):]) != core.KeyFileMagicString {
		return fmt.Errorf("%w: missing magic string", ErrCorrupted)
	}

	footer := data[len(data)-tail : len(data)-len(core.KeyFileMagicString)]
	recOff := binary.LittleEndian.Uint64(footer[0:8])
	recLen := binary.LittleEndian.Uint64(footer[8:16])
	bloomOff := binary.LittleEndian.Uint64(footer[16:24])
	bloomLen := uint64(binary.LittleEndian.Uint32(footer[24:28]))
	count := binary.LittleEndian.Uint64(footer[28:36])
	r.tombstones = binary.LittleEndian.Uint64(footer[36:44])
	r.minVersion = binary.LittleEndian.Uint64(footer[44:52])
	r.maxVersion = binary.LittleEndian.Uint64(footer[52:60])
	checksum := binary.LittleEndian.Uint32(footer[60:64])

	limit := uint64(len(data) - tail)
	if recOff+recLen > limit || bloomOff+bloomLen > limit {
		return fmt.Errorf("%w: footer offsets out of range", ErrCorrupted)
	}
	records := data[recOff : recOff+recLen]
	if crc32.ChecksumIEEE(records) != checksum {
		return fmt.Errorf("%w: key records checksum mismatch", ErrCorrupted)
	}
	bf, err := DeserializeBloomFilter(data[bloomOff : bloomOff+bloomLen])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	r.bloom = bf

	r.entries = make([]Entry, 0, count)
	for len(records) > 0 {
		var e Entry
		keyLen, n := binary.Uvarint(records)
		if n <= 0 || uint64(len(records)-n) < keyLen {
			return fmt.Errorf("%w: truncated key record", ErrCorrupted)
		}
		records = records[n:]
		e.Key = records[:keyLen:keyLen]
		records = records[keyLen:]

		var fields [5]uint64
		for i := range fields {
			if i == 1 {
				if len(records) == 0 {
					return fmt.Errorf("%w: truncated key record", ErrCorrupted)
				}
				fields[i] = uint64(records[0])
				records = records[1:]
				continue
			}
			v, n := binary.Uvarint(records)
			if n <= 0 {
				return fmt.Errorf("%w: truncated key record", ErrCorrupted)
			}
			fields[i] = v
			records = records[n:]
		}
		e.Version = fields[0]
		e.Kind = core.RecordKind(fields[1])
		if !e.Kind.IsValid() {
			return fmt.Errorf("%w: unknown record kind %d", ErrCorrupted, fields[1])
		}
		e.BlockOffset = int64(fields[2])
		e.InBlockOffset = uint32(fields[3])
		e.ValueLen = uint32(fields[4])
		r.entries = append(r.entries, e)
	}
	if uint64(len(r.entries)) != count {
		return fmt.Errorf("%w: footer announces %d entries, found %d", ErrCorrupted, count, len(r.entries))
	}
	return nil
}

// ID returns the file id.
func (r *Reader) ID() uint32 { return r.id }

// Len returns the number of records.
func (r *Reader) Len() int { return len(r.entries) }

// Tombstones returns the number of deletion records.
func (r *Reader) Tombstones() uint64 { return r.tombstones }

// VersionRange returns the lowest and highest version stored.
func (r *Reader) VersionRange() (uint64, uint64) { return r.minVersion, r.maxVersion }

// Size is the combined on-disk size of both files.
func (r *Reader) Size() int64 { return r.keySize + r.valueSize }

// Entries returns the key directory in key order. It must not be modified.
func (r *Reader) Entries() []Entry { return r.entries }

// Get looks a key up in the key directory.
func (r *Reader) Get(key []byte) (Entry, bool) {
	if !r.bloom.Contains(key) {
		return Entry{}, false
	}
	i := sort.Search(len(r.entries), func(i int) bool {
		return bytes.Compare(r.entries[i].Key, key) >= 0
	})
	if i < len(r.entries) && bytes.Equal(r.entries[i].Key, key) {
		return r.entries[i], true
	}
	return Entry{}, false
}

// ReadValue returns a copy of the entry's value. Tombstones have no value.
func (r *Reader) ReadValue(e Entry) ([]byte, error) {
	if e.IsTombstone() {
		return nil, nil
	}
	block, err := r.loadBlock(e.BlockOffset, true)
	if err != nil {
		return nil, err
	}
	return sliceValue(block, e)
}

// Item materializes an entry as a versioned item.
func (r *Reader) Item(e Entry) (*core.VersionedItem, error) {
	value, err := r.ReadValue(e)
	if err != nil {
		return nil, err
	}
	return &core.VersionedItem{Key: e.Key, Value: value, Version: e.Version, Kind: e.Kind}, nil
}

func sliceValue(block []byte, e Entry) ([]byte, error) {
	end := uint64(e.InBlockOffset) + uint64(e.ValueLen)
	if end > uint64(len(block)) {
		return nil, fmt.Errorf("%w: value of %q exceeds its block", ErrCorrupted, e.Key)
	}
	return append([]byte(nil), block[e.InBlockOffset:end]...), nil
}

// loadBlock reads and decodes the value block at off, going through the
// shared cache when useCache is set.
func (r *Reader) loadBlock(off int64, useCache bool) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	key := cache.BlockKey{FileID: r.id, Offset: off}
	if useCache && r.blockCache != nil {
		if block, ok := r.blockCache.Get(key); ok {
			return block, nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.valFile == nil {
		return nil, ErrClosed
	}

	var hdr [BlockHeaderSize]byte
	if _, err := r.valFile.ReadAt(hdr[:], off); err != nil {
		return nil, fmt.Errorf("%w: read block header at %d: %v", ErrCorrupted, off, err)
	}
	ct := core.CompressionType(hdr[0])
	checksum := binary.LittleEndian.Uint32(hdr[1:5])
	length := int64(binary.LittleEndian.Uint32(hdr[5:9]))
	if off+BlockHeaderSize+length > r.valueSize {
		return nil, fmt.Errorf("%w: block at %d overruns value file", ErrCorrupted, off)
	}

	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)
	payload.Grow(int(length))
	raw := payload.AvailableBuffer()[:length]
	if _, err := r.valFile.ReadAt(raw, off+BlockHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: read block at %d: %v", ErrCorrupted, off, err)
	}
	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, fmt.Errorf("%w: block checksum mismatch at %d", ErrCorrupted, off)
	}

	decompressor, err := compressors.ForType(ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	rc, err := decompressor.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress block at %d: %v", ErrCorrupted, off, err)
	}
	block, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: decompress block at %d: %v", ErrCorrupted, off, err)
	}

	if useCache && r.blockCache != nil {
		r.blockCache.Put(key, block)
	}
	return block, nil
}

// Close closes the value file. It is safe to call more than once.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blockCache != nil {
		r.blockCache.EvictFile(r.id)
	}
	if r.valFile == nil {
		return nil
	}
	err := r.valFile.Close()
	r.valFile = nil
	return err
}
