package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/sys"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	DataDir string
	ID      uint32
	// EstimatedKeys sizes the bloom filter. An underestimate only raises
	// the false positive rate.
	EstimatedKeys     uint64
	BloomFilterFPRate float64
	BlockSize         int
	Compressor        core.Compressor
	Logger            *slog.Logger
}

// Info describes a finished file pair.
type Info struct {
	ID         uint32
	KeyPath    string
	ValuePath  string
	KeySize    int64
	ValueSize  int64
	Entries    uint64
	Tombstones uint64
	MinVersion uint64
	MaxVersion uint64
}

// Size is the combined on-disk size of both files.
func (i *Info) Size() int64 { return i.KeySize + i.ValueSize }

// Writer builds one key file and one value file under temporary names.
// Finish publishes both under their final names; Abort removes them.
type Writer struct {
	opts     WriterOptions
	logger   *slog.Logger
	keyFile  sys.FileHandle
	valFile  sys.FileHandle
	keyTmp   string
	valTmp   string
	keyBuf   *bufio.Writer
	keyCRC   hash.Hash32
	keyOff   int64
	recStart int64
	valOff   int64

	block      bytes.Buffer
	blockStart int64

	bloom      *BloomFilter
	lastKey    []byte
	entries    uint64
	tombstones uint64
	minVersion uint64
	maxVersion uint64
	varint     [binary.MaxVarintLen64]byte
	done       bool
}

// NewWriter creates both temporary files and writes their headers.
func NewWriter(opts WriterOptions) (w *Writer, err error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("sstable writer %d: compressor is nil", opts.ID)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFilterFPRate <= 0 || opts.BloomFilterFPRate >= 1 {
		opts.BloomFilterFPRate = DefaultBloomFilterFPRate
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bf, err := NewBloomFilter(opts.EstimatedKeys, opts.BloomFilterFPRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create bloom filter: %w", err)
	}

	w = &Writer{
		opts:   opts,
		logger: opts.Logger.With("component", "CheckpointWriter", "file_id", opts.ID),
		keyTmp: filepath.Join(opts.DataDir, core.FormatTempFilename(core.KeyFileName(opts.ID))),
		valTmp: filepath.Join(opts.DataDir, core.FormatTempFilename(core.ValueFileName(opts.ID))),
		keyCRC: crc32.NewIEEE(),
		bloom:  bf,
	}
	defer func() {
		if err != nil {
			w.Abort()
		}
	}()

	if w.keyFile, err = sys.Create(w.keyTmp); err != nil {
		return nil, fmt.Errorf("failed to create temporary key file %s: %w", w.keyTmp, err)
	}
	if w.valFile, err = sys.Create(w.valTmp); err != nil {
		return nil, fmt.Errorf("failed to create temporary value file %s: %w", w.valTmp, err)
	}

	w.keyBuf = bufio.NewWriterSize(w.keyFile, 64*1024)
	keyHeader := core.NewFileHeader(core.KeyFileMagicNumber, core.CompressionNone)
	if _, err = keyHeader.WriteTo(w.keyBuf); err != nil {
		return nil, fmt.Errorf("failed to write key file header: %w", err)
	}
	valHeader := core.NewFileHeader(core.ValueFileMagicNumber, opts.Compressor.Type())
	if _, err = valHeader.WriteTo(w.valFile); err != nil {
		return nil, fmt.Errorf("failed to write value file header: %w", err)
	}
	w.keyOff = core.FileHeaderSize
	w.recStart = w.keyOff
	w.valOff = core.FileHeaderSize
	w.blockStart = w.valOff
	return w, nil
}

// ID returns the file id this writer produces.
func (w *Writer) ID() uint32 { return w.opts.ID }

// Entries returns the number of records added so far.
func (w *Writer) Entries() uint64 { return w.entries }

// Add appends one record. Keys must be strictly increasing, so a file holds
// at most one version per key.
func (w *Writer) Add(item *core.VersionedItem) error {
	if w.done {
		return fmt.Errorf("add to finished writer %d", w.opts.ID)
	}
	if !item.Kind.IsValid() {
		return &core.ValidationError{Field: "kind", Value: item.Kind.String(), Message: "unknown record kind"}
	}
	if w.lastKey != nil && bytes.Compare(item.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, item.Key, w.lastKey)
	}

	var value []byte
	if !item.IsTombstone() {
		value = item.Value
	}
	if w.block.Len() > 0 && w.block.Len()+len(value) > w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	inBlock := w.block.Len()
	w.block.Write(value)

	rec := core.BufferPool.Get()
	defer core.BufferPool.Put(rec)
	w.putUvarint(rec, uint64(len(item.Key)))
	rec.Write(item.Key)
	w.putUvarint(rec, item.Version)
	rec.WriteByte(byte(item.Kind))
	w.putUvarint(rec, uint64(w.blockStart))
	w.putUvarint(rec, uint64(inBlock))
	w.putUvarint(rec, uint64(len(value)))

	n, err := w.keyBuf.Write(rec.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write key record: %w", err)
	}
	w.keyCRC.Write(rec.Bytes())
	w.keyOff += int64(n)

	w.bloom.Add(item.Key)
	w.lastKey = append(w.lastKey[:0], item.Key...)
	w.entries++
	if item.IsTombstone() {
		w.tombstones++
	}
	if w.entries == 1 || item.Version < w.minVersion {
		w.minVersion = item.Version
	}
	if item.Version > w.maxVersion {
		w.maxVersion = item.Version
	}
	return nil
}

func (w *Writer) putUvarint(buf *bytes.Buffer, v uint64) {
	n := binary.PutUvarint(w.varint[:], v)
	buf.Write(w.varint[:n])
}

// flushBlock compresses and writes the pending value block.
func (w *Writer) flushBlock() error {
	if w.block.Len() == 0 {
		return nil
	}
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := w.opts.Compressor.CompressTo(compressed, w.block.Bytes()); err != nil {
		return fmt.Errorf("failed to compress value block: %w", err)
	}
	payload := compressed.Bytes()

	var hdr [BlockHeaderSize]byte
	hdr[0] = byte(w.opts.Compressor.Type())
	binary.LittleEndian.PutUint32(hdr[1:5], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := w.valFile.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write value block header: %w", err)
	}
	if _, err := w.valFile.Write(payload); err != nil {
		return fmt.Errorf("failed to write value block: %w", err)
	}
	w.logger.Debug("Flushed value block", "offset", w.blockStart, "raw_len", w.block.Len(), "disk_len", len(payload))

	w.valOff += int64(BlockHeaderSize + len(payload))
	w.blockStart = w.valOff
	w.block.Reset()
	return nil
}

// Finish writes the bloom filter and footer, syncs both files and renames
// them to their final names.
func (w *Writer) Finish() (*Info, error) {
	if w.done {
		return nil, fmt.Errorf("writer %d already finished", w.opts.ID)
	}
	if err := w.finish(); err != nil {
		w.Abort()
		return nil, err
	}
	w.done = true

	dir := w.opts.DataDir
	info := &Info{
		ID:         w.opts.ID,
		KeyPath:    filepath.Join(dir, core.KeyFileName(w.opts.ID)),
		ValuePath:  filepath.Join(dir, core.ValueFileName(w.opts.ID)),
		KeySize:    w.keyOff,
		ValueSize:  w.valOff,
		Entries:    w.entries,
		Tombstones: w.tombstones,
		MinVersion: w.minVersion,
		MaxVersion: w.maxVersion,
	}
	// The value file goes first: a key file never points into a missing value file.
	if err := sys.Rename(w.valTmp, info.ValuePath); err != nil {
		w.removeTemps()
		return nil, fmt.Errorf("failed to publish value file: %w", err)
	}
	if err := sys.Rename(w.keyTmp, info.KeyPath); err != nil {
		_ = sys.Remove(info.ValuePath)
		w.removeTemps()
		return nil, fmt.Errorf("failed to publish key file: %w", err)
	}
	if err := sys.SyncDir(dir); err != nil {
		w.logger.Warn("Failed to sync data directory after publishing files", "error", err)
	}
	w.logger.Debug("Published checkpoint file", "entries", w.entries, "size", info.Size())
	return info, nil
}

func (w *Writer) finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	recLen := w.keyOff - w.recStart
	bloomOff := w.keyOff
	bloomData := w.bloom.Bytes()
	if _, err := w.keyBuf.Write(bloomData); err != nil {
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	w.keyOff += int64(len(bloomData))

	var footer [FooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(w.recStart))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(recLen))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(bloomOff))
	binary.LittleEndian.PutUint32(footer[24:28], uint32(len(bloomData)))
	binary.LittleEndian.PutUint64(footer[28:36], w.entries)
	binary.LittleEndian.PutUint64(footer[36:44], w.tombstones)
	binary.LittleEndian.PutUint64(footer[44:52], w.minVersion)
	binary.LittleEndian.PutUint64(footer[52:60], w.maxVersion)
	binary.LittleEndian.PutUint32(footer[60:64], w.keyCRC.Sum32())
	if _, err := w.keyBuf.Write(footer[:]); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}
	if _, err := w.keyBuf.WriteString(core.KeyFileMagicString); err != nil {
		return fmt.Errorf("failed to write magic string: %w", err)
	}
	w.keyOff += int64(FooterSize + len(core.KeyFileMagicString))

	if err := w.keyBuf.Flush(); err != nil {
		return fmt.Errorf("failed to flush key file: %w", err)
	}
	for _, f := range []sys.FileHandle{w.valFile, w.keyFile} {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", f.Name(), err)
		}
	}
	err := w.valFile.Close()
	w.valFile = nil
	if err != nil {
		return fmt.Errorf("failed to close value file: %w", err)
	}
	err = w.keyFile.Close()
	w.keyFile = nil
	if err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}
	return nil
}

// Abort closes any open handle and removes the temporary files. It is safe
// to call after a failed Finish or more than once.
func (w *Writer) Abort() {
	if w.keyFile != nil {
		_ = w.keyFile.Close()
		w.keyFile = nil
	}
	if w.valFile != nil {
		_ = w.valFile.Close()
		w.valFile = nil
	}
	w.done = true
	w.removeTemps()
}

func (w *Writer) removeTemps() {
	for _, p := range []string{w.keyTmp, w.valTmp} {
		if err := sys.Remove(p); err != nil {
			w.logger.Warn("Failed to remove temporary file", "path", p, "error", err)
		}
	}
}
