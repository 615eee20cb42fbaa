package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/sys"
)

const (
	// FileName is the persisted metadata table.
	FileName = core.MetadataTableFileName
	// TempFileName is written first and renamed over FileName.
	TempFileName = core.MetadataTableFileName + core.TempFileSuffix
	// MagicNumber opens every metadata table file.
	MagicNumber = core.MetadataTableMagicNumber
)

// ErrCorrupted is returned when the metadata table fails its checksum or
// cannot be decoded.
var ErrCorrupted = errors.New("metadata table file is corrupted")

// FileEntry is the persisted form of one checkpoint file's metadata.
type FileEntry struct {
	ID               uint32
	KeyFile          string
	ValueFile        string
	Size             int64
	TotalEntries     uint64
	DeletedEntries   uint64
	InvalidEntries   uint64
	MinVersion       uint64
	MaxVersion       uint64
	LogicalTimestamp uint64
}

// Manifest is everything needed to reopen a store: the current table and
// the counters that must never go backwards.
type Manifest struct {
	TableVersion  uint64
	CheckpointLSN uint64
	NextFileID    uint32
	// LastVersion is the highest commit version ever assigned.
	LastVersion uint64
	Files       []FileEntry
}

// Write atomically replaces the metadata table file in dir using the
// write-and-rename strategy.
func Write(dir string, m Manifest) error {
	var buf bytes.Buffer
	if err := encode(&buf, m); err != nil {
		return fmt.Errorf("failed to encode metadata table: %w", err)
	}
	checksum := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, checksum)

	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp metadata table file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		_ = sys.Remove(tempPath)
		return fmt.Errorf("failed to write temp metadata table file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		_ = sys.Remove(tempPath)
		return fmt.Errorf("failed to sync temp metadata table file: %w", err)
	}
	// Close before rename for Windows.
	if err := file.Close(); err != nil {
		_ = sys.Remove(tempPath)
		return fmt.Errorf("failed to close temp metadata table file before rename: %w", err)
	}
	if err := sys.Rename(tempPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to rename temp metadata table file to final name: %w", err)
	}
	// Best effort: not every platform can fsync a directory.
	_ = sys.SyncDir(dir)
	return nil
}

// Read loads the metadata table file from dir. found is false when the file
// does not exist, which is the state of a fresh store.
func Read(dir string) (m Manifest, found bool, err error) {
	path := filepath.Join(dir, FileName)
	file, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("failed to open metadata table file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return Manifest{}, true, fmt.Errorf("failed to read metadata table file: %w", err)
	}
	if len(data) < 4+1+core.ChecksumSize {
		return Manifest{}, true, fmt.Errorf("%w: file too short (%d bytes)", ErrCorrupted, len(data))
	}
	body := data[:len(data)-core.ChecksumSize]
	want := binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return Manifest{}, true, fmt.Errorf("%w: checksum mismatch (got %08x, want %08x)", ErrCorrupted, got, want)
	}
	m, err = decode(bytes.NewReader(body))
	if err != nil {
		return Manifest{}, true, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return m, true, nil
}

func encode(w *bytes.Buffer, m Manifest) error {
	le := binary.LittleEndian
	binary.Write(w, le, MagicNumber)
	w.WriteByte(core.FormatVersion)
	binary.Write(w, le, m.TableVersion)
	binary.Write(w, le, m.CheckpointLSN)
	binary.Write(w, le, m.NextFileID)
	binary.Write(w, le, m.LastVersion)
	binary.Write(w, le, uint32(len(m.Files)))
	for _, f := range m.Files {
		binary.Write(w, le, f.ID)
		if err := writeString(w, f.KeyFile); err != nil {
			return err
		}
		if err := writeString(w, f.ValueFile); err != nil {
			return err
		}
		binary.Write(w, le, f.Size)
		binary.Write(w, le, f.TotalEntries)
		binary.Write(w, le, f.DeletedEntries)
		binary.Write(w, le, f.InvalidEntries)
		binary.Write(w, le, f.MinVersion)
		binary.Write(w, le, f.MaxVersion)
		binary.Write(w, le, f.LogicalTimestamp)
	}
	return nil
}

func writeString(w *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("file name too long: %d bytes", len(s))
	}
	binary.Write(w, binary.LittleEndian, uint16(len(s)))
	w.WriteString(s)
	return nil
}

func decode(r *bytes.Reader) (Manifest, error) {
	le := binary.LittleEndian
	var m Manifest
	var magic uint32
	if err := binary.Read(r, le, &magic); err != nil {
		return m, err
	}
	if magic != MagicNumber {
		return m, fmt.Errorf("invalid metadata table magic number: got %x, want %x", magic, MagicNumber)
	}
	version, err := r.ReadByte()
	if err != nil {
		return m, err
	}
	if version != core.FormatVersion {
		return m, fmt.Errorf("unsupported metadata table version %d", version)
	}
	var count uint32
	for _, v := range []any{&m.TableVersion, &m.CheckpointLSN, &m.NextFileID, &m.LastVersion, &count} {
		if err := binary.Read(r, le, v); err != nil {
			return m, err
		}
	}
	m.Files = make([]FileEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var f FileEntry
		if err := binary.Read(r, le, &f.ID); err != nil {
			return m, err
		}
		if f.KeyFile, err = readString(r); err != nil {
			return m, err
		}
		if f.ValueFile, err = readString(r); err != nil {
			return m, err
		}
		for _, v := range []any{&f.Size, &f.TotalEntries, &f.DeletedEntries, &f.InvalidEntries, &f.MinVersion, &f.MaxVersion, &f.LogicalTimestamp} {
			if err := binary.Read(r, le, v); err != nil {
				return m, err
			}
		}
		m.Files = append(m.Files, f)
	}
	if r.Len() != 0 {
		return m, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
