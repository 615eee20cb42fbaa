package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionedItem_Equivalent(t *testing.T) {
	live := &VersionedItem{Key: []byte("k"), Value: []byte("v"), Version: 7, Kind: RecordKindInserted}
	tomb := &VersionedItem{Key: []byte("k"), Version: 7, Kind: RecordKindDeleted}
	tomb2 := &VersionedItem{Key: []byte("k"), Version: 7, Kind: RecordKindDeleted}
	other := &VersionedItem{Key: []byte("k"), Value: []byte("x"), Version: 7, Kind: RecordKindUpdated}

	assert.True(t, tomb.Equivalent(tomb2), "two tombstones with the same version are equivalent")
	assert.False(t, live.Equivalent(tomb))
	assert.False(t, live.Equivalent(other))
	assert.True(t, live.SameVersion(other))

	next := &VersionedItem{Key: []byte("k"), Version: 8, Kind: RecordKindDeleted}
	assert.False(t, tomb.Equivalent(next))
}

func TestVersionedItem_Clone(t *testing.T) {
	orig := &VersionedItem{Key: []byte("key"), Value: []byte("value"), Version: 1, Kind: RecordKindInserted}
	c := orig.Clone()
	orig.Key[0] = 'X'
	orig.Value[0] = 'X'
	assert.Equal(t, []byte("key"), c.Key)
	assert.Equal(t, []byte("value"), c.Value)

	tomb := (&VersionedItem{Key: []byte("a"), Version: 2, Kind: RecordKindDeleted}).Clone()
	assert.Nil(t, tomb.Value)
}

func TestErrors_Classification(t *testing.T) {
	integrity := &IntegrityError{FileID: 3, Reason: "missing key file", Err: errors.New("enoent")}
	wrapped := fmt.Errorf("perform checkpoint: %w", integrity)
	assert.True(t, IsIntegrityError(wrapped))
	assert.False(t, IsRecoverable(wrapped))
	assert.Contains(t, integrity.Error(), "file 3")

	recoverable := fmt.Errorf("background: %w", &MergeError{Op: "write", Recoverable: true, Err: context.Canceled})
	assert.True(t, IsRecoverable(recoverable))
	assert.True(t, errors.Is(recoverable, context.Canceled))

	fatal := &MergeError{Op: "read", Err: &IntegrityError{Reason: "duplicate version"}}
	assert.False(t, IsRecoverable(fatal))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(errors.New("plain")))

	assert.True(t, IsValidationError(fmt.Errorf("x: %w", &ValidationError{Field: "f"})))
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "00000042.key", KeyFileName(42))
	assert.Equal(t, "00000042.val", ValueFileName(42))
	assert.Equal(t, "00000042.key.tmp", FormatTempFilename(KeyFileName(42)))

	id, isKey, ok := ParseCheckpointFileName("00000042.key")
	require.True(t, ok)
	assert.True(t, isKey)
	assert.Equal(t, uint32(42), id)

	id, isKey, ok = ParseCheckpointFileName("00000007.val")
	require.True(t, ok)
	assert.False(t, isKey)
	assert.Equal(t, uint32(7), id)

	_, _, ok = ParseCheckpointFileName("00000007.key.tmp")
	assert.False(t, ok)
	_, _, ok = ParseCheckpointFileName("METADATA")
	assert.False(t, ok)
}

func TestFileHeader_RoundTrip(t *testing.T) {
	h := NewFileHeader(KeyFileMagicNumber, CompressionZSTD)
	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(FileHeaderSize), n)
	assert.Equal(t, FileHeaderSize, buf.Len())

	got, err := ReadFileHeader(bytes.NewReader(buf.Bytes()), KeyFileMagicNumber)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = ReadFileHeader(bytes.NewReader(buf.Bytes()), ValueFileMagicNumber)
	assert.Error(t, err)
}

func TestParseCompressionType(t *testing.T) {
	ct, err := ParseCompressionType("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, ct)
	ct, err = ParseCompressionType("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, ct)
	_, err = ParseCompressionType("brotli")
	assert.True(t, IsValidationError(err))
}

func TestBufferPool(t *testing.T) {
	bp := NewBufferPool(16, 1)
	b1 := bp.Get()
	b1.WriteString("data")
	bp.Put(b1)
	b2 := bp.Get()
	assert.Equal(t, 0, b2.Len(), "pooled buffers are reset")
	hits, misses := bp.GetMetrics()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}
