package sys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugMode_TracksHandles(t *testing.T) {
	SetDebugMode(true)
	t.Cleanup(func() { SetDebugMode(false) })

	dir := t.TempDir()
	before := OpenHandleCount()

	f, err := Create(filepath.Join(dir, "a"))
	require.NoError(t, err)
	_, ok := f.(*DebugFile)
	require.True(t, ok, "debug mode must hand out DebugFile")
	assert.Equal(t, before+1, OpenHandleCount())
	assert.Contains(t, OpenHandles(), filepath.Join(dir, "a"))

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, before, OpenHandleCount())

	// second close errors from os but must not double-count
	_ = f.Close()
	assert.Equal(t, before, OpenHandleCount())
}

func TestPlainMode_ReturnsOSFile(t *testing.T) {
	SetDebugMode(false)
	dir := t.TempDir()
	f, err := Create(filepath.Join(dir, "b"))
	require.NoError(t, err)
	defer f.Close()
	_, ok := f.(*os.File)
	assert.True(t, ok)
}

func TestRemoveAndExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "c")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	ok, err := Exists(p)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, Remove(p))
	ok, err = Exists(p)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, Remove(p), "removing a missing file is not an error")
}

func TestRenameAndSyncDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "x.tmp")
	dst := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	require.NoError(t, Rename(src, dst))
	require.NoError(t, SyncDir(dir))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
