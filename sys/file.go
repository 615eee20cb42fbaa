package sys

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var debugMode atomic.Bool

// FileHandle is the subset of *os.File used by the store. Both the plain and
// the handle-tracking implementation satisfy it.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RemoveHandler func(name string) error
type RenameHandler func(oldpath, newpath string) error
type StatHandler func(name string) (os.FileInfo, error)
type ReadDirHandler func(name string) ([]os.DirEntry, error)

// SetDebugMode switches newly opened handles to DebugFile, which records
// every open handle until it is closed.
func SetDebugMode(mode bool) {
	debugMode.Store(mode)
}

// DebugMode reports whether handle tracking is enabled.
func DebugMode() bool {
	return debugMode.Load()
}

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if debugMode.Load() {
		return trackFile(f), nil
	}
	return f, nil
}

var Rename RenameHandler = os.Rename

var Stat StatHandler = os.Stat

var ReadDir ReadDirHandler = os.ReadDir

// Remove deletes name, retrying transient failures. A missing file is not an error.
var Remove RemoveHandler = func(name string) error {
	return SafeRemove(name, 3, 20*time.Millisecond)
}

// SafeRemove removes name, retrying up to retries times at a constant
// interval. fs.ErrNotExist is treated as success.
func SafeRemove(name string, retries int, interval time.Duration) error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries))
	return backoff.Retry(func() error {
		err := os.Remove(name)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}, policy)
}

// SyncDir fsyncs a directory so renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
