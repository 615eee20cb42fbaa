package sys

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
)

var _ FileHandle = (*DebugFile)(nil)

var (
	nextID   atomic.Uint64
	openList sync.Map // id -> file name
	logger   atomic.Pointer[slog.Logger]
)

// SetDebugLogger sets the logger used by DebugFile. A nil logger disables logging.
func SetDebugLogger(l *slog.Logger) {
	logger.Store(l)
}

// DebugFile wraps *os.File and keeps track of the handle until Close.
type DebugFile struct {
	*os.File
	id     uint64
	closed atomic.Bool
}

func trackFile(f *os.File) *DebugFile {
	id := nextID.Add(1)
	openList.Store(id, f.Name())
	if l := logger.Load(); l != nil {
		l.Debug("Opening file", "id", id, "file_name", f.Name())
	}
	return &DebugFile{File: f, id: id}
}

// Close releases the handle. Closing twice only forgets the handle once.
func (df *DebugFile) Close() error {
	if df.closed.CompareAndSwap(false, true) {
		openList.Delete(df.id)
		if l := logger.Load(); l != nil {
			l.Debug("Closing file", "id", df.id, "file_name", df.Name())
		}
	}
	return df.File.Close()
}

// OpenHandleCount returns the number of DebugFile handles not yet closed.
func OpenHandleCount() int {
	n := 0
	openList.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// OpenHandles returns the names of open DebugFile handles, sorted.
func OpenHandles() []string {
	var names []string
	openList.Range(func(_, value any) bool {
		names = append(names, value.(string))
		return true
	})
	sort.Strings(names)
	return names
}
