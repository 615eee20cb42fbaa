//go:build !unix

package sys

import (
	"fmt"
	"os"
)

// AcquireDirLock creates path exclusively. The returned function removes it.
func AcquireDirLock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	_ = f.Close()
	return func() error { return os.Remove(path) }, nil
}
