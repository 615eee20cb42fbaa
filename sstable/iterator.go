package sstable

import (
	"errors"

	"github.com/INLOpen/tstore/core"
)

var _ core.IteratorInterface = (*Iterator)(nil)

var errNotPositioned = errors.New("checkpoint file iterator is not positioned")

// Iterator scans a file in key order, materializing values. Scans bypass the
// shared block cache and keep only the block they are positioned in.
type Iterator struct {
	r        *Reader
	pos      int
	item     core.VersionedItem
	blockOff int64
	block    []byte
	err      error
}

// Iterator returns a scan over every record of the file. The reader must
// stay open while the iterator is used.
func (r *Reader) Iterator() *Iterator {
	return &Iterator{r: r, pos: -1, blockOff: -1}
}

func (it *Iterator) Next() bool {
	if it.err != nil || it.pos >= len(it.r.entries) {
		return false
	}
	it.pos++
	if it.pos >= len(it.r.entries) {
		return false
	}
	e := it.r.entries[it.pos]
	it.item = core.VersionedItem{Key: e.Key, Version: e.Version, Kind: e.Kind}
	if e.IsTombstone() {
		return true
	}
	if e.BlockOffset != it.blockOff {
		block, err := it.r.loadBlock(e.BlockOffset, false)
		if err != nil {
			it.err = &core.IntegrityError{FileID: it.r.id, Key: e.Key, Reason: "unreadable value block", Err: err}
			return false
		}
		it.block = block
		it.blockOff = e.BlockOffset
	}
	end := e.InBlockOffset + e.ValueLen
	if int(end) > len(it.block) {
		it.err = &core.IntegrityError{FileID: it.r.id, Key: e.Key, Reason: "value exceeds its block", Err: ErrCorrupted}
		return false
	}
	it.item.Value = it.block[e.InBlockOffset:end]
	return true
}

// At returns the current item. Its value aliases the current block and is
// only valid until the next call to Next.
func (it *Iterator) At() (*core.VersionedItem, error) {
	if it.pos < 0 || it.pos >= len(it.r.entries) {
		return nil, errNotPositioned
	}
	return &it.item, nil
}

func (it *Iterator) Error() error { return it.err }

// Close releases the current block. The reader is not closed.
func (it *Iterator) Close() error {
	it.block = nil
	it.pos = len(it.r.entries)
	return nil
}
