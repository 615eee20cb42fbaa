package core

import (
	"bytes"
	"fmt"
)

// RecordKind defines the kind of a versioned record in the differential state
// and in checkpoint files.
type RecordKind byte

const (
	// RecordKindInserted is the first version of a key.
	RecordKindInserted RecordKind = 'I'
	// RecordKindUpdated is a later version of an existing key.
	RecordKindUpdated RecordKind = 'U'
	// RecordKindDeleted is a tombstone. It carries no value.
	RecordKindDeleted RecordKind = 'D'
)

func (k RecordKind) String() string {
	switch k {
	case RecordKindInserted:
		return "inserted"
	case RecordKindUpdated:
		return "updated"
	case RecordKindDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// IsValid reports whether k is one of the known record kinds.
func (k RecordKind) IsValid() bool {
	return k == RecordKindInserted || k == RecordKindUpdated || k == RecordKindDeleted
}

// IsTombstone reports whether the record marks a deletion.
func (k RecordKind) IsTombstone() bool {
	return k == RecordKindDeleted
}

// VersionedItem is a single version of a key.
type VersionedItem struct {
	Key     []byte
	Value   []byte
	Version uint64
	Kind    RecordKind
}

// IsTombstone reports whether the item is a deletion marker.
func (it *VersionedItem) IsTombstone() bool {
	return it.Kind == RecordKindDeleted
}

// SameVersion reports whether two items describe the same (key, version).
func (it *VersionedItem) SameVersion(other *VersionedItem) bool {
	return it.Version == other.Version && bytes.Equal(it.Key, other.Key)
}

// Equivalent reports whether two items with the same (key, version) carry the
// same content. Two tombstones are always equivalent.
func (it *VersionedItem) Equivalent(other *VersionedItem) bool {
	if !it.SameVersion(other) {
		return false
	}
	if it.IsTombstone() || other.IsTombstone() {
		return it.IsTombstone() && other.IsTombstone()
	}
	return bytes.Equal(it.Value, other.Value)
}

// Clone returns a deep copy of the item.
func (it *VersionedItem) Clone() *VersionedItem {
	c := &VersionedItem{Version: it.Version, Kind: it.Kind}
	c.Key = append([]byte(nil), it.Key...)
	if it.Value != nil {
		c.Value = append([]byte(nil), it.Value...)
	}
	return c
}
