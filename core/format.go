package core

import (
	"fmt"
	"strconv"
	"strings"
)

// --- Magic Numbers ---
const (
	// KeyFileMagicNumber identifies the key half of a checkpoint file pair.
	KeyFileMagicNumber uint32 = 0x54534B46 // "TSKF"
	// ValueFileMagicNumber identifies the value half of a checkpoint file pair.
	ValueFileMagicNumber uint32 = 0x54535646 // "TSVF"
	// MetadataTableMagicNumber identifies the persisted metadata table.
	MetadataTableMagicNumber uint32 = 0x54534D54 // "TSMT"
)

// KeyFileMagicString is placed at the end of every key file.
const KeyFileMagicString = "TSTORE-KEYS-V1"

// --- File Names & Suffixes ---
const (
	// MetadataTableFileName is the name of the persisted current metadata table.
	MetadataTableFileName = "METADATA"
	// LockFileName guards a store directory against a second process.
	LockFileName    = "LOCK"
	KeyFileSuffix   = ".key"
	ValueFileSuffix = ".val"
	TempFileSuffix  = ".tmp"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1

// KeyFileName returns the final key-file name for a file id.
func KeyFileName(id uint32) string {
	return fmt.Sprintf("%08d%s", id, KeyFileSuffix)
}

// ValueFileName returns the final value-file name for a file id.
func ValueFileName(id uint32) string {
	return fmt.Sprintf("%08d%s", id, ValueFileSuffix)
}

// FormatTempFilename appends the temp suffix to a final name.
func FormatTempFilename(name string) string {
	return name + TempFileSuffix
}

// ParseCheckpointFileName extracts the file id from a key or value file name.
// ok is false for any other name, including temp files.
func ParseCheckpointFileName(name string) (id uint32, isKey bool, ok bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, KeyFileSuffix):
		stem, isKey = strings.TrimSuffix(name, KeyFileSuffix), true
	case strings.HasSuffix(name, ValueFileSuffix):
		stem = strings.TrimSuffix(name, ValueFileSuffix)
	default:
		return 0, false, false
	}
	v, err := strconv.ParseUint(stem, 10, 32)
	if err != nil {
		return 0, false, false
	}
	return uint32(v), isKey, true
}
