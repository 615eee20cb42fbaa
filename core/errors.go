package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by any operation on a store or table after it was closed.
	ErrClosed = errors.New("store is closed")
	// ErrKeyExists is returned by Add when the key already has a live version.
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound is returned by conditional operations on a missing key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTransactionDone is returned when a committed or aborted transaction is reused.
	ErrTransactionDone = errors.New("transaction already completed")
	// ErrCheckpointNotPrepared is returned by PerformCheckpoint without a prior PrepareCheckpoint.
	ErrCheckpointNotPrepared = errors.New("checkpoint was not prepared")
	// ErrCheckpointInProgress is returned when a second checkpoint is prepared before the first one is performed.
	ErrCheckpointInProgress = errors.New("checkpoint already in progress")
	// ErrMergeAborted marks a merge that stopped before publishing its output.
	ErrMergeAborted = errors.New("merge aborted")
	// ErrStaleTable is returned when a metadata table older than the current one is installed.
	ErrStaleTable = errors.New("metadata table is not newer than the current table")
)

// ValidationError is a custom error type for validation failures.
type ValidationError struct {
	Message string
	Field   string
	Value   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// IntegrityError reports on-disk or in-memory state that contradicts the
// store's invariants. It is never absorbed.
type IntegrityError struct {
	FileID uint32
	Key    []byte
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := "integrity violation: " + e.Reason
	if e.FileID != 0 {
		msg += fmt.Sprintf(" (file %d)", e.FileID)
	}
	if e.Key != nil {
		msg += fmt.Sprintf(" (key %q)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrityError checks if an error is an IntegrityError.
func IsIntegrityError(err error) bool {
	var integrityError *IntegrityError
	return errors.As(err, &integrityError)
}

// MergeError wraps a failure of the merge pipeline.
type MergeError struct {
	Op          string
	Recoverable bool
	Err         error
}

func (e *MergeError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "recoverable"
	}
	return fmt.Sprintf("%s merge failure during %s: %v", kind, e.Op, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is a merge failure that can be retried
// on a later checkpoint. Integrity errors are never recoverable.
func IsRecoverable(err error) bool {
	if err == nil || IsIntegrityError(err) {
		return false
	}
	var mergeError *MergeError
	if errors.As(err, &mergeError) {
		return mergeError.Recoverable
	}
	return false
}
