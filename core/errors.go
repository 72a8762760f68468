package core

import (
	"errors"
	"fmt"
)

// ErrWorkerNotFound is returned when a worker's oplog does not exist.
var ErrWorkerNotFound = errors.New("worker not found")

// DivergenceError reports that replay encountered an oplog entry that does
// not match the host call being replayed. This indicates the host behavior
// changed between record and replay; it is fatal for the worker and is never
// guessed around.
type DivergenceError struct {
	Expected string
	Actual   string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("unexpected oplog entry: expected %s, got %s", e.Expected, e.Actual)
}

// IsDivergenceError checks whether err (or anything in its chain) is a
// DivergenceError.
func IsDivergenceError(err error) bool {
	var divergence *DivergenceError
	return errors.As(err, &divergence)
}

// UnrecoverableWriteError reports an unmatched BeginRemoteWrite during replay
// with idempotence mode off: the outcome of the remote write is unknown and
// must not be assumed either way.
type UnrecoverableWriteError struct {
	BeginIndex OplogIndex
}

func (e *UnrecoverableWriteError) Error() string {
	return fmt.Sprintf("non-idempotent remote write beginning at %d was not completed, cannot retry", e.BeginIndex)
}

// IsUnrecoverableWriteError checks whether err is an UnrecoverableWriteError.
func IsUnrecoverableWriteError(err error) bool {
	var unrecoverable *UnrecoverableWriteError
	return errors.As(err, &unrecoverable)
}

// CorruptOplogError reports a structurally invalid oplog entry. A corrupted
// leading entry degrades the worker to a synthetic Failed status instead of
// crashing the executor hosting other workers.
type CorruptOplogError struct {
	WorkerID WorkerID
	Index    OplogIndex
	Cause    error
}

func (e *CorruptOplogError) Error() string {
	return fmt.Sprintf("corrupt oplog entry for worker %s at index %d: %v", e.WorkerID, e.Index, e.Cause)
}

func (e *CorruptOplogError) Unwrap() error {
	return e.Cause
}

// IsCorruptOplogError checks whether err is a CorruptOplogError.
func IsCorruptOplogError(err error) bool {
	var corrupt *CorruptOplogError
	return errors.As(err, &corrupt)
}
