package store

import (
	"errors"
	"fmt"
)

// ErrStateNotFound is returned when no persisted coordination document exists yet.
var ErrStateNotFound = errors.New("store: coordination state not found")

// ErrWorkerNotFound is returned when a worker id has no record.
var ErrWorkerNotFound = errors.New("store: worker not found")

// ErrRequestNotFound is returned when a handoff request id has no record.
var ErrRequestNotFound = errors.New("store: handoff request not found")

// ErrWorkerExists is returned when registering an id that is already present.
var ErrWorkerExists = errors.New("store: worker already registered")

// ErrTerminalReport is returned when appending a report to a request that
// already has its terminal report.
var ErrTerminalReport = errors.New("store: request already has a terminal report")

// StaleWriteError signals an optimistic-concurrency collision: the stored
// version advanced past the version the caller last read. The caller must
// re-read and retry; the store never blocks.
type StaleWriteError struct {
	WorkerID string
	Read     int64
	Stored   int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("store: stale write for worker %s (read version %d, stored %d)", e.WorkerID, e.Read, e.Stored)
}

// CorruptionError signals a schema-invalid persisted document. It is fatal to
// the affected session: the coordinator must halt new verification runs and
// surface Raw for manual repair.
type CorruptionError struct {
	Path   string
	Reason string
	Raw    []byte
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store: corrupt document at %s: %s", e.Path, e.Reason)
}
