package oplog

import (
	"github.com/INLOpen/nexusflow/core"
)

// Store is the per-worker append-only oplog storage. Appends are durable
// before they are acknowledged; readers may run concurrently with appends
// but never observe a torn entry.
type Store interface {
	PayloadStorage

	// Append writes entries to the worker's oplog in order and returns the
	// index assigned to the first one. The first entry ever appended for a
	// worker receives core.OplogIndexInitial.
	Append(workerID core.WorkerID, entries ...Entry) (core.OplogIndex, error)

	// Read returns up to count entries starting at from. Indices removed by
	// compaction are skipped. An empty result means from is past the end.
	Read(workerID core.WorkerID, from core.OplogIndex, count uint64) ([]IndexedEntry, error)

	// GetLastIndex returns the index of the newest entry, or
	// core.OplogIndexNone when the worker has no oplog.
	GetLastIndex(workerID core.WorkerID) (core.OplogIndex, error)

	// Exists reports whether the worker has an oplog.
	Exists(workerID core.WorkerID) (bool, error)

	// Delete removes the worker's oplog entirely. Only used when the worker
	// itself is deleted.
	Delete(workerID core.WorkerID) error

	// Close releases all resources held by the store.
	Close() error
}

// Compactor is implemented by stores that can rewrite closed segments,
// dropping matched atomic-region marker pairs. Compaction never reorders or
// renumbers surviving entries.
type Compactor interface {
	Compact(workerID core.WorkerID) (removed int, err error)
}
