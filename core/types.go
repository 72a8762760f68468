package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamp is a millisecond-precision UTC timestamp. Oplog entries carry
// their creation time explicitly so that replay never has to re-sample the
// clock; millisecond precision keeps the encoded form stable across
// serialization round trips.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// AsTime converts the Timestamp back to a time.Time in UTC.
func (t Timestamp) AsTime() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

func (t Timestamp) String() string {
	return t.AsTime().Format(time.RFC3339Nano)
}

// ComponentID identifies a deployed component (the WASM binary a worker runs).
type ComponentID = uuid.UUID

// ComponentRevision is a monotonically increasing revision number of a
// component. Updates move a worker from one revision to another.
type ComponentRevision uint64

// WorkerID identifies one worker: an instance of a component with a unique
// name within that component.
type WorkerID struct {
	ComponentID ComponentID `json:"component_id"`
	WorkerName  string      `json:"worker_name"`
}

func (w WorkerID) String() string {
	return fmt.Sprintf("%s/%s", w.ComponentID, w.WorkerName)
}

// ParseWorkerID parses the "component-id/worker-name" form produced by String.
func ParseWorkerID(s string) (WorkerID, error) {
	idx := strings.IndexByte(s, '/')
	if idx < 0 {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: missing '/' separator", s)
	}
	componentID, err := uuid.Parse(s[:idx])
	if err != nil {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: %w", s, err)
	}
	name := s[idx+1:]
	if name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q: empty worker name", s)
	}
	return WorkerID{ComponentID: componentID, WorkerName: name}, nil
}

// ShardID identifies one shard of the worker id space. Shard assignment is an
// external concern; the core only maintains the running-set index per shard.
type ShardID uint32

// ShardOf maps a worker id onto one of shardCount shards using FNV-1a over
// the canonical string form.
func ShardOf(id WorkerID, shardCount uint32) ShardID {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for _, b := range []byte(id.String()) {
		h ^= uint64(b)
		h *= prime64
	}
	return ShardID(h % uint64(shardCount))
}

// IdempotencyKey identifies one logical invocation. Retried invocation
// requests carrying the same key are deduplicated against the oplog.
type IdempotencyKey struct {
	Value string `json:"value"`
}

// NewIdempotencyKey generates a fresh random key.
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey{Value: uuid.NewString()}
}

func (k IdempotencyKey) String() string {
	return k.Value
}

// TransactionID identifies a remote transaction bracketed by
// BeginRemoteTransaction and its outcome entries.
type TransactionID struct {
	Value string `json:"value"`
}

// NewTransactionID generates a fresh random transaction id.
func NewTransactionID() TransactionID {
	return TransactionID{Value: uuid.NewString()}
}

func (t TransactionID) String() string {
	return t.Value
}

// PayloadID identifies an oversized oplog payload.
type PayloadID = uuid.UUID

// WorkerResourceID identifies a resource instance owned by a worker.
type WorkerResourceID uint64

// InitialWorkerResourceID is the id of the first resource a worker creates.
const InitialWorkerResourceID WorkerResourceID = 0

// Next returns the following resource id.
func (r WorkerResourceID) Next() WorkerResourceID {
	return r + 1
}

// ResourceTypeID names the type of a worker-owned resource instance.
type ResourceTypeID struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// WorkerResourceDescription describes an owned resource in the derived
// worker status.
type WorkerResourceDescription struct {
	CreatedAt     Timestamp `json:"created_at"`
	ResourceOwner string    `json:"resource_owner"`
	ResourceName  string    `json:"resource_name"`
}

// PluginInstallation identifies one installed plugin revision.
type PluginInstallation struct {
	PluginID uuid.UUID `json:"plugin_id"`
	Revision uint64    `json:"revision"`
}

// PluginPriority is one element of a worker's active plugin set. Priority
// determines invocation order when multiple plugins intercept the same call.
type PluginPriority struct {
	Priority     int32              `json:"priority"`
	Installation PluginInstallation `json:"installation"`
}

// SpanID identifies a span in the worker's invocation context.
type SpanID struct {
	Value string `json:"value"`
}

// NewSpanID generates a fresh random span id.
func NewSpanID() SpanID {
	return SpanID{Value: uuid.NewString()}
}

// LogLevel is a worker log level, including the special stdout/stderr
// channels.
type LogLevel uint8

const (
	LogLevelStdout LogLevel = iota
	LogLevelStderr
	LogLevelTrace
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelCritical
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelStdout:
		return "stdout"
	case LogLevelStderr:
		return "stderr"
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// PersistenceLevel controls which host-call side effects are persisted to the
// oplog while it is in effect.
type PersistenceLevel uint8

const (
	// PersistSmart is the default: remote side effects are always persisted,
	// local ones when needed for determinism.
	PersistSmart PersistenceLevel = iota
	// PersistRemoteSideEffects persists only remote side effects.
	PersistRemoteSideEffects
	// PersistNothing disables persistence. Replaying a host call inside a
	// PersistNothing region is an error.
	PersistNothing
)

func (p PersistenceLevel) String() string {
	switch p {
	case PersistSmart:
		return "smart"
	case PersistRemoteSideEffects:
		return "persist-remote-side-effects"
	case PersistNothing:
		return "persist-nothing"
	default:
		return fmt.Sprintf("persistence-level(%d)", uint8(p))
	}
}
