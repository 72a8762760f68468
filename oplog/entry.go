package oplog

import (
	"fmt"

	"github.com/INLOpen/nexusflow/core"
)

// EntryType identifies the variant of an oplog entry on the wire. Values are
// part of the persistent format and must never be reused.
type EntryType byte

const (
	EntryTypeCreateV0 EntryType = iota + 1
	EntryTypeCreateV1
	EntryTypeCreate
	EntryTypeHostCall
	EntryTypeAgentInvocationStarted
	EntryTypeAgentInvocationFinished
	EntryTypeSuspend
	EntryTypeError
	EntryTypeNoOp
	EntryTypeJump
	EntryTypeInterrupted
	EntryTypeExited
	EntryTypeChangeRetryPolicy
	EntryTypeBeginAtomicRegion
	EntryTypeEndAtomicRegion
	EntryTypeBeginRemoteWrite
	EntryTypeEndRemoteWrite
	EntryTypePendingAgentInvocation
	EntryTypePendingUpdate
	EntryTypeSuccessfulUpdateV1
	EntryTypeSuccessfulUpdate
	EntryTypeFailedUpdate
	EntryTypeGrowMemory
	EntryTypeCreateResource
	EntryTypeDropResource
	EntryTypeLog
	EntryTypeRestart
	EntryTypeActivatePlugin
	EntryTypeDeactivatePlugin
	EntryTypeRevert
	EntryTypeCancelPendingInvocation
	EntryTypeStartSpan
	EntryTypeFinishSpan
	EntryTypeSetSpanAttribute
	EntryTypeChangePersistenceLevel
	EntryTypeBeginRemoteTransaction
	EntryTypePreCommitRemoteTransaction
	EntryTypePreRollbackRemoteTransaction
	EntryTypeCommittedRemoteTransaction
	EntryTypeRolledBackRemoteTransaction
	EntryTypeSnapshot
)

var entryTypeNames = map[EntryType]string{
	EntryTypeCreateV0:                     "CreateV0",
	EntryTypeCreateV1:                     "CreateV1",
	EntryTypeCreate:                       "Create",
	EntryTypeHostCall:                     "HostCall",
	EntryTypeAgentInvocationStarted:       "AgentInvocationStarted",
	EntryTypeAgentInvocationFinished:      "AgentInvocationFinished",
	EntryTypeSuspend:                      "Suspend",
	EntryTypeError:                        "Error",
	EntryTypeNoOp:                         "NoOp",
	EntryTypeJump:                         "Jump",
	EntryTypeInterrupted:                  "Interrupted",
	EntryTypeExited:                       "Exited",
	EntryTypeChangeRetryPolicy:            "ChangeRetryPolicy",
	EntryTypeBeginAtomicRegion:            "BeginAtomicRegion",
	EntryTypeEndAtomicRegion:              "EndAtomicRegion",
	EntryTypeBeginRemoteWrite:             "BeginRemoteWrite",
	EntryTypeEndRemoteWrite:               "EndRemoteWrite",
	EntryTypePendingAgentInvocation:       "PendingAgentInvocation",
	EntryTypePendingUpdate:                "PendingUpdate",
	EntryTypeSuccessfulUpdateV1:           "SuccessfulUpdateV1",
	EntryTypeSuccessfulUpdate:             "SuccessfulUpdate",
	EntryTypeFailedUpdate:                 "FailedUpdate",
	EntryTypeGrowMemory:                   "GrowMemory",
	EntryTypeCreateResource:               "CreateResource",
	EntryTypeDropResource:                 "DropResource",
	EntryTypeLog:                          "Log",
	EntryTypeRestart:                      "Restart",
	EntryTypeActivatePlugin:               "ActivatePlugin",
	EntryTypeDeactivatePlugin:             "DeactivatePlugin",
	EntryTypeRevert:                       "Revert",
	EntryTypeCancelPendingInvocation:      "CancelPendingInvocation",
	EntryTypeStartSpan:                    "StartSpan",
	EntryTypeFinishSpan:                   "FinishSpan",
	EntryTypeSetSpanAttribute:             "SetSpanAttribute",
	EntryTypeChangePersistenceLevel:       "ChangePersistenceLevel",
	EntryTypeBeginRemoteTransaction:       "BeginRemoteTransaction",
	EntryTypePreCommitRemoteTransaction:   "PreCommitRemoteTransaction",
	EntryTypePreRollbackRemoteTransaction: "PreRollbackRemoteTransaction",
	EntryTypeCommittedRemoteTransaction:   "CommittedRemoteTransaction",
	EntryTypeRolledBackRemoteTransaction:  "RolledBackRemoteTransaction",
	EntryTypeSnapshot:                     "Snapshot",
}

func (t EntryType) String() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EntryType(%d)", byte(t))
}

// Entry is one record of a worker's oplog. Entries are immutable once
// appended; the log may be compacted but never reordered.
type Entry interface {
	Type() EntryType
	Time() core.Timestamp
}

// IndexedEntry pairs an entry with its position in the oplog.
type IndexedEntry struct {
	Index core.OplogIndex
	Entry Entry
}

// IsHint reports whether the entry is a purely informational marker: it
// affects the derived worker status but is skipped by the replay cursor when
// looking for recorded host-call results.
func IsHint(e Entry) bool {
	switch e.Type() {
	case EntryTypeSuspend,
		EntryTypeError,
		EntryTypeInterrupted,
		EntryTypeExited,
		EntryTypePendingAgentInvocation,
		EntryTypePendingUpdate,
		EntryTypeSuccessfulUpdateV1,
		EntryTypeSuccessfulUpdate,
		EntryTypeFailedUpdate,
		EntryTypeLog,
		EntryTypeRestart,
		EntryTypeActivatePlugin,
		EntryTypeDeactivatePlugin,
		EntryTypeRevert,
		EntryTypeCancelPendingInvocation,
		EntryTypeStartSpan,
		EntryTypeFinishSpan,
		EntryTypeSetSpanAttribute,
		EntryTypeSnapshot:
		return true
	default:
		return false
	}
}

// CreateEntryV0 is the oldest Create schema generation, kept only so that
// logs written by old executors still replay. It predates component size and
// memory accounting.
type CreateEntryV0 struct {
	Timestamp         core.Timestamp         `json:"timestamp"`
	WorkerID          core.WorkerID          `json:"worker_id"`
	ComponentRevision core.ComponentRevision `json:"component_revision"`
	Args              []string               `json:"args,omitempty"`
	Env               map[string]string      `json:"env,omitempty"`
	Parent            *core.WorkerID         `json:"parent,omitempty"`
}

func (e *CreateEntryV0) Type() EntryType      { return EntryTypeCreateV0 }
func (e *CreateEntryV0) Time() core.Timestamp { return e.Timestamp }

// CreateEntryV1 added component size and initial linear memory accounting,
// but predates plugin installations.
type CreateEntryV1 struct {
	Timestamp                    core.Timestamp         `json:"timestamp"`
	WorkerID                     core.WorkerID          `json:"worker_id"`
	ComponentRevision            core.ComponentRevision `json:"component_revision"`
	Args                         []string               `json:"args,omitempty"`
	Env                          map[string]string      `json:"env,omitempty"`
	Parent                       *core.WorkerID         `json:"parent,omitempty"`
	ComponentSize                uint64                 `json:"component_size"`
	InitialTotalLinearMemorySize uint64                 `json:"initial_total_linear_memory_size"`
}

func (e *CreateEntryV1) Type() EntryType      { return EntryTypeCreateV1 }
func (e *CreateEntryV1) Time() core.Timestamp { return e.Timestamp }

// CreateEntry is always entry #1 of an oplog and carries the initial worker
// configuration. It is immutable afterward; update entries supersede its
// size and plugin fields.
type CreateEntry struct {
	Timestamp                    core.Timestamp         `json:"timestamp"`
	WorkerID                     core.WorkerID          `json:"worker_id"`
	ComponentRevision            core.ComponentRevision `json:"component_revision"`
	Args                         []string               `json:"args,omitempty"`
	Env                          map[string]string      `json:"env,omitempty"`
	ConfigVars                   map[string]string      `json:"config_vars,omitempty"`
	Parent                       *core.WorkerID         `json:"parent,omitempty"`
	ComponentSize                uint64                 `json:"component_size"`
	InitialTotalLinearMemorySize uint64                 `json:"initial_total_linear_memory_size"`
	InitialActivePlugins         []core.PluginPriority  `json:"initial_active_plugins,omitempty"`
}

func (e *CreateEntry) Type() EntryType      { return EntryTypeCreate }
func (e *CreateEntry) Time() core.Timestamp { return e.Timestamp }

// HostCallEntry records one intercepted host-function call: the serialized
// request, the serialized response, and the durable function type that
// decides how replay treats it.
type HostCallEntry struct {
	Timestamp    core.Timestamp      `json:"timestamp"`
	FunctionName string              `json:"function_name"`
	Request      Payload             `json:"request"`
	Response     Payload             `json:"response"`
	FunctionType DurableFunctionType `json:"function_type"`
}

func (e *HostCallEntry) Type() EntryType      { return EntryTypeHostCall }
func (e *HostCallEntry) Time() core.Timestamp { return e.Timestamp }

// AgentInvocationStartedEntry marks the beginning of one top-level exported
// function invocation.
type AgentInvocationStartedEntry struct {
	Timestamp      core.Timestamp      `json:"timestamp"`
	FunctionName   string              `json:"function_name"`
	Request        Payload             `json:"request"`
	IdempotencyKey core.IdempotencyKey `json:"idempotency_key"`
	TraceID        string              `json:"trace_id,omitempty"`
	SpanID         *core.SpanID        `json:"span_id,omitempty"`
}

func (e *AgentInvocationStartedEntry) Type() EntryType      { return EntryTypeAgentInvocationStarted }
func (e *AgentInvocationStartedEntry) Time() core.Timestamp { return e.Timestamp }

// AgentInvocationFinishedEntry marks the completion of a top-level
// invocation. ComponentRevision is the revision active at completion, which
// differs from the one at start when an update happened mid-invocation.
type AgentInvocationFinishedEntry struct {
	Timestamp         core.Timestamp         `json:"timestamp"`
	Response          Payload                `json:"response"`
	ConsumedFuel      int64                  `json:"consumed_fuel"`
	ComponentRevision core.ComponentRevision `json:"component_revision"`
}

func (e *AgentInvocationFinishedEntry) Type() EntryType      { return EntryTypeAgentInvocationFinished }
func (e *AgentInvocationFinishedEntry) Time() core.Timestamp { return e.Timestamp }

// SuspendEntry marks that the worker was suspended.
type SuspendEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *SuspendEntry) Type() EntryType      { return EntryTypeSuspend }
func (e *SuspendEntry) Time() core.Timestamp { return e.Timestamp }

// ErrorEntry records a failed attempt. RetryFrom is the index recovery
// resumes from; consecutive errors sharing the same RetryFrom count as
// attempts of one logical operation.
type ErrorEntry struct {
	Timestamp core.Timestamp   `json:"timestamp"`
	Error     core.WorkerError `json:"error"`
	RetryFrom core.OplogIndex  `json:"retry_from"`
}

func (e *ErrorEntry) Type() EntryType      { return EntryTypeError }
func (e *ErrorEntry) Time() core.Timestamp { return e.Timestamp }

// NoOpEntry is an empty, replayable entry.
type NoOpEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *NoOpEntry) Type() EntryType      { return EntryTypeNoOp }
func (e *NoOpEntry) Time() core.Timestamp { return e.Timestamp }

// JumpEntry instructs replay to skip the given region: upon reaching the end
// of the region the cursor continues from its start, re-executing guest code
// without re-recording.
type JumpEntry struct {
	Timestamp core.Timestamp   `json:"timestamp"`
	Jump      core.OplogRegion `json:"jump"`
}

func (e *JumpEntry) Type() EntryType      { return EntryTypeJump }
func (e *JumpEntry) Time() core.Timestamp { return e.Timestamp }

// InterruptedEntry marks that the last invocation was interrupted and will be
// resumed.
type InterruptedEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *InterruptedEntry) Type() EntryType      { return EntryTypeInterrupted }
func (e *InterruptedEntry) Time() core.Timestamp { return e.Timestamp }

// ExitedEntry marks that the worker exited and cannot be invoked again.
type ExitedEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *ExitedEntry) Type() EntryType      { return EntryTypeExited }
func (e *ExitedEntry) Time() core.Timestamp { return e.Timestamp }

// ChangeRetryPolicyEntry overrides the retry budget from this point forward.
// It does not retroactively regroup past errors.
type ChangeRetryPolicyEntry struct {
	Timestamp core.Timestamp   `json:"timestamp"`
	NewPolicy core.RetryConfig `json:"new_policy"`
}

func (e *ChangeRetryPolicyEntry) Type() EntryType      { return EntryTypeChangeRetryPolicy }
func (e *ChangeRetryPolicyEntry) Time() core.Timestamp { return e.Timestamp }

// BeginAtomicRegionEntry opens an all-or-nothing span. Entries after a Begin
// with no matching End are ignored entirely during replay.
type BeginAtomicRegionEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *BeginAtomicRegionEntry) Type() EntryType      { return EntryTypeBeginAtomicRegion }
func (e *BeginAtomicRegionEntry) Time() core.Timestamp { return e.Timestamp }

// EndAtomicRegionEntry closes the atomic region opened at BeginIndex.
type EndAtomicRegionEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *EndAtomicRegionEntry) Type() EntryType      { return EntryTypeEndAtomicRegion }
func (e *EndAtomicRegionEntry) Time() core.Timestamp { return e.Timestamp }

// BeginRemoteWriteEntry opens a non-idempotent remote write. An unmatched
// Begin at replay time is unrecoverable: the write's outcome is unknown.
type BeginRemoteWriteEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *BeginRemoteWriteEntry) Type() EntryType      { return EntryTypeBeginRemoteWrite }
func (e *BeginRemoteWriteEntry) Time() core.Timestamp { return e.Timestamp }

// EndRemoteWriteEntry closes the remote write opened at BeginIndex.
type EndRemoteWriteEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *EndRemoteWriteEntry) Type() EntryType      { return EntryTypeEndRemoteWrite }
func (e *EndRemoteWriteEntry) Time() core.Timestamp { return e.Timestamp }

// PendingAgentInvocationEntry records an invocation request that arrived
// while the worker was busy. It is durably recorded before acknowledgment so
// no invocation is lost across a crash.
type PendingAgentInvocationEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	Invocation core.Invocation `json:"invocation"`
}

func (e *PendingAgentInvocationEntry) Type() EntryType      { return EntryTypePendingAgentInvocation }
func (e *PendingAgentInvocationEntry) Time() core.Timestamp { return e.Timestamp }

// PendingUpdateEntry records the intent to move the worker to a new component
// revision. Automatic updates force an immediate interrupt and restart.
type PendingUpdateEntry struct {
	Timestamp   core.Timestamp         `json:"timestamp"`
	Description core.UpdateDescription `json:"description"`
}

func (e *PendingUpdateEntry) Type() EntryType      { return EntryTypePendingUpdate }
func (e *PendingUpdateEntry) Time() core.Timestamp { return e.Timestamp }

// SuccessfulUpdateEntryV1 is the legacy success record without plugin
// information.
type SuccessfulUpdateEntryV1 struct {
	Timestamp      core.Timestamp         `json:"timestamp"`
	TargetRevision core.ComponentRevision `json:"target_revision"`
}

func (e *SuccessfulUpdateEntryV1) Type() EntryType      { return EntryTypeSuccessfulUpdateV1 }
func (e *SuccessfulUpdateEntryV1) Time() core.Timestamp { return e.Timestamp }

// SuccessfulUpdateEntry records a completed update. It supersedes the
// Create-time component size and plugin set.
type SuccessfulUpdateEntry struct {
	Timestamp        core.Timestamp         `json:"timestamp"`
	TargetRevision   core.ComponentRevision `json:"target_revision"`
	NewComponentSize uint64                 `json:"new_component_size"`
	NewActivePlugins []core.PluginPriority  `json:"new_active_plugins,omitempty"`
}

func (e *SuccessfulUpdateEntry) Type() EntryType      { return EntryTypeSuccessfulUpdate }
func (e *SuccessfulUpdateEntry) Time() core.Timestamp { return e.Timestamp }

// FailedUpdateEntry records a failed update attempt. The worker keeps running
// on its prior revision.
type FailedUpdateEntry struct {
	Timestamp      core.Timestamp         `json:"timestamp"`
	TargetRevision core.ComponentRevision `json:"target_revision"`
	Details        string                 `json:"details,omitempty"`
}

func (e *FailedUpdateEntry) Type() EntryType      { return EntryTypeFailedUpdate }
func (e *FailedUpdateEntry) Time() core.Timestamp { return e.Timestamp }

// GrowMemoryEntry records a linear memory growth by Delta bytes.
type GrowMemoryEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	Delta     uint64         `json:"delta"`
}

func (e *GrowMemoryEntry) Type() EntryType      { return EntryTypeGrowMemory }
func (e *GrowMemoryEntry) Time() core.Timestamp { return e.Timestamp }

// CreateResourceEntry records the creation of a worker-owned resource
// instance.
type CreateResourceEntry struct {
	Timestamp    core.Timestamp        `json:"timestamp"`
	ID           core.WorkerResourceID `json:"id"`
	ResourceType core.ResourceTypeID   `json:"resource_type"`
}

func (e *CreateResourceEntry) Type() EntryType      { return EntryTypeCreateResource }
func (e *CreateResourceEntry) Time() core.Timestamp { return e.Timestamp }

// DropResourceEntry records the destruction of a worker-owned resource.
type DropResourceEntry struct {
	Timestamp core.Timestamp        `json:"timestamp"`
	ID        core.WorkerResourceID `json:"id"`
}

func (e *DropResourceEntry) Type() EntryType      { return EntryTypeDropResource }
func (e *DropResourceEntry) Time() core.Timestamp { return e.Timestamp }

// LogEntry records a guest log line.
type LogEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	Level     core.LogLevel  `json:"level"`
	Context   string         `json:"context,omitempty"`
	Message   string         `json:"message"`
}

func (e *LogEntry) Type() EntryType      { return EntryTypeLog }
func (e *LogEntry) Time() core.Timestamp { return e.Timestamp }

// RestartEntry marks an explicit restart request.
type RestartEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
}

func (e *RestartEntry) Type() EntryType      { return EntryTypeRestart }
func (e *RestartEntry) Time() core.Timestamp { return e.Timestamp }

// ActivatePluginEntry adds a plugin to the worker's active set.
type ActivatePluginEntry struct {
	Timestamp core.Timestamp      `json:"timestamp"`
	Plugin    core.PluginPriority `json:"plugin"`
}

func (e *ActivatePluginEntry) Type() EntryType      { return EntryTypeActivatePlugin }
func (e *ActivatePluginEntry) Time() core.Timestamp { return e.Timestamp }

// DeactivatePluginEntry removes a plugin from the worker's active set.
type DeactivatePluginEntry struct {
	Timestamp core.Timestamp      `json:"timestamp"`
	Plugin    core.PluginPriority `json:"plugin"`
}

func (e *DeactivatePluginEntry) Type() EntryType      { return EntryTypeDeactivatePlugin }
func (e *DeactivatePluginEntry) Time() core.Timestamp { return e.Timestamp }

// RevertEntry records an operator-triggered rollback: the dropped region is
// removed from replay entirely.
type RevertEntry struct {
	Timestamp     core.Timestamp   `json:"timestamp"`
	DroppedRegion core.OplogRegion `json:"dropped_region"`
}

func (e *RevertEntry) Type() EntryType      { return EntryTypeRevert }
func (e *RevertEntry) Time() core.Timestamp { return e.Timestamp }

// CancelPendingInvocationEntry removes a not-yet-started invocation from the
// durable queue.
type CancelPendingInvocationEntry struct {
	Timestamp      core.Timestamp      `json:"timestamp"`
	IdempotencyKey core.IdempotencyKey `json:"idempotency_key"`
}

func (e *CancelPendingInvocationEntry) Type() EntryType      { return EntryTypeCancelPendingInvocation }
func (e *CancelPendingInvocationEntry) Time() core.Timestamp { return e.Timestamp }

// StartSpanEntry opens a span in the worker's invocation context.
type StartSpanEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	SpanID    core.SpanID    `json:"span_id"`
	Parent    *core.SpanID   `json:"parent,omitempty"`
	Name      string         `json:"name,omitempty"`
}

func (e *StartSpanEntry) Type() EntryType      { return EntryTypeStartSpan }
func (e *StartSpanEntry) Time() core.Timestamp { return e.Timestamp }

// FinishSpanEntry closes a span.
type FinishSpanEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	SpanID    core.SpanID    `json:"span_id"`
}

func (e *FinishSpanEntry) Type() EntryType      { return EntryTypeFinishSpan }
func (e *FinishSpanEntry) Time() core.Timestamp { return e.Timestamp }

// SetSpanAttributeEntry sets an attribute on an open span.
type SetSpanAttributeEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	SpanID    core.SpanID    `json:"span_id"`
	Key       string         `json:"key"`
	Value     string         `json:"value"`
}

func (e *SetSpanAttributeEntry) Type() EntryType      { return EntryTypeSetSpanAttribute }
func (e *SetSpanAttributeEntry) Time() core.Timestamp { return e.Timestamp }

// ChangePersistenceLevelEntry switches the persistence level from this point
// forward.
type ChangePersistenceLevelEntry struct {
	Timestamp core.Timestamp        `json:"timestamp"`
	Level     core.PersistenceLevel `json:"level"`
}

func (e *ChangePersistenceLevelEntry) Type() EntryType      { return EntryTypeChangePersistenceLevel }
func (e *ChangePersistenceLevelEntry) Time() core.Timestamp { return e.Timestamp }

// BeginRemoteTransactionEntry opens a two-phase-commit bracket around a
// remote transactional resource. OriginalBeginIndex groups repeated retries
// of the same transaction as one logical operation for error accounting.
type BeginRemoteTransactionEntry struct {
	Timestamp          core.Timestamp     `json:"timestamp"`
	TransactionID      core.TransactionID `json:"transaction_id"`
	OriginalBeginIndex *core.OplogIndex   `json:"original_begin_index,omitempty"`
}

func (e *BeginRemoteTransactionEntry) Type() EntryType      { return EntryTypeBeginRemoteTransaction }
func (e *BeginRemoteTransactionEntry) Time() core.Timestamp { return e.Timestamp }

// PreCommitRemoteTransactionEntry marks the point of no further retry before
// the transaction's commit outcome.
type PreCommitRemoteTransactionEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *PreCommitRemoteTransactionEntry) Type() EntryType {
	return EntryTypePreCommitRemoteTransaction
}
func (e *PreCommitRemoteTransactionEntry) Time() core.Timestamp { return e.Timestamp }

// PreRollbackRemoteTransactionEntry marks the point of no further retry
// before the transaction's rollback outcome.
type PreRollbackRemoteTransactionEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *PreRollbackRemoteTransactionEntry) Type() EntryType {
	return EntryTypePreRollbackRemoteTransaction
}
func (e *PreRollbackRemoteTransactionEntry) Time() core.Timestamp { return e.Timestamp }

// CommittedRemoteTransactionEntry records that the transaction opened at
// BeginIndex committed.
type CommittedRemoteTransactionEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *CommittedRemoteTransactionEntry) Type() EntryType {
	return EntryTypeCommittedRemoteTransaction
}
func (e *CommittedRemoteTransactionEntry) Time() core.Timestamp { return e.Timestamp }

// RolledBackRemoteTransactionEntry records that the transaction opened at
// BeginIndex rolled back.
type RolledBackRemoteTransactionEntry struct {
	Timestamp  core.Timestamp  `json:"timestamp"`
	BeginIndex core.OplogIndex `json:"begin_index"`
}

func (e *RolledBackRemoteTransactionEntry) Type() EntryType {
	return EntryTypeRolledBackRemoteTransaction
}
func (e *RolledBackRemoteTransactionEntry) Time() core.Timestamp { return e.Timestamp }

// SnapshotEntry records an explicit worker state snapshot, used by
// snapshot-based updates.
type SnapshotEntry struct {
	Timestamp core.Timestamp `json:"timestamp"`
	Data      Payload        `json:"data"`
	MIMEType  string         `json:"mime_type,omitempty"`
}

func (e *SnapshotEntry) Type() EntryType      { return EntryTypeSnapshot }
func (e *SnapshotEntry) Time() core.Timestamp { return e.Timestamp }
