package core

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// WorkerStatus is the derived lifecycle state of a worker.
type WorkerStatus uint8

const (
	// WorkerStatusRunning: the worker is executing an invocation.
	WorkerStatusRunning WorkerStatus = iota
	// WorkerStatusIdle: the worker is ready to run an invocation.
	WorkerStatusIdle
	// WorkerStatusSuspended: an invocation is active but waiting for
	// something (sleeping, waiting for a promise).
	WorkerStatusSuspended
	// WorkerStatusInterrupted: the last invocation was interrupted but will
	// be resumed.
	WorkerStatusInterrupted
	// WorkerStatusRetrying: the last invocation failed and a retry is
	// scheduled.
	WorkerStatusRetrying
	// WorkerStatusFailed: the retry budget is exhausted; the worker rejects
	// further invocations until explicit recovery.
	WorkerStatusFailed
	// WorkerStatusExited: the worker exited and can no longer be invoked.
	WorkerStatusExited
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerStatusRunning:
		return "Running"
	case WorkerStatusIdle:
		return "Idle"
	case WorkerStatusSuspended:
		return "Suspended"
	case WorkerStatusInterrupted:
		return "Interrupted"
	case WorkerStatusRetrying:
		return "Retrying"
	case WorkerStatusFailed:
		return "Failed"
	case WorkerStatusExited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// InvocationKind distinguishes queued invocation requests.
type InvocationKind uint8

const (
	// InvocationExportedFunction is a request to invoke an exported agent
	// function.
	InvocationExportedFunction InvocationKind = iota
	// InvocationManualUpdate is a request to perform a snapshot-based update
	// the next time the worker is idle.
	InvocationManualUpdate
)

// Invocation is one queued request recorded by a PendingAgentInvocation
// entry.
type Invocation struct {
	Kind           InvocationKind  `json:"kind"`
	IdempotencyKey IdempotencyKey  `json:"idempotency_key,omitempty"`
	FunctionName   string          `json:"function_name,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	// TargetRevision is set for manual updates.
	TargetRevision ComponentRevision `json:"target_revision,omitempty"`
}

// TimestampedInvocation is an invocation together with its arrival time.
type TimestampedInvocation struct {
	Timestamp  Timestamp  `json:"timestamp"`
	Invocation Invocation `json:"invocation"`
}

// UpdateKind distinguishes the two update mechanisms.
type UpdateKind uint8

const (
	// UpdateAutomatic replays the existing oplog on the new component
	// revision.
	UpdateAutomatic UpdateKind = iota
	// UpdateSnapshotBased loads a saved snapshot on the new revision,
	// skipping the pre-update history.
	UpdateSnapshotBased
)

// UpdateDescription describes a pending update.
type UpdateDescription struct {
	Kind           UpdateKind        `json:"kind"`
	TargetRevision ComponentRevision `json:"target_revision"`
	// SnapshotPayload is only set for snapshot-based updates.
	SnapshotPayload []byte `json:"snapshot_payload,omitempty"`
}

// TimestampedUpdateDescription is a pending update together with the oplog
// index of its PendingUpdate entry.
type TimestampedUpdateDescription struct {
	Timestamp   Timestamp         `json:"timestamp"`
	OplogIndex  OplogIndex        `json:"oplog_index"`
	Description UpdateDescription `json:"description"`
}

// FailedUpdateRecord is the terminal record of a failed update attempt.
type FailedUpdateRecord struct {
	Timestamp      Timestamp         `json:"timestamp"`
	TargetRevision ComponentRevision `json:"target_revision"`
	Details        string            `json:"details,omitempty"`
}

// SuccessfulUpdateRecord is the terminal record of a successful update.
type SuccessfulUpdateRecord struct {
	Timestamp      Timestamp         `json:"timestamp"`
	TargetRevision ComponentRevision `json:"target_revision"`
}

// PluginSet is an ordered-on-marshal set of active plugins.
type PluginSet struct {
	set mapset.Set[PluginPriority]
}

// NewPluginSet builds a plugin set from the given elements.
func NewPluginSet(plugins ...PluginPriority) PluginSet {
	return PluginSet{set: mapset.NewThreadUnsafeSet(plugins...)}
}

// Add inserts a plugin.
func (p *PluginSet) Add(plugin PluginPriority) {
	p.ensure()
	p.set.Add(plugin)
}

// Remove deletes a plugin.
func (p *PluginSet) Remove(plugin PluginPriority) {
	p.ensure()
	p.set.Remove(plugin)
}

// Contains reports membership.
func (p *PluginSet) Contains(plugin PluginPriority) bool {
	if p.set == nil {
		return false
	}
	return p.set.Contains(plugin)
}

// Len returns the number of active plugins.
func (p *PluginSet) Len() int {
	if p.set == nil {
		return 0
	}
	return p.set.Cardinality()
}

// Equal compares two plugin sets.
func (p *PluginSet) Equal(other PluginSet) bool {
	if p.Len() != other.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	return p.set.Equal(other.set)
}

// Clone returns a deep copy.
func (p *PluginSet) Clone() PluginSet {
	if p.set == nil {
		return PluginSet{}
	}
	return PluginSet{set: p.set.Clone()}
}

// Sorted returns the plugins ordered by priority, then plugin id, then
// revision. Priority determines invocation order when multiple plugins
// intercept the same call.
func (p *PluginSet) Sorted() []PluginPriority {
	if p.set == nil {
		return nil
	}
	out := p.set.ToSlice()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		iID, jID := out[i].Installation.PluginID.String(), out[j].Installation.PluginID.String()
		if iID != jID {
			return iID < jID
		}
		return out[i].Installation.Revision < out[j].Installation.Revision
	})
	return out
}

func (p *PluginSet) ensure() {
	if p.set == nil {
		p.set = mapset.NewThreadUnsafeSet[PluginPriority]()
	}
}

// MarshalJSON encodes the set as a sorted array so the encoded form is
// deterministic.
func (p PluginSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Sorted())
}

// UnmarshalJSON decodes an array of plugins into the set.
func (p *PluginSet) UnmarshalJSON(data []byte) error {
	var plugins []PluginPriority
	if err := json.Unmarshal(data, &plugins); err != nil {
		return err
	}
	p.set = mapset.NewThreadUnsafeSet(plugins...)
	return nil
}

// WorkerStatusRecord is the cacheable projection of a worker's oplog. It is
// always re-derivable from the oplog alone; persisted copies are an
// optimization, never a source of truth.
type WorkerStatusRecord struct {
	// OplogIdx is the index of the last entry folded into this record.
	OplogIdx OplogIndex   `json:"oplog_idx"`
	Status   WorkerStatus `json:"status"`

	OverriddenRetryConfig *RetryConfig          `json:"overridden_retry_config,omitempty"`
	CurrentRetryCount     map[OplogIndex]uint32 `json:"current_retry_count,omitempty"`

	PendingInvocations []TimestampedInvocation `json:"pending_invocations,omitempty"`

	// SkippedRegions are skipped by the replay cursor (jumps, reverts and
	// snapshot-update overrides); DeletedRegions only contains regions
	// dropped by Revert entries.
	SkippedRegions DeletedRegions `json:"skipped_regions,omitempty"`
	DeletedRegions DeletedRegions `json:"deleted_regions,omitempty"`

	PendingUpdates    []TimestampedUpdateDescription `json:"pending_updates,omitempty"`
	FailedUpdates     []FailedUpdateRecord           `json:"failed_updates,omitempty"`
	SuccessfulUpdates []SuccessfulUpdateRecord       `json:"successful_updates,omitempty"`

	// InvocationResults maps idempotency keys to the oplog index holding the
	// invocation's outcome, for deduplication of retried requests.
	InvocationResults     map[string]OplogIndex `json:"invocation_results,omitempty"`
	CurrentIdempotencyKey *IdempotencyKey       `json:"current_idempotency_key,omitempty"`

	ComponentRevision ComponentRevision `json:"component_revision"`
	// ComponentRevisionForReplay is the revision replay must start on; it
	// only advances past ComponentRevision's history on snapshot-based
	// updates.
	ComponentRevisionForReplay ComponentRevision `json:"component_revision_for_replay"`
	ComponentSize              uint64            `json:"component_size"`
	TotalLinearMemorySize      uint64            `json:"total_linear_memory_size"`

	OwnedResources map[WorkerResourceID]WorkerResourceDescription `json:"owned_resources,omitempty"`
	ActivePlugins  PluginSet                                      `json:"active_plugins"`
}

// NewWorkerStatusRecord returns the record describing a worker with an empty
// oplog.
func NewWorkerStatusRecord() WorkerStatusRecord {
	return WorkerStatusRecord{
		OplogIdx:      OplogIndexNone,
		Status:        WorkerStatusIdle,
		ActivePlugins: NewPluginSet(),
	}
}

// Clone returns a deep copy of the record.
func (r WorkerStatusRecord) Clone() WorkerStatusRecord {
	out := r
	out.SkippedRegions = r.SkippedRegions.Clone()
	out.DeletedRegions = r.DeletedRegions.Clone()
	out.ActivePlugins = r.ActivePlugins.Clone()
	if r.OverriddenRetryConfig != nil {
		cfg := *r.OverriddenRetryConfig
		out.OverriddenRetryConfig = &cfg
	}
	if r.CurrentIdempotencyKey != nil {
		key := *r.CurrentIdempotencyKey
		out.CurrentIdempotencyKey = &key
	}
	if r.CurrentRetryCount != nil {
		out.CurrentRetryCount = make(map[OplogIndex]uint32, len(r.CurrentRetryCount))
		for k, v := range r.CurrentRetryCount {
			out.CurrentRetryCount[k] = v
		}
	}
	if r.InvocationResults != nil {
		out.InvocationResults = make(map[string]OplogIndex, len(r.InvocationResults))
		for k, v := range r.InvocationResults {
			out.InvocationResults[k] = v
		}
	}
	if r.OwnedResources != nil {
		out.OwnedResources = make(map[WorkerResourceID]WorkerResourceDescription, len(r.OwnedResources))
		for k, v := range r.OwnedResources {
			out.OwnedResources[k] = v
		}
	}
	out.PendingInvocations = append([]TimestampedInvocation(nil), r.PendingInvocations...)
	out.PendingUpdates = append([]TimestampedUpdateDescription(nil), r.PendingUpdates...)
	out.FailedUpdates = append([]FailedUpdateRecord(nil), r.FailedUpdates...)
	out.SuccessfulUpdates = append([]SuccessfulUpdateRecord(nil), r.SuccessfulUpdates...)
	return out
}
