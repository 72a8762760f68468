package oplog

import (
	"fmt"
	"strings"

	"github.com/INLOpen/nexusflow/core"
)

// PublicEntry is the inspection-facing form of an oplog entry: human
// readable, independent of the wire numbering, and safe to expose over the
// query API. It is produced by an explicit per-variant conversion, never by
// reinterpreting the raw representation.
type PublicEntry struct {
	Index     core.OplogIndex   `json:"index"`
	Timestamp string            `json:"timestamp"`
	Kind      string            `json:"kind"`
	Hint      bool              `json:"hint"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func publicEntry(ie IndexedEntry, kind string, fields map[string]string) PublicEntry {
	return PublicEntry{
		Index:     ie.Index,
		Timestamp: ie.Entry.Time().String(),
		Kind:      kind,
		Hint:      IsHint(ie.Entry),
		Fields:    fields,
	}
}

func payloadField(p Payload) string {
	if p.IsExternal() {
		return fmt.Sprintf("external:%s(%d bytes)", p.External.ID, p.External.Size)
	}
	return fmt.Sprintf("inline(%d bytes)", len(p.Data))
}

// ToPublic converts one indexed entry into its public form. Every variant is
// converted field by field.
func ToPublic(ie IndexedEntry) PublicEntry {
	switch e := ie.Entry.(type) {
	case *CreateEntryV0:
		return publicEntry(ie, "Create", map[string]string{
			"schema":             "v0",
			"worker_id":          e.WorkerID.String(),
			"component_revision": fmt.Sprintf("%d", e.ComponentRevision),
		})
	case *CreateEntryV1:
		return publicEntry(ie, "Create", map[string]string{
			"schema":             "v1",
			"worker_id":          e.WorkerID.String(),
			"component_revision": fmt.Sprintf("%d", e.ComponentRevision),
			"component_size":     fmt.Sprintf("%d", e.ComponentSize),
		})
	case *CreateEntry:
		fields := map[string]string{
			"worker_id":          e.WorkerID.String(),
			"component_revision": fmt.Sprintf("%d", e.ComponentRevision),
			"component_size":     fmt.Sprintf("%d", e.ComponentSize),
			"initial_memory":     fmt.Sprintf("%d", e.InitialTotalLinearMemorySize),
		}
		if e.Parent != nil {
			fields["parent"] = e.Parent.String()
		}
		return publicEntry(ie, "Create", fields)
	case *HostCallEntry:
		return publicEntry(ie, "HostCall", map[string]string{
			"function_name": e.FunctionName,
			"function_type": e.FunctionType.String(),
			"request":       payloadField(e.Request),
			"response":      payloadField(e.Response),
		})
	case *AgentInvocationStartedEntry:
		return publicEntry(ie, "AgentInvocationStarted", map[string]string{
			"function_name":   e.FunctionName,
			"idempotency_key": e.IdempotencyKey.String(),
			"request":         payloadField(e.Request),
		})
	case *AgentInvocationFinishedEntry:
		return publicEntry(ie, "AgentInvocationFinished", map[string]string{
			"consumed_fuel":      fmt.Sprintf("%d", e.ConsumedFuel),
			"component_revision": fmt.Sprintf("%d", e.ComponentRevision),
			"response":           payloadField(e.Response),
		})
	case *SuspendEntry:
		return publicEntry(ie, "Suspend", nil)
	case *ErrorEntry:
		return publicEntry(ie, "Error", map[string]string{
			"error":      e.Error.Error(),
			"kind":       e.Error.Kind.String(),
			"retry_from": e.RetryFrom.String(),
		})
	case *NoOpEntry:
		return publicEntry(ie, "NoOp", nil)
	case *JumpEntry:
		return publicEntry(ie, "Jump", map[string]string{"region": e.Jump.String()})
	case *InterruptedEntry:
		return publicEntry(ie, "Interrupted", nil)
	case *ExitedEntry:
		return publicEntry(ie, "Exited", nil)
	case *ChangeRetryPolicyEntry:
		return publicEntry(ie, "ChangeRetryPolicy", map[string]string{
			"max_attempts": fmt.Sprintf("%d", e.NewPolicy.MaxAttempts),
			"min_delay":    e.NewPolicy.MinDelay.String(),
			"max_delay":    e.NewPolicy.MaxDelay.String(),
		})
	case *BeginAtomicRegionEntry:
		return publicEntry(ie, "BeginAtomicRegion", nil)
	case *EndAtomicRegionEntry:
		return publicEntry(ie, "EndAtomicRegion", map[string]string{"begin_index": e.BeginIndex.String()})
	case *BeginRemoteWriteEntry:
		return publicEntry(ie, "BeginRemoteWrite", nil)
	case *EndRemoteWriteEntry:
		return publicEntry(ie, "EndRemoteWrite", map[string]string{"begin_index": e.BeginIndex.String()})
	case *PendingAgentInvocationEntry:
		fields := map[string]string{
			"function_name":   e.Invocation.FunctionName,
			"idempotency_key": e.Invocation.IdempotencyKey.String(),
		}
		if e.Invocation.Kind == core.InvocationManualUpdate {
			fields["target_revision"] = fmt.Sprintf("%d", e.Invocation.TargetRevision)
		}
		return publicEntry(ie, "PendingAgentInvocation", fields)
	case *PendingUpdateEntry:
		return publicEntry(ie, "PendingUpdate", map[string]string{
			"target_revision": fmt.Sprintf("%d", e.Description.TargetRevision),
			"automatic":       fmt.Sprintf("%t", e.Description.Kind == core.UpdateAutomatic),
		})
	case *SuccessfulUpdateEntryV1:
		return publicEntry(ie, "SuccessfulUpdate", map[string]string{
			"schema":          "v1",
			"target_revision": fmt.Sprintf("%d", e.TargetRevision),
		})
	case *SuccessfulUpdateEntry:
		return publicEntry(ie, "SuccessfulUpdate", map[string]string{
			"target_revision":    fmt.Sprintf("%d", e.TargetRevision),
			"new_component_size": fmt.Sprintf("%d", e.NewComponentSize),
		})
	case *FailedUpdateEntry:
		return publicEntry(ie, "FailedUpdate", map[string]string{
			"target_revision": fmt.Sprintf("%d", e.TargetRevision),
			"details":         e.Details,
		})
	case *GrowMemoryEntry:
		return publicEntry(ie, "GrowMemory", map[string]string{"delta": fmt.Sprintf("%d", e.Delta)})
	case *CreateResourceEntry:
		return publicEntry(ie, "CreateResource", map[string]string{
			"id":             fmt.Sprintf("%d", e.ID),
			"resource_owner": e.ResourceType.Owner,
			"resource_name":  e.ResourceType.Name,
		})
	case *DropResourceEntry:
		return publicEntry(ie, "DropResource", map[string]string{"id": fmt.Sprintf("%d", e.ID)})
	case *LogEntry:
		return publicEntry(ie, "Log", map[string]string{
			"level":   e.Level.String(),
			"context": e.Context,
			"message": e.Message,
		})
	case *RestartEntry:
		return publicEntry(ie, "Restart", nil)
	case *ActivatePluginEntry:
		return publicEntry(ie, "ActivatePlugin", map[string]string{
			"plugin_id": e.Plugin.Installation.PluginID.String(),
			"priority":  fmt.Sprintf("%d", e.Plugin.Priority),
		})
	case *DeactivatePluginEntry:
		return publicEntry(ie, "DeactivatePlugin", map[string]string{
			"plugin_id": e.Plugin.Installation.PluginID.String(),
			"priority":  fmt.Sprintf("%d", e.Plugin.Priority),
		})
	case *RevertEntry:
		return publicEntry(ie, "Revert", map[string]string{"dropped_region": e.DroppedRegion.String()})
	case *CancelPendingInvocationEntry:
		return publicEntry(ie, "CancelPendingInvocation", map[string]string{
			"idempotency_key": e.IdempotencyKey.String(),
		})
	case *StartSpanEntry:
		fields := map[string]string{"span_id": e.SpanID.Value, "name": e.Name}
		if e.Parent != nil {
			fields["parent"] = e.Parent.Value
		}
		return publicEntry(ie, "StartSpan", fields)
	case *FinishSpanEntry:
		return publicEntry(ie, "FinishSpan", map[string]string{"span_id": e.SpanID.Value})
	case *SetSpanAttributeEntry:
		return publicEntry(ie, "SetSpanAttribute", map[string]string{
			"span_id": e.SpanID.Value,
			"key":     e.Key,
			"value":   e.Value,
		})
	case *ChangePersistenceLevelEntry:
		return publicEntry(ie, "ChangePersistenceLevel", map[string]string{"level": e.Level.String()})
	case *BeginRemoteTransactionEntry:
		fields := map[string]string{"transaction_id": e.TransactionID.String()}
		if e.OriginalBeginIndex != nil {
			fields["original_begin_index"] = e.OriginalBeginIndex.String()
		}
		return publicEntry(ie, "BeginRemoteTransaction", fields)
	case *PreCommitRemoteTransactionEntry:
		return publicEntry(ie, "PreCommitRemoteTransaction", map[string]string{"begin_index": e.BeginIndex.String()})
	case *PreRollbackRemoteTransactionEntry:
		return publicEntry(ie, "PreRollbackRemoteTransaction", map[string]string{"begin_index": e.BeginIndex.String()})
	case *CommittedRemoteTransactionEntry:
		return publicEntry(ie, "CommittedRemoteTransaction", map[string]string{"begin_index": e.BeginIndex.String()})
	case *RolledBackRemoteTransactionEntry:
		return publicEntry(ie, "RolledBackRemoteTransaction", map[string]string{"begin_index": e.BeginIndex.String()})
	case *SnapshotEntry:
		return publicEntry(ie, "Snapshot", map[string]string{
			"mime_type": e.MIMEType,
			"data":      payloadField(e.Data),
		})
	default:
		return publicEntry(ie, fmt.Sprintf("Unknown(%d)", ie.Entry.Type()), nil)
	}
}

// Matches reports whether the public entry matches a free-text query: a case
// insensitive substring match over the kind and all field values.
func (p PublicEntry) Matches(query string) bool {
	if query == "" {
		return true
	}
	query = strings.ToLower(query)
	if strings.Contains(strings.ToLower(p.Kind), query) {
		return true
	}
	for _, v := range p.Fields {
		if strings.Contains(strings.ToLower(v), query) {
			return true
		}
	}
	return false
}
