// Package worker derives worker state from the oplog: the status projection,
// retry decisions, the pending invocation queue and the per-worker execution
// context. Everything in this package treats the oplog as the single source
// of truth; derived records are caches that can always be recomputed.
package worker

import (
	"fmt"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// statusReadBatch is the number of entries fetched per store read while
// recomputing a status record.
const statusReadBatch = 512

// UpdateStatusWithNewEntries folds entries appended after lastKnown.OplogIdx
// into the status record. entries must be in ascending index order. The
// returned bool is false when the new entries invalidate the incremental fold
// (a revert dropped the region the cached record was computed at) and the
// status must be recomputed from the beginning of the oplog.
func UpdateStatusWithNewEntries(lastKnown core.WorkerStatusRecord, entries []oplog.IndexedEntry, defaultRetry core.RetryConfig) (core.WorkerStatusRecord, bool) {
	deletedRegions := calculateDeletedRegions(lastKnown.DeletedRegions, entries)
	skippedRegions := calculateSkippedRegions(lastKnown.SkippedRegions, &deletedRegions, entries)

	// If the cached record's position fell into a freshly skipped region, the
	// fold over new entries alone is not valid. A snapshot-based update
	// already accounted for its override while it was pending, so only a
	// change in the effective (override-merged) regions forces the recompute.
	if skippedRegions.Contains(lastKnown.OplogIdx) {
		oldEffective := lastKnown.SkippedRegions.Clone()
		oldEffective.MergeOverride()
		newEffective := skippedRegions.Clone()
		newEffective.MergeOverride()
		if !newEffective.Equal(&oldEffective) {
			return core.WorkerStatusRecord{}, false
		}
	}

	status, retryCounts, overriddenRetry := calculateLatestWorkerStatus(
		lastKnown.Status,
		cloneRetryCounts(lastKnown.CurrentRetryCount),
		cloneRetryConfig(lastKnown.OverriddenRetryConfig),
		defaultRetry,
		&skippedRegions,
		&deletedRegions,
		entries,
	)

	pendingInvocations := calculatePendingInvocations(
		append([]core.TimestampedInvocation(nil), lastKnown.PendingInvocations...),
		entries,
	)

	pendingUpdates, failedUpdates, successfulUpdates, revision, size, revisionForReplay := calculateUpdateFields(
		append([]core.TimestampedUpdateDescription(nil), lastKnown.PendingUpdates...),
		append([]core.FailedUpdateRecord(nil), lastKnown.FailedUpdates...),
		append([]core.SuccessfulUpdateRecord(nil), lastKnown.SuccessfulUpdates...),
		lastKnown.ComponentRevision,
		lastKnown.ComponentSize,
		lastKnown.ComponentRevisionForReplay,
		&deletedRegions,
		entries,
	)

	invocationResults, currentKey := calculateInvocationResults(
		cloneInvocationResults(lastKnown.InvocationResults),
		cloneIdempotencyKey(lastKnown.CurrentIdempotencyKey),
		&deletedRegions,
		entries,
	)

	totalLinearMemorySize := calculateTotalLinearMemorySize(
		lastKnown.TotalLinearMemorySize,
		&skippedRegions,
		entries,
	)

	ownedResources := collectResources(
		cloneResources(lastKnown.OwnedResources),
		&skippedRegions,
		entries,
	)

	activePlugins := calculateActivePlugins(
		lastKnown.ActivePlugins.Clone(),
		&deletedRegions,
		entries,
	)

	oplogIdx := lastKnown.OplogIdx
	if len(entries) > 0 {
		oplogIdx = entries[len(entries)-1].Index
	}

	return core.WorkerStatusRecord{
		OplogIdx:                   oplogIdx,
		Status:                     status,
		OverriddenRetryConfig:      overriddenRetry,
		CurrentRetryCount:          retryCounts,
		PendingInvocations:         pendingInvocations,
		SkippedRegions:             skippedRegions,
		DeletedRegions:             deletedRegions,
		PendingUpdates:             pendingUpdates,
		FailedUpdates:              failedUpdates,
		SuccessfulUpdates:          successfulUpdates,
		InvocationResults:          invocationResults,
		CurrentIdempotencyKey:      currentKey,
		ComponentRevision:          revision,
		ComponentRevisionForReplay: revisionForReplay,
		ComponentSize:              size,
		TotalLinearMemorySize:      totalLinearMemorySize,
		OwnedResources:             ownedResources,
		ActivePlugins:              activePlugins,
	}, true
}

// CalculateLastKnownStatus brings a cached status record up to date against
// the store. Passing nil for lastKnown recomputes from the beginning. A
// structurally corrupt oplog degrades to a synthetic Failed record so a
// single bad worker cannot take down the executor.
func CalculateLastKnownStatus(store oplog.Store, workerID core.WorkerID, lastKnown *core.WorkerStatusRecord, defaultRetry core.RetryConfig) (core.WorkerStatusRecord, error) {
	lastIndex, err := store.GetLastIndex(workerID)
	if err != nil {
		return core.WorkerStatusRecord{}, fmt.Errorf("reading last oplog index for %s: %w", workerID, err)
	}
	if lastIndex == core.OplogIndexNone {
		// Without at least the Create entry there is nothing to recover the
		// component revision from.
		return core.WorkerStatusRecord{}, core.ErrWorkerNotFound
	}

	known := core.NewWorkerStatusRecord()
	if lastKnown != nil {
		known = lastKnown.Clone()
	}
	if known.OplogIdx == lastIndex {
		return known, nil
	}

	entries, err := readRange(store, workerID, known.OplogIdx.Next(), lastIndex)
	if err != nil {
		if core.IsCorruptOplogError(err) {
			return syntheticFailedRecord(lastIndex), nil
		}
		return core.WorkerStatusRecord{}, err
	}

	result, ok := UpdateStatusWithNewEntries(known, entries, defaultRetry)
	if !ok {
		// The cached record pointed into a region dropped by a revert; fold
		// the whole log instead. Starting from scratch the record's position
		// is OplogIndexNone which no region can contain, so this cannot
		// recurse.
		return CalculateLastKnownStatus(store, workerID, nil, defaultRetry)
	}
	return result, nil
}

func readRange(store oplog.Store, workerID core.WorkerID, from, to core.OplogIndex) ([]oplog.IndexedEntry, error) {
	var out []oplog.IndexedEntry
	for from <= to {
		batch, err := store.Read(workerID, from, statusReadBatch)
		if err != nil {
			return nil, fmt.Errorf("reading oplog for %s at %d: %w", workerID, from, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, ie := range batch {
			if ie.Index > to {
				return out, nil
			}
			out = append(out, ie)
		}
		from = batch[len(batch)-1].Index.Next()
	}
	return out, nil
}

func syntheticFailedRecord(lastIndex core.OplogIndex) core.WorkerStatusRecord {
	record := core.NewWorkerStatusRecord()
	record.OplogIdx = lastIndex
	record.Status = core.WorkerStatusFailed
	return record
}

func calculateLatestWorkerStatus(
	status core.WorkerStatus,
	retryCounts map[core.OplogIndex]uint32,
	overriddenRetry *core.RetryConfig,
	defaultRetry core.RetryConfig,
	skippedRegions *core.DeletedRegions,
	deletedRegions *core.DeletedRegions,
	entries []oplog.IndexedEntry,
) (core.WorkerStatus, map[core.OplogIndex]uint32, *core.RetryConfig) {
	for _, ie := range entries {
		// Entries in skipped regions are skipped during replay too.
		if skippedRegions.Contains(ie.Index) {
			continue
		}

		if !deletedRegions.Contains(ie.Index) {
			if e, ok := ie.Entry.(*oplog.ErrorEntry); ok {
				if retryCounts == nil {
					retryCounts = make(map[core.OplogIndex]uint32)
				}
				newCount := retryCounts[e.RetryFrom] + 1
				retryCounts[e.RetryFrom] = newCount
				config := defaultRetry
				if overriddenRetry != nil {
					config = *overriddenRetry
				}
				if e.Error.IsRetriable(config, newCount) {
					status = core.WorkerStatusRetrying
				} else {
					status = core.WorkerStatusFailed
				}
			}
		}

		switch e := ie.Entry.(type) {
		case *oplog.CreateEntry, *oplog.CreateEntryV1, *oplog.CreateEntryV0:
			status = core.WorkerStatusIdle
		case *oplog.HostCallEntry:
			status = core.WorkerStatusRunning
		case *oplog.AgentInvocationStartedEntry:
			status = core.WorkerStatusRunning
			retryCounts = nil
		case *oplog.AgentInvocationFinishedEntry:
			status = core.WorkerStatusIdle
			retryCounts = nil
		case *oplog.SuspendEntry:
			status = core.WorkerStatusSuspended
		case *oplog.NoOpEntry, *oplog.JumpEntry:
			status = core.WorkerStatusRunning
		case *oplog.InterruptedEntry:
			status = core.WorkerStatusInterrupted
		case *oplog.ExitedEntry:
			status = core.WorkerStatusExited
		case *oplog.ChangeRetryPolicyEntry:
			policy := e.NewPolicy
			overriddenRetry = &policy
			status = core.WorkerStatusRunning
		case *oplog.BeginAtomicRegionEntry, *oplog.EndAtomicRegionEntry,
			*oplog.BeginRemoteWriteEntry, *oplog.EndRemoteWriteEntry:
			status = core.WorkerStatusRunning
		case *oplog.PendingUpdateEntry:
			if status == core.WorkerStatusFailed {
				status = core.WorkerStatusRetrying
			}
		case *oplog.LogEntry:
			status = core.WorkerStatusRunning
		case *oplog.RestartEntry:
			status = core.WorkerStatusIdle
		case *oplog.StartSpanEntry, *oplog.FinishSpanEntry, *oplog.SetSpanAttributeEntry:
			status = core.WorkerStatusRunning
		case *oplog.ChangePersistenceLevelEntry:
			status = core.WorkerStatusRunning
		case *oplog.BeginRemoteTransactionEntry,
			*oplog.PreCommitRemoteTransactionEntry,
			*oplog.PreRollbackRemoteTransactionEntry,
			*oplog.CommittedRemoteTransactionEntry,
			*oplog.RolledBackRemoteTransactionEntry:
			status = core.WorkerStatusRunning
		case *oplog.SnapshotEntry:
			status = core.WorkerStatusRunning
		default:
			// Pending invocations, updates, memory, resource and plugin
			// entries, reverts and errors do not change the status here.
		}
	}
	return status, retryCounts, overriddenRetry
}

func calculateDeletedRegions(initial core.DeletedRegions, entries []oplog.IndexedEntry) core.DeletedRegions {
	builder := core.NewDeletedRegionsBuilderFromRegions(initial.Regions())
	for _, ie := range entries {
		if e, ok := ie.Entry.(*oplog.RevertEntry); ok {
			builder.Add(e.DroppedRegion)
		}
	}
	return builder.Build()
}

func calculateSkippedRegions(initial core.DeletedRegions, deletedRegions *core.DeletedRegions, entries []oplog.IndexedEntry) core.DeletedRegions {
	override := initial.GetOverride()
	builder := core.NewDeletedRegionsBuilderFromRegions(initial.Regions())

	for _, ie := range entries {
		// Regions dropped by a revert do not contribute skipped regions.
		if deletedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.JumpEntry:
			builder.Add(e.Jump)
		case *oplog.RevertEntry:
			builder.Add(e.DroppedRegion)
		case *oplog.PendingUpdateEntry:
			if e.Description.Kind == core.UpdateSnapshotBased {
				// While a snapshot-based update is pending, replay skips the
				// whole pre-update history.
				ovr := core.NewDeletedRegions(core.OplogRegion{
					Start: core.OplogIndexInitial.Next(),
					End:   ie.Index,
				})
				override = &ovr
			}
		case *oplog.SuccessfulUpdateEntry, *oplog.SuccessfulUpdateEntryV1:
			if override != nil {
				for _, region := range override.Regions() {
					builder.Add(region)
				}
				override = nil
			}
		case *oplog.FailedUpdateEntry:
			override = nil
		}
	}

	for _, region := range deletedRegions.Regions() {
		builder.Add(region)
	}

	result := builder.Build()
	if override != nil {
		result.SetOverride(override.Clone())
	}
	return result
}

// calculatePendingInvocations maintains the durable invocation queue. Skipped
// regions do not matter here: a request arriving in a retried iteration is
// still pending. Deleted regions are also folded, so that an invocation
// attempted inside a reverted region is not retried by the revert, while one
// that was never started stays queued.
func calculatePendingInvocations(result []core.TimestampedInvocation, entries []oplog.IndexedEntry) []core.TimestampedInvocation {
	for _, ie := range entries {
		switch e := ie.Entry.(type) {
		case *oplog.PendingAgentInvocationEntry:
			result = append(result, core.TimestampedInvocation{
				Timestamp:  e.Timestamp,
				Invocation: e.Invocation,
			})
		case *oplog.AgentInvocationStartedEntry:
			result = retainInvocations(result, func(inv core.TimestampedInvocation) bool {
				return inv.Invocation.Kind != core.InvocationExportedFunction ||
					inv.Invocation.IdempotencyKey != e.IdempotencyKey
			})
		case *oplog.PendingUpdateEntry:
			if e.Description.Kind == core.UpdateSnapshotBased {
				result = retainInvocations(result, func(inv core.TimestampedInvocation) bool {
					return inv.Invocation.Kind != core.InvocationManualUpdate ||
						inv.Invocation.TargetRevision != e.Description.TargetRevision
				})
			}
		case *oplog.FailedUpdateEntry:
			result = retainInvocations(result, func(inv core.TimestampedInvocation) bool {
				return inv.Invocation.Kind != core.InvocationManualUpdate ||
					inv.Invocation.TargetRevision != e.TargetRevision
			})
		case *oplog.CancelPendingInvocationEntry:
			result = retainInvocations(result, func(inv core.TimestampedInvocation) bool {
				return inv.Invocation.Kind != core.InvocationExportedFunction ||
					inv.Invocation.IdempotencyKey != e.IdempotencyKey
			})
		}
	}
	return result
}

func retainInvocations(invocations []core.TimestampedInvocation, keep func(core.TimestampedInvocation) bool) []core.TimestampedInvocation {
	out := invocations[:0]
	for _, inv := range invocations {
		if keep(inv) {
			out = append(out, inv)
		}
	}
	return out
}

func calculateUpdateFields(
	pendingUpdates []core.TimestampedUpdateDescription,
	failedUpdates []core.FailedUpdateRecord,
	successfulUpdates []core.SuccessfulUpdateRecord,
	revision core.ComponentRevision,
	size uint64,
	revisionForReplay core.ComponentRevision,
	deletedRegions *core.DeletedRegions,
	entries []oplog.IndexedEntry,
) ([]core.TimestampedUpdateDescription, []core.FailedUpdateRecord, []core.SuccessfulUpdateRecord, core.ComponentRevision, uint64, core.ComponentRevision) {
	for _, ie := range entries {
		if deletedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.CreateEntry:
			revision = e.ComponentRevision
			revisionForReplay = e.ComponentRevision
			size = e.ComponentSize
		case *oplog.CreateEntryV1:
			revision = e.ComponentRevision
			revisionForReplay = e.ComponentRevision
			size = e.ComponentSize
		case *oplog.CreateEntryV0:
			revision = e.ComponentRevision
			revisionForReplay = e.ComponentRevision
		case *oplog.PendingUpdateEntry:
			pendingUpdates = append(pendingUpdates, core.TimestampedUpdateDescription{
				Timestamp:   e.Timestamp,
				OplogIndex:  ie.Index,
				Description: e.Description,
			})
		case *oplog.FailedUpdateEntry:
			failedUpdates = append(failedUpdates, core.FailedUpdateRecord{
				Timestamp:      e.Timestamp,
				TargetRevision: e.TargetRevision,
				Details:        e.Details,
			})
			if len(pendingUpdates) > 0 {
				pendingUpdates = pendingUpdates[1:]
			}
		case *oplog.SuccessfulUpdateEntry:
			successfulUpdates = append(successfulUpdates, core.SuccessfulUpdateRecord{
				Timestamp:      e.Timestamp,
				TargetRevision: e.TargetRevision,
			})
			revision = e.TargetRevision
			size = e.NewComponentSize
			if len(pendingUpdates) > 0 {
				applied := pendingUpdates[0]
				pendingUpdates = pendingUpdates[1:]
				if applied.Description.Kind == core.UpdateSnapshotBased {
					// Replay after a snapshot-based update starts on the new
					// revision; the skipped history never runs again.
					revisionForReplay = e.TargetRevision
				}
			}
		case *oplog.SuccessfulUpdateEntryV1:
			successfulUpdates = append(successfulUpdates, core.SuccessfulUpdateRecord{
				Timestamp:      e.Timestamp,
				TargetRevision: e.TargetRevision,
			})
			revision = e.TargetRevision
			if len(pendingUpdates) > 0 {
				applied := pendingUpdates[0]
				pendingUpdates = pendingUpdates[1:]
				if applied.Description.Kind == core.UpdateSnapshotBased {
					revisionForReplay = e.TargetRevision
				}
			}
		}
	}
	return pendingUpdates, failedUpdates, successfulUpdates, revision, size, revisionForReplay
}

func calculateInvocationResults(
	results map[string]core.OplogIndex,
	currentKey *core.IdempotencyKey,
	deletedRegions *core.DeletedRegions,
	entries []oplog.IndexedEntry,
) (map[string]core.OplogIndex, *core.IdempotencyKey) {
	record := func(idx core.OplogIndex) {
		if currentKey == nil {
			return
		}
		if results == nil {
			results = make(map[string]core.OplogIndex)
		}
		results[currentKey.Value] = idx
	}

	for _, ie := range entries {
		if deletedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.AgentInvocationStartedEntry:
			key := e.IdempotencyKey
			currentKey = &key
		case *oplog.AgentInvocationFinishedEntry:
			record(ie.Index)
			currentKey = nil
		case *oplog.ErrorEntry:
			record(ie.Index)
		case *oplog.ExitedEntry:
			record(ie.Index)
		}
	}
	return results, currentKey
}

func calculateTotalLinearMemorySize(total uint64, skippedRegions *core.DeletedRegions, entries []oplog.IndexedEntry) uint64 {
	for _, ie := range entries {
		// Skipped entries are not applied during replay.
		if skippedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.CreateEntry:
			total = e.InitialTotalLinearMemorySize
		case *oplog.CreateEntryV1:
			total = e.InitialTotalLinearMemorySize
		case *oplog.GrowMemoryEntry:
			total += e.Delta
		}
	}
	return total
}

func collectResources(
	result map[core.WorkerResourceID]core.WorkerResourceDescription,
	skippedRegions *core.DeletedRegions,
	entries []oplog.IndexedEntry,
) map[core.WorkerResourceID]core.WorkerResourceDescription {
	for _, ie := range entries {
		if skippedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.CreateResourceEntry:
			if result == nil {
				result = make(map[core.WorkerResourceID]core.WorkerResourceDescription)
			}
			result[e.ID] = core.WorkerResourceDescription{
				CreatedAt:     e.Timestamp,
				ResourceOwner: e.ResourceType.Owner,
				ResourceName:  e.ResourceType.Name,
			}
		case *oplog.DropResourceEntry:
			delete(result, e.ID)
		}
	}
	return result
}

func calculateActivePlugins(result core.PluginSet, deletedRegions *core.DeletedRegions, entries []oplog.IndexedEntry) core.PluginSet {
	for _, ie := range entries {
		if deletedRegions.Contains(ie.Index) {
			continue
		}

		switch e := ie.Entry.(type) {
		case *oplog.CreateEntry:
			result = core.NewPluginSet(e.InitialActivePlugins...)
		case *oplog.CreateEntryV0, *oplog.CreateEntryV1:
			result = core.NewPluginSet()
		case *oplog.ActivatePluginEntry:
			result.Add(e.Plugin)
		case *oplog.DeactivatePluginEntry:
			result.Remove(e.Plugin)
		case *oplog.SuccessfulUpdateEntry:
			result = core.NewPluginSet(e.NewActivePlugins...)
		}
	}
	return result
}

func cloneRetryCounts(in map[core.OplogIndex]uint32) map[core.OplogIndex]uint32 {
	if in == nil {
		return nil
	}
	out := make(map[core.OplogIndex]uint32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRetryConfig(in *core.RetryConfig) *core.RetryConfig {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

func cloneIdempotencyKey(in *core.IdempotencyKey) *core.IdempotencyKey {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}

func cloneInvocationResults(in map[string]core.OplogIndex) map[string]core.OplogIndex {
	if in == nil {
		return nil
	}
	out := make(map[string]core.OplogIndex, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneResources(in map[core.WorkerResourceID]core.WorkerResourceDescription) map[core.WorkerResourceID]core.WorkerResourceDescription {
	if in == nil {
		return nil
	}
	out := make(map[core.WorkerResourceID]core.WorkerResourceDescription, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
