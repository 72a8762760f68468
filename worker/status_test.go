package worker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

func testWorkerID() core.WorkerID {
	return core.WorkerID{ComponentID: uuid.New(), WorkerName: "worker-1"}
}

func mustAppend(t *testing.T, store oplog.Store, workerID core.WorkerID, entries ...oplog.Entry) core.OplogIndex {
	t.Helper()
	first, err := store.Append(workerID, entries...)
	require.NoError(t, err)
	return first
}

func foldStatus(t *testing.T, store oplog.Store, workerID core.WorkerID, lastKnown *core.WorkerStatusRecord) core.WorkerStatusRecord {
	t.Helper()
	record, err := CalculateLastKnownStatus(store, workerID, lastKnown, core.DefaultRetryConfig())
	require.NoError(t, err)
	return record
}

func requireSameRecord(t *testing.T, want, got core.WorkerStatusRecord) {
	t.Helper()
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func TestStatus_InvocationLifecycle(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	key := core.IdempotencyKey{Value: "inv-1"}

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{
			Timestamp:                    core.Now(),
			WorkerID:                     workerID,
			ComponentRevision:            3,
			ComponentSize:                100,
			InitialTotalLinearMemorySize: 200,
		}, // 1
		&oplog.HostCallEntry{
			Timestamp:    core.Now(),
			FunctionName: "host::api::poll",
			Request:      oplog.InlinePayload([]byte(`{}`)),
			Response:     oplog.InlinePayload([]byte(`{}`)),
			FunctionType: oplog.ReadRemote(),
		}, // 2
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: key,
		}, // 3
		&oplog.AgentInvocationFinishedEntry{
			Timestamp:         core.Now(),
			Response:          oplog.InlinePayload([]byte(`{}`)),
			ConsumedFuel:      10,
			ComponentRevision: 3,
		}, // 4
		&oplog.SuspendEntry{Timestamp: core.Now()}, // 5
	)

	record := foldStatus(t, store, workerID, nil)
	assert.Equal(t, core.OplogIndex(5), record.OplogIdx)
	assert.Equal(t, core.WorkerStatusSuspended, record.Status)
	assert.Equal(t, core.ComponentRevision(3), record.ComponentRevision)
	assert.Equal(t, core.ComponentRevision(3), record.ComponentRevisionForReplay)
	assert.Equal(t, uint64(100), record.ComponentSize)
	assert.Equal(t, uint64(200), record.TotalLinearMemorySize)
	assert.Equal(t, core.OplogIndex(4), record.InvocationResults[key.Value])
	assert.Nil(t, record.CurrentIdempotencyKey)
	assert.Empty(t, record.CurrentRetryCount)
}

func TestStatus_IncrementalFoldMatchesFromScratch(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	key := core.IdempotencyKey{Value: "inv-1"}

	steps := []oplog.Entry{
		&oplog.CreateEntry{
			Timestamp:                    core.Now(),
			WorkerID:                     workerID,
			ComponentRevision:            1,
			ComponentSize:                50,
			InitialTotalLinearMemorySize: 100,
		},
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: key,
		},
		&oplog.HostCallEntry{
			Timestamp:    core.Now(),
			FunctionName: "host::api::poll",
			Request:      oplog.InlinePayload([]byte(`{}`)),
			Response:     oplog.InlinePayload([]byte(`{}`)),
			FunctionType: oplog.ReadRemote(),
		},
		&oplog.LogEntry{Timestamp: core.Now(), Level: core.LogLevelInfo, Message: "working"},
		&oplog.GrowMemoryEntry{Timestamp: core.Now(), Delta: 64},
		&oplog.AgentInvocationFinishedEntry{
			Timestamp:         core.Now(),
			Response:          oplog.InlinePayload([]byte(`{}`)),
			ComponentRevision: 1,
		},
		&oplog.PendingAgentInvocationEntry{
			Timestamp: core.Now(),
			Invocation: core.Invocation{
				Kind:           core.InvocationExportedFunction,
				IdempotencyKey: core.IdempotencyKey{Value: "inv-2"},
				FunctionName:   "run",
			},
		},
		&oplog.ErrorEntry{
			Timestamp: core.Now(),
			Error:     core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"},
			RetryFrom: 7,
		},
		&oplog.SuspendEntry{Timestamp: core.Now()},
	}

	incremental := core.NewWorkerStatusRecord()
	for _, entry := range steps {
		mustAppend(t, store, workerID, entry)
		incremental = foldStatus(t, store, workerID, &incremental)
	}

	fromScratch := foldStatus(t, store, workerID, nil)
	requireSameRecord(t, fromScratch, incremental)
}

func TestStatus_RetryCountsGroupByRetryFrom(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	failure := core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"}

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: core.IdempotencyKey{Value: "inv-1"},
		}, // 2
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 3
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 4
	)

	record := foldStatus(t, store, workerID, nil)
	assert.Equal(t, core.WorkerStatusRetrying, record.Status)
	assert.Equal(t, uint32(2), record.CurrentRetryCount[2])

	// The third attempt exhausts the default budget of three.
	mustAppend(t, store, workerID,
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 5
	)
	record = foldStatus(t, store, workerID, &record)
	assert.Equal(t, core.WorkerStatusFailed, record.Status)
	assert.Equal(t, uint32(3), record.CurrentRetryCount[2])

	// A policy override from this point forward makes further attempts
	// retriable again.
	mustAppend(t, store, workerID,
		&oplog.ChangeRetryPolicyEntry{
			Timestamp: core.Now(),
			NewPolicy: core.RetryConfig{MaxAttempts: 10, MinDelay: 1, MaxDelay: 1, Multiplier: 1},
		}, // 6
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 7
	)
	record = foldStatus(t, store, workerID, &record)
	assert.Equal(t, core.WorkerStatusRetrying, record.Status)
	assert.Equal(t, uint32(4), record.CurrentRetryCount[2])
	require.NotNil(t, record.OverriddenRetryConfig)
	assert.Equal(t, uint32(10), record.OverriddenRetryConfig.MaxAttempts)
}

func TestStatus_InvocationStartClearsRetryCounts(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.ErrorEntry{
			Timestamp: core.Now(),
			Error:     core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"},
			RetryFrom: 1,
		}, // 2
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: core.IdempotencyKey{Value: "inv-1"},
		}, // 3
	)

	record := foldStatus(t, store, workerID, nil)
	assert.Equal(t, core.WorkerStatusRunning, record.Status)
	assert.Empty(t, record.CurrentRetryCount)
}

func TestStatus_JumpSkipsRegionAndForcesRecompute(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{
			Timestamp:                    core.Now(),
			WorkerID:                     workerID,
			ComponentRevision:            1,
			InitialTotalLinearMemorySize: 100,
		}, // 1
		&oplog.GrowMemoryEntry{Timestamp: core.Now(), Delta: 64}, // 2
	)
	cached := foldStatus(t, store, workerID, nil)
	assert.Equal(t, uint64(164), cached.TotalLinearMemorySize)

	jumpIdx := mustAppend(t, store, workerID,
		&oplog.JumpEntry{Timestamp: core.Now(), Jump: core.OplogRegion{Start: 2, End: 2}}, // 3
	)
	require.Equal(t, core.OplogIndex(3), jumpIdx)

	// The cached record was computed at an index that is now skipped, so the
	// incremental fold must bail out.
	entries, err := store.Read(workerID, jumpIdx, 1)
	require.NoError(t, err)
	_, ok := UpdateStatusWithNewEntries(cached, entries, core.DefaultRetryConfig())
	assert.False(t, ok)

	// CalculateLastKnownStatus recovers by folding from the beginning.
	fromCached := foldStatus(t, store, workerID, &cached)
	fromScratch := foldStatus(t, store, workerID, nil)
	requireSameRecord(t, fromScratch, fromCached)

	assert.True(t, fromScratch.SkippedRegions.Contains(2))
	assert.Equal(t, uint64(100), fromScratch.TotalLinearMemorySize,
		"the skipped growth never happens during replay")
	assert.Equal(t, core.WorkerStatusRunning, fromScratch.Status)
}

func TestStatus_RevertDropsResultsAndErrors(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	key := core.IdempotencyKey{Value: "inv-1"}

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.PendingAgentInvocationEntry{
			Timestamp: core.Now(),
			Invocation: core.Invocation{
				Kind:           core.InvocationExportedFunction,
				IdempotencyKey: key,
				FunctionName:   "run",
			},
		}, // 2
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: key,
		}, // 3
		&oplog.ErrorEntry{
			Timestamp: core.Now(),
			Error:     core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"},
			RetryFrom: 3,
		}, // 4
		&oplog.RevertEntry{Timestamp: core.Now(), DroppedRegion: core.OplogRegion{Start: 3, End: 4}}, // 5
	)

	record := foldStatus(t, store, workerID, nil)
	assert.True(t, record.DeletedRegions.Contains(3))
	assert.True(t, record.DeletedRegions.Contains(4))
	assert.True(t, record.SkippedRegions.Contains(3))

	assert.Equal(t, core.WorkerStatusIdle, record.Status, "the reverted error does not count")
	assert.Empty(t, record.CurrentRetryCount)
	assert.Empty(t, record.InvocationResults)
	assert.Nil(t, record.CurrentIdempotencyKey)

	// The invocation was attempted; reverting its execution does not put it
	// back in the queue.
	assert.Empty(t, record.PendingInvocations)
}

func TestStatus_PendingInvocationFold(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	keyA := core.IdempotencyKey{Value: "inv-a"}
	keyB := core.IdempotencyKey{Value: "inv-b"}

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.PendingAgentInvocationEntry{
			Timestamp:  core.Now(),
			Invocation: core.Invocation{Kind: core.InvocationExportedFunction, IdempotencyKey: keyA, FunctionName: "run"},
		}, // 2
		&oplog.PendingAgentInvocationEntry{
			Timestamp:  core.Now(),
			Invocation: core.Invocation{Kind: core.InvocationExportedFunction, IdempotencyKey: keyB, FunctionName: "run"},
		}, // 3
	)
	record := foldStatus(t, store, workerID, nil)
	require.Len(t, record.PendingInvocations, 2)

	mustAppend(t, store, workerID,
		&oplog.CancelPendingInvocationEntry{Timestamp: core.Now(), IdempotencyKey: keyA}, // 4
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: keyB,
		}, // 5
	)
	record = foldStatus(t, store, workerID, &record)
	assert.Empty(t, record.PendingInvocations)
}

func TestStatus_AutomaticUpdate(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1, ComponentSize: 1000}, // 1
		&oplog.PendingUpdateEntry{
			Timestamp:   core.Now(),
			Description: core.UpdateDescription{Kind: core.UpdateAutomatic, TargetRevision: 2},
		}, // 2
		&oplog.SuccessfulUpdateEntry{Timestamp: core.Now(), TargetRevision: 2, NewComponentSize: 2000}, // 3
	)

	record := foldStatus(t, store, workerID, nil)
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevision)
	assert.Equal(t, uint64(2000), record.ComponentSize)
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevisionForReplay,
		"automatic updates replay the old history on the new revision")
	assert.Empty(t, record.PendingUpdates)
	require.Len(t, record.SuccessfulUpdates, 1)
	assert.Equal(t, core.ComponentRevision(2), record.SuccessfulUpdates[0].TargetRevision)
	assert.False(t, record.SkippedRegions.IsOverridden())
}

func TestStatus_SnapshotUpdateSkipsHistoryOnSuccess(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.NoOpEntry{Timestamp: core.Now()},                                             // 2
		&oplog.NoOpEntry{Timestamp: core.Now()},                                             // 3
		&oplog.PendingUpdateEntry{
			Timestamp:   core.Now(),
			Description: core.UpdateDescription{Kind: core.UpdateSnapshotBased, TargetRevision: 2},
		}, // 4
	)

	record := foldStatus(t, store, workerID, nil)
	assert.True(t, record.SkippedRegions.IsOverridden(),
		"the pre-update history is provisionally skipped while the update is pending")
	require.Len(t, record.PendingUpdates, 1)

	mustAppend(t, store, workerID,
		&oplog.SuccessfulUpdateEntry{Timestamp: core.Now(), TargetRevision: 2, NewComponentSize: 500}, // 5
	)
	record = foldStatus(t, store, workerID, &record)
	assert.False(t, record.SkippedRegions.IsOverridden())
	assert.True(t, record.SkippedRegions.Contains(2))
	assert.True(t, record.SkippedRegions.Contains(4))
	assert.False(t, record.SkippedRegions.Contains(5))
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevision)
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevisionForReplay,
		"replay starts from the snapshot on the new revision")
	assert.Empty(t, record.PendingUpdates)
}

func TestStatus_FailedSnapshotUpdateKeepsHistory(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.NoOpEntry{Timestamp: core.Now()},                                             // 2
		&oplog.PendingUpdateEntry{
			Timestamp:   core.Now(),
			Description: core.UpdateDescription{Kind: core.UpdateSnapshotBased, TargetRevision: 2},
		}, // 3
		&oplog.FailedUpdateEntry{Timestamp: core.Now(), TargetRevision: 2, Details: "snapshot rejected"}, // 4
	)

	record := foldStatus(t, store, workerID, nil)
	assert.False(t, record.SkippedRegions.IsOverridden())
	assert.False(t, record.SkippedRegions.Contains(2), "the history stays replayable")
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevision)
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevisionForReplay)
	assert.Empty(t, record.PendingUpdates)
	require.Len(t, record.FailedUpdates, 1)
	assert.Equal(t, "snapshot rejected", record.FailedUpdates[0].Details)
}

func TestStatus_ResourcesAndPlugins(t *testing.T) {
	workerID := testWorkerID()
	store := oplog.NewMemStore()
	p1 := core.PluginPriority{Priority: 1, Installation: core.PluginInstallation{PluginID: uuid.New(), Revision: 1}}
	p2 := core.PluginPriority{Priority: 2, Installation: core.PluginInstallation{PluginID: uuid.New(), Revision: 1}}

	mustAppend(t, store, workerID,
		&oplog.CreateEntry{
			Timestamp:            core.Now(),
			WorkerID:             workerID,
			ComponentRevision:    1,
			InitialActivePlugins: []core.PluginPriority{p1},
		}, // 1
		&oplog.CreateResourceEntry{
			Timestamp:    core.Now(),
			ID:           0,
			ResourceType: core.ResourceTypeID{Owner: "host", Name: "stream"},
		}, // 2
		&oplog.CreateResourceEntry{
			Timestamp:    core.Now(),
			ID:           1,
			ResourceType: core.ResourceTypeID{Owner: "host", Name: "stream"},
		}, // 3
		&oplog.DropResourceEntry{Timestamp: core.Now(), ID: 0},          // 4
		&oplog.ActivatePluginEntry{Timestamp: core.Now(), Plugin: p2},   // 5
		&oplog.DeactivatePluginEntry{Timestamp: core.Now(), Plugin: p1}, // 6
	)

	record := foldStatus(t, store, workerID, nil)
	require.Len(t, record.OwnedResources, 1)
	_, ok := record.OwnedResources[1]
	assert.True(t, ok)
	assert.True(t, record.ActivePlugins.Contains(p2))
	assert.False(t, record.ActivePlugins.Contains(p1))
}

func TestStatus_MissingOplog(t *testing.T) {
	store := oplog.NewMemStore()
	_, err := CalculateLastKnownStatus(store, testWorkerID(), nil, core.DefaultRetryConfig())
	assert.ErrorIs(t, err, core.ErrWorkerNotFound)
}

// corruptReadStore simulates a store whose persisted entries can no longer be
// decoded.
type corruptReadStore struct {
	*oplog.MemStore
	workerID core.WorkerID
}

func (s *corruptReadStore) Read(workerID core.WorkerID, from core.OplogIndex, count uint64) ([]oplog.IndexedEntry, error) {
	return nil, &core.CorruptOplogError{WorkerID: s.workerID, Index: from, Cause: errors.New("bad frame")}
}

func TestStatus_CorruptOplogDegradesToFailed(t *testing.T) {
	workerID := testWorkerID()
	inner := oplog.NewMemStore()
	mustAppend(t, inner, workerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: workerID, ComponentRevision: 1}, // 1
		&oplog.NoOpEntry{Timestamp: core.Now()},                                             // 2
	)
	store := &corruptReadStore{MemStore: inner, workerID: workerID}

	record, err := CalculateLastKnownStatus(store, workerID, nil, core.DefaultRetryConfig())
	require.NoError(t, err)
	assert.Equal(t, core.WorkerStatusFailed, record.Status)
	assert.Equal(t, core.OplogIndex(2), record.OplogIdx)
}
