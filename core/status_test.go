package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig_DelayFor(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 5,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		Multiplier:  2.0,
	}

	assert.Equal(t, 100*time.Millisecond, cfg.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, cfg.DelayFor(2))
	assert.Equal(t, 400*time.Millisecond, cfg.DelayFor(3))
	assert.Equal(t, 800*time.Millisecond, cfg.DelayFor(4))
	// Capped at MaxDelay.
	assert.Equal(t, 1*time.Second, cfg.DelayFor(5))
	assert.Equal(t, 1*time.Second, cfg.DelayFor(10))
}

func TestWorkerError_IsRetriable(t *testing.T) {
	cfg := DefaultRetryConfig()

	unknown := WorkerError{Kind: WorkerErrorUnknown, Message: "boom"}
	assert.True(t, unknown.IsRetriable(cfg, 1))
	assert.True(t, unknown.IsRetriable(cfg, 2))
	assert.False(t, unknown.IsRetriable(cfg, 3))

	invalid := WorkerError{Kind: WorkerErrorInvalidRequest}
	assert.False(t, invalid.IsRetriable(cfg, 0))

	stackOverflow := WorkerError{Kind: WorkerErrorStackOverflow}
	assert.False(t, stackOverflow.IsRetriable(cfg, 0))

	oom := WorkerError{Kind: WorkerErrorOutOfMemory}
	assert.True(t, oom.IsRetriable(cfg, 100))
}

func TestPluginSet_SortedIsDeterministic(t *testing.T) {
	a := PluginPriority{Priority: 2, Installation: PluginInstallation{PluginID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Revision: 1}}
	b := PluginPriority{Priority: 1, Installation: PluginInstallation{PluginID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Revision: 3}}
	c := PluginPriority{Priority: 1, Installation: PluginInstallation{PluginID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Revision: 2}}

	set := NewPluginSet(a, b, c)
	require.Equal(t, []PluginPriority{c, b, a}, set.Sorted())

	data, err := json.Marshal(set)
	require.NoError(t, err)

	var decoded PluginSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, set.Equal(decoded))
	assert.Equal(t, set.Sorted(), decoded.Sorted())
}

func TestPluginSet_AddRemove(t *testing.T) {
	p := PluginPriority{Priority: 1, Installation: PluginInstallation{PluginID: uuid.New(), Revision: 1}}

	var set PluginSet
	assert.False(t, set.Contains(p))

	set.Add(p)
	assert.True(t, set.Contains(p))
	assert.Equal(t, 1, set.Len())

	// Adding twice keeps set semantics.
	set.Add(p)
	assert.Equal(t, 1, set.Len())

	set.Remove(p)
	assert.False(t, set.Contains(p))
	assert.Equal(t, 0, set.Len())
}

func TestWorkerStatusRecord_CloneIsDeep(t *testing.T) {
	rec := NewWorkerStatusRecord()
	rec.OplogIdx = 42
	rec.Status = WorkerStatusRetrying
	rec.CurrentRetryCount = map[OplogIndex]uint32{5: 2}
	rec.InvocationResults = map[string]OplogIndex{"key-1": 7}
	rec.DeletedRegions.Add(OplogRegion{Start: 3, End: 4})
	rec.PendingInvocations = append(rec.PendingInvocations, TimestampedInvocation{
		Timestamp:  Now(),
		Invocation: Invocation{Kind: InvocationExportedFunction, IdempotencyKey: NewIdempotencyKey(), FunctionName: "run"},
	})

	clone := rec.Clone()
	clone.CurrentRetryCount[5] = 3
	clone.InvocationResults["key-2"] = 9
	clone.DeletedRegions.Add(OplogRegion{Start: 10, End: 11})
	clone.PendingInvocations = clone.PendingInvocations[:0]

	assert.Equal(t, uint32(2), rec.CurrentRetryCount[5])
	assert.NotContains(t, rec.InvocationResults, "key-2")
	assert.False(t, rec.DeletedRegions.Contains(10))
	assert.Len(t, rec.PendingInvocations, 1)
}

func TestWorkerStatusRecord_JSONRoundTrip(t *testing.T) {
	rec := NewWorkerStatusRecord()
	rec.OplogIdx = 9
	rec.Status = WorkerStatusSuspended
	rec.ComponentRevision = 3
	rec.ComponentRevisionForReplay = 3
	rec.TotalLinearMemorySize = 1 << 20
	rec.OwnedResources = map[WorkerResourceID]WorkerResourceDescription{
		1: {CreatedAt: Now(), ResourceOwner: "api", ResourceName: "connection"},
	}
	rec.ActivePlugins.Add(PluginPriority{Priority: 1, Installation: PluginInstallation{PluginID: uuid.New(), Revision: 2}})
	key := NewIdempotencyKey()
	rec.CurrentIdempotencyKey = &key

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded WorkerStatusRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, rec.OplogIdx, decoded.OplogIdx)
	assert.Equal(t, rec.Status, decoded.Status)
	assert.Equal(t, rec.OwnedResources, decoded.OwnedResources)
	assert.Equal(t, rec.CurrentIdempotencyKey, decoded.CurrentIdempotencyKey)
	assert.True(t, rec.ActivePlugins.Equal(decoded.ActivePlugins))
}

func TestParseWorkerID(t *testing.T) {
	id := WorkerID{ComponentID: uuid.New(), WorkerName: "worker-1"}
	parsed, err := ParseWorkerID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseWorkerID("not-a-worker-id")
	require.Error(t, err)

	_, err = ParseWorkerID(uuid.NewString() + "/")
	require.Error(t, err)
}

func TestShardOf_Stable(t *testing.T) {
	id := WorkerID{ComponentID: uuid.MustParse("11111111-2222-3333-4444-555555555555"), WorkerName: "w"}
	first := ShardOf(id, 16)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ShardOf(id, 16))
	}
	assert.Less(t, uint32(first), uint32(16))
}
