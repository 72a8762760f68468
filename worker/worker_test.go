package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusflow/checkpoint"
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
)

type contextFixture struct {
	store       *oplog.MemStore
	checkpoints *checkpoint.MemStore
	statuses    *StatusService
	opts        ContextOptions
}

func newContextFixture(t *testing.T, hookManager hooks.HookManager) *contextFixture {
	t.Helper()
	store := oplog.NewMemStore()
	checkpoints := checkpoint.NewMemStore()
	statuses := newStatusService(t, store, StatusServiceOptions{
		Checkpoints: checkpoints,
		Hooks:       hookManager,
	})
	return &contextFixture{
		store:       store,
		checkpoints: checkpoints,
		statuses:    statuses,
		opts: ContextOptions{
			Store:    store,
			Statuses: statuses,
			Hooks:    hookManager,
			WorkerID: testWorkerID(),
		},
	}
}

func (f *contextFixture) runningWorkers(t *testing.T) []core.WorkerID {
	t.Helper()
	shard := core.ShardOf(f.opts.WorkerID, f.statuses.ShardCount())
	running, err := f.statuses.ListRunning(shard)
	require.NoError(t, err)
	return running
}

func TestCreateWorker(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{
		ComponentRevision:     2,
		ComponentSize:         100,
		InitialLinearMemDelta: 200,
	})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, core.WorkerStatusIdle, c.ExecutionStatus())
	assert.True(t, c.IsLive(), "a fresh worker has nothing to replay")
	assert.Equal(t, core.ComponentRevision(2), c.Status().ComponentRevision)
	assert.Equal(t, []core.WorkerID{f.opts.WorkerID}, f.runningWorkers(t))

	_, err = CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestContext_InvocationRoundTrip(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()
	key := core.IdempotencyKey{Value: "inv-1"}

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{"n":1}`), key))
	assert.Equal(t, core.WorkerStatusRunning, c.ExecutionStatus())

	require.NoError(t, c.CompleteInvocation(ctx, []byte(`{"n":2}`), 42))
	assert.Equal(t, core.WorkerStatusIdle, c.ExecutionStatus())

	resultIdx, ok := c.LookupInvocationResult(key)
	require.True(t, ok)
	assert.Equal(t, core.OplogIndex(3), resultIdx, "Create, Started, Finished")
	_, ok = c.LookupInvocationResult(core.IdempotencyKey{Value: "other"})
	assert.False(t, ok)
}

func TestContext_TrapRetriesUntilBudgetExhausted(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), core.IdempotencyKey{Value: "inv-1"}))

	trap := TrapType{Kind: TrapError, Error: core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"}}
	retryFrom := core.OplogIndex(2)

	first, err := c.RecordTrap(ctx, trap, retryFrom)
	require.NoError(t, err)
	assert.Equal(t, RetryDelayed, first.Kind)
	assert.Equal(t, 200*time.Millisecond, first.Delay)
	assert.Equal(t, core.WorkerStatusRetrying, c.ExecutionStatus())

	second, err := c.RecordTrap(ctx, trap, retryFrom)
	require.NoError(t, err)
	assert.Equal(t, RetryDelayed, second.Kind)
	assert.Equal(t, 400*time.Millisecond, second.Delay)

	// The third consecutive failure exhausts the default budget; the worker
	// is failed and leaves the running set.
	third, err := c.RecordTrap(ctx, trap, retryFrom)
	require.NoError(t, err)
	assert.Equal(t, RetryNone, third.Kind)
	assert.Equal(t, core.WorkerStatusFailed, c.ExecutionStatus())
	assert.Empty(t, f.runningWorkers(t))
}

func TestContext_ChangeRetryPolicyExtendsBudget(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), core.IdempotencyKey{Value: "inv-1"}))
	require.NoError(t, c.ChangeRetryPolicy(ctx, core.RetryConfig{
		MaxAttempts: 10,
		MinDelay:    time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}))

	trap := TrapType{Kind: TrapError, Error: core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"}}
	for i := 0; i < 4; i++ {
		decision, err := c.RecordTrap(ctx, trap, 2)
		require.NoError(t, err)
		assert.Equal(t, RetryDelayed, decision.Kind, "attempt %d stays within the overridden budget", i+1)
	}
	assert.Equal(t, core.WorkerStatusRetrying, c.ExecutionStatus())
}

func TestContext_ExitIsTerminal(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()

	decision, err := c.RecordTrap(ctx, TrapType{Kind: TrapExit}, 0)
	require.NoError(t, err)
	assert.Equal(t, RetryNone, decision.Kind)
	assert.Equal(t, core.WorkerStatusExited, c.ExecutionStatus())
	assert.Empty(t, f.runningWorkers(t))
}

func TestContext_Revert(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()
	key := core.IdempotencyKey{Value: "inv-1"}

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), key))
	require.NoError(t, c.CompleteInvocation(ctx, []byte(`{}`), 1))
	_, ok := c.LookupInvocationResult(key)
	require.True(t, ok)

	err = c.Revert(ctx, 10)
	require.Error(t, err, "the revert target must precede the oplog end")

	require.NoError(t, c.Revert(ctx, 2))
	_, ok = c.LookupInvocationResult(key)
	assert.False(t, ok, "the reverted completion is gone")
	assert.True(t, c.Status().DeletedRegions.Contains(3))
}

func TestContext_AutomaticUpdate(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	defer manager.Stop()
	listener := &captureListener{}
	manager.Register(hooks.EventPostUpdateApplied, listener)

	f := newContextFixture(t, manager)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1, ComponentSize: 1000})
	require.NoError(t, err)
	defer c.Close()

	decision, err := c.RequestAutomaticUpdate(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, RetryImmediate, decision.Kind, "the worker restarts and replays on the new revision")

	pending, ok := c.PendingUpdate()
	require.True(t, ok)
	assert.Equal(t, core.UpdateAutomatic, pending.Description.Kind)
	assert.Equal(t, core.ComponentRevision(2), pending.Description.TargetRevision)

	require.NoError(t, c.CompleteUpdate(ctx, 2, 2048, nil))
	_, ok = c.PendingUpdate()
	assert.False(t, ok)
	record := c.Status()
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevision)
	assert.Equal(t, uint64(2048), record.ComponentSize)
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevisionForReplay)

	events := listener.Events()
	require.Len(t, events, 1)
	payload := events[0].Payload().(hooks.PostUpdateAppliedPayload)
	assert.True(t, payload.Success)
	assert.Equal(t, core.ComponentRevision(2), payload.TargetRevision)
}

func TestContext_SnapshotBasedUpdate(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RequestManualUpdate(ctx, 2))
	assert.Equal(t, 1, c.Queue().Len())

	require.NoError(t, c.BeginSnapshotBasedUpdate(ctx, 2, []byte(`{"state":1}`), "application/json"))
	assert.Equal(t, 0, c.Queue().Len(), "the queued manual update has been picked up")
	assert.True(t, c.Status().SkippedRegions.IsOverridden())

	require.NoError(t, c.CompleteUpdate(ctx, 2, 512, nil))
	record := c.Status()
	assert.False(t, record.SkippedRegions.IsOverridden())
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevision)
	assert.Equal(t, core.ComponentRevision(2), record.ComponentRevisionForReplay,
		"replay resumes from the snapshot, not the old history")
}

func TestContext_FailedUpdateKeepsOldRevision(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	defer manager.Stop()
	listener := &captureListener{}
	manager.Register(hooks.EventPostUpdateApplied, listener)

	f := newContextFixture(t, manager)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.BeginSnapshotBasedUpdate(ctx, 2, []byte(`{}`), "application/json"))
	require.NoError(t, c.FailUpdate(ctx, 2, "snapshot rejected"))

	record := c.Status()
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevision)
	assert.Equal(t, core.ComponentRevision(1), record.ComponentRevisionForReplay)
	assert.False(t, record.SkippedRegions.IsOverridden())
	require.Len(t, record.FailedUpdates, 1)

	events := listener.Events()
	require.Len(t, events, 1)
	payload := events[0].Payload().(hooks.PostUpdateAppliedPayload)
	assert.False(t, payload.Success)
	assert.Equal(t, "snapshot rejected", payload.Details)
}

func TestRecoverContext_ResumesInterruptedWorker(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()
	key := core.IdempotencyKey{Value: "inv-1"}

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), key))
	// The executor crashes mid-invocation; the context is simply abandoned.

	recovered, decision, err := RecoverContext(ctx, f.opts)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, RetryImmediate, decision.Kind)
	assert.False(t, recovered.IsLive(), "the recorded history replays first")
	assert.Equal(t, core.WorkerStatusRunning, recovered.ExecutionStatus())
	assert.Equal(t, []core.WorkerID{f.opts.WorkerID}, f.runningWorkers(t))
}

func TestRecoverContext_ReplaysUnchangedHistory(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()
	key := core.IdempotencyKey{Value: "inv-1"}
	counterType := core.ResourceTypeID{Owner: "host", Name: "counter"}

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), key))
	require.NoError(t, c.GrowMemory(ctx, 65536))
	id, err := c.CreateResource(ctx, counterType)
	require.NoError(t, err)
	assert.Equal(t, core.InitialWorkerResourceID, id)
	require.NoError(t, c.DropResource(ctx, id))
	require.NoError(t, c.CompleteInvocation(ctx, []byte(`{"n":1}`), 7))
	require.NoError(t, c.Close())

	// A second execution behaving exactly like the first consumes every
	// recorded entry and ends up live without a divergence.
	recovered, _, err := RecoverContext(ctx, f.opts)
	require.NoError(t, err)
	defer recovered.Close()
	require.False(t, recovered.IsLive())

	require.NoError(t, recovered.StartInvocation(ctx, "run", []byte(`{}`), key))
	require.NoError(t, recovered.GrowMemory(ctx, 65536))
	replayedID, err := recovered.CreateResource(ctx, counterType)
	require.NoError(t, err)
	assert.Equal(t, id, replayedID, "replay returns the recorded resource id")
	require.NoError(t, recovered.DropResource(ctx, replayedID))
	require.NoError(t, recovered.CompleteInvocation(ctx, nil, 0))
	assert.True(t, recovered.IsLive(), "cursor should reach the end of the log")

	// Fresh allocations after replay continue past the recorded ids.
	nextID, err := recovered.CreateResource(ctx, counterType)
	require.NoError(t, err)
	assert.Equal(t, replayedID.Next(), nextID)
}

func TestRecoverContext_ReplayDivergenceOnChangedGrowth(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()

	c, err := CreateWorker(ctx, f.opts, CreateParams{ComponentRevision: 1})
	require.NoError(t, err)
	require.NoError(t, c.StartInvocation(ctx, "run", []byte(`{}`), core.IdempotencyKey{Value: "inv-1"}))
	require.NoError(t, c.GrowMemory(ctx, 65536))
	require.NoError(t, c.Close())

	recovered, _, err := RecoverContext(ctx, f.opts)
	require.NoError(t, err)
	defer recovered.Close()

	require.NoError(t, recovered.StartInvocation(ctx, "run", []byte(`{}`), core.IdempotencyKey{Value: "inv-1"}))
	err = recovered.GrowMemory(ctx, 1024)
	require.Error(t, err)
	assert.True(t, core.IsDivergenceError(err))
}

func TestRecoverContext_FailedWorkerStaysDown(t *testing.T) {
	f := newContextFixture(t, nil)
	ctx := context.Background()
	failure := core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "boom"}

	mustAppend(t, f.store, f.opts.WorkerID,
		&oplog.CreateEntry{Timestamp: core.Now(), WorkerID: f.opts.WorkerID, ComponentRevision: 1}, // 1
		&oplog.AgentInvocationStartedEntry{
			Timestamp:      core.Now(),
			FunctionName:   "run",
			Request:        oplog.InlinePayload([]byte(`{}`)),
			IdempotencyKey: core.IdempotencyKey{Value: "inv-1"},
		}, // 2
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 3
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 4
		&oplog.ErrorEntry{Timestamp: core.Now(), Error: failure, RetryFrom: 2}, // 5
	)

	c, decision, err := RecoverContext(ctx, f.opts)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, RetryNone, decision.Kind)
	assert.Equal(t, core.WorkerStatusFailed, c.ExecutionStatus())
	assert.Empty(t, f.runningWorkers(t), "an exhausted worker is not resumed")
}
