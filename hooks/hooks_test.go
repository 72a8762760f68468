package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/INLOpen/nexusflow/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu       sync.Mutex
	name     string
	priority int
	async    bool
	err      error
	calls    *[]string
}

func (l *recordingListener) OnEvent(ctx context.Context, event HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.calls = append(*l.calls, l.name)
	return l.err
}

func (l *recordingListener) Priority() int { return l.priority }
func (l *recordingListener) IsAsync() bool { return l.async }

func TestHookManager_TriggersInPriorityOrder(t *testing.T) {
	m := NewHookManager(nil)
	var calls []string

	m.Register(EventPostOplogAppend, &recordingListener{name: "second", priority: 10, calls: &calls})
	m.Register(EventPostOplogAppend, &recordingListener{name: "first", priority: 1, calls: &calls})
	m.Register(EventPostOplogAppend, &recordingListener{name: "third", priority: 20, calls: &calls})

	err := m.Trigger(context.Background(), NewPostOplogAppendEvent(PostOplogAppendPayload{Count: 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestHookManager_PreHookErrorCancels(t *testing.T) {
	m := NewHookManager(nil)
	var calls []string

	m.Register(EventPreInvocationQueue, &recordingListener{name: "reject", priority: 1, err: errors.New("quota exceeded"), calls: &calls})

	inv := &core.Invocation{Kind: core.InvocationExportedFunction, FunctionName: "run"}
	err := m.Trigger(context.Background(), NewPreInvocationQueueEvent(PreInvocationQueuePayload{Invocation: inv}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestHookManager_PostHookErrorDoesNotCancel(t *testing.T) {
	m := NewHookManager(nil)
	var calls []string

	m.Register(EventPostStatusChange, &recordingListener{name: "failing", priority: 1, err: errors.New("boom"), calls: &calls})
	m.Register(EventPostStatusChange, &recordingListener{name: "next", priority: 2, calls: &calls})

	err := m.Trigger(context.Background(), NewPostStatusChangeEvent(PostStatusChangePayload{
		From: core.WorkerStatusIdle,
		To:   core.WorkerStatusRunning,
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"failing", "next"}, calls)
}

func TestHookManager_AsyncPostHookCompletesBeforeStop(t *testing.T) {
	m := NewHookManager(nil)
	var calls []string

	m.Register(EventPostOplogRotate, &recordingListener{name: "async", priority: 1, async: true, calls: &calls})

	err := m.Trigger(context.Background(), NewPostOplogRotateEvent(PostOplogRotatePayload{NewSegmentIndex: 2}))
	require.NoError(t, err)

	m.Stop()
	assert.Equal(t, []string{"async"}, calls)
}
