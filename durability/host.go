package durability

import (
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// DurableExecutionState is a snapshot of the execution mode taken when a
// durable function begins.
type DurableExecutionState struct {
	// IsLive is true when new host calls are recorded rather than replayed.
	IsLive bool
	// PersistenceLevel currently in effect for the worker.
	PersistenceLevel core.PersistenceLevel
	// SnapshottingMode overrides PersistenceLevel while a snapshot function
	// runs; nil outside of snapshotting.
	SnapshottingMode *core.PersistenceLevel
}

// PersistedInvocation is one recorded host-function call read back during
// replay.
type PersistedInvocation struct {
	Timestamp    core.Timestamp
	FunctionName string
	Response     []byte
	FunctionType oplog.DurableFunctionType
}

// Host is the durable-execution surface host function implementations run
// against. Manager is the canonical implementation; the worker execution
// context exposes it to intercepted calls.
type Host interface {
	// ObserveFunctionCall produces logs and metrics for an intercepted host
	// function call.
	ObserveFunctionCall(iface, function string)

	// BeginDurableFunction marks the beginning of a durable function and
	// returns its begin index. Every call must be paired with
	// EndDurableFunction, which may happen in a different context (for
	// example after an async operation completed).
	BeginDurableFunction(functionType oplog.DurableFunctionType) (core.OplogIndex, error)

	// EndDurableFunction closes the durable function opened at beginIndex.
	EndDurableFunction(functionType oplog.DurableFunctionType, beginIndex core.OplogIndex) error

	// DurableExecutionState returns the current execution mode.
	DurableExecutionState() DurableExecutionState

	// PersistDurableFunctionInvocation appends a HostCall entry recording the
	// invocation. Request and response are opaque serialized payloads.
	PersistDurableFunctionInvocation(functionName string, request, response []byte, functionType oplog.DurableFunctionType) error

	// ReadPersistedDurableFunctionInvocation reads the next recorded host
	// call at the replay cursor, skipping hint entries.
	ReadPersistedDurableFunctionInvocation() (PersistedInvocation, error)
}
