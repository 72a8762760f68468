package durability

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// Durability wraps one host function call in the record-or-replay protocol.
// Req and Resp are the function's serializable request and response types.
//
// The intended call shape, from a host function implementation:
//
//	d, err := durability.New[Req, Resp](host, "blobstore::container", "get", oplog.WriteRemote())
//	if err != nil { ... }
//	if d.IsLive() {
//	    value, callErr := doTheRealCall(req)
//	    return d.Persist(req, value, callErr)
//	}
//	return d.Replay()
type Durability[Req, Resp any] struct {
	host         Host
	iface        string
	function     string
	functionType oplog.DurableFunctionType
	beginIndex   core.OplogIndex
	state        DurableExecutionState
}

// New observes the call, opens the durable function bracket and captures the
// execution mode. The mode is fixed for the lifetime of this value: a single
// host call is either recorded or replayed, never both.
func New[Req, Resp any](host Host, iface, function string, functionType oplog.DurableFunctionType) (*Durability[Req, Resp], error) {
	host.ObserveFunctionCall(iface, function)
	beginIndex, err := host.BeginDurableFunction(functionType)
	if err != nil {
		return nil, err
	}
	return &Durability[Req, Resp]{
		host:         host,
		iface:        iface,
		function:     function,
		functionType: functionType,
		beginIndex:   beginIndex,
		state:        host.DurableExecutionState(),
	}, nil
}

// IsLive reports whether the real side effect must be performed.
func (d *Durability[Req, Resp]) IsLive() bool {
	return d.state.IsLive
}

// BeginIndex returns the oplog index the durable function was opened at.
func (d *Durability[Req, Resp]) BeginIndex() core.OplogIndex {
	return d.beginIndex
}

// persistedResult is the recorded outcome envelope: a serialized value or an
// error message, mirroring the (value, error) pair of the live call.
type persistedResult struct {
	OK  json.RawMessage `json:"ok,omitempty"`
	Err *string         `json:"err,omitempty"`
}

// Persist records the live call's outcome and closes the bracket, passing the
// outcome through unchanged. Failed calls are recorded too: a deterministic
// failure must replay as the same failure.
func (d *Durability[Req, Resp]) Persist(request Req, value Resp, callErr error) (Resp, error) {
	result := persistedResult{}
	if callErr != nil {
		msg := callErr.Error()
		result.Err = &msg
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			return value, fmt.Errorf("failed to serialize response of %s: %w", d.fqfn(), err)
		}
		result.OK = raw
	}
	// While snapshotting, host calls are not individually recorded; the
	// snapshot itself is the durable artifact.
	if d.state.SnapshottingMode == nil {
		requestRaw, err := json.Marshal(request)
		if err != nil {
			return value, fmt.Errorf("failed to serialize request of %s: %w", d.fqfn(), err)
		}
		responseRaw, err := json.Marshal(result)
		if err != nil {
			return value, fmt.Errorf("failed to serialize result of %s: %w", d.fqfn(), err)
		}
		if err := d.host.PersistDurableFunctionInvocation(d.fqfn(), requestRaw, responseRaw, d.functionType); err != nil {
			return value, err
		}
		if err := d.host.EndDurableFunction(d.functionType, d.beginIndex); err != nil {
			return value, err
		}
	}
	return value, callErr
}

// PersistInfallible is Persist for functions that cannot fail.
func (d *Durability[Req, Resp]) PersistInfallible(request Req, value Resp) (Resp, error) {
	return d.Persist(request, value, nil)
}

// Replay returns the recorded outcome of this call without re-executing the
// side effect. A recorded call with a different function name means the host
// behavior diverged from the history, which is fatal for the worker.
func (d *Durability[Req, Resp]) Replay() (Resp, error) {
	var zero Resp
	invocation, err := d.host.ReadPersistedDurableFunctionInvocation()
	if err != nil {
		return zero, err
	}
	if invocation.FunctionName != d.fqfn() {
		return zero, &core.DivergenceError{Expected: d.fqfn(), Actual: invocation.FunctionName}
	}
	if err := d.host.EndDurableFunction(d.functionType, d.beginIndex); err != nil {
		return zero, err
	}
	var result persistedResult
	if err := json.Unmarshal(invocation.Response, &result); err != nil {
		return zero, fmt.Errorf("failed to decode recorded result of %s: %w", d.fqfn(), err)
	}
	if result.Err != nil {
		return zero, errors.New(*result.Err)
	}
	var value Resp
	if err := json.Unmarshal(result.OK, &value); err != nil {
		return zero, fmt.Errorf("failed to decode recorded response of %s: %w", d.fqfn(), err)
	}
	return value, nil
}

func (d *Durability[Req, Resp]) fqfn() string {
	return d.iface + "::" + d.function
}
