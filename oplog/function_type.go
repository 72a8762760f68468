package oplog

import (
	"fmt"

	"github.com/INLOpen/nexusflow/core"
)

// DurableFunctionKind classifies a host function by the kind of side effect
// it performs. Replay uses it to decide whether skipping re-execution is
// safe.
type DurableFunctionKind uint8

const (
	// FunctionKindReadLocal reads local state without side effects.
	FunctionKindReadLocal DurableFunctionKind = iota
	// FunctionKindWriteLocal mutates local state only.
	FunctionKindWriteLocal
	// FunctionKindReadRemote reads remote state without side effects.
	FunctionKindReadRemote
	// FunctionKindWriteRemote performs a remote side effect.
	FunctionKindWriteRemote
	// FunctionKindWriteRemoteBatched performs a remote side effect that is
	// part of a batched write; the batch can be safely re-executed from its
	// beginning.
	FunctionKindWriteRemoteBatched
	// FunctionKindWriteRemoteTransaction performs a remote side effect inside
	// a two-phase-commit transaction.
	FunctionKindWriteRemoteTransaction
)

func (k DurableFunctionKind) String() string {
	switch k {
	case FunctionKindReadLocal:
		return "ReadLocal"
	case FunctionKindWriteLocal:
		return "WriteLocal"
	case FunctionKindReadRemote:
		return "ReadRemote"
	case FunctionKindWriteRemote:
		return "WriteRemote"
	case FunctionKindWriteRemoteBatched:
		return "WriteRemoteBatched"
	case FunctionKindWriteRemoteTransaction:
		return "WriteRemoteTransaction"
	default:
		return fmt.Sprintf("DurableFunctionKind(%d)", uint8(k))
	}
}

// DurableFunctionType is the durability classification recorded with every
// HostCall entry. For batched and transactional writes it optionally carries
// the index of the open Begin entry.
type DurableFunctionType struct {
	Kind DurableFunctionKind `json:"kind"`
	// BeginIndex is set while inside an open batched write or remote
	// transaction.
	BeginIndex *core.OplogIndex `json:"begin_index,omitempty"`
}

// ReadLocal returns the type of a side-effect-free local read.
func ReadLocal() DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindReadLocal}
}

// WriteLocal returns the type of a local mutation.
func WriteLocal() DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindWriteLocal}
}

// ReadRemote returns the type of a side-effect-free remote read.
func ReadRemote() DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindReadRemote}
}

// WriteRemote returns the type of a plain remote side effect.
func WriteRemote() DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindWriteRemote}
}

// WriteRemoteBatched returns the type of a batched remote write. beginIndex
// is nil before the batch's Begin entry is appended.
func WriteRemoteBatched(beginIndex *core.OplogIndex) DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindWriteRemoteBatched, BeginIndex: beginIndex}
}

// WriteRemoteTransaction returns the type of a transactional remote write.
func WriteRemoteTransaction(beginIndex *core.OplogIndex) DurableFunctionType {
	return DurableFunctionType{Kind: FunctionKindWriteRemoteTransaction, BeginIndex: beginIndex}
}

func (t DurableFunctionType) String() string {
	if t.BeginIndex != nil {
		return fmt.Sprintf("%s(%d)", t.Kind, *t.BeginIndex)
	}
	return t.Kind.String()
}
