package durability

import (
	"expvar"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// ManagerOptions holds configuration for a worker's durability manager.
type ManagerOptions struct {
	Store    oplog.Store
	WorkerID core.WorkerID

	// SkippedRegions are the regions derived from the worker's status record
	// (Jump and Revert entries plus any pending-update override).
	SkippedRegions core.DeletedRegions

	// AssumeIdempotence treats plain remote writes as safely retriable,
	// disabling the BeginRemoteWrite/EndRemoteWrite bracket around them.
	AssumeIdempotence bool

	// PersistenceLevel the worker starts with.
	PersistenceLevel core.PersistenceLevel

	Logger *slog.Logger

	// HostCallsObserved counts intercepted host function calls.
	HostCallsObserved *expvar.Int
}

// Manager drives durable execution for one worker: it owns the replay cursor
// and implements the record-or-replay protocol host function implementations
// go through. Not safe for concurrent use; a worker executes on one
// goroutine.
type Manager struct {
	store    oplog.Store
	workerID core.WorkerID
	replay   *ReplayState

	assumeIdempotence bool
	persistenceLevel  core.PersistenceLevel
	snapshottingMode  *core.PersistenceLevel

	// lastOplogIndex is the index of the entry last appended in live mode.
	lastOplogIndex core.OplogIndex

	logger            *slog.Logger
	hostCallsObserved *expvar.Int
}

var _ Host = (*Manager)(nil)

// NewManager opens the worker's oplog position: the current last index
// becomes the replay target, so a worker with recorded history starts out in
// replay mode.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "Durability")
	} else {
		opts.Logger = opts.Logger.With("component", "Durability")
	}
	lastIdx, err := opts.Store.GetLastIndex(opts.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read last oplog index for %s: %w", opts.WorkerID, err)
	}
	return &Manager{
		store:             opts.Store,
		workerID:          opts.WorkerID,
		replay:            NewReplayState(opts.Store, opts.WorkerID, opts.SkippedRegions, lastIdx),
		assumeIdempotence: opts.AssumeIdempotence,
		persistenceLevel:  opts.PersistenceLevel,
		lastOplogIndex:    lastIdx,
		logger:            opts.Logger,
		hostCallsObserved: opts.HostCallsObserved,
	}, nil
}

// ReplayState exposes the cursor, mainly for the worker recovery loop.
func (m *Manager) ReplayState() *ReplayState {
	return m.replay
}

// IsLive reports whether new host calls are being recorded rather than
// replayed.
func (m *Manager) IsLive() bool {
	return m.replay.IsLive()
}

// CurrentOplogIndex returns the last appended index in live mode, or the last
// replayed index during replay.
func (m *Manager) CurrentOplogIndex() core.OplogIndex {
	if m.IsLive() {
		return m.lastOplogIndex
	}
	return m.replay.LastReplayedIndex()
}

// PersistenceLevel returns the level currently in effect, ignoring any
// snapshotting override.
func (m *Manager) PersistenceLevel() core.PersistenceLevel {
	return m.persistenceLevel
}

// SetPersistenceLevel switches the persistence level from this point forward.
// The change is recorded when live and consumed from the oplog during replay.
// A persist-nothing zone the recorded history never closed leaves the replay
// cursor stranded: the partial attempt is skipped and a Jump entry makes the
// skip permanent, as with unfinished batched writes.
func (m *Manager) SetPersistenceLevel(level core.PersistenceLevel) error {
	if m.persistenceLevel == level {
		return nil
	}
	if m.IsLive() {
		if _, err := m.Append(&oplog.ChangePersistenceLevelEntry{Timestamp: core.Now(), Level: level}); err != nil {
			return err
		}
	} else {
		before := m.CurrentOplogIndex()
		found, err := m.consumePersistenceLevelChange()
		if err != nil {
			return err
		}
		if m.IsLive() && (!found || m.CurrentOplogIndex() > before.Next()) {
			skipped := core.OplogRegion{
				Start: before.Next(),
				End:   m.replay.ReplayTarget().Next(),
			}
			m.replay.AddSkippedRegion(skipped)
			if _, err := m.Append(&oplog.JumpEntry{Timestamp: core.Now(), Jump: skipped}); err != nil {
				return err
			}
		}
	}
	m.persistenceLevel = level
	return nil
}

// consumePersistenceLevelChange advances the cursor to the next
// ChangePersistenceLevel entry. Unlike getOplogEntry, running off the end of
// the recorded history is not a divergence here: it means the level change
// was never recorded because persistence was off when the worker crashed.
func (m *Manager) consumePersistenceLevelChange() (bool, error) {
	for {
		ie, ok, err := m.replay.GetOplogEntry()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		if ie.Entry.Type() == oplog.EntryTypeChangePersistenceLevel {
			return true, nil
		}
		if oplog.IsHint(ie.Entry) {
			continue
		}
		return false, &core.DivergenceError{
			Expected: oplog.EntryTypeChangePersistenceLevel.String(),
			Actual:   ie.Entry.Type().String(),
		}
	}
}

// BeginSnapshotFunction suppresses persistence while a snapshot function
// runs: its host calls must not pollute the oplog because the snapshot itself
// is the recorded artifact.
func (m *Manager) BeginSnapshotFunction() {
	level := core.PersistNothing
	m.snapshottingMode = &level
}

// EndSnapshotFunction restores normal persistence.
func (m *Manager) EndSnapshotFunction() {
	m.snapshottingMode = nil
}

// Append writes entries in live mode and tracks the last appended index.
func (m *Manager) Append(entries ...oplog.Entry) (core.OplogIndex, error) {
	first, err := m.store.Append(m.workerID, entries...)
	if err != nil {
		return core.OplogIndexNone, err
	}
	m.lastOplogIndex = first.RangeEnd(uint64(len(entries)))
	return first, nil
}

func (m *Manager) ObserveFunctionCall(iface, function string) {
	if m.hostCallsObserved != nil {
		m.hostCallsObserved.Add(1)
	}
	m.logger.Debug("host function called", "interface", iface, "function", function)
}

func (m *Manager) DurableExecutionState() DurableExecutionState {
	return DurableExecutionState{
		IsLive:           m.IsLive(),
		PersistenceLevel: m.persistenceLevel,
		SnapshottingMode: m.snapshottingMode,
	}
}

// bracketed reports whether the function type needs the
// BeginRemoteWrite/EndRemoteWrite bracket: plain remote writes when
// idempotence cannot be assumed, and batched remote writes that have not yet
// been assigned a begin index.
func (m *Manager) bracketed(functionType oplog.DurableFunctionType) bool {
	switch functionType.Kind {
	case oplog.FunctionKindWriteRemote:
		return !m.assumeIdempotence
	case oplog.FunctionKindWriteRemoteBatched:
		return functionType.BeginIndex == nil
	default:
		return false
	}
}

func (m *Manager) BeginDurableFunction(functionType oplog.DurableFunctionType) (core.OplogIndex, error) {
	if !m.bracketed(functionType) {
		return m.CurrentOplogIndex(), nil
	}
	if m.IsLive() {
		return m.Append(&oplog.BeginRemoteWriteEntry{Timestamp: core.Now()})
	}
	beginIndex, _, err := m.getOplogEntry(oplog.EntryTypeBeginRemoteWrite)
	if err != nil {
		return core.OplogIndexNone, err
	}
	if !m.assumeIdempotence {
		_, found, err := m.replay.LookupOplogEntry(matchEndRemoteWrite(beginIndex))
		if err != nil {
			return core.OplogIndexNone, err
		}
		if !found {
			// Switch to live first so the caller can still record an Error
			// entry for this failure.
			m.replay.SwitchToLive()
			return core.OplogIndexNone, &core.UnrecoverableWriteError{BeginIndex: beginIndex}
		}
		return beginIndex, nil
	}
	// Batched remote write: an unfinished batch is retried from scratch, so
	// the recorded partial attempt must be skipped on every later replay.
	_, found, err := m.replay.LookupOplogEntryWithCondition(
		matchEndRemoteWrite(beginIndex),
		noConcurrentSideEffect(beginIndex),
	)
	if err != nil {
		return core.OplogIndexNone, err
	}
	if !found {
		m.replay.SwitchToLive()
		skipped := core.OplogRegion{
			Start: beginIndex.Next(), // the BeginRemoteWrite entry is kept
			End:   m.replay.ReplayTarget().Next(),
		}
		m.replay.AddSkippedRegion(skipped)
		if _, err := m.Append(&oplog.JumpEntry{Timestamp: core.Now(), Jump: skipped}); err != nil {
			return core.OplogIndexNone, err
		}
	}
	return beginIndex, nil
}

func (m *Manager) EndDurableFunction(functionType oplog.DurableFunctionType, beginIndex core.OplogIndex) error {
	if !m.bracketed(functionType) {
		return nil
	}
	if m.IsLive() {
		_, err := m.Append(&oplog.EndRemoteWriteEntry{Timestamp: core.Now(), BeginIndex: beginIndex})
		return err
	}
	_, _, err := m.getOplogEntry(oplog.EntryTypeEndRemoteWrite)
	return err
}

// BeginAtomicOperation opens an all-or-nothing region and returns the index
// of its BeginAtomicRegion entry. When replaying, a Begin with no matching
// End means the region was interrupted mid-flight: the partial attempt is
// skipped, a Jump entry makes the skip permanent, and execution switches to
// live so the region runs again from its start.
func (m *Manager) BeginAtomicOperation() (core.OplogIndex, error) {
	if m.IsLive() {
		return m.Append(&oplog.BeginAtomicRegionEntry{Timestamp: core.Now()})
	}
	// Compaction elides the marker pair of a completed region; its inner
	// entries replay as ordinary recorded calls. Only consume a Begin that
	// is actually next in the history, and report an elided bracket as
	// OplogIndexNone so the matching EndAtomicOperation is a no-op too.
	_, present, err := m.replay.LookupOplogEntryWithCondition(
		func(e oplog.Entry) bool { return e.Type() == oplog.EntryTypeBeginAtomicRegion },
		oplog.IsHint,
	)
	if err != nil {
		return core.OplogIndexNone, err
	}
	if !present {
		return core.OplogIndexNone, nil
	}
	beginIndex, _, err := m.getOplogEntry(oplog.EntryTypeBeginAtomicRegion)
	if err != nil {
		return core.OplogIndexNone, err
	}
	_, found, err := m.replay.LookupOplogEntry(matchEndAtomicRegion(beginIndex))
	if err != nil {
		return core.OplogIndexNone, err
	}
	if !found {
		m.replay.SwitchToLive()
		skipped := core.OplogRegion{
			Start: beginIndex.Next(), // the BeginAtomicRegion entry is kept
			End:   m.replay.ReplayTarget().Next(),
		}
		m.replay.AddSkippedRegion(skipped)
		if _, err := m.Append(&oplog.JumpEntry{Timestamp: core.Now(), Jump: skipped}); err != nil {
			return core.OplogIndexNone, err
		}
	}
	return beginIndex, nil
}

// EndAtomicOperation closes the atomic region opened at beginIndex. A
// beginIndex of OplogIndexNone marks a region whose markers were elided by
// compaction and needs no closing entry.
func (m *Manager) EndAtomicOperation(beginIndex core.OplogIndex) error {
	if beginIndex == core.OplogIndexNone {
		return nil
	}
	if m.IsLive() {
		_, err := m.Append(&oplog.EndAtomicRegionEntry{Timestamp: core.Now(), BeginIndex: beginIndex})
		return err
	}
	_, _, err := m.getOplogEntry(oplog.EntryTypeEndAtomicRegion)
	return err
}

// effectivePersistenceLevel applies the snapshotting override.
func (m *Manager) effectivePersistenceLevel() core.PersistenceLevel {
	if m.snapshottingMode != nil {
		return *m.snapshottingMode
	}
	return m.persistenceLevel
}

// persisted reports whether a call of the given type is recorded under the
// effective persistence level.
func (m *Manager) persisted(functionType oplog.DurableFunctionType) bool {
	switch m.effectivePersistenceLevel() {
	case core.PersistNothing:
		return false
	case core.PersistRemoteSideEffects:
		switch functionType.Kind {
		case oplog.FunctionKindReadLocal, oplog.FunctionKindWriteLocal:
			return false
		default:
			return true
		}
	default:
		return true
	}
}

func (m *Manager) PersistDurableFunctionInvocation(functionName string, request, response []byte, functionType oplog.DurableFunctionType) error {
	if !m.persisted(functionType) {
		return nil
	}
	requestPayload, err := m.store.UploadPayload(m.workerID, request)
	if err != nil {
		return fmt.Errorf("failed to store request payload for %s: %w", functionName, err)
	}
	responsePayload, err := m.store.UploadPayload(m.workerID, response)
	if err != nil {
		return fmt.Errorf("failed to store response payload for %s: %w", functionName, err)
	}
	_, err = m.Append(&oplog.HostCallEntry{
		Timestamp:    core.Now(),
		FunctionName: functionName,
		Request:      requestPayload,
		Response:     responsePayload,
		FunctionType: functionType,
	})
	return err
}

func (m *Manager) ReadPersistedDurableFunctionInvocation() (PersistedInvocation, error) {
	if m.effectivePersistenceLevel() == core.PersistNothing {
		return PersistedInvocation{}, fmt.Errorf("trying to replay a durable invocation in a PersistNothing block")
	}
	_, entry, err := m.getOplogEntry(oplog.EntryTypeHostCall)
	if err != nil {
		return PersistedInvocation{}, err
	}
	hostCall := entry.(*oplog.HostCallEntry)
	response, err := m.store.DownloadPayload(m.workerID, hostCall.Response)
	if err != nil {
		return PersistedInvocation{}, fmt.Errorf("host call response payload cannot be downloaded: %w", err)
	}
	return PersistedInvocation{
		Timestamp:    hostCall.Timestamp,
		FunctionName: hostCall.FunctionName,
		Response:     response,
		FunctionType: hostCall.FunctionType,
	}, nil
}

// PersistStatusEntry records a state-affecting entry that is not a host
// call: memory growth, resource lifecycle, invocation boundaries, policy
// changes. In live mode the entry is appended; during replay the recorded
// entry of the same type is consumed from the cursor and returned instead,
// so callers re-apply the recorded mutation (and its identifiers) rather
// than minting fresh ones.
func (m *Manager) PersistStatusEntry(entry oplog.Entry) (oplog.Entry, error) {
	if m.IsLive() {
		_, err := m.Append(entry)
		return entry, err
	}
	_, recorded, err := m.getOplogEntry(entry.Type())
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// getOplogEntry advances the cursor until an entry of the wanted type is
// found. Hint entries are skipped; any other entry is a divergence between
// the recorded history and the current execution, which is fatal for this
// worker.
func (m *Manager) getOplogEntry(want oplog.EntryType) (core.OplogIndex, oplog.Entry, error) {
	for {
		ie, ok, err := m.replay.GetOplogEntry()
		if err != nil {
			return core.OplogIndexNone, nil, err
		}
		if !ok {
			return core.OplogIndexNone, nil, &core.DivergenceError{
				Expected: want.String(),
				Actual:   "end of oplog",
			}
		}
		if ie.Entry.Type() == want {
			return ie.Index, ie.Entry, nil
		}
		if oplog.IsHint(ie.Entry) {
			continue
		}
		return core.OplogIndexNone, nil, &core.DivergenceError{
			Expected: want.String(),
			Actual:   ie.Entry.Type().String(),
		}
	}
}

func matchEndRemoteWrite(beginIndex core.OplogIndex) func(oplog.Entry) bool {
	return func(e oplog.Entry) bool {
		end, ok := e.(*oplog.EndRemoteWriteEntry)
		return ok && end.BeginIndex == beginIndex
	}
}

func matchEndAtomicRegion(beginIndex core.OplogIndex) func(oplog.Entry) bool {
	return func(e oplog.Entry) bool {
		end, ok := e.(*oplog.EndAtomicRegionEntry)
		return ok && end.BeginIndex == beginIndex
	}
}

// noConcurrentSideEffect accepts the entries allowed between a batched
// write's Begin and End markers: host calls belonging to the same batch or
// purely local ones. Any other non-hint side effect means the batch was
// interleaved and cannot be treated as incomplete-but-resumable.
func noConcurrentSideEffect(beginIndex core.OplogIndex) func(oplog.Entry) bool {
	return func(e oplog.Entry) bool {
		if hostCall, ok := e.(*oplog.HostCallEntry); ok {
			switch hostCall.FunctionType.Kind {
			case oplog.FunctionKindReadLocal, oplog.FunctionKindWriteLocal, oplog.FunctionKindReadRemote:
				return true
			case oplog.FunctionKindWriteRemoteBatched:
				return hostCall.FunctionType.BeginIndex != nil && *hostCall.FunctionType.BeginIndex == beginIndex
			default:
				return false
			}
		}
		if e.Type() == oplog.EntryTypeAgentInvocationFinished {
			return false
		}
		return true
	}
}
