package durability

import (
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// readAheadCount is how many entries a single store read fetches while
// advancing the cursor.
const readAheadCount = 128

// ReplayState is the read cursor over a worker's oplog. It starts in replay
// mode at the initial index and becomes live exactly when the cursor reaches
// the replay target (the last index persisted when the worker started up).
//
// Skipped regions must be the ones derived from the worker's status record:
// indices inside them belong to superseded execution attempts and are never
// delivered.
type ReplayState struct {
	store    oplog.Store
	workerID core.WorkerID

	replayTarget      core.OplogIndex
	lastReplayedIndex core.OplogIndex
	skippedRegions    core.DeletedRegions

	buffer []oplog.IndexedEntry
}

// NewReplayState positions the cursor after the worker's Create entry. For a
// worker with no oplog the state starts out live.
func NewReplayState(store oplog.Store, workerID core.WorkerID, skippedRegions core.DeletedRegions, replayTarget core.OplogIndex) *ReplayState {
	last := core.OplogIndexInitial
	if replayTarget < last {
		last = replayTarget
	}
	return &ReplayState{
		store:             store,
		workerID:          workerID,
		replayTarget:      replayTarget,
		lastReplayedIndex: last,
		skippedRegions:    skippedRegions.Clone(),
	}
}

// IsLive reports whether the cursor has consumed the whole persisted log.
func (r *ReplayState) IsLive() bool {
	return r.lastReplayedIndex >= r.replayTarget
}

// SwitchToLive moves the cursor to the replay target, abandoning the rest of
// the recorded history. Used when a recorded side effect cannot be replayed
// and execution must continue with fresh calls.
func (r *ReplayState) SwitchToLive() {
	r.lastReplayedIndex = r.replayTarget
	r.buffer = nil
}

// LastReplayedIndex returns the index of the entry last delivered.
func (r *ReplayState) LastReplayedIndex() core.OplogIndex {
	return r.lastReplayedIndex
}

// ReplayTarget returns the index replay stops at.
func (r *ReplayState) ReplayTarget() core.OplogIndex {
	return r.replayTarget
}

// SkippedRegions returns a copy of the regions the cursor skips.
func (r *ReplayState) SkippedRegions() core.DeletedRegions {
	return r.skippedRegions.Clone()
}

// AddSkippedRegion registers a region of superseded entries. Buffered
// read-ahead is dropped because it may contain indices that just became
// skipped.
func (r *ReplayState) AddSkippedRegion(region core.OplogRegion) {
	r.skippedRegions.Add(region)
	r.buffer = nil
}

// GetOplogEntry delivers the next entry at the cursor and advances it.
// Returns ok=false once the cursor has reached the replay target; the state
// is live from that point on.
//
// Jump entries are not delivered: their region is registered as skipped,
// which also covers the Jump itself.
func (r *ReplayState) GetOplogEntry() (oplog.IndexedEntry, bool, error) {
	for {
		if r.IsLive() {
			return oplog.IndexedEntry{}, false, nil
		}
		next := r.skippedRegions.NextNotDeleted(r.lastReplayedIndex.Next())
		if next > r.replayTarget {
			r.SwitchToLive()
			return oplog.IndexedEntry{}, false, nil
		}
		ie, ok, err := r.fetch(next)
		if err != nil {
			return oplog.IndexedEntry{}, false, err
		}
		if !ok || ie.Index > r.replayTarget {
			r.SwitchToLive()
			return oplog.IndexedEntry{}, false, nil
		}
		r.lastReplayedIndex = ie.Index
		if r.skippedRegions.Contains(ie.Index) {
			continue
		}
		if jump, isJump := ie.Entry.(*oplog.JumpEntry); isJump {
			r.AddSkippedRegion(jump.Jump)
			continue
		}
		return ie, true, nil
	}
}

// LookupOplogEntry scans forward from the cursor to the replay target without
// advancing it, returning the index of the first entry matching match.
func (r *ReplayState) LookupOplogEntry(match func(oplog.Entry) bool) (core.OplogIndex, bool, error) {
	return r.lookup(match, nil)
}

// LookupOplogEntryWithCondition is LookupOplogEntry, except that every entry
// scanned before the match must satisfy cond; an entry failing it means the
// lookup target cannot be reached and the result is not-found.
func (r *ReplayState) LookupOplogEntryWithCondition(match, cond func(oplog.Entry) bool) (core.OplogIndex, bool, error) {
	return r.lookup(match, cond)
}

func (r *ReplayState) lookup(match, cond func(oplog.Entry) bool) (core.OplogIndex, bool, error) {
	next := r.skippedRegions.NextNotDeleted(r.lastReplayedIndex.Next())
	for {
		entries, err := r.store.Read(r.workerID, next, readAheadCount)
		if err != nil {
			return core.OplogIndexNone, false, err
		}
		if len(entries) == 0 {
			return core.OplogIndexNone, false, nil
		}
		for _, ie := range entries {
			if ie.Index > r.replayTarget {
				return core.OplogIndexNone, false, nil
			}
			if r.skippedRegions.Contains(ie.Index) {
				continue
			}
			if match(ie.Entry) {
				return ie.Index, true, nil
			}
			if cond != nil && !cond(ie.Entry) {
				return core.OplogIndexNone, false, nil
			}
		}
		next = entries[len(entries)-1].Index.Next()
	}
}

func (r *ReplayState) fetch(idx core.OplogIndex) (oplog.IndexedEntry, bool, error) {
	for len(r.buffer) > 0 && r.buffer[0].Index < idx {
		r.buffer = r.buffer[1:]
	}
	if len(r.buffer) == 0 {
		entries, err := r.store.Read(r.workerID, idx, readAheadCount)
		if err != nil {
			return oplog.IndexedEntry{}, false, err
		}
		r.buffer = entries
	}
	if len(r.buffer) == 0 {
		return oplog.IndexedEntry{}, false, nil
	}
	ie := r.buffer[0]
	r.buffer = r.buffer[1:]
	return ie, true, nil
}
