package oplog

import (
	"fmt"
	"sync"

	"github.com/INLOpen/nexusflow/core"
)

// MemStore is an in-memory Store used by tests and by ephemeral workers whose
// durability is handled elsewhere.
type MemStore struct {
	mu       sync.RWMutex
	logs     map[core.WorkerID][]IndexedEntry
	payloads map[core.PayloadID][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		logs:     make(map[core.WorkerID][]IndexedEntry),
		payloads: make(map[core.PayloadID][]byte),
	}
}

// Append implements Store.
func (s *MemStore) Append(workerID core.WorkerID, entries ...Entry) (core.OplogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[workerID]
	next := core.OplogIndexInitial
	if len(log) > 0 {
		next = log[len(log)-1].Index.Next()
	}
	first := next
	for _, entry := range entries {
		log = append(log, IndexedEntry{Index: next, Entry: entry})
		next = next.Next()
	}
	s.logs[workerID] = log
	return first, nil
}

// Read implements Store.
func (s *MemStore) Read(workerID core.WorkerID, from core.OplogIndex, count uint64) ([]IndexedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[workerID]
	if !ok {
		return nil, core.ErrWorkerNotFound
	}
	if from == core.OplogIndexNone {
		from = core.OplogIndexInitial
	}

	out := make([]IndexedEntry, 0, count)
	for _, ie := range log {
		if ie.Index < from {
			continue
		}
		if uint64(len(out)) >= count {
			break
		}
		out = append(out, ie)
	}
	return out, nil
}

// GetLastIndex implements Store.
func (s *MemStore) GetLastIndex(workerID core.WorkerID) (core.OplogIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[workerID]
	if !ok || len(log) == 0 {
		return core.OplogIndexNone, nil
	}
	return log[len(log)-1].Index, nil
}

// Exists implements Store.
func (s *MemStore) Exists(workerID core.WorkerID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[workerID]
	return ok && len(log) > 0, nil
}

// Delete implements Store.
func (s *MemStore) Delete(workerID core.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, workerID)
	return nil
}

// UploadPayload implements PayloadStorage.
func (s *MemStore) UploadPayload(workerID core.WorkerID, data []byte) (Payload, error) {
	if len(data) <= MaxInlinePayloadSize {
		return InlinePayload(data), nil
	}
	external := newExternalPayload(uint64(len(data)))
	s.mu.Lock()
	s.payloads[external.ID] = append([]byte(nil), data...)
	s.mu.Unlock()
	return Payload{External: &external}, nil
}

// DownloadPayload implements PayloadStorage.
func (s *MemStore) DownloadPayload(workerID core.WorkerID, payload Payload) ([]byte, error) {
	if !payload.IsExternal() {
		return payload.Data, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.payloads[payload.External.ID]
	if !ok {
		return nil, fmt.Errorf("external payload %s not found", payload.External.ID)
	}
	return data, nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}
