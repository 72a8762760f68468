package checkpoint

import (
	"sync"

	"github.com/INLOpen/nexusflow/core"
)

// MemStore is an in-memory checkpoint store for tests.
type MemStore struct {
	mu      sync.RWMutex
	records map[core.WorkerID]core.WorkerStatusRecord
	shards  map[core.ShardID]map[core.WorkerID]struct{}
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory checkpoint store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[core.WorkerID]core.WorkerStatusRecord),
		shards:  make(map[core.ShardID]map[core.WorkerID]struct{}),
	}
}

// Put implements Store.
func (s *MemStore) Put(workerID core.WorkerID, record core.WorkerStatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[workerID] = record.Clone()
	return nil
}

// Get implements Store.
func (s *MemStore) Get(workerID core.WorkerID) (core.WorkerStatusRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[workerID]
	if !ok {
		return core.WorkerStatusRecord{}, false, nil
	}
	return record.Clone(), true, nil
}

// Delete implements Store.
func (s *MemStore) Delete(workerID core.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, workerID)
	return nil
}

// AddRunning implements Store.
func (s *MemStore) AddRunning(shard core.ShardID, workerID core.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.shards[shard]
	if !ok {
		set = make(map[core.WorkerID]struct{})
		s.shards[shard] = set
	}
	set[workerID] = struct{}{}
	return nil
}

// RemoveRunning implements Store.
func (s *MemStore) RemoveRunning(shard core.ShardID, workerID core.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.shards[shard]; ok {
		delete(set, workerID)
	}
	return nil
}

// ListRunning implements Store.
func (s *MemStore) ListRunning(shard core.ShardID) ([]core.WorkerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.shards[shard]
	out := make([]core.WorkerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}
