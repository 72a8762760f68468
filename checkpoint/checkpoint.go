package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/sys"
)

const (
	// StatusMagic identifies worker status checkpoint files.
	StatusMagic uint32 = 0x4E465354
	// statusFormatVersion is bumped on incompatible layout changes.
	statusFormatVersion uint8 = 1

	statusFileSuffix = ".status"
	shardDirName     = "shards"
)

// Store persists derived worker status records and the per-shard running-set
// index. Both are caches over the oplog: they may be missing or stale, and
// readers must tolerate that.
type Store interface {
	// Put persists the status record for a worker.
	Put(workerID core.WorkerID, record core.WorkerStatusRecord) error
	// Get loads the persisted record. ok is false when none exists.
	Get(workerID core.WorkerID) (record core.WorkerStatusRecord, ok bool, err error)
	// Delete removes the persisted record, if any.
	Delete(workerID core.WorkerID) error

	// AddRunning registers a worker in its shard's running set.
	AddRunning(shard core.ShardID, workerID core.WorkerID) error
	// RemoveRunning removes a worker from its shard's running set.
	RemoveRunning(shard core.ShardID, workerID core.WorkerID) error
	// ListRunning enumerates the workers currently registered in a shard.
	ListRunning(shard core.ShardID) ([]core.WorkerID, error)
}

// FileStore is the file-backed checkpoint store. Every write replaces the
// whole file atomically so readers never see a torn record.
type FileStore struct {
	dir    string
	logger *slog.Logger

	// Serializes read-modify-write cycles on shard files.
	shardMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// Options holds configuration for the checkpoint store.
type Options struct {
	Dir    string
	Logger *slog.Logger
}

// Open creates or opens the checkpoint directory.
func Open(opts Options) (*FileStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "CheckpointStore")
	} else {
		opts.Logger = opts.Logger.With("component", "CheckpointStore")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", opts.Dir, err)
	}
	return &FileStore{dir: opts.Dir, logger: opts.Logger}, nil
}

func (s *FileStore) statusPath(workerID core.WorkerID) string {
	return filepath.Join(s.dir, workerID.ComponentID.String(),
		url.PathEscape(workerID.WorkerName)+statusFileSuffix)
}

func (s *FileStore) shardPath(shard core.ShardID) string {
	return filepath.Join(s.dir, shardDirName, fmt.Sprintf("%05d.shard", shard))
}

// encodeCheckpoint frames a JSON body with magic, version and checksum.
// Format: magic (4 bytes) | version (1 byte) | checksum (4 bytes) | body
func encodeCheckpoint(body []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, StatusMagic)
	buf.WriteByte(statusFormatVersion)
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(body))
	buf.Write(body)
	return buf.Bytes()
}

// decodeCheckpoint reverses encodeCheckpoint, verifying magic and checksum.
func decodeCheckpoint(data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("checkpoint file too short: %d bytes", len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != StatusMagic {
		return nil, fmt.Errorf("invalid magic number: got %x, want %x", magic, StatusMagic)
	}
	version := data[4]
	if version != statusFormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint format version %d", version)
	}
	checksum := binary.LittleEndian.Uint32(data[5:9])
	body := data[9:]
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("checkpoint checksum mismatch")
	}
	return body, nil
}

// Put implements Store.
func (s *FileStore) Put(workerID core.WorkerID, record core.WorkerStatusRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode status record for %s: %w", workerID, err)
	}
	path := s.statusPath(workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory for %s: %w", workerID, err)
	}
	return sys.AtomicWriteFile(path, encodeCheckpoint(body), 0644)
}

// Get implements Store. A corrupt or unreadable checkpoint is treated as
// absent: the record is always re-derivable from the oplog.
func (s *FileStore) Get(workerID core.WorkerID) (core.WorkerStatusRecord, bool, error) {
	data, err := os.ReadFile(s.statusPath(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return core.WorkerStatusRecord{}, false, nil
		}
		return core.WorkerStatusRecord{}, false, err
	}

	body, err := decodeCheckpoint(data)
	if err != nil {
		s.logger.Warn("Discarding corrupt status checkpoint", "worker_id", workerID, "error", err)
		return core.WorkerStatusRecord{}, false, nil
	}

	var record core.WorkerStatusRecord
	if err := json.Unmarshal(body, &record); err != nil {
		s.logger.Warn("Discarding undecodable status checkpoint", "worker_id", workerID, "error", err)
		return core.WorkerStatusRecord{}, false, nil
	}
	return record, true, nil
}

// Delete implements Store.
func (s *FileStore) Delete(workerID core.WorkerID) error {
	err := os.Remove(s.statusPath(workerID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadShard reads one shard's running set.
func (s *FileStore) loadShard(shard core.ShardID) (map[string]struct{}, error) {
	data, err := os.ReadFile(s.shardPath(shard))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]struct{}), nil
		}
		return nil, err
	}
	body, err := decodeCheckpoint(data)
	if err != nil {
		s.logger.Warn("Discarding corrupt shard index", "shard", shard, "error", err)
		return make(map[string]struct{}), nil
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		s.logger.Warn("Discarding undecodable shard index", "shard", shard, "error", err)
		return make(map[string]struct{}), nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// storeShard writes one shard's running set.
func (s *FileStore) storeShard(shard core.ShardID, set map[string]struct{}) error {
	path := s.shardPath(shard)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	body, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return sys.AtomicWriteFile(path, encodeCheckpoint(body), 0644)
}

// AddRunning implements Store.
func (s *FileStore) AddRunning(shard core.ShardID, workerID core.WorkerID) error {
	s.shardMu.Lock()
	defer s.shardMu.Unlock()

	set, err := s.loadShard(shard)
	if err != nil {
		return err
	}
	key := workerID.String()
	if _, ok := set[key]; ok {
		return nil
	}
	set[key] = struct{}{}
	return s.storeShard(shard, set)
}

// RemoveRunning implements Store.
func (s *FileStore) RemoveRunning(shard core.ShardID, workerID core.WorkerID) error {
	s.shardMu.Lock()
	defer s.shardMu.Unlock()

	set, err := s.loadShard(shard)
	if err != nil {
		return err
	}
	key := workerID.String()
	if _, ok := set[key]; !ok {
		return nil
	}
	delete(set, key)
	return s.storeShard(shard, set)
}

// ListRunning implements Store.
func (s *FileStore) ListRunning(shard core.ShardID) ([]core.WorkerID, error) {
	s.shardMu.Lock()
	set, err := s.loadShard(shard)
	s.shardMu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]core.WorkerID, 0, len(set))
	for key := range set {
		id, err := core.ParseWorkerID(key)
		if err != nil {
			s.logger.Warn("Skipping invalid worker id in shard index", "shard", shard, "value", key)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
