package oplog

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/sys"
)

// SyncMode defines how frequently appends are synced to disk.
type SyncMode string

const (
	// SyncAlways syncs after every append. Required for the durability
	// guarantee; anything else is for tests and benchmarks only.
	SyncAlways SyncMode = "always"
	// SyncDisabled never syncs explicitly.
	SyncDisabled SyncMode = "disabled"
)

const payloadDirName = "payloads"

// FileStoreOptions holds configuration for the file-backed oplog store.
type FileStoreOptions struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64

	// CompactionInterval is how often closed segments of every open worker
	// log are compacted in the background. Zero disables the loop.
	CompactionInterval time.Duration

	Logger         *slog.Logger
	HookManager    hooks.HookManager
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
}

// FileStore persists one segmented, append-only oplog per worker under a
// shared root directory. Each worker's log is independent; appends to
// different workers never contend.
type FileStore struct {
	dir  string
	opts FileStoreOptions

	mu      sync.Mutex
	workers map[core.WorkerID]*workerLog
	closed  bool

	compactionDone chan struct{}
	compactionWG   sync.WaitGroup

	logger      *slog.Logger
	hookManager hooks.HookManager

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int
}

var _ Store = (*FileStore)(nil)
var _ Compactor = (*FileStore)(nil)

// workerLog is the open state of a single worker's oplog.
type workerLog struct {
	mu  sync.Mutex
	dir string

	// segmentFirstIndexes is sorted; each element names one segment file.
	segmentFirstIndexes []core.OplogIndex
	active              *segmentWriter
	lastIndex           core.OplogIndex
}

// OpenFileStore creates or opens the oplog root directory.
func OpenFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "OplogStore")
	} else {
		opts.Logger = opts.Logger.With("component", "OplogStore")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create oplog directory %s: %w", opts.Dir, err)
	}

	s := &FileStore{
		dir:                   opts.Dir,
		opts:                  opts,
		workers:               make(map[core.WorkerID]*workerLog),
		logger:                opts.Logger,
		hookManager:           opts.HookManager,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}
	if opts.CompactionInterval > 0 {
		s.compactionDone = make(chan struct{})
		s.compactionWG.Add(1)
		go s.compactionLoop(opts.CompactionInterval)
	}
	return s, nil
}

// compactionLoop periodically compacts every open worker log until Close.
func (s *FileStore) compactionLoop(interval time.Duration) {
	defer s.compactionWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.compactionDone:
			return
		case <-ticker.C:
			s.compactAll()
		}
	}
}

// compactAll runs one compaction pass over the worker logs opened so far.
func (s *FileStore) compactAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ids := make([]core.WorkerID, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Compact(id); err != nil {
			s.logger.Warn("Oplog compaction failed", "worker_id", id, "error", err)
		}
	}
}

// workerDir maps a worker id onto its directory. Worker names are escaped so
// arbitrary names cannot traverse the filesystem.
func (s *FileStore) workerDir(workerID core.WorkerID) string {
	return filepath.Join(s.dir, workerID.ComponentID.String(), url.PathEscape(workerID.WorkerName))
}

// getWorkerLog returns the open log for workerID, loading its segment state
// from disk on first access. When create is false and the worker has no
// oplog directory, it returns (nil, nil).
func (s *FileStore) getWorkerLog(workerID core.WorkerID, create bool) (*workerLog, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, os.ErrClosed
	}
	if wl, ok := s.workers[workerID]; ok {
		s.mu.Unlock()
		return wl, nil
	}
	s.mu.Unlock()

	dir := s.workerDir(workerID)
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat worker oplog directory %s: %w", dir, err)
		}
		if !create {
			return nil, nil
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create worker oplog directory %s: %w", dir, err)
		}
	}

	wl := &workerLog{dir: dir}
	if err := wl.load(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, os.ErrClosed
	}
	// Another goroutine may have loaded it in the meantime.
	if existing, ok := s.workers[workerID]; ok {
		return existing, nil
	}
	s.workers[workerID] = wl
	return wl, nil
}

// load discovers segment files and recovers the last assigned index by
// scanning the newest segment.
func (wl *workerLog) load() error {
	files, err := os.ReadDir(wl.dir)
	if err != nil {
		return fmt.Errorf("failed to read worker oplog directory %s: %w", wl.dir, err)
	}

	wl.segmentFirstIndexes = wl.segmentFirstIndexes[:0]
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		firstIndex, err := parseSegmentFileName(file.Name())
		if err == nil {
			wl.segmentFirstIndexes = append(wl.segmentFirstIndexes, firstIndex)
		}
	}
	sort.Slice(wl.segmentFirstIndexes, func(i, j int) bool {
		return wl.segmentFirstIndexes[i] < wl.segmentFirstIndexes[j]
	})

	wl.lastIndex = core.OplogIndexNone
	if len(wl.segmentFirstIndexes) == 0 {
		return nil
	}

	newest := wl.segmentFirstIndexes[len(wl.segmentFirstIndexes)-1]
	wl.lastIndex = newest.Previous()
	reader, err := openSegmentForRead(filepath.Join(wl.dir, formatSegmentFileName(newest)))
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		index, _, err := reader.ReadRecord()
		if err != nil {
			// A torn tail record from a crash is expected; everything
			// before it is intact.
			break
		}
		if index > wl.lastIndex {
			wl.lastIndex = index
		}
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(workerID core.WorkerID, entries ...Entry) (core.OplogIndex, error) {
	if len(entries) == 0 {
		return core.OplogIndexNone, fmt.Errorf("append of zero entries")
	}

	wl, err := s.getWorkerLog(workerID, true)
	if err != nil {
		return core.OplogIndexNone, err
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()

	firstIndex := wl.lastIndex.Next()

	if s.hookManager != nil {
		if err := s.hookManager.Trigger(context.Background(), hooks.NewPreOplogAppendEvent(hooks.PreOplogAppendPayload{
			WorkerID:   workerID,
			FirstIndex: firstIndex,
			Count:      len(entries),
		})); err != nil {
			return core.OplogIndexNone, err
		}
	}

	encoded := make([][]byte, len(entries))
	var batchSize int64
	for i, entry := range entries {
		data, err := EncodeEntry(entry)
		if err != nil {
			return core.OplogIndexNone, err
		}
		encoded[i] = data
		batchSize += int64(len(data)) + 17 // length, flags, index, checksum
	}

	if wl.active == nil {
		if err := s.openForAppendLocked(workerID, wl); err != nil {
			return core.OplogIndexNone, err
		}
	}

	currentSize, err := wl.active.Size()
	if err != nil {
		return core.OplogIndexNone, fmt.Errorf("could not get active segment size: %w", err)
	}
	// Rotate only if the segment already contains at least one record, so a
	// single oversized batch can still be written to an empty segment.
	if currentSize > segmentHeaderSize() && currentSize+batchSize > s.opts.MaxSegmentSize {
		if err := s.rotateLocked(workerID, wl, firstIndex); err != nil {
			return core.OplogIndexNone, fmt.Errorf("failed to rotate oplog segment: %w", err)
		}
	}

	for i, data := range encoded {
		if err := wl.active.WriteRecord(firstIndex.RangeEnd(uint64(i+1)), data); err != nil {
			return core.OplogIndexNone, err
		}
	}
	if s.opts.SyncMode == SyncAlways {
		if err := wl.active.Sync(); err != nil {
			return core.OplogIndexNone, err
		}
	}

	wl.lastIndex = firstIndex.RangeEnd(uint64(len(entries)))

	if s.metricsBytesWritten != nil {
		s.metricsBytesWritten.Add(batchSize)
	}
	if s.metricsEntriesWritten != nil {
		s.metricsEntriesWritten.Add(int64(len(entries)))
	}

	if s.hookManager != nil {
		s.hookManager.Trigger(context.Background(), hooks.NewPostOplogAppendEvent(hooks.PostOplogAppendPayload{
			WorkerID:   workerID,
			FirstIndex: firstIndex,
			LastIndex:  wl.lastIndex,
			Count:      len(entries),
		}))
	}
	return firstIndex, nil
}

// openForAppendLocked prepares the active segment. A fresh segment is always
// started rather than appending to a file that may carry a torn tail record
// from a crash.
func (s *FileStore) openForAppendLocked(workerID core.WorkerID, wl *workerLog) error {
	firstIndex := wl.lastIndex.Next()
	if len(wl.segmentFirstIndexes) > 0 &&
		wl.segmentFirstIndexes[len(wl.segmentFirstIndexes)-1] == firstIndex {
		// The newest segment holds no intact records; recreate it in place.
		path := filepath.Join(wl.dir, formatSegmentFileName(firstIndex))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove incomplete segment %s for reuse: %w", path, err)
		}
		wl.segmentFirstIndexes = wl.segmentFirstIndexes[:len(wl.segmentFirstIndexes)-1]
	}
	return s.rotateLocked(workerID, wl, firstIndex)
}

// rotateLocked closes the active segment and starts a new one whose file name
// carries nextIndex.
func (s *FileStore) rotateLocked(workerID core.WorkerID, wl *workerLog, nextIndex core.OplogIndex) error {
	newSegment, err := createSegment(wl.dir, nextIndex)
	if err != nil {
		return err
	}

	var oldFirst core.OplogIndex
	if wl.active != nil {
		oldFirst = wl.active.firstIndex
		if err := wl.active.Close(); err != nil {
			s.logger.Error("failed to close active segment during rotation", "path", wl.active.path, "error", err)
		}
	}

	wl.active = newSegment
	wl.segmentFirstIndexes = append(wl.segmentFirstIndexes, nextIndex)
	s.logger.Debug("Rotated to new oplog segment", "worker_id", workerID, "first_index", nextIndex, "path", newSegment.path)

	if s.hookManager != nil && oldFirst > 0 {
		s.hookManager.Trigger(context.Background(), hooks.NewPostOplogRotateEvent(hooks.PostOplogRotatePayload{
			WorkerID:        workerID,
			OldSegmentIndex: uint64(oldFirst),
			NewSegmentIndex: uint64(nextIndex),
			NewSegmentPath:  newSegment.path,
		}))
	}
	return nil
}

// Read implements Store.
func (s *FileStore) Read(workerID core.WorkerID, from core.OplogIndex, count uint64) ([]IndexedEntry, error) {
	if count == 0 {
		return nil, nil
	}
	if from == core.OplogIndexNone {
		from = core.OplogIndexInitial
	}

	wl, err := s.getWorkerLog(workerID, false)
	if err != nil {
		return nil, err
	}
	if wl == nil {
		return nil, core.ErrWorkerNotFound
	}

	wl.mu.Lock()
	// Make buffered records visible to the read path.
	if wl.active != nil {
		if err := wl.active.writer.Flush(); err != nil {
			wl.mu.Unlock()
			return nil, err
		}
	}
	segments := append([]core.OplogIndex(nil), wl.segmentFirstIndexes...)
	lastIndex := wl.lastIndex
	wl.mu.Unlock()

	if lastIndex == core.OplogIndexNone || from > lastIndex {
		return nil, nil
	}

	// Start at the newest segment whose first index is <= from.
	start := sort.Search(len(segments), func(i int) bool { return segments[i] > from })
	if start > 0 {
		start--
	}

	out := make([]IndexedEntry, 0, count)
	for segPos := start; segPos < len(segments) && uint64(len(out)) < count; segPos++ {
		path := filepath.Join(wl.dir, formatSegmentFileName(segments[segPos]))
		finalSegment := segPos == len(segments)-1
		if err := readSegmentEntries(workerID, path, finalSegment, from, count, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readSegmentEntries appends entries with index >= from to out, up to count
// total. A record cut short at the end of the newest segment is a torn tail
// from an interrupted write and terminates the scan cleanly; any other
// unreadable or undecodable record is corruption and surfaces as
// core.CorruptOplogError.
func readSegmentEntries(workerID core.WorkerID, path string, finalSegment bool, from core.OplogIndex, count uint64, out *[]IndexedEntry) error {
	reader, err := openSegmentForRead(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer reader.Close()

	nextIndex := reader.segment.firstIndex
	for uint64(len(*out)) < count {
		index, data, err := reader.ReadRecord()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if finalSegment && reader.AtEOF() {
				return nil
			}
			return &core.CorruptOplogError{WorkerID: workerID, Index: nextIndex, Cause: err}
		}
		nextIndex = index.Next()
		if index < from {
			continue
		}
		entry, err := DecodeEntry(data)
		if err != nil {
			return &core.CorruptOplogError{
				WorkerID: workerID,
				Index:    index,
				Cause:    fmt.Errorf("failed to decode entry in %s: %w", path, err),
			}
		}
		*out = append(*out, IndexedEntry{Index: index, Entry: entry})
	}
	return nil
}

// GetLastIndex implements Store.
func (s *FileStore) GetLastIndex(workerID core.WorkerID) (core.OplogIndex, error) {
	wl, err := s.getWorkerLog(workerID, false)
	if err != nil {
		return core.OplogIndexNone, err
	}
	if wl == nil {
		return core.OplogIndexNone, nil
	}
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return wl.lastIndex, nil
}

// Exists implements Store.
func (s *FileStore) Exists(workerID core.WorkerID) (bool, error) {
	last, err := s.GetLastIndex(workerID)
	if err != nil {
		return false, err
	}
	return last != core.OplogIndexNone, nil
}

// Delete implements Store.
func (s *FileStore) Delete(workerID core.WorkerID) error {
	s.mu.Lock()
	wl := s.workers[workerID]
	delete(s.workers, workerID)
	s.mu.Unlock()

	if wl != nil {
		wl.mu.Lock()
		if wl.active != nil {
			wl.active.Close()
			wl.active = nil
		}
		wl.mu.Unlock()
	}

	dir := s.workerDir(workerID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete worker oplog %s: %w", dir, err)
	}
	// Remove the component directory if this was its last worker.
	os.Remove(filepath.Dir(dir))
	return nil
}

// UploadPayload implements PayloadStorage. Payloads larger than
// MaxInlinePayloadSize are written snappy-compressed next to the worker's
// segments.
func (s *FileStore) UploadPayload(workerID core.WorkerID, data []byte) (Payload, error) {
	if len(data) <= MaxInlinePayloadSize {
		return InlinePayload(data), nil
	}

	external := newExternalPayload(uint64(len(data)))
	dir := filepath.Join(s.workerDir(workerID), payloadDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Payload{}, fmt.Errorf("failed to create payload directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, external.ID.String())
	if err := sys.AtomicWriteFile(path, compressPayload(data), 0644); err != nil {
		return Payload{}, err
	}
	return Payload{External: &external}, nil
}

// DownloadPayload implements PayloadStorage.
func (s *FileStore) DownloadPayload(workerID core.WorkerID, payload Payload) ([]byte, error) {
	if !payload.IsExternal() {
		return payload.Data, nil
	}
	path := filepath.Join(s.workerDir(workerID), payloadDirName, payload.External.ID.String())
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read external payload %s: %w", path, err)
	}
	return decompressPayload(compressed)
}

// Compact implements Compactor: closed segments are rewritten without
// matched BeginAtomicRegion/EndAtomicRegion marker pairs. The entries inside
// a matched pair stay; only the markers are removed, since a closed region
// replays in full anyway.
func (s *FileStore) Compact(workerID core.WorkerID) (int, error) {
	wl, err := s.getWorkerLog(workerID, false)
	if err != nil {
		return 0, err
	}
	if wl == nil {
		return 0, core.ErrWorkerNotFound
	}

	wl.mu.Lock()
	defer wl.mu.Unlock()

	// Only segments other than the active one are compacted.
	closed := wl.segmentFirstIndexes
	if wl.active != nil && len(closed) > 0 {
		closed = closed[:len(closed)-1]
	}
	if len(closed) == 0 {
		return 0, nil
	}

	// Pass 1: find matched marker pairs across all closed segments.
	removable := make(map[core.OplogIndex]struct{})
	begins := make(map[core.OplogIndex]struct{})
	for _, first := range closed {
		path := filepath.Join(wl.dir, formatSegmentFileName(first))
		var entries []IndexedEntry
		if err := readSegmentEntries(workerID, path, false, core.OplogIndexInitial, ^uint64(0), &entries); err != nil {
			return 0, err
		}
		for _, ie := range entries {
			switch e := ie.Entry.(type) {
			case *BeginAtomicRegionEntry:
				begins[ie.Index] = struct{}{}
			case *EndAtomicRegionEntry:
				if _, ok := begins[e.BeginIndex]; ok {
					removable[e.BeginIndex] = struct{}{}
					removable[ie.Index] = struct{}{}
				}
			}
		}
	}
	if len(removable) == 0 {
		return 0, nil
	}

	// Pass 2: rewrite each closed segment without the removable records.
	for _, first := range closed {
		if err := rewriteSegmentWithout(workerID, wl.dir, first, removable); err != nil {
			return 0, err
		}
	}

	s.logger.Info("Compacted oplog", "worker_id", workerID, "removed_entries", len(removable))
	return len(removable), nil
}

// rewriteSegmentWithout rewrites one segment file, dropping records whose
// index is in skip. The file keeps its name so index lookup stays intact.
func rewriteSegmentWithout(workerID core.WorkerID, dir string, firstIndex core.OplogIndex, skip map[core.OplogIndex]struct{}) error {
	path := filepath.Join(dir, formatSegmentFileName(firstIndex))
	var entries []IndexedEntry
	if err := readSegmentEntries(workerID, path, false, core.OplogIndexInitial, ^uint64(0), &entries); err != nil {
		return err
	}

	keep := entries[:0]
	removed := false
	for _, ie := range entries {
		if _, drop := skip[ie.Index]; drop {
			removed = true
			continue
		}
		keep = append(keep, ie)
	}
	if !removed {
		return nil
	}

	tmpDir, err := os.MkdirTemp(dir, "compact-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	writer, err := createSegment(tmpDir, firstIndex)
	if err != nil {
		return err
	}
	for _, ie := range keep {
		data, err := EncodeEntry(ie.Entry)
		if err != nil {
			writer.Close()
			return err
		}
		if err := writer.WriteRecord(ie.Index, data); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return os.Rename(writer.path, path)
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	done := s.compactionDone
	s.compactionDone = nil
	s.mu.Unlock()

	// Stop the compaction loop before tearing down writers.
	if done != nil {
		close(done)
	}
	s.compactionWG.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, wl := range s.workers {
		wl.mu.Lock()
		if wl.active != nil {
			if err := wl.active.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			wl.active = nil
		}
		wl.mu.Unlock()
	}
	s.workers = nil
	s.logger.Info("Oplog store closed.")
	return firstErr
}
