package oplog

import (
	"bytes"
	"encoding/binary"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusflow/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkerID() core.WorkerID {
	return core.WorkerID{ComponentID: uuid.New(), WorkerName: "worker-1"}
}

func testCreateEntry(workerID core.WorkerID) *CreateEntry {
	return &CreateEntry{
		Timestamp:                    core.Now(),
		WorkerID:                     workerID,
		ComponentRevision:            1,
		Args:                         []string{"--verbose"},
		Env:                          map[string]string{"MODE": "test"},
		ComponentSize:                2048,
		InitialTotalLinearMemorySize: 1 << 16,
	}
}

func openTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := OpenFileStore(FileStoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEncodeDecodeEntry_RoundTrip(t *testing.T) {
	workerID := testWorkerID()
	begin := core.OplogIndex(4)
	entries := []Entry{
		testCreateEntry(workerID),
		&HostCallEntry{
			Timestamp:    core.Now(),
			FunctionName: "http::send_request",
			Request:      InlinePayload([]byte("req")),
			Response:     InlinePayload([]byte("resp")),
			FunctionType: WriteRemote(),
		},
		&ErrorEntry{
			Timestamp: core.Now(),
			Error:     core.WorkerError{Kind: core.WorkerErrorUnknown, Message: "remote call failed"},
			RetryFrom: 5,
		},
		&JumpEntry{Timestamp: core.Now(), Jump: core.OplogRegion{Start: 3, End: 7}},
		&BeginRemoteTransactionEntry{
			Timestamp:          core.Now(),
			TransactionID:      core.NewTransactionID(),
			OriginalBeginIndex: &begin,
		},
		&SuccessfulUpdateEntry{Timestamp: core.Now(), TargetRevision: 2, NewComponentSize: 4096},
		&SuspendEntry{Timestamp: core.Now()},
	}

	for _, entry := range entries {
		data, err := EncodeEntry(entry)
		require.NoError(t, err)

		decoded, err := DecodeEntry(data)
		require.NoError(t, err)
		assert.Equal(t, entry, decoded)
	}
}

func TestDecodeEntry_UnknownType(t *testing.T) {
	_, err := DecodeEntry([]byte{0xFF, '{', '}'})
	require.ErrorIs(t, err, ErrUnknownEntryType)
}

func TestFileStore_AppendAssignsSequentialIndexes(t *testing.T) {
	store := openTestStore(t)
	workerID := testWorkerID()

	first, err := store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndexInitial, first)

	second, err := store.Append(workerID,
		&GrowMemoryEntry{Timestamp: core.Now(), Delta: 1024},
		&SuspendEntry{Timestamp: core.Now()},
	)
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndex(2), second)

	last, err := store.GetLastIndex(workerID)
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndex(3), last)
}

func TestFileStore_ReadReturnsAppendedEntries(t *testing.T) {
	store := openTestStore(t)
	workerID := testWorkerID()

	_, err := store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &GrowMemoryEntry{Timestamp: core.Now(), Delta: 512})
	require.NoError(t, err)

	entries, err := store.Read(workerID, core.OplogIndexInitial, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, core.OplogIndexInitial, entries[0].Index)
	assert.IsType(t, &CreateEntry{}, entries[0].Entry)
	assert.Equal(t, core.OplogIndex(2), entries[1].Index)
	grow := entries[1].Entry.(*GrowMemoryEntry)
	assert.Equal(t, uint64(512), grow.Delta)

	// Reading past the end returns nothing.
	entries, err = store.Read(workerID, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_ReadUnknownWorker(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Read(testWorkerID(), core.OplogIndexInitial, 10)
	require.ErrorIs(t, err, core.ErrWorkerNotFound)
}

func TestFileStore_RecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	workerID := testWorkerID()

	store, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &ExitedEntry{Timestamp: core.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.GetLastIndex(workerID)
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndex(2), last)

	entries, err := reopened.Read(workerID, core.OplogIndexInitial, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.IsType(t, &ExitedEntry{}, entries[1].Entry)

	// New appends continue the sequence after reopening.
	idx, err := reopened.Append(workerID, &NoOpEntry{Timestamp: core.Now()})
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndex(3), idx)
}

func TestFileStore_RotatesSegmentsBySize(t *testing.T) {
	store, err := OpenFileStore(FileStoreOptions{
		Dir:            t.TempDir(),
		MaxSegmentSize: 256,
	})
	require.NoError(t, err)
	defer store.Close()

	workerID := testWorkerID()
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err = store.Append(workerID, &LogEntry{
			Timestamp: core.Now(),
			Level:     core.LogLevelInfo,
			Message:   "some log line that takes up space in the segment",
		})
		require.NoError(t, err)
	}

	// All entries stay readable across segment boundaries.
	entries, err := store.Read(workerID, core.OplogIndexInitial, 100)
	require.NoError(t, err)
	require.Len(t, entries, 21)
	for i, ie := range entries {
		assert.Equal(t, core.OplogIndex(i+1), ie.Index)
	}

	wl, err := store.getWorkerLog(workerID, false)
	require.NoError(t, err)
	assert.Greater(t, len(wl.segmentFirstIndexes), 1, "expected at least one rotation")
}

func TestFileStore_Delete(t *testing.T) {
	store := openTestStore(t)
	workerID := testWorkerID()

	_, err := store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)

	exists, err := store.Exists(workerID)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, store.Delete(workerID))

	exists, err = store.Exists(workerID)
	require.NoError(t, err)
	assert.False(t, exists)

	last, err := store.GetLastIndex(workerID)
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndexNone, last)
}

func TestFileStore_OversizedPayloadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	workerID := testWorkerID()

	small, err := store.UploadPayload(workerID, []byte("small"))
	require.NoError(t, err)
	assert.False(t, small.IsExternal())

	big := bytes.Repeat([]byte("abcdefgh"), MaxInlinePayloadSize/4)
	payload, err := store.UploadPayload(workerID, big)
	require.NoError(t, err)
	require.True(t, payload.IsExternal())
	assert.Equal(t, uint64(len(big)), payload.External.Size)

	fetched, err := store.DownloadPayload(workerID, payload)
	require.NoError(t, err)
	assert.Equal(t, big, fetched)
}

func TestFileStore_CompactRemovesMatchedAtomicMarkers(t *testing.T) {
	store, err := OpenFileStore(FileStoreOptions{
		Dir:            t.TempDir(),
		MaxSegmentSize: 1, // force a rotation on every append
	})
	require.NoError(t, err)
	defer store.Close()

	workerID := testWorkerID()
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &BeginAtomicRegionEntry{Timestamp: core.Now()}) // index 2
	require.NoError(t, err)
	_, err = store.Append(workerID, &GrowMemoryEntry{Timestamp: core.Now(), Delta: 64}) // index 3
	require.NoError(t, err)
	_, err = store.Append(workerID, &EndAtomicRegionEntry{Timestamp: core.Now(), BeginIndex: 2}) // index 4
	require.NoError(t, err)
	_, err = store.Append(workerID, &SuspendEntry{Timestamp: core.Now()}) // index 5, active segment
	require.NoError(t, err)

	removed, err := store.Compact(workerID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := store.Read(workerID, core.OplogIndexInitial, 10)
	require.NoError(t, err)
	indexes := make([]core.OplogIndex, 0, len(entries))
	for _, ie := range entries {
		indexes = append(indexes, ie.Index)
	}
	// Markers at 2 and 4 are gone, surviving entries keep their indexes.
	assert.Equal(t, []core.OplogIndex{1, 3, 5}, indexes)
}

func TestFileStore_CompactAllCoversOpenWorkers(t *testing.T) {
	store, err := OpenFileStore(FileStoreOptions{
		Dir:            t.TempDir(),
		MaxSegmentSize: 1,
	})
	require.NoError(t, err)
	defer store.Close()

	workerID := testWorkerID()
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &BeginAtomicRegionEntry{Timestamp: core.Now()}) // index 2
	require.NoError(t, err)
	_, err = store.Append(workerID, &EndAtomicRegionEntry{Timestamp: core.Now(), BeginIndex: 2}) // index 3
	require.NoError(t, err)
	_, err = store.Append(workerID, &SuspendEntry{Timestamp: core.Now()}) // index 4, active segment
	require.NoError(t, err)

	store.compactAll()

	entries, err := store.Read(workerID, core.OplogIndexInitial, 10)
	require.NoError(t, err)
	indexes := make([]core.OplogIndex, 0, len(entries))
	for _, ie := range entries {
		indexes = append(indexes, ie.Index)
	}
	assert.Equal(t, []core.OplogIndex{1, 4}, indexes)
}

func TestFileStore_CorruptRecordMidSegmentSurfacesError(t *testing.T) {
	dir := t.TempDir()
	workerID := testWorkerID()

	store, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &GrowMemoryEntry{Timestamp: core.Now(), Delta: 64})
	require.NoError(t, err)
	_, err = store.Append(workerID, &SuspendEntry{Timestamp: core.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Flip a byte inside the second record. A record follows it, so the
	// damage cannot be an interrupted write at the tail.
	path := filepath.Join(dir, workerID.ComponentID.String(),
		url.PathEscape(workerID.WorkerName), formatSegmentFileName(core.OplogIndexInitial))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rec1Len := binary.LittleEndian.Uint32(data[segmentHeaderSize():])
	second := segmentHeaderSize() + 4 + int64(rec1Len) + 4
	data[second+4] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	reopened, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Read(workerID, core.OplogIndexInitial, 10)
	require.Error(t, err)
	assert.True(t, core.IsCorruptOplogError(err))
}

func TestFileStore_TruncatedClosedSegmentSurfacesError(t *testing.T) {
	dir := t.TempDir()
	workerID := testWorkerID()

	store, err := OpenFileStore(FileStoreOptions{Dir: dir, MaxSegmentSize: 1})
	require.NoError(t, err)
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &GrowMemoryEntry{Timestamp: core.Now(), Delta: 64})
	require.NoError(t, err)
	_, err = store.Append(workerID, &SuspendEntry{Timestamp: core.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Chop the checksum off the first segment's only record. Closed
	// segments never hold an interrupted write, so a short read there is
	// corruption, not a torn tail.
	path := filepath.Join(dir, workerID.ComponentID.String(),
		url.PathEscape(workerID.WorkerName), formatSegmentFileName(core.OplogIndexInitial))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-4))

	reopened, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Read(workerID, core.OplogIndexInitial, 10)
	require.Error(t, err)
	assert.True(t, core.IsCorruptOplogError(err))
}

func TestFileStore_TornTailIsTolerated(t *testing.T) {
	dir := t.TempDir()
	workerID := testWorkerID()

	store, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	_, err = store.Append(workerID, testCreateEntry(workerID))
	require.NoError(t, err)
	_, err = store.Append(workerID, &GrowMemoryEntry{Timestamp: core.Now(), Delta: 64})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Cut the last record short, as a crash mid-write would.
	path := filepath.Join(dir, workerID.ComponentID.String(),
		url.PathEscape(workerID.WorkerName), formatSegmentFileName(core.OplogIndexInitial))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	reopened, err := OpenFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Read(workerID, core.OplogIndexInitial, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.IsType(t, &CreateEntry{}, entries[0].Entry)
}

func TestMemStore_BasicOperations(t *testing.T) {
	store := NewMemStore()
	workerID := testWorkerID()

	first, err := store.Append(workerID, testCreateEntry(workerID), &SuspendEntry{Timestamp: core.Now()})
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndexInitial, first)

	entries, err := store.Read(workerID, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.IsType(t, &SuspendEntry{}, entries[0].Entry)

	last, err := store.GetLastIndex(workerID)
	require.NoError(t, err)
	assert.Equal(t, core.OplogIndex(2), last)

	require.NoError(t, store.Delete(workerID))
	exists, err := store.Exists(workerID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestToPublic_MatchesQuery(t *testing.T) {
	ie := IndexedEntry{
		Index: 7,
		Entry: &HostCallEntry{
			Timestamp:    core.Now(),
			FunctionName: "keyvalue::set",
			Request:      InlinePayload([]byte("k")),
			Response:     InlinePayload([]byte("v")),
			FunctionType: WriteRemote(),
		},
	}

	pub := ToPublic(ie)
	assert.Equal(t, "HostCall", pub.Kind)
	assert.False(t, pub.Hint)
	assert.True(t, pub.Matches("keyvalue"))
	assert.True(t, pub.Matches("hostcall"))
	assert.False(t, pub.Matches("filesystem"))

	hint := ToPublic(IndexedEntry{Index: 8, Entry: &SuspendEntry{Timestamp: core.Now()}})
	assert.True(t, hint.Hint)
}
