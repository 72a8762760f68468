package oplog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/sys"
	"github.com/golang/snappy"
)

const (
	segmentFileSuffix = ".oplog"
	// SegmentMagic identifies oplog segment files.
	SegmentMagic uint32 = 0x4F504C47
	// SegmentFormatVersion is bumped on incompatible layout changes.
	SegmentFormatVersion uint8 = 1
	// DefaultMaxSegmentSize is the default rotation threshold.
	DefaultMaxSegmentSize = 16 * 1024 * 1024
	// compressRecordThreshold is the record size above which the entry body
	// is snappy-compressed.
	compressRecordThreshold = 4 * 1024

	recordFlagCompressed byte = 1 << 0
)

// segmentHeader is written at the start of every segment file.
type segmentHeader struct {
	Magic     uint32
	Version   uint8
	CreatedAt int64
}

func newSegmentHeader() segmentHeader {
	return segmentHeader{
		Magic:     SegmentMagic,
		Version:   SegmentFormatVersion,
		CreatedAt: time.Now().UnixNano(),
	}
}

func segmentHeaderSize() int64 {
	return int64(binary.Size(segmentHeader{}))
}

// segment represents a single oplog segment file. The file name carries the
// oplog index of the first entry written to it.
type segment struct {
	file       sys.FileHandle
	path       string
	firstIndex core.OplogIndex
}

// segmentWriter appends records to a segment.
type segmentWriter struct {
	*segment
	writer *bufio.Writer
}

// segmentReader reads records from a segment.
type segmentReader struct {
	*segment
	reader *bufio.Reader
}

func formatSegmentFileName(firstIndex core.OplogIndex) string {
	return fmt.Sprintf("%016d%s", uint64(firstIndex), segmentFileSuffix)
}

func parseSegmentFileName(name string) (core.OplogIndex, error) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not an oplog segment file", name)
	}
	name = strings.TrimSuffix(name, segmentFileSuffix)
	idx, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, err
	}
	return core.OplogIndex(idx), nil
}

// createSegment creates a new segment file in dir for entries starting at
// firstIndex.
func createSegment(dir string, firstIndex core.OplogIndex) (*segmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(firstIndex))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := newSegmentHeader()
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	seg := &segment{
		file:       file,
		path:       path,
		firstIndex: firstIndex,
	}
	return &segmentWriter{
		segment: seg,
		writer:  bufio.NewWriter(file),
	}, nil
}

// openSegmentForRead opens an existing segment file and verifies its header.
func openSegmentForRead(path string) (*segmentReader, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	var header segmentHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header", path)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != SegmentMagic {
		file.Close()
		return nil, fmt.Errorf("invalid magic number in segment %s: got %x, want %x", path, header.Magic, SegmentMagic)
	}
	if header.Version != SegmentFormatVersion {
		file.Close()
		return nil, fmt.Errorf("unsupported segment format version %d in %s", header.Version, path)
	}

	firstIndex, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment first index from path %s: %w", path, err)
	}

	seg := &segment{
		file:       file,
		path:       path,
		firstIndex: firstIndex,
	}
	return &segmentReader{
		segment: seg,
		reader:  bufio.NewReader(file),
	}, nil
}

// WriteRecord writes one indexed entry record.
// Format: length (4 bytes) | flags (1 byte) | index (8 bytes) | body | checksum (4 bytes)
// The checksum covers flags, index and body. Large bodies are snappy
// compressed, signalled by the flags byte.
func (sw *segmentWriter) WriteRecord(index core.OplogIndex, entryData []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}

	var flags byte
	body := entryData
	if len(entryData) >= compressRecordThreshold {
		flags |= recordFlagCompressed
		body = snappy.Encode(nil, entryData)
	}

	payload := make([]byte, 0, len(body)+9)
	payload = append(payload, flags)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(index))
	payload = append(payload, body...)

	if err := binary.Write(sw.writer, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)
	if err := binary.Write(sw.writer, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	return nil
}

// ReadRecord reads the next record and returns its index and entry bytes.
func (sr *segmentReader) ReadRecord() (core.OplogIndex, []byte, error) {
	return readRecord(sr.reader)
}

// AtEOF reports whether every byte of the segment has been consumed. Used
// after a failed read to tell a torn tail apart from mid-file corruption.
func (sr *segmentReader) AtEOF() bool {
	_, err := sr.reader.Peek(1)
	return err == io.EOF
}

// readRecord reads one length-prefixed, checksummed record from r.
func readRecord(r io.Reader) (core.OplogIndex, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("failed to read record length: %w", err)
	}
	if length < 9 {
		return 0, nil, fmt.Errorf("record too short: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read record data: %w", err)
	}

	var checksum uint32
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return 0, nil, fmt.Errorf("failed to read record checksum: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return 0, nil, fmt.Errorf("record checksum mismatch")
	}

	flags := payload[0]
	index := core.OplogIndex(binary.LittleEndian.Uint64(payload[1:9]))
	body := payload[9:]

	if flags&recordFlagCompressed != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to decompress record body: %w", err)
		}
		body = decoded
	}
	return index, body, nil
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *segmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *segmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *segmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// Size returns the current size of the segment file.
func (s *segment) Size() (int64, error) {
	if s.file == nil {
		return 0, os.ErrClosed
	}
	stat, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
