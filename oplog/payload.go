package oplog

import (
	"fmt"

	"github.com/INLOpen/nexusflow/core"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// MaxInlinePayloadSize is the largest request/response that is stored inline
// in the entry itself. Larger payloads are written to a separate payload file
// and referenced by id.
const MaxInlinePayloadSize = 64 * 1024

// Payload is a serialized host-call request or response. Small payloads are
// stored inline; oversized ones live outside the entry and are fetched on
// demand.
type Payload struct {
	Data     []byte           `json:"data,omitempty"`
	External *ExternalPayload `json:"external,omitempty"`
}

// ExternalPayload references an oversized payload stored outside the entry.
type ExternalPayload struct {
	ID   core.PayloadID `json:"id"`
	Size uint64         `json:"size"`
}

// InlinePayload wraps data that fits inline.
func InlinePayload(data []byte) Payload {
	return Payload{Data: data}
}

// IsExternal reports whether the payload is stored outside the entry.
func (p Payload) IsExternal() bool {
	return p.External != nil
}

// PayloadStorage persists oversized payloads. The file-backed store writes
// them snappy-compressed next to the oplog segments.
type PayloadStorage interface {
	// UploadPayload stores data and returns a payload referencing it,
	// inline if it is small enough.
	UploadPayload(workerID core.WorkerID, data []byte) (Payload, error)
	// DownloadPayload resolves a payload back to its raw bytes.
	DownloadPayload(workerID core.WorkerID, payload Payload) ([]byte, error)
}

// compressPayload snappy-compresses raw payload bytes for external storage.
func compressPayload(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// decompressPayload reverses compressPayload.
func decompressPayload(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

// newExternalPayload allocates a reference for an oversized payload.
func newExternalPayload(size uint64) ExternalPayload {
	return ExternalPayload{ID: uuid.New(), Size: size}
}
