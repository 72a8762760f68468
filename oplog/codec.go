package oplog

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownEntryType is wrapped by decode errors for unrecognized type
// bytes.
var ErrUnknownEntryType = fmt.Errorf("unknown oplog entry type")

// entryFactories maps a wire type byte to a constructor of the matching
// empty entry. Decoding never guesses: an unregistered byte is an error.
var entryFactories = map[EntryType]func() Entry{
	EntryTypeCreateV0:                     func() Entry { return &CreateEntryV0{} },
	EntryTypeCreateV1:                     func() Entry { return &CreateEntryV1{} },
	EntryTypeCreate:                       func() Entry { return &CreateEntry{} },
	EntryTypeHostCall:                     func() Entry { return &HostCallEntry{} },
	EntryTypeAgentInvocationStarted:       func() Entry { return &AgentInvocationStartedEntry{} },
	EntryTypeAgentInvocationFinished:      func() Entry { return &AgentInvocationFinishedEntry{} },
	EntryTypeSuspend:                      func() Entry { return &SuspendEntry{} },
	EntryTypeError:                        func() Entry { return &ErrorEntry{} },
	EntryTypeNoOp:                         func() Entry { return &NoOpEntry{} },
	EntryTypeJump:                         func() Entry { return &JumpEntry{} },
	EntryTypeInterrupted:                  func() Entry { return &InterruptedEntry{} },
	EntryTypeExited:                       func() Entry { return &ExitedEntry{} },
	EntryTypeChangeRetryPolicy:            func() Entry { return &ChangeRetryPolicyEntry{} },
	EntryTypeBeginAtomicRegion:            func() Entry { return &BeginAtomicRegionEntry{} },
	EntryTypeEndAtomicRegion:              func() Entry { return &EndAtomicRegionEntry{} },
	EntryTypeBeginRemoteWrite:             func() Entry { return &BeginRemoteWriteEntry{} },
	EntryTypeEndRemoteWrite:               func() Entry { return &EndRemoteWriteEntry{} },
	EntryTypePendingAgentInvocation:       func() Entry { return &PendingAgentInvocationEntry{} },
	EntryTypePendingUpdate:                func() Entry { return &PendingUpdateEntry{} },
	EntryTypeSuccessfulUpdateV1:           func() Entry { return &SuccessfulUpdateEntryV1{} },
	EntryTypeSuccessfulUpdate:             func() Entry { return &SuccessfulUpdateEntry{} },
	EntryTypeFailedUpdate:                 func() Entry { return &FailedUpdateEntry{} },
	EntryTypeGrowMemory:                   func() Entry { return &GrowMemoryEntry{} },
	EntryTypeCreateResource:               func() Entry { return &CreateResourceEntry{} },
	EntryTypeDropResource:                 func() Entry { return &DropResourceEntry{} },
	EntryTypeLog:                          func() Entry { return &LogEntry{} },
	EntryTypeRestart:                      func() Entry { return &RestartEntry{} },
	EntryTypeActivatePlugin:               func() Entry { return &ActivatePluginEntry{} },
	EntryTypeDeactivatePlugin:             func() Entry { return &DeactivatePluginEntry{} },
	EntryTypeRevert:                       func() Entry { return &RevertEntry{} },
	EntryTypeCancelPendingInvocation:      func() Entry { return &CancelPendingInvocationEntry{} },
	EntryTypeStartSpan:                    func() Entry { return &StartSpanEntry{} },
	EntryTypeFinishSpan:                   func() Entry { return &FinishSpanEntry{} },
	EntryTypeSetSpanAttribute:             func() Entry { return &SetSpanAttributeEntry{} },
	EntryTypeChangePersistenceLevel:       func() Entry { return &ChangePersistenceLevelEntry{} },
	EntryTypeBeginRemoteTransaction:       func() Entry { return &BeginRemoteTransactionEntry{} },
	EntryTypePreCommitRemoteTransaction:   func() Entry { return &PreCommitRemoteTransactionEntry{} },
	EntryTypePreRollbackRemoteTransaction: func() Entry { return &PreRollbackRemoteTransactionEntry{} },
	EntryTypeCommittedRemoteTransaction:   func() Entry { return &CommittedRemoteTransactionEntry{} },
	EntryTypeRolledBackRemoteTransaction:  func() Entry { return &RolledBackRemoteTransactionEntry{} },
	EntryTypeSnapshot:                     func() Entry { return &SnapshotEntry{} },
}

// EncodeEntry serializes an entry as a type byte followed by its JSON body.
func EncodeEntry(entry Entry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode oplog entry %d: %w", entry.Type(), err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(entry.Type()))
	out = append(out, body...)
	return out, nil
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(data []byte) (Entry, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("oplog entry record is empty")
	}
	entryType := EntryType(data[0])
	factory, ok := entryFactories[entryType]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEntryType, entryType)
	}
	entry := factory()
	if err := json.Unmarshal(data[1:], entry); err != nil {
		return nil, fmt.Errorf("failed to decode oplog entry of type %d: %w", entryType, err)
	}
	return entry, nil
}
