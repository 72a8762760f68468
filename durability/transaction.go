package durability

import (
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// TransactionStatus is how a remote transaction bracket was entered during
// begin.
type TransactionStatus int

const (
	// TransactionOpen means a fresh transaction: the caller performs (or
	// re-performs) its operations.
	TransactionOpen TransactionStatus = iota
	// TransactionCommitted means replay found the commit outcome recorded;
	// the transaction's operations and commit replay from the log.
	TransactionCommitted
	// TransactionRolledBack means replay found the rollback outcome recorded.
	TransactionRolledBack
	// TransactionPendingCommit means the recorded transaction passed its
	// commit point of no return but the outcome entry is missing. Execution
	// switched to live; the caller must query the remote system and record
	// the real outcome with ResolveTransaction.
	TransactionPendingCommit
	// TransactionPendingRollback is the rollback-side equivalent of
	// TransactionPendingCommit.
	TransactionPendingRollback
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionOpen:
		return "Open"
	case TransactionCommitted:
		return "Committed"
	case TransactionRolledBack:
		return "RolledBack"
	case TransactionPendingCommit:
		return "PendingCommit"
	case TransactionPendingRollback:
		return "PendingRollback"
	default:
		return "Unknown"
	}
}

// BeginTransaction opens a remote two-phase-commit bracket and returns its
// begin index and transaction id.
//
// In live mode a BeginRemoteTransaction entry is appended. During replay:
//   - a recorded outcome entry means the transaction replays from the log;
//   - a recorded PreCommit/PreRollback with no outcome means the point of no
//     further retry was passed with the outcome unknown — the state switches
//     to live and the caller must resolve it against the remote system;
//   - no PreCommit/PreRollback means the attempt was abandoned while it was
//     still retriable: the recorded attempt is skipped with a Jump and a
//     replacement Begin entry is appended, carrying the original begin index
//     so retries still count as one logical transaction.
func (m *Manager) BeginTransaction() (core.OplogIndex, core.TransactionID, TransactionStatus, error) {
	if m.IsLive() {
		txID := core.NewTransactionID()
		beginIndex, err := m.Append(&oplog.BeginRemoteTransactionEntry{
			Timestamp:     core.Now(),
			TransactionID: txID,
		})
		if err != nil {
			return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
		}
		return beginIndex, txID, TransactionOpen, nil
	}

	beginIndex, entry, err := m.getOplogEntry(oplog.EntryTypeBeginRemoteTransaction)
	if err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	begin := entry.(*oplog.BeginRemoteTransactionEntry)

	outcome, found, err := m.lookupTransactionOutcome(beginIndex)
	if err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	if found {
		return beginIndex, begin.TransactionID, outcome, nil
	}

	_, preCommitted, err := m.replay.LookupOplogEntry(matchTransactionMarker(oplog.EntryTypePreCommitRemoteTransaction, beginIndex))
	if err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	if preCommitted {
		m.replay.SwitchToLive()
		return beginIndex, begin.TransactionID, TransactionPendingCommit, nil
	}
	_, preRolledBack, err := m.replay.LookupOplogEntry(matchTransactionMarker(oplog.EntryTypePreRollbackRemoteTransaction, beginIndex))
	if err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	if preRolledBack {
		m.replay.SwitchToLive()
		return beginIndex, begin.TransactionID, TransactionPendingRollback, nil
	}

	// Abandoned before the point of no return: drop the whole recorded
	// attempt, including its Begin entry, because a replacement Begin is
	// appended below and future replays must consume that one instead.
	m.replay.SwitchToLive()
	skipped := core.OplogRegion{
		Start: beginIndex,
		End:   m.replay.ReplayTarget().Next(),
	}
	m.replay.AddSkippedRegion(skipped)
	if _, err := m.Append(&oplog.JumpEntry{Timestamp: core.Now(), Jump: skipped}); err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	originalBegin := beginIndex
	if begin.OriginalBeginIndex != nil {
		originalBegin = *begin.OriginalBeginIndex
	}
	newBeginIndex, err := m.Append(&oplog.BeginRemoteTransactionEntry{
		Timestamp:          core.Now(),
		TransactionID:      begin.TransactionID,
		OriginalBeginIndex: &originalBegin,
	})
	if err != nil {
		return core.OplogIndexNone, core.TransactionID{}, TransactionOpen, err
	}
	return newBeginIndex, begin.TransactionID, TransactionOpen, nil
}

// PreCommitTransaction records the commit point of no return for the
// transaction opened at beginIndex.
func (m *Manager) PreCommitTransaction(beginIndex core.OplogIndex) error {
	return m.transactionMarker(oplog.EntryTypePreCommitRemoteTransaction, beginIndex)
}

// PreRollbackTransaction records the rollback point of no return.
func (m *Manager) PreRollbackTransaction(beginIndex core.OplogIndex) error {
	return m.transactionMarker(oplog.EntryTypePreRollbackRemoteTransaction, beginIndex)
}

// CommittedTransaction records the commit outcome.
func (m *Manager) CommittedTransaction(beginIndex core.OplogIndex) error {
	return m.transactionMarker(oplog.EntryTypeCommittedRemoteTransaction, beginIndex)
}

// RolledBackTransaction records the rollback outcome.
func (m *Manager) RolledBackTransaction(beginIndex core.OplogIndex) error {
	return m.transactionMarker(oplog.EntryTypeRolledBackRemoteTransaction, beginIndex)
}

// ResolveTransaction records the real outcome of a transaction that was left
// pending at its point of no return, after the caller queried the remote
// system.
func (m *Manager) ResolveTransaction(beginIndex core.OplogIndex, committed bool) error {
	if committed {
		return m.CommittedTransaction(beginIndex)
	}
	return m.RolledBackTransaction(beginIndex)
}

// transactionMarker appends the marker in live mode or consumes the recorded
// one during replay.
func (m *Manager) transactionMarker(entryType oplog.EntryType, beginIndex core.OplogIndex) error {
	if m.IsLive() {
		_, err := m.Append(newTransactionMarker(entryType, beginIndex))
		return err
	}
	index, entry, err := m.getOplogEntry(entryType)
	if err != nil {
		return err
	}
	if got := transactionMarkerBeginIndex(entry); got != beginIndex {
		return &core.DivergenceError{
			Expected: entryType.String() + " for begin index " + beginIndex.String(),
			Actual:   entryType.String() + " at " + index.String() + " for begin index " + got.String(),
		}
	}
	return nil
}

func (m *Manager) lookupTransactionOutcome(beginIndex core.OplogIndex) (TransactionStatus, bool, error) {
	_, committed, err := m.replay.LookupOplogEntry(matchTransactionMarker(oplog.EntryTypeCommittedRemoteTransaction, beginIndex))
	if err != nil {
		return TransactionOpen, false, err
	}
	if committed {
		return TransactionCommitted, true, nil
	}
	_, rolledBack, err := m.replay.LookupOplogEntry(matchTransactionMarker(oplog.EntryTypeRolledBackRemoteTransaction, beginIndex))
	if err != nil {
		return TransactionOpen, false, err
	}
	if rolledBack {
		return TransactionRolledBack, true, nil
	}
	return TransactionOpen, false, nil
}

func newTransactionMarker(entryType oplog.EntryType, beginIndex core.OplogIndex) oplog.Entry {
	now := core.Now()
	switch entryType {
	case oplog.EntryTypePreCommitRemoteTransaction:
		return &oplog.PreCommitRemoteTransactionEntry{Timestamp: now, BeginIndex: beginIndex}
	case oplog.EntryTypePreRollbackRemoteTransaction:
		return &oplog.PreRollbackRemoteTransactionEntry{Timestamp: now, BeginIndex: beginIndex}
	case oplog.EntryTypeCommittedRemoteTransaction:
		return &oplog.CommittedRemoteTransactionEntry{Timestamp: now, BeginIndex: beginIndex}
	default:
		return &oplog.RolledBackRemoteTransactionEntry{Timestamp: now, BeginIndex: beginIndex}
	}
}

func transactionMarkerBeginIndex(entry oplog.Entry) core.OplogIndex {
	switch e := entry.(type) {
	case *oplog.PreCommitRemoteTransactionEntry:
		return e.BeginIndex
	case *oplog.PreRollbackRemoteTransactionEntry:
		return e.BeginIndex
	case *oplog.CommittedRemoteTransactionEntry:
		return e.BeginIndex
	case *oplog.RolledBackRemoteTransactionEntry:
		return e.BeginIndex
	default:
		return core.OplogIndexNone
	}
}

func matchTransactionMarker(entryType oplog.EntryType, beginIndex core.OplogIndex) func(oplog.Entry) bool {
	return func(e oplog.Entry) bool {
		return e.Type() == entryType && transactionMarkerBeginIndex(e) == beginIndex
	}
}
