package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

// stderrRecoveryLimit caps how many entries the stderr recovery walks back.
const stderrRecoveryLimit = 128

// TrapKind classifies why guest execution stopped abnormally.
type TrapKind uint8

const (
	// TrapInterrupt: an explicit interrupt; the worker will be resumed later.
	TrapInterrupt TrapKind = iota
	// TrapSuspend: the worker suspended itself (sleep, await).
	TrapSuspend
	// TrapRestart: an explicit restart request.
	TrapRestart
	// TrapJump: replay must resume from an earlier oplog index.
	TrapJump
	// TrapExit: the guest exited; the worker cannot be invoked again.
	TrapExit
	// TrapError: the guest failed with a worker error.
	TrapError
)

// TrapType describes the abnormal termination of a guest execution. Error is
// only meaningful when Kind is TrapError.
type TrapType struct {
	Kind  TrapKind
	Error core.WorkerError
}

// RetryDecisionKind enumerates what recovery should do after a trap.
type RetryDecisionKind uint8

const (
	// RetryNone: do not retry; the worker stays in its terminal state.
	RetryNone RetryDecisionKind = iota
	// RetryImmediate: retry right away.
	RetryImmediate
	// RetryDelayed: retry after the backoff delay.
	RetryDelayed
	// RetryReacquirePermits: the worker ran out of memory; release and
	// reacquire its memory permits before retrying, so it may be rescheduled
	// with more headroom.
	RetryReacquirePermits
)

// RetryDecision is the outcome of the retry projection. Delay is only
// meaningful when Kind is RetryDelayed.
type RetryDecision struct {
	Kind  RetryDecisionKind
	Delay time.Duration
}

func (d RetryDecision) String() string {
	switch d.Kind {
	case RetryNone:
		return "none"
	case RetryImmediate:
		return "immediate"
	case RetryDelayed:
		return fmt.Sprintf("delayed(%s)", d.Delay)
	case RetryReacquirePermits:
		return "reacquire-permits"
	default:
		return "unknown"
	}
}

// DecideOnTrap maps a trap to a recovery decision. previousTries is the
// number of consecutive failed attempts of the same logical operation before
// this one, as counted by the status projection.
func DecideOnTrap(config core.RetryConfig, previousTries uint32, trap TrapType) RetryDecision {
	switch trap.Kind {
	case TrapInterrupt, TrapSuspend, TrapExit:
		return RetryDecision{Kind: RetryNone}
	case TrapRestart, TrapJump:
		return RetryDecision{Kind: RetryImmediate}
	case TrapError:
		switch trap.Error.Kind {
		case core.WorkerErrorOutOfMemory:
			return RetryDecision{Kind: RetryReacquirePermits}
		case core.WorkerErrorInvalidRequest, core.WorkerErrorStackOverflow:
			return RetryDecision{Kind: RetryNone}
		default:
			if previousTries < config.MaxAttempts {
				return RetryDecision{Kind: RetryDelayed, Delay: config.DelayFor(previousTries + 1)}
			}
			return RetryDecision{Kind: RetryNone}
		}
	default:
		return RetryDecision{Kind: RetryNone}
	}
}

// DecideOnStartup decides whether a recovered worker should be replayed. A
// worker with no recorded failure always restarts; one whose last failure
// exhausted the retry budget stays failed.
func DecideOnStartup(config core.RetryConfig, lastError *LastError) RetryDecision {
	if lastError == nil {
		return RetryDecision{Kind: RetryImmediate}
	}
	if lastError.Error.IsRetriable(config, lastError.RetryCount) {
		return RetryDecision{Kind: RetryImmediate}
	}
	return RetryDecision{Kind: RetryNone}
}

// LastError is the most recent failure recorded in a worker's oplog together
// with the number of consecutive failed attempts ending in it.
type LastError struct {
	Error      core.WorkerError
	RetryCount uint32
	// Stderr holds the guest's stderr output recovered from the log entries
	// preceding the failure, for diagnostics.
	Stderr string
}

// LastErrorAndRetryCount walks the oplog backward from its end and returns
// the trailing run of Error entries, skipping hints (which interleave freely
// with errors) and deleted regions. It returns nil when the newest
// non-hint entry is not an error.
func LastErrorAndRetryCount(store oplog.Store, workerID core.WorkerID, status *core.WorkerStatusRecord) (*LastError, error) {
	idx, err := store.GetLastIndex(workerID)
	if err != nil {
		return nil, fmt.Errorf("reading last oplog index for %s: %w", workerID, err)
	}
	if idx == core.OplogIndexNone {
		return nil, nil
	}

	var firstError *core.WorkerError
	var retryCount uint32
	lastErrorIndex := idx

scan:
	for {
		if status != nil && status.DeletedRegions.Contains(idx) {
			if idx > core.OplogIndexInitial {
				idx = idx.Previous()
				continue
			}
			break
		}

		entries, err := store.Read(workerID, idx, 1)
		if err != nil {
			return nil, fmt.Errorf("reading oplog for %s at %d: %w", workerID, idx, err)
		}
		if len(entries) == 0 || entries[0].Index != idx {
			// The index was removed by compaction; treat it like a hint.
			if idx > core.OplogIndexInitial {
				idx = idx.Previous()
				continue
			}
			break
		}

		switch e := entries[0].Entry.(type) {
		case *oplog.ErrorEntry:
			retryCount++
			lastErrorIndex = idx
			if firstError == nil {
				errCopy := e.Error
				firstError = &errCopy
			}
		default:
			if !oplog.IsHint(entries[0].Entry) {
				break scan
			}
		}

		if idx > core.OplogIndexInitial {
			idx = idx.Previous()
		} else {
			break
		}
	}

	if firstError == nil {
		return nil, nil
	}
	stderr, err := recoverStderrLogs(store, workerID, lastErrorIndex)
	if err != nil {
		return nil, err
	}
	return &LastError{Error: *firstError, RetryCount: retryCount, Stderr: stderr}, nil
}

// recoverStderrLogs reads back oplog entries starting from the given index
// and collects stderr output, at most until the start of the invocation.
func recoverStderrLogs(store oplog.Store, workerID core.WorkerID, from core.OplogIndex) (string, error) {
	idx := from
	var collected []string
	done := false
	for !done {
		entries, err := store.Read(workerID, idx, 1)
		if err != nil {
			return "", fmt.Errorf("reading oplog for %s at %d: %w", workerID, idx, err)
		}
		if len(entries) == 1 && entries[0].Index == idx {
			switch e := entries[0].Entry.(type) {
			case *oplog.LogEntry:
				if e.Level == core.LogLevelStderr {
					collected = append(collected, e.Message)
					done = len(collected) >= stderrRecoveryLimit
				}
			case *oplog.AgentInvocationStartedEntry:
				done = true
			}
		}
		if done {
			break
		}
		if idx > core.OplogIndexInitial {
			idx = idx.Previous()
		} else {
			break
		}
	}
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return strings.Join(collected, ""), nil
}
