package core

import (
	"time"
)

// RetryConfig is the retry budget applied to transient worker failures.
// Consecutive Error oplog entries sharing the same retry-from index count as
// attempts of the same logical operation against this budget.
type RetryConfig struct {
	MaxAttempts uint32        `json:"max_attempts" yaml:"max_attempts"`
	MinDelay    time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryConfig returns the retry budget used when a worker has not
// overridden its policy via ChangeRetryPolicy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

// DelayFor computes the backoff delay before the given 1-based attempt.
func (c RetryConfig) DelayFor(attempt uint32) time.Duration {
	if attempt <= 1 {
		return c.MinDelay
	}
	delay := float64(c.MinDelay)
	for i := uint32(1); i < attempt; i++ {
		delay *= c.Multiplier
		if time.Duration(delay) >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return time.Duration(delay)
}

// WorkerErrorKind classifies worker failures for retry decisions.
type WorkerErrorKind uint8

const (
	WorkerErrorUnknown WorkerErrorKind = iota
	WorkerErrorInvalidRequest
	WorkerErrorStackOverflow
	WorkerErrorOutOfMemory
)

func (k WorkerErrorKind) String() string {
	switch k {
	case WorkerErrorUnknown:
		return "unknown"
	case WorkerErrorInvalidRequest:
		return "invalid-request"
	case WorkerErrorStackOverflow:
		return "stack-overflow"
	case WorkerErrorOutOfMemory:
		return "out-of-memory"
	default:
		return "unknown"
	}
}

// WorkerError describes the failure recorded by an Error oplog entry.
type WorkerError struct {
	Kind    WorkerErrorKind `json:"kind"`
	Message string          `json:"message,omitempty"`
}

func (e WorkerError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Message
}

// IsRetriable reports whether a failure with the given consecutive attempt
// count may be retried under the config. Invalid requests and stack overflows
// are never retried; out-of-memory is always retried (the worker may be
// rescheduled onto a larger executor).
func (e WorkerError) IsRetriable(config RetryConfig, attempts uint32) bool {
	switch e.Kind {
	case WorkerErrorInvalidRequest, WorkerErrorStackOverflow:
		return false
	case WorkerErrorOutOfMemory:
		return true
	default:
		return attempts < config.MaxAttempts
	}
}
