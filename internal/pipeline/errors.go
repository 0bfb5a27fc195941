package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind buckets failures into the retry policies of the pipeline.
type ErrorKind string

// Failure kinds. Each maps to exactly one handling policy in the worker.
const (
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransientNetwork ErrorKind = "transient_network"
	KindRobotsBlocked    ErrorKind = "robots_blocked"
	KindWAFBlocked       ErrorKind = "waf_blocked"
	KindSMTPTempFail     ErrorKind = "smtp_temp_fail"
	KindSMTPHardFail     ErrorKind = "smtp_hard_fail"
	KindCatchallDomain   ErrorKind = "catch_all_domain"
	KindTCP25Blocked     ErrorKind = "tcp25_blocked"
	KindNoMX             ErrorKind = "no_mx"
	KindBudgetExceeded   ErrorKind = "budget_exceeded"
	KindValidation       ErrorKind = "validation"
	KindInternal         ErrorKind = "internal"
)

// Retryable reports whether a failure of this kind should be re-enqueued
// with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientNetwork, KindWAFBlocked, KindSMTPTempFail:
		return true
	default:
		return false
	}
}

// Error carries a failure kind through the call graph so the worker can
// pick the right retry policy without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kinded error.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf builds a kinded error with a formatted message and no cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from err, defaulting to internal.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Retryable reports whether err should be retried per its kind. Unknown
// (internal) errors are retried so transient crashes reach the DLQ through
// the attempt counter rather than dying on first touch.
func Retryable(err error) bool {
	kind := KindOf(err)
	return kind.Retryable() || kind == KindInternal
}

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")
