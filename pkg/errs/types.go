// Package errs defines the gateway's canonical error taxonomy.
//
// Every backend and provider boundary returns errors tagged with one of
// the Kind values below so callers can make retry/surface decisions
// without inspecting error strings.
package errs

import "fmt"

// Kind classifies an error for retry and surfacing policy, per the
// error-handling design.
type Kind string

const (
	KindSerialization  Kind = "SERIALIZATION"
	KindConfiguration  Kind = "CONFIGURATION"
	KindConnection     Kind = "CONNECTION"
	KindBackend        Kind = "BACKEND"
	KindTimeout        Kind = "TIMEOUT"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindExecutionFail  Kind = "EXECUTION_FAILED"
	KindLockExpired    Kind = "LOCK_EXPIRED"
	KindQuotaExceeded  Kind = "QUOTA_EXCEEDED"
	KindCircuitOpen    Kind = "CIRCUIT_OPEN"
	KindNotFound       Kind = "NOT_FOUND"
)

// Retryable reports whether operations failing with this kind should be
// retried by the executor's backoff loop.
func (k Kind) Retryable() bool {
	switch k {
	case KindConnection, KindBackend, KindTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is the canonical error type returned across state-store, lock,
// audit-store, and provider boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind, unwrapping as
// needed so backends that wrap errs.Error in fmt.Errorf %w chains still
// match.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Sentinel errors for conditions callers commonly test with errors.Is.
var (
	ErrNotFound     = New(KindNotFound, "entry not found")
	ErrLockExpired  = New(KindLockExpired, "lock expired")
	ErrVersionConflict = New(KindConfiguration, "version conflict")
)
