// Package provider defines the Provider contract and registry the
// dispatcher executes actions against. Provider implementations
// (SMTP/SES/Slack/webhook clients) are explicitly out of scope
// (spec.md §1) — only the contract lives here.
package provider

import (
	"context"

	"github.com/actiongate/gateway/pkg/action"
)

// ErrorKind tags a provider failure for the dispatcher's retry/breaker
// policy (spec.md §4.2).
type ErrorKind string

const (
	ErrSerialization ErrorKind = "SERIALIZATION"
	ErrConfiguration ErrorKind = "CONFIGURATION"
	ErrConnection    ErrorKind = "CONNECTION"
	ErrRateLimited   ErrorKind = "RATE_LIMITED"
	ErrExecutionFail ErrorKind = "EXECUTION_FAILED"
	ErrTimeout       ErrorKind = "TIMEOUT"
	ErrCircuitOpen   ErrorKind = "CIRCUIT_OPEN"
)

// Retryable reports whether the dispatcher's retry loop should retry a
// failure of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrConnection, ErrRateLimited, ErrTimeout:
		return true
	default:
		return false
	}
}

// Error is returned by Provider.Execute and Provider.HealthCheck.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Response is the opaque result of a successful provider execution.
type Response struct {
	StatusCode int
	Body       []byte
}

// Provider is the interface every dispatch target implements. The core
// treats providers as opaque: it wraps execution in retry, timeout, and
// circuit-breaker decoration but never inspects provider internals.
type Provider interface {
	Name() string
	Execute(ctx context.Context, a *action.Action) (*Response, error)
	HealthCheck(ctx context.Context) error
}
