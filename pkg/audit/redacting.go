package audit

import (
	"context"
	"time"

	"github.com/actiongate/gateway/pkg/redact"
)

// RedactingBackend wraps a Backend and scrubs each record's
// action_payload field through a redact.Redactor before delegating
// Append. Reads (Tail/Query) pass through unchanged — redaction
// happens once, at write time, so the stored record is the record of
// truth (spec.md §4.7). Composed as Encrypting(Redacting(Raw)), this
// decorator must sit inside the encrypting one so encryption seals
// already-redacted plaintext.
type RedactingBackend struct {
	inner    Backend
	redactor *redact.Redactor
}

// NewRedactingBackend wraps inner, redacting every appended record's
// action_payload through redactor.
func NewRedactingBackend(inner Backend, redactor *redact.Redactor) *RedactingBackend {
	return &RedactingBackend{inner: inner, redactor: redactor}
}

func (r *RedactingBackend) Append(ctx context.Context, record Record) error {
	if payload, ok := record.Details[payloadField].(map[string]interface{}); ok {
		details := make(map[string]interface{}, len(record.Details))
		for k, v := range record.Details {
			details[k] = v
		}
		details[payloadField] = r.redactor.Redact(payload)
		record.Details = details
	}
	return r.inner.Append(ctx, record)
}

func (r *RedactingBackend) Tail(ctx context.Context, namespace, tenant string) (uint64, string, bool, error) {
	return r.inner.Tail(ctx, namespace, tenant)
}

func (r *RedactingBackend) Query(ctx context.Context, q Query) ([]Record, error) {
	return r.inner.Query(ctx, q)
}

func (r *RedactingBackend) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return r.inner.CleanupExpired(ctx, cutoff)
}
