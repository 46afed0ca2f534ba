// Package audit implements the tamper-evident audit trail (spec.md
// §3's Audit record and §4.7): one record per terminal outcome,
// optionally hash-chained, encrypted, and redacted. Grounded on the
// teacher's store.AuditStore — its sequence/previous-hash/entry-hash
// chain is the same shape, generalized from one process-wide chain to
// one chain per (namespace, tenant) and from an in-memory-only store
// to a Backend interface with interchangeable implementations.
package audit

import (
	"context"
	"time"
)

// Record is one terminal-outcome audit entry.
type Record struct {
	ID         string `json:"id"`
	ActionID   string `json:"action_id"`
	ChainID    string `json:"chain_id,omitempty"`
	Namespace  string `json:"namespace"`
	Tenant     string `json:"tenant"`
	Provider   string `json:"provider"`
	ActionType string `json:"action_type"`

	Verdict     string                 `json:"verdict"`
	MatchedRule string                 `json:"matched_rule,omitempty"`
	Outcome     string                 `json:"outcome"`
	Details     map[string]interface{} `json:"details"`

	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  time.Time  `json:"completed_at"`
	DurationMs   int64      `json:"duration_ms"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	CallerIdentity string `json:"caller_identity,omitempty"`

	// Populated only when the (namespace, tenant) pair has the
	// compliance hash chain enabled (spec.md §4.7).
	PreviousHash   string `json:"previous_hash,omitempty"`
	RecordHash     string `json:"record_hash,omitempty"`
	SequenceNumber uint64 `json:"sequence_number,omitempty"`
}

// Query filters Backend.Query results.
type Query struct {
	Namespace  string
	Tenant     string
	StartTime  *time.Time
	EndTime    *time.Time
	HasPayload bool // restrict to rows with a replayable action_payload
	MaxResults int
}

// Backend persists audit records. Every decorator (hash chain,
// encryption, redaction) wraps a Backend and is itself a Backend, so
// they compose in any order the caller assembles them in.
type Backend interface {
	// Append writes one record. For chained (namespace, tenant) pairs
	// the caller must have already assigned SequenceNumber/PreviousHash/
	// RecordHash (see ChainingBackend).
	Append(ctx context.Context, record Record) error

	// Tail returns the last-written record's sequence number and hash
	// for (namespace, tenant), or ok=false if none exists yet.
	Tail(ctx context.Context, namespace, tenant string) (seq uint64, hash string, ok bool, err error)

	// Query returns records matching q, newest first.
	Query(ctx context.Context, q Query) ([]Record, error)

	// CleanupExpired deletes records whose ExpiresAt is non-nil and
	// before cutoff, returning the count removed. Compliance-hold
	// records (ExpiresAt == nil) are never removed.
	CleanupExpired(ctx context.Context, cutoff time.Time) (int, error)
}
