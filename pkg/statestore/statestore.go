// Package statestore defines the keyed state substrate every stateful
// gateway component sits on top of: a KV store with TTL, atomic counters,
// and optimistic-concurrency compare-and-swap, with interchangeable
// backends (in-memory, Redis, PostgreSQL, DynamoDB).
package statestore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed enum of state-entry categories. The lower_snake_case
// String() form is part of the canonical key and must never change for an
// existing Kind.
type Kind int

const (
	KindState Kind = iota
	KindDedup
	KindCounter
	KindRateLimit
	KindEventState
	KindChain
	KindQuotaUsage
	KindQuota
	KindRetention
	KindTemplate
	KindTemplateProfile
	KindLock
	KindGroup
	KindApproval
	KindScheduled
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindDedup:
		return "dedup"
	case KindCounter:
		return "counter"
	case KindRateLimit:
		return "rate_limit"
	case KindEventState:
		return "event_state"
	case KindChain:
		return "chain"
	case KindQuotaUsage:
		return "quota_usage"
	case KindQuota:
		return "quota"
	case KindRetention:
		return "retention"
	case KindTemplate:
		return "template"
	case KindTemplateProfile:
		return "template_profile"
	case KindLock:
		return "lock"
	case KindGroup:
		return "group"
	case KindApproval:
		return "approval"
	case KindScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// Key identifies a state entry. CanonicalKey renders it to the single
// string backends store under: "{namespace}:{tenant}:{kind}:{id}".
type Key struct {
	Namespace string
	Tenant    string
	Kind      Kind
	ID        string
}

// Canonical renders the key per the state-store backend contract
// (spec.md §6). Namespace/Tenant/ID must not themselves contain ':' —
// callers are expected to pre-sanitize free-form identifiers; this
// package does not escape them, matching the contract's literal format.
func (k Key) Canonical() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Namespace, k.Tenant, k.Kind, k.ID)
}

func (k Key) String() string { return k.Canonical() }

// ParseCanonical splits a canonical key back into its components. It
// assumes none of Namespace/Tenant/ID contain ':', mirroring Canonical.
func ParseCanonical(s string) (Key, bool) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 {
		return Key{}, false
	}
	return Key{Namespace: parts[0], Tenant: parts[1], ID: parts[3], Kind: kindFromString(parts[2])}, true
}

func kindFromString(s string) Kind {
	for k := KindState; k <= KindScheduled; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindState
}

// Entry is a materialized state-store value.
type Entry struct {
	Value     string
	Version   uint64
	ExpiresAt *time.Time

	// WrittenAt is when this version was last stored, independent of
	// ExpiresAt — the basis for state.time_since_write()/StateTimeSince
	// (spec.md §4.3). Every backend stamps it on every Set/CheckAndSet/
	// Increment/CompareAndSwap.
	WrittenAt time.Time
}

// Expired reports whether the entry should be invisible to reads at t.
func (e Entry) Expired(t time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(t)
}

// CASStatus is the outcome of a CompareAndSwap call.
type CASStatus int

const (
	CASOk CASStatus = iota
	CASConflict
)

// CASResult carries the outcome of CompareAndSwap, including the
// current value/version on conflict so callers can retry without a
// second read.
type CASResult struct {
	Status         CASStatus
	CurrentValue   string
	CurrentVersion uint64
}

// Store is the state-store interface every stateful component sits on.
// Every method is a suspension point (spec.md §5); implementations must
// be safe for concurrent use by multiple goroutines.
type Store interface {
	// Get returns the live entry for key, or ok=false if absent or expired.
	Get(ctx context.Context, key Key) (entry Entry, ok bool, err error)

	// Set upserts key with an optional ttl (ttl<=0 means no expiry),
	// bumping the version.
	Set(ctx context.Context, key Key, value string, ttl time.Duration) error

	// CheckAndSet atomically inserts value iff key is absent or expired.
	// Returns true on success. This is the dedup primitive.
	CheckAndSet(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error)

	// Delete removes a live entry, returning true iff one was removed.
	// An expired entry is treated as already absent ("not found").
	Delete(ctx context.Context, key Key) (bool, error)

	// Increment atomically adds delta and returns the new value. If the
	// existing entry is expired, its value is discarded first so the
	// counter restarts from delta. ttl is applied on create; refresh-on-
	// update behavior is backend-defined (see each backend's doc comment).
	Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap performs optimistic-concurrency update: it succeeds
	// iff the live version equals expectedVersion.
	CompareAndSwap(ctx context.Context, key Key, expectedVersion uint64, newValue string, ttl time.Duration) (CASResult, error)

	// ScanKeysByKind returns every live entry of the given kind. Coarse,
	// used only by background workers — never on the dispatch hot path.
	ScanKeysByKind(ctx context.Context, kind Kind) ([]KeyValue, error)
}

// KeyValue is one row returned by ScanKeysByKind.
type KeyValue struct {
	Key   Key
	Entry Entry
}

// RefreshesTTLOnIncrement documents, per backend, whether Increment
// refreshes the entry's TTL on every successful update rather than only
// on create. Pinned per backend per spec.md §9's open question; asserted
// by the conformance suite.
type RefreshesTTLOnIncrement bool
