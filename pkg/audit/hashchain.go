package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/actiongate/gateway/pkg/canonicalize"
	"github.com/actiongate/gateway/pkg/lock"
)

// ChainingBackend wraps a Backend with the compliance hash chain
// (spec.md §4.7): each write for a (namespace, tenant) pair is
// serialized under a named lock, assigned the next sequence number
// and the previous record's hash, then canonicalized and hashed
// before being handed to the wrapped Backend.
type ChainingBackend struct {
	inner  Backend
	locker lock.Locker
	ttl    time.Duration
}

// NewChainingBackend wraps inner with hash-chain bookkeeping. locker
// provides the per-(namespace,tenant) mutual exclusion the chain
// needs to avoid two writers racing on the same tail.
func NewChainingBackend(inner Backend, locker lock.Locker, lockTTL time.Duration) *ChainingBackend {
	return &ChainingBackend{inner: inner, locker: locker, ttl: lockTTL}
}

func (c *ChainingBackend) Append(ctx context.Context, record Record) error {
	lockName := fmt.Sprintf("audit-chain:%s:%s", record.Namespace, record.Tenant)
	guard, err := c.locker.Acquire(ctx, lockName, c.ttl, c.ttl*4)
	if err != nil {
		return fmt.Errorf("audit: acquire chain lock: %w", err)
	}
	defer func() { _ = guard.Release(ctx) }()

	lastSeq, lastHash, ok, err := c.inner.Tail(ctx, record.Namespace, record.Tenant)
	if err != nil {
		return fmt.Errorf("audit: read chain tail: %w", err)
	}

	record.SequenceNumber = 1
	record.PreviousHash = "genesis"
	if ok {
		record.SequenceNumber = lastSeq + 1
		record.PreviousHash = lastHash
	}

	hash, err := recordHash(record)
	if err != nil {
		return fmt.Errorf("audit: compute record hash: %w", err)
	}
	record.RecordHash = hash

	return c.inner.Append(ctx, record)
}

func (c *ChainingBackend) Tail(ctx context.Context, namespace, tenant string) (uint64, string, bool, error) {
	return c.inner.Tail(ctx, namespace, tenant)
}

func (c *ChainingBackend) Query(ctx context.Context, q Query) ([]Record, error) {
	return c.inner.Query(ctx, q)
}

func (c *ChainingBackend) CleanupExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return c.inner.CleanupExpired(ctx, cutoff)
}

// recordHash canonicalizes the chain-relevant fields and hashes them
// together with the previous record's hash (spec.md §4.7 step 4):
// record_hash = SHA256(canonical(record) ++ previous_hash).
func recordHash(r Record) (string, error) {
	canonical, err := canonicalize.JCS(map[string]interface{}{
		"id":              r.ID,
		"action_id":       r.ActionID,
		"namespace":       r.Namespace,
		"tenant":          r.Tenant,
		"provider":        r.Provider,
		"action_type":     r.ActionType,
		"verdict":         r.Verdict,
		"matched_rule":    r.MatchedRule,
		"outcome":         r.Outcome,
		"details":         r.Details,
		"sequence_number": r.SequenceNumber,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append(canonical, []byte(r.PreviousHash)...)), nil
}

// VerifyChain recomputes every record's hash for (namespace, tenant)
// in sequence order and compares it against the stored value,
// returning the ID of the first mismatch, or "" if the chain is
// intact (spec.md §4.7's verification step).
func VerifyChain(ctx context.Context, backend Backend, namespace, tenant string) (string, error) {
	records, err := backend.Query(ctx, Query{Namespace: namespace, Tenant: tenant})
	if err != nil {
		return "", fmt.Errorf("audit: query for verification: %w", err)
	}

	bySeq := make(map[uint64]Record, len(records))
	var maxSeq uint64
	for _, r := range records {
		bySeq[r.SequenceNumber] = r
		if r.SequenceNumber > maxSeq {
			maxSeq = r.SequenceNumber
		}
	}

	expectedPrev := "genesis"
	for seq := uint64(1); seq <= maxSeq; seq++ {
		r, ok := bySeq[seq]
		if !ok {
			continue
		}
		if r.PreviousHash != expectedPrev {
			return r.ID, nil
		}
		computed, err := recordHash(Record{
			ID: r.ID, ActionID: r.ActionID, Namespace: r.Namespace, Tenant: r.Tenant,
			Provider: r.Provider, ActionType: r.ActionType, Verdict: r.Verdict,
			MatchedRule: r.MatchedRule, Outcome: r.Outcome, Details: r.Details,
			SequenceNumber: r.SequenceNumber, PreviousHash: r.PreviousHash,
		})
		if err != nil {
			return "", fmt.Errorf("audit: recompute hash for %s: %w", r.ID, err)
		}
		if computed != r.RecordHash {
			return r.ID, nil
		}
		expectedPrev = r.RecordHash
	}

	return "", nil
}
