package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/lock"
	"github.com/actiongate/gateway/pkg/redact"
	"github.com/actiongate/gateway/pkg/statestore"
)

func newChain(t *testing.T) (*ChainingBackend, *Memory) {
	t.Helper()
	mem := NewMemory()
	locker := lock.NewStateStoreLocker(statestore.NewMemory(), "ns", "chain-locks")
	return NewChainingBackend(mem, locker, time.Second), mem
}

func TestChainingBackendAssignsSequenceAndPreviousHash(t *testing.T) {
	chain, _ := newChain(t)
	ctx := context.Background()

	r1 := Record{ID: "a1", Namespace: "ns", Tenant: "t1", Outcome: "executed", CompletedAt: time.Now()}
	require.NoError(t, chain.Append(ctx, r1))

	r2 := Record{ID: "a2", Namespace: "ns", Tenant: "t1", Outcome: "executed", CompletedAt: time.Now()}
	require.NoError(t, chain.Append(ctx, r2))

	records, err := chain.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var first, second Record
	for _, r := range records {
		if r.ID == "a1" {
			first = r
		} else {
			second = r
		}
	}
	require.Equal(t, uint64(1), first.SequenceNumber)
	require.Equal(t, "genesis", first.PreviousHash)
	require.Equal(t, uint64(2), second.SequenceNumber)
	require.Equal(t, first.RecordHash, second.PreviousHash)
	require.NotEmpty(t, second.RecordHash)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	chain, mem := newChain(t)
	ctx := context.Background()

	require.NoError(t, chain.Append(ctx, Record{ID: "a1", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now()}))
	require.NoError(t, chain.Append(ctx, Record{ID: "a2", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now()}))

	mismatch, err := VerifyChain(ctx, chain, "ns", "t1")
	require.NoError(t, err)
	require.Empty(t, mismatch)

	for i := range mem.records {
		if mem.records[i].ID == "a2" {
			mem.records[i].Outcome = "tampered"
		}
	}

	mismatch, err = VerifyChain(ctx, chain, "ns", "t1")
	require.NoError(t, err)
	require.Equal(t, "a2", mismatch)
}

func TestEncryptingBackendRoundTrips(t *testing.T) {
	mem := NewMemory()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewEncryptingBackend(mem, key)
	require.NoError(t, err)
	ctx := context.Background()

	record := Record{
		ID: "a1", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now(),
		Details: map[string]interface{}{
			"matched_rule":   "r1",
			"action_payload": map[string]interface{}{"amount": "100.00"},
		},
	}
	require.NoError(t, enc.Append(ctx, record))

	raw, err := mem.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, raw, 1)
	sealed, ok := raw[0].Details[payloadField].(string)
	require.True(t, ok)
	require.Contains(t, sealed, encryptedMarker)
	require.Contains(t, sealed, "AES256-GCM,data:")
	require.Contains(t, sealed, ",iv:")
	require.Contains(t, sealed, ",tag:")
	require.Equal(t, "r1", raw[0].Details["matched_rule"])

	decrypted, err := enc.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, decrypted, 1)
	payload, ok := decrypted[0].Details[payloadField].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "100.00", payload["amount"])
}

func TestEncryptingBackendPassesThroughUnencryptedRecords(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Append(context.Background(), Record{
		ID: "legacy", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now(),
		Details: map[string]interface{}{"action_payload": map[string]interface{}{"amount": "5.00"}},
	}))

	key := make([]byte, 32)
	enc, err := NewEncryptingBackend(mem, key)
	require.NoError(t, err)

	records, err := enc.Query(context.Background(), Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	payload, ok := records[0].Details["action_payload"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "5.00", payload["amount"])
}

func TestRedactingBackendScrubsBeforeWrite(t *testing.T) {
	mem := NewMemory()
	redactor := redact.New([]string{"ssn"}, nil)
	red := NewRedactingBackend(mem, redactor)
	ctx := context.Background()

	require.NoError(t, red.Append(ctx, Record{
		ID: "a1", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now(),
		Details: map[string]interface{}{
			"action_payload": map[string]interface{}{"ssn": "123-45-6789", "ok": "value"},
		},
	}))

	records, err := mem.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	payload, ok := records[0].Details["action_payload"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", payload["ssn"])
	require.Equal(t, "value", payload["ok"])
}

func TestComposedEncryptingRedactingOrder(t *testing.T) {
	mem := NewMemory()
	redactor := redact.New([]string{"ssn"}, nil)
	key := make([]byte, 32)

	inner := NewRedactingBackend(mem, redactor)
	composed, err := NewEncryptingBackend(inner, key)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, composed.Append(ctx, Record{
		ID: "a1", Namespace: "ns", Tenant: "t1", CompletedAt: time.Now(),
		Details: map[string]interface{}{"action_payload": map[string]interface{}{"ssn": "123-45-6789"}},
	}))

	raw, err := mem.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	sealed, ok := raw[0].Details[payloadField].(string)
	require.True(t, ok)
	require.Contains(t, sealed, encryptedMarker)

	decrypted, err := composed.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	payload, ok := decrypted[0].Details[payloadField].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", payload["ssn"])
}

func TestMemoryCleanupExpiredKeepsComplianceHold(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, mem.Append(ctx, Record{ID: "expired", Namespace: "ns", Tenant: "t1", ExpiresAt: &past}))
	require.NoError(t, mem.Append(ctx, Record{ID: "fresh", Namespace: "ns", Tenant: "t1", ExpiresAt: &future}))
	require.NoError(t, mem.Append(ctx, Record{ID: "hold", Namespace: "ns", Tenant: "t1"}))

	removed, err := mem.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	remaining, err := mem.Query(ctx, Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
