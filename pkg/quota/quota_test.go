package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/statestore"
)

func TestCheckProceedsUnderLimit(t *testing.T) {
	e := New(statestore.NewMemory())
	policy := Policy{MaxActions: 5, Window: time.Minute, Overage: Overage{Kind: OverageBlock}}

	for i := 0; i < 5; i++ {
		d, err := e.Check(context.Background(), "ns", "tenant1", policy)
		require.NoError(t, err)
		require.Equal(t, OutcomeProceed, d.Outcome)
	}
}

func TestCheckBlockRollsBackIncrement(t *testing.T) {
	e := New(statestore.NewMemory())
	policy := Policy{MaxActions: 2, Window: time.Minute, Overage: Overage{Kind: OverageBlock}}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := e.Check(ctx, "ns", "tenant1", policy)
		require.NoError(t, err)
		require.Equal(t, OutcomeProceed, d.Outcome)
	}

	d, err := e.Check(ctx, "ns", "tenant1", policy)
	require.NoError(t, err)
	require.Equal(t, OutcomeQuotaExceeded, d.Outcome)

	// The rejected increment is rolled back to MaxActions, so the next
	// call is still over quota and is rejected again.
	d, err = e.Check(ctx, "ns", "tenant1", policy)
	require.NoError(t, err)
	require.Equal(t, OutcomeQuotaExceeded, d.Outcome)
}

func TestCheckDegradeReturnsFallbackProvider(t *testing.T) {
	e := New(statestore.NewMemory())
	policy := Policy{MaxActions: 1, Window: time.Minute, Overage: Overage{Kind: OverageDegrade, FallbackProvider: "backup-sms"}}
	ctx := context.Background()

	_, err := e.Check(ctx, "ns", "tenant1", policy)
	require.NoError(t, err)

	d, err := e.Check(ctx, "ns", "tenant1", policy)
	require.NoError(t, err)
	require.Equal(t, OutcomeDegradedReroute, d.Outcome)
	require.Equal(t, "backup-sms", d.FallbackProvider)
}

func TestPolicyForTierKnownAndUnknown(t *testing.T) {
	_, ok := PolicyForTier(TierPro)
	require.True(t, ok)

	_, ok = PolicyForTier(TierID("nonexistent"))
	require.False(t, ok)
}
