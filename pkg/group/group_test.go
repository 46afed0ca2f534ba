package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/statestore"
)

func TestAddEventCreatesPendingGroup(t *testing.T) {
	store := statestore.NewMemory()
	m := New(store, func(ctx context.Context, summary *action.Action) error { return nil })
	ctx := context.Background()

	act := action.New("ns", "t1", "slack", "notify")
	act.Payload = map[string]interface{}{"message": "one"}
	require.NoError(t, m.AddEvent(ctx, "ns", "t1", "grp-1", time.Minute, act))

	entry, _, ok, err := m.load(ctx, m.key("ns", "t1", "grp-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Pending, entry.State)
	require.Len(t, entry.Events, 1)
}

func TestAddEventAppendsAndIntersectsLabels(t *testing.T) {
	store := statestore.NewMemory()
	m := New(store, func(ctx context.Context, summary *action.Action) error { return nil })
	ctx := context.Background()

	first := action.New("ns", "t1", "slack", "notify")
	first.Metadata.Labels = map[string]string{"team": "payments", "env": "prod"}
	require.NoError(t, m.AddEvent(ctx, "ns", "t1", "grp-1", time.Minute, first))

	second := action.New("ns", "t1", "slack", "notify")
	second.Metadata.Labels = map[string]string{"team": "payments", "env": "staging"}
	require.NoError(t, m.AddEvent(ctx, "ns", "t1", "grp-1", time.Minute, second))

	entry, _, ok, err := m.load(ctx, m.key("ns", "t1", "grp-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, entry.Events, 2)
	require.Equal(t, map[string]string{"team": "payments"}, entry.Labels)
}

func TestFlushDueRedispatchesAndDeletes(t *testing.T) {
	store := statestore.NewMemory()
	var redispatched *action.Action
	m := New(store, func(ctx context.Context, summary *action.Action) error {
		redispatched = summary
		return nil
	})
	ctx := context.Background()

	act := action.New("ns", "t1", "slack", "notify")
	require.NoError(t, m.AddEvent(ctx, "ns", "t1", "grp-1", -time.Second, act))

	flushed, err := m.FlushDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flushed)
	require.NotNil(t, redispatched)
	require.True(t, redispatched.GroupDispatch)

	_, _, ok, err := m.load(ctx, m.key("ns", "t1", "grp-1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestForceFlushRejectsMissingGroup(t *testing.T) {
	store := statestore.NewMemory()
	m := New(store, func(ctx context.Context, summary *action.Action) error { return nil })
	ctx := context.Background()

	err := m.ForceFlush(ctx, "ns", "t1", "missing")
	require.Error(t, err)
}
