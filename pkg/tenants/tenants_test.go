package tenants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/quota"
	"github.com/actiongate/gateway/pkg/statestore"
)

func TestCreateThenGet(t *testing.T) {
	r := New(statestore.NewMemory())
	ctx := context.Background()

	created, err := r.Create(ctx, "ns", "tenant1", quota.TierFree)
	require.NoError(t, err)
	require.True(t, created.IsActive())

	got, err := r.Get(ctx, "ns", "tenant1")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, quota.TierFree, got.TierID)
}

func TestSuspendThenReactivate(t *testing.T) {
	r := New(statestore.NewMemory())
	ctx := context.Background()
	_, err := r.Create(ctx, "ns", "tenant1", quota.TierPro)
	require.NoError(t, err)

	require.NoError(t, r.Suspend(ctx, "ns", "tenant1"))
	t1, err := r.Get(ctx, "ns", "tenant1")
	require.NoError(t, err)
	require.False(t, t1.IsActive())
	require.NotNil(t, t1.SuspendedAt)

	require.NoError(t, r.Reactivate(ctx, "ns", "tenant1"))
	t2, err := r.Get(ctx, "ns", "tenant1")
	require.NoError(t, err)
	require.True(t, t2.IsActive())
	require.Nil(t, t2.SuspendedAt)
}

func TestDeleteMarksDeleted(t *testing.T) {
	r := New(statestore.NewMemory())
	ctx := context.Background()
	_, err := r.Create(ctx, "ns", "tenant1", quota.TierFree)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "ns", "tenant1"))
	got, err := r.Get(ctx, "ns", "tenant1")
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)
}

func TestGetUnknownTenantErrors(t *testing.T) {
	r := New(statestore.NewMemory())
	_, err := r.Get(context.Background(), "ns", "missing")
	require.Error(t, err)
}

func TestSetTierRebinds(t *testing.T) {
	r := New(statestore.NewMemory())
	ctx := context.Background()
	_, err := r.Create(ctx, "ns", "tenant1", quota.TierFree)
	require.NoError(t, err)

	require.NoError(t, r.SetTier(ctx, "ns", "tenant1", quota.TierEnterprise))
	got, err := r.Get(ctx, "ns", "tenant1")
	require.NoError(t, err)
	require.Equal(t, quota.TierEnterprise, got.TierID)
}
