package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Conformance runs the shared behavioral suite every backend must pass,
// per spec.md §4.1. newStore must return a Store with no pre-existing
// entries under the namespace/tenant pairs this suite uses.
//
// refreshesTTLOnIncrement pins the backend's documented answer to the
// counter-TTL-refresh open question (spec.md §9) so the suite asserts
// each backend's own behavior rather than a single cross-backend answer.
func Conformance(t *testing.T, newStore func() Store, refreshesTTLOnIncrement bool) {
	t.Helper()
	ctx := context.Background()

	t.Run("get_absent_returns_not_ok", func(t *testing.T) {
		s := newStore()
		_, ok, err := s.Get(ctx, Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "missing"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set_then_get_round_trips", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		require.NoError(t, s.Set(ctx, key, "hello", 0))

		entry, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "hello", entry.Value)
		assert.Equal(t, uint64(1), entry.Version)
	})

	t.Run("set_bumps_version", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		require.NoError(t, s.Set(ctx, key, "v1", 0))
		require.NoError(t, s.Set(ctx, key, "v2", 0))

		entry, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", entry.Value)
		assert.Equal(t, uint64(2), entry.Version)
	})

	t.Run("elapsed_ttl_is_expired", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindDedup, ID: "k1"}
		require.NoError(t, s.Set(ctx, key, "1", time.Nanosecond))
		time.Sleep(5 * time.Millisecond)

		_, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("check_and_set_dedup_primitive", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindDedup, ID: "k1"}

		first, err := s.CheckAndSet(ctx, key, "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, first)

		second, err := s.CheckAndSet(ctx, key, "1", time.Minute)
		require.NoError(t, err)
		assert.False(t, second)
	})

	t.Run("check_and_set_after_expiry_succeeds_again", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindDedup, ID: "k1"}

		ok1, err := s.CheckAndSet(ctx, key, "1", 5*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok1)

		time.Sleep(20 * time.Millisecond)

		ok2, err := s.CheckAndSet(ctx, key, "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok2, "expired entries must be treated as absent")
	})

	t.Run("delete_live_entry_returns_true_once", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		require.NoError(t, s.Set(ctx, key, "v", 0))

		deleted, err := s.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, deleted)

		deletedAgain, err := s.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deletedAgain)
	})

	t.Run("delete_expired_entry_reports_not_found", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		require.NoError(t, s.Set(ctx, key, "v", time.Nanosecond))
		time.Sleep(5 * time.Millisecond)

		deleted, err := s.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("increment_accumulates", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindCounter, ID: "c1"}

		v1, err := s.Increment(ctx, key, 1, time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 1, v1)

		v2, err := s.Increment(ctx, key, 4, time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 5, v2)
	})

	t.Run("increment_after_ttl_expiry_restarts_from_delta", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindCounter, ID: "c1"}

		_, err := s.Increment(ctx, key, 10, 5*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		v, err := s.Increment(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.EqualValues(t, 3, v, "counter must restart from delta after TTL expiry")
	})

	if refreshesTTLOnIncrement {
		t.Run("increment_refreshes_ttl", func(t *testing.T) {
			s := newStore()
			key := Key{Namespace: "ns", Tenant: "t1", Kind: KindCounter, ID: "c1"}

			_, err := s.Increment(ctx, key, 1, 30*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)
			_, err = s.Increment(ctx, key, 1, 30*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)

			_, ok, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok, "TTL should have been refreshed by the second increment")
		})
	} else {
		t.Run("increment_does_not_refresh_ttl", func(t *testing.T) {
			s := newStore()
			key := Key{Namespace: "ns", Tenant: "t1", Kind: KindCounter, ID: "c1"}

			_, err := s.Increment(ctx, key, 1, 30*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)
			_, err = s.Increment(ctx, key, 1, 30*time.Millisecond)
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)

			_, ok, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.False(t, ok, "fixed-expiry backend should not extend past the original TTL")
		})
	}

	t.Run("cas_succeeds_only_at_expected_version", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		require.NoError(t, s.Set(ctx, key, "v1", 0))

		entry, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)

		conflict, err := s.CompareAndSwap(ctx, key, entry.Version+1, "v2", 0)
		require.NoError(t, err)
		assert.Equal(t, CASConflict, conflict.Status)

		result, err := s.CompareAndSwap(ctx, key, entry.Version, "v2", 0)
		require.NoError(t, err)
		assert.Equal(t, CASOk, result.Status)
		assert.Equal(t, entry.Version+1, result.CurrentVersion)

		got, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v2", got.Value)
	})

	t.Run("set_stamps_written_at", func(t *testing.T) {
		s := newStore()
		key := Key{Namespace: "ns", Tenant: "t1", Kind: KindState, ID: "a"}
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.Set(ctx, key, "v1", 0))

		entry, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, entry.WrittenAt.Before(before), "written_at must be stamped on write")

		require.NoError(t, s.Set(ctx, key, "v2", 0))
		entry2, ok, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, entry2.WrittenAt.Before(entry.WrittenAt), "written_at must advance on overwrite")
	})

	t.Run("scan_keys_by_kind_is_scoped", func(t *testing.T) {
		s := newStore()
		require.NoError(t, s.Set(ctx, Key{Namespace: "ns", Tenant: "t1", Kind: KindGroup, ID: "g1"}, "v", time.Minute))
		require.NoError(t, s.Set(ctx, Key{Namespace: "ns", Tenant: "t1", Kind: KindGroup, ID: "g2"}, "v", time.Minute))
		require.NoError(t, s.Set(ctx, Key{Namespace: "ns", Tenant: "t1", Kind: KindApproval, ID: "ap1"}, "v", time.Minute))

		rows, err := s.ScanKeysByKind(ctx, KindGroup)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}
