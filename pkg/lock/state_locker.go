package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/errs"
	"github.com/actiongate/gateway/pkg/statestore"
)

// StateStoreLocker implements Locker on top of any statestore.Store,
// using CheckAndSet for acquisition and CompareAndSwap for extend, so
// Memory/Redis/Postgres Store implementations double as lock backends
// without reimplementing their atomic primitives.
type StateStoreLocker struct {
	store  statestore.Store
	ns     string
	tenant string
}

// NewStateStoreLocker scopes locks under the given (namespace, tenant)
// pair, matching the hash-chain lock's per-tenant granularity
// requirement (spec.md §9).
func NewStateStoreLocker(store statestore.Store, namespace, tenant string) *StateStoreLocker {
	return &StateStoreLocker{store: store, ns: namespace, tenant: tenant}
}

func (l *StateStoreLocker) key(name string) statestore.Key {
	return statestore.Key{Namespace: l.ns, Tenant: l.tenant, Kind: statestore.KindLock, ID: name}
}

func (l *StateStoreLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Guard, bool, error) {
	token := uuid.NewString()
	ok, err := l.store.CheckAndSet(ctx, l.key(name), token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &stateStoreGuard{store: l.store, key: l.key(name), token: token}, true, nil
}

func (l *StateStoreLocker) Acquire(ctx context.Context, name string, ttl, timeout time.Duration) (Guard, error) {
	return AcquireWithPolling(ctx, l, name, ttl, timeout)
}

type stateStoreGuard struct {
	store statestore.Store
	key   statestore.Key
	token string
}

func (g *stateStoreGuard) currentVersion(ctx context.Context) (uint64, string, bool, error) {
	entry, ok, err := g.store.Get(ctx, g.key)
	if err != nil {
		return 0, "", false, err
	}
	if !ok {
		return 0, "", false, nil
	}
	return entry.Version, entry.Value, true, nil
}

func (g *stateStoreGuard) IsHeld(ctx context.Context) (bool, error) {
	_, value, ok, err := g.currentVersion(ctx)
	if err != nil || !ok {
		return false, err
	}
	return value == g.token, nil
}

func (g *stateStoreGuard) Extend(ctx context.Context, duration time.Duration) error {
	version, value, ok, err := g.currentVersion(ctx)
	if err != nil {
		return err
	}
	if !ok || value != g.token {
		return errs.ErrLockExpired
	}
	res, err := g.store.CompareAndSwap(ctx, g.key, version, g.token, duration)
	if err != nil {
		return err
	}
	if res.Status != statestore.CASOk {
		return errs.ErrLockExpired
	}
	return nil
}

func (g *stateStoreGuard) Release(ctx context.Context) error {
	held, err := g.IsHeld(ctx)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	_, err = g.store.Delete(ctx, g.key)
	return err
}
