package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/actiongate/gateway/pkg/statestore"
)

// storeStateReader adapts statestore.Store to rule.StateReader, scoped
// to one (namespace, tenant) pair for the duration of a single
// dispatch's evaluation (spec.md §4.3's state.*/counter/duration
// intrinsics).
type storeStateReader struct {
	ctx       context.Context
	store     statestore.Store
	namespace string
	tenant    string
}

func (r *storeStateReader) Get(key string) (string, bool) {
	entry, ok, err := r.store.Get(r.ctx, statestore.Key{Namespace: r.namespace, Tenant: r.tenant, Kind: statestore.KindState, ID: key})
	if err != nil || !ok {
		return "", false
	}
	return entry.Value, true
}

func (r *storeStateReader) Counter(key string) (int64, bool) {
	entry, ok, err := r.store.Get(r.ctx, statestore.Key{Namespace: r.namespace, Tenant: r.tenant, Kind: statestore.KindCounter, ID: key})
	if err != nil || !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(entry.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (r *storeStateReader) LastWrittenAt(key string) (time.Time, bool) {
	entry, ok, err := r.store.Get(r.ctx, statestore.Key{Namespace: r.namespace, Tenant: r.tenant, Kind: statestore.KindState, ID: key})
	if err != nil || !ok {
		return time.Time{}, false
	}
	return entry.WrittenAt, true
}

func (r *storeStateReader) EventState(fingerprint string) (string, bool) {
	entry, ok, err := r.store.Get(r.ctx, statestore.Key{Namespace: r.namespace, Tenant: r.tenant, Kind: statestore.KindEventState, ID: fingerprint})
	if err != nil || !ok {
		return "", false
	}
	return entry.Value, true
}
