// Package tenants carries tenant lifecycle (active/suspended/deleted)
// and tier binding beyond the bare (namespace, tenant) pair spec.md
// assumes (SPEC_FULL.md's tenant-registry supplement). Grounded on the
// teacher's tenants.Tenant, adapted from an auth/billing entity (email,
// API keys, GDPR export) to the gateway's narrower need: is this
// tenant allowed to dispatch at all, and under which quota tier.
package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/actiongate/gateway/pkg/errs"
	"github.com/actiongate/gateway/pkg/quota"
	"github.com/actiongate/gateway/pkg/statestore"
)

// Status is a tenant's current lifecycle position.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Tenant is one dispatching identity within a namespace.
type Tenant struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	TierID      quota.TierID   `json:"tier_id"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	SuspendedAt *time.Time     `json:"suspended_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsActive reports whether the tenant may currently dispatch actions.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Registry persists Tenant records in the state store under the
// State kind, keyed by tenant ID, so every gateway instance sharing a
// backend observes the same lifecycle state.
type Registry struct {
	store statestore.Store
}

// New constructs a Registry backed by store.
func New(store statestore.Store) *Registry {
	return &Registry{store: store}
}

// Create provisions a new active tenant at the given tier.
func (r *Registry) Create(ctx context.Context, namespace, id string, tier quota.TierID) (*Tenant, error) {
	t := &Tenant{
		ID:        id,
		Namespace: namespace,
		TierID:    tier,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.put(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a tenant by (namespace, id).
func (r *Registry) Get(ctx context.Context, namespace, id string) (*Tenant, error) {
	entry, ok, err := r.store.Get(ctx, r.key(namespace, id))
	if err != nil {
		return nil, fmt.Errorf("tenants: get: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("tenants: %s/%s: %w", namespace, id, errs.ErrNotFound)
	}
	var t Tenant
	if err := json.Unmarshal([]byte(entry.Value), &t); err != nil {
		return nil, fmt.Errorf("tenants: corrupt record for %s/%s: %w", namespace, id, err)
	}
	return &t, nil
}

// Suspend transitions a tenant to Suspended; dispatches are rejected
// before rule evaluation while in this state (SPEC_FULL.md's
// tenant-registry supplement).
func (r *Registry) Suspend(ctx context.Context, namespace, id string) error {
	t, err := r.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = StatusSuspended
	t.SuspendedAt = &now
	return r.put(ctx, t)
}

// Reactivate transitions a Suspended tenant back to Active.
func (r *Registry) Reactivate(ctx context.Context, namespace, id string) error {
	t, err := r.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	t.Status = StatusActive
	t.SuspendedAt = nil
	return r.put(ctx, t)
}

// Delete transitions a tenant to Deleted. Gateway state (dedup keys,
// counters, audit records) is left for the retention worker to reap
// on its own schedule — Delete only marks the identity as gone.
func (r *Registry) Delete(ctx context.Context, namespace, id string) error {
	t, err := r.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = StatusDeleted
	t.DeletedAt = &now
	return r.put(ctx, t)
}

// SetTier rebinds a tenant to a new quota tier, effective on its next
// quota window.
func (r *Registry) SetTier(ctx context.Context, namespace, id string, tier quota.TierID) error {
	t, err := r.Get(ctx, namespace, id)
	if err != nil {
		return err
	}
	t.TierID = tier
	return r.put(ctx, t)
}

func (r *Registry) put(ctx context.Context, t *Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tenants: marshal: %w", err)
	}
	if err := r.store.Set(ctx, r.key(t.Namespace, t.ID), string(raw), 0); err != nil {
		return fmt.Errorf("tenants: set: %w", err)
	}
	return nil
}

func (r *Registry) key(namespace, id string) statestore.Key {
	return statestore.Key{Namespace: namespace, Tenant: id, Kind: statestore.KindState, ID: "tenant"}
}
