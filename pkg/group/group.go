// Package group implements the group manager (spec.md §4.5): it
// aggregates actions sharing a group key for delayed fan-out, emitting
// one synthetic summary action once the group's wait window elapses.
// No teacher package accumulates-then-flushes by key; built directly
// on pkg/statestore's persisted entries (the same substrate pkg/lock
// and pkg/quota use) so a pending group survives a process restart,
// with the accumulate/flush loop driven by pkg/gateway's own ticker
// (see workers.go) rather than a separate batching abstraction.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/statestore"
)

// State is a GroupEntry's position in its lifecycle.
type State string

const (
	Pending   State = "pending"
	Notifying State = "notifying"
	Notified  State = "notified"
)

// GroupEntry aggregates events sharing a group key (spec.md §4.5).
type GroupEntry struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Namespace string            `json:"namespace"`
	Tenant    string            `json:"tenant"`
	Provider  string            `json:"provider"`
	Labels    map[string]string `json:"labels"`
	Events    []map[string]any  `json:"events"`
	State     State             `json:"state"`
	NotifyAt  time.Time         `json:"notify_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// RedispatchFunc delivers the synthesized summary action back through
// the normal dispatch pipeline, tagged to skip quota accounting.
type RedispatchFunc func(ctx context.Context, summary *action.Action) error

// Manager owns every in-flight group across all tenants.
type Manager struct {
	store      statestore.Store
	redispatch RedispatchFunc
}

// New constructs a Manager persisting GroupEntry rows in store and
// re-dispatching flushed summaries through redispatch.
func New(store statestore.Store, redispatch RedispatchFunc) *Manager {
	return &Manager{store: store, redispatch: redispatch}
}

// AddEvent appends act to the group identified by groupKey, creating
// it in Pending state with notify_at = now + wait if this is the
// first event (spec.md §4.5).
func (m *Manager) AddEvent(ctx context.Context, namespace, tenant, groupKey string, wait time.Duration, act *action.Action) error {
	key := m.key(namespace, tenant, groupKey)
	now := time.Now().UTC()

	for {
		entry, version, exists, err := m.load(ctx, key)
		if err != nil {
			return err
		}

		if !exists {
			entry = &GroupEntry{
				ID:        groupKey,
				Key:       groupKey,
				Namespace: namespace,
				Tenant:    tenant,
				Provider:  act.Provider,
				Labels:    copyLabels(act.Metadata.Labels),
				State:     Pending,
				NotifyAt:  now.Add(wait),
				CreatedAt: now,
			}
		} else {
			entry.Labels = intersectLabels(entry.Labels, act.Metadata.Labels)
		}
		entry.Events = append(entry.Events, act.Payload)

		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("group: marshal: %w", err)
		}

		if !exists {
			ok, err := m.store.CheckAndSet(ctx, key, string(raw), 0)
			if err != nil {
				return fmt.Errorf("group: create: %w", err)
			}
			if ok {
				return nil
			}
			continue // lost the race with a concurrent first-event create; retry as an append
		}

		res, err := m.store.CompareAndSwap(ctx, key, version, string(raw), 0)
		if err != nil {
			return fmt.Errorf("group: cas append: %w", err)
		}
		if res.Status == statestore.CASOk {
			return nil
		}
		// lost a concurrent append race; reload and retry
	}
}

// FlushDue scans every Pending group whose notify_at has elapsed, CASes
// it to Notifying, re-dispatches a synthetic summary action, then
// deletes the entry. It is meant to be called periodically by a
// background worker (spec.md §4.5).
func (m *Manager) FlushDue(ctx context.Context) (int, error) {
	rows, err := m.store.ScanKeysByKind(ctx, statestore.KindGroup)
	if err != nil {
		return 0, fmt.Errorf("group: scan: %w", err)
	}

	now := time.Now().UTC()
	flushed := 0
	for _, row := range rows {
		var entry GroupEntry
		if err := json.Unmarshal([]byte(row.Entry.Value), &entry); err != nil {
			continue
		}
		if entry.State != Pending || entry.NotifyAt.After(now) {
			continue
		}
		ok, err := m.flushOne(ctx, row.Key, row.Entry.Version, &entry)
		if err != nil {
			return flushed, err
		}
		if ok {
			flushed++
		}
	}
	return flushed, nil
}

// ForceFlush flushes a specific group immediately, regardless of
// notify_at, for operator-triggered flush. Only Pending groups may be
// flushed (spec.md §4.5).
func (m *Manager) ForceFlush(ctx context.Context, namespace, tenant, groupKey string) error {
	key := m.key(namespace, tenant, groupKey)
	entry, version, exists, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("group: %s not found", groupKey)
	}
	if entry.State != Pending {
		return fmt.Errorf("group: %s is not pending", groupKey)
	}
	_, err = m.flushOne(ctx, key, version, entry)
	return err
}

func (m *Manager) flushOne(ctx context.Context, key statestore.Key, version uint64, entry *GroupEntry) (bool, error) {
	entry.State = Notifying
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("group: marshal notifying: %w", err)
	}
	res, err := m.store.CompareAndSwap(ctx, key, version, string(raw), 0)
	if err != nil {
		return false, fmt.Errorf("group: cas notifying: %w", err)
	}
	if res.Status != statestore.CASOk {
		return false, nil // another worker claimed it first
	}

	summary := action.New(entry.Namespace, entry.Tenant, entry.Provider, "group_summary")
	summary.GroupDispatch = true
	summary.Metadata.Labels = entry.Labels
	summary.Payload = map[string]interface{}{
		"group_key":   entry.Key,
		"event_count": len(entry.Events),
		"events":      entry.Events,
	}

	if err := m.redispatch(ctx, summary); err != nil {
		return false, fmt.Errorf("group: redispatch summary: %w", err)
	}

	if _, err := m.store.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("group: delete after notify: %w", err)
	}
	return true, nil
}

func (m *Manager) load(ctx context.Context, key statestore.Key) (*GroupEntry, uint64, bool, error) {
	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, 0, false, fmt.Errorf("group: get: %w", err)
	}
	if !ok {
		return nil, 0, false, nil
	}
	var g GroupEntry
	if err := json.Unmarshal([]byte(entry.Value), &g); err != nil {
		return nil, 0, false, fmt.Errorf("group: corrupt entry: %w", err)
	}
	return &g, entry.Version, true, nil
}

func (m *Manager) key(namespace, tenant, groupKey string) statestore.Key {
	return statestore.Key{Namespace: namespace, Tenant: tenant, Kind: statestore.KindGroup, ID: groupKey}
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func intersectLabels(a, b map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range a {
		if b[k] == v {
			out[k] = v
		}
	}
	return out
}
