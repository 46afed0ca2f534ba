// Package approval implements the human-in-the-loop approval manager
// (spec.md §4.6): RequestApproval verdicts park the action pending an
// external HMAC-signed decision, which either re-dispatches the
// original action or terminates it with a rejection audit record. No
// teacher package verifies inbound callbacks; the HMAC itself is the
// teacher's own dependency (core/pkg/kernel/prng.go keys crypto/hmac
// off a process seed), reused here for its more common purpose —
// signing and constant-time-verifying a token — rather than as a PRF.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/rule"
	"github.com/actiongate/gateway/pkg/statestore"
)

// Status is an approval record's current position.
type Status string

const (
	Pending  Status = "pending"
	Approved Status = "approved"
	Rejected Status = "rejected"
	Expired  Status = "expired"
)

// Record is one parked approval.
type Record struct {
	ID        string              `json:"id"`
	Namespace string              `json:"namespace"`
	Tenant    string              `json:"tenant"`
	Action    *action.Action      `json:"action"`
	Config    rule.ApprovalConfig `json:"config"`
	Status    Status              `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	DecidedAt *time.Time          `json:"decided_at,omitempty"`
}

// RedispatchFunc re-enters the normal dispatch pipeline with the
// original, now-approved action.
type RedispatchFunc func(ctx context.Context, act *action.Action) error

// NotifyFunc delivers the approval-request notification through a
// provider (e.g. a Slack message with approve/reject links).
type NotifyFunc func(ctx context.Context, namespace, tenant, provider string, payload map[string]interface{}) error

// RejectAuditFunc records a terminal audit entry for a rejected
// approval, since a rejection never re-enters the dispatcher's own
// audit step.
type RejectAuditFunc func(ctx context.Context, namespace, tenant string, act *action.Action, approvalID string)

// Manager owns every in-flight approval.
type Manager struct {
	store       statestore.Store
	secret      []byte
	redispatch  RedispatchFunc
	notify      NotifyFunc
	rejectAudit RejectAuditFunc
}

// New constructs a Manager. secret is the HMAC key shared with the
// external approve/reject caller.
func New(store statestore.Store, secret []byte, redispatch RedispatchFunc, notify NotifyFunc, rejectAudit RejectAuditFunc) *Manager {
	return &Manager{store: store, secret: secret, redispatch: redispatch, notify: notify, rejectAudit: rejectAudit}
}

// Request parks act pending approval, returning the new approval ID
// and its expiry (spec.md §4.6).
func (m *Manager) Request(ctx context.Context, namespace, tenant string, act *action.Action, cfg rule.ApprovalConfig) (string, time.Time, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	record := Record{
		ID:        id,
		Namespace: namespace,
		Tenant:    tenant,
		Action:    act,
		Config:    cfg,
		Status:    Pending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("approval: marshal: %w", err)
	}
	if err := m.store.Set(ctx, m.key(namespace, tenant, id), string(raw), ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("approval: persist: %w", err)
	}

	if cfg.NotifyProvider != "" && m.notify != nil {
		payload := map[string]interface{}{
			"approval_id": id,
			"expires_at":  record.ExpiresAt,
			"signature":   m.Sign(namespace, tenant, id, record.ExpiresAt),
		}
		for k, v := range cfg.NotifyPayloadExtra {
			payload[k] = v
		}
		if err := m.notify(ctx, namespace, tenant, cfg.NotifyProvider, payload); err != nil {
			return id, record.ExpiresAt, fmt.Errorf("approval: notify: %w", err)
		}
	}

	return id, record.ExpiresAt, nil
}

// Sign computes the HMAC-SHA256 over (namespace, tenant, id, expires_at)
// that an external approve/reject caller must present back.
func (m *Manager) Sign(namespace, tenant, id string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s:%s:%s:%d", namespace, tenant, id, expiresAt.UTC().Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// Decide verifies signature and, if valid, transitions the approval:
// approve=true re-dispatches the original action; approve=false emits
// a terminal rejection audit record. A mismatched signature or an
// already-decided/expired record is rejected with an error.
func (m *Manager) Decide(ctx context.Context, namespace, tenant, id string, expiresAt time.Time, signature string, approve bool) error {
	expected := m.Sign(namespace, tenant, id, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("approval: signature mismatch")
	}

	key := m.key(namespace, tenant, id)
	entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("approval: get: %w", err)
	}
	if !ok {
		return fmt.Errorf("approval: %s not found or expired", id)
	}
	var record Record
	if err := json.Unmarshal([]byte(entry.Value), &record); err != nil {
		return fmt.Errorf("approval: corrupt record: %w", err)
	}
	if record.Status != Pending {
		return fmt.Errorf("approval: %s already decided", id)
	}
	if !record.ExpiresAt.Equal(expiresAt) {
		return fmt.Errorf("approval: expires_at mismatch")
	}
	if time.Now().After(record.ExpiresAt) {
		return fmt.Errorf("approval: %s expired", id)
	}

	now := time.Now().UTC()
	record.DecidedAt = &now

	if approve {
		record.Status = Approved
		act := record.Action
		act.ApprovalDispatch = true
		if err := m.redispatch(ctx, act); err != nil {
			return fmt.Errorf("approval: redispatch: %w", err)
		}
	} else {
		record.Status = Rejected
		if m.rejectAudit != nil {
			m.rejectAudit(ctx, namespace, tenant, record.Action, id)
		}
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("approval: marshal decided: %w", err)
	}
	if err := m.store.Set(ctx, key, string(raw), time.Hour); err != nil {
		return fmt.Errorf("approval: persist decision: %w", err)
	}
	return nil
}

func (m *Manager) key(namespace, tenant, id string) statestore.Key {
	return statestore.Key{Namespace: namespace, Tenant: tenant, Kind: statestore.KindApproval, ID: id}
}
