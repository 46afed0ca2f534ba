// Package action defines Action, the unit of work entering the gateway
// (spec.md §3), and the small helpers for deriving its identity
// (fingerprint, dedup key) used across deduplication, grouping, and
// event-state correlation.
package action

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/canonicalize"
)

// Attachment is attachment metadata plus its base64 body. Only the
// metadata (name/filename/content type/size) is ever persisted to the
// audit trail — never the body (spec.md §3).
type Attachment struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Body        string `json:"body_base64,omitempty"`
}

// DecodedSize returns the decoded byte length of the attachment body,
// or 0 if Body is empty or not valid base64.
func (a Attachment) DecodedSize() int {
	if a.Body == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(a.Body)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Metadata carries the action's label set.
type Metadata struct {
	Labels map[string]string `json:"labels,omitempty"`
}

// Action is the unit of work the gateway evaluates and dispatches.
// Actions are immutable once dispatched; a rule's Modify verdict
// produces a modified copy, never an in-place edit (spec.md §3).
type Action struct {
	ID         string `json:"id"`
	Namespace  string `json:"namespace"`
	Tenant     string `json:"tenant"`
	Provider   string `json:"provider"`
	ActionType string `json:"action_type"`

	Payload  map[string]interface{} `json:"payload"`
	Metadata Metadata               `json:"metadata"`

	DedupKey    string `json:"dedup_key,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Status      string `json:"status,omitempty"`

	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// ProviderPath tracks providers this action has been rerouted
	// through within a single dispatch, for loop detection (spec.md
	// §4.4 step 2, Reroute).
	ProviderPath []string `json:"-"`

	// internal re-dispatch flags; skip quota accounting (spec.md §4.4
	// step 1).
	ScheduledDispatch bool `json:"-"`
	GroupDispatch     bool `json:"-"`
	Recurring         bool `json:"-"`
	ApprovalDispatch  bool `json:"-"`
	ChainDispatch     bool `json:"-"`
}

// New constructs an Action with a fresh UUID and empty payload/metadata,
// the way a producer hands work to the gateway.
func New(namespace, tenant, providerName, actionType string) *Action {
	return &Action{
		ID:         newActionID(),
		Namespace:  namespace,
		Tenant:     tenant,
		Provider:   providerName,
		ActionType: actionType,
		Payload:    map[string]interface{}{},
		Metadata:   Metadata{Labels: map[string]string{}},
	}
}

// newActionID generates a UUIDv7 (time-ordered, per spec.md §3),
// falling back to a random v4 if the v7 generator is ever unavailable.
func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clone returns a deep-enough copy for Modify's scratch-copy semantics:
// payload and labels are copied so a patch cannot mutate the original.
func (a *Action) Clone() *Action {
	clone := *a
	clone.Payload = deepCopyMap(a.Payload)
	clone.Metadata.Labels = make(map[string]string, len(a.Metadata.Labels))
	for k, v := range a.Metadata.Labels {
		clone.Metadata.Labels[k] = v
	}
	clone.ProviderPath = append([]string(nil), a.ProviderPath...)
	clone.Attachments = append([]Attachment(nil), a.Attachments...)
	return &clone
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopyMap(vv)
		case []interface{}:
			arr := make([]interface{}, len(vv))
			copy(arr, vv)
			out[k] = arr
		default:
			out[k] = vv
		}
	}
	return out
}

// DeriveFingerprint computes a stable identity for the action from its
// namespace/tenant/action_type/payload when the caller does not supply
// one explicitly, used by grouping and event-state correlation.
func (a *Action) DeriveFingerprint() string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	hash, err := canonicalize.CanonicalHash(map[string]interface{}{
		"namespace":   a.Namespace,
		"tenant":      a.Tenant,
		"action_type": a.ActionType,
		"payload":     a.Payload,
	})
	if err != nil {
		return a.ID
	}
	return hash
}

// EffectiveDedupKey returns DedupKey if set, else the derived fingerprint
// (spec.md §4.4 step 2, Deduplicate).
func (a *Action) EffectiveDedupKey() string {
	if a.DedupKey != "" {
		return a.DedupKey
	}
	return a.DeriveFingerprint()
}

// HasVisitedProvider reports whether name already appears on this
// action's in-flight reroute path, the Reroute loop-detection check
// (spec.md §4.4 step 2).
func (a *Action) HasVisitedProvider(name string) bool {
	for _, p := range a.ProviderPath {
		if p == name {
			return true
		}
	}
	return false
}

// View returns the frozen map-shaped projection of the action used as
// the `action.*` root in rule evaluation (spec.md §4.3). The payload
// is exposed by reference and the labels are copied — the evaluator
// never mutates the context it is handed.
func (a *Action) View() map[string]interface{} {
	labels := make(map[string]interface{}, len(a.Metadata.Labels))
	for k, v := range a.Metadata.Labels {
		labels[k] = v
	}
	return map[string]interface{}{
		"id":            a.ID,
		"namespace":     a.Namespace,
		"tenant":        a.Tenant,
		"provider":      a.Provider,
		"action_type":   a.ActionType,
		"payload":       map[string]interface{}(a.Payload),
		"metadata":      map[string]interface{}{"labels": labels},
		"dedup_key":     a.DedupKey,
		"fingerprint":   a.Fingerprint,
		"status":        a.Status,
		"starts_at":     a.StartsAt,
		"ends_at":       a.EndsAt,
		"provider_path": append([]string(nil), a.ProviderPath...),
	}
}
