// Package quota implements the per-tenant action quota check that
// opens the verdict dispatcher (spec.md §4.4 step 1), built on
// pkg/statestore's atomic Increment rather than a dedicated budget
// storage abstraction — the teacher's budget.SimpleEnforcer kept its
// own Storage interface and Postgres/memory implementations
// duplicating what the state store already provides; this version
// keeps the teacher's fail-closed enforcement posture and
// enforcement-receipt idea but retires the duplicate storage layer.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/statestore"
)

// OverageKind tags what happens once a tenant's window counter
// exceeds MaxActions (spec.md §4.4 step 1).
type OverageKind string

const (
	OverageBlock   OverageKind = "BLOCK"
	OverageWarn    OverageKind = "WARN"
	OverageNotify  OverageKind = "NOTIFY"
	OverageDegrade OverageKind = "DEGRADE"
)

// Overage parameterizes the overage behavior for a policy.
type Overage struct {
	Kind             OverageKind
	NotifyTarget     string // OverageNotify
	FallbackProvider string // OverageDegrade
}

// Policy is one tenant's quota configuration.
type Policy struct {
	MaxActions int64
	Window     time.Duration
	Overage    Overage
}

// Outcome tags what the dispatcher should do as a result of Check.
type Outcome string

const (
	OutcomeProceed         Outcome = "PROCEED"
	OutcomeQuotaExceeded   Outcome = "QUOTA_EXCEEDED"
	OutcomeDegradedReroute Outcome = "DEGRADED_REROUTE"
)

// Decision is the result of a quota Check.
type Decision struct {
	Outcome          Outcome
	Count            int64
	FallbackProvider string
	Receipt          Receipt
}

// Receipt records one enforcement decision for audit/debugging.
type Receipt struct {
	ID        string
	Namespace string
	Tenant    string
	Outcome   Outcome
	Count     int64
	Timestamp time.Time
}

// Enforcer checks and accounts tenant quota usage against the state
// store's Counter-kind entries.
type Enforcer struct {
	store statestore.Store
}

// New constructs an Enforcer backed by store.
func New(store statestore.Store) *Enforcer {
	return &Enforcer{store: store}
}

// Check accounts one action against policy for (namespace, tenant).
// Internal re-dispatches (scheduled/recurring/group) must be skipped
// by the caller before this is ever invoked (spec.md §4.4 step 1).
func (e *Enforcer) Check(ctx context.Context, namespace, tenant string, policy Policy) (Decision, error) {
	windowStart := time.Now().Truncate(policy.Window).Unix()
	key := statestore.Key{
		Namespace: namespace,
		Tenant:    tenant,
		Kind:      statestore.KindQuotaUsage,
		ID:        fmt.Sprintf("%d", windowStart),
	}

	count, err := e.store.Increment(ctx, key, 1, policy.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: increment: %w", err)
	}

	if count <= policy.MaxActions {
		return e.decide(namespace, tenant, OutcomeProceed, count, ""), nil
	}

	switch policy.Overage.Kind {
	case OverageBlock:
		if _, err := e.store.Increment(ctx, key, -1, policy.Window); err != nil {
			return Decision{}, fmt.Errorf("quota: rollback increment: %w", err)
		}
		return e.decide(namespace, tenant, OutcomeQuotaExceeded, count-1, ""), nil
	case OverageDegrade:
		return e.decide(namespace, tenant, OutcomeDegradedReroute, count, policy.Overage.FallbackProvider), nil
	case OverageWarn, OverageNotify:
		return e.decide(namespace, tenant, OutcomeProceed, count, ""), nil
	default:
		return e.decide(namespace, tenant, OutcomeQuotaExceeded, count, ""), nil
	}
}

func (e *Enforcer) decide(namespace, tenant string, outcome Outcome, count int64, fallback string) Decision {
	return Decision{
		Outcome:          outcome,
		Count:            count,
		FallbackProvider: fallback,
		Receipt: Receipt{
			ID:        uuid.NewString(),
			Namespace: namespace,
			Tenant:    tenant,
			Outcome:   outcome,
			Count:     count,
			Timestamp: time.Now().UTC(),
		},
	}
}
