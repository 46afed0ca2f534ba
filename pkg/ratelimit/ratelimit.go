// Package ratelimit implements the sliding-window counter approximation
// used by both Throttle verdicts and the external caller/tenant limiter
// (spec.md §4.8). It is built entirely on pkg/statestore's atomic
// Increment/Get rather than a dedicated backend, replacing the
// teacher's standalone token-bucket Lua-script limiter — the sliding
// window this spec calls for is expressed as two counters the state
// store already knows how to keep.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/actiongate/gateway/pkg/statestore"
)

// FailMode controls the decision when a backend error occurs.
type FailMode int

const (
	FailClosed FailMode = iota
	FailOpen
)

// Decision is the result of a Check call.
type Decision struct {
	Allowed        bool
	EffectiveCount int64
	RetryAfter     time.Duration
}

// Limiter evaluates the sliding-window algorithm against a
// statestore.Store.
type Limiter struct {
	store    statestore.Store
	failMode FailMode
}

// New constructs a Limiter backed by store.
func New(store statestore.Store, failMode FailMode) *Limiter {
	return &Limiter{store: store, failMode: failMode}
}

// Check evaluates whether one more event for (namespace, tenant, key)
// is admitted under limit within window, per spec.md §4.8's algorithm,
// and — if admitted — records it.
func (l *Limiter) Check(ctx context.Context, namespace, tenant, key string, limit int64, window time.Duration) (Decision, error) {
	decision, err := l.check(ctx, namespace, tenant, key, limit, window)
	if err != nil {
		if l.failMode == FailOpen {
			return Decision{Allowed: true}, nil
		}
		return Decision{}, err
	}
	return decision, nil
}

func (l *Limiter) check(ctx context.Context, namespace, tenant, key string, limit int64, window time.Duration) (Decision, error) {
	w := window.Seconds()
	if w <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	now := float64(time.Now().Unix())

	currentStart := math.Floor(now/w) * w
	previousStart := currentStart - w
	elapsed := now - currentStart

	prevCount, err := l.peek(ctx, namespace, tenant, windowID(key, previousStart))
	if err != nil {
		return Decision{}, err
	}
	currCount, err := l.peek(ctx, namespace, tenant, windowID(key, currentStart))
	if err != nil {
		return Decision{}, err
	}

	weight := (w - elapsed) / w
	effective := int64(math.Floor(float64(prevCount)*weight)) + currCount

	if effective >= limit {
		return Decision{Allowed: false, EffectiveCount: effective, RetryAfter: time.Duration(w-elapsed) * time.Second}, nil
	}

	newCurr, err := l.store.Increment(ctx, rateLimitKey(namespace, tenant, windowID(key, currentStart)), 1, 2*window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: increment: %w", err)
	}

	return Decision{Allowed: true, EffectiveCount: effective - currCount + newCurr}, nil
}

func (l *Limiter) peek(ctx context.Context, namespace, tenant, id string) (int64, error) {
	entry, ok, err := l.store.Get(ctx, rateLimitKey(namespace, tenant, id))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: get: %w", err)
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(entry.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: corrupt counter value %q: %w", entry.Value, err)
	}
	return v, nil
}

func windowID(key string, windowStart float64) string {
	return fmt.Sprintf("%s:%d", key, int64(windowStart))
}

func rateLimitKey(namespace, tenant, id string) statestore.Key {
	return statestore.Key{Namespace: namespace, Tenant: tenant, Kind: statestore.KindRateLimit, ID: id}
}
