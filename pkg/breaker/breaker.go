// Package breaker implements the per-provider circuit breaker gating
// provider calls (spec.md §4.6), grounded on the teacher's
// util/resiliency CircuitBreaker state machine.
//
// Breaker state is per-instance: each gateway node converges
// independently rather than coordinating over the state store, avoiding
// the consistency burden of a shared breaker at the cost of slightly
// noisier fleet-wide behavior (spec.md §9).
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current position in Closed/Open/HalfOpen.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Breaker is a single provider's circuit breaker: it counts failures in
// a rolling window, trips to Open once failure_threshold is reached
// within window, and after open_duration admits exactly one HalfOpen
// probe.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	window           time.Duration
	openDuration     time.Duration

	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
}

// New constructs a Breaker for one provider.
func New(failureThreshold int, window, openDuration time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		window:           window,
		openDuration:     openDuration,
		state:            Closed,
	}
}

// Allow reports whether a call may proceed, transitioning Open to
// HalfOpen once openDuration has elapsed and admitting exactly one
// probe in that state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.openDuration {
			return false
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// Success records a successful call. In HalfOpen this closes the
// breaker; in Closed it clears the recorded failures.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = nil
		b.probeInFlight = false
	case Closed:
		b.failures = nil
	}
}

// Failure records a failed call, tripping the breaker to Open if the
// rolling failure count reaches failureThreshold, or re-opening
// immediately if the failed call was the HalfOpen probe.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
		b.probeInFlight = false
		b.failures = nil
		return
	}

	b.failures = append(b.failures, now)
	b.failures = pruneBefore(b.failures, now.Add(-b.window))
	if len(b.failures) >= b.failureThreshold {
		b.state = Open
		b.openedAt = now
		b.failures = nil
	}
}

// StateNow reports the breaker's current state without side effects.
func (b *Breaker) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Registry holds one Breaker per provider name, constructing it lazily
// with the configured defaults on first use.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	window           time.Duration
	openDuration     time.Duration

	// onTransition, if set, is invoked on every state change, for
	// metrics (pkg/metrics wires a counter here).
	onTransition func(provider string, from, to State)
}

// NewRegistry constructs a Registry with shared defaults for every
// provider's breaker.
func NewRegistry(failureThreshold int, window, openDuration time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		window:           window,
		openDuration:     openDuration,
	}
}

// OnTransition installs a callback invoked whenever any provider's
// breaker changes state.
func (r *Registry) OnTransition(fn func(provider string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

func (r *Registry) get(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = New(r.failureThreshold, r.window, r.openDuration)
		r.breakers[provider] = b
	}
	return b
}

// Allow reports whether a call to provider may proceed, firing the
// transition callback if the state changed (Open to HalfOpen).
func (r *Registry) Allow(provider string) bool {
	b := r.get(provider)
	before := b.StateNow()
	allowed := b.Allow()
	r.notify(provider, before, b.StateNow())
	return allowed
}

// RecordSuccess reports a successful call to provider, firing the
// transition callback if the state changed.
func (r *Registry) RecordSuccess(provider string) {
	b := r.get(provider)
	before := b.StateNow()
	b.Success()
	r.notify(provider, before, b.StateNow())
}

// RecordFailure reports a failed call to provider, firing the
// transition callback if the state changed.
func (r *Registry) RecordFailure(provider string) {
	b := r.get(provider)
	before := b.StateNow()
	b.Failure()
	r.notify(provider, before, b.StateNow())
}

func (r *Registry) notify(provider string, from, to State) {
	if from == to {
		return
	}
	r.mu.Lock()
	fn := r.onTransition
	r.mu.Unlock()
	if fn != nil {
		fn(provider, from, to)
	}
}

// StateOf reports provider's current breaker state.
func (r *Registry) StateOf(provider string) State {
	return r.get(provider).StateNow()
}
