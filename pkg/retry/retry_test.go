package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeBackoffExponential(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 30000, MaxJitterMs: 0, MaxAttempts: 5}
	params := Params{Provider: "primary", ActionID: "a1"}

	cases := []struct {
		attempt  int
		expectMs int64
	}{
		{0, 100},
		{1, 200},
		{2, 400},
		{3, 800},
	}

	for _, c := range cases {
		p := params
		p.AttemptIndex = c.attempt
		d := ComputeBackoff(p, policy)
		if d.Milliseconds() != c.expectMs {
			t.Errorf("attempt %d: got %dms, want %dms", c.attempt, d.Milliseconds(), c.expectMs)
		}
	}
}

func TestComputeBackoffCapsAtMax(t *testing.T) {
	policy := Policy{BaseMs: 1000, MaxMs: 5000, MaxJitterMs: 0, MaxAttempts: 10}
	params := Params{Provider: "primary", ActionID: "a1", AttemptIndex: 10}

	d := ComputeBackoff(params, policy)
	if d.Milliseconds() != 5000 {
		t.Errorf("got %dms, want capped 5000ms", d.Milliseconds())
	}
}

func TestDeterministicJitterStable(t *testing.T) {
	policy := Policy{MaxJitterMs: 1000}
	params := Params{Provider: "primary", ActionID: "e1", Seed: "h1"}

	j1 := ComputeDeterministicJitter(params, policy)
	j2 := ComputeDeterministicJitter(params, policy)
	if j1 != j2 {
		t.Errorf("jitter non-deterministic: %d vs %d", j1, j2)
	}

	params2 := params
	params2.ActionID = "e2"
	j3 := ComputeDeterministicJitter(params2, policy)
	if j3 == j1 {
		t.Logf("jitter collision for different inputs (could be chance)")
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	errNonRetryable := errors.New("permanent")
	attempts := 0
	policy := Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 5}

	err := Do(context.Background(), Params{Provider: "p"}, policy, func(error) bool { return false }, func(context.Context) error {
		attempts++
		return errNonRetryable
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, errNonRetryable) {
		t.Errorf("expected errNonRetryable, got %v", err)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	policy := Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 5}

	err := Do(context.Background(), Params{Provider: "p"}, policy, func(error) bool { return true }, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := Policy{BaseMs: 1000, MaxMs: 5000, MaxJitterMs: 0, MaxAttempts: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, Params{Provider: "p"}, policy, func(error) bool { return true }, func(context.Context) error {
		attempts++
		return errors.New("transient")
	})

	if attempts != 1 {
		t.Errorf("expected the first attempt to run before cancellation is observed, got %d", attempts)
	}
	if err == nil {
		t.Errorf("expected an error")
	}
	_ = time.Millisecond
}
