package breaker

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		b.Failure()
	}

	if b.StateNow() != Open {
		t.Fatalf("expected Open after threshold failures, got %s", b.StateNow())
	}
	if b.Allow() {
		t.Fatalf("open breaker should not allow calls before openDuration elapses")
	}
}

func TestBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	b := New(1, time.Minute, 5*time.Millisecond)

	b.Allow()
	b.Failure() // trips to Open

	time.Sleep(10 * time.Millisecond)

	if !b.Allow() {
		t.Fatalf("expected HalfOpen probe to be allowed after openDuration")
	}
	if b.StateNow() != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", b.StateNow())
	}
	if b.Allow() {
		t.Fatalf("a second concurrent call must not be admitted while the probe is in flight")
	}

	b.Success()
	if b.StateNow() != Closed {
		t.Fatalf("expected Closed after successful probe, got %s", b.StateNow())
	}
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	b := New(1, time.Minute, 5*time.Millisecond)
	b.Allow()
	b.Failure()
	time.Sleep(10 * time.Millisecond)
	b.Allow() // admits probe, transitions to HalfOpen

	b.Failure()
	if b.StateNow() != Open {
		t.Fatalf("expected Open after failed probe, got %s", b.StateNow())
	}
}

func TestRegistryNotifiesOnTransition(t *testing.T) {
	r := NewRegistry(1, time.Minute, time.Millisecond)
	var transitions []string
	r.OnTransition(func(provider string, from, to State) {
		transitions = append(transitions, provider+":"+string(from)+"->"+string(to))
	})

	r.Allow("primary")
	r.RecordFailure("primary")

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d: %v", len(transitions), transitions)
	}
	if transitions[0] != "primary:CLOSED->OPEN" {
		t.Fatalf("unexpected transition: %s", transitions[0])
	}
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b := New(2, 10*time.Millisecond, time.Minute)
	b.Failure()
	time.Sleep(20 * time.Millisecond)
	b.Failure()

	if b.StateNow() != Closed {
		t.Fatalf("expected Closed since failures fell outside the rolling window, got %s", b.StateNow())
	}
}
