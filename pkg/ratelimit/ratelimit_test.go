package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/actiongate/gateway/pkg/statestore"
)

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := New(statestore.NewMemory(), FailClosed)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "ns", "tenant1", "send-sms", 10, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("expected call %d to be allowed under the limit", i)
		}
	}
}

func TestCheckRejectsOverLimit(t *testing.T) {
	l := New(statestore.NewMemory(), FailClosed)
	ctx := context.Background()

	var lastDecision Decision
	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "ns", "tenant1", "send-sms", 3, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		lastDecision = d
	}
	if lastDecision.Allowed {
		t.Fatalf("expected the limiter to reject once the limit is exceeded")
	}
	if lastDecision.RetryAfter <= 0 {
		t.Fatalf("expected a positive retry_after, got %s", lastDecision.RetryAfter)
	}
}

func TestKeysAreIsolatedByTenant(t *testing.T) {
	l := New(statestore.NewMemory(), FailClosed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, "ns", "tenant1", "send-sms", 3, time.Minute); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	d, err := l.Check(ctx, "ns", "tenant2", "send-sms", 3, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected tenant2's counter to be independent of tenant1's")
	}
}
