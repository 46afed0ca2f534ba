package provider

import (
	"context"
	"testing"

	"github.com/actiongate/gateway/pkg/action"
)

type testProvider struct{ name string }

func (p testProvider) Name() string { return p.name }
func (p testProvider) Execute(context.Context, *action.Action) (*Response, error) {
	return &Response{StatusCode: 200}, nil
}
func (p testProvider) HealthCheck(context.Context) error { return nil }

func TestRegistryGetUnregisteredReturnsError(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("missing"); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRegistryRolloutIsDeterministicPerTenant(t *testing.T) {
	r := NewRegistry()
	stable := testProvider{name: "stable"}
	canary := testProvider{name: "canary"}
	r.Register(stable)
	if err := r.SetRollout("stable", canary, 50); err != nil {
		t.Fatalf("SetRollout: %v", err)
	}

	got1, err := r.GetForTenant("stable", "tenant-42")
	if err != nil {
		t.Fatalf("GetForTenant: %v", err)
	}
	got2, err := r.GetForTenant("stable", "tenant-42")
	if err != nil {
		t.Fatalf("GetForTenant: %v", err)
	}
	if got1.Name() != got2.Name() {
		t.Fatalf("rollout selection must be stable for the same tenant: %s vs %s", got1.Name(), got2.Name())
	}
}

func TestRegistryRolloutZeroPercentAlwaysStable(t *testing.T) {
	r := NewRegistry()
	stable := testProvider{name: "stable"}
	canary := testProvider{name: "canary"}
	r.Register(stable)
	if err := r.SetRollout("stable", canary, 0); err != nil {
		t.Fatalf("SetRollout: %v", err)
	}

	got, err := r.GetForTenant("stable", "any-tenant")
	if err != nil {
		t.Fatalf("GetForTenant: %v", err)
	}
	if got.Name() != "stable" {
		t.Fatalf("expected stable provider at 0%%, got %s", got.Name())
	}
}

func TestRegistrySetRolloutUnregisteredFails(t *testing.T) {
	r := NewRegistry()
	if err := r.SetRollout("missing", testProvider{name: "x"}, 10); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
