package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/statestore"
)

func TestStartRunsAllStepsToCompletion(t *testing.T) {
	store := statestore.NewMemory()
	var executed []string
	engine := New(store, map[string]Definition{
		"refund-flow": {
			Name: "refund-flow",
			Steps: []Step{
				{Provider: "stripe", OnFailure: FailStop},
				{Provider: "slack", OnFailure: FailStop},
			},
		},
	}, func(ctx context.Context, namespace, tenant string, step Step, payload map[string]interface{}) error {
		executed = append(executed, step.Provider)
		return nil
	})

	act := action.New("ns", "t1", "stripe", "refund")
	inst, err := engine.Start(context.Background(), "ns", "t1", "refund-flow", act)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)
	require.Equal(t, []string{"stripe", "slack"}, executed)
	require.Len(t, inst.StepResults, 2)
}

func TestStartStopsOnFailureByDefault(t *testing.T) {
	store := statestore.NewMemory()
	engine := New(store, map[string]Definition{
		"refund-flow": {
			Name: "refund-flow",
			Steps: []Step{
				{Provider: "stripe", OnFailure: FailStop},
				{Provider: "slack", OnFailure: FailStop},
			},
		},
	}, func(ctx context.Context, namespace, tenant string, step Step, payload map[string]interface{}) error {
		if step.Provider == "stripe" {
			return errors.New("boom")
		}
		return nil
	})

	act := action.New("ns", "t1", "stripe", "refund")
	inst, err := engine.Start(context.Background(), "ns", "t1", "refund-flow", act)
	require.Error(t, err)
	require.Equal(t, InstanceFailed, inst.Status)
	require.Len(t, inst.StepResults, 1)
}

func TestStartContinuesPastFailureWhenConfigured(t *testing.T) {
	store := statestore.NewMemory()
	var executed []string
	engine := New(store, map[string]Definition{
		"flow": {
			Name: "flow",
			Steps: []Step{
				{Provider: "a", OnFailure: FailContinue},
				{Provider: "b", OnFailure: FailStop},
			},
		},
	}, func(ctx context.Context, namespace, tenant string, step Step, payload map[string]interface{}) error {
		executed = append(executed, step.Provider)
		if step.Provider == "a" {
			return errors.New("boom")
		}
		return nil
	})

	act := action.New("ns", "t1", "a", "x")
	inst, err := engine.Start(context.Background(), "ns", "t1", "flow", act)
	require.NoError(t, err)
	require.Equal(t, InstanceCompleted, inst.Status)
	require.Equal(t, []string{"a", "b"}, executed)
}

func TestStartUnknownChainErrors(t *testing.T) {
	store := statestore.NewMemory()
	engine := New(store, map[string]Definition{}, func(ctx context.Context, namespace, tenant string, step Step, payload map[string]interface{}) error {
		return nil
	})
	act := action.New("ns", "t1", "stripe", "refund")
	_, err := engine.Start(context.Background(), "ns", "t1", "missing", act)
	require.Error(t, err)
}

func TestRollbackRewindsSucceededSteps(t *testing.T) {
	store := statestore.NewMemory()
	var rollbackPayloads []bool
	engine := New(store, map[string]Definition{
		"flow": {
			Name: "flow",
			Steps: []Step{
				{Provider: "a", OnFailure: FailRollback},
				{Provider: "b", OnFailure: FailRollback},
			},
		},
	}, func(ctx context.Context, namespace, tenant string, step Step, payload map[string]interface{}) error {
		if rb, ok := payload["rollback"].(bool); ok && rb {
			rollbackPayloads = append(rollbackPayloads, true)
			return nil
		}
		if step.Provider == "b" {
			return errors.New("boom")
		}
		return nil
	})

	act := action.New("ns", "t1", "a", "x")
	_, err := engine.Start(context.Background(), "ns", "t1", "flow", act)
	require.Error(t, err)
	require.Len(t, rollbackPayloads, 1)
}
