package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/breaker"
	"github.com/actiongate/gateway/pkg/chain"
	"github.com/actiongate/gateway/pkg/config"
	"github.com/actiongate/gateway/pkg/provider"
	"github.com/actiongate/gateway/pkg/quota"
	"github.com/actiongate/gateway/pkg/ratelimit"
	"github.com/actiongate/gateway/pkg/retry"
	"github.com/actiongate/gateway/pkg/rule"
	"github.com/actiongate/gateway/pkg/statestore"
	"github.com/actiongate/gateway/pkg/tenants"
)

// stubProvider is a fully in-memory provider.Provider for dispatcher
// tests: every call is recorded and its outcome is scripted by the
// test, never a real network call.
type stubProvider struct {
	name  string
	calls int
	err   error
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Execute(_ context.Context, _ *action.Action) (*provider.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{StatusCode: 200}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return nil }

type testRig struct {
	dispatcher *Dispatcher
	rules      *rule.Store
	store      statestore.Store
	auditLog   audit.Backend
	providers  *provider.Registry
	tenantReg  *tenants.Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := statestore.NewMemory()
	rules := rule.NewStore()
	providers := provider.NewRegistry()
	auditLog := audit.NewMemory()

	cfg := &config.Config{
		SyncAuditWrite:         true,
		DefaultProviderTimeout: time.Second,
	}

	d := New(Deps{
		Rules:           rules,
		StateStore:      store,
		Tenants:         tenants.New(store),
		Quota:           quota.New(store),
		RateLimit:       ratelimit.New(store, ratelimit.FailOpen),
		Breakers:        breaker.NewRegistry(5, time.Minute, time.Second),
		Providers:       providers,
		AuditLog:        auditLog,
		Config:          cfg,
		Env:             rule.Env{},
		RetryPolicy:     retry.Policy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 1, MaxAttempts: 1},
		ChainDefinitions: map[string]chain.Definition{},
		ApprovalSecret:   []byte("test-secret"),
	})

	return &testRig{dispatcher: d, rules: rules, store: store, auditLog: auditLog, providers: providers, tenantReg: tenants.New(store)}
}

func allowAllRuleSet() *rule.RuleSet {
	return &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "allow-all", Enabled: true, Condition: rule.Literal{Value: true}, Verdict: rule.Verdict{Kind: rule.Allow}},
	}}
}

func TestDispatchAllowExecutesProvider(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome.Kind)
	require.Equal(t, 1, stub.calls)
}

func TestDispatchDenyNeverCallsProvider(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "deny-all", Enabled: true, Condition: rule.Literal{Value: true}, Verdict: rule.Verdict{Kind: rule.Deny}},
	}})
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, outcome.Kind)
	require.Equal(t, 0, stub.calls)
}

func TestDispatchSuppressNeverCallsProvider(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "suppress-all", Enabled: true, Condition: rule.Literal{Value: true}, Verdict: rule.Verdict{Kind: rule.Suppress}},
	}})
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuppressed, outcome.Kind)
	require.Equal(t, 0, stub.calls)
}

func TestDispatchDeduplicateBlocksSecondAction(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "dedup-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.Deduplicate, DedupTTL: time.Minute}},
	}})
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act1 := action.New("ns", "t1", "sms", "signup")
	act1.DedupKey = "same-key"
	outcome1, err := rig.dispatcher.Dispatch(context.Background(), act1)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome1.Kind)

	act2 := action.New("ns", "t1", "sms", "signup")
	act2.DedupKey = "same-key"
	outcome2, err := rig.dispatcher.Dispatch(context.Background(), act2)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeduplicated, outcome2.Kind)
	require.Equal(t, 1, stub.calls)
}

func TestDispatchThrottleBlocksOverLimitAction(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "throttle-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.Throttle, ThrottleCount: 1, ThrottleWindow: time.Minute}},
	}})
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act1 := action.New("ns", "t1", "sms", "signup")
	act1.DedupKey = "throttle-key"
	outcome1, err := rig.dispatcher.Dispatch(context.Background(), act1)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome1.Kind)

	act2 := action.New("ns", "t1", "sms", "signup")
	act2.DedupKey = "throttle-key"
	outcome2, err := rig.dispatcher.Dispatch(context.Background(), act2)
	require.NoError(t, err)
	require.Equal(t, OutcomeThrottled, outcome2.Kind)
	require.Equal(t, 1, stub.calls)
}

func TestDispatchRerouteFollowsToNewProvider(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "reroute-sms", Enabled: true,
			Condition: rule.Binary{Op: rule.OpEq, Left: rule.Field{Base: rule.Ident{Name: "action"}, Name: "provider"}, Right: rule.Literal{Value: "sms"}},
			Verdict:   rule.Verdict{Kind: rule.Reroute, TargetProvider: "email"}},
		{Priority: 10, Name: "allow-rest", Enabled: true, Condition: rule.Literal{Value: true}, Verdict: rule.Verdict{Kind: rule.Allow}},
	}})
	sms := &stubProvider{name: "sms"}
	email := &stubProvider{name: "email"}
	rig.providers.Register(sms)
	rig.providers.Register(email)

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome.Kind)
	require.Equal(t, 0, sms.calls)
	require.Equal(t, 1, email.calls)
}

func TestDispatchRerouteLoopIsDetected(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 20, Name: "reroute-sms", Enabled: true,
			Condition: rule.Binary{Op: rule.OpEq, Left: rule.Field{Base: rule.Ident{Name: "action"}, Name: "provider"}, Right: rule.Literal{Value: "sms"}},
			Verdict:   rule.Verdict{Kind: rule.Reroute, TargetProvider: "email"}},
		{Priority: 10, Name: "reroute-email", Enabled: true,
			Condition: rule.Binary{Op: rule.OpEq, Left: rule.Field{Base: rule.Ident{Name: "action"}, Name: "provider"}, Right: rule.Literal{Value: "email"}},
			Verdict:   rule.Verdict{Kind: rule.Reroute, TargetProvider: "sms"}},
	}})

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, outcome.Kind)
}

func TestDispatchTenantSuspendedIsDenied(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	_, err := rig.tenantReg.Create(context.Background(), "ns", "t1", quota.TierFree)
	require.NoError(t, err)
	require.NoError(t, rig.tenantReg.Suspend(context.Background(), "ns", "t1"))

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, outcome.Kind)
	require.Equal(t, "tenant_not_active", outcome.MatchedRule)
	require.Equal(t, 0, stub.calls)
}

func TestDispatchCircuitOpenStopsExecution(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms", err: &provider.Error{Kind: provider.ErrConnection, Message: "down"}}
	rig.providers.Register(stub)

	rig.dispatcher.breakers = breaker.NewRegistry(1, time.Minute, time.Hour)

	act1 := action.New("ns", "t1", "sms", "signup")
	outcome1, err1 := rig.dispatcher.Dispatch(context.Background(), act1)
	require.Error(t, err1)
	require.Equal(t, OutcomeFailed, outcome1.Kind)

	act2 := action.New("ns", "t1", "sms", "signup")
	outcome2, err2 := rig.dispatcher.Dispatch(context.Background(), act2)
	require.Error(t, err2)
	require.Equal(t, OutcomeCircuitOpen, outcome2.Kind)
}

func TestDispatchScheduleStoresRowForLaterClaim(t *testing.T) {
	rig := newTestRig(t)
	scheduledFor := time.Now().Add(time.Hour)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "schedule-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.Schedule, ScheduledFor: scheduledFor}},
	}})

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeScheduled, outcome.Kind)

	rows, err := rig.store.ScanKeysByKind(context.Background(), statestore.KindScheduled)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDispatchStateMachineTransitionsAndAllowsWithoutFromPrecondition(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "open-case", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.StateMachineKind, Transition: rule.StateTransition{
				FingerprintTemplate: rule.Literal{Value: "case-1"},
				To:                  "open",
			}}},
	}})
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	act := action.New("ns", "t1", "sms", "case_opened")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeTransitioned, outcome.Kind)
	require.Equal(t, "open", outcome.TransitionTo)
}

func TestDispatchQuotaExceededBlocksDispatch(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	_, err := rig.tenantReg.Create(context.Background(), "ns", "t1", quota.TierFree)
	require.NoError(t, err)

	policy, ok := quota.PolicyForTier(quota.TierFree)
	require.True(t, ok)

	ctx := context.Background()
	for i := int64(0); i < policy.MaxActions; i++ {
		_, err := rig.dispatcher.quotaEnf.Check(ctx, "ns", "t1", policy)
		require.NoError(t, err)
	}

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(ctx, act)
	require.NoError(t, err)
	require.Equal(t, OutcomeQuotaExceeded, outcome.Kind)
	require.Equal(t, 0, stub.calls)
}

func TestDispatchGroupVerdictReturnsGrouped(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "group-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.Group, GroupKey: "daily-digest", GroupWait: time.Hour}},
	}})

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeGrouped, outcome.Kind)
	require.Equal(t, "daily-digest", outcome.GroupKey)
}

func TestDispatchRequestApprovalReturnsPending(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "approval-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.RequestApproval, ApprovalConfig: rule.ApprovalConfig{TTL: time.Hour}}},
	}})

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, outcome.Kind)
	require.NotEmpty(t, outcome.ApprovalID)
}

func TestDispatchChainVerdictStarts(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", &rule.RuleSet{Rules: []rule.Rule{
		{Priority: 1, Name: "chain-all", Enabled: true, Condition: rule.Literal{Value: true},
			Verdict: rule.Verdict{Kind: rule.Chain, ChainName: "refund-flow"}},
	}})
	rig.dispatcher.chains = chain.New(rig.store, map[string]chain.Definition{
		"refund-flow": {Name: "refund-flow", Steps: []chain.Step{{Provider: "sms", OnFailure: chain.FailStop}}},
	}, func(ctx context.Context, namespace, tenant string, step chain.Step, payload map[string]interface{}) error {
		return nil
	})

	act := action.New("ns", "t1", "sms", "signup")
	outcome, err := rig.dispatcher.Dispatch(context.Background(), act)
	require.NoError(t, err)
	require.Equal(t, OutcomeChainStarted, outcome.Kind)
	require.NotEmpty(t, outcome.ChainID)
}

func TestIsProviderRetryableClassifiesProviderErrors(t *testing.T) {
	require.True(t, isProviderRetryable(&provider.Error{Kind: provider.ErrConnection}))
	require.False(t, isProviderRetryable(&provider.Error{Kind: provider.ErrConfiguration}))
	require.False(t, isProviderRetryable(errors.New("plain")))
}
