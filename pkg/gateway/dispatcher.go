// Package gateway wires the action dispatch pipeline spec.md §4.4
// describes: quota accounting, rule evaluation, verdict-specific
// side effects, provider execution behind a circuit breaker and retry
// policy, audit recording, and the live outcome stream. Grounded on
// the teacher's kernel dispatch loop (apps/helm-node's wiring of
// coverage/ledger/workflow into one request path), generalized from a
// single fixed pipeline to one parameterized by a compiled rule set
// per tenant.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/approval"
	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/breaker"
	"github.com/actiongate/gateway/pkg/chain"
	"github.com/actiongate/gateway/pkg/config"
	"github.com/actiongate/gateway/pkg/group"
	"github.com/actiongate/gateway/pkg/metrics"
	"github.com/actiongate/gateway/pkg/provider"
	"github.com/actiongate/gateway/pkg/quota"
	"github.com/actiongate/gateway/pkg/ratelimit"
	"github.com/actiongate/gateway/pkg/retry"
	"github.com/actiongate/gateway/pkg/rule"
	"github.com/actiongate/gateway/pkg/statestore"
	"github.com/actiongate/gateway/pkg/tenants"
)

// Dispatcher is the verdict dispatcher. One Dispatcher serves every
// tenant; per-tenant behavior comes entirely from the compiled rule
// set installed in Rules and the tenant's quota tier.
type Dispatcher struct {
	rules      *rule.Store
	stateStore statestore.Store
	tenantReg  *tenants.Registry
	quotaEnf   *quota.Enforcer
	rateLimit  *ratelimit.Limiter
	groups     *group.Manager
	approvals  *approval.Manager
	chains     *chain.Engine
	breakers   *breaker.Registry
	providers  *provider.Registry
	auditLog   audit.Backend

	stream          *Stream
	metricsProvider *metrics.Provider
	cfg             *config.Config
	env             rule.Env
	retryPolicy     retry.Policy
}

// Deps bundles every collaborator New wires together. MetricsProvider
// and Stream may be nil to disable metrics/pubsub; every other field
// is required.
type Deps struct {
	Rules      *rule.Store
	StateStore statestore.Store
	Tenants    *tenants.Registry
	Quota      *quota.Enforcer
	RateLimit  *ratelimit.Limiter
	Breakers   *breaker.Registry
	Providers  *provider.Registry
	AuditLog   audit.Backend

	MetricsProvider *metrics.Provider
	Stream          *Stream
	Config          *config.Config
	Env             rule.Env
	RetryPolicy     retry.Policy

	ChainDefinitions map[string]chain.Definition
	ApprovalSecret   []byte
	NotifyFunc       approval.NotifyFunc
}

// New wires a Dispatcher and its group/approval/chain sub-managers.
// Each sub-manager's redispatch or step-exec hook closes back over the
// Dispatcher, so a flushed group summary, an approved action, or a
// chain step all re-enter the same pipeline (spec.md §4.5/§4.6).
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		rules:           deps.Rules,
		stateStore:      deps.StateStore,
		tenantReg:       deps.Tenants,
		quotaEnf:        deps.Quota,
		rateLimit:       deps.RateLimit,
		breakers:        deps.Breakers,
		providers:       deps.Providers,
		auditLog:        deps.AuditLog,
		stream:          deps.Stream,
		metricsProvider: deps.MetricsProvider,
		cfg:             deps.Config,
		env:             deps.Env,
		retryPolicy:     deps.RetryPolicy,
	}

	if d.metricsProvider != nil && d.breakers != nil {
		d.breakers.OnTransition(func(providerName string, from, to breaker.State) {
			d.metricsProvider.RecordBreakerTransition(context.Background(), providerName, string(from), string(to))
		})
	}

	d.groups = group.New(deps.StateStore, func(ctx context.Context, summary *action.Action) error {
		_, err := d.Dispatch(ctx, summary)
		return err
	})

	d.approvals = approval.New(deps.StateStore, deps.ApprovalSecret,
		func(ctx context.Context, act *action.Action) error {
			_, err := d.Dispatch(ctx, act)
			return err
		},
		deps.NotifyFunc,
		func(ctx context.Context, namespace, tenant string, act *action.Action, approvalID string) {
			d.recordAudit(ctx, act, "", string(rule.RequestApproval), "", string(OutcomeDenied),
				map[string]interface{}{"approval_id": approvalID, "rejected": true}, time.Now().UTC())
		})

	d.chains = chain.New(deps.StateStore, deps.ChainDefinitions,
		func(ctx context.Context, namespace, tenant string, step chain.Step, renderedPayload map[string]interface{}) error {
			act := action.New(namespace, tenant, step.Provider, "chain_step")
			act.Payload = renderedPayload
			act.ChainDispatch = true
			_, err := d.execute(ctx, act)
			return err
		})

	return d
}

// Dispatch runs one action through the full pipeline: quota check,
// rule evaluation (following Reroute hops), verdict-specific handling,
// audit, and stream publish (spec.md §4.4).
func (d *Dispatcher) Dispatch(ctx context.Context, act *action.Action) (Outcome, error) {
	dispatchedAt := time.Now().UTC()

	if outcome, blocked := d.checkQuota(ctx, act, dispatchedAt); blocked {
		d.publish(act, outcome)
		return outcome, nil
	}

	verdict, working, matchedRule, err := d.evaluateWithRerouting(ctx, act)
	if err != nil {
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, Err: err}
		d.recordAudit(ctx, act, "", "", matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		d.publish(act, outcome)
		return outcome, err
	}

	outcome, err := d.applyVerdict(ctx, working, verdict, matchedRule, dispatchedAt)
	if d.metricsProvider != nil {
		d.metricsProvider.RecordDispatch(ctx, working.Tenant, working.Provider, string(outcome.Kind))
	}
	d.publish(working, outcome)
	return outcome, err
}

func (d *Dispatcher) publish(act *action.Action, outcome Outcome) {
	if d.stream == nil {
		return
	}
	d.stream.Publish(StreamEvent{
		EventType: string(outcome.Kind),
		ActionID:  act.ID,
		Timestamp: time.Now().UTC(),
		Namespace: act.Namespace,
		Tenant:    act.Tenant,
	})
}

// checkQuota is spec.md §4.4 step 1. Internal re-dispatches (scheduled,
// group, recurring, approval, chain) skip accounting entirely. A
// suspended or deleted tenant is rejected before any rule runs.
func (d *Dispatcher) checkQuota(ctx context.Context, act *action.Action, dispatchedAt time.Time) (Outcome, bool) {
	if act.ScheduledDispatch || act.GroupDispatch || act.Recurring || act.ApprovalDispatch || act.ChainDispatch {
		return Outcome{}, false
	}

	policy, ok := quota.PolicyForTier(quota.TierFree)
	if t, err := d.tenantReg.Get(ctx, act.Namespace, act.Tenant); err == nil {
		if !t.IsActive() {
			outcome := Outcome{Kind: OutcomeDenied, ActionID: act.ID, MatchedRule: "tenant_not_active"}
			d.recordAudit(ctx, act, "", "", outcome.MatchedRule, string(outcome.Kind), nil, dispatchedAt)
			return outcome, true
		}
		if p, tierOK := quota.PolicyForTier(t.TierID); tierOK {
			policy, ok = p, true
		}
	}
	if !ok {
		return Outcome{}, false
	}

	decision, err := d.quotaEnf.Check(ctx, act.Namespace, act.Tenant, policy)
	if err != nil {
		slog.Warn("quota check failed, proceeding without accounting", "error", err, "namespace", act.Namespace, "tenant", act.Tenant)
		return Outcome{}, false
	}

	switch decision.Outcome {
	case quota.OutcomeQuotaExceeded:
		outcome := Outcome{Kind: OutcomeQuotaExceeded, ActionID: act.ID, QuotaCount: decision.Count}
		d.recordAudit(ctx, act, "", "", "", string(outcome.Kind), map[string]interface{}{"count": decision.Count, "max_actions": policy.MaxActions}, dispatchedAt)
		return outcome, true
	case quota.OutcomeDegradedReroute:
		act.ProviderPath = append(act.ProviderPath, act.Provider)
		act.Provider = decision.FallbackProvider
	default:
		if decision.Count > policy.MaxActions {
			d.notifyOverage(ctx, act, policy, decision)
		}
	}
	return Outcome{}, false
}

// notifyOverage handles the Warn/Notify overage behaviors once a
// tenant's count has passed MaxActions but Check still returned
// Proceed (spec.md §4.4 step 1).
func (d *Dispatcher) notifyOverage(ctx context.Context, act *action.Action, policy quota.Policy, decision quota.Decision) {
	switch policy.Overage.Kind {
	case quota.OverageWarn:
		slog.Warn("tenant over quota", "namespace", act.Namespace, "tenant", act.Tenant, "count", decision.Count, "max_actions", policy.MaxActions)
	case quota.OverageNotify:
		if policy.Overage.NotifyTarget == "" {
			return
		}
		prov, err := d.providers.Get(policy.Overage.NotifyTarget)
		if err != nil {
			return
		}
		notice := action.New(act.Namespace, act.Tenant, policy.Overage.NotifyTarget, "quota_overage_notice")
		notice.Payload = map[string]interface{}{"tenant": act.Tenant, "count": decision.Count, "max_actions": policy.MaxActions}
		callCtx, cancel := context.WithTimeout(ctx, d.providerTimeout())
		defer cancel()
		_, _ = prov.Execute(callCtx, notice)
	}
}

// evaluateWithRerouting runs rule.Evaluate, following Reroute verdicts
// by updating the action's provider and re-evaluating, until a
// non-Reroute verdict is produced or a loop is detected via
// ProviderPath (spec.md §4.4 step 2).
func (d *Dispatcher) evaluateWithRerouting(ctx context.Context, act *action.Action) (rule.Verdict, *action.Action, string, error) {
	current := act
	for {
		var rules []rule.Rule
		if rs, ok := d.rules.Get(current.Namespace, current.Tenant); ok {
			rules = rs.Rules
		}

		sr := &storeStateReader{ctx: ctx, store: d.stateStore, namespace: current.Namespace, tenant: current.Tenant}
		clock := rule.Clock{Now: time.Now().UTC(), Zone: time.UTC}

		verdict, working, trace, err := rule.Evaluate(rules, current, clock, d.env, sr, false)
		if err != nil {
			return rule.Verdict{}, working, "", err
		}

		matchedRule := lastMatchedRule(trace)
		if d.metricsProvider != nil {
			d.metricsProvider.RecordVerdict(ctx, matchedRule, string(verdict.Kind))
		}

		if verdict.Kind != rule.Reroute {
			return verdict, working, matchedRule, nil
		}
		if working.HasVisitedProvider(verdict.TargetProvider) {
			return rule.Verdict{}, working, matchedRule, fmt.Errorf("gateway: reroute loop detected at provider %q", verdict.TargetProvider)
		}

		working.ProviderPath = append(working.ProviderPath, working.Provider)
		working.Provider = verdict.TargetProvider
		current = working
	}
}

func lastMatchedRule(trace rule.Trace) string {
	name := ""
	for _, outcome := range trace.RuleOutcomes {
		if outcome.Result == rule.ResultMatched {
			name = outcome.Name
		}
	}
	return name
}

// applyVerdict is spec.md §4.4 step 2's dispatch table: Allow, a
// Deduplicate miss, a Throttle pass and a StateMachine verdict whose
// From precondition does not hold go on to executeAndAudit; every
// other verdict kind terminates the dispatch here without it.
func (d *Dispatcher) applyVerdict(ctx context.Context, act *action.Action, verdict rule.Verdict, matchedRule string, dispatchedAt time.Time) (Outcome, error) {
	switch verdict.Kind {
	case rule.Allow:
		return d.executeAndAudit(ctx, act, matchedRule, dispatchedAt)

	case rule.Deny:
		outcome := Outcome{Kind: OutcomeDenied, ActionID: act.ID, MatchedRule: matchedRule}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), nil, dispatchedAt)
		return outcome, nil

	case rule.Suppress:
		outcome := Outcome{Kind: OutcomeSuppressed, ActionID: act.ID, MatchedRule: matchedRule}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), nil, dispatchedAt)
		return outcome, nil

	case rule.Deduplicate:
		return d.applyDeduplicate(ctx, act, verdict, matchedRule, dispatchedAt)

	case rule.Throttle:
		return d.applyThrottle(ctx, act, verdict, matchedRule, dispatchedAt)

	case rule.Group:
		if err := d.groups.AddEvent(ctx, act.Namespace, act.Tenant, verdict.GroupKey, verdict.GroupWait, act); err != nil {
			outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
			d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
			return outcome, err
		}
		outcome := Outcome{Kind: OutcomeGrouped, ActionID: act.ID, MatchedRule: matchedRule, GroupKey: verdict.GroupKey}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"group_key": verdict.GroupKey}, dispatchedAt)
		return outcome, nil

	case rule.RequestApproval:
		id, expiresAt, err := d.approvals.Request(ctx, act.Namespace, act.Tenant, act, verdict.ApprovalConfig)
		if err != nil {
			outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
			d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
			return outcome, err
		}
		outcome := Outcome{Kind: OutcomePendingApproval, ActionID: act.ID, MatchedRule: matchedRule, ApprovalID: id, ApprovalExpiresAt: expiresAt}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"approval_id": id}, dispatchedAt)
		return outcome, nil

	case rule.Chain:
		inst, err := d.chains.Start(ctx, act.Namespace, act.Tenant, verdict.ChainName, act)
		if inst == nil {
			outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
			d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
			return outcome, err
		}
		outcome := Outcome{Kind: OutcomeChainStarted, ActionID: act.ID, MatchedRule: matchedRule, ChainID: inst.ChainID, Err: err}
		d.recordAudit(ctx, act, inst.ChainID, string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"chain_name": verdict.ChainName}, dispatchedAt)
		return outcome, nil

	case rule.Schedule:
		if err := d.scheduleDispatch(ctx, act, verdict.ScheduledFor); err != nil {
			outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
			d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
			return outcome, err
		}
		outcome := Outcome{Kind: OutcomeScheduled, ActionID: act.ID, MatchedRule: matchedRule, ScheduledFor: verdict.ScheduledFor}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"scheduled_for": verdict.ScheduledFor}, dispatchedAt)
		return outcome, nil

	case rule.StateMachineKind:
		return d.applyStateMachine(ctx, act, verdict, matchedRule, dispatchedAt)

	default:
		return d.executeAndAudit(ctx, act, matchedRule, dispatchedAt)
	}
}

func (d *Dispatcher) applyDeduplicate(ctx context.Context, act *action.Action, verdict rule.Verdict, matchedRule string, dispatchedAt time.Time) (Outcome, error) {
	key := statestore.Key{Namespace: act.Namespace, Tenant: act.Tenant, Kind: statestore.KindDedup, ID: act.EffectiveDedupKey()}
	first, err := d.stateStore.CheckAndSet(ctx, key, act.ID, verdict.DedupTTL)
	if err != nil {
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		return outcome, err
	}
	if !first {
		outcome := Outcome{Kind: OutcomeDeduplicated, ActionID: act.ID, MatchedRule: matchedRule}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), nil, dispatchedAt)
		return outcome, nil
	}
	return d.executeAndAudit(ctx, act, matchedRule, dispatchedAt)
}

func (d *Dispatcher) applyThrottle(ctx context.Context, act *action.Action, verdict rule.Verdict, matchedRule string, dispatchedAt time.Time) (Outcome, error) {
	decision, err := d.rateLimit.Check(ctx, act.Namespace, act.Tenant, act.EffectiveDedupKey(), int64(verdict.ThrottleCount), verdict.ThrottleWindow)
	if err != nil {
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		return outcome, err
	}
	if !decision.Allowed {
		outcome := Outcome{Kind: OutcomeThrottled, ActionID: act.ID, MatchedRule: matchedRule, RetryAfter: decision.RetryAfter}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"retry_after_ms": decision.RetryAfter.Milliseconds()}, dispatchedAt)
		return outcome, nil
	}
	return d.executeAndAudit(ctx, act, matchedRule, dispatchedAt)
}

// applyStateMachine renders the transition's fingerprint template,
// checks the optional From-state precondition, and writes the To
// state, optionally notifying a provider (spec.md §4.6's
// StateMachine verdict).
func (d *Dispatcher) applyStateMachine(ctx context.Context, act *action.Action, verdict rule.Verdict, matchedRule string, dispatchedAt time.Time) (Outcome, error) {
	transition := verdict.Transition
	clock := rule.Clock{Now: time.Now().UTC(), Zone: time.UTC}
	sr := &storeStateReader{ctx: ctx, store: d.stateStore, namespace: act.Namespace, tenant: act.Tenant}

	fingerprint, err := rule.EvalTemplateString(transition.FingerprintTemplate, act, clock, d.env, sr)
	if err != nil {
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		return outcome, err
	}

	if transition.From != "" {
		if current, ok := sr.EventState(fingerprint); !ok || current != transition.From {
			return d.executeAndAudit(ctx, act, matchedRule, dispatchedAt)
		}
	}

	key := statestore.Key{Namespace: act.Namespace, Tenant: act.Tenant, Kind: statestore.KindEventState, ID: fingerprint}
	if err := d.stateStore.Set(ctx, key, transition.To, 0); err != nil {
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
		d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		return outcome, err
	}

	if transition.NotifyProvider != "" {
		if prov, err := d.providers.Get(transition.NotifyProvider); err == nil {
			callCtx, cancel := context.WithTimeout(ctx, d.providerTimeout())
			_, _ = prov.Execute(callCtx, act)
			cancel()
		}
	}

	outcome := Outcome{Kind: OutcomeTransitioned, ActionID: act.ID, MatchedRule: matchedRule, TransitionFingerprint: fingerprint, TransitionTo: transition.To}
	d.recordAudit(ctx, act, "", string(verdict.Kind), matchedRule, string(outcome.Kind), map[string]interface{}{"fingerprint": fingerprint, "to": transition.To}, dispatchedAt)
	return outcome, nil
}

// scheduledRow is one delayed-dispatch entry consumed by the scheduler
// worker (spec.md §4.6's Scheduler/recurring supplement).
type scheduledRow struct {
	Action       *action.Action `json:"action"`
	ScheduledFor time.Time      `json:"scheduled_for"`
}

func (d *Dispatcher) scheduleDispatch(ctx context.Context, act *action.Action, scheduledFor time.Time) error {
	row := scheduledRow{Action: act, ScheduledFor: scheduledFor}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("gateway: marshal scheduled row: %w", err)
	}

	ttl := time.Until(scheduledFor) + 24*time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := statestore.Key{Namespace: act.Namespace, Tenant: act.Tenant, Kind: statestore.KindScheduled, ID: act.ID}
	return d.stateStore.Set(ctx, key, string(raw), ttl)
}

// executeAndAudit is spec.md §4.4 steps 3-4 for every verdict that
// reaches a Provider: Allow, a Deduplicate miss, a Throttle pass, and
// a StateMachine verdict whose From precondition does not hold.
func (d *Dispatcher) executeAndAudit(ctx context.Context, act *action.Action, matchedRule string, dispatchedAt time.Time) (Outcome, error) {
	resp, err := d.execute(ctx, act)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.Kind == provider.ErrCircuitOpen {
			outcome := Outcome{Kind: OutcomeCircuitOpen, ActionID: act.ID, MatchedRule: matchedRule, Provider: act.Provider, Err: err}
			d.recordAudit(ctx, act, "", "", matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
			return outcome, err
		}
		outcome := Outcome{Kind: OutcomeFailed, ActionID: act.ID, MatchedRule: matchedRule, Err: err}
		d.recordAudit(ctx, act, "", "", matchedRule, string(outcome.Kind), map[string]interface{}{"error": err.Error()}, dispatchedAt)
		return outcome, err
	}

	details := map[string]interface{}{}
	if resp != nil {
		details["status_code"] = resp.StatusCode
	}
	outcome := Outcome{Kind: OutcomeExecuted, ActionID: act.ID, MatchedRule: matchedRule}
	d.recordAudit(ctx, act, "", "", matchedRule, string(outcome.Kind), details, dispatchedAt)
	return outcome, nil
}

// execute resolves act's provider, gates it behind that provider's
// circuit breaker, applies the default timeout, and retries retryable
// failures with backoff+jitter, recording a breaker outcome and a
// provider-call metric on every attempt (spec.md §4.4 step 3).
func (d *Dispatcher) execute(ctx context.Context, act *action.Action) (*provider.Response, error) {
	prov, err := d.providers.GetForTenant(act.Provider, act.Tenant)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve provider %q: %w", act.Provider, err)
	}
	if !d.breakers.Allow(act.Provider) {
		return nil, &provider.Error{Kind: provider.ErrCircuitOpen, Message: "breaker open for provider " + act.Provider}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.providerTimeout())
	defer cancel()

	var resp *provider.Response
	params := retry.Params{Provider: act.Provider, ActionID: act.ID, Seed: act.EffectiveDedupKey()}

	err = retry.Do(callCtx, params, d.retryPolicy, isProviderRetryable, func(attemptCtx context.Context) error {
		start := time.Now()
		r, execErr := prov.Execute(attemptCtx, act)
		duration := time.Since(start)

		if d.metricsProvider != nil {
			d.metricsProvider.RecordProviderCall(attemptCtx, act.Provider, duration, execErr == nil)
		}
		if execErr == nil {
			d.breakers.RecordSuccess(act.Provider)
			resp = r
			return nil
		}
		d.breakers.RecordFailure(act.Provider)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isProviderRetryable(err error) bool {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Kind.Retryable()
	}
	return false
}

func (d *Dispatcher) providerTimeout() time.Duration {
	if d.cfg != nil && d.cfg.DefaultProviderTimeout > 0 {
		return d.cfg.DefaultProviderTimeout
	}
	return 30 * time.Second
}

// recordAudit builds and appends one audit.Record for a terminal (or
// pending-but-decided) dispatch outcome (spec.md §4.4 step 4). A
// compliance-mode dispatcher leaves ExpiresAt nil so the retention
// worker never reaps the record; otherwise it expires after the
// configured retention window.
func (d *Dispatcher) recordAudit(ctx context.Context, act *action.Action, chainID, verdictKind, matchedRule, outcome string, details map[string]interface{}, dispatchedAt time.Time) {
	now := time.Now().UTC()
	if details == nil {
		details = map[string]interface{}{}
	}
	details["action_payload"] = act.Payload
	if len(act.Metadata.Labels) > 0 {
		details["metadata"] = act.Metadata.Labels
	}

	rec := audit.Record{
		ID:           uuid.NewString(),
		ActionID:     act.ID,
		ChainID:      chainID,
		Namespace:    act.Namespace,
		Tenant:       act.Tenant,
		Provider:     act.Provider,
		ActionType:   act.ActionType,
		Verdict:      verdictKind,
		MatchedRule:  matchedRule,
		Outcome:      outcome,
		Details:      details,
		DispatchedAt: dispatchedAt,
		CompletedAt:  now,
		DurationMs:   now.Sub(dispatchedAt).Milliseconds(),
	}
	if d.cfg == nil || !d.cfg.ComplianceMode {
		retention := 2160 * time.Hour
		if d.cfg != nil && d.cfg.AuditRetention > 0 {
			retention = d.cfg.AuditRetention
		}
		expiry := now.Add(retention)
		rec.ExpiresAt = &expiry
	}

	if d.cfg != nil && d.cfg.SyncAuditWrite {
		if err := d.auditLog.Append(ctx, rec); err != nil {
			slog.Error("audit append failed", "error", err, "action_id", act.ID)
		}
		return
	}

	go func() {
		if err := d.auditLog.Append(context.Background(), rec); err != nil {
			slog.Error("audit append failed", "error", err, "action_id", act.ID)
		}
	}()
}
