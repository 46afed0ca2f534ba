package rule

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/actiongate/gateway/pkg/action"
)

// StateReader is the evaluator's read-through view of the state store
// (spec.md §4.3's "state.* / counter / duration intrinsics"). Rule
// evaluation never writes state; kernel callers hand the evaluator a
// thin adapter over pkg/statestore.Store.
type StateReader interface {
	// Get returns the State-kind entry's value and whether it is
	// currently live.
	Get(key string) (string, bool)
	// Counter returns a Counter-kind entry's current value.
	Counter(key string) (int64, bool)
	// LastWrittenAt returns when the State-kind entry at key was last
	// written, for StateTimeSince.
	LastWrittenAt(key string) (time.Time, bool)
	// EventState returns the EventState-kind entry's current state
	// name for a fingerprint.
	EventState(fingerprint string) (string, bool)
}

// RuleResult tags one rule's per-invocation outcome for the trace.
type RuleResult string

const (
	ResultMatched         RuleResult = "matched"
	ResultSkippedDisabled RuleResult = "skipped_disabled"
	ResultNoMatch         RuleResult = "no_match"
	ResultError           RuleResult = "error"
)

// RuleOutcome records what happened when one rule was considered.
type RuleOutcome struct {
	Name   string
	Result RuleResult
	Err    error
}

// Trace captures everything the evaluator observed during one
// invocation, which is what powers dry-run responses (spec.md §4.3
// step 5).
type Trace struct {
	StateKeysRead []string
	EnvKeysRead   []string
	TimeView      map[string]interface{}
	RuleOutcomes  []RuleOutcome
}

// Env is the explicitly enumerated whitelist of environment values
// injected at gateway construction (spec.md §4.3's "env.*" — never
// arbitrary process env).
type Env map[string]string

// Clock supplies the dispatch-time reference, decomposed in the given
// IANA zone (spec.md §4.3's "time.*", defaulting to UTC per tenant
// configuration).
type Clock struct {
	Now  time.Time
	Zone *time.Location
}

// Evaluate runs rules, in ascending priority order, against action
// (spec.md §4.3's evaluation contract). It returns the matched
// verdict (Allow if nothing matched), the action as left after any
// Modify patches, and a Trace.
func Evaluate(rules []Rule, act *action.Action, clock Clock, env Env, state StateReader, includeDisabled bool) (Verdict, *action.Action, Trace, error) {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	if clock.Zone == nil {
		clock.Zone = time.UTC
	}
	trace := Trace{TimeView: timeView(clock)}

	working := act.Clone()

	for _, r := range ordered {
		if !r.Enabled && !includeDisabled {
			trace.RuleOutcomes = append(trace.RuleOutcomes, RuleOutcome{Name: r.Name, Result: ResultSkippedDisabled})
			continue
		}

		ctx := &evalContext{
			action: working.View(),
			time:   trace.TimeView,
			env:    env,
			state:  state,
			trace:  &trace,
		}

		result, err := eval(r.Condition, ctx)
		if err != nil {
			trace.RuleOutcomes = append(trace.RuleOutcomes, RuleOutcome{Name: r.Name, Result: ResultError, Err: err})
			continue
		}

		if !truthy(result) {
			trace.RuleOutcomes = append(trace.RuleOutcomes, RuleOutcome{Name: r.Name, Result: ResultNoMatch})
			continue
		}

		trace.RuleOutcomes = append(trace.RuleOutcomes, RuleOutcome{Name: r.Name, Result: ResultMatched})

		if r.Verdict.Kind == Modify {
			working.Payload = applyMergePatch(working.Payload, r.Verdict.Patch)
			continue
		}

		return r.Verdict, working, trace, nil
	}

	return Verdict{Kind: Allow}, working, trace, nil
}

// EvalGuard evaluates a single standalone expression against act,
// truthiness-coerced, for callers outside the rule pipeline that still
// need the IR (the chain engine's per-step guard expressions).
func EvalGuard(expr Expr, act *action.Action, clock Clock, env Env, state StateReader) (bool, error) {
	if clock.Zone == nil {
		clock.Zone = time.UTC
	}
	trace := Trace{TimeView: timeView(clock)}
	ctx := &evalContext{action: act.View(), time: trace.TimeView, env: env, state: state, trace: &trace}
	result, err := eval(expr, ctx)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// EvalTemplateString evaluates a single standalone expression against act,
// requiring a string result, for callers outside the rule pipeline that
// need a rendered key rather than a boolean (the StateMachine verdict's
// FingerprintTemplate).
func EvalTemplateString(expr Expr, act *action.Action, clock Clock, env Env, state StateReader) (string, error) {
	if clock.Zone == nil {
		clock.Zone = time.UTC
	}
	trace := Trace{TimeView: timeView(clock)}
	ctx := &evalContext{action: act.View(), time: trace.TimeView, env: env, state: state, trace: &trace}
	return evalStringExpr(expr, ctx)
}

func timeView(c Clock) map[string]interface{} {
	t := c.Now.In(c.Zone)
	isoYear, isoWeek := t.ISOWeek()
	return map[string]interface{}{
		"year":         t.Year(),
		"month":        int(t.Month()),
		"day":          t.Day(),
		"hour":         t.Hour(),
		"minute":       t.Minute(),
		"weekday_num":  int(t.Weekday()),
		"iso_year":     isoYear,
		"iso_week":     isoWeek,
		"unix_seconds": t.Unix(),
		"zone":         c.Zone.String(),
	}
}

type evalContext struct {
	action map[string]interface{}
	time   map[string]interface{}
	env    Env
	state  StateReader
	trace  *Trace
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func eval(e Expr, ctx *evalContext) (interface{}, error) {
	switch n := e.(type) {
	case Literal:
		return n.Value, nil

	case Ident:
		switch n.Name {
		case "action":
			return ctx.action, nil
		case "time":
			return ctx.time, nil
		case "env":
			return ctx.env, nil
		default:
			return nil, fmt.Errorf("rule: unknown identifier %q", n.Name)
		}

	case Field:
		base, err := eval(n.Base, ctx)
		if err != nil {
			return nil, err
		}
		return lookupField(base, n.Name, ctx)

	case Index:
		base, err := eval(n.Base, ctx)
		if err != nil {
			return nil, err
		}
		key, err := eval(n.Key, ctx)
		if err != nil {
			return nil, err
		}
		return lookupIndex(base, key)

	case Unary:
		return evalUnary(n, ctx)

	case Binary:
		return evalBinary(n, ctx)

	case Ternary:
		cond, err := eval(n.Cond, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return eval(n.Then, ctx)
		}
		return eval(n.Else, ctx)

	case Call:
		return evalCall(n, ctx)

	case All:
		for _, sub := range n.Exprs {
			v, err := eval(sub, ctx)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case Any:
		for _, sub := range n.Exprs {
			v, err := eval(sub, ctx)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil

	case StateGet:
		key, err := evalStringExpr(n.KeyTemplate, ctx)
		if err != nil {
			return nil, err
		}
		ctx.recordStateKey(key)
		v, ok := ctx.state.Get(key)
		if !ok {
			return nil, nil
		}
		return v, nil

	case StateCounter:
		key, err := evalStringExpr(n.KeyTemplate, ctx)
		if err != nil {
			return nil, err
		}
		ctx.recordStateKey(key)
		v, ok := ctx.state.Counter(key)
		if !ok {
			return int64(0), nil
		}
		return v, nil

	case StateTimeSince:
		key, err := evalStringExpr(n.KeyTemplate, ctx)
		if err != nil {
			return nil, err
		}
		ctx.recordStateKey(key)
		last, ok := ctx.state.LastWrittenAt(key)
		if !ok {
			return math.Inf(1), nil
		}
		return time.Since(last).Seconds(), nil

	case HasActiveEvent:
		eventType, err := evalStringExpr(n.EventType, ctx)
		if err != nil {
			return nil, err
		}
		key := "event:" + eventType
		if n.Label != nil {
			label, err := evalStringExpr(n.Label, ctx)
			if err != nil {
				return nil, err
			}
			key = key + ":" + label
		}
		ctx.recordStateKey(key)
		_, ok := ctx.state.Get(key)
		return ok, nil

	case GetEventState:
		fp, err := evalStringExpr(n.Fingerprint, ctx)
		if err != nil {
			return nil, err
		}
		ctx.recordStateKey("event_state:" + fp)
		v, ok := ctx.state.EventState(fp)
		if !ok {
			return "", nil
		}
		return v, nil

	case EventInState:
		fp, err := evalStringExpr(n.Fingerprint, ctx)
		if err != nil {
			return nil, err
		}
		want, err := evalStringExpr(n.State, ctx)
		if err != nil {
			return nil, err
		}
		ctx.recordStateKey("event_state:" + fp)
		got, ok := ctx.state.EventState(fp)
		return ok && got == want, nil

	default:
		return nil, fmt.Errorf("rule: unsupported expr type %T", e)
	}
}

func (c *evalContext) recordStateKey(key string) {
	c.trace.StateKeysRead = append(c.trace.StateKeysRead, key)
}

func evalStringExpr(e Expr, ctx *evalContext) (string, error) {
	v, err := eval(e, ctx)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("rule: expected string, got %T", v)
	}
	return s, nil
}

func lookupField(base interface{}, name string, ctx *evalContext) (interface{}, error) {
	if env, ok := base.(Env); ok {
		ctx.trace.EnvKeysRead = append(ctx.trace.EnvKeysRead, name)
		return env[name], nil
	}
	m, ok := base.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("rule: cannot access field %q on %T", name, base)
	}
	return m[name], nil
}

func lookupIndex(base, key interface{}) (interface{}, error) {
	switch b := base.(type) {
	case map[string]interface{}:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("rule: map index must be string, got %T", key)
		}
		return b[k], nil
	case []interface{}:
		idx, ok := toInt(key)
		if !ok {
			return nil, fmt.Errorf("rule: list index must be int, got %T", key)
		}
		if idx < 0 || int(idx) >= len(b) {
			return nil, nil
		}
		return b[idx], nil
	default:
		return nil, fmt.Errorf("rule: cannot index %T", base)
	}
}

func evalUnary(n Unary, ctx *evalContext) (interface{}, error) {
	v, err := eval(n.Operand, ctx)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpNot:
		return !truthy(v), nil
	case OpNeg:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("rule: cannot negate %T", v)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("rule: unknown unary operator %q", n.Op)
	}
}

func evalBinary(n Binary, ctx *evalContext) (interface{}, error) {
	if n.Op == OpAnd {
		l, err := eval(n.Left, ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(l) {
			return false, nil
		}
		r, err := eval(n.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}
	if n.Op == OpOr {
		l, err := eval(n.Left, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(l) {
			return true, nil
		}
		r, err := eval(n.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := eval(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	r, err := eval(n.Right, ctx)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case OpEq:
		return equalValues(l, r), nil
	case OpNe:
		return !equalValues(l, r), nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return arith(n.Op, l, r)
	case OpLt, OpLe, OpGt, OpGe:
		return compare(n.Op, l, r)
	case OpContains:
		return containsOp(l, r)
	case OpStartsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, fmt.Errorf("rule: starts_with requires strings")
		}
		return strings.HasPrefix(ls, rs), nil
	case OpEndsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, fmt.Errorf("rule: ends_with requires strings")
		}
		return strings.HasSuffix(ls, rs), nil
	case OpMatches:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, fmt.Errorf("rule: matches requires strings")
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return nil, fmt.Errorf("rule: invalid regex %q: %w", rs, err)
		}
		return re.MatchString(ls), nil
	case OpIn:
		return inOp(l, r)
	default:
		return nil, fmt.Errorf("rule: unknown binary operator %q", n.Op)
	}
}

func evalCall(n Call, ctx *evalContext) (interface{}, error) {
	args := make([]interface{}, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch n.Func {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("rule: len() takes exactly one argument")
		}
		return lengthOf(args[0])
	case "lower":
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("rule: lower() requires a string")
		}
		return strings.ToLower(s), nil
	case "upper":
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("rule: upper() requires a string")
		}
		return strings.ToUpper(s), nil
	default:
		return nil, fmt.Errorf("rule: unknown function %q", n.Func)
	}
}

func lengthOf(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return int64(len(t)), nil
	case []interface{}:
		return int64(len(t)), nil
	case map[string]interface{}:
		return int64(len(t)), nil
	default:
		return nil, fmt.Errorf("rule: len() unsupported on %T", v)
	}
}

func containsOp(l, r interface{}) (interface{}, error) {
	switch lt := l.(type) {
	case string:
		rs, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("rule: contains on string requires a string needle")
		}
		return strings.Contains(lt, rs), nil
	case []interface{}:
		for _, item := range lt {
			if equalValues(item, r) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("rule: contains unsupported on %T", l)
	}
}

func inOp(needle, haystack interface{}) (interface{}, error) {
	return containsOp(haystack, needle)
}

func applyMergePatch(target, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(target))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		patchSub, patchIsMap := v.(map[string]interface{})
		targetSub, targetIsMap := out[k].(map[string]interface{})
		if patchIsMap && targetIsMap {
			out[k] = applyMergePatch(targetSub, patchSub)
			continue
		}
		out[k] = v
	}
	return out
}
