// Package chain implements the chain engine (spec.md §4.6): a named,
// ordered sequence of provider steps with per-step guards and
// on-failure policies, persisted so a single-stepper process restart
// resumes exactly where it left off. Grounded on the teacher's
// contracts.PlanSpec/PlanStep shape (ordered steps, dependencies,
// CheckpointBefore/CheckpointAfter, RollbackOnFailure) — that contract
// models the ordering and checkpoint/rollback semantics a chain needs,
// but carries no executor, so the step-index-plus-CAS resumption here
// is built from scratch directly on pkg/statestore's CompareAndSwap.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/rule"
	"github.com/actiongate/gateway/pkg/statestore"
)

// OnFailure selects what happens when a step terminates in failure.
type OnFailure string

const (
	FailRetry    OnFailure = "retry"
	FailStop     OnFailure = "stop"
	FailContinue OnFailure = "continue"
	FailRollback OnFailure = "rollback"
)

// Step is one entry of a chain Definition.
type Step struct {
	Provider        string                 `json:"provider"`
	PayloadTemplate map[string]interface{} `json:"payload_template"`
	Guard           rule.Expr              `json:"-"`
	OnFailure       OnFailure              `json:"on_failure"`
	MaxRetries      int                    `json:"max_retries"`
}

// Definition is a named, ordered chain of steps.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// StepStatus is one step's terminal or in-flight outcome.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step's execution outcome.
type StepResult struct {
	Index       int        `json:"index"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// InstanceStatus is a chain instance's overall lifecycle position.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Instance is one running (or finished) execution of a Definition.
type Instance struct {
	ChainID     string         `json:"chain_id"`
	Namespace   string         `json:"namespace"`
	Tenant      string         `json:"tenant"`
	ChainName   string         `json:"chain_name"`
	Action      *action.Action `json:"action"`
	StepIndex   int            `json:"step_index"`
	Status      InstanceStatus `json:"status"`
	StepResults []StepResult   `json:"step_results"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StepExecFunc invokes the given step's provider with its rendered
// payload, through the dispatcher's normal retry/breaker/timeout
// decoration, and reports success or failure.
type StepExecFunc func(ctx context.Context, namespace, tenant string, step Step, renderedPayload map[string]interface{}) error

// Engine runs chain instances against a registry of named Definitions.
type Engine struct {
	store       statestore.Store
	definitions map[string]Definition
	execStep    StepExecFunc
}

// New constructs an Engine. definitions are looked up by name on
// Start; execStep is the dispatcher-supplied hook that actually calls
// a provider.
func New(store statestore.Store, definitions map[string]Definition, execStep StepExecFunc) *Engine {
	return &Engine{store: store, definitions: definitions, execStep: execStep}
}

// Start begins a new instance of the named chain for act, persists it,
// and runs its steps from step 0 until the chain completes or a step's
// failure policy ends it (spec.md §4.6).
func (e *Engine) Start(ctx context.Context, namespace, tenant, chainName string, act *action.Action) (*Instance, error) {
	def, ok := e.definitions[chainName]
	if !ok {
		return nil, fmt.Errorf("chain: unknown chain %q", chainName)
	}

	inst := &Instance{
		ChainID:   uuid.NewString(),
		Namespace: namespace,
		Tenant:    tenant,
		ChainName: chainName,
		Action:    act,
		StepIndex: 0,
		Status:    InstanceRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.save(ctx, inst, 0); err != nil {
		return nil, err
	}

	if err := e.runFrom(ctx, def, inst); err != nil {
		return inst, err
	}
	return inst, nil
}

// Resume re-enters a persisted, still-running instance at its current
// step_index — the restart-resumption path (spec.md §4.6).
func (e *Engine) Resume(ctx context.Context, namespace, tenant, chainID string) (*Instance, error) {
	inst, version, ok, err := e.load(ctx, namespace, tenant, chainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("chain: instance %s not found", chainID)
	}
	if inst.Status != InstanceRunning {
		return inst, nil
	}
	def, ok := e.definitions[inst.ChainName]
	if !ok {
		return nil, fmt.Errorf("chain: unknown chain %q", inst.ChainName)
	}
	return inst, e.runFromVersion(ctx, def, inst, version)
}

func (e *Engine) runFrom(ctx context.Context, def Definition, inst *Instance) error {
	_, version, _, err := e.load(ctx, inst.Namespace, inst.Tenant, inst.ChainID)
	if err != nil {
		return err
	}
	return e.runFromVersion(ctx, def, inst, version)
}

func (e *Engine) runFromVersion(ctx context.Context, def Definition, inst *Instance, version uint64) error {
	for inst.StepIndex < len(def.Steps) {
		step := def.Steps[inst.StepIndex]

		if step.Guard != nil {
			allowed, err := rule.EvalGuard(step.Guard, inst.Action, rule.Clock{Now: time.Now().UTC()}, nil, nil)
			if err != nil || !allowed {
				result := StepResult{Index: inst.StepIndex, Status: StepSkipped, CompletedAt: time.Now().UTC()}
				inst.StepResults = append(inst.StepResults, result)
				inst.StepIndex++
				if version, err = e.saveVersioned(ctx, inst, version); err != nil {
					return err
				}
				continue
			}
		}

		payload := renderTemplate(step.PayloadTemplate, inst.Action)
		execErr := e.execStep(ctx, inst.Namespace, inst.Tenant, step, payload)

		var err error
		if execErr == nil {
			inst.StepResults = append(inst.StepResults, StepResult{
				Index: inst.StepIndex, Status: StepSucceeded, CompletedAt: time.Now().UTC(),
			})
			inst.StepIndex++
			version, err = e.saveVersioned(ctx, inst, version)
			if err != nil {
				return err
			}
			continue
		}

		inst.StepResults = append(inst.StepResults, StepResult{
			Index: inst.StepIndex, Status: StepFailed, Error: execErr.Error(), CompletedAt: time.Now().UTC(),
		})

		switch step.OnFailure {
		case FailContinue:
			inst.StepIndex++
		case FailRollback:
			inst.Status = InstanceFailed
			version, err = e.saveVersioned(ctx, inst, version)
			if err != nil {
				return err
			}
			if rbErr := e.rollback(ctx, def, inst); rbErr != nil {
				return fmt.Errorf("chain: step %d failed and rollback failed: %w", inst.StepIndex, rbErr)
			}
			return fmt.Errorf("chain: step %d failed, rolled back: %w", inst.StepIndex, execErr)
		case FailRetry:
			inst.Status = InstanceFailed
			if _, err = e.saveVersioned(ctx, inst, version); err != nil {
				return err
			}
			return fmt.Errorf("chain: step %d failed, retry required: %w", inst.StepIndex, execErr)
		default: // FailStop
			inst.Status = InstanceFailed
			if _, err = e.saveVersioned(ctx, inst, version); err != nil {
				return err
			}
			return fmt.Errorf("chain: step %d failed: %w", inst.StepIndex, execErr)
		}

		if version, err = e.saveVersioned(ctx, inst, version); err != nil {
			return err
		}
	}

	inst.Status = InstanceCompleted
	_, err := e.saveVersioned(ctx, inst, version)
	return err
}

// rollback executes every already-succeeded step's provider again with
// a `rollback: true` marker in its rendered payload, in reverse order.
// Providers that support compensation interpret the marker themselves;
// the engine has no opinion on what "undo" means for a given provider.
func (e *Engine) rollback(ctx context.Context, def Definition, inst *Instance) error {
	for i := len(inst.StepResults) - 1; i >= 0; i-- {
		result := inst.StepResults[i]
		if result.Status != StepSucceeded {
			continue
		}
		step := def.Steps[result.Index]
		payload := renderTemplate(step.PayloadTemplate, inst.Action)
		payload["rollback"] = true
		if err := e.execStep(ctx, inst.Namespace, inst.Tenant, step, payload); err != nil {
			return fmt.Errorf("chain: rollback of step %d failed: %w", result.Index, err)
		}
	}
	return nil
}

func renderTemplate(template map[string]interface{}, act *action.Action) map[string]interface{} {
	out := make(map[string]interface{}, len(template))
	for k, v := range template {
		if s, ok := v.(string); ok && s == "$action.payload" {
			out[k] = act.Payload
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Engine) save(ctx context.Context, inst *Instance, version uint64) error {
	_, err := e.saveVersioned(ctx, inst, version)
	return err
}

// saveVersioned persists inst via compare-and-swap against the
// expected version — version 0 both creates a brand-new instance
// (CompareAndSwap treats an absent key as version 0) and CASes an
// existing one, so step advancement under concurrent steppers is
// idempotent (spec.md §4.6).
func (e *Engine) saveVersioned(ctx context.Context, inst *Instance, version uint64) (uint64, error) {
	raw, err := json.Marshal(inst)
	if err != nil {
		return version, fmt.Errorf("chain: marshal: %w", err)
	}
	key := e.key(inst.Namespace, inst.Tenant, inst.ChainID)

	res, err := e.store.CompareAndSwap(ctx, key, version, string(raw), 0)
	if err != nil {
		return version, fmt.Errorf("chain: cas: %w", err)
	}
	if res.Status != statestore.CASOk {
		return version, fmt.Errorf("chain: concurrent step advance detected for %s", inst.ChainID)
	}
	return version + 1, nil
}

func (e *Engine) load(ctx context.Context, namespace, tenant, chainID string) (*Instance, uint64, bool, error) {
	entry, ok, err := e.store.Get(ctx, e.key(namespace, tenant, chainID))
	if err != nil {
		return nil, 0, false, fmt.Errorf("chain: get: %w", err)
	}
	if !ok {
		return nil, 0, false, nil
	}
	var inst Instance
	if err := json.Unmarshal([]byte(entry.Value), &inst); err != nil {
		return nil, 0, false, fmt.Errorf("chain: corrupt instance: %w", err)
	}
	return &inst, entry.Version, true, nil
}

func (e *Engine) key(namespace, tenant, chainID string) statestore.Key {
	return statestore.Key{Namespace: namespace, Tenant: tenant, Kind: statestore.KindChain, ID: chainID}
}
