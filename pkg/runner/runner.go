// Package runner drives flow executions against a durable store:
// entity states load from committed storage, the flow engine runs
// in-memory, and the results — state transitions under optimistic
// concurrency, execution records, provenance — publish atomically in
// one store snapshot.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/riverline-labs/tenor/core/pkg/eval"
	"github.com/riverline-labs/tenor/core/pkg/storage"
)

// Runner executes flows for one contract over one store.
type Runner struct {
	Contract *eval.Contract
	Store    storage.Store

	// MaxSteps bounds each flow walk; zero means the engine default.
	MaxSteps int

	logger *slog.Logger
}

// New builds a runner.
func New(contract *eval.Contract, store storage.Store) *Runner {
	return &Runner{
		Contract: contract,
		Store:    store,
		logger:   slog.Default().With("component", "runner"),
	}
}

// Execution is a persisted flow run.
type Execution struct {
	ID     string
	Result *eval.FlowResult
}

// entityVersion tracks the committed version a load observed, so the
// writeback compare-and-swaps against exactly what the flow saw.
type entityVersion struct {
	state   string
	version int64
}

// loadStates reads the committed state of one instance per contract
// entity: the instance the bindings name, or `_default` when unbound.
func (r *Runner) loadStates(ctx context.Context, bindings eval.InstanceBindingMap) (eval.EntityStateMap, map[eval.InstanceKey]entityVersion, error) {
	states := make(eval.EntityStateMap)
	versions := make(map[eval.InstanceKey]entityVersion)
	for _, entity := range r.Contract.Entities {
		instanceID := bindings.ResolveInstanceID(entity.ID)
		rec, err := r.Store.GetEntityState(ctx, entity.ID, instanceID)
		if err != nil {
			var notFound *storage.NotFoundError
			if errors.As(err, &notFound) {
				continue // instance does not exist; operations will fail per contract
			}
			return nil, nil, err
		}
		key := eval.InstanceKey{EntityID: entity.ID, InstanceID: instanceID}
		states[key] = rec.State
		versions[key] = entityVersion{state: rec.State, version: rec.Version}
	}
	return states, versions, nil
}

// InitializeEntities creates a `_default` instance per contract entity
// in its declared initial state, committed in one snapshot.
func (r *Runner) InitializeEntities(ctx context.Context) error {
	snap, err := r.Store.BeginSnapshot(ctx)
	if err != nil {
		return err
	}
	for _, entity := range r.Contract.Entities {
		if err := r.Store.InitializeEntity(ctx, snap, entity.ID, storage.DefaultInstance, entity.Initial); err != nil {
			_ = r.Store.AbortSnapshot(ctx, snap)
			return err
		}
	}
	return r.Store.CommitSnapshot(ctx, snap)
}

// ExecuteFlow runs one flow: assembles the frozen snapshot from the
// input facts, loads entity states, walks the flow, and publishes the
// outcome. A ConflictError from the store means another execution won
// the race; nothing is persisted and the caller may retry.
func (r *Runner) ExecuteFlow(ctx context.Context, flowID, persona string, factsInput []byte, bindings eval.InstanceBindingMap) (*Execution, error) {
	flow, ok := r.Contract.Flow(flowID)
	if !ok {
		return nil, &eval.StructureError{Message: fmt.Sprintf("flow '%s' not found in contract", flowID)}
	}

	snapshot, err := eval.NewSnapshot(r.Contract, factsInput)
	if err != nil {
		return nil, err
	}
	states, versions, err := r.loadStates(ctx, bindings)
	if err != nil {
		return nil, err
	}

	result, err := eval.ExecuteFlow(flow, r.Contract, snapshot, states, bindings, eval.FlowOptions{
		MaxSteps:          r.MaxSteps,
		InitiatingPersona: persona,
	})
	if err != nil {
		return nil, err
	}

	execution := &Execution{ID: uuid.NewString(), Result: result}
	if err := r.persist(ctx, flow, execution, versions); err != nil {
		return nil, err
	}
	r.logger.Debug("flow executed",
		"flow_id", flowID,
		"outcome", result.Outcome,
		"execution_id", execution.ID)
	return execution, nil
}

func (r *Runner) persist(ctx context.Context, flow *eval.Flow, execution *Execution, versions map[eval.InstanceKey]entityVersion) error {
	snap, err := r.Store.BeginSnapshot(ctx)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		_ = r.Store.AbortSnapshot(ctx, snap)
		return err
	}

	// Apply entity changes through OCC: each instance's chain of
	// effects advances from the version observed at load.
	current := make(map[eval.InstanceKey]int64)
	for _, change := range execution.Result.EntityStateChanges {
		key := eval.InstanceKey{EntityID: change.EntityID, InstanceID: change.InstanceID}
		expected, seen := current[key]
		if !seen {
			base, loaded := versions[key]
			if !loaded {
				return abort(&storage.NotFoundError{EntityID: key.EntityID, InstanceID: key.InstanceID})
			}
			expected = base.version
		}
		newVersion, err := r.Store.UpdateEntityState(ctx, snap,
			key.EntityID, key.InstanceID, expected, change.ToState, flow.ID, "")
		if err != nil {
			return abort(err)
		}
		current[key] = newVersion
	}

	stepsJSON, err := json.Marshal(execution.Result.StepsExecuted)
	if err != nil {
		return abort(fmt.Errorf("runner: encode steps: %w", err))
	}
	if err := r.Store.InsertFlowExecution(ctx, snap, storage.FlowExecutionRecord{
		ID:                execution.ID,
		ContractID:        r.Contract.BundleID,
		FlowID:            flow.ID,
		Outcome:           execution.Result.Outcome,
		InitiatingPersona: execution.Result.InitiatingPersona,
		Steps:             stepsJSON,
	}); err != nil {
		return abort(err)
	}

	for _, step := range execution.Result.StepsExecuted {
		if step.StepType != "operation" && step.StepType != "compensation" {
			continue
		}
		opExecID := uuid.NewString()
		if err := r.Store.InsertOperationExecution(ctx, snap, storage.OperationExecutionRecord{
			ID:              opExecID,
			FlowExecutionID: execution.ID,
			OperationID:     step.StepID,
			Persona:         execution.Result.InitiatingPersona,
			Outcome:         step.Result,
		}); err != nil {
			return abort(err)
		}
		payload, err := json.Marshal(step)
		if err != nil {
			return abort(fmt.Errorf("runner: encode step record: %w", err))
		}
		if err := r.Store.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
			OperationExecutionID: opExecID,
			Seq:                  0,
			Kind:                 "step",
			Payload:              payload,
		}); err != nil {
			return abort(err)
		}
	}

	if err := r.Store.CommitSnapshot(ctx, snap); err != nil {
		return err
	}
	return nil
}
