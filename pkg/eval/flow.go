package eval

import (
	"fmt"
	"strings"
)

// Snapshot is the immutable (facts, verdicts) pair frozen at flow
// initiation. It is shared by the whole flow tree, sub-flows included,
// and is never recomputed: entity-state mutations during the flow do not
// re-trigger rule evaluation.
type Snapshot struct {
	Facts    FactSet
	Verdicts *VerdictSet
}

// NewSnapshot assembles facts and evaluates rules once, producing the
// frozen snapshot a flow executes against.
func NewSnapshot(contract *Contract, input []byte) (*Snapshot, error) {
	facts, err := AssembleFacts(contract, input)
	if err != nil {
		return nil, err
	}
	verdicts, err := EvalStrata(contract, facts)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Facts: facts, Verdicts: verdicts}, nil
}

// StepRecord is one executed step in a flow trace.
type StepRecord struct {
	StepID           string             `json:"step_id"`
	StepType         string             `json:"step_type"`
	Result           string             `json:"result"`
	InstanceBindings InstanceBindingMap `json:"instance_bindings"`
}

// FlowResult is the outcome of a completed flow execution.
type FlowResult struct {
	Outcome            string         `json:"outcome"`
	StepsExecuted      []StepRecord   `json:"steps_executed"`
	EntityStateChanges []EffectRecord `json:"entity_state_changes"`
	InitiatingPersona  string         `json:"initiating_persona,omitempty"`
}

// FlowOptions tunes flow execution.
type FlowOptions struct {
	// MaxSteps bounds the walk; zero means the default of 1000.
	MaxSteps int
	// InitiatingPersona is recorded on the result for provenance.
	// Step-level operations carry their own persona authorization.
	InitiatingPersona string
}

// DefaultMaxSteps is the step-count guard applied when none is set.
const DefaultMaxSteps = 1000

type flowWalk struct {
	contract     *Contract
	snapshot     *Snapshot
	entityStates EntityStateMap
	bindings     InstanceBindingMap
	maxSteps     int

	steps         []StepRecord
	entityChanges []EffectRecord
}

// ExecuteFlow walks a flow's step graph against a frozen snapshot.
// Entity-state changes go to the mutable state map; the snapshot is
// read-only for the entire flow tree. Targets route to further steps or
// to terminal outcomes; failure handlers are the only recovery points.
func ExecuteFlow(
	flow *Flow,
	contract *Contract,
	snapshot *Snapshot,
	entityStates EntityStateMap,
	bindings InstanceBindingMap,
	opts FlowOptions,
) (*FlowResult, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	w := &flowWalk{
		contract:     contract,
		snapshot:     snapshot,
		entityStates: entityStates,
		bindings:     bindings,
		maxSteps:     maxSteps,
	}
	result, err := w.run(flow)
	if err != nil {
		return nil, err
	}
	result.InitiatingPersona = opts.InitiatingPersona
	return result, nil
}

func (w *flowWalk) run(flow *Flow) (*FlowResult, error) {
	stepIndex := make(map[string]FlowStep, len(flow.Steps))
	for _, s := range flow.Steps {
		stepIndex[s.StepID()] = s
	}

	currentStepID := flow.Entry
	stepCount := 0

	for {
		stepCount++
		if stepCount > w.maxSteps {
			return nil, &FlowError{
				FlowID:  flow.ID,
				Message: fmt.Sprintf("exceeded maximum step count (%d)", w.maxSteps),
			}
		}

		step, ok := stepIndex[currentStepID]
		if !ok {
			return nil, &StructureError{
				Message: fmt.Sprintf("flow step '%s' not found in flow '%s'", currentStepID, flow.ID),
			}
		}

		var next string
		var done *FlowResult
		var err error

		switch s := step.(type) {
		case OperationStep:
			next, done, err = w.operationStep(flow, s)
		case BranchStep:
			next, done, err = w.branchStep(s)
		case HandoffStep:
			w.record(s.ID, "handoff", "handoff", nil)
			next = s.Next
		case SubFlowStep:
			next, done, err = w.subFlowStep(flow, s)
		case ParallelStep:
			next, done, err = w.parallelStep(flow, s)
		default:
			err = &StructureError{Message: fmt.Sprintf("unknown step kind in flow '%s'", flow.ID)}
		}

		if err != nil {
			return nil, err
		}
		if done != nil {
			return done, nil
		}
		currentStepID = next
	}
}

func (w *flowWalk) record(stepID, stepType, result string, bindings InstanceBindingMap) {
	if bindings == nil {
		bindings = InstanceBindingMap{}
	}
	w.steps = append(w.steps, StepRecord{
		StepID:           stepID,
		StepType:         stepType,
		Result:           result,
		InstanceBindings: bindings,
	})
}

func (w *flowWalk) finish(outcome string) *FlowResult {
	return &FlowResult{
		Outcome:            outcome,
		StepsExecuted:      w.steps,
		EntityStateChanges: w.entityChanges,
	}
}

// resolveOpBindings projects the flow-level bindings over the entities an
// operation's effects touch.
func resolveOpBindings(op *Operation, bindings InstanceBindingMap) InstanceBindingMap {
	out := make(InstanceBindingMap, len(op.Effects))
	for _, effect := range op.Effects {
		out[effect.EntityID] = bindings.ResolveInstanceID(effect.EntityID)
	}
	return out
}

func (w *flowWalk) operationStep(flow *Flow, s OperationStep) (string, *FlowResult, error) {
	op, ok := w.contract.Operation(s.Op)
	if !ok {
		return "", nil, &StructureError{
			Message: fmt.Sprintf("operation '%s' not found in contract", s.Op),
		}
	}
	opBindings := resolveOpBindings(op, w.bindings)

	result, err := ExecuteOperation(op, s.Persona, w.snapshot.Facts, w.snapshot.Verdicts, w.entityStates, opBindings)
	if err != nil {
		w.record(s.ID, "operation", "error: "+err.Error(), opBindings)
		return w.handleFailure(flow, s.ID, s.OnFailure)
	}

	w.entityChanges = append(w.entityChanges, result.EffectsApplied...)
	w.record(s.ID, "operation", result.Outcome, result.Provenance.InstanceBinding)

	target, ok := s.Outcomes[result.Outcome]
	if !ok {
		return "", nil, &StructureError{
			Message: fmt.Sprintf("operation outcome '%s' not handled in step '%s'", result.Outcome, s.ID),
		}
	}
	return w.takeTarget(target)
}

func (w *flowWalk) branchStep(s BranchStep) (string, *FlowResult, error) {
	collector := NewCollector()
	condition, err := EvalPredicate(s.Condition, w.snapshot.Facts, w.snapshot.Verdicts, NewContext(), collector)
	if err != nil {
		return "", nil, err
	}
	taken, err := AsBool(condition)
	if err != nil {
		return "", nil, err
	}
	label := "false"
	target := s.IfFalse
	if taken {
		label = "true"
		target = s.IfTrue
	}
	w.record(s.ID, "branch", label, nil)
	return w.takeTarget(target)
}

func (w *flowWalk) subFlowStep(flow *Flow, s SubFlowStep) (string, *FlowResult, error) {
	subFlow, ok := w.contract.Flow(s.Flow)
	if !ok {
		return "", nil, &StructureError{
			Message: fmt.Sprintf("sub-flow '%s' not found in contract", s.Flow),
		}
	}

	// Sub-flows inherit the parent's snapshot and instance bindings.
	sub := &flowWalk{
		contract:     w.contract,
		snapshot:     w.snapshot,
		entityStates: w.entityStates,
		bindings:     w.bindings,
		maxSteps:     w.maxSteps,
	}
	subResult, err := sub.run(subFlow)
	if err != nil {
		w.record(s.ID, "sub_flow", "error: "+err.Error(), w.bindings)
		return w.handleFailure(flow, s.ID, s.OnFailure)
	}

	w.entityChanges = append(w.entityChanges, subResult.EntityStateChanges...)
	w.record(s.ID, "sub_flow", subResult.Outcome, w.bindings)
	return w.takeTarget(s.OnSuccess)
}

func (w *flowWalk) parallelStep(flow *Flow, s ParallelStep) (string, *FlowResult, error) {
	type branchOutcome struct {
		branchID string
		outcome  string
		err      error
		changes  []EffectRecord
		steps    []StepRecord
	}

	// Branches execute sequentially, each against an independent clone of
	// the entity states; outcomes append in declaration order.
	outcomes := make([]branchOutcome, 0, len(s.Branches))
	for _, branch := range s.Branches {
		branchFlow := &Flow{
			ID:       flow.ID + ":" + branch.ID,
			Snapshot: flow.Snapshot,
			Entry:    branch.Entry,
			Steps:    branch.Steps,
		}
		bw := &flowWalk{
			contract:     w.contract,
			snapshot:     w.snapshot,
			entityStates: w.entityStates.Clone(),
			bindings:     w.bindings,
			maxSteps:     w.maxSteps,
		}
		result, err := bw.run(branchFlow)
		if err != nil {
			outcomes = append(outcomes, branchOutcome{branchID: branch.ID, err: err, steps: bw.steps})
			continue
		}
		outcomes = append(outcomes, branchOutcome{
			branchID: branch.ID,
			outcome:  result.Outcome,
			changes:  result.EntityStateChanges,
			steps:    result.StepsExecuted,
		})
	}

	summaries := make([]string, 0, len(outcomes))
	for _, bo := range outcomes {
		if bo.err != nil {
			summaries = append(summaries, fmt.Sprintf("%s:error:%s", bo.branchID, bo.err.Error()))
		} else {
			summaries = append(summaries, fmt.Sprintf("%s:%s", bo.branchID, bo.outcome))
		}
	}
	w.record(s.ID, "parallel", strings.Join(summaries, ", "), w.bindings)
	for _, bo := range outcomes {
		w.steps = append(w.steps, bo.steps...)
	}

	// Merge successful branches back by (entity, instance) key. The
	// elaborator enforces non-overlapping effect sets; if a contract
	// slips past that, later branches win.
	allSuccess := true
	anyFailure := false
	for _, bo := range outcomes {
		if bo.err != nil {
			allSuccess = false
			anyFailure = true
			continue
		}
		w.entityChanges = append(w.entityChanges, bo.changes...)
		for _, change := range bo.changes {
			w.entityStates[InstanceKey{EntityID: change.EntityID, InstanceID: change.InstanceID}] = change.ToState
		}
	}

	if allSuccess && s.Join.OnAllSuccess != nil {
		return w.takeTarget(s.Join.OnAllSuccess)
	}
	if anyFailure && s.Join.OnAnyFailure != nil {
		return w.handleFailure(flow, s.ID, s.Join.OnAnyFailure)
	}
	if s.Join.OnAllComplete != nil {
		return w.takeTarget(s.Join.OnAllComplete)
	}
	return "", nil, &FlowError{
		FlowID:  flow.ID,
		Message: fmt.Sprintf("parallel step '%s' completed but no join policy matched", s.ID),
	}
}

func (w *flowWalk) takeTarget(target StepTarget) (string, *FlowResult, error) {
	switch t := target.(type) {
	case StepRef:
		return string(t), nil, nil
	case Terminal:
		return "", w.finish(t.Outcome), nil
	}
	return "", nil, &StructureError{Message: "step target is neither a step ref nor a terminal"}
}

// handleFailure applies a failure handler: terminate with an outcome, run
// compensation operations then route, or escalate to another persona.
func (w *flowWalk) handleFailure(flow *Flow, stepID string, handler FailureHandler) (string, *FlowResult, error) {
	switch h := handler.(type) {
	case Terminate:
		return "", w.finish(h.Outcome), nil

	case Compensate:
		for _, comp := range h.Steps {
			op, ok := w.contract.Operation(comp.Op)
			if !ok {
				return "", nil, &StructureError{
					Message: fmt.Sprintf("compensation operation '%s' not found in contract", comp.Op),
				}
			}
			compBindings := resolveOpBindings(op, w.bindings)
			result, err := ExecuteOperation(op, comp.Persona, w.snapshot.Facts, w.snapshot.Verdicts, w.entityStates, compBindings)
			if err != nil {
				w.record("comp:"+comp.Op, "compensation", "error: "+err.Error(), compBindings)
				// A failed compensation terminates immediately with an
				// explicit outcome; partial compensation is visible in
				// the step trace.
				switch t := comp.OnFailure.(type) {
				case Terminal:
					return "", w.finish(t.Outcome), nil
				default:
					return "", w.finish("compensation_failed"), nil
				}
			}
			w.entityChanges = append(w.entityChanges, result.EffectsApplied...)
			w.record("comp:"+comp.Op, "compensation", result.Outcome, result.Provenance.InstanceBinding)
		}
		return w.takeTarget(h.Then)

	case Escalate:
		w.record(stepID, "escalation", "escalated to "+h.ToPersona, nil)
		return h.Next, nil, nil
	}
	return "", nil, &StructureError{
		Message: fmt.Sprintf("step '%s' in flow '%s' has no failure handler", stepID, flow.ID),
	}
}
