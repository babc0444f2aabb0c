package migration

import (
	"github.com/riverline-labs/tenor/core/pkg/eval"
)

// IncompatibilityKind enumerates why an in-flight flow cannot continue
// against the revised contract.
type IncompatibilityKind string

const (
	EntityStateNotInV2    IncompatibilityKind = "EntityStateNotInV2"
	TransitionNotInV2     IncompatibilityKind = "TransitionNotInV2"
	StepNotInV2           IncompatibilityKind = "StepNotInV2"
	OperationChangedInV2  IncompatibilityKind = "OperationChangedInV2"
	PersonaNotAuthorized  IncompatibilityKind = "PersonaNotAuthorized"
	FlowNotFound          IncompatibilityKind = "FlowNotFound"
)

// IncompatibilityReason is one concrete obstacle found by the layers.
type IncompatibilityReason struct {
	Kind        IncompatibilityKind `json:"kind"`
	EntityID    string              `json:"entity_id,omitempty"`
	State       string              `json:"state,omitempty"`
	From        string              `json:"from,omitempty"`
	To          string              `json:"to,omitempty"`
	StepID      string              `json:"step_id,omitempty"`
	OperationID string              `json:"operation_id,omitempty"`
	Persona     string              `json:"persona,omitempty"`
}

// LayerResults reports each analysis layer's verdict.
type LayerResults struct {
	Layer1VerdictIsolation bool `json:"layer1_verdict_isolation"`
	Layer2EntityState      bool `json:"layer2_entity_state"`
	Layer3Structure        bool `json:"layer3_structure"`
}

// FlowCompatibilityResult is the per-flow, per-position answer.
type FlowCompatibilityResult struct {
	FlowID       string                  `json:"flow_id"`
	Position     string                  `json:"position,omitempty"`
	Compatible   bool                    `json:"compatible"`
	LayerResults LayerResults            `json:"layer_results"`
	Reasons      []IncompatibilityReason `json:"reasons"`
}

// CheckFlowCompatibility decides whether an in-flight flow instance at
// the given position can continue under v2.
//
// Three layers run in order and short-circuit on first failure:
//
//   - Layer 1, verdict isolation: always passes. The frozen snapshot is
//     immutable, so v2's rule changes cannot retroactively affect a
//     running flow's snapshot. The layer stays explicit in code for
//     auditability.
//   - Layer 2, entity-state equivalence: every live entity state and
//     every transition target reachable from the position must exist in
//     v2's entity declarations.
//   - Layer 3, structure: every reachable step must exist in v2's flow,
//     reference the same operation, and its persona must still be
//     authorized under v2.
func CheckFlowCompatibility(
	v1, v2 *eval.Contract,
	flowID string,
	position string,
	entityStates eval.EntityStateMap,
) *FlowCompatibilityResult {
	v1Flow, ok := v1.Flow(flowID)
	if !ok {
		return &FlowCompatibilityResult{
			FlowID:     flowID,
			Position:   position,
			Compatible: false,
			Reasons:    []IncompatibilityReason{{Kind: FlowNotFound}},
		}
	}
	v2Flow, v2HasFlow := v2.Flow(flowID)

	reachable := reachableSteps(v1Flow, position)

	// Layer 1 — see the doc comment; unconditionally true.
	layer1 := true

	layer2, reasons := checkEntityStates(v1, v2, v1Flow, reachable, entityStates)

	layer3 := false
	if layer2 {
		var l3Reasons []IncompatibilityReason
		if v2HasFlow {
			layer3, l3Reasons = checkStructure(v2, v1Flow, v2Flow, reachable)
		} else {
			for _, stepID := range reachable {
				l3Reasons = append(l3Reasons, IncompatibilityReason{Kind: StepNotInV2, StepID: stepID})
			}
		}
		reasons = append(reasons, l3Reasons...)
	}

	return &FlowCompatibilityResult{
		FlowID:     flowID,
		Position:   position,
		Compatible: layer1 && layer2 && layer3,
		LayerResults: LayerResults{
			Layer1VerdictIsolation: layer1,
			Layer2EntityState:      layer2,
			Layer3Structure:        layer3,
		},
		Reasons: reasons,
	}
}

// CheckFlowCompatibilityStatic checks from the flow's entry point with
// each entity in its v1 initial state. Used for pre-migration analysis
// when per-instance live states are unknown.
func CheckFlowCompatibilityStatic(v1, v2 *eval.Contract, flowID string) *FlowCompatibilityResult {
	v1Flow, ok := v1.Flow(flowID)
	if !ok {
		return &FlowCompatibilityResult{
			FlowID:     flowID,
			Compatible: false,
			Reasons:    []IncompatibilityReason{{Kind: FlowNotFound}},
		}
	}
	states := eval.InitEntityStates(v1)
	result := CheckFlowCompatibility(v1, v2, flowID, v1Flow.Entry, states)
	return result
}

// reachableSteps computes the DFS closure of step ids reachable from the
// position through outcome edges, branch targets, handoff chains,
// sub-flow continuations and parallel branches.
func reachableSteps(flow *eval.Flow, position string) []string {
	index := make(map[string]eval.FlowStep)
	var indexSteps func(steps []eval.FlowStep)
	indexSteps = func(steps []eval.FlowStep) {
		for _, s := range steps {
			index[s.StepID()] = s
			if p, ok := s.(eval.ParallelStep); ok {
				for _, b := range p.Branches {
					indexSteps(b.Steps)
				}
			}
		}
	}
	indexSteps(flow.Steps)

	visited := make(map[string]bool)
	var result []string
	stack := []string{position}

	push := func(target eval.StepTarget) {
		if ref, ok := target.(eval.StepRef); ok {
			stack = append(stack, string(ref))
		}
	}

	for len(stack) > 0 {
		stepID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[stepID] {
			continue
		}
		visited[stepID] = true
		step, ok := index[stepID]
		if !ok {
			continue
		}
		result = append(result, stepID)

		switch s := step.(type) {
		case eval.OperationStep:
			for _, target := range s.Outcomes {
				push(target)
			}
		case eval.BranchStep:
			push(s.IfTrue)
			push(s.IfFalse)
		case eval.HandoffStep:
			stack = append(stack, s.Next)
		case eval.SubFlowStep:
			push(s.OnSuccess)
		case eval.ParallelStep:
			for _, branch := range s.Branches {
				stack = append(stack, branch.Entry)
				for _, inner := range branch.Steps {
					stack = append(stack, inner.StepID())
				}
			}
		}
	}
	return result
}

// checkEntityStates is layer 2: live states and reachable transition
// targets must exist in v2's entity declarations.
func checkEntityStates(
	v1, v2 *eval.Contract,
	v1Flow *eval.Flow,
	reachable []string,
	entityStates eval.EntityStateMap,
) (bool, []IncompatibilityReason) {
	var reasons []IncompatibilityReason

	reachableOps := make(map[string]*eval.Operation)
	index := stepIndexOf(v1Flow)
	for _, stepID := range reachable {
		if opStep, ok := index[stepID].(eval.OperationStep); ok {
			if op, ok := v1.Operation(opStep.Op); ok {
				reachableOps[op.ID] = op
			}
		}
	}

	seenEntity := make(map[string]bool)
	for key, currentState := range entityStates {
		v2Entity, ok := v2.Entity(key.EntityID)
		if !ok {
			reasons = append(reasons, IncompatibilityReason{
				Kind:     EntityStateNotInV2,
				EntityID: key.EntityID,
				State:    currentState,
			})
			continue
		}
		if !v2Entity.HasState(currentState) {
			reasons = append(reasons, IncompatibilityReason{
				Kind:     EntityStateNotInV2,
				EntityID: key.EntityID,
				State:    currentState,
			})
		}
		if seenEntity[key.EntityID] {
			continue
		}
		seenEntity[key.EntityID] = true
		for _, op := range reachableOps {
			for _, effect := range op.Effects {
				if effect.EntityID != key.EntityID {
					continue
				}
				if !v2Entity.HasState(effect.To) {
					reasons = append(reasons, IncompatibilityReason{
						Kind:     TransitionNotInV2,
						EntityID: key.EntityID,
						From:     effect.From,
						To:       effect.To,
					})
				}
			}
		}
	}

	return len(reasons) == 0, reasons
}

// checkStructure is layer 3: reachable steps must survive into v2 with
// the same operation and an authorized persona.
func checkStructure(
	v2 *eval.Contract,
	v1Flow, v2Flow *eval.Flow,
	reachable []string,
) (bool, []IncompatibilityReason) {
	var reasons []IncompatibilityReason
	v1Index := stepIndexOf(v1Flow)
	v2Index := stepIndexOf(v2Flow)

	for _, stepID := range reachable {
		v1Step, inV1 := v1Index[stepID]
		v2Step, inV2 := v2Index[stepID]
		if !inV1 {
			continue
		}
		if !inV2 {
			reasons = append(reasons, IncompatibilityReason{Kind: StepNotInV2, StepID: stepID})
			continue
		}
		v1OpStep, ok1 := v1Step.(eval.OperationStep)
		v2OpStep, ok2 := v2Step.(eval.OperationStep)
		if !ok1 || !ok2 {
			continue
		}
		if v1OpStep.Op != v2OpStep.Op {
			reasons = append(reasons, IncompatibilityReason{
				Kind:        OperationChangedInV2,
				OperationID: v1OpStep.Op,
			})
		}
		if v2Op, ok := v2.Operation(v2OpStep.Op); ok {
			if !v2Op.Allows(v1OpStep.Persona) {
				reasons = append(reasons, IncompatibilityReason{
					Kind:    PersonaNotAuthorized,
					StepID:  stepID,
					Persona: v1OpStep.Persona,
				})
			}
		}
	}
	return len(reasons) == 0, reasons
}

func stepIndexOf(flow *eval.Flow) map[string]eval.FlowStep {
	index := make(map[string]eval.FlowStep)
	var walk func(steps []eval.FlowStep)
	walk = func(steps []eval.FlowStep) {
		for _, s := range steps {
			index[s.StepID()] = s
			if p, ok := s.(eval.ParallelStep); ok {
				for _, b := range p.Branches {
					walk(b.Steps)
				}
			}
		}
	}
	walk(flow.Steps)
	return index
}
