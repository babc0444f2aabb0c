package eval

import (
	"fmt"
	"sort"
	"strings"
)

// VerdictSummary is a verdict rendered for the action-space surface.
type VerdictSummary struct {
	VerdictType   string `json:"verdict_type"`
	Payload       any    `json:"payload"`
	ProducingRule string `json:"producing_rule"`
	Stratum       int    `json:"stratum"`
}

// EntitySummary describes one affected entity's current position.
type EntitySummary struct {
	EntityID            string   `json:"entity_id"`
	CurrentState        string   `json:"current_state"`
	PossibleTransitions []string `json:"possible_transitions"`
}

// Action is one flow executable by the persona right now.
type Action struct {
	FlowID           string              `json:"flow_id"`
	PersonaID        string              `json:"persona_id"`
	EntryOperationID string              `json:"entry_operation_id"`
	EnablingVerdicts []VerdictSummary    `json:"enabling_verdicts"`
	AffectedEntities []EntitySummary     `json:"affected_entities"`
	Description      string              `json:"description"`
	InstanceBindings map[string][]string `json:"instance_bindings"`
}

// BlockedReasonKind enumerates why an action is blocked.
type BlockedReasonKind string

const (
	BlockedPersonaNotAuthorized   BlockedReasonKind = "PersonaNotAuthorized"
	BlockedPreconditionNotMet     BlockedReasonKind = "PreconditionNotMet"
	BlockedEntityNotInSourceState BlockedReasonKind = "EntityNotInSourceState"
)

// BlockedReason explains a blocked action.
type BlockedReason struct {
	Kind            BlockedReasonKind `json:"type"`
	MissingVerdicts []string          `json:"missing_verdicts,omitempty"`
	EntityID        string            `json:"entity_id,omitempty"`
	CurrentState    string            `json:"current_state,omitempty"`
	RequiredState   string            `json:"required_state,omitempty"`
}

// BlockedAction is a flow that exists but is not currently executable.
type BlockedAction struct {
	FlowID           string              `json:"flow_id"`
	Reason           BlockedReason       `json:"reason"`
	InstanceBindings map[string][]string `json:"instance_bindings"`
}

// ActionSpace is everything a persona can (and cannot) do right now.
type ActionSpace struct {
	PersonaID       string           `json:"persona_id"`
	Actions         []Action         `json:"actions"`
	BlockedActions  []BlockedAction  `json:"blocked_actions"`
	CurrentVerdicts []VerdictSummary `json:"current_verdicts"`
}

// ComputeActionSpace answers "what can this persona do right now, and
// why not the rest". Pure function: no IO, no state mutation.
//
// Only flows whose entry step is an OperationStep are persona-initiable.
// The instance bindings on each action partition the live instances by
// whether their current state matches the entry operation's source
// states.
func ComputeActionSpace(
	contract *Contract,
	factsInput []byte,
	entityStates EntityStateMap,
	personaID string,
) (*ActionSpace, error) {
	facts, err := AssembleFacts(contract, factsInput)
	if err != nil {
		return nil, err
	}
	verdicts, err := EvalStrata(contract, facts)
	if err != nil {
		return nil, err
	}

	space := &ActionSpace{
		PersonaID:       personaID,
		Actions:         []Action{},
		BlockedActions:  []BlockedAction{},
		CurrentVerdicts: verdictSummaries(verdicts),
	}

	for i := range contract.Flows {
		flow := &contract.Flows[i]
		entryStep := findStep(flow, flow.Entry)
		if entryStep == nil {
			continue
		}
		opStep, ok := entryStep.(OperationStep)
		if !ok {
			continue
		}
		op, ok := contract.Operation(opStep.Op)
		if !ok {
			continue
		}

		if !op.Allows(personaID) {
			space.BlockedActions = append(space.BlockedActions, BlockedAction{
				FlowID:           flow.ID,
				Reason:           BlockedReason{Kind: BlockedPersonaNotAuthorized},
				InstanceBindings: map[string][]string{},
			})
			continue
		}

		required := VerdictRefs(op.Precondition)
		var missing []string
		for _, vt := range required {
			if !verdicts.Has(vt) {
				missing = append(missing, vt)
			}
		}
		if len(missing) > 0 {
			space.BlockedActions = append(space.BlockedActions, BlockedAction{
				FlowID: flow.ID,
				Reason: BlockedReason{
					Kind:            BlockedPreconditionNotMet,
					MissingVerdicts: missing,
				},
				InstanceBindings: map[string][]string{},
			})
			continue
		}

		validBindings, blocked := partitionInstances(op, entityStates)
		if blocked != nil {
			blocked.FlowID = flow.ID
			space.BlockedActions = append(space.BlockedActions, *blocked)
			continue
		}

		space.Actions = append(space.Actions, Action{
			FlowID:           flow.ID,
			PersonaID:        personaID,
			EntryOperationID: op.ID,
			EnablingVerdicts: enablingVerdicts(required, verdicts),
			AffectedEntities: affectedEntities(contract, op, entityStates, validBindings),
			Description:      actionDescription(flow.ID, op),
			InstanceBindings: validBindings,
		})
	}

	return space, nil
}

func findStep(flow *Flow, stepID string) FlowStep {
	for _, s := range flow.Steps {
		if s.StepID() == stepID {
			return s
		}
	}
	return nil
}

// partitionInstances collects, per effect entity, the instances in the
// required source state. The action blocks if any required entity has no
// instance at all or no instance in the source state.
func partitionInstances(op *Operation, entityStates EntityStateMap) (map[string][]string, *BlockedAction) {
	valid := make(map[string][]string)

	for _, effect := range op.Effects {
		var validInstances, blockingInstances []string
		var anyState string
		for key, state := range entityStates {
			if key.EntityID != effect.EntityID {
				continue
			}
			if state == effect.From {
				validInstances = append(validInstances, key.InstanceID)
			} else {
				blockingInstances = append(blockingInstances, key.InstanceID)
				anyState = state
			}
		}
		sort.Strings(validInstances)
		sort.Strings(blockingInstances)

		if len(validInstances) == 0 && len(blockingInstances) == 0 {
			return nil, &BlockedAction{
				Reason: BlockedReason{
					Kind:          BlockedEntityNotInSourceState,
					EntityID:      effect.EntityID,
					CurrentState:  "(unknown)",
					RequiredState: effect.From,
				},
				InstanceBindings: map[string][]string{
					effect.EntityID: {DefaultInstanceID},
				},
			}
		}
		if len(validInstances) == 0 {
			return nil, &BlockedAction{
				Reason: BlockedReason{
					Kind:          BlockedEntityNotInSourceState,
					EntityID:      effect.EntityID,
					CurrentState:  anyState,
					RequiredState: effect.From,
				},
				InstanceBindings: map[string][]string{
					effect.EntityID: blockingInstances,
				},
			}
		}
		valid[effect.EntityID] = validInstances
	}
	return valid, nil
}

func verdictSummaries(verdicts *VerdictSet) []VerdictSummary {
	out := make([]VerdictSummary, 0, verdicts.Len())
	for _, v := range verdicts.All() {
		out = append(out, VerdictSummary{
			VerdictType:   v.VerdictType,
			Payload:       v.Payload.JSON(),
			ProducingRule: v.Provenance.RuleID,
			Stratum:       v.Provenance.Stratum,
		})
	}
	return out
}

func enablingVerdicts(required []string, verdicts *VerdictSet) []VerdictSummary {
	out := make([]VerdictSummary, 0, len(required))
	for _, vt := range required {
		if v, ok := verdicts.Get(vt); ok {
			out = append(out, VerdictSummary{
				VerdictType:   v.VerdictType,
				Payload:       v.Payload.JSON(),
				ProducingRule: v.Provenance.RuleID,
				Stratum:       v.Provenance.Stratum,
			})
		}
	}
	return out
}

func affectedEntities(contract *Contract, op *Operation, entityStates EntityStateMap, validBindings map[string][]string) []EntitySummary {
	out := make([]EntitySummary, 0, len(op.Effects))
	for _, effect := range op.Effects {
		instanceID := DefaultInstanceID
		if instances := validBindings[effect.EntityID]; len(instances) > 0 {
			instanceID = instances[0]
		}
		currentState, ok := entityStates[InstanceKey{EntityID: effect.EntityID, InstanceID: instanceID}]
		if !ok {
			currentState = "(unknown)"
		}
		var transitions []string
		if entity, ok := contract.Entity(effect.EntityID); ok {
			for _, t := range entity.Transitions {
				if t.From == currentState {
					transitions = append(transitions, t.To)
				}
			}
		}
		out = append(out, EntitySummary{
			EntityID:            effect.EntityID,
			CurrentState:        currentState,
			PossibleTransitions: transitions,
		})
	}
	return out
}

func actionDescription(flowID string, op *Operation) string {
	if len(op.Effects) == 0 {
		return fmt.Sprintf("Execute %s: %s", flowID, op.ID)
	}
	transitions := make([]string, 0, len(op.Effects))
	for _, e := range op.Effects {
		transitions = append(transitions, fmt.Sprintf("%s from %s to %s", e.EntityID, e.From, e.To))
	}
	return fmt.Sprintf("Execute %s: %s transitions %s", flowID, op.ID, strings.Join(transitions, ", "))
}
