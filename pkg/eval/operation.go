package eval

// DefaultInstanceID is the sentinel instance id for the single-instance
// degenerate case.
const DefaultInstanceID = "_default"

// InstanceKey identifies one runtime entity instance.
type InstanceKey struct {
	EntityID   string
	InstanceID string
}

// EntityStateMap maps (entity, instance) to the instance's current state.
// A missing key means the instance does not exist.
type EntityStateMap map[InstanceKey]string

// Clone returns an independent copy of the state map.
func (m EntityStateMap) Clone() EntityStateMap {
	out := make(EntityStateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SingleInstance builds a state map where each entity has one `_default`
// instance in the given state.
func SingleInstance(states map[string]string) EntityStateMap {
	out := make(EntityStateMap, len(states))
	for entityID, state := range states {
		out[InstanceKey{EntityID: entityID, InstanceID: DefaultInstanceID}] = state
	}
	return out
}

// InitEntityStates creates a `_default` instance per contract entity in
// its declared initial state.
func InitEntityStates(contract *Contract) EntityStateMap {
	out := make(EntityStateMap, len(contract.Entities))
	for _, e := range contract.Entities {
		out[InstanceKey{EntityID: e.ID, InstanceID: DefaultInstanceID}] = e.Initial
	}
	return out
}

// InstanceBindingMap maps entity ids to the instance an execution should
// target. Entities absent from the map fall back to DefaultInstanceID.
type InstanceBindingMap map[string]string

// ResolveInstanceID looks up the bound instance for an entity.
func (b InstanceBindingMap) ResolveInstanceID(entityID string) string {
	if id, ok := b[entityID]; ok {
		return id
	}
	return DefaultInstanceID
}

// Clone returns an independent copy of the binding map.
func (b InstanceBindingMap) Clone() InstanceBindingMap {
	out := make(InstanceBindingMap, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// EffectRecord is one applied entity state transition.
type EffectRecord struct {
	EntityID   string `json:"entity_id"`
	InstanceID string `json:"instance_id"`
	FromState  string `json:"from_state"`
	ToState    string `json:"to_state"`
}

// InstanceStateSnapshot captures one instance's state before and after an
// operation.
type InstanceStateSnapshot struct {
	EntityID    string `json:"entity_id"`
	InstanceID  string `json:"instance_id"`
	StateBefore string `json:"state_before"`
	StateAfter  string `json:"state_after"`
}

// OperationProvenance records how an operation execution changed the
// world: the ordered effects, the instance bindings used, and the
// per-instance before/after states.
type OperationProvenance struct {
	OperationID     string                  `json:"operation_id"`
	Persona         string                  `json:"persona"`
	Effects         []EffectRecord          `json:"effects"`
	InstanceBinding InstanceBindingMap      `json:"instance_binding"`
	StateSnapshots  []InstanceStateSnapshot `json:"state_snapshots"`
	FactsUsed       []string                `json:"facts_used"`
	VerdictsUsed    []string                `json:"verdicts_used"`
}

// OperationResult is the outcome of a successful execution.
type OperationResult struct {
	Outcome        string
	EffectsApplied []EffectRecord
	Provenance     OperationProvenance
}

// ExecuteOperation runs an operation against the current state:
// persona check, precondition, effects in declared order, then outcome
// determination. On any error the state map is left exactly as it was.
func ExecuteOperation(
	op *Operation,
	persona string,
	facts FactSet,
	verdicts *VerdictSet,
	entityStates EntityStateMap,
	bindings InstanceBindingMap,
) (*OperationResult, error) {
	if !op.Allows(persona) {
		return nil, &PersonaRejectedError{OperationID: op.ID, Persona: persona}
	}

	collector := NewCollector()
	guard, err := EvalPredicate(op.Precondition, facts, verdicts, NewContext(), collector)
	if err != nil {
		return nil, err
	}
	hold, err := AsBool(guard)
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, &PreconditionFailedError{
			OperationID: op.ID,
			Reason:      "precondition evaluated to false",
		}
	}

	// Validate every effect before applying any, so a failed effect list
	// leaves the map untouched (atomic per operation).
	type plannedEffect struct {
		key  InstanceKey
		from string
		to   string
	}
	planned := make([]plannedEffect, 0, len(op.Effects))
	staged := make(map[InstanceKey]string)
	for _, effect := range op.Effects {
		key := InstanceKey{
			EntityID:   effect.EntityID,
			InstanceID: bindings.ResolveInstanceID(effect.EntityID),
		}
		current, ok := staged[key]
		if !ok {
			current, ok = entityStates[key]
			if !ok {
				return nil, &EntityNotFoundError{EntityID: key.EntityID, InstanceID: key.InstanceID}
			}
		}
		if current != effect.From {
			return nil, &InvalidEntityStateError{
				EntityID:   key.EntityID,
				InstanceID: key.InstanceID,
				Expected:   effect.From,
				Actual:     current,
			}
		}
		staged[key] = effect.To
		planned = append(planned, plannedEffect{key: key, from: effect.From, to: effect.To})
	}

	effectsApplied := make([]EffectRecord, 0, len(planned))
	snapshots := make([]InstanceStateSnapshot, 0, len(planned))
	var outcomeFromEffects string
	for i, p := range planned {
		entityStates[p.key] = p.to
		effectsApplied = append(effectsApplied, EffectRecord{
			EntityID:   p.key.EntityID,
			InstanceID: p.key.InstanceID,
			FromState:  p.from,
			ToState:    p.to,
		})
		snapshots = append(snapshots, InstanceStateSnapshot{
			EntityID:    p.key.EntityID,
			InstanceID:  p.key.InstanceID,
			StateBefore: p.from,
			StateAfter:  p.to,
		})
		if tag := op.Effects[i].Outcome; tag != "" {
			outcomeFromEffects = tag
		}
	}

	var outcome string
	switch {
	case outcomeFromEffects != "":
		outcome = outcomeFromEffects
	case len(op.Outcomes) == 1:
		outcome = op.Outcomes[0]
	case len(op.Outcomes) > 1:
		// Multi-outcome operations require an effect-to-outcome mapping.
		// Nothing has an outcome tag here, so the contract is wrong; the
		// applied effects are rolled back to keep the error path pure.
		for i := len(planned) - 1; i >= 0; i-- {
			entityStates[planned[i].key] = planned[i].from
		}
		return nil, &PreconditionFailedError{
			OperationID: op.ID,
			Reason:      "multi-outcome operation has no effect-to-outcome mapping",
		}
	default:
		outcome = "success"
	}

	usedBindings := make(InstanceBindingMap, len(planned))
	for _, p := range planned {
		usedBindings[p.key.EntityID] = p.key.InstanceID
	}

	return &OperationResult{
		Outcome:        outcome,
		EffectsApplied: effectsApplied,
		Provenance: OperationProvenance{
			OperationID:     op.ID,
			Persona:         persona,
			Effects:         effectsApplied,
			InstanceBinding: usedBindings,
			StateSnapshots:  snapshots,
			FactsUsed:       collector.FactsUsed,
			VerdictsUsed:    collector.VerdictsUsed,
		},
	}, nil
}
