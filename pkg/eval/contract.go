package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
	"github.com/riverline-labs/tenor/core/pkg/interchange"
)

// FactDecl is a loaded fact declaration.
type FactDecl struct {
	ID      string
	Type    TypeSpec
	Source  string
	Default Value // nil when no default is declared
}

// Entity is a loaded entity declaration.
type Entity struct {
	ID          string
	States      []string
	Initial     string
	Transitions []interchange.Transition
	Parent      string
}

// HasState reports whether the entity declares the given state.
func (e *Entity) HasState(state string) bool {
	for _, s := range e.States {
		if s == state {
			return true
		}
	}
	return false
}

// HasTransition reports whether (from, to) is a declared transition.
func (e *Entity) HasTransition(from, to string) bool {
	for _, t := range e.Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Rule is a loaded rule: a guard predicate and a verdict production.
type Rule struct {
	ID          string
	Stratum     int
	When        Predicate
	VerdictType string
	PayloadType TypeSpec
	Payload     Predicate
}

// Operation is a loaded operation.
type Operation struct {
	ID              string
	AllowedPersonas []string
	Precondition    Predicate
	Effects         []interchange.Effect
	Outcomes        []string
	ErrorContract   []string
}

// Allows reports whether the persona may execute this operation.
func (o *Operation) Allows(persona string) bool {
	for _, p := range o.AllowedPersonas {
		if p == persona {
			return true
		}
	}
	return false
}

// StepTarget is where control goes after a step: another step, or a
// terminal outcome.
type StepTarget interface {
	isStepTarget()
}

// StepRef continues at the named step.
type StepRef string

// Terminal returns the named outcome from the flow.
type Terminal struct {
	Outcome string
}

func (StepRef) isStepTarget()  {}
func (Terminal) isStepTarget() {}

// FailureHandler is what a step does when its operation or sub-flow
// fails.
type FailureHandler interface {
	isFailureHandler()
}

// Terminate ends the flow with the given outcome.
type Terminate struct {
	Outcome string
}

// CompensationStep is one operation run during compensation.
type CompensationStep struct {
	Op        string
	Persona   string
	OnFailure StepTarget
}

// Compensate runs compensation operations, then routes to Then.
type Compensate struct {
	Steps []CompensationStep
	Then  StepTarget
}

// Escalate transfers to another persona and continues at Next.
type Escalate struct {
	ToPersona string
	Next      string
}

func (Terminate) isFailureHandler()  {}
func (Compensate) isFailureHandler() {}
func (Escalate) isFailureHandler()   {}

// FlowStep is one node of a flow's step graph.
type FlowStep interface {
	isFlowStep()
	StepID() string
}

// OperationStep executes an operation and routes by outcome.
type OperationStep struct {
	ID        string
	Op        string
	Persona   string
	Outcomes  map[string]StepTarget
	OnFailure FailureHandler
}

// BranchStep routes on a condition evaluated against the snapshot.
type BranchStep struct {
	ID        string
	Condition Predicate
	Persona   string
	IfTrue    StepTarget
	IfFalse   StepTarget
}

// HandoffStep records a persona transfer.
type HandoffStep struct {
	ID          string
	FromPersona string
	ToPersona   string
	Next        string
}

// SubFlowStep executes another flow against the same snapshot.
type SubFlowStep struct {
	ID        string
	Flow      string
	Persona   string
	OnSuccess StepTarget
	OnFailure FailureHandler
}

// ParallelBranch is one branch of a parallel step.
type ParallelBranch struct {
	ID    string
	Entry string
	Steps []FlowStep
}

// JoinPolicy selects the route after all parallel branches complete.
type JoinPolicy struct {
	OnAllSuccess  StepTarget     // nil when unset
	OnAnyFailure  FailureHandler // nil when unset
	OnAllComplete StepTarget     // nil when unset
}

// ParallelStep runs branches against cloned entity state and joins.
type ParallelStep struct {
	ID       string
	Branches []ParallelBranch
	Join     JoinPolicy
}

func (s OperationStep) isFlowStep() {}
func (s BranchStep) isFlowStep()    {}
func (s HandoffStep) isFlowStep()   {}
func (s SubFlowStep) isFlowStep()   {}
func (s ParallelStep) isFlowStep()  {}

func (s OperationStep) StepID() string { return s.ID }
func (s BranchStep) StepID() string    { return s.ID }
func (s HandoffStep) StepID() string   { return s.ID }
func (s SubFlowStep) StepID() string   { return s.ID }
func (s ParallelStep) StepID() string  { return s.ID }

// Flow is a loaded flow.
type Flow struct {
	ID       string
	Snapshot string
	Entry    string
	Steps    []FlowStep
}

// Contract is a loaded, indexed, typed in-memory representation of one
// interchange bundle.
type Contract struct {
	BundleID     string
	TenorVersion string

	Facts      []FactDecl
	Entities   []Entity
	Personas   []string
	Rules      []Rule // sorted by (stratum, id)
	Operations []Operation
	Flows      []Flow
	Sources    []interchange.Source
	Systems    []interchange.System

	factIndex   map[string]int
	entityIndex map[string]int
	opIndex     map[string]int
	flowIndex   map[string]int

	typeDecls map[string]TypeSpec
}

// Fact returns the fact declaration by id.
func (c *Contract) Fact(id string) (*FactDecl, bool) {
	i, ok := c.factIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Facts[i], true
}

// Entity returns the entity declaration by id.
func (c *Contract) Entity(id string) (*Entity, bool) {
	i, ok := c.entityIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Entities[i], true
}

// Operation returns the operation by id.
func (c *Contract) Operation(id string) (*Operation, bool) {
	i, ok := c.opIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Operations[i], true
}

// Flow returns the flow by id.
func (c *Contract) Flow(id string) (*Flow, bool) {
	i, ok := c.flowIndex[id]
	if !ok {
		return nil, false
	}
	return &c.Flows[i], true
}

// Strata returns the distinct strata present, ascending.
func (c *Contract) Strata() []int {
	seen := make(map[int]bool)
	var strata []int
	for _, r := range c.Rules {
		if !seen[r.Stratum] {
			seen[r.Stratum] = true
			strata = append(strata, r.Stratum)
		}
	}
	sort.Ints(strata)
	return strata
}

// RulesAt returns the rules at one stratum, in rule-id order.
func (c *Contract) RulesAt(stratum int) []Rule {
	var out []Rule
	for _, r := range c.Rules {
		if r.Stratum == stratum {
			out = append(out, r)
		}
	}
	return out
}

// NewContract assembles a contract from already-built parts and indexes
// it. Rules are sorted into (stratum, id) order. Hosts normally load
// contracts from interchange bundles; this constructor serves embedded
// and test uses.
func NewContract(facts []FactDecl, entities []Entity, personas []string, rules []Rule, operations []Operation, flows []Flow) *Contract {
	c := &Contract{
		Facts:       facts,
		Entities:    entities,
		Personas:    personas,
		Rules:       append([]Rule(nil), rules...),
		Operations:  operations,
		Flows:       flows,
		factIndex:   make(map[string]int, len(facts)),
		entityIndex: make(map[string]int, len(entities)),
		opIndex:     make(map[string]int, len(operations)),
		flowIndex:   make(map[string]int, len(flows)),
		typeDecls:   make(map[string]TypeSpec),
	}
	for i := range facts {
		c.factIndex[facts[i].ID] = i
	}
	for i := range entities {
		c.entityIndex[entities[i].ID] = i
	}
	for i := range operations {
		c.opIndex[operations[i].ID] = i
	}
	for i := range flows {
		c.flowIndex[flows[i].ID] = i
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		if c.Rules[i].Stratum != c.Rules[j].Stratum {
			return c.Rules[i].Stratum < c.Rules[j].Stratum
		}
		return c.Rules[i].ID < c.Rules[j].ID
	})
	return c
}

// LoadContract turns a decoded interchange bundle into an indexed,
// evaluation-ready Contract: predicates and rule bodies decoded into the
// AST, TypeRefs resolved, rules grouped by stratum.
func LoadContract(b *interchange.Bundle) (*Contract, error) {
	c := &Contract{
		BundleID:     b.ID,
		TenorVersion: b.TenorVersion,
		factIndex:    make(map[string]int),
		entityIndex:  make(map[string]int),
		opIndex:      make(map[string]int),
		flowIndex:    make(map[string]int),
		typeDecls:    make(map[string]TypeSpec),
	}

	// TypeDecls first so TypeRefs can resolve while decoding facts.
	for _, construct := range b.Constructs {
		if construct.TypeDecl == nil {
			continue
		}
		ts, err := decodeTypeSpec(construct.TypeDecl.Type)
		if err != nil {
			return nil, &StructureError{
				Message: fmt.Sprintf("type declaration '%s': %v", construct.TypeDecl.ID, err),
			}
		}
		c.typeDecls[construct.TypeDecl.ID] = ts
	}

	for _, construct := range b.Constructs {
		switch {
		case construct.Fact != nil:
			fd, err := c.loadFact(construct.Fact)
			if err != nil {
				return nil, err
			}
			c.factIndex[fd.ID] = len(c.Facts)
			c.Facts = append(c.Facts, fd)

		case construct.Entity != nil:
			e := construct.Entity
			c.entityIndex[e.ID] = len(c.Entities)
			c.Entities = append(c.Entities, Entity{
				ID:          e.ID,
				States:      e.States,
				Initial:     e.Initial,
				Transitions: e.Transitions,
				Parent:      e.Parent,
			})

		case construct.Persona != nil:
			c.Personas = append(c.Personas, construct.Persona.ID)

		case construct.Rule != nil:
			r, err := c.loadRule(construct.Rule)
			if err != nil {
				return nil, err
			}
			c.Rules = append(c.Rules, r)

		case construct.Operation != nil:
			op, err := c.loadOperation(construct.Operation)
			if err != nil {
				return nil, err
			}
			c.opIndex[op.ID] = len(c.Operations)
			c.Operations = append(c.Operations, op)

		case construct.Flow != nil:
			fl, err := c.loadFlow(construct.Flow)
			if err != nil {
				return nil, err
			}
			c.flowIndex[fl.ID] = len(c.Flows)
			c.Flows = append(c.Flows, fl)

		case construct.Source != nil:
			c.Sources = append(c.Sources, *construct.Source)

		case construct.System != nil:
			c.Systems = append(c.Systems, *construct.System)
		}
	}

	sort.SliceStable(c.Rules, func(i, j int) bool {
		if c.Rules[i].Stratum != c.Rules[j].Stratum {
			return c.Rules[i].Stratum < c.Rules[j].Stratum
		}
		return c.Rules[i].ID < c.Rules[j].ID
	})

	return c, nil
}

func (c *Contract) loadFact(f *interchange.Fact) (FactDecl, error) {
	ts, err := decodeTypeSpec(f.Type)
	if err != nil {
		return FactDecl{}, &StructureError{Message: fmt.Sprintf("fact '%s': %v", f.ID, err)}
	}
	ts = c.resolveTypeRef(ts)

	fd := FactDecl{ID: f.ID, Type: ts, Source: sourceDesignator(f.Source)}
	if len(f.Default) > 0 {
		v, err := decodeValueJSON(f.Default, &ts)
		if err != nil {
			return FactDecl{}, &StructureError{
				Message: fmt.Sprintf("fact '%s' default: %v", f.ID, err),
			}
		}
		fd.Default = v
	}
	return fd, nil
}

func sourceDesignator(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		System string `json:"system"`
		Field  string `json:"field"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.System != "" {
		return obj.System + "." + obj.Field
	}
	return ""
}

func (c *Contract) loadRule(r *interchange.Rule) (Rule, error) {
	var body struct {
		When    json.RawMessage `json:"when"`
		Produce struct {
			VerdictType string          `json:"verdict_type"`
			Payload     json.RawMessage `json:"payload"`
		} `json:"produce"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s': invalid body: %v", r.ID, err)}
	}
	if body.Produce.VerdictType == "" {
		return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s': body missing produce.verdict_type", r.ID)}
	}

	when, err := c.decodePredicate(body.When)
	if err != nil {
		return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s' when: %v", r.ID, err)}
	}

	var payload struct {
		Type  json.RawMessage `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	payloadType := BoolType()
	var payloadPred Predicate = Literal{Value: BoolValue(true), Type: BoolType()}
	if len(body.Produce.Payload) > 0 {
		if err := json.Unmarshal(body.Produce.Payload, &payload); err != nil {
			return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s': invalid payload: %v", r.ID, err)}
		}
		if len(payload.Type) > 0 {
			payloadType, err = decodeTypeSpec(payload.Type)
			if err != nil {
				return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s' payload type: %v", r.ID, err)}
			}
			payloadType = c.resolveTypeRef(payloadType)
		}
		if len(payload.Value) > 0 {
			payloadPred, err = c.decodePayloadTerm(payload.Value, payloadType)
			if err != nil {
				return Rule{}, &StructureError{Message: fmt.Sprintf("rule '%s' payload: %v", r.ID, err)}
			}
		}
	}

	return Rule{
		ID:          r.ID,
		Stratum:     r.Stratum,
		When:        when,
		VerdictType: body.Produce.VerdictType,
		PayloadType: payloadType,
		Payload:     payloadPred,
	}, nil
}

// decodePayloadTerm decodes a payload value, which is either a literal
// scalar or a term expression (fact ref, multiplication).
func (c *Contract) decodePayloadTerm(raw json.RawMessage, ts TypeSpec) (Predicate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, hasOp := probe["op"]; hasOp {
				return c.decodePredicate(raw)
			}
			if _, hasRef := probe["fact_ref"]; hasRef {
				return c.decodePredicate(raw)
			}
		}
	}
	v, err := decodeValueJSON(raw, &ts)
	if err != nil {
		return nil, err
	}
	return Literal{Value: v, Type: ts}, nil
}

func (c *Contract) loadOperation(op *interchange.Operation) (Operation, error) {
	precondition := TrueLiteral()
	if len(op.Precondition) > 0 {
		var err error
		precondition, err = c.decodePredicate(op.Precondition)
		if err != nil {
			return Operation{}, &StructureError{
				Message: fmt.Sprintf("operation '%s' precondition: %v", op.ID, err),
			}
		}
	}
	return Operation{
		ID:              op.ID,
		AllowedPersonas: op.AllowedPersonas,
		Precondition:    precondition,
		Effects:         op.Effects,
		Outcomes:        op.Outcomes,
		ErrorContract:   op.ErrorContract,
	}, nil
}

func (c *Contract) loadFlow(f *interchange.Flow) (Flow, error) {
	fl := Flow{ID: f.ID, Snapshot: f.Snapshot, Entry: f.Entry}
	for _, rawStep := range f.Steps {
		step, err := c.decodeFlowStep(rawStep)
		if err != nil {
			return Flow{}, &StructureError{Message: fmt.Sprintf("flow '%s': %v", f.ID, err)}
		}
		fl.Steps = append(fl.Steps, step)
	}
	return fl, nil
}

func (c *Contract) decodeFlowStep(raw json.RawMessage) (FlowStep, error) {
	var head struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid step: %w", err)
	}
	switch head.Kind {
	case "OperationStep":
		var s struct {
			ID        string                     `json:"id"`
			Op        string                     `json:"op"`
			Persona   string                     `json:"persona"`
			Outcomes  map[string]json.RawMessage `json:"outcomes"`
			OnFailure json.RawMessage            `json:"on_failure"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		outcomes := make(map[string]StepTarget, len(s.Outcomes))
		for outcome, rawTarget := range s.Outcomes {
			t, err := decodeStepTarget(rawTarget)
			if err != nil {
				return nil, fmt.Errorf("step '%s' outcome '%s': %w", head.ID, outcome, err)
			}
			outcomes[outcome] = t
		}
		handler, err := decodeFailureHandler(s.OnFailure)
		if err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		return OperationStep{ID: s.ID, Op: s.Op, Persona: s.Persona, Outcomes: outcomes, OnFailure: handler}, nil

	case "BranchStep":
		var s struct {
			ID        string          `json:"id"`
			Condition json.RawMessage `json:"condition"`
			Persona   string          `json:"persona"`
			IfTrue    json.RawMessage `json:"if_true"`
			IfFalse   json.RawMessage `json:"if_false"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		cond, err := c.decodePredicate(s.Condition)
		if err != nil {
			return nil, fmt.Errorf("step '%s' condition: %w", head.ID, err)
		}
		ifTrue, err := decodeStepTarget(s.IfTrue)
		if err != nil {
			return nil, fmt.Errorf("step '%s' if_true: %w", head.ID, err)
		}
		ifFalse, err := decodeStepTarget(s.IfFalse)
		if err != nil {
			return nil, fmt.Errorf("step '%s' if_false: %w", head.ID, err)
		}
		return BranchStep{ID: s.ID, Condition: cond, Persona: s.Persona, IfTrue: ifTrue, IfFalse: ifFalse}, nil

	case "HandoffStep":
		var s struct {
			ID          string `json:"id"`
			FromPersona string `json:"from_persona"`
			ToPersona   string `json:"to_persona"`
			Next        string `json:"next"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		return HandoffStep{ID: s.ID, FromPersona: s.FromPersona, ToPersona: s.ToPersona, Next: s.Next}, nil

	case "SubFlowStep":
		var s struct {
			ID        string          `json:"id"`
			Flow      string          `json:"flow"`
			Persona   string          `json:"persona"`
			OnSuccess json.RawMessage `json:"on_success"`
			OnFailure json.RawMessage `json:"on_failure"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		onSuccess, err := decodeStepTarget(s.OnSuccess)
		if err != nil {
			return nil, fmt.Errorf("step '%s' on_success: %w", head.ID, err)
		}
		handler, err := decodeFailureHandler(s.OnFailure)
		if err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		return SubFlowStep{ID: s.ID, Flow: s.Flow, Persona: s.Persona, OnSuccess: onSuccess, OnFailure: handler}, nil

	case "ParallelStep":
		var s struct {
			ID       string `json:"id"`
			Branches []struct {
				ID    string            `json:"id"`
				Entry string            `json:"entry"`
				Steps []json.RawMessage `json:"steps"`
			} `json:"branches"`
			Join struct {
				OnAllSuccess  json.RawMessage `json:"on_all_success"`
				OnAnyFailure  json.RawMessage `json:"on_any_failure"`
				OnAllComplete json.RawMessage `json:"on_all_complete"`
			} `json:"join"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("step '%s': %w", head.ID, err)
		}
		step := ParallelStep{ID: s.ID}
		for _, b := range s.Branches {
			branch := ParallelBranch{ID: b.ID, Entry: b.Entry}
			for _, rawInner := range b.Steps {
				inner, err := c.decodeFlowStep(rawInner)
				if err != nil {
					return nil, fmt.Errorf("branch '%s': %w", b.ID, err)
				}
				branch.Steps = append(branch.Steps, inner)
			}
			step.Branches = append(step.Branches, branch)
		}
		if len(s.Join.OnAllSuccess) > 0 {
			t, err := decodeStepTarget(s.Join.OnAllSuccess)
			if err != nil {
				return nil, fmt.Errorf("step '%s' join: %w", head.ID, err)
			}
			step.Join.OnAllSuccess = t
		}
		if len(s.Join.OnAnyFailure) > 0 {
			h, err := decodeFailureHandler(s.Join.OnAnyFailure)
			if err != nil {
				return nil, fmt.Errorf("step '%s' join: %w", head.ID, err)
			}
			step.Join.OnAnyFailure = h
		}
		if len(s.Join.OnAllComplete) > 0 {
			t, err := decodeStepTarget(s.Join.OnAllComplete)
			if err != nil {
				return nil, fmt.Errorf("step '%s' join: %w", head.ID, err)
			}
			step.Join.OnAllComplete = t
		}
		return step, nil
	}
	return nil, fmt.Errorf("unknown step kind %q", head.Kind)
}

func decodeStepTarget(raw json.RawMessage) (StepTarget, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("missing step target")
	}
	if trimmed[0] == '"' {
		var ref string
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return nil, fmt.Errorf("invalid step target: %w", err)
		}
		return StepRef(ref), nil
	}
	var obj struct {
		Kind    string `json:"kind"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("invalid step target: %w", err)
	}
	if obj.Kind != "Terminal" {
		return nil, fmt.Errorf("unknown step target kind %q", obj.Kind)
	}
	return Terminal{Outcome: obj.Outcome}, nil
}

func decodeFailureHandler(raw json.RawMessage) (FailureHandler, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		// A step without an explicit handler terminates with "failure".
		return Terminate{Outcome: "failure"}, nil
	}
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("invalid failure handler: %w", err)
	}
	switch head.Kind {
	case "Terminate":
		var h struct {
			Outcome string `json:"outcome"`
		}
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return nil, err
		}
		return Terminate{Outcome: h.Outcome}, nil
	case "Compensate":
		var h struct {
			Steps []struct {
				Op        string          `json:"op"`
				Persona   string          `json:"persona"`
				OnFailure json.RawMessage `json:"on_failure"`
			} `json:"steps"`
			Then json.RawMessage `json:"then"`
		}
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return nil, err
		}
		comp := Compensate{}
		for _, s := range h.Steps {
			cs := CompensationStep{Op: s.Op, Persona: s.Persona}
			if len(s.OnFailure) > 0 {
				t, err := decodeStepTarget(s.OnFailure)
				if err != nil {
					return nil, fmt.Errorf("compensation step '%s': %w", s.Op, err)
				}
				cs.OnFailure = t
			} else {
				cs.OnFailure = Terminal{Outcome: "compensation_failed"}
			}
			comp.Steps = append(comp.Steps, cs)
		}
		then, err := decodeStepTarget(h.Then)
		if err != nil {
			return nil, fmt.Errorf("compensate then: %w", err)
		}
		comp.Then = then
		return comp, nil
	case "Escalate":
		var h struct {
			ToPersona string `json:"to_persona"`
			Next      string `json:"next"`
		}
		if err := json.Unmarshal(trimmed, &h); err != nil {
			return nil, err
		}
		return Escalate{ToPersona: h.ToPersona, Next: h.Next}, nil
	}
	return nil, fmt.Errorf("unknown failure handler kind %q", head.Kind)
}

// resolveTypeRef substitutes declared types for TypeRef nodes, including
// nested element and field types.
func (c *Contract) resolveTypeRef(ts TypeSpec) TypeSpec {
	return c.resolveTypeRefDepth(ts, 0)
}

func (c *Contract) resolveTypeRefDepth(ts TypeSpec, depth int) TypeSpec {
	if depth > 16 {
		return ts
	}
	if ts.Base == "TypeRef" {
		if resolved, ok := c.typeDecls[ts.RefID]; ok {
			return c.resolveTypeRefDepth(resolved, depth+1)
		}
		return ts
	}
	if ts.ElementType != nil {
		elem := c.resolveTypeRefDepth(*ts.ElementType, depth+1)
		ts.ElementType = &elem
	}
	if len(ts.Fields) > 0 {
		fields := make(map[string]TypeSpec, len(ts.Fields))
		for k, fts := range ts.Fields {
			fields[k] = c.resolveTypeRefDepth(fts, depth+1)
		}
		ts.Fields = fields
	}
	return ts
}

func decodeTypeSpec(raw json.RawMessage) (TypeSpec, error) {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return TypeSpec{}, fmt.Errorf("missing type")
	}
	var ts TypeSpec
	if err := json.Unmarshal(raw, &ts); err != nil {
		return TypeSpec{}, fmt.Errorf("invalid type: %w", err)
	}
	if ts.Base == "" {
		return TypeSpec{}, fmt.Errorf("type missing 'base'")
	}
	return ts, nil
}

// decodePredicate decodes serialized predicate JSON into the AST.
func (c *Contract) decodePredicate(raw json.RawMessage) (Predicate, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return TrueLiteral(), nil
	}
	if trimmed[0] == 't' || trimmed[0] == 'f' {
		var b bool
		if err := json.Unmarshal(trimmed, &b); err == nil {
			return Literal{Value: BoolValue(b), Type: BoolType()}, nil
		}
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("invalid predicate: %s", string(trimmed))
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}

	if raw, ok := obj["fact_ref"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("invalid fact_ref: %w", err)
		}
		return FactRef{ID: id}, nil
	}

	if raw, ok := obj["field_ref"]; ok {
		var fr struct {
			Var   string `json:"var"`
			Field string `json:"field"`
		}
		if err := json.Unmarshal(raw, &fr); err != nil {
			return nil, fmt.Errorf("invalid field_ref: %w", err)
		}
		return FieldRef{Var: fr.Var, Field: fr.Field}, nil
	}

	if raw, ok := obj["verdict_present"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("invalid verdict_present: %w", err)
		}
		return VerdictPresent{ID: id}, nil
	}

	if rawQ, ok := obj["quantifier"]; ok {
		var quantifier string
		if err := json.Unmarshal(rawQ, &quantifier); err != nil {
			return nil, fmt.Errorf("invalid quantifier: %w", err)
		}
		var variable string
		if raw, ok := obj["variable"]; ok {
			_ = json.Unmarshal(raw, &variable)
		}
		var varType *TypeSpec
		if raw, ok := obj["variable_type"]; ok {
			ts, err := decodeTypeSpec(raw)
			if err == nil {
				resolved := c.resolveTypeRef(ts)
				varType = &resolved
			}
		}
		domain, err := c.decodePredicate(obj["domain"])
		if err != nil {
			return nil, fmt.Errorf("quantifier domain: %w", err)
		}
		body, err := c.decodePredicate(obj["body"])
		if err != nil {
			return nil, fmt.Errorf("quantifier body: %w", err)
		}
		switch quantifier {
		case "forall":
			return Forall{Variable: variable, VariableType: varType, Domain: domain, Body: body}, nil
		case "exists":
			return Exists{Variable: variable, VariableType: varType, Domain: domain, Body: body}, nil
		}
		return nil, fmt.Errorf("unknown quantifier %q", quantifier)
	}

	if _, ok := obj["literal"]; ok {
		return c.decodeLiteral(obj)
	}

	if rawOp, ok := obj["op"]; ok {
		var op string
		if err := json.Unmarshal(rawOp, &op); err != nil {
			return nil, fmt.Errorf("invalid op: %w", err)
		}
		switch op {
		case "not":
			operand, err := c.decodePredicate(obj["operand"])
			if err != nil {
				return nil, fmt.Errorf("not operand: %w", err)
			}
			return Not{Operand: operand}, nil
		case "and", "or":
			left, err := c.decodePredicate(obj["left"])
			if err != nil {
				return nil, fmt.Errorf("%s left: %w", op, err)
			}
			right, err := c.decodePredicate(obj["right"])
			if err != nil {
				return nil, fmt.Errorf("%s right: %w", op, err)
			}
			if op == "and" {
				return And{Left: left, Right: right}, nil
			}
			return Or{Left: left, Right: right}, nil
		case "*":
			left, err := c.decodePredicate(obj["left"])
			if err != nil {
				return nil, fmt.Errorf("mul left: %w", err)
			}
			mul := Mul{Left: left}
			if raw, ok := obj["literal"]; ok {
				if err := json.Unmarshal(raw, &mul.Literal); err != nil {
					return nil, fmt.Errorf("mul literal: %w", err)
				}
			} else if raw, ok := obj["right"]; ok {
				rp, err := c.decodePredicate(raw)
				if err != nil {
					return nil, fmt.Errorf("mul right: %w", err)
				}
				lit, ok := rp.(Literal)
				if !ok {
					return nil, fmt.Errorf("mul right operand must be an integer literal")
				}
				iv, ok := lit.Value.(IntValue)
				if !ok {
					return nil, fmt.Errorf("mul right operand must be an integer literal")
				}
				mul.Literal = int64(iv)
			}
			if raw, ok := obj["result_type"]; ok {
				rt, err := decodeTypeSpec(raw)
				if err != nil {
					return nil, fmt.Errorf("mul result_type: %w", err)
				}
				mul.ResultType = c.resolveTypeRef(rt)
			} else {
				mul.ResultType = TypeSpec{Base: "Int"}
			}
			return mul, nil
		case "=", "!=", "<", "<=", ">", ">=":
			left, err := c.decodePredicate(obj["left"])
			if err != nil {
				return nil, fmt.Errorf("compare left: %w", err)
			}
			right, err := c.decodePredicate(obj["right"])
			if err != nil {
				return nil, fmt.Errorf("compare right: %w", err)
			}
			cmp := Compare{Left: left, Op: op, Right: right}
			if raw, ok := obj["comparison_type"]; ok {
				ct, err := decodeTypeSpec(raw)
				if err != nil {
					return nil, fmt.Errorf("comparison_type: %w", err)
				}
				resolved := c.resolveTypeRef(ct)
				cmp.ComparisonType = &resolved
			}
			return cmp, nil
		}
		return nil, fmt.Errorf("unknown predicate op %q", op)
	}

	// Bare comparison form without explicit op key ordering.
	if _, ok := obj["left"]; ok {
		return nil, fmt.Errorf("predicate with 'left' missing 'op'")
	}

	return nil, fmt.Errorf("unrecognized predicate node")
}

func (c *Contract) decodeLiteral(obj map[string]json.RawMessage) (Predicate, error) {
	ts := TypeSpec{}
	if raw, ok := obj["type"]; ok {
		var err error
		ts, err = decodeTypeSpec(raw)
		if err != nil {
			return nil, fmt.Errorf("literal type: %w", err)
		}
		ts = c.resolveTypeRef(ts)
	}
	var tsPtr *TypeSpec
	if ts.Base != "" {
		tsPtr = &ts
	}
	v, err := decodeValueJSON(obj["literal"], tsPtr)
	if err != nil {
		return nil, fmt.Errorf("literal value: %w", err)
	}
	if ts.Base == "" {
		ts = TypeSpec{Base: v.TypeName()}
	}
	return Literal{Value: v, Type: ts}, nil
}

// decodeValueJSON decodes a JSON-encoded value, guided by the declared
// type when one is available. Numbers are read through json.Number so
// decimal text never round-trips through float64.
func decodeValueJSON(raw json.RawMessage, ts *TypeSpec) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, fmt.Errorf("missing value")
	}

	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, err
		}
		return BoolValue(b), nil

	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return decodeStringValue(s, ts)

	case '{':
		return decodeObjectValue(trimmed, ts)

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		var elemType *TypeSpec
		if ts != nil && ts.ElementType != nil {
			elemType = ts.ElementType
		}
		list := make(ListValue, 0, len(items))
		for _, item := range items {
			v, err := decodeValueJSON(item, elemType)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil

	default:
		// Number token.
		var num json.Number
		if err := json.Unmarshal(trimmed, &num); err != nil {
			return nil, err
		}
		return decodeNumberValue(num, ts)
	}
}

func decodeStringValue(s string, ts *TypeSpec) (Value, error) {
	if ts == nil {
		return TextValue(s), nil
	}
	switch ts.Base {
	case "Enum":
		return EnumValue(s), nil
	case "Date":
		return DateValue(s), nil
	case "DateTime":
		return DateTimeValue(s), nil
	case "Decimal":
		d, err := decimal.Parse(s)
		if err != nil {
			return nil, err
		}
		return DecimalValue{D: d}, nil
	case "Money":
		return parseMoneyString(s, ts.Currency)
	}
	return TextValue(s), nil
}

func decodeNumberValue(num json.Number, ts *TypeSpec) (Value, error) {
	text := num.String()
	if ts != nil {
		switch ts.Base {
		case "Decimal":
			d, err := decimal.Parse(text)
			if err != nil {
				return nil, err
			}
			return DecimalValue{D: d}, nil
		case "Duration":
			n, err := num.Int64()
			if err != nil {
				return nil, fmt.Errorf("duration must be an integer: %w", err)
			}
			return DurationValue{Amount: n, Unit: ts.Unit}, nil
		}
	}
	if bytes.ContainsAny([]byte(text), ".eE") {
		d, err := decimal.Parse(text)
		if err != nil {
			return nil, err
		}
		return DecimalValue{D: d}, nil
	}
	n, err := num.Int64()
	if err != nil {
		return nil, fmt.Errorf("integer out of range: %w", err)
	}
	return IntValue(n), nil
}

func decodeObjectValue(trimmed []byte, ts *TypeSpec) (Value, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}

	if rawKind, ok := obj["kind"]; ok {
		var kind string
		_ = json.Unmarshal(rawKind, &kind)
		switch kind {
		case "decimal_value":
			return decodeDecimalObject(obj)
		case "money_value":
			return decodeMoneyObject(obj)
		case "bool_literal":
			var b bool
			if err := json.Unmarshal(obj["value"], &b); err != nil {
				return nil, err
			}
			return BoolValue(b), nil
		case "int_literal":
			var num json.Number
			if err := json.Unmarshal(obj["value"], &num); err != nil {
				return nil, err
			}
			n, err := num.Int64()
			if err != nil {
				return nil, err
			}
			return IntValue(n), nil
		}
	}

	// Money without the kind tag: {amount, currency}.
	if _, hasAmount := obj["amount"]; hasAmount {
		if _, hasCurrency := obj["currency"]; hasCurrency {
			return decodeMoneyObject(obj)
		}
	}

	// Record value.
	rec := make(RecordValue, len(obj))
	for field, rawField := range obj {
		var fieldType *TypeSpec
		if ts != nil {
			if fts, ok := ts.Fields[field]; ok {
				fieldType = &fts
			}
		}
		v, err := decodeValueJSON(rawField, fieldType)
		if err != nil {
			return nil, fmt.Errorf("record field '%s': %w", field, err)
		}
		rec[field] = v
	}
	return rec, nil
}

func decodeDecimalObject(obj map[string]json.RawMessage) (Value, error) {
	rawValue, ok := obj["value"]
	if !ok {
		return nil, fmt.Errorf("decimal_value missing 'value'")
	}
	var text string
	if err := json.Unmarshal(rawValue, &text); err != nil {
		var num json.Number
		if err := json.Unmarshal(rawValue, &num); err != nil {
			return nil, fmt.Errorf("decimal_value 'value' must be a string or number")
		}
		text = num.String()
	}
	d, err := decimal.Parse(text)
	if err != nil {
		return nil, err
	}
	if rawScale, ok := obj["scale"]; ok {
		var scale int
		if err := json.Unmarshal(rawScale, &scale); err == nil && scale >= d.Scale() {
			d = d.Rescale(scale)
		}
	}
	return DecimalValue{D: d}, nil
}

func decodeMoneyObject(obj map[string]json.RawMessage) (Value, error) {
	var currency string
	if raw, ok := obj["currency"]; ok {
		if err := json.Unmarshal(raw, &currency); err != nil {
			return nil, fmt.Errorf("money 'currency' must be a string")
		}
	}
	rawAmount, ok := obj["amount"]
	if !ok {
		return nil, fmt.Errorf("money missing 'amount'")
	}
	amountValue, err := decodeValueJSON(rawAmount, &TypeSpec{Base: "Decimal"})
	if err != nil {
		return nil, fmt.Errorf("money amount: %w", err)
	}
	var amount decimal.Decimal
	switch a := amountValue.(type) {
	case DecimalValue:
		amount = a.D
	case IntValue:
		amount = decimal.FromInt(int64(a))
	default:
		return nil, fmt.Errorf("money amount must be numeric")
	}
	return MoneyValue{Amount: amount.Rescale(maxInt(amount.Scale(), 2)), Currency: currency}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
