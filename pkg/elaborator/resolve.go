package elaborator

import "fmt"

// symbols is the cross-construct symbol table built by pass 2.
type symbols struct {
	facts      map[string]*FactDecl
	entities   map[string]*EntityDecl
	personas   map[string]bool
	operations map[string]*OperationDecl
	flows      map[string]*FlowDecl
	typeDecls  map[string]*TypeDeclDecl
	producers  map[string][]*RuleDecl // verdict type -> producing rules
}

func resolveErr(pos Pos, format string, args ...any) error {
	return &Error{
		Pass:    "resolve",
		Kind:    KindResolveError,
		File:    pos.File,
		Line:    pos.Line,
		Message: fmt.Sprintf(format, args...),
	}
}

// Resolve runs pass 2: builds the symbol table and checks that every
// cross-construct reference names a known id.
func Resolve(unit *SourceUnit) (*symbols, error) {
	syms := &symbols{
		facts:      make(map[string]*FactDecl),
		entities:   make(map[string]*EntityDecl),
		personas:   make(map[string]bool),
		operations: make(map[string]*OperationDecl),
		flows:      make(map[string]*FlowDecl),
		typeDecls:  make(map[string]*TypeDeclDecl),
		producers:  make(map[string][]*RuleDecl),
	}

	for i := range unit.Facts {
		f := &unit.Facts[i]
		if _, dup := syms.facts[f.ID]; dup {
			return nil, resolveErr(f.Pos, "duplicate fact '%s'", f.ID)
		}
		syms.facts[f.ID] = f
	}
	for i := range unit.Entities {
		e := &unit.Entities[i]
		if _, dup := syms.entities[e.ID]; dup {
			return nil, resolveErr(e.Pos, "duplicate entity '%s'", e.ID)
		}
		syms.entities[e.ID] = e
	}
	for i := range unit.Personas {
		syms.personas[unit.Personas[i].ID] = true
	}
	for i := range unit.Operations {
		op := &unit.Operations[i]
		if _, dup := syms.operations[op.ID]; dup {
			return nil, resolveErr(op.Pos, "duplicate operation '%s'", op.ID)
		}
		syms.operations[op.ID] = op
	}
	for i := range unit.Flows {
		fl := &unit.Flows[i]
		if _, dup := syms.flows[fl.ID]; dup {
			return nil, resolveErr(fl.Pos, "duplicate flow '%s'", fl.ID)
		}
		syms.flows[fl.ID] = fl
	}
	for i := range unit.TypeDecls {
		td := &unit.TypeDecls[i]
		syms.typeDecls[td.ID] = td
	}
	for i := range unit.Rules {
		r := &unit.Rules[i]
		syms.producers[r.VerdictType] = append(syms.producers[r.VerdictType], r)
	}

	// Entities: initial and transition endpoints must be declared states.
	for _, e := range unit.Entities {
		if !containsString(e.States, e.Initial) {
			return nil, resolveErr(e.Pos, "entity '%s': initial state '%s' not in states", e.ID, e.Initial)
		}
		for _, t := range e.Transitions {
			if !containsString(e.States, t.From) || !containsString(e.States, t.To) {
				return nil, resolveErr(e.Pos, "entity '%s': transition %s -> %s references undeclared state", e.ID, t.From, t.To)
			}
		}
		if e.Parent != "" {
			if _, ok := syms.entities[e.Parent]; !ok {
				return nil, resolveErr(e.Pos, "entity '%s': unknown parent entity '%s'", e.ID, e.Parent)
			}
		}
	}

	// Rules: fact refs in guards resolve.
	for _, r := range unit.Rules {
		if err := resolveExpr(r.When, syms, r.Pos); err != nil {
			return nil, err
		}
		if err := resolveTerm(r.PayloadValue, syms, r.Pos, nil); err != nil {
			return nil, err
		}
	}

	// Operations: personas, preconditions, effect entities.
	for _, op := range unit.Operations {
		for _, p := range op.Personas {
			if !syms.personas[p] {
				return nil, resolveErr(op.Pos, "operation '%s': unknown persona '%s'", op.ID, p)
			}
		}
		if op.Precondition != nil {
			if err := resolveExpr(op.Precondition, syms, op.Pos); err != nil {
				return nil, err
			}
		}
		for _, effect := range op.Effects {
			if _, ok := syms.entities[effect.EntityID]; !ok {
				return nil, resolveErr(op.Pos, "operation '%s': unknown entity '%s'", op.ID, effect.EntityID)
			}
		}
	}

	// Flows: operations, personas, sub-flows, step refs.
	for _, fl := range unit.Flows {
		stepIDs := make(map[string]bool)
		var collect func(steps []StepDecl)
		collect = func(steps []StepDecl) {
			for _, s := range steps {
				stepIDs[s.ID] = true
				for _, b := range s.Branches {
					collect(b.Steps)
				}
			}
		}
		collect(fl.Steps)

		checkTarget := func(pos Pos, where string, t TargetDecl) error {
			if t.IsTerminal() {
				return nil
			}
			if t.StepRef == "" {
				return resolveErr(pos, "flow '%s': %s has an empty target", fl.ID, where)
			}
			if !stepIDs[t.StepRef] {
				return resolveErr(pos, "flow '%s': %s targets unknown step '%s'", fl.ID, where, t.StepRef)
			}
			return nil
		}

		if !stepIDs[fl.Entry] {
			return nil, resolveErr(fl.Pos, "flow '%s': entry step '%s' not declared", fl.ID, fl.Entry)
		}

		var checkSteps func(steps []StepDecl) error
		checkSteps = func(steps []StepDecl) error {
			for _, s := range steps {
				switch s.Kind {
				case "operation":
					if _, ok := syms.operations[s.Op]; !ok {
						return resolveErr(s.Pos, "flow '%s': step '%s' references unknown operation '%s'", fl.ID, s.ID, s.Op)
					}
					if s.Persona != "" && !syms.personas[s.Persona] {
						return resolveErr(s.Pos, "flow '%s': step '%s' references unknown persona '%s'", fl.ID, s.ID, s.Persona)
					}
					for outcome, t := range s.Outcomes {
						if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' outcome '%s'", s.ID, outcome), t); err != nil {
							return err
						}
					}
					if err := resolveHandler(s.OnFailure, syms, s.Pos, fl.ID, checkTarget); err != nil {
						return err
					}
				case "branch":
					if err := resolveExpr(s.Condition, syms, s.Pos); err != nil {
						return err
					}
					if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' if_true", s.ID), s.IfTrue); err != nil {
						return err
					}
					if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' if_false", s.ID), s.IfFalse); err != nil {
						return err
					}
				case "handoff":
					for _, p := range []string{s.FromPersona, s.ToPersona} {
						if p != "" && !syms.personas[p] {
							return resolveErr(s.Pos, "flow '%s': step '%s' references unknown persona '%s'", fl.ID, s.ID, p)
						}
					}
					if !stepIDs[s.Next] {
						return resolveErr(s.Pos, "flow '%s': step '%s' continues at unknown step '%s'", fl.ID, s.ID, s.Next)
					}
				case "subflow":
					if _, ok := syms.flows[s.Flow]; !ok {
						return resolveErr(s.Pos, "flow '%s': step '%s' references unknown flow '%s'", fl.ID, s.ID, s.Flow)
					}
					if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' on_success", s.ID), s.OnSuccess); err != nil {
						return err
					}
					if err := resolveHandler(s.OnFailure, syms, s.Pos, fl.ID, checkTarget); err != nil {
						return err
					}
				case "parallel":
					for _, b := range s.Branches {
						if err := checkSteps(b.Steps); err != nil {
							return err
						}
					}
					if s.Join != nil {
						if s.Join.OnAllSuccess != nil {
							if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' join", s.ID), *s.Join.OnAllSuccess); err != nil {
								return err
							}
						}
						if err := resolveHandler(s.Join.OnAnyFailure, syms, s.Pos, fl.ID, checkTarget); err != nil {
							return err
						}
						if s.Join.OnAllComplete != nil {
							if err := checkTarget(s.Pos, fmt.Sprintf("step '%s' join", s.ID), *s.Join.OnAllComplete); err != nil {
								return err
							}
						}
					}
				}
			}
			return nil
		}
		if err := checkSteps(fl.Steps); err != nil {
			return nil, err
		}
	}

	return syms, nil
}

func resolveHandler(h *HandlerDecl, syms *symbols, pos Pos, flowID string, checkTarget func(Pos, string, TargetDecl) error) error {
	if h == nil {
		return nil
	}
	if h.Compensate != nil {
		for _, cs := range h.Compensate.Steps {
			if _, ok := syms.operations[cs.Op]; !ok {
				return resolveErr(pos, "flow '%s': compensation references unknown operation '%s'", flowID, cs.Op)
			}
			if cs.Persona != "" && !syms.personas[cs.Persona] {
				return resolveErr(pos, "flow '%s': compensation references unknown persona '%s'", flowID, cs.Persona)
			}
			if err := checkTarget(pos, "compensation on_failure", cs.OnFailure); err != nil {
				return err
			}
		}
		return checkTarget(pos, "compensate then", h.Compensate.Then)
	}
	if h.Escalate != nil {
		if h.Escalate.ToPersona != "" && !syms.personas[h.Escalate.ToPersona] {
			return resolveErr(pos, "flow '%s': escalation references unknown persona '%s'", flowID, h.Escalate.ToPersona)
		}
	}
	return nil
}

// resolveExpr checks fact references in an expression. Quantifier
// variables shadow facts inside their body.
func resolveExpr(e Expr, syms *symbols, pos Pos) error {
	return resolveExprBound(e, syms, pos, map[string]bool{})
}

func resolveExprBound(e Expr, syms *symbols, pos Pos, bound map[string]bool) error {
	switch n := e.(type) {
	case ExprCompare:
		if err := resolveTerm(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return resolveTerm(n.Right, syms, pos, bound)
	case ExprVerdictPresent:
		// Verdict producers are checked by the verdict-taxonomy analysis
		// rather than hard-failing here; forward references across strata
		// are legitimate.
		return nil
	case ExprAnd:
		if err := resolveExprBound(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return resolveExprBound(n.Right, syms, pos, bound)
	case ExprOr:
		if err := resolveExprBound(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return resolveExprBound(n.Right, syms, pos, bound)
	case ExprNot:
		return resolveExprBound(n.Operand, syms, pos, bound)
	case ExprForall:
		if _, ok := syms.facts[n.Domain]; !ok {
			return resolveErr(pos, "forall domain references unknown fact '%s'", n.Domain)
		}
		inner := copyBound(bound)
		inner[n.Var] = true
		return resolveExprBound(n.Body, syms, pos, inner)
	case ExprExists:
		if _, ok := syms.facts[n.Domain]; !ok {
			return resolveErr(pos, "exists domain references unknown fact '%s'", n.Domain)
		}
		inner := copyBound(bound)
		inner[n.Var] = true
		return resolveExprBound(n.Body, syms, pos, inner)
	case ExprTerm:
		return resolveTerm(n.Term, syms, pos, bound)
	}
	return nil
}

func resolveTerm(t Term, syms *symbols, pos Pos, bound map[string]bool) error {
	switch n := t.(type) {
	case TermFactRef:
		if bound[n.Name] {
			return nil
		}
		if _, ok := syms.facts[n.Name]; !ok {
			return resolveErr(pos, "unknown fact '%s'", n.Name)
		}
	case TermFieldRef:
		if bound != nil && bound[n.Var] {
			return nil
		}
		if _, ok := syms.facts[n.Var]; !ok {
			return resolveErr(pos, "field reference on unknown variable or fact '%s'", n.Var)
		}
	case TermMul:
		if err := resolveTerm(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return resolveTerm(n.Right, syms, pos, bound)
	}
	return nil
}

func copyBound(bound map[string]bool) map[string]bool {
	out := make(map[string]bool, len(bound)+1)
	for k := range bound {
		out[k] = true
	}
	return out
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
