package elaborator

import (
	"encoding/json"
	"sort"

	"github.com/riverline-labs/tenor/core/pkg/interchange"
)

// Serialize runs pass 6: emits the canonical interchange JSON for the
// unit. Construct groups appear in a fixed order (facts, entities,
// personas, rules grouped by ascending stratum, operations, flows),
// each group sorted by id; object keys are lexically ordered by the
// RFC 8785 transform, so identical input always yields byte-identical
// output. The emitted bundle is schema-validated before it is returned.
func Serialize(unit *SourceUnit, syms *symbols, bundleID string) ([]byte, error) {
	factTypes := make(map[string]SrcType, len(unit.Facts))
	for _, f := range unit.Facts {
		factTypes[f.ID] = resolveSrcType(f.Type, syms)
	}
	s := &serializer{syms: syms, factTypes: factTypes}

	var constructs []any

	facts := append([]FactDecl(nil), unit.Facts...)
	sort.Slice(facts, func(i, j int) bool { return facts[i].ID < facts[j].ID })
	for _, f := range facts {
		constructs = append(constructs, s.fact(f))
	}

	entities := append([]EntityDecl(nil), unit.Entities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	for _, e := range entities {
		constructs = append(constructs, s.entity(e))
	}

	personas := append([]PersonaDecl(nil), unit.Personas...)
	sort.Slice(personas, func(i, j int) bool { return personas[i].ID < personas[j].ID })
	for _, p := range personas {
		constructs = append(constructs, map[string]any{
			"id":         p.ID,
			"kind":       "Persona",
			"provenance": provMap(p.Pos),
			"tenor":      "1.0",
		})
	}

	rules := append([]RuleDecl(nil), unit.Rules...)
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Stratum != rules[j].Stratum {
			return rules[i].Stratum < rules[j].Stratum
		}
		return rules[i].ID < rules[j].ID
	})
	for _, r := range rules {
		constructs = append(constructs, s.rule(r))
	}

	operations := append([]OperationDecl(nil), unit.Operations...)
	sort.Slice(operations, func(i, j int) bool { return operations[i].ID < operations[j].ID })
	for _, op := range operations {
		constructs = append(constructs, s.operation(op))
	}

	flows := append([]FlowDecl(nil), unit.Flows...)
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	for _, fl := range flows {
		constructs = append(constructs, s.flow(fl))
	}

	sources := append([]SourceDecl(nil), unit.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	for _, src := range sources {
		constructs = append(constructs, s.source(src))
	}

	typeDecls := append([]TypeDeclDecl(nil), unit.TypeDecls...)
	sort.Slice(typeDecls, func(i, j int) bool { return typeDecls[i].ID < typeDecls[j].ID })
	for _, td := range typeDecls {
		constructs = append(constructs, map[string]any{
			"id":         td.ID,
			"kind":       "TypeDecl",
			"provenance": provMap(td.Pos),
			"tenor":      "1.0",
			"type":       s.typeMap(td.Type),
		})
	}

	bundle := map[string]any{
		"constructs":    constructs,
		"id":            bundleID,
		"kind":          "Bundle",
		"tenor":         "1.0",
		"tenor_version": "1.1.0",
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return nil, &Error{Pass: "serialize", Kind: KindSerializeError, Message: err.Error()}
	}
	canonical, err := interchange.Canonicalize(encoded)
	if err != nil {
		return nil, &Error{Pass: "serialize", Kind: KindSerializeError, Message: err.Error()}
	}
	if err := interchange.ValidateSchema(canonical); err != nil {
		return nil, &Error{Pass: "serialize", Kind: KindSerializeError, Message: err.Error()}
	}
	return canonical, nil
}

type serializer struct {
	syms      *symbols
	factTypes map[string]SrcType
}

func provMap(pos Pos) map[string]any {
	return map[string]any{"file": pos.File, "line": pos.Line}
}

func (s *serializer) fact(f FactDecl) map[string]any {
	m := map[string]any{
		"id":         f.ID,
		"kind":       "Fact",
		"provenance": provMap(f.Pos),
		"tenor":      "1.0",
		"type":       s.typeMap(resolveSrcType(f.Type, s.syms)),
	}
	if f.Source != "" {
		m["source"] = sourceMap(f.Source)
	}
	if f.Default != nil {
		m["default"] = s.defaultValue(*f.Default, resolveSrcType(f.Type, s.syms))
	}
	return m
}

func sourceMap(designator string) any {
	for i := 0; i < len(designator); i++ {
		if designator[i] == '.' {
			return map[string]any{
				"field":  designator[i+1:],
				"system": designator[:i],
			}
		}
	}
	return designator
}

func (s *serializer) defaultValue(lit Lit, ts SrcType) any {
	switch lit.Kind {
	case "bool":
		return map[string]any{"kind": "bool_literal", "value": lit.Bool}
	case "int":
		return map[string]any{"kind": "int_literal", "value": lit.Int}
	case "decimal":
		precision, scale := decimalPrecisionScale(lit.Text)
		if ts.Precision != nil {
			precision = *ts.Precision
		}
		if ts.Scale != nil {
			scale = *ts.Scale
		}
		return decimalValueMap(lit.Text, precision, scale)
	case "money":
		return moneyValueMap(lit.Text, lit.Currency)
	}
	return lit.Text
}

func decimalValueMap(text string, precision, scale int) map[string]any {
	return map[string]any{
		"kind":      "decimal_value",
		"precision": precision,
		"scale":     scale,
		"value":     text,
	}
}

// Money amounts always carry precision 10, scale 2, regardless of the
// literal's lexical form; the implicit money scale is fixed and the
// precision must not vary with how the author wrote the amount, or the
// canonical bundle bytes would too.
func moneyValueMap(amount, currency string) map[string]any {
	return map[string]any{
		"amount":   decimalValueMap(amount, 10, 2),
		"currency": currency,
		"kind":     "money_value",
	}
}

func (s *serializer) entity(e EntityDecl) map[string]any {
	transitions := make([]any, 0, len(e.Transitions))
	for _, t := range e.Transitions {
		transitions = append(transitions, map[string]any{"from": t.From, "to": t.To})
	}
	m := map[string]any{
		"id":          e.ID,
		"initial":     e.Initial,
		"kind":        "Entity",
		"provenance":  provMap(e.Pos),
		"states":      stringsAny(e.States),
		"tenor":       "1.0",
		"transitions": transitions,
	}
	if e.Parent != "" {
		m["parent"] = e.Parent
	}
	return m
}

func (s *serializer) rule(r RuleDecl) map[string]any {
	payload := map[string]any{
		"type":  s.typeMap(resolveSrcType(r.PayloadType, s.syms)),
		"value": s.payloadValue(r.PayloadValue, resolveSrcType(r.PayloadType, s.syms)),
	}
	body := map[string]any{
		"produce": map[string]any{
			"payload":      payload,
			"verdict_type": r.VerdictType,
		},
		"when": s.expr(r.When),
	}
	return map[string]any{
		"body":       body,
		"id":         r.ID,
		"kind":       "Rule",
		"provenance": provMap(r.Pos),
		"stratum":    r.Stratum,
		"tenor":      "1.0",
	}
}

func (s *serializer) payloadValue(t Term, ts SrcType) any {
	switch n := t.(type) {
	case TermLit:
		switch n.Lit.Kind {
		case "bool":
			return n.Lit.Bool
		case "int":
			return n.Lit.Int
		case "text":
			return n.Lit.Text
		case "decimal":
			precision, scale := decimalPrecisionScale(n.Lit.Text)
			if ts.Precision != nil {
				precision = *ts.Precision
			}
			if ts.Scale != nil {
				scale = *ts.Scale
			}
			return decimalValueMap(n.Lit.Text, precision, scale)
		case "money":
			return moneyValueMap(n.Lit.Text, n.Lit.Currency)
		}
	case TermMul:
		return s.mulTerm(n)
	case TermFactRef:
		return map[string]any{"fact_ref": n.Name}
	}
	return nil
}

func (s *serializer) operation(op OperationDecl) map[string]any {
	effects := make([]any, 0, len(op.Effects))
	for _, e := range op.Effects {
		em := map[string]any{
			"entity_id": e.EntityID,
			"from":      e.From,
			"to":        e.To,
		}
		if e.Outcome != "" {
			em["outcome"] = e.Outcome
		}
		effects = append(effects, em)
	}
	m := map[string]any{
		"allowed_personas": stringsAny(op.Personas),
		"effects":          effects,
		"error_contract":   stringsAny(op.ErrorContract),
		"id":               op.ID,
		"kind":             "Operation",
		"provenance":       provMap(op.Pos),
		"tenor":            "1.0",
	}
	if len(op.Outcomes) > 0 {
		m["outcomes"] = stringsAny(op.Outcomes)
	}
	if op.Precondition != nil {
		m["precondition"] = s.expr(op.Precondition)
	} else {
		m["precondition"] = true
	}
	return m
}

func (s *serializer) flow(fl FlowDecl) map[string]any {
	return map[string]any{
		"entry":      fl.Entry,
		"id":         fl.ID,
		"kind":       "Flow",
		"provenance": provMap(fl.Pos),
		"snapshot":   fl.Snapshot,
		"steps":      s.steps(fl.Steps, fl.Entry),
		"tenor":      "1.0",
	}
}

func (s *serializer) source(src SourceDecl) map[string]any {
	fields := map[string]any{}
	for k, v := range src.Fields {
		fields[k] = v
	}
	m := map[string]any{
		"fields":     fields,
		"id":         src.ID,
		"kind":       "Source",
		"protocol":   src.Protocol,
		"provenance": provMap(src.Pos),
		"tenor":      "1.0",
	}
	if src.Description != "" {
		m["description"] = src.Description
	}
	return m
}

// steps emits flow steps in breadth-first order from the entry,
// followed by unreachable steps in id order.
func (s *serializer) steps(steps []StepDecl, entry string) []any {
	index := make(map[string]*StepDecl, len(steps))
	ids := make([]string, 0, len(steps))
	for i := range steps {
		index[steps[i].ID] = &steps[i]
		ids = append(ids, steps[i].ID)
	}
	sort.Strings(ids)

	neighbors := func(step *StepDecl) []string {
		var out []string
		add := func(t TargetDecl) {
			if !t.IsTerminal() && t.StepRef != "" {
				out = append(out, t.StepRef)
			}
		}
		switch step.Kind {
		case "operation":
			outcomes := make([]string, 0, len(step.Outcomes))
			for outcome := range step.Outcomes {
				outcomes = append(outcomes, outcome)
			}
			sort.Strings(outcomes)
			for _, outcome := range outcomes {
				add(step.Outcomes[outcome])
			}
		case "branch":
			add(step.IfTrue)
			add(step.IfFalse)
		case "handoff":
			out = append(out, step.Next)
		case "subflow":
			add(step.OnSuccess)
		}
		return out
	}

	var order []string
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, ok := index[id]
		if !ok {
			continue
		}
		order = append(order, id)
		for _, next := range neighbors(step) {
			if !seen[next] && index[next] != nil {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, id := range ids {
		if !seen[id] {
			order = append(order, id)
		}
	}

	out := make([]any, 0, len(order))
	for _, id := range order {
		if step, ok := index[id]; ok {
			out = append(out, s.step(step))
		}
	}
	return out
}

func (s *serializer) step(step *StepDecl) map[string]any {
	switch step.Kind {
	case "operation":
		outcomes := map[string]any{}
		for outcome, t := range step.Outcomes {
			outcomes[outcome] = targetValue(t)
		}
		m := map[string]any{
			"id":       step.ID,
			"kind":     "OperationStep",
			"op":       step.Op,
			"outcomes": outcomes,
			"persona":  step.Persona,
		}
		if step.OnFailure != nil {
			m["on_failure"] = handlerValue(step.OnFailure)
		}
		return m
	case "branch":
		return map[string]any{
			"condition": s.expr(step.Condition),
			"id":        step.ID,
			"if_false":  targetValue(step.IfFalse),
			"if_true":   targetValue(step.IfTrue),
			"kind":      "BranchStep",
			"persona":   step.Persona,
		}
	case "handoff":
		return map[string]any{
			"from_persona": step.FromPersona,
			"id":           step.ID,
			"kind":         "HandoffStep",
			"next":         step.Next,
			"to_persona":   step.ToPersona,
		}
	case "subflow":
		m := map[string]any{
			"flow":       step.Flow,
			"id":         step.ID,
			"kind":       "SubFlowStep",
			"on_success": targetValue(step.OnSuccess),
			"persona":    step.Persona,
		}
		if step.OnFailure != nil {
			m["on_failure"] = handlerValue(step.OnFailure)
		}
		return m
	case "parallel":
		branches := make([]any, 0, len(step.Branches))
		for _, b := range step.Branches {
			branches = append(branches, map[string]any{
				"entry": b.Entry,
				"id":    b.ID,
				"steps": s.steps(b.Steps, b.Entry),
			})
		}
		join := map[string]any{}
		if step.Join != nil {
			if step.Join.OnAllSuccess != nil {
				join["on_all_success"] = targetValue(*step.Join.OnAllSuccess)
			}
			if step.Join.OnAnyFailure != nil {
				join["on_any_failure"] = handlerValue(step.Join.OnAnyFailure)
			}
			if step.Join.OnAllComplete != nil {
				join["on_all_complete"] = targetValue(*step.Join.OnAllComplete)
			}
		}
		return map[string]any{
			"branches": branches,
			"id":       step.ID,
			"join":     join,
			"kind":     "ParallelStep",
		}
	}
	return map[string]any{"id": step.ID}
}

func targetValue(t TargetDecl) any {
	if t.IsTerminal() {
		return map[string]any{"kind": "Terminal", "outcome": t.Terminal}
	}
	return t.StepRef
}

func handlerValue(h *HandlerDecl) any {
	switch {
	case h.Terminate != "":
		return map[string]any{"kind": "Terminate", "outcome": h.Terminate}
	case h.Compensate != nil:
		steps := make([]any, 0, len(h.Compensate.Steps))
		for _, cs := range h.Compensate.Steps {
			steps = append(steps, map[string]any{
				"on_failure": targetValue(cs.OnFailure),
				"op":         cs.Op,
				"persona":    cs.Persona,
			})
		}
		return map[string]any{
			"kind":  "Compensate",
			"steps": steps,
			"then":  targetValue(h.Compensate.Then),
		}
	case h.Escalate != nil:
		return map[string]any{
			"kind":       "Escalate",
			"next":       h.Escalate.Next,
			"to_persona": h.Escalate.ToPersona,
		}
	}
	return nil
}

// ── Expression serialization with type inference ────────────────────

func (s *serializer) expr(e Expr) any {
	switch n := e.(type) {
	case ExprCompare:
		m := map[string]any{
			"left": s.term(n.Left),
			"op":   n.Op,
		}
		if ct := s.comparisonType(n.Left, n.Right); ct != nil {
			m["comparison_type"] = s.typeMap(*ct)
		}
		// Enum promotion: a bare text literal compared against an enum
		// fact becomes a typed enum literal.
		if leftType := s.termNumericOrDeclaredType(n.Left); leftType != nil && leftType.Base == "Enum" {
			if lt, ok := n.Right.(TermLit); ok && lt.Lit.Kind == "text" {
				m["right"] = map[string]any{
					"literal": lt.Lit.Text,
					"type":    s.typeMap(*leftType),
				}
				return m
			}
		}
		m["right"] = s.term(n.Right)
		return m
	case ExprVerdictPresent:
		return map[string]any{"verdict_present": n.ID}
	case ExprAnd:
		return map[string]any{"left": s.expr(n.Left), "op": "and", "right": s.expr(n.Right)}
	case ExprOr:
		return map[string]any{"left": s.expr(n.Left), "op": "or", "right": s.expr(n.Right)}
	case ExprNot:
		return map[string]any{"op": "not", "operand": s.expr(n.Operand)}
	case ExprForall, ExprExists:
		var quantifier, variable, domain string
		var body Expr
		if f, ok := n.(ExprForall); ok {
			quantifier, variable, domain, body = "forall", f.Var, f.Domain, f.Body
		} else {
			x := n.(ExprExists)
			quantifier, variable, domain, body = "exists", x.Var, x.Domain, x.Body
		}
		m := map[string]any{
			"body":       s.expr(body),
			"domain":     map[string]any{"fact_ref": domain},
			"quantifier": quantifier,
			"variable":   variable,
		}
		if dt, ok := s.factTypes[domain]; ok && dt.Base == "List" && dt.ElementType != nil {
			m["variable_type"] = s.typeMap(resolveSrcType(*dt.ElementType, s.syms))
		}
		return m
	case ExprTerm:
		return s.term(n.Term)
	}
	return nil
}

func (s *serializer) term(t Term) any {
	switch n := t.(type) {
	case TermFactRef:
		return map[string]any{"fact_ref": n.Name}
	case TermFieldRef:
		return map[string]any{"field_ref": map[string]any{"field": n.Field, "var": n.Var}}
	case TermLit:
		switch n.Lit.Kind {
		case "bool":
			return map[string]any{"literal": n.Lit.Bool, "type": map[string]any{"base": "Bool"}}
		case "int":
			return map[string]any{
				"literal": n.Lit.Int,
				"type":    map[string]any{"base": "Int", "max": n.Lit.Int, "min": n.Lit.Int},
			}
		case "decimal":
			precision, scale := decimalPrecisionScale(n.Lit.Text)
			return map[string]any{
				"literal": n.Lit.Text,
				"type":    map[string]any{"base": "Decimal", "precision": precision, "scale": scale},
			}
		case "money":
			return map[string]any{
				"literal": moneyValueMap(n.Lit.Text, n.Lit.Currency),
				"type":    map[string]any{"base": "Money", "currency": n.Lit.Currency},
			}
		case "duration":
			return map[string]any{
				"literal": n.Lit.Int,
				"type":    map[string]any{"base": "Duration", "unit": n.Lit.Text},
			}
		case "text":
			return map[string]any{"literal": n.Lit.Text}
		}
	case TermMul:
		return s.mulTerm(n)
	}
	return nil
}

// mulTerm serializes multiplication in the canonical shape: the fact
// operand as "left", the integer as "literal", and an inferred
// result_type when the fact's Int range is known.
func (s *serializer) mulTerm(n TermMul) any {
	factTerm, lit, ok := mulShape(n)
	if !ok {
		return map[string]any{"left": s.term(n.Left), "op": "*", "right": s.term(n.Right)}
	}
	m := map[string]any{
		"left":    s.term(factTerm),
		"literal": lit,
		"op":      "*",
	}
	if factRef, ok := factTerm.(TermFactRef); ok {
		if ft, ok := s.factTypes[factRef.Name]; ok && ft.Base == "Int" && ft.Min != nil && ft.Max != nil {
			rmin, rmax := mulRange(*ft.Min, *ft.Max, lit)
			m["result_type"] = map[string]any{"base": "Int", "max": rmax, "min": rmin}
		} else if ok && (ft.Base == "Decimal" || ft.Base == "Money") {
			m["result_type"] = s.typeMap(ft)
		}
	}
	return m
}

func mulShape(n TermMul) (Term, int64, bool) {
	if lt, ok := n.Right.(TermLit); ok && lt.Lit.Kind == "int" {
		return n.Left, lt.Lit.Int, true
	}
	if lt, ok := n.Left.(TermLit); ok && lt.Lit.Kind == "int" {
		return n.Right, lt.Lit.Int, true
	}
	return nil, 0, false
}

// termNumericOrDeclaredType returns the declared or inferred type of a
// term for promotion decisions.
func (s *serializer) termNumericOrDeclaredType(t Term) *SrcType {
	switch n := t.(type) {
	case TermFactRef:
		if ft, ok := s.factTypes[n.Name]; ok {
			return &ft
		}
	case TermLit:
		switch n.Lit.Kind {
		case "int":
			v := n.Lit.Int
			return &SrcType{Base: "Int", Min: &v, Max: &v}
		case "decimal":
			p, sc := decimalPrecisionScale(n.Lit.Text)
			return &SrcType{Base: "Decimal", Precision: &p, Scale: &sc}
		case "money":
			return &SrcType{Base: "Money", Currency: n.Lit.Currency}
		case "bool":
			return &SrcType{Base: "Bool"}
		}
	case TermMul:
		if factTerm, lit, ok := mulShape(n); ok {
			if inner := s.termNumericOrDeclaredType(factTerm); inner != nil && inner.Base == "Int" && inner.Min != nil && inner.Max != nil {
				rmin, rmax := mulRange(*inner.Min, *inner.Max, lit)
				return &SrcType{Base: "Int", Min: &rmin, Max: &rmax}
			}
		}
	}
	return nil
}

// comparisonType synthesizes the promoted type for mixed numeric
// comparisons: Money dominates; Int against Decimal widens the decimal
// precision to cover the integer's magnitude plus one digit.
func (s *serializer) comparisonType(left, right Term) *SrcType {
	lt := s.termNumericOrDeclaredType(left)
	rt := s.termNumericOrDeclaredType(right)
	if lt != nil && lt.Base == "Money" {
		return lt
	}
	if rt != nil && rt.Base == "Money" {
		return rt
	}
	if lt == nil || rt == nil {
		return nil
	}
	switch {
	case lt.Base == "Int" && rt.Base == "Decimal":
		return widenDecimal(rt, lt)
	case lt.Base == "Decimal" && rt.Base == "Int":
		return widenDecimal(lt, rt)
	case lt.Base == "Int" && rt.Base == "Int":
		if _, isMul := left.(TermMul); isMul && lt.Min != nil && lt.Max != nil && rt.Min != nil && rt.Max != nil {
			rmin := minInt64(*lt.Min, *rt.Min)
			rmax := maxInt64(*lt.Max, *rt.Max)
			return &SrcType{Base: "Int", Min: &rmin, Max: &rmax}
		}
	}
	return nil
}

func widenDecimal(dec, intType *SrcType) *SrcType {
	precision := 28
	scale := 0
	if dec.Precision != nil {
		precision = *dec.Precision
	}
	if dec.Scale != nil {
		scale = *dec.Scale
	}
	intPrecision := 1
	if intType.Min != nil && intType.Max != nil {
		intPrecision = intCeilLog10(*intType.Min, *intType.Max) + 1
	}
	if intPrecision > precision {
		precision = intPrecision
	}
	precision++
	return &SrcType{Base: "Decimal", Precision: &precision, Scale: &scale}
}

// intCeilLog10 returns ⌈log10(bound)⌉ for the larger absolute bound:
// the digit count, except one less when the bound is an exact power of
// ten (⌈log10(1000)⌉ is 3, not 4). Zero bounds yield 0.
func intCeilLog10(minVal, maxVal int64) int {
	abs := func(n int64) uint64 {
		if n < 0 {
			return uint64(-(n + 1)) + 1
		}
		return uint64(n)
	}
	bound := abs(minVal)
	if abs(maxVal) > bound {
		bound = abs(maxVal)
	}
	if bound == 0 {
		return 0
	}
	digits := 0
	powerOfTen := uint64(1)
	for powerOfTen < bound {
		if powerOfTen > ^uint64(0)/10 {
			// Cannot happen for int64-derived bounds; saturate anyway.
			digits++
			break
		}
		powerOfTen *= 10
		digits++
	}
	return digits
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func stringsAny(items []string) []any {
	out := make([]any, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	if items == nil {
		return []any{}
	}
	return out
}

func (s *serializer) typeMap(ts SrcType) map[string]any {
	m := map[string]any{"base": ts.Base}
	switch ts.Base {
	case "Int", "Duration":
		if ts.Min != nil {
			m["min"] = *ts.Min
		}
		if ts.Max != nil {
			m["max"] = *ts.Max
		}
		if ts.Base == "Duration" && ts.Unit != "" {
			m["unit"] = ts.Unit
		}
	case "Decimal":
		if ts.Precision != nil {
			m["precision"] = *ts.Precision
		}
		if ts.Scale != nil {
			m["scale"] = *ts.Scale
		}
	case "Text":
		if ts.MaxLength != nil {
			m["max_length"] = *ts.MaxLength
		}
	case "Enum":
		m["values"] = stringsAny(ts.Values)
	case "Money":
		if ts.Currency != "" {
			m["currency"] = ts.Currency
		}
	case "Record":
		fields := map[string]any{}
		for name, ft := range ts.Fields {
			fields[name] = s.typeMap(resolveSrcType(ft, s.syms))
		}
		m["fields"] = fields
	case "List":
		if ts.ElementType != nil {
			m["element_type"] = s.typeMap(resolveSrcType(*ts.ElementType, s.syms))
		}
		if ts.Max != nil {
			m["max"] = *ts.Max
		}
	case "TypeRef":
		m["id"] = ts.Ref
	}
	return m
}
