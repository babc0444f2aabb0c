package elaborator

import "fmt"

func typeErr(pos Pos, format string, args ...any) error {
	return &Error{
		Pass:    "typecheck",
		Kind:    KindTypeError,
		File:    pos.File,
		Line:    pos.Line,
		Message: fmt.Sprintf(format, args...),
	}
}

// TypeCheck runs pass 3 over every expression in the unit: comparison
// operand compatibility, equality-only types, multiplication shapes, and
// quantifier domains. Numeric comparison types and multiplication result
// types are synthesized later during serialization from the same
// inference rules.
func TypeCheck(unit *SourceUnit, syms *symbols) error {
	check := func(e Expr, pos Pos) error {
		if e == nil {
			return nil
		}
		return checkExpr(e, syms, pos, map[string]SrcType{})
	}

	for _, r := range unit.Rules {
		if err := check(r.When, r.Pos); err != nil {
			return err
		}
		if _, err := termType(r.PayloadValue, syms, r.Pos, nil); err != nil {
			return err
		}
	}
	for _, op := range unit.Operations {
		if err := check(op.Precondition, op.Pos); err != nil {
			return err
		}
	}
	for _, fl := range unit.Flows {
		var walk func(steps []StepDecl) error
		walk = func(steps []StepDecl) error {
			for _, s := range steps {
				if s.Kind == "branch" {
					if err := check(s.Condition, s.Pos); err != nil {
						return err
					}
				}
				for _, b := range s.Branches {
					if err := walk(b.Steps); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if err := walk(fl.Steps); err != nil {
			return err
		}
	}
	return nil
}

// resolveSrcType substitutes declared types for TypeRef nodes.
func resolveSrcType(ts SrcType, syms *symbols) SrcType {
	for depth := 0; ts.Base == "TypeRef" && depth < 16; depth++ {
		td, ok := syms.typeDecls[ts.Ref]
		if !ok {
			return ts
		}
		ts = td.Type
	}
	return ts
}

func checkExpr(e Expr, syms *symbols, pos Pos, bound map[string]SrcType) error {
	switch n := e.(type) {
	case ExprCompare:
		lt, err := termTypeBound(n.Left, syms, pos, bound)
		if err != nil {
			return err
		}
		rt, err := termTypeBound(n.Right, syms, pos, bound)
		if err != nil {
			return err
		}
		return checkComparison(n.Op, lt, rt, n.Right, pos)

	case ExprVerdictPresent:
		return nil

	case ExprAnd:
		if err := checkExpr(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return checkExpr(n.Right, syms, pos, bound)
	case ExprOr:
		if err := checkExpr(n.Left, syms, pos, bound); err != nil {
			return err
		}
		return checkExpr(n.Right, syms, pos, bound)
	case ExprNot:
		return checkExpr(n.Operand, syms, pos, bound)

	case ExprForall, ExprExists:
		var variable, domain string
		var body Expr
		if f, ok := n.(ExprForall); ok {
			variable, domain, body = f.Var, f.Domain, f.Body
		} else {
			x := n.(ExprExists)
			variable, domain, body = x.Var, x.Domain, x.Body
		}
		domainDecl, ok := syms.facts[domain]
		if !ok {
			return typeErr(pos, "quantifier domain references unknown fact '%s'", domain)
		}
		domainType := resolveSrcType(domainDecl.Type, syms)
		if domainType.Base != "List" {
			return typeErr(pos, "quantifier domain '%s' must be a List, got %s", domain, domainType.Base)
		}
		elem := SrcType{Base: "Record"}
		if domainType.ElementType != nil {
			elem = resolveSrcType(*domainType.ElementType, syms)
		}
		inner := make(map[string]SrcType, len(bound)+1)
		for k, v := range bound {
			inner[k] = v
		}
		inner[variable] = elem
		return checkExpr(body, syms, pos, inner)

	case ExprTerm:
		t, err := termTypeBound(n.Term, syms, pos, bound)
		if err != nil {
			return err
		}
		if t != nil && t.Base != "Bool" {
			return typeErr(pos, "bare term in boolean position must be Bool, got %s", t.Base)
		}
		return nil
	}
	return nil
}

func checkComparison(op string, lt, rt *SrcType, right Term, pos Pos) error {
	if lt == nil || rt == nil {
		return nil // untyped side (e.g. bare text literal) resolved at serialization
	}
	equalityOnly := func(base string) bool {
		return base == "Text" || base == "Enum" || base == "Bool"
	}
	if (equalityOnly(lt.Base) || equalityOnly(rt.Base)) && op != "=" && op != "!=" {
		return typeErr(pos, "ordering comparison not supported for %s", lt.Base)
	}

	// Enum literal promotion: a text literal on the right of an enum
	// compare must name a declared variant.
	if lt.Base == "Enum" {
		if litTerm, ok := right.(TermLit); ok && litTerm.Lit.Kind == "text" {
			if !containsString(lt.Values, litTerm.Lit.Text) {
				return typeErr(pos, "enum comparison against unknown variant '%s'", litTerm.Lit.Text)
			}
			return nil
		}
	}

	numeric := func(base string) bool {
		return base == "Int" || base == "Decimal" || base == "Money"
	}
	switch {
	case lt.Base == rt.Base:
		if lt.Base == "Money" && lt.Currency != "" && rt.Currency != "" && lt.Currency != rt.Currency {
			return typeErr(pos, "cannot compare Money in %s to Money in %s", lt.Currency, rt.Currency)
		}
		return nil
	case numeric(lt.Base) && numeric(rt.Base):
		if (lt.Base == "Money") != (rt.Base == "Money") {
			return typeErr(pos, "cannot compare %s to %s", lt.Base, rt.Base)
		}
		return nil // Int vs Decimal promotes
	}
	return typeErr(pos, "cannot compare %s to %s", lt.Base, rt.Base)
}

func termType(t Term, syms *symbols, pos Pos, bound map[string]SrcType) (*SrcType, error) {
	return termTypeBound(t, syms, pos, bound)
}

// termTypeBound infers a term's type; nil for literals whose type is
// settled by the other comparison side (bare text).
func termTypeBound(t Term, syms *symbols, pos Pos, bound map[string]SrcType) (*SrcType, error) {
	switch n := t.(type) {
	case TermFactRef:
		if bound != nil {
			if bt, ok := bound[n.Name]; ok {
				return &bt, nil
			}
		}
		decl, ok := syms.facts[n.Name]
		if !ok {
			return nil, typeErr(pos, "unknown fact '%s'", n.Name)
		}
		resolved := resolveSrcType(decl.Type, syms)
		return &resolved, nil

	case TermFieldRef:
		var recType SrcType
		if bound != nil {
			if bt, ok := bound[n.Var]; ok {
				recType = bt
			}
		}
		if recType.Base == "" {
			decl, ok := syms.facts[n.Var]
			if !ok {
				return nil, typeErr(pos, "field reference on unknown variable or fact '%s'", n.Var)
			}
			recType = resolveSrcType(decl.Type, syms)
		}
		if recType.Base != "Record" {
			return nil, typeErr(pos, "field reference on non-record '%s' (%s)", n.Var, recType.Base)
		}
		if ft, ok := recType.Fields[n.Field]; ok {
			resolved := resolveSrcType(ft, syms)
			return &resolved, nil
		}
		// Open records (no declared fields) defer to runtime.
		if len(recType.Fields) == 0 {
			return nil, nil
		}
		return nil, typeErr(pos, "record '%s' has no field '%s'", n.Var, n.Field)

	case TermLit:
		switch n.Lit.Kind {
		case "bool":
			return &SrcType{Base: "Bool"}, nil
		case "int":
			v := n.Lit.Int
			return &SrcType{Base: "Int", Min: &v, Max: &v}, nil
		case "decimal":
			p, s := decimalPrecisionScale(n.Lit.Text)
			return &SrcType{Base: "Decimal", Precision: &p, Scale: &s}, nil
		case "money":
			return &SrcType{Base: "Money", Currency: n.Lit.Currency}, nil
		case "duration":
			return &SrcType{Base: "Duration", Unit: n.Lit.Text}, nil
		case "text":
			return nil, nil
		}
		return nil, nil

	case TermMul:
		lt, err := termTypeBound(n.Left, syms, pos, bound)
		if err != nil {
			return nil, err
		}
		rl, ok := n.Right.(TermLit)
		if !ok || rl.Lit.Kind != "int" {
			// Symmetric form: int literal on the left.
			if ll, ok := n.Left.(TermLit); ok && ll.Lit.Kind == "int" {
				return termTypeBound(TermMul{Left: n.Right, Right: n.Left}, syms, pos, bound)
			}
			return nil, typeErr(pos, "multiplication requires an integer literal operand")
		}
		if lt == nil {
			return nil, typeErr(pos, "multiplication requires a numeric operand")
		}
		switch lt.Base {
		case "Int":
			if lt.Min != nil && lt.Max != nil {
				rmin, rmax := mulRange(*lt.Min, *lt.Max, rl.Lit.Int)
				return &SrcType{Base: "Int", Min: &rmin, Max: &rmax}, nil
			}
			return &SrcType{Base: "Int"}, nil
		case "Decimal", "Money":
			return lt, nil
		}
		return nil, typeErr(pos, "multiplication requires numeric operand, got %s", lt.Base)
	}
	return nil, nil
}

func mulRange(minVal, maxVal, n int64) (int64, int64) {
	if n >= 0 {
		return minVal * n, maxVal * n
	}
	return maxVal * n, minVal * n
}

// decimalPrecisionScale infers (precision, scale) from a decimal
// literal's lexical form: "100.00" has precision 5, scale 2.
func decimalPrecisionScale(text string) (int, int) {
	neg := len(text) > 0 && (text[0] == '-' || text[0] == '+')
	if neg {
		text = text[1:]
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '.' {
			scale := len(text) - i - 1
			precision := i + scale
			if precision < 1 {
				precision = 1
			}
			return precision, scale
		}
	}
	if len(text) == 0 {
		return 1, 0
	}
	return len(text), 0
}
