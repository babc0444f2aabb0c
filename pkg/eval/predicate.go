package eval

import "fmt"

// Predicate is one node of a predicate expression tree over ground terms.
type Predicate interface {
	isPredicate()
}

// FactRef resolves a fact by id.
type FactRef struct {
	ID string
}

// FieldRef resolves a field of a record held by a bound variable or a
// record-typed fact.
type FieldRef struct {
	Var   string
	Field string
}

// Literal is a constant value with its type.
type Literal struct {
	Value Value
	Type  TypeSpec
}

// VerdictPresent tests membership of a verdict type in the verdict set.
type VerdictPresent struct {
	ID string
}

// Compare applies a comparison operator, optionally through a synthesized
// comparison type for mixed numeric operands.
type Compare struct {
	Left           Predicate
	Op             string
	Right          Predicate
	ComparisonType *TypeSpec
}

// And is short-circuit conjunction.
type And struct {
	Left  Predicate
	Right Predicate
}

// Or is short-circuit disjunction.
type Or struct {
	Left  Predicate
	Right Predicate
}

// Not is boolean negation.
type Not struct {
	Operand Predicate
}

// Forall quantifies a body over every element of a list-valued domain.
type Forall struct {
	Variable     string
	VariableType *TypeSpec
	Domain       Predicate
	Body         Predicate
}

// Exists quantifies a body over any element of a list-valued domain.
type Exists struct {
	Variable     string
	VariableType *TypeSpec
	Domain       Predicate
	Body         Predicate
}

// Mul multiplies a numeric operand by an integer literal.
type Mul struct {
	Left       Predicate
	Literal    int64
	ResultType TypeSpec
}

func (FactRef) isPredicate()        {}
func (FieldRef) isPredicate()       {}
func (Literal) isPredicate()        {}
func (VerdictPresent) isPredicate() {}
func (Compare) isPredicate()        {}
func (And) isPredicate()            {}
func (Or) isPredicate()             {}
func (Not) isPredicate()            {}
func (Forall) isPredicate()         {}
func (Exists) isPredicate()         {}
func (Mul) isPredicate()            {}

// Context carries bound variables from enclosing quantifiers.
type Context struct {
	bindings map[string]Value
}

// NewContext returns an empty evaluation context.
func NewContext() *Context {
	return &Context{bindings: make(map[string]Value)}
}

func (c *Context) child(name string, v Value) *Context {
	next := &Context{bindings: make(map[string]Value, len(c.bindings)+1)}
	for k, bv := range c.bindings {
		next.bindings[k] = bv
	}
	next.bindings[name] = v
	return next
}

// EvalPredicate evaluates a predicate tree against facts and verdicts.
//
// Logical nodes yield BoolValue; fact refs, field refs and literals yield
// the value directly. Evaluation is deterministic and side-effect-free
// apart from provenance collection: every FactRef and VerdictPresent
// encountered is recorded in the collector. And/Or short-circuit, but a
// left-side error propagates rather than becoming false.
func EvalPredicate(pred Predicate, facts FactSet, verdicts *VerdictSet, ctx *Context, collector *Collector) (Value, error) {
	switch p := pred.(type) {
	case FactRef:
		collector.RecordFact(p.ID)
		v, ok := facts[p.ID]
		if !ok {
			return nil, &UnknownFactError{FactID: p.ID}
		}
		return v, nil

	case FieldRef:
		v, bound := ctx.bindings[p.Var]
		if !bound {
			collector.RecordFact(p.Var)
			v, bound = facts[p.Var]
			if !bound {
				return nil, &UnboundVariableError{Name: p.Var}
			}
		}
		rec, ok := v.(RecordValue)
		if !ok {
			return nil, &NotARecordError{
				Message: fmt.Sprintf("variable '%s' is not a Record, got %s", p.Var, v.TypeName()),
			}
		}
		fv, ok := rec[p.Field]
		if !ok {
			return nil, &NotARecordError{
				Message: fmt.Sprintf("field '%s' not found in record variable '%s'", p.Field, p.Var),
			}
		}
		return fv, nil

	case Literal:
		return p.Value, nil

	case VerdictPresent:
		collector.RecordVerdict(p.ID)
		return BoolValue(verdicts.Has(p.ID)), nil

	case Compare:
		left, err := EvalPredicate(p.Left, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		right, err := EvalPredicate(p.Right, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		result, err := CompareValues(left, right, p.Op, p.ComparisonType)
		if err != nil {
			return nil, err
		}
		return BoolValue(result), nil

	case And:
		left, err := EvalPredicate(p.Left, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		lb, err := AsBool(left)
		if err != nil {
			return nil, err
		}
		if !lb {
			return BoolValue(false), nil
		}
		right, err := EvalPredicate(p.Right, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		rb, err := AsBool(right)
		if err != nil {
			return nil, err
		}
		return BoolValue(rb), nil

	case Or:
		left, err := EvalPredicate(p.Left, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		lb, err := AsBool(left)
		if err != nil {
			return nil, err
		}
		if lb {
			return BoolValue(true), nil
		}
		right, err := EvalPredicate(p.Right, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		rb, err := AsBool(right)
		if err != nil {
			return nil, err
		}
		return BoolValue(rb), nil

	case Not:
		v, err := EvalPredicate(p.Operand, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		b, err := AsBool(v)
		if err != nil {
			return nil, err
		}
		return BoolValue(!b), nil

	case Forall:
		elements, err := quantifierDomain("forall", p.Domain, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		for _, elem := range elements {
			result, err := EvalPredicate(p.Body, facts, verdicts, ctx.child(p.Variable, elem), collector)
			if err != nil {
				return nil, err
			}
			b, err := AsBool(result)
			if err != nil {
				return nil, err
			}
			if !b {
				return BoolValue(false), nil
			}
		}
		// Vacuous truth over an empty domain.
		return BoolValue(true), nil

	case Exists:
		elements, err := quantifierDomain("exists", p.Domain, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		for _, elem := range elements {
			result, err := EvalPredicate(p.Body, facts, verdicts, ctx.child(p.Variable, elem), collector)
			if err != nil {
				return nil, err
			}
			b, err := AsBool(result)
			if err != nil {
				return nil, err
			}
			if b {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil

	case Mul:
		left, err := EvalPredicate(p.Left, facts, verdicts, ctx, collector)
		if err != nil {
			return nil, err
		}
		switch lv := left.(type) {
		case IntValue:
			return EvalIntMul(int64(lv), p.Literal, p.ResultType)
		case DecimalValue:
			precision := 28
			scale := 0
			if p.ResultType.Precision != nil {
				precision = *p.ResultType.Precision
			}
			if p.ResultType.Scale != nil {
				scale = *p.ResultType.Scale
			}
			d, err := EvalDecimalMul(lv.D, p.Literal, precision, scale)
			if err != nil {
				return nil, err
			}
			return DecimalValue{D: d}, nil
		case MoneyValue:
			d, err := EvalDecimalMul(lv.Amount, p.Literal, 28, lv.Amount.Scale())
			if err != nil {
				return nil, err
			}
			return MoneyValue{Amount: d, Currency: lv.Currency}, nil
		}
		return nil, &TypeError{
			Message: fmt.Sprintf("multiplication requires numeric operand, got %s", left.TypeName()),
		}
	}
	return nil, &TypeError{Message: "unknown predicate node"}
}

func quantifierDomain(kind string, domain Predicate, facts FactSet, verdicts *VerdictSet, ctx *Context, collector *Collector) ([]Value, error) {
	v, err := EvalPredicate(domain, facts, verdicts, ctx, collector)
	if err != nil {
		return nil, err
	}
	list, ok := v.(ListValue)
	if !ok {
		return nil, &TypeError{
			Message: fmt.Sprintf("%s domain must be a List, got %s", kind, v.TypeName()),
		}
	}
	return list, nil
}

// TrueLiteral is the always-true predicate used for operations declared
// without a precondition.
func TrueLiteral() Predicate {
	return Literal{Value: BoolValue(true), Type: BoolType()}
}

// VerdictRefs walks a predicate tree and returns every distinct verdict
// type referenced by a VerdictPresent node, in first-appearance order.
func VerdictRefs(pred Predicate) []string {
	var refs []string
	seen := make(map[string]bool)
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch n := p.(type) {
		case VerdictPresent:
			if !seen[n.ID] {
				seen[n.ID] = true
				refs = append(refs, n.ID)
			}
		case And:
			walk(n.Left)
			walk(n.Right)
		case Or:
			walk(n.Left)
			walk(n.Right)
		case Compare:
			walk(n.Left)
			walk(n.Right)
		case Not:
			walk(n.Operand)
		case Forall:
			walk(n.Domain)
			walk(n.Body)
		case Exists:
			walk(n.Domain)
			walk(n.Body)
		case Mul:
			walk(n.Left)
		}
	}
	walk(pred)
	return refs
}

// FactRefs walks a predicate tree and returns every distinct fact id
// referenced by a FactRef node, in first-appearance order.
func FactRefs(pred Predicate) []string {
	var refs []string
	seen := make(map[string]bool)
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch n := p.(type) {
		case FactRef:
			if !seen[n.ID] {
				seen[n.ID] = true
				refs = append(refs, n.ID)
			}
		case And:
			walk(n.Left)
			walk(n.Right)
		case Or:
			walk(n.Left)
			walk(n.Right)
		case Compare:
			walk(n.Left)
			walk(n.Right)
		case Not:
			walk(n.Operand)
		case Forall:
			walk(n.Domain)
			walk(n.Body)
		case Exists:
			walk(n.Domain)
			walk(n.Body)
		case Mul:
			walk(n.Left)
		}
	}
	walk(pred)
	return refs
}
