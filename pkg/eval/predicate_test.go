package eval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

func makeVerdictSet(types ...string) *VerdictSet {
	vs := NewVerdictSet()
	for _, vt := range types {
		vs.Push(Verdict{
			VerdictType: vt,
			Payload:     BoolValue(true),
			Provenance:  VerdictProvenance{RuleID: "test", Stratum: 0},
		})
	}
	return vs
}

func evalOn(t *testing.T, pred Predicate, facts FactSet, verdicts *VerdictSet) (Value, *Collector, error) {
	t.Helper()
	collector := NewCollector()
	v, err := EvalPredicate(pred, facts, verdicts, NewContext(), collector)
	return v, collector, err
}

func TestEvalFactRef(t *testing.T) {
	facts := FactSet{"x": IntValue(42)}
	v, collector, err := evalOn(t, FactRef{ID: "x"}, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, IntValue(42), v)
	assert.Equal(t, []string{"x"}, collector.FactsUsed)
}

func TestEvalFactRefMissing(t *testing.T) {
	_, _, err := evalOn(t, FactRef{ID: "missing"}, FactSet{}, NewVerdictSet())
	var unknown *UnknownFactError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.FactID)
}

func TestEvalLiteral(t *testing.T) {
	v, _, err := evalOn(t, Literal{Value: BoolValue(true), Type: BoolType()}, FactSet{}, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalVerdictPresent(t *testing.T) {
	v, collector, err := evalOn(t, VerdictPresent{ID: "account_active"}, FactSet{}, makeVerdictSet("account_active"))
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
	assert.Equal(t, []string{"account_active"}, collector.VerdictsUsed)
}

func TestEvalVerdictPresentMissingIsFalse(t *testing.T) {
	v, collector, err := evalOn(t, VerdictPresent{ID: "nonexistent_verdict"}, FactSet{}, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(false), v)
	// Still recorded for provenance.
	assert.Equal(t, []string{"nonexistent_verdict"}, collector.VerdictsUsed)
}

func TestEvalCompareEqual(t *testing.T) {
	facts := FactSet{"x": BoolValue(true)}
	pred := Compare{
		Left:  FactRef{ID: "x"},
		Op:    "=",
		Right: Literal{Value: BoolValue(true), Type: BoolType()},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalAndShortCircuit(t *testing.T) {
	pred := And{
		Left:  VerdictPresent{ID: "missing"},
		Right: VerdictPresent{ID: "b"},
	}
	v, collector, err := evalOn(t, pred, FactSet{}, makeVerdictSet("b"))
	require.NoError(t, err)
	assert.Equal(t, BoolValue(false), v)
	// Right side never evaluated.
	assert.Equal(t, []string{"missing"}, collector.VerdictsUsed)
}

func TestEvalOrShortCircuit(t *testing.T) {
	pred := Or{
		Left:  VerdictPresent{ID: "a"},
		Right: VerdictPresent{ID: "b"},
	}
	v, collector, err := evalOn(t, pred, FactSet{}, makeVerdictSet("a"))
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
	assert.Equal(t, []string{"a"}, collector.VerdictsUsed)
}

func TestEvalNot(t *testing.T) {
	v, _, err := evalOn(t, Not{Operand: VerdictPresent{ID: "missing"}}, FactSet{}, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalNestedAndOr(t *testing.T) {
	// (a AND b) OR c with a, c present.
	pred := Or{
		Left:  And{Left: VerdictPresent{ID: "a"}, Right: VerdictPresent{ID: "b"}},
		Right: VerdictPresent{ID: "c"},
	}
	v, _, err := evalOn(t, pred, FactSet{}, makeVerdictSet("a", "c"))
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func itemsList(valids ...bool) ListValue {
	list := make(ListValue, 0, len(valids))
	for _, b := range valids {
		list = append(list, RecordValue{"valid": BoolValue(b)})
	}
	return list
}

func forallValidPred() Predicate {
	return Forall{
		Variable: "item",
		Domain:   FactRef{ID: "items"},
		Body: Compare{
			Left:  FieldRef{Var: "item", Field: "valid"},
			Op:    "=",
			Right: Literal{Value: BoolValue(true), Type: BoolType()},
		},
	}
}

func TestEvalForallAllTrue(t *testing.T) {
	facts := FactSet{"items": itemsList(true, true)}
	v, _, err := evalOn(t, forallValidPred(), facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalForallOneFalse(t *testing.T) {
	facts := FactSet{"items": itemsList(true, false)}
	v, _, err := evalOn(t, forallValidPred(), facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(false), v)
}

func TestEvalForallEmptyListVacuouslyTrue(t *testing.T) {
	facts := FactSet{"items": ListValue{}}
	v, _, err := evalOn(t, forallValidPred(), facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalExistsEmptyListIsFalse(t *testing.T) {
	facts := FactSet{"items": ListValue{}}
	pred := Exists{
		Variable: "item",
		Domain:   FactRef{ID: "items"},
		Body: Compare{
			Left:  FieldRef{Var: "item", Field: "valid"},
			Op:    "=",
			Right: Literal{Value: BoolValue(true), Type: BoolType()},
		},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(false), v)
}

func TestEvalExistsOneMatch(t *testing.T) {
	facts := FactSet{"items": itemsList(true, false)}
	pred := Exists{
		Variable: "item",
		Domain:   FactRef{ID: "items"},
		Body: Compare{
			Left:  FieldRef{Var: "item", Field: "valid"},
			Op:    "=",
			Right: Literal{Value: BoolValue(false), Type: BoolType()},
		},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalMoneyComparison(t *testing.T) {
	facts := FactSet{
		"balance": MoneyValue{Amount: decimal.MustParse("5000.00"), Currency: "USD"},
		"limit":   MoneyValue{Amount: decimal.MustParse("10000.00"), Currency: "USD"},
	}
	ct := &TypeSpec{Base: "Money", Currency: "USD"}
	pred := Compare{Left: FactRef{ID: "balance"}, Op: "<=", Right: FactRef{ID: "limit"}, ComparisonType: ct}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalMoneyCrossCurrencyFails(t *testing.T) {
	facts := FactSet{
		"balance": MoneyValue{Amount: decimal.MustParse("5000.00"), Currency: "USD"},
		"limit":   MoneyValue{Amount: decimal.MustParse("10000.00"), Currency: "EUR"},
	}
	pred := Compare{Left: FactRef{ID: "balance"}, Op: "<=", Right: FactRef{ID: "limit"}}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "comparison type")
}

func TestEvalEnumComparison(t *testing.T) {
	facts := FactSet{"status": EnumValue("confirmed")}
	enumType := TypeSpec{Base: "Enum", Values: []string{"pending", "confirmed", "failed"}}
	pred := Compare{
		Left:  FactRef{ID: "status"},
		Op:    "=",
		Right: Literal{Value: EnumValue("confirmed"), Type: enumType},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalEnumOrderingRejected(t *testing.T) {
	facts := FactSet{"status": EnumValue("confirmed")}
	pred := Compare{
		Left:  FactRef{ID: "status"},
		Op:    "<",
		Right: Literal{Value: EnumValue("failed"), Type: TypeSpec{Base: "Enum"}},
	}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "ordering")
}

func TestEvalIntDecimalPromotion(t *testing.T) {
	facts := FactSet{"count": IntValue(3)}
	pred := Compare{
		Left:  FactRef{ID: "count"},
		Op:    "<",
		Right: Literal{Value: DecimalValue{D: decimal.MustParse("3.5")}, Type: TypeSpec{Base: "Decimal"}},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}

func TestEvalMulInt(t *testing.T) {
	minV, maxV := int64(0), int64(100)
	facts := FactSet{"x": IntValue(5)}
	pred := Mul{
		Left:       FactRef{ID: "x"},
		Literal:    10,
		ResultType: TypeSpec{Base: "Int", Min: &minV, Max: &maxV},
	}
	v, _, err := evalOn(t, pred, facts, NewVerdictSet())
	require.NoError(t, err)
	assert.Equal(t, IntValue(50), v)
}

func TestEvalMulIntOverflow(t *testing.T) {
	facts := FactSet{"big": IntValue(math.MaxInt64)}
	pred := Mul{Left: FactRef{ID: "big"}, Literal: 2, ResultType: TypeSpec{Base: "Int"}}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Contains(t, overflow.Message, "overflow")
}

func TestEvalMulDecimalPrecisionOverflow(t *testing.T) {
	precision, scale := 5, 2
	facts := FactSet{"amount": DecimalValue{D: decimal.MustParse("999.99")}}
	pred := Mul{
		Left:       FactRef{ID: "amount"},
		Literal:    2,
		ResultType: TypeSpec{Base: "Decimal", Precision: &precision, Scale: &scale},
	}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Contains(t, overflow.Message, "exceeds declared precision")
}

func TestEvalMulOnTextFails(t *testing.T) {
	facts := FactSet{"label": TextValue("hello")}
	pred := Mul{Left: FactRef{ID: "label"}, Literal: 3, ResultType: TypeSpec{Base: "Int"}}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "multiplication requires numeric")
}

func TestEvalCompareIntToTextFails(t *testing.T) {
	facts := FactSet{"age": IntValue(25)}
	pred := Compare{
		Left:  FactRef{ID: "age"},
		Op:    "=",
		Right: Literal{Value: TextValue("twenty-five"), Type: TypeSpec{Base: "Text"}},
	}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "cannot compare")
}

func TestEvalMissingFactInAndPropagates(t *testing.T) {
	pred := And{
		Left: Compare{
			Left:  FactRef{ID: "missing"},
			Op:    "=",
			Right: Literal{Value: BoolValue(true), Type: BoolType()},
		},
		Right: VerdictPresent{ID: "something"},
	}
	_, _, err := evalOn(t, pred, FactSet{}, NewVerdictSet())
	var unknown *UnknownFactError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.FactID)
}

func TestEvalFieldRefOnNonRecord(t *testing.T) {
	facts := FactSet{"name": TextValue("hello")}
	_, _, err := evalOn(t, FieldRef{Var: "name", Field: "length"}, facts, NewVerdictSet())
	var notRecord *NotARecordError
	require.ErrorAs(t, err, &notRecord)
	assert.Contains(t, notRecord.Message, "not a Record")
}

func TestEvalFieldRefMissingField(t *testing.T) {
	facts := FactSet{"person": RecordValue{"name": TextValue("Alice")}}
	_, _, err := evalOn(t, FieldRef{Var: "person", Field: "age"}, facts, NewVerdictSet())
	var notRecord *NotARecordError
	require.ErrorAs(t, err, &notRecord)
	assert.Contains(t, notRecord.Message, "not found")
}

func TestEvalForallNonListDomain(t *testing.T) {
	facts := FactSet{"count": IntValue(5)}
	pred := Forall{
		Variable: "item",
		Domain:   FactRef{ID: "count"},
		Body:     Literal{Value: BoolValue(true), Type: BoolType()},
	}
	_, _, err := evalOn(t, pred, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "forall domain must be a List")
}

func TestEvalNotOnNonBool(t *testing.T) {
	facts := FactSet{"count": IntValue(5)}
	_, _, err := evalOn(t, Not{Operand: FactRef{ID: "count"}}, facts, NewVerdictSet())
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Contains(t, typeErr.Message, "expected Bool")
}

func TestVerdictRefsCollection(t *testing.T) {
	pred := And{
		Left: Or{Left: VerdictPresent{ID: "a"}, Right: VerdictPresent{ID: "b"}},
		Right: Compare{
			Left:  FactRef{ID: "x"},
			Op:    "=",
			Right: Literal{Value: IntValue(1), Type: TypeSpec{Base: "Int"}},
		},
	}
	assert.Equal(t, []string{"a", "b"}, VerdictRefs(pred))
	assert.Equal(t, []string{"x"}, FactRefs(pred))
}
