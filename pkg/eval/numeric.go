package eval

import (
	"fmt"
	"math"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

// cmpMatches translates a three-way comparison into the requested
// operator's truth value.
func cmpMatches(cmp int, op string) (bool, error) {
	switch op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, &TypeError{Message: fmt.Sprintf("unknown comparison operator %q", op)}
}

func isEqualityOp(op string) bool { return op == "=" || op == "!=" }

// CompareValues evaluates `left op right`. Mixed Int/Decimal operands
// promote through the comparison type; Money requires matching
// currencies, with or without a comparison type; Text, Enum and Bool
// support only equality.
func CompareValues(left, right Value, op string, comparisonType *TypeSpec) (bool, error) {
	switch l := left.(type) {
	case BoolValue:
		r, ok := right.(BoolValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		if !isEqualityOp(op) {
			return false, &TypeError{Message: "ordering comparison not supported for Bool"}
		}
		return cmpMatches(boolCmp(bool(l), bool(r)), op)

	case TextValue:
		r, ok := right.(TextValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		if !isEqualityOp(op) {
			return false, &TypeError{Message: "ordering comparison not supported for Text"}
		}
		if l == r {
			return cmpMatches(0, op)
		}
		return cmpMatches(1, op)

	case EnumValue:
		r, ok := right.(EnumValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		if !isEqualityOp(op) {
			return false, &TypeError{Message: "ordering comparison not supported for Enum"}
		}
		if l == r {
			return cmpMatches(0, op)
		}
		return cmpMatches(1, op)

	case DateValue:
		r, ok := right.(DateValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		return cmpMatches(stringCmp(string(l), string(r)), op)

	case DateTimeValue:
		r, ok := right.(DateTimeValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		return cmpMatches(stringCmp(string(l), string(r)), op)

	case DurationValue:
		r, ok := right.(DurationValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		if l.Unit != r.Unit {
			return false, &TypeError{
				Message: fmt.Sprintf("cannot compare Duration in '%s' to Duration in '%s'", l.Unit, r.Unit),
			}
		}
		return cmpMatches(int64Cmp(l.Amount, r.Amount), op)

	case IntValue:
		switch r := right.(type) {
		case IntValue:
			return cmpMatches(int64Cmp(int64(l), int64(r)), op)
		case DecimalValue:
			ld := decimal.FromInt(int64(l))
			return cmpMatches(ld.Cmp(r.D), op)
		}
		return false, compareTypeError(left, right)

	case DecimalValue:
		switch r := right.(type) {
		case DecimalValue:
			return cmpMatches(l.D.Cmp(r.D), op)
		case IntValue:
			rd := decimal.FromInt(int64(r))
			return cmpMatches(l.D.Cmp(rd), op)
		}
		return false, compareTypeError(left, right)

	case MoneyValue:
		r, ok := right.(MoneyValue)
		if !ok {
			return false, compareTypeError(left, right)
		}
		if l.Currency != r.Currency {
			// Cross-currency comparison needs an explicit comparison type
			// naming a single currency, and even then both sides must be
			// in it; anything else is a contract authoring error.
			if comparisonType == nil || comparisonType.Currency == "" {
				return false, &TypeError{
					Message: fmt.Sprintf("cannot compare Money in %s to Money in %s without a comparison type",
						l.Currency, r.Currency),
				}
			}
			return false, &TypeError{
				Message: fmt.Sprintf("currency mismatch: %s vs %s", l.Currency, r.Currency),
			}
		}
		return cmpMatches(l.Amount.Cmp(r.Amount), op)

	case RecordValue, ListValue:
		return false, &TypeError{
			Message: fmt.Sprintf("cannot compare %s values", left.TypeName()),
		}
	}
	return false, compareTypeError(left, right)
}

func compareTypeError(left, right Value) error {
	return &TypeError{
		Message: fmt.Sprintf("cannot compare %s to %s", left.TypeName(), right.TypeName()),
	}
}

func boolCmp(a, b bool) int {
	if a == b {
		return 0
	}
	return 1
}

func stringCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// EvalIntMul multiplies an Int by an integer literal with overflow
// checking. When the result type is Decimal the product is promoted and
// rescaled.
func EvalIntMul(i, literal int64, resultType TypeSpec) (Value, error) {
	product, ok := checkedMulInt64(i, literal)
	if !ok {
		return nil, &OverflowError{
			Message: fmt.Sprintf("integer multiplication overflow: %d * %d", i, literal),
		}
	}
	if resultType.Base == "Decimal" {
		precision := 28
		scale := 0
		if resultType.Precision != nil {
			precision = *resultType.Precision
		}
		if resultType.Scale != nil {
			scale = *resultType.Scale
		}
		d := decimal.FromInt(product).Rescale(scale)
		if !d.FitsPrecision(precision, scale) {
			return nil, &OverflowError{
				Message: fmt.Sprintf("result %s exceeds declared precision (%d,%d)", d.String(), precision, scale),
			}
		}
		return DecimalValue{D: d}, nil
	}
	if resultType.Min != nil && product < *resultType.Min {
		return nil, &OverflowError{
			Message: fmt.Sprintf("result %d below declared minimum %d", product, *resultType.Min),
		}
	}
	if resultType.Max != nil && product > *resultType.Max {
		return nil, &OverflowError{
			Message: fmt.Sprintf("result %d above declared maximum %d", product, *resultType.Max),
		}
	}
	return IntValue(product), nil
}

// EvalDecimalMul multiplies a Decimal by an integer literal, rescales to
// the declared scale with nearest-even rounding, and enforces the
// declared precision.
func EvalDecimalMul(d decimal.Decimal, literal int64, precision, scale int) (decimal.Decimal, error) {
	result := d.MulInt(literal).Rescale(scale)
	if !result.FitsPrecision(precision, scale) {
		return decimal.Zero, &OverflowError{
			Message: fmt.Sprintf("result %s exceeds declared precision (%d,%d)", result.String(), precision, scale),
		}
	}
	return result, nil
}

func checkedMulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == math.MinInt64 && b == -1) || (b == math.MinInt64 && a == -1) {
		return 0, false
	}
	product := a * b
	if product/b != a {
		return 0, false
	}
	return product, true
}
