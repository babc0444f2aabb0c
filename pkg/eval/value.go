package eval

import (
	"fmt"
	"sort"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

// TypeSpec describes a semantic type. Base selects the kind; the other
// fields refine it. Optional numeric fields use pointers so "absent"
// stays distinguishable from zero.
type TypeSpec struct {
	Base        string              `json:"base"`
	Precision   *int                `json:"precision,omitempty"`
	Scale       *int                `json:"scale,omitempty"`
	Currency    string              `json:"currency,omitempty"`
	Min         *int64              `json:"min,omitempty"`
	Max         *int64              `json:"max,omitempty"`
	MaxLength   *int                `json:"max_length,omitempty"`
	Values      []string            `json:"values,omitempty"`
	Fields      map[string]TypeSpec `json:"fields,omitempty"`
	ElementType *TypeSpec           `json:"element_type,omitempty"`
	Unit        string              `json:"unit,omitempty"`
	RefID       string              `json:"id,omitempty"`
}

// BoolType is the TypeSpec for plain booleans.
func BoolType() TypeSpec { return TypeSpec{Base: "Bool"} }

// Value is a strictly typed runtime value. The concrete types below are
// the only implementations. Null/absent is not a value.
type Value interface {
	isValue()
	// TypeName names the value's kind for error messages.
	TypeName() string
	// JSON returns the value encoded for output documents.
	JSON() any
}

// BoolValue is a boolean.
type BoolValue bool

// IntValue is a bounded integer.
type IntValue int64

// DecimalValue is an exact decimal.
type DecimalValue struct {
	D decimal.Decimal
}

// TextValue is bounded text.
type TextValue string

// DateValue holds an ISO 8601 calendar date (YYYY-MM-DD).
type DateValue string

// DateTimeValue holds an RFC 3339 timestamp.
type DateTimeValue string

// EnumValue holds one variant name of an enum type.
type EnumValue string

// MoneyValue is an exact decimal amount in a single currency.
type MoneyValue struct {
	Amount   decimal.Decimal
	Currency string
}

// DurationValue is a quantity of a declared time unit.
type DurationValue struct {
	Amount int64
	Unit   string
}

// RecordValue maps field names to values.
type RecordValue map[string]Value

// ListValue is an ordered sequence of same-typed values.
type ListValue []Value

func (BoolValue) isValue()     {}
func (IntValue) isValue()      {}
func (DecimalValue) isValue()  {}
func (TextValue) isValue()     {}
func (DateValue) isValue()     {}
func (DateTimeValue) isValue() {}
func (EnumValue) isValue()     {}
func (MoneyValue) isValue()    {}
func (DurationValue) isValue() {}
func (RecordValue) isValue()   {}
func (ListValue) isValue()     {}

func (BoolValue) TypeName() string     { return "Bool" }
func (IntValue) TypeName() string      { return "Int" }
func (DecimalValue) TypeName() string  { return "Decimal" }
func (TextValue) TypeName() string     { return "Text" }
func (DateValue) TypeName() string     { return "Date" }
func (DateTimeValue) TypeName() string { return "DateTime" }
func (EnumValue) TypeName() string     { return "Enum" }
func (MoneyValue) TypeName() string    { return "Money" }
func (DurationValue) TypeName() string { return "Duration" }
func (RecordValue) TypeName() string   { return "Record" }
func (ListValue) TypeName() string     { return "List" }

func (v BoolValue) JSON() any     { return bool(v) }
func (v IntValue) JSON() any      { return int64(v) }
func (v DecimalValue) JSON() any  { return v.D.String() }
func (v TextValue) JSON() any     { return string(v) }
func (v DateValue) JSON() any     { return string(v) }
func (v DateTimeValue) JSON() any { return string(v) }
func (v EnumValue) JSON() any     { return string(v) }

func (v MoneyValue) JSON() any {
	return map[string]any{"amount": v.Amount.String(), "currency": v.Currency}
}

func (v DurationValue) JSON() any { return v.Amount }

func (v RecordValue) JSON() any {
	out := make(map[string]any, len(v))
	for k, fv := range v {
		out[k] = fv.JSON()
	}
	return out
}

func (v ListValue) JSON() any {
	out := make([]any, len(v))
	for i, ev := range v {
		out[i] = ev.JSON()
	}
	return out
}

// AsBool narrows a value to bool or fails with a TypeError.
func AsBool(v Value) (bool, error) {
	b, ok := v.(BoolValue)
	if !ok {
		return false, &TypeError{Message: fmt.Sprintf("expected Bool, got %s", v.TypeName())}
	}
	return bool(b), nil
}

// ValuesEqual reports deep equality of two values of the same kind.
// Decimals and money compare numerically, so 1.5 equals 1.50.
func ValuesEqual(a, b Value) bool {
	switch av := a.(type) {
	case BoolValue:
		bv, ok := b.(BoolValue)
		return ok && av == bv
	case IntValue:
		bv, ok := b.(IntValue)
		return ok && av == bv
	case DecimalValue:
		bv, ok := b.(DecimalValue)
		return ok && av.D.Equal(bv.D)
	case TextValue:
		bv, ok := b.(TextValue)
		return ok && av == bv
	case DateValue:
		bv, ok := b.(DateValue)
		return ok && av == bv
	case DateTimeValue:
		bv, ok := b.(DateTimeValue)
		return ok && av == bv
	case EnumValue:
		bv, ok := b.(EnumValue)
		return ok && av == bv
	case MoneyValue:
		bv, ok := b.(MoneyValue)
		return ok && av.Currency == bv.Currency && av.Amount.Equal(bv.Amount)
	case DurationValue:
		bv, ok := b.(DurationValue)
		return ok && av == bv
	case RecordValue:
		bv, ok := b.(RecordValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, fv := range av {
			ov, ok := bv[k]
			if !ok || !ValuesEqual(fv, ov) {
				return false
			}
		}
		return true
	case ListValue:
		bv, ok := b.(ListValue)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// FieldNames returns a record's field names in sorted order.
func (v RecordValue) FieldNames() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FactSet maps fact ids to their typed values.
type FactSet map[string]Value
