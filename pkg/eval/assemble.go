package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

// AssembleFacts binds a raw input facts document to the contract's fact
// declarations, applying declared defaults and coercing JSON scalars to
// typed values. A declared fact that is absent from the input and has no
// default fails with an UnknownFactError.
func AssembleFacts(contract *Contract, input []byte) (FactSet, error) {
	raw := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(input)) > 0 {
		if err := json.Unmarshal(input, &raw); err != nil {
			return nil, fmt.Errorf("facts document must be a JSON object: %w", err)
		}
	}
	return AssembleFactsRaw(contract, raw)
}

// AssembleFactsRaw is AssembleFacts over an already-split document.
func AssembleFactsRaw(contract *Contract, raw map[string]json.RawMessage) (FactSet, error) {
	facts := make(FactSet, len(contract.Facts))
	for _, decl := range contract.Facts {
		rawValue, present := raw[decl.ID]
		if !present {
			if decl.Default != nil {
				facts[decl.ID] = decl.Default
				continue
			}
			return nil, &UnknownFactError{FactID: decl.ID}
		}
		v, err := CoerceValue(rawValue, decl.Type)
		if err != nil {
			return nil, &AssembleError{FactID: decl.ID, Reason: err.Error()}
		}
		facts[decl.ID] = v
	}
	return facts, nil
}

// CoerceValue coerces raw JSON to a typed value, enforcing the declared
// type's constraints.
func CoerceValue(raw json.RawMessage, ts TypeSpec) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, fmt.Errorf("null is not a value")
	}

	switch ts.Base {
	case "Bool":
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("expected boolean")
		}
		return BoolValue(b), nil

	case "Int":
		var num json.Number
		if err := json.Unmarshal(trimmed, &num); err != nil {
			return nil, fmt.Errorf("expected integer")
		}
		n, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", num.String())
		}
		if ts.Min != nil && n < *ts.Min {
			return nil, fmt.Errorf("value %d below declared minimum %d", n, *ts.Min)
		}
		if ts.Max != nil && n > *ts.Max {
			return nil, fmt.Errorf("value %d above declared maximum %d", n, *ts.Max)
		}
		return IntValue(n), nil

	case "Decimal":
		text, err := numericText(trimmed)
		if err != nil {
			return nil, err
		}
		d, err := decimal.Parse(text)
		if err != nil {
			return nil, err
		}
		precision := 28
		scale := d.Scale()
		if ts.Precision != nil {
			precision = *ts.Precision
		}
		if ts.Scale != nil {
			if d.Scale() > *ts.Scale {
				return nil, fmt.Errorf("value %s exceeds declared scale %d", d.String(), *ts.Scale)
			}
			scale = *ts.Scale
		}
		d = d.Rescale(scale)
		if !d.FitsPrecision(precision, scale) {
			return nil, fmt.Errorf("value %s exceeds declared precision (%d,%d)", d.String(), precision, scale)
		}
		return DecimalValue{D: d}, nil

	case "Money":
		return coerceMoney(trimmed, ts)

	case "Text":
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		if ts.MaxLength != nil && len(s) > *ts.MaxLength {
			return nil, fmt.Errorf("text length %d exceeds max_length %d", len(s), *ts.MaxLength)
		}
		return TextValue(s), nil

	case "Enum":
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		for _, variant := range ts.Values {
			if s == variant {
				return EnumValue(s), nil
			}
		}
		return nil, fmt.Errorf("unknown enum variant '%s' (valid: %s)", s, strings.Join(ts.Values, ", "))

	case "Date":
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return nil, fmt.Errorf("invalid date '%s' (want YYYY-MM-DD)", s)
		}
		return DateValue(s), nil

	case "DateTime":
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected string")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, fmt.Errorf("invalid datetime '%s' (want RFC 3339)", s)
		}
		return DateTimeValue(s), nil

	case "Duration":
		var num json.Number
		if err := json.Unmarshal(trimmed, &num); err != nil {
			return nil, fmt.Errorf("expected integer duration in %s", ts.Unit)
		}
		n, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer duration")
		}
		if ts.Min != nil && n < *ts.Min {
			return nil, fmt.Errorf("duration %d below declared minimum %d", n, *ts.Min)
		}
		if ts.Max != nil && n > *ts.Max {
			return nil, fmt.Errorf("duration %d above declared maximum %d", n, *ts.Max)
		}
		return DurationValue{Amount: n, Unit: ts.Unit}, nil

	case "List":
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("expected array")
		}
		if ts.Max != nil && int64(len(items)) > *ts.Max {
			return nil, fmt.Errorf("list length %d exceeds declared max %d", len(items), *ts.Max)
		}
		elemType := TypeSpec{Base: "Text"}
		if ts.ElementType != nil {
			elemType = *ts.ElementType
		}
		list := make(ListValue, 0, len(items))
		for i, item := range items {
			v, err := CoerceValue(item, elemType)
			if err != nil {
				return nil, fmt.Errorf("element %d: %v", i, err)
			}
			list = append(list, v)
		}
		return list, nil

	case "Record":
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("expected object")
		}
		rec := make(RecordValue, len(ts.Fields))
		for name, fieldType := range ts.Fields {
			rawField, ok := fields[name]
			if !ok {
				return nil, fmt.Errorf("missing record field '%s'", name)
			}
			v, err := CoerceValue(rawField, fieldType)
			if err != nil {
				return nil, fmt.Errorf("field '%s': %v", name, err)
			}
			rec[name] = v
		}
		return rec, nil
	}

	return nil, fmt.Errorf("unsupported type '%s'", ts.Base)
}

func numericText(trimmed []byte) (string, error) {
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("expected decimal string")
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return "", fmt.Errorf("expected decimal string or integer")
	}
	if _, err := num.Int64(); err != nil {
		// A JSON float would silently lose exactness; decimals must
		// arrive as strings or integers.
		return "", fmt.Errorf("decimal input must be a string or integer, got float %s", num.String())
	}
	return num.String(), nil
}

func coerceMoney(trimmed []byte, ts TypeSpec) (Value, error) {
	// String form "USD 12.50".
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("expected money object or string")
		}
		mv, err := parseMoneyString(s, ts.Currency)
		if err != nil {
			return nil, err
		}
		return mv, nil
	}

	var obj struct {
		Amount   json.RawMessage `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("expected money object {amount, currency}")
	}
	if len(obj.Amount) == 0 {
		return nil, fmt.Errorf("money missing 'amount'")
	}
	if err := validateCurrency(obj.Currency); err != nil {
		return nil, err
	}
	if ts.Currency != "" && obj.Currency != ts.Currency {
		return nil, fmt.Errorf("currency mismatch: declared %s, got %s", ts.Currency, obj.Currency)
	}

	text, err := numericText(bytes.TrimSpace(obj.Amount))
	if err != nil {
		return nil, fmt.Errorf("money amount: %v", err)
	}
	d, err := decimal.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("money amount: %v", err)
	}
	if d.Scale() > 2 {
		return nil, fmt.Errorf("money amount %s exceeds scale 2", d.String())
	}
	return MoneyValue{Amount: d.Rescale(2), Currency: obj.Currency}, nil
}

// parseMoneyString parses the "USD 12.50" surface form.
func parseMoneyString(s, declaredCurrency string) (Value, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid money literal %q (want \"CUR amount\")", s)
	}
	code := parts[0]
	if err := validateCurrency(code); err != nil {
		return nil, err
	}
	if declaredCurrency != "" && code != declaredCurrency {
		return nil, fmt.Errorf("currency mismatch: declared %s, got %s", declaredCurrency, code)
	}
	d, err := decimal.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("money amount: %v", err)
	}
	if d.Scale() > 2 {
		return nil, fmt.Errorf("money amount %s exceeds scale 2", d.String())
	}
	return MoneyValue{Amount: d.Rescale(2), Currency: code}, nil
}

func validateCurrency(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("currency must be a 3-letter ISO 4217 code, got %q", code)
	}
	if _, err := currency.ParseISO(code); err != nil {
		return fmt.Errorf("unknown ISO 4217 currency %q", code)
	}
	return nil
}

// EncodeFactSet renders a fact set back to a JSON-encodable document,
// the inverse of assembly for round-trip checks and output surfaces.
func EncodeFactSet(facts FactSet) map[string]any {
	out := make(map[string]any, len(facts))
	for id, v := range facts {
		out[id] = v.JSON()
	}
	return out
}
