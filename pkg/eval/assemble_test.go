package eval

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

func intType(minV, maxV int64) TypeSpec {
	return TypeSpec{Base: "Int", Min: &minV, Max: &maxV}
}

func decimalType(precision, scale int) TypeSpec {
	return TypeSpec{Base: "Decimal", Precision: &precision, Scale: &scale}
}

func assembleContract(facts ...FactDecl) *Contract {
	return NewContract(facts, nil, nil, nil, nil, nil)
}

func TestAssembleUsesInput(t *testing.T) {
	c := assembleContract(FactDecl{ID: "count", Type: intType(0, 100)})
	facts, err := AssembleFacts(c, []byte(`{"count": 42}`))
	require.NoError(t, err)
	assert.Equal(t, IntValue(42), facts["count"])
}

func TestAssembleAppliesDefault(t *testing.T) {
	c := assembleContract(FactDecl{ID: "count", Type: intType(0, 100), Default: IntValue(7)})
	facts, err := AssembleFacts(c, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, IntValue(7), facts["count"])
}

func TestAssembleMissingFactFails(t *testing.T) {
	c := assembleContract(FactDecl{ID: "count", Type: intType(0, 100)})
	_, err := AssembleFacts(c, []byte(`{}`))
	var unknown *UnknownFactError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "count", unknown.FactID)
}

func TestAssembleIntRange(t *testing.T) {
	c := assembleContract(FactDecl{ID: "count", Type: intType(0, 10)})
	_, err := AssembleFacts(c, []byte(`{"count": 11}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Equal(t, "count", assemble.FactID)
	assert.Contains(t, assemble.Reason, "maximum")
}

func TestAssembleDecimalFromString(t *testing.T) {
	c := assembleContract(FactDecl{ID: "rate", Type: decimalType(5, 2)})
	facts, err := AssembleFacts(c, []byte(`{"rate": "12.5"}`))
	require.NoError(t, err)
	dv := facts["rate"].(DecimalValue)
	assert.Equal(t, "12.50", dv.D.String())
}

func TestAssembleDecimalFromInteger(t *testing.T) {
	c := assembleContract(FactDecl{ID: "rate", Type: decimalType(5, 2)})
	facts, err := AssembleFacts(c, []byte(`{"rate": 12}`))
	require.NoError(t, err)
	dv := facts["rate"].(DecimalValue)
	assert.Equal(t, "12.00", dv.D.String())
}

func TestAssembleDecimalRejectsFloat(t *testing.T) {
	c := assembleContract(FactDecl{ID: "rate", Type: decimalType(5, 2)})
	_, err := AssembleFacts(c, []byte(`{"rate": 12.5}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "float")
}

func TestAssembleDecimalScaleExceeded(t *testing.T) {
	c := assembleContract(FactDecl{ID: "rate", Type: decimalType(5, 2)})
	_, err := AssembleFacts(c, []byte(`{"rate": "12.505"}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "scale")
}

func TestAssembleMoneyObject(t *testing.T) {
	c := assembleContract(FactDecl{ID: "balance", Type: TypeSpec{Base: "Money", Currency: "USD"}})
	facts, err := AssembleFacts(c, []byte(`{"balance": {"amount": "500.00", "currency": "USD"}}`))
	require.NoError(t, err)
	mv := facts["balance"].(MoneyValue)
	assert.Equal(t, "USD", mv.Currency)
	assert.True(t, mv.Amount.Equal(decimal.MustParse("500.00")))
}

func TestAssembleMoneyString(t *testing.T) {
	c := assembleContract(FactDecl{ID: "balance", Type: TypeSpec{Base: "Money", Currency: "USD"}})
	facts, err := AssembleFacts(c, []byte(`{"balance": "USD 500.00"}`))
	require.NoError(t, err)
	mv := facts["balance"].(MoneyValue)
	assert.Equal(t, "USD", mv.Currency)
}

func TestAssembleMoneyCurrencyMismatch(t *testing.T) {
	c := assembleContract(FactDecl{ID: "balance", Type: TypeSpec{Base: "Money", Currency: "USD"}})
	_, err := AssembleFacts(c, []byte(`{"balance": {"amount": "500.00", "currency": "EUR"}}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "currency mismatch")
}

func TestAssembleMoneyUnknownCurrency(t *testing.T) {
	c := assembleContract(FactDecl{ID: "balance", Type: TypeSpec{Base: "Money"}})
	_, err := AssembleFacts(c, []byte(`{"balance": {"amount": "1.00", "currency": "ZZZ"}}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "ISO 4217")
}

func TestAssembleTextMaxLength(t *testing.T) {
	maxLen := 5
	c := assembleContract(FactDecl{ID: "name", Type: TypeSpec{Base: "Text", MaxLength: &maxLen}})
	_, err := AssembleFacts(c, []byte(`{"name": "toolongname"}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "max_length")
}

func TestAssembleEnumVariant(t *testing.T) {
	c := assembleContract(FactDecl{ID: "status", Type: TypeSpec{Base: "Enum", Values: []string{"open", "closed"}}})
	facts, err := AssembleFacts(c, []byte(`{"status": "open"}`))
	require.NoError(t, err)
	assert.Equal(t, EnumValue("open"), facts["status"])

	_, err = AssembleFacts(c, []byte(`{"status": "pending"}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "unknown enum variant")
}

func TestAssembleDateValidation(t *testing.T) {
	c := assembleContract(FactDecl{ID: "due", Type: TypeSpec{Base: "Date"}})
	facts, err := AssembleFacts(c, []byte(`{"due": "2024-01-15"}`))
	require.NoError(t, err)
	assert.Equal(t, DateValue("2024-01-15"), facts["due"])

	_, err = AssembleFacts(c, []byte(`{"due": "15/01/2024"}`))
	assert.Error(t, err)
}

func TestAssembleListRecursive(t *testing.T) {
	elem := intType(0, 100)
	c := assembleContract(FactDecl{ID: "scores", Type: TypeSpec{Base: "List", ElementType: &elem}})
	facts, err := AssembleFacts(c, []byte(`{"scores": [1, 2, 3]}`))
	require.NoError(t, err)
	list := facts["scores"].(ListValue)
	require.Len(t, list, 3)
	assert.Equal(t, IntValue(2), list[1])
}

func TestAssembleRecordRecursive(t *testing.T) {
	c := assembleContract(FactDecl{ID: "item", Type: TypeSpec{
		Base: "Record",
		Fields: map[string]TypeSpec{
			"qty":  intType(0, 10),
			"name": {Base: "Text"},
		},
	}})
	facts, err := AssembleFacts(c, []byte(`{"item": {"qty": 3, "name": "widget"}}`))
	require.NoError(t, err)
	rec := facts["item"].(RecordValue)
	assert.Equal(t, IntValue(3), rec["qty"])
	assert.Equal(t, TextValue("widget"), rec["name"])

	_, err = AssembleFacts(c, []byte(`{"item": {"qty": 3}}`))
	var assemble *AssembleError
	require.ErrorAs(t, err, &assemble)
	assert.Contains(t, assemble.Reason, "missing record field")
}

func TestAssembleDuration(t *testing.T) {
	minV, maxV := int64(1), int64(365)
	c := assembleContract(FactDecl{ID: "term", Type: TypeSpec{Base: "Duration", Unit: "days", Min: &minV, Max: &maxV}})
	facts, err := AssembleFacts(c, []byte(`{"term": 30}`))
	require.NoError(t, err)
	assert.Equal(t, DurationValue{Amount: 30, Unit: "days"}, facts["term"])

	_, err = AssembleFacts(c, []byte(`{"term": 400}`))
	assert.Error(t, err)
}

// Accepted values re-encode and re-assemble to an equal value.
func TestAssembleRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	c := assembleContract(
		FactDecl{ID: "count", Type: intType(-1000000, 1000000)},
		FactDecl{ID: "flag", Type: TypeSpec{Base: "Bool"}},
		FactDecl{ID: "name", Type: TypeSpec{Base: "Text"}},
	)

	properties.Property("int/bool/text round-trip", prop.ForAll(
		func(count int32, flag bool, name string) bool {
			input, _ := json.Marshal(map[string]any{
				"count": count,
				"flag":  flag,
				"name":  name,
			})
			first, err := AssembleFacts(c, input)
			if err != nil {
				return int64(count) < -1000000 || int64(count) > 1000000
			}
			encoded, err := json.Marshal(EncodeFactSet(first))
			if err != nil {
				return false
			}
			second, err := AssembleFacts(c, encoded)
			if err != nil {
				return false
			}
			for id, v := range first {
				if !ValuesEqual(v, second[id]) {
					return false
				}
			}
			return true
		},
		gen.Int32Range(-1000000, 1000000),
		gen.Bool(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestAssembleMoneyRoundTrip(t *testing.T) {
	c := assembleContract(FactDecl{ID: "balance", Type: TypeSpec{Base: "Money", Currency: "USD"}})
	first, err := AssembleFacts(c, []byte(`{"balance": {"amount": "500.00", "currency": "USD"}}`))
	require.NoError(t, err)
	encoded, err := json.Marshal(EncodeFactSet(first))
	require.NoError(t, err)
	second, err := AssembleFacts(c, encoded)
	require.NoError(t, err)
	assert.True(t, ValuesEqual(first["balance"], second["balance"]))
}
