package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/decimal"
)

// Stratified evaluation: a stratum-1 rule sees stratum-0 verdicts, and
// its provenance records the verdicts it consulted.
func TestEvalStrataStratified(t *testing.T) {
	facts := FactSet{
		"is_active": BoolValue(true),
		"balance":   MoneyValue{Amount: decimal.MustParse("500.00"), Currency: "USD"},
	}
	contract := NewContract(nil, nil, nil, []Rule{
		{
			ID:      "check_active",
			Stratum: 0,
			When: Compare{
				Left:  FactRef{ID: "is_active"},
				Op:    "=",
				Right: Literal{Value: BoolValue(true), Type: BoolType()},
			},
			VerdictType: "account_active",
			PayloadType: BoolType(),
			Payload:     Literal{Value: BoolValue(true), Type: BoolType()},
		},
		{
			ID:      "high_value",
			Stratum: 1,
			When: And{
				Left: Compare{
					Left: FactRef{ID: "balance"},
					Op:   ">",
					Right: Literal{
						Value: MoneyValue{Amount: decimal.MustParse("100.00"), Currency: "USD"},
						Type:  TypeSpec{Base: "Money", Currency: "USD"},
					},
				},
				Right: VerdictPresent{ID: "account_active"},
			},
			VerdictType: "high_value",
			PayloadType: BoolType(),
			Payload:     Literal{Value: BoolValue(true), Type: BoolType()},
		},
	}, nil, nil)

	verdicts, err := EvalStrata(contract, facts)
	require.NoError(t, err)
	assert.True(t, verdicts.Has("account_active"))
	assert.True(t, verdicts.Has("high_value"))

	hv, ok := verdicts.Get("high_value")
	require.True(t, ok)
	assert.Equal(t, "high_value", hv.Provenance.RuleID)
	assert.Equal(t, 1, hv.Provenance.Stratum)
	assert.Contains(t, hv.Provenance.VerdictsUsed, "account_active")
	assert.Contains(t, hv.Provenance.FactsUsed, "balance")
}

func TestEvalStrataGuardFalseProducesNothing(t *testing.T) {
	facts := FactSet{"is_active": BoolValue(false)}
	contract := NewContract(nil, nil, nil, []Rule{{
		ID:      "check_active",
		Stratum: 0,
		When: Compare{
			Left:  FactRef{ID: "is_active"},
			Op:    "=",
			Right: Literal{Value: BoolValue(true), Type: BoolType()},
		},
		VerdictType: "account_active",
		PayloadType: BoolType(),
		Payload:     Literal{Value: BoolValue(true), Type: BoolType()},
	}}, nil, nil)

	verdicts, err := EvalStrata(contract, facts)
	require.NoError(t, err)
	assert.Equal(t, 0, verdicts.Len())
}

// Two rules producing the same verdict type: the first in (stratum, id)
// order is binding.
func TestEvalStrataFirstSeenVerdictWins(t *testing.T) {
	facts := FactSet{"x": IntValue(1)}
	guard := Compare{
		Left:  FactRef{ID: "x"},
		Op:    "=",
		Right: Literal{Value: IntValue(1), Type: TypeSpec{Base: "Int"}},
	}
	contract := NewContract(nil, nil, nil, []Rule{
		{ID: "b_rule", Stratum: 0, When: guard, VerdictType: "flag", PayloadType: BoolType(),
			Payload: Literal{Value: TextValue("from_b"), Type: TypeSpec{Base: "Text"}}},
		{ID: "a_rule", Stratum: 0, When: guard, VerdictType: "flag", PayloadType: BoolType(),
			Payload: Literal{Value: TextValue("from_a"), Type: TypeSpec{Base: "Text"}}},
	}, nil, nil)

	verdicts, err := EvalStrata(contract, facts)
	require.NoError(t, err)
	assert.Equal(t, 1, verdicts.Len())
	v, _ := verdicts.Get("flag")
	assert.Equal(t, "a_rule", v.Provenance.RuleID)
	assert.Equal(t, TextValue("from_a"), v.Payload)
}

func TestEvalStrataPayloadFromFact(t *testing.T) {
	facts := FactSet{"score": IntValue(88)}
	contract := NewContract(nil, nil, nil, []Rule{{
		ID:          "copy_score",
		Stratum:     0,
		When:        Literal{Value: BoolValue(true), Type: BoolType()},
		VerdictType: "score_snapshot",
		PayloadType: TypeSpec{Base: "Int"},
		Payload:     FactRef{ID: "score"},
	}}, nil, nil)

	verdicts, err := EvalStrata(contract, facts)
	require.NoError(t, err)
	v, ok := verdicts.Get("score_snapshot")
	require.True(t, ok)
	assert.Equal(t, IntValue(88), v.Payload)
}

func TestEvalStrataErrorPropagates(t *testing.T) {
	contract := NewContract(nil, nil, nil, []Rule{{
		ID:          "broken",
		Stratum:     0,
		When:        FactRef{ID: "missing"},
		VerdictType: "never",
		PayloadType: BoolType(),
		Payload:     Literal{Value: BoolValue(true), Type: BoolType()},
	}}, nil, nil)

	_, err := EvalStrata(contract, FactSet{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
