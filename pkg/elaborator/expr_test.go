package elaborator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExprComparison(t *testing.T) {
	e, err := ParseExpr("amount > 100")
	require.NoError(t, err)
	cmp, ok := e.(ExprCompare)
	require.True(t, ok)
	assert.Equal(t, ">", cmp.Op)
	assert.Equal(t, TermFactRef{Name: "amount"}, cmp.Left)
	lit := cmp.Right.(TermLit)
	assert.Equal(t, "int", lit.Lit.Kind)
	assert.Equal(t, int64(100), lit.Lit.Int)
}

func TestParseExprDecimalKeepsLexicalForm(t *testing.T) {
	e, err := ParseExpr("rate <= 0.25")
	require.NoError(t, err)
	cmp := e.(ExprCompare)
	lit := cmp.Right.(TermLit)
	assert.Equal(t, "decimal", lit.Lit.Kind)
	assert.Equal(t, "0.25", lit.Lit.Text)
}

func TestParseExprMoneyLiteral(t *testing.T) {
	e, err := ParseExpr("balance > USD 100.00")
	require.NoError(t, err)
	cmp := e.(ExprCompare)
	lit := cmp.Right.(TermLit)
	assert.Equal(t, "money", lit.Lit.Kind)
	assert.Equal(t, "USD", lit.Lit.Currency)
	assert.Equal(t, "100.00", lit.Lit.Text)
}

func TestParseExprVerdictPresent(t *testing.T) {
	e, err := ParseExpr("verdict_present(account_active)")
	require.NoError(t, err)
	assert.Equal(t, ExprVerdictPresent{ID: "account_active"}, e)
}

func TestParseExprBooleanConnectives(t *testing.T) {
	e, err := ParseExpr("a = true and (b = true or not c = true)")
	require.NoError(t, err)
	and, ok := e.(ExprAnd)
	require.True(t, ok)
	_, ok = and.Left.(ExprCompare)
	assert.True(t, ok)
	or, ok := and.Right.(ExprOr)
	require.True(t, ok)
	_, ok = or.Right.(ExprNot)
	assert.True(t, ok)
}

func TestParseExprPrecedenceAndBeforeOr(t *testing.T) {
	e, err := ParseExpr("verdict_present(a) or verdict_present(b) and verdict_present(c)")
	require.NoError(t, err)
	or, ok := e.(ExprOr)
	require.True(t, ok)
	_, ok = or.Right.(ExprAnd)
	assert.True(t, ok)
}

func TestParseExprQuantifiers(t *testing.T) {
	e, err := ParseExpr("forall item in line_items: item.qty > 0")
	require.NoError(t, err)
	forall, ok := e.(ExprForall)
	require.True(t, ok)
	assert.Equal(t, "item", forall.Var)
	assert.Equal(t, "line_items", forall.Domain)
	body := forall.Body.(ExprCompare)
	assert.Equal(t, TermFieldRef{Var: "item", Field: "qty"}, body.Left)

	e, err = ParseExpr("exists item in line_items: item.flagged = true")
	require.NoError(t, err)
	_, ok = e.(ExprExists)
	assert.True(t, ok)
}

func TestParseExprMultiplication(t *testing.T) {
	e, err := ParseExpr("qty * 3 <= 120")
	require.NoError(t, err)
	cmp := e.(ExprCompare)
	mul, ok := cmp.Left.(TermMul)
	require.True(t, ok)
	assert.Equal(t, TermFactRef{Name: "qty"}, mul.Left)
	lit := mul.Right.(TermLit)
	assert.Equal(t, int64(3), lit.Lit.Int)
}

func TestParseExprDurationLiteral(t *testing.T) {
	e, err := ParseExpr("notice_period >= 30 days")
	require.NoError(t, err)
	cmp := e.(ExprCompare)
	lit := cmp.Right.(TermLit)
	assert.Equal(t, "duration", lit.Lit.Kind)
	assert.Equal(t, int64(30), lit.Lit.Int)
	assert.Equal(t, "days", lit.Lit.Text)
}

func TestParseExprBareBoolTerm(t *testing.T) {
	e, err := ParseExpr("is_active")
	require.NoError(t, err)
	bare, ok := e.(ExprTerm)
	require.True(t, ok)
	assert.Equal(t, TermFactRef{Name: "is_active"}, bare.Term)
}

func TestParseExprTextLiteral(t *testing.T) {
	e, err := ParseExpr(`status = "confirmed"`)
	require.NoError(t, err)
	cmp := e.(ExprCompare)
	lit := cmp.Right.(TermLit)
	assert.Equal(t, "text", lit.Lit.Kind)
	assert.Equal(t, "confirmed", lit.Lit.Text)
}

func TestParseExprErrors(t *testing.T) {
	for _, bad := range []string{
		"",
		"amount >",
		"verdict_present(",
		"forall in items: x",
		"(a = true",
		"a = true extra garbage",
	} {
		_, err := ParseExpr(bad)
		assert.Error(t, err, "input %q", bad)
	}
}
