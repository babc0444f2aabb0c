package decimal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsLexicalScale(t *testing.T) {
	d, err := Parse("1.50")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Scale())
	assert.Equal(t, "1.50", d.String())

	d, err = Parse("100")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Scale())
	assert.Equal(t, "100", d.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "abc", "1.2.3", "1e5", ".5", "5.", "--1"} {
		_, err := Parse(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseNegativeZeroNormalizes(t *testing.T) {
	d, err := Parse("-0.00")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Sign())
	assert.Equal(t, "0.00", d.String())
}

func TestCmpIgnoresScale(t *testing.T) {
	a := MustParse("1.5")
	b := MustParse("1.50")
	assert.Equal(t, 0, a.Cmp(b))
	assert.True(t, a.Equal(b))

	assert.Equal(t, -1, MustParse("1.49").Cmp(b))
	assert.Equal(t, 1, MustParse("1.51").Cmp(b))
	assert.Equal(t, -1, MustParse("-2").Cmp(MustParse("1")))
}

func TestMulInt(t *testing.T) {
	d := MustParse("999.99").MulInt(2)
	assert.Equal(t, "1999.98", d.String())

	neg := MustParse("10.50").MulInt(-3)
	assert.Equal(t, "-31.50", neg.String())
}

func TestRescaleWidens(t *testing.T) {
	d := MustParse("1.5").Rescale(3)
	assert.Equal(t, "1.500", d.String())
}

func TestRescaleNearestEven(t *testing.T) {
	cases := []struct {
		in    string
		scale int
		want  string
	}{
		{"1.25", 1, "1.2"},
		{"1.35", 1, "1.4"},
		{"1.249", 1, "1.2"},
		{"1.251", 1, "1.3"},
		{"-1.25", 1, "-1.2"},
		{"-1.35", 1, "-1.4"},
		{"2.5", 0, "2"},
		{"3.5", 0, "4"},
	}
	for _, tc := range cases {
		got := MustParse(tc.in).Rescale(tc.scale).String()
		assert.Equal(t, tc.want, got, "rescale(%s, %d)", tc.in, tc.scale)
	}
}

func TestFitsPrecision(t *testing.T) {
	assert.True(t, MustParse("999.99").FitsPrecision(5, 2))
	assert.False(t, MustParse("1999.98").FitsPrecision(5, 2))
	assert.True(t, MustParse("0.00").FitsPrecision(1, 2))
}

func TestAddAlignsScales(t *testing.T) {
	sum := MustParse("1.5").Add(MustParse("0.25"))
	assert.Equal(t, "1.75", sum.String())
}

func TestDigits(t *testing.T) {
	assert.Equal(t, 1, Zero.Digits())
	assert.Equal(t, 5, MustParse("999.99").Digits())
	assert.Equal(t, 3, MustParse("-1.23").Digits())
}
