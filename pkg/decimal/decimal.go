// Package decimal implements exact decimal arithmetic for contract
// evaluation. Values are a big.Int coefficient plus a non-negative scale,
// so 123.45 is {12345, 2}. There is no binary floating point anywhere in
// the representation; midpoint rounding is nearest-even.
package decimal

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// decimalPattern matches valid decimal strings: an optional sign, digits,
// and an optional fractional part.
var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

// Decimal is an immutable exact decimal number.
type Decimal struct {
	coef  *big.Int
	scale int
}

// Zero is the decimal 0 at scale 0.
var Zero = Decimal{coef: big.NewInt(0), scale: 0}

// New builds a decimal from an integer coefficient and scale.
// New(12345, 2) is 123.45.
func New(coef int64, scale int) Decimal {
	return Decimal{coef: big.NewInt(coef), scale: scale}
}

// FromInt builds a decimal equal to the given integer at scale 0.
func FromInt(n int64) Decimal {
	return New(n, 0)
}

// Parse parses a decimal string such as "123.45" or "-0.07".
// The scale of the result is exactly the number of fractional digits in
// the input; "1.50" parses at scale 2, not scale 1.
func Parse(s string) (Decimal, error) {
	if !decimalPattern.MatchString(s) {
		return Zero, fmt.Errorf("decimal: invalid format %q", s)
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		intPart = s[:dot]
		fracPart = s[dot+1:]
	}
	coef, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return Zero, fmt.Errorf("decimal: could not parse %q", s)
	}
	if neg {
		coef.Neg(coef)
	}
	d := Decimal{coef: coef, scale: len(fracPart)}
	// Normalize negative zero.
	if d.coef.Sign() == 0 && neg {
		d.coef = big.NewInt(0)
	}
	return d, nil
}

// MustParse parses s and panics on malformed input. For literals in tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int { return d.scale }

// Sign returns -1, 0 or +1.
func (d Decimal) Sign() int {
	if d.coef == nil {
		return 0
	}
	return d.coef.Sign()
}

// IsZero reports whether the value is exactly zero.
func (d Decimal) IsZero() bool { return d.Sign() == 0 }

// Digits returns the number of significant decimal digits in the
// coefficient. Zero has one digit.
func (d Decimal) Digits() int {
	if d.coef == nil || d.coef.Sign() == 0 {
		return 1
	}
	s := new(big.Int).Abs(d.coef).String()
	return len(s)
}

// String renders the decimal with its exact scale: New(1500, 2) → "15.00".
func (d Decimal) String() string {
	if d.coef == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(d.coef)
	if d.coef.Sign() < 0 {
		sign = "-"
	}
	digits := abs.String()
	if d.scale == 0 {
		return sign + digits
	}
	for len(digits) <= d.scale {
		digits = "0" + digits
	}
	cut := len(digits) - d.scale
	return sign + digits[:cut] + "." + digits[cut:]
}

// alignedCoefs returns both coefficients brought to the wider scale.
func alignedCoefs(a, b Decimal) (*big.Int, *big.Int) {
	if a.coef == nil {
		a = Zero
	}
	if b.coef == nil {
		b = Zero
	}
	as, bs := a.coef, b.coef
	if a.scale < b.scale {
		as = new(big.Int).Mul(as, pow10(b.scale-a.scale))
	} else if b.scale < a.scale {
		bs = new(big.Int).Mul(bs, pow10(a.scale-b.scale))
	}
	return as, bs
}

// Cmp compares two decimals numerically regardless of scale.
// 1.5 equals 1.50.
func (d Decimal) Cmp(other Decimal) int {
	as, bs := alignedCoefs(d, other)
	return as.Cmp(bs)
}

// Equal reports numeric equality regardless of scale.
func (d Decimal) Equal(other Decimal) bool { return d.Cmp(other) == 0 }

// Add returns d + other at the wider of the two scales.
func (d Decimal) Add(other Decimal) Decimal {
	as, bs := alignedCoefs(d, other)
	scale := d.scale
	if other.scale > scale {
		scale = other.scale
	}
	return Decimal{coef: new(big.Int).Add(as, bs), scale: scale}
}

// MulInt returns d multiplied by an integer, at d's scale.
func (d Decimal) MulInt(n int64) Decimal {
	if d.coef == nil {
		return Zero
	}
	return Decimal{
		coef:  new(big.Int).Mul(d.coef, big.NewInt(n)),
		scale: d.scale,
	}
}

// Rescale returns the value rounded to the given scale with nearest-even
// midpoint rounding. Widening the scale is always exact.
func (d Decimal) Rescale(scale int) Decimal {
	if d.coef == nil {
		return Decimal{coef: big.NewInt(0), scale: scale}
	}
	if scale >= d.scale {
		return Decimal{
			coef:  new(big.Int).Mul(d.coef, pow10(scale-d.scale)),
			scale: scale,
		}
	}
	div := pow10(d.scale - scale)
	q, r := new(big.Int).QuoRem(d.coef, div, new(big.Int))
	if r.Sign() != 0 {
		// Nearest-even on the absolute remainder.
		twice := new(big.Int).Lsh(new(big.Int).Abs(r), 1)
		switch twice.Cmp(div) {
		case 1:
			roundAway(q, d.coef.Sign())
		case 0:
			if q.Bit(0) == 1 {
				roundAway(q, d.coef.Sign())
			}
		}
	}
	return Decimal{coef: q, scale: scale}
}

func roundAway(q *big.Int, sign int) {
	if sign < 0 {
		q.Sub(q, big.NewInt(1))
	} else {
		q.Add(q, big.NewInt(1))
	}
}

// FitsPrecision reports whether the value fits in (precision, scale):
// after rescaling to scale, the coefficient has at most precision digits.
func (d Decimal) FitsPrecision(precision, scale int) bool {
	r := d.Rescale(scale)
	return r.Digits() <= precision
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
