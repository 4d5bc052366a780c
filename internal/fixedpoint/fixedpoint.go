package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional decimal digits carried by a Value.
const Scale = 18

var (
	scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)
	bpsDenom    = big.NewInt(10_000)
)

// Value is an 18-decimal fixed-point number backed by a big integer.
// All division floors (rounds toward negative infinity); callers must
// tolerate the resulting systematic downward bias. The zero Value is
// usable and equals 0.
type Value struct {
	i *big.Int
}

// Zero returns the zero value.
func Zero() Value { return Value{} }

// One returns 1.0 in fixed-point representation.
func One() Value { return Value{i: new(big.Int).Set(scaleFactor)} }

// FromInt converts a whole number to fixed-point.
func FromInt(n int64) Value {
	return Value{i: new(big.Int).Mul(big.NewInt(n), scaleFactor)}
}

// FromScaled wraps an already 1e18-scaled integer. The input is copied.
func FromScaled(raw *big.Int) Value {
	if raw == nil {
		return Value{}
	}
	return Value{i: new(big.Int).Set(raw)}
}

// FromDecimal converts a decimal to fixed-point, truncating digits beyond
// the supported scale.
func FromDecimal(d decimal.Decimal) Value {
	shifted := d.Shift(Scale).Truncate(0)
	return Value{i: shifted.BigInt()}
}

// Parse converts a decimal string to fixed-point.
func Parse(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for trusted literals; it panics on malformed input.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromUnits normalises a token amount expressed in the token's native
// decimals to the 18-decimal scale.
func FromUnits(raw *big.Int, decimals uint8) Value {
	if raw == nil {
		return Value{}
	}
	n := new(big.Int).Set(raw)
	switch {
	case decimals == Scale:
		return Value{i: n}
	case decimals < Scale:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Scale-decimals)), nil)
		return Value{i: n.Mul(n, shift)}
	default:
		shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-Scale)), nil)
		return Value{i: n.Div(n, shift)}
	}
}

func (v Value) int() *big.Int {
	if v.i == nil {
		return new(big.Int)
	}
	return v.i
}

// Add returns v + o.
func (v Value) Add(o Value) Value {
	return Value{i: new(big.Int).Add(v.int(), o.int())}
}

// Sub returns v - o.
func (v Value) Sub(o Value) Value {
	return Value{i: new(big.Int).Sub(v.int(), o.int())}
}

// Mul returns v * o with the result floored to the fixed-point scale.
func (v Value) Mul(o Value) Value {
	prod := new(big.Int).Mul(v.int(), o.int())
	return Value{i: prod.Div(prod, scaleFactor)}
}

// Div returns v / o floored to the fixed-point scale. Division by zero
// returns zero; callers are expected to guard the denominator and keep
// it positive.
func (v Value) Div(o Value) Value {
	if o.IsZero() {
		return Value{}
	}
	num := new(big.Int).Mul(v.int(), scaleFactor)
	return Value{i: num.Div(num, o.int())}
}

// MulBps applies a basis-point factor, flooring the result.
func (v Value) MulBps(bps uint64) Value {
	prod := new(big.Int).Mul(v.int(), new(big.Int).SetUint64(bps))
	return Value{i: prod.Div(prod, bpsDenom)}
}

// Cmp compares v against o, returning -1, 0 or 1.
func (v Value) Cmp(o Value) int { return v.int().Cmp(o.int()) }

// Sign reports the sign of v.
func (v Value) Sign() int { return v.int().Sign() }

// IsZero reports whether v equals zero.
func (v Value) IsZero() bool { return v.int().Sign() == 0 }

// IsNegative reports whether v is below zero.
func (v Value) IsNegative() bool { return v.int().Sign() < 0 }

// BigInt returns a copy of the underlying 1e18-scaled integer.
func (v Value) BigInt() *big.Int { return new(big.Int).Set(v.int()) }

// Decimal converts v to a shopspring decimal for display and persistence.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(v.int(), -Scale)
}

// String renders the value as a plain decimal string.
func (v Value) String() string { return v.Decimal().String() }

// ScaledString renders the raw 1e18-scaled integer, used for exact
// round-tripping through storage.
func (v Value) ScaledString() string { return v.int().String() }
