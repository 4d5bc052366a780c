package fixedpoint

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMulFloors(t *testing.T) {
	// 1/3 * 3 loses the floored remainder and must not round back up.
	third := One().Div(FromInt(3))
	back := third.Mul(FromInt(3))
	if back.Cmp(One()) >= 0 {
		t.Fatalf("floor rounding must bias down, got %s", back)
	}
	diff := One().Sub(back)
	if diff.BigInt().Cmp(big.NewInt(10)) > 0 {
		t.Fatalf("floor drift too large: %s", diff.ScaledString())
	}
}

func TestDivFloorsNegative(t *testing.T) {
	// Floor division rounds toward negative infinity, not toward zero:
	// -5/3 is -1.666... and must land one step below the truncated value.
	got := FromInt(-5).Div(FromInt(3))
	want := MustParse("-1.666666666666666667")
	if got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want.ScaledString(), got.ScaledString())
	}
	// A negative product with a fractional remainder floors down too.
	if got := MustParse("-1.5").Mul(MustParse("0.000000000000000001")); got.Cmp(MustParse("-0.000000000000000002")) != 0 {
		t.Fatalf("negative product should floor, got %s", got.ScaledString())
	}
}

func TestDivByZero(t *testing.T) {
	if got := FromInt(5).Div(Zero()); !got.IsZero() {
		t.Fatalf("division by zero should yield zero, got %s", got)
	}
}

func TestMulBps(t *testing.T) {
	v := FromInt(10_000)
	if got := v.MulBps(25); got.Cmp(FromInt(25)) != 0 {
		t.Fatalf("25 bps of 10000 should be 25, got %s", got)
	}
	if got := v.MulBps(10_000); got.Cmp(v) != 0 {
		t.Fatalf("10000 bps should be identity, got %s", got)
	}
}

func TestFromUnits(t *testing.T) {
	// 1.5 units of an 8-decimal token.
	raw := big.NewInt(150_000_000)
	v := FromUnits(raw, 8)
	if v.Cmp(MustParse("1.5")) != 0 {
		t.Fatalf("expected 1.5, got %s", v)
	}

	// 20-decimal token scales down with floor.
	raw20, _ := new(big.Int).SetString("150000000000000000000", 10)
	v20 := FromUnits(raw20, 20)
	if v20.Cmp(MustParse("1.5")) != 0 {
		t.Fatalf("expected 1.5, got %s", v20)
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("49999.999999999999999999")
	v := FromDecimal(d)
	if !v.Decimal().Equal(d) {
		t.Fatalf("round trip mismatch: %s vs %s", v.Decimal(), d)
	}
}

func TestZeroValueUsable(t *testing.T) {
	var v Value
	if !v.IsZero() {
		t.Fatal("zero Value should equal 0")
	}
	if got := v.Add(One()); got.Cmp(One()) != 0 {
		t.Fatalf("0 + 1 should be 1, got %s", got)
	}
}
