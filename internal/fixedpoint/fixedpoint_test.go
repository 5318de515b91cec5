package fixedpoint

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// fp is a test helper for building values from decimal strings.
func fp(s string) Value {
	return MustParse(s)
}

func rawOf(t *testing.T, v Value) string {
	t.Helper()
	return v.Raw().String()
}

// --- Conversion tests ---

func TestFromInt_ShiftsBy61(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{1, "2305843009213693952"},
		{-1, "-2305843009213693952"},
		{12345, new(big.Int).Mul(big.NewInt(12345), bigScale).String()},
		{math.MaxInt64, new(big.Int).Lsh(big.NewInt(math.MaxInt64), 61).String()},
		{math.MinInt64, new(big.Int).Lsh(big.NewInt(math.MinInt64), 61).String()},
	}
	for _, tt := range tests {
		if got := rawOf(t, FromInt(tt.n)); got != tt.want {
			t.Errorf("FromInt(%d) raw = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestParse_HumanDecimals(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"0", 0},
		{"1", 1},
		{"1.1", 1.1},
		{"-2.5", -2.5},
		{"12345", 12345},
		{"0.0001", 0.0001},
	}
	for _, tt := range tests {
		v, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if math.Abs(v.Float64()-tt.want) > 1e-9 {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, v.Float64(), tt.want)
		}
	}
}

func TestParse_TruncatesTowardZero(t *testing.T) {
	// 1.1 is not a dyadic rational; the raw value is floor(1.1 * 2^61).
	if got, want := rawOf(t, fp("1.1")), "2536427310135063347"; got != want {
		t.Errorf("raw(1.1) = %s, want %s", got, want)
	}
	if got, want := rawOf(t, fp("-1.1")), "-2536427310135063347"; got != want {
		t.Errorf("raw(-1.1) = %s, want %s", got, want)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1..2", "0x10"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Parse(%q): expected ErrInvalidValue, got %v", in, err)
		}
	}
}

func TestFromRaw_Bounds(t *testing.T) {
	if _, err := FromRaw(bigBound); err != nil {
		t.Errorf("2^125 should be representable: %v", err)
	}
	if _, err := FromRaw(new(big.Int).Neg(bigBound)); err != nil {
		t.Errorf("-2^125 should be representable: %v", err)
	}
	over := new(big.Int).Add(bigBound, big.NewInt(1))
	if _, err := FromRaw(over); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("2^125+1: expected ErrArithmeticOverflow, got %v", err)
	}
	if _, err := FromRaw(over.Neg(over)); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("-(2^125+1): expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestDecimal_ExactExpansion(t *testing.T) {
	tiny, err := FromRaw(big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	// The expansion of 2^-61 is exact, so scaling it back gives exactly one.
	if !tiny.Decimal().Mul(decimal.NewFromBigInt(bigScale, 0)).Equal(decimal.NewFromInt(1)) {
		t.Errorf("2^-61 expanded as %s", tiny.Decimal())
	}
	if got := fp("12345.25").String(); got != "12345.25" {
		t.Errorf("String() = %s, want 12345.25", got)
	}
	if got := fp("-3").String(); got != "-3" {
		t.Errorf("String() = %s, want -3", got)
	}
}

func TestTextRoundTrip(t *testing.T) {
	v := fp("-987.654321")
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var back Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != v {
		t.Errorf("round trip changed value: %s -> %s", v, back)
	}
}

func TestBytes32RoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "12345.678", "-0.000001"} {
		v := fp(s)
		b := v.Bytes32()
		back, err := FromBytes32(b[:])
		if err != nil {
			t.Fatalf("FromBytes32(%s): %v", s, err)
		}
		if back != v {
			t.Errorf("bytes round trip: %s -> %s", v, back)
		}
	}
	if _, err := FromBytes32(make([]byte, 8)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("short input: expected ErrInvalidValue, got %v", err)
	}
}

// --- Arithmetic tests ---

func TestAddSub(t *testing.T) {
	sum, err := Add(fp("12345"), fp("100"))
	if err != nil {
		t.Fatal(err)
	}
	if sum != fp("12445") {
		t.Errorf("12345 + 100 = %s", sum)
	}
	diff, err := Sub(fp("40"), fp("50"))
	if err != nil {
		t.Fatal(err)
	}
	if diff != fp("-10") {
		t.Errorf("40 - 50 = %s", diff)
	}
}

func TestAdd_Overflow(t *testing.T) {
	top, _ := FromRaw(bigBound)
	if _, err := Add(top, fp("0.0000001")); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
	if _, err := Sub(top.Neg(), fp("1")); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestMul(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"2", "3", "6"},
		{"-2", "3", "-6"},
		{"-2", "-3", "6"},
		{"1.5", "1.5", "2.25"},
		{"0", "12345", "0"},
		{"100", "0.5", "50"},
	}
	for _, tt := range tests {
		got, err := Mul(fp(tt.a), fp(tt.b))
		if err != nil {
			t.Fatalf("Mul(%s, %s): %v", tt.a, tt.b, err)
		}
		if got != fp(tt.want) {
			t.Errorf("Mul(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMul_FloorsNegativeProducts(t *testing.T) {
	// -2^-122 floors to -2^-61 while 2^-122 floors to zero.
	ulp, _ := FromRaw(big.NewInt(1))
	got, err := Mul(ulp.Neg(), ulp)
	if err != nil {
		t.Fatal(err)
	}
	if got != ulp.Neg() {
		t.Errorf("-ulp*ulp = raw %s, want -1", got.Raw())
	}
	got, _ = Mul(ulp, ulp)
	if !got.IsZero() {
		t.Errorf("ulp*ulp = raw %s, want 0", got.Raw())
	}
}

func TestMul_Overflow(t *testing.T) {
	big1 := FromInt(1 << 40)
	if _, err := Mul(big1, big1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("2^40 * 2^40: expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestDiv(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"6", "3", "2"},
		{"-6", "3", "-2"},
		{"6", "-3", "-2"},
		{"1", "4", "0.25"},
		{"12495", "1", "12495"},
	}
	for _, tt := range tests {
		got, err := Div(fp(tt.a), fp(tt.b))
		if err != nil {
			t.Fatalf("Div(%s, %s): %v", tt.a, tt.b, err)
		}
		if got != fp(tt.want) {
			t.Errorf("Div(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestDiv_Rounding(t *testing.T) {
	third, err := Div(fp("1"), fp("3"))
	if err != nil {
		t.Fatal(err)
	}
	negThird, err := Div(fp("-1"), fp("3"))
	if err != nil {
		t.Fatal(err)
	}
	// Floor: -1/3 is one ulp further from zero than 1/3.
	diff := new(big.Int).Add(third.Raw(), negThird.Raw())
	if diff.Cmp(big.NewInt(-1)) != 0 {
		t.Errorf("floor(-1/3) + floor(1/3) = raw %s, want -1", diff)
	}
	// A negative divisor floors the same way as a negative dividend.
	byNeg, err := Div(fp("1"), fp("-3"))
	if err != nil {
		t.Fatal(err)
	}
	if byNeg != negThird {
		t.Errorf("1/-3 = raw %s, want raw %s", byNeg.Raw(), negThird.Raw())
	}
	// Both negative: the quotient is positive and floors toward zero.
	bothNeg, err := Div(fp("-1"), fp("-3"))
	if err != nil {
		t.Fatal(err)
	}
	if bothNeg != third {
		t.Errorf("-1/-3 = raw %s, want raw %s", bothNeg.Raw(), third.Raw())
	}
}

func TestProperty_DivMatchesBigFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genValue(t, "a")
		b := genValue(t, "b")
		if b.IsZero() {
			return
		}
		num := new(big.Int).Lsh(a.Raw(), FractBits)
		// big.Int DivMod is Euclidean; floor is one lower for a negative
		// divisor with a remainder.
		want, m := new(big.Int).DivMod(num, b.Raw(), new(big.Int))
		if b.Raw().Sign() < 0 && m.Sign() != 0 {
			want.Sub(want, big.NewInt(1))
		}
		got, err := Div(a, b)
		if errors.Is(err, ErrArithmeticOverflow) {
			if want.CmpAbs(bigBound) <= 0 {
				t.Fatalf("Div(%s, %s) overflowed, want raw %s", a, b, want)
			}
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		if got.Raw().Cmp(want) != 0 {
			t.Fatalf("Div raw %s, want %s", got.Raw(), want)
		}
	})
}

func TestDiv_ByZero(t *testing.T) {
	if _, err := Div(fp("1"), Zero); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestDiv_Overflow(t *testing.T) {
	ulp, _ := FromRaw(big.NewInt(1))
	if _, err := Div(FromInt(1<<62), ulp); !errors.Is(err, ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestCmp(t *testing.T) {
	if fp("-1").Cmp(fp("1")) != -1 || fp("1").Cmp(fp("-1")) != 1 || fp("2").Cmp(fp("2")) != 0 {
		t.Error("Cmp ordering broken across signs")
	}
	if !fp("0.5").LessThan(fp("0.6")) {
		t.Error("0.5 should be less than 0.6")
	}
	if Zero.Sign() != 0 || fp("-0.1").Sign() != -1 || fp("0.1").Sign() != 1 {
		t.Error("Sign broken")
	}
}

// --- Properties ---

func genValue(t *rapid.T, label string) Value {
	n := rapid.Int64Range(-1_000_000_000, 1_000_000_000).Draw(t, label)
	frac := rapid.Int64Range(0, 1<<61-1).Draw(t, label+"-frac")
	f, err := FromRaw(big.NewInt(frac))
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	v, err := Add(FromInt(n), f)
	if err != nil {
		t.Fatalf("gen: %v", err)
	}
	return v
}

func TestProperty_AddSubInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genValue(t, "a")
		b := genValue(t, "b")
		sum, err := Add(a, b)
		if err != nil {
			t.Fatal(err)
		}
		back, err := Sub(sum, b)
		if err != nil {
			t.Fatal(err)
		}
		if back != a {
			t.Fatalf("(a+b)-b = %s, want %s", back, a)
		}
	})
}

func TestProperty_AddMatchesBigInt(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genValue(t, "a")
		b := genValue(t, "b")
		sum, err := Add(a, b)
		if err != nil {
			t.Fatal(err)
		}
		want := new(big.Int).Add(a.Raw(), b.Raw())
		if sum.Raw().Cmp(want) != 0 {
			t.Fatalf("raw sum %s, want %s", sum.Raw(), want)
		}
	})
}

func TestProperty_MulMatchesBigFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genValue(t, "a")
		b := genValue(t, "b")
		got, err := Mul(a, b)
		if err != nil {
			t.Fatal(err)
		}
		prod := new(big.Int).Mul(a.Raw(), b.Raw())
		// Floor division by 2^61 (big.Int Rsh is arithmetic for negatives).
		want := prod.Rsh(prod, FractBits)
		if got.Raw().Cmp(want) != 0 {
			t.Fatalf("Mul raw %s, want %s", got.Raw(), want)
		}
	})
}

func TestProperty_MulDivRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := FromInt(rapid.Int64Range(-1_000_000, 1_000_000).Draw(t, "a"))
		b := FromInt(rapid.Int64Range(1, 1_000_000).Draw(t, "b"))
		p, err := Mul(a, b)
		if err != nil {
			t.Fatal(err)
		}
		q, err := Div(p, b)
		if err != nil {
			t.Fatal(err)
		}
		if q != a {
			t.Fatalf("(a*b)/b = %s, want %s", q, a)
		}
	})
}
