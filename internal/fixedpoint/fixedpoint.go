// Package fixedpoint implements the signed 64.61 fixed-point number used for
// every monetary and time-denominated value in the pool ledger.
//
// A Value is a raw signed integer interpreted as raw / 2^61. The raw integer
// is held in two's complement inside a 256-bit word, which leaves room for
// the double-width products and shifted dividends computed by Mul and Div.
// The representable range is [-2^125, 2^125] raw: 64 integer bits plus 61
// fractional bits. No floating point is used by any arithmetic here.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FractBits is the number of fractional bits.
const FractBits = 61

var (
	// ErrArithmeticOverflow is returned when a result leaves the
	// representable range.
	ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrDivisionByZero is returned by Div when the divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrInvalidValue is returned when a textual or binary value cannot be
	// decoded.
	ErrInvalidValue = errors.New("fixedpoint: invalid value")
)

var (
	// Zero is the numeric zero. It is also the zero value of Value.
	Zero = Value{}

	// One is 1.0 (raw 2^61).
	One = FromInt(1)

	bound    = new(uint256.Int).Lsh(uint256.NewInt(1), 125)
	negBound = new(uint256.Int).Neg(bound)

	bigBound  = new(big.Int).Lsh(big.NewInt(1), 125)
	bigScale  = new(big.Int).Lsh(big.NewInt(1), FractBits)
	bigFive61 = new(big.Int).Exp(big.NewInt(5), big.NewInt(FractBits), nil)
)

// Value is a 64.61 fixed-point number. Values are comparable with == and can
// be used inside map keys; equality is exact on the raw integer.
type Value struct {
	v uint256.Int
}

// FromInt converts an integer n to n << 61. Every int64 is representable.
func FromInt(n int64) Value {
	var out Value
	if n >= 0 {
		out.v.SetUint64(uint64(n))
	} else {
		out.v.SetUint64(uint64(-n))
		out.v.Neg(&out.v)
	}
	out.v.Lsh(&out.v, FractBits)
	return out
}

// FromRaw builds a Value from its raw scaled integer.
func FromRaw(raw *big.Int) (Value, error) {
	if raw.CmpAbs(bigBound) > 0 {
		return Value{}, fmt.Errorf("%w: raw %s", ErrArithmeticOverflow, raw)
	}
	var out Value
	mag := new(big.Int).Abs(raw)
	if out.v.SetFromBig(mag) {
		return Value{}, fmt.Errorf("%w: raw %s", ErrArithmeticOverflow, raw)
	}
	if raw.Sign() < 0 {
		out.v.Neg(&out.v)
	}
	return out, nil
}

// ParseRaw parses a base-10 raw scaled integer, the form used by
// MarshalText and by callers that already hold scaled values.
func ParseRaw(s string) (Value, error) {
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return FromRaw(raw)
}

// FromDecimal converts a human-readable decimal into fixed point, truncating
// toward zero at the 2^-61 resolution.
func FromDecimal(d decimal.Decimal) (Value, error) {
	raw := d.Mul(decimal.NewFromBigInt(bigScale, 0)).BigInt()
	return FromRaw(raw)
}

// Parse converts a human-readable decimal string such as "12345" or "1.1".
func Parse(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return FromDecimal(d)
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromBytes32 decodes the 32-byte big-endian two's complement encoding
// produced by Bytes32.
func FromBytes32(b []byte) (Value, error) {
	if len(b) != 32 {
		return Value{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidValue, len(b))
	}
	var out Value
	out.v.SetBytes32(b)
	if !inRange(&out.v) {
		return Value{}, ErrArithmeticOverflow
	}
	return out, nil
}

// Bytes32 returns the 32-byte big-endian two's complement encoding.
func (a Value) Bytes32() [32]byte {
	return a.v.Bytes32()
}

// Raw returns the raw scaled integer.
func (a Value) Raw() *big.Int {
	if a.v.Sign() >= 0 {
		return a.v.ToBig()
	}
	var mag uint256.Int
	mag.Neg(&a.v)
	raw := mag.ToBig()
	return raw.Neg(raw)
}

// Decimal returns the exact decimal expansion of the value. Every 64.61
// number has a finite decimal expansion of at most 61 fractional digits.
func (a Value) Decimal() decimal.Decimal {
	// raw / 2^61 == raw * 5^61 / 10^61
	return decimal.NewFromBigInt(new(big.Int).Mul(a.Raw(), bigFive61), -FractBits)
}

// Float64 approximates the value as a float64. For display and test
// tolerances only; ledger code never converts through float.
func (a Value) Float64() float64 {
	f, _ := new(big.Float).SetInt(a.Raw()).Float64()
	return math.Ldexp(f, -FractBits)
}

// String formats the value as a human-readable decimal.
func (a Value) String() string {
	return a.Decimal().String()
}

// MarshalText encodes the raw scaled integer in base 10, which is lossless.
func (a Value) MarshalText() ([]byte, error) {
	return []byte(a.Raw().String()), nil
}

// UnmarshalText decodes the output of MarshalText.
func (a *Value) UnmarshalText(text []byte) error {
	v, err := ParseRaw(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Sign returns -1, 0 or +1.
func (a Value) Sign() int { return a.v.Sign() }

// IsZero reports whether a is zero.
func (a Value) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b on the raw integer.
func (a Value) Cmp(b Value) int {
	switch {
	case a.v.Eq(&b.v):
		return 0
	case a.v.Slt(&b.v):
		return -1
	default:
		return 1
	}
}

// LessThan reports whether a < b.
func (a Value) LessThan(b Value) bool { return a.Cmp(b) < 0 }

// Neg returns -a. The range is symmetric so negation never overflows.
func (a Value) Neg() Value {
	var out Value
	out.v.Neg(&a.v)
	return out
}

// Add returns a + b.
func Add(a, b Value) (Value, error) {
	var out Value
	out.v.Add(&a.v, &b.v)
	return checked(out)
}

// Sub returns a - b.
func Sub(a, b Value) (Value, error) {
	var out Value
	out.v.Sub(&a.v, &b.v)
	return checked(out)
}

// Mul returns (a*b) >> 61. Operands are at most 2^125 in magnitude so the
// 256-bit product is exact; the arithmetic shift rounds toward negative
// infinity.
func Mul(a, b Value) (Value, error) {
	var out Value
	out.v.Mul(&a.v, &b.v)
	out.v.SRsh(&out.v, FractBits)
	return checked(out)
}

// Div returns floor((a << 61) / b). Like Mul it rounds toward negative
// infinity whatever the operand signs.
func Div(a, b Value) (Value, error) {
	if b.v.IsZero() {
		return Value{}, ErrDivisionByZero
	}
	var num, den, q, rem uint256.Int
	num.Lsh(&a.v, FractBits)
	negative := (num.Sign() < 0) != (b.v.Sign() < 0)
	num.Abs(&num)
	den.Abs(&b.v)

	q.DivMod(&num, &den, &rem)
	if negative {
		if !rem.IsZero() {
			q.AddUint64(&q, 1)
		}
		q.Neg(&q)
	}
	return checked(Value{v: q})
}

func checked(out Value) (Value, error) {
	if !inRange(&out.v) {
		return Value{}, ErrArithmeticOverflow
	}
	return out, nil
}

func inRange(x *uint256.Int) bool {
	return !x.Sgt(bound) && !x.Slt(negBound)
}
