package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenScale is the number of fractional digits carried by every on-ledger
// synthetic and quote amount.
const TokenScale int32 = 8

// BpsScale expresses basis points as a decimal fraction (1 bps = 0.0001).
const BpsScale int32 = 4

var (
	ErrIntTypeConversion = errors.New("fixedpoint: int type conversion")
	ErrCheckedMath       = errors.New("fixedpoint: checked math")
)

// Decimal is a signed arbitrary precision mantissa with an explicit scale.
// Addition, subtraction and multiplication are exact; multiplication yields
// the sum of the operand scales. Division is only available through Div and
// MulDiv which truncate toward zero at an explicit scale.
type Decimal = decimal.Decimal

// Zero compares equal to every zero value regardless of scale.
var Zero = decimal.Zero

// New builds a decimal from a raw mantissa and a non-negative scale.
func New(mantissa int64, scale int32) Decimal {
	return decimal.New(mantissa, -scale)
}

// FromUint64 interprets v as a mantissa carrying scale fractional digits.
func FromUint64(v uint64, scale int32) Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -scale)
}

// FromBps converts basis points into a decimal fraction.
func FromBps(bps uint16) Decimal {
	return decimal.New(int64(bps), -BpsScale)
}

// Parse reads a decimal literal such as "1.5" or "-0.25".
func Parse(value string) (Decimal, error) {
	return decimal.NewFromString(value)
}

// ScaleOf reports the number of fractional digits carried by x.
func ScaleOf(x Decimal) int32 {
	if exp := x.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// RescaleTowardZero truncates x toward zero to exactly scale fractional digits.
func RescaleTowardZero(x Decimal, scale int32) Decimal {
	return decimal.NewFromBigInt(mantissaAt(x, scale), -scale)
}

func mantissaAt(x Decimal, scale int32) *big.Int {
	// BigInt truncates toward zero once the value has been shifted.
	return x.Shift(scale).BigInt()
}

// ToUint64 rescales x toward zero and returns the mantissa at scale. Negative
// or overflowing mantissas fail.
func ToUint64(x Decimal, scale int32) (uint64, error) {
	m := mantissaAt(x, scale)
	if m.Sign() < 0 || !m.IsUint64() {
		return 0, ErrIntTypeConversion
	}
	return m.Uint64(), nil
}

// ToInt64 rescales x toward zero and returns the signed mantissa at scale.
func ToInt64(x Decimal, scale int32) (int64, error) {
	m := mantissaAt(x, scale)
	if !m.IsInt64() {
		return 0, ErrIntTypeConversion
	}
	return m.Int64(), nil
}

// Div divides a by b at the nominal scale of a, truncating toward zero.
func Div(a, b Decimal) (Decimal, error) {
	return DivAt(a, b, ScaleOf(a))
}

// DivAt divides a by b and truncates the quotient toward zero at scale.
func DivAt(a, b Decimal, scale int32) (Decimal, error) {
	if b.IsZero() {
		return Zero, ErrCheckedMath
	}
	q, _ := a.QuoRem(b, scale)
	return q, nil
}

// MulDiv computes (a*b)/c truncated toward zero at scale. The product is
// formed exactly before dividing so proportional claims never lose precision
// to an intermediate ratio.
func MulDiv(a, b, c Decimal, scale int32) (Decimal, error) {
	return DivAt(a.Mul(b), c, scale)
}

// MulAt multiplies and truncates the product toward zero at scale.
func MulAt(a, b Decimal, scale int32) Decimal {
	return RescaleTowardZero(a.Mul(b), scale)
}

// Bps applies a basis point fee to x and truncates toward zero at scale.
func Bps(x Decimal, bps uint16, scale int32) Decimal {
	return MulAt(x, FromBps(bps), scale)
}

// PositivePart returns max(0, x).
func PositivePart(x Decimal) Decimal {
	if x.Sign() > 0 {
		return x
	}
	return Zero
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
