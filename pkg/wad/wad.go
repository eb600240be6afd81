// Package wad implements 18-decimal fixed-point arithmetic on 256-bit unsigned
// integers. A value v represents the real number v / 1e18.
//
// Multiplication and division go through a 512-bit intermediate product so the
// common value*factor/WAD pattern never overflows before the final division.
// Every operation names its rounding direction: the plain variant floors, the
// Up variant takes the ceiling and the Nearest variant rounds half up.
package wad

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a WAD value.
const Decimals = 18

var (
	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("wad: division by zero")

	// ErrMathOverflow is returned when a result does not fit in 256 bits or when
	// an arithmetic invariant would be violated (e.g. a negative sum).
	ErrMathOverflow = errors.New("wad: math overflow")

	// ErrExponentialOverflow is returned for Exp inputs beyond MaxExpInput.
	ErrExponentialOverflow = errors.New("wad: exponential overflow")

	// ErrLogarithmDomain is returned for Ln inputs below WAD.
	ErrLogarithmDomain = errors.New("wad: logarithm of value below one")

	// ErrNegativeAmount is returned when converting a negative decimal.
	ErrNegativeAmount = errors.New("wad: negative amount")
)

var (
	// WAD is 1.0.
	WAD = uint256.NewInt(1e18)

	// LN2 is floor(ln(2) * 1e18).
	LN2 = uint256.NewInt(693147180559945309)

	// MinFactor is the smallest multiplicative factor accepted by range updates (0.01).
	MinFactor = uint256.NewInt(1e16)

	// MaxFactor is the largest multiplicative factor accepted by range updates (100).
	MaxFactor = uint256.MustFromDecimal("100000000000000000000")

	// LnMaxFactor is floor(ln(100) * 1e18). exp(LnMaxFactor) never exceeds MaxFactor.
	LnMaxFactor = uint256.NewInt(4605170185988091368)

	halfWAD = uint256.NewInt(5e17)
)

// Zero returns a new zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// One returns a new value equal to WAD.
func One() *uint256.Int {
	return new(uint256.Int).Set(WAD)
}

// FromUint64 returns n as a WAD value (n * 1e18).
func FromUint64(n uint64) *uint256.Int {
	z := uint256.NewInt(n)
	return z.Mul(z, WAD)
}

// Mul returns floor(x * y / WAD).
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, WAD)
	if overflow {
		return nil, fmt.Errorf("%w: mul %s * %s", ErrMathOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// MulUp returns ceil(x * y / WAD).
func MulUp(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := Mul(x, y)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(x, y, WAD).IsZero() {
		return addOne(z)
	}
	return z, nil
}

// MulNearest returns x * y / WAD rounded half up.
func MulNearest(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := Mul(x, y)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(x, y, WAD).Lt(halfWAD) {
		return addOne(z)
	}
	return z, nil
}

// Div returns floor(x * WAD / y).
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	if y.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, WAD, y)
	if overflow {
		return nil, fmt.Errorf("%w: div %s / %s", ErrMathOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// DivUp returns ceil(x * WAD / y).
func DivUp(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := Div(x, y)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(x, WAD, y).IsZero() {
		return addOne(z)
	}
	return z, nil
}

// DivNearest returns x * WAD / y rounded half up.
func DivNearest(x, y *uint256.Int) (*uint256.Int, error) {
	z, err := Div(x, y)
	if err != nil {
		return nil, err
	}
	rem := new(uint256.Int).MulMod(x, WAD, y)
	// rem >= y - rem  <=>  2*rem >= y, without overflowing 2*rem
	if !rem.Lt(new(uint256.Int).Sub(y, rem)) {
		return addOne(z)
	}
	return z, nil
}

// Add returns x + y or ErrMathOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: add %s + %s", ErrMathOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Sub returns x - y or ErrMathOverflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	if x.Lt(y) {
		return nil, fmt.Errorf("%w: sub %s - %s", ErrMathOverflow, x.Dec(), y.Dec())
	}
	return new(uint256.Int).Sub(x, y), nil
}

func addOne(z *uint256.Int) (*uint256.Int, error) {
	if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
		return nil, ErrMathOverflow
	}
	return z, nil
}

// maxDigits is the number of decimal digits of 2^256-1.
const maxDigits = 78

// ToDecimal converts a WAD value to a decimal with 18 fractional digits.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// FromDecimal converts a non-negative decimal to WAD, truncating digits beyond
// the 18th fractional place.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	if d.IsZero() {
		return new(uint256.Int), nil
	}
	// Bound the scaled magnitude by its digit count before any big.Int is
	// built from the exponent.
	digits := int64(d.NumDigits()) + int64(d.Exponent()) + Decimals
	if digits > maxDigits {
		return nil, fmt.Errorf("%w: %d integer digits", ErrMathOverflow, digits)
	}
	if digits <= 0 {
		return new(uint256.Int), nil
	}
	z, overflow := uint256.FromBig(d.Shift(Decimals).Truncate(0).BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %s does not fit", ErrMathOverflow, d.String())
	}
	return z, nil
}

// Parse reads a human decimal string such as "1.5" into WAD.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("wad: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// Format renders a WAD value as a plain decimal string without trailing zeros.
func Format(x *uint256.Int) string {
	return ToDecimal(x).String()
}
