package wad

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// MaxExpShift bounds the power of two produced by range reduction.
	// floor(MaxExpInput / ln2) == 195.
	MaxExpShift = 195

	expTermBudget = 48
)

var (
	// MaxExpInput is the largest x accepted by Exp, floor(ln((2^255-1)/1e18) * 1e18).
	MaxExpInput = uint256.MustFromDecimal("135305999368893231589")

	// one36 and ln2x36 carry 36 fractional digits. Range reduction runs at this
	// precision so that k*ln2 stays exact to well below one wei for every k.
	one36  = uint256.MustFromDecimal("1000000000000000000000000000000000000")
	ln2x36 = uint256.MustFromDecimal("693147180559945309417232121458176568")
)

// Exp returns e^x for a WAD exponent x, rounded down.
//
// x is split as k*ln2 + r with r in [0, ln2); e^r comes from its Taylor series
// and the result is e^r shifted left by k bits.
func Exp(x *uint256.Int) (*uint256.Int, error) {
	if x.Gt(MaxExpInput) {
		return nil, fmt.Errorf("%w: %s exceeds %s", ErrExponentialOverflow, x.Dec(), MaxExpInput.Dec())
	}
	if x.IsZero() {
		return One(), nil
	}

	x36 := new(uint256.Int).Mul(x, WAD)
	k := new(uint256.Int).Div(x36, ln2x36)
	if !k.IsUint64() || k.Uint64() > MaxExpShift {
		return nil, fmt.Errorf("%w: shift %s", ErrExponentialOverflow, k.Dec())
	}
	shift := uint(k.Uint64())

	r := new(uint256.Int).Mul(k, ln2x36)
	r.Sub(x36, r)
	r.Div(r, WAD)

	sum := One()
	term := One()
	denom := new(uint256.Int)
	for i := uint64(1); i <= expTermBudget; i++ {
		denom.Mul(WAD, uint256.NewInt(i))
		term, _ = new(uint256.Int).MulDivOverflow(term, r, denom)
		if term.IsZero() {
			break
		}
		sum.Add(sum, term)
	}

	if sum.BitLen()+int(shift) > 256 {
		return nil, fmt.Errorf("%w: result exceeds 256 bits", ErrExponentialOverflow)
	}
	return sum.Lsh(sum, shift), nil
}

// ExpNeg returns e^-x in WAD, rounded up so that a factor built from it never
// undershoots the true value.
func ExpNeg(x *uint256.Int) (*uint256.Int, error) {
	e, err := Exp(x)
	if err != nil {
		return nil, err
	}
	return DivUp(WAD, e)
}
