package wad

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// LnTableSize is the largest n served by LnCeil.
	LnTableSize = 512

	lnTermBudget = 64
)

// ErrLnTableRange is returned by LnCeil for n outside [1, LnTableSize].
var ErrLnTableRange = errors.New("wad: ln table index out of range")

// lnTableSlack is an upper bound, in 1e-36 units, on how far lnScaled can fall
// below the true logarithm for the table inputs.
var lnTableSlack = uint256.NewInt(1000)

var lnCeilTable = buildLnCeilTable()

// Ln returns the natural logarithm of a WAD value x >= WAD, rounded down.
func Ln(x *uint256.Int) (*uint256.Int, error) {
	if x.Lt(WAD) {
		return nil, fmt.Errorf("%w: %s", ErrLogarithmDomain, x.Dec())
	}
	if x.Eq(WAD) {
		return Zero(), nil
	}
	return lnScaled(x, WAD, LN2), nil
}

// LnCeil returns ln(n) in WAD rounded UP, for integers 1 <= n <= LnTableSize.
//
// Risk bounds that divide by ln(n) rely on this never being below the true
// value. Do not replace it with Ln(n*WAD), which rounds the other way.
func LnCeil(n uint64) (*uint256.Int, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: ln(0)", ErrLogarithmDomain)
	}
	if n > LnTableSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrLnTableRange, n, LnTableSize)
	}
	return new(uint256.Int).Set(lnCeilTable[n]), nil
}

// lnScaled computes ln(x / one) at the precision of one, assuming x >= one.
// ln2 must be ln(2) at the same precision. Every step truncates, so the result
// is a lower bound of the true logarithm.
//
// x is reduced to y = x / 2^k in [one, 2*one), then
// ln(y) = 2*atanh(z) with z = (y-one)/(y+one) <= 1/3 and
// atanh(z) = z + z^3/3 + z^5/5 + ...
func lnScaled(x, one, ln2 *uint256.Int) *uint256.Int {
	q := new(uint256.Int).Div(x, one)
	k := uint(q.BitLen() - 1)
	y := new(uint256.Int).Rsh(x, k)

	num := new(uint256.Int).Sub(y, one)
	den := new(uint256.Int).Add(y, one)
	z, _ := new(uint256.Int).MulDivOverflow(num, one, den)
	z2, _ := new(uint256.Int).MulDivOverflow(z, z, one)

	sum := new(uint256.Int).Set(z)
	term := new(uint256.Int).Set(z)
	for i := uint64(1); i <= lnTermBudget; i++ {
		term, _ = new(uint256.Int).MulDivOverflow(term, z2, one)
		if term.IsZero() {
			break
		}
		sum.Add(sum, new(uint256.Int).Div(term, uint256.NewInt(2*i+1)))
	}

	res := new(uint256.Int).Mul(ln2, uint256.NewInt(uint64(k)))
	return res.Add(res, sum.Lsh(sum, 1))
}

func buildLnCeilTable() [LnTableSize + 1]*uint256.Int {
	var table [LnTableSize + 1]*uint256.Int
	table[0] = Zero()
	table[1] = Zero()

	rem := new(uint256.Int)
	for n := uint64(2); n <= LnTableSize; n++ {
		x := new(uint256.Int).Mul(one36, uint256.NewInt(n))
		upper := lnScaled(x, one36, ln2x36)
		upper.Add(upper, lnTableSlack)

		v := new(uint256.Int)
		v.DivMod(upper, WAD, rem)
		if !rem.IsZero() {
			v.AddUint64(v, 1)
		}
		table[n] = v
	}
	return table
}
