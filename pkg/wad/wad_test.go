package wad

import (
	"errors"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

func toFloat(x *uint256.Int) float64 {
	f, _ := ToDecimal(x).Float64()
	return f
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}

func TestMulRounding(t *testing.T) {
	// 1.5 * 1.5 = 2.25 exactly
	x := MustParse("1.5")
	z, err := Mul(x, x)
	require.NoError(t, err)
	assert.Equal(t, "2250000000000000000", z.Dec())

	// 1 wei * 0.5 = 0.5 wei
	half := MustParse("0.5")
	one := uint256.NewInt(1)

	down, err := Mul(one, half)
	require.NoError(t, err)
	assert.True(t, down.IsZero())

	up, err := MulUp(one, half)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), up.Uint64())

	near, err := MulNearest(one, half)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), near.Uint64())

	// 1 wei * 0.4 rounds to zero under nearest
	near, err = MulNearest(one, MustParse("0.4"))
	require.NoError(t, err)
	assert.True(t, near.IsZero())
}

func TestMulWideIntermediate(t *testing.T) {
	// x*y overflows 256 bits but x*y/WAD does not
	x := u("100000000000000000000000000000000000000000000000000000000000") // 1e59
	y := FromUint64(1000)
	z, err := Mul(x, y)
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000000000000000000000000000000000000000000000", z.Dec())

	// result itself does not fit
	huge := new(uint256.Int).SetAllOne()
	_, err = Mul(huge, FromUint64(2))
	assert.True(t, errors.Is(err, ErrMathOverflow))
}

func TestDivRounding(t *testing.T) {
	three := FromUint64(3)

	z, err := Div(WAD, three)
	require.NoError(t, err)
	assert.Equal(t, "333333333333333333", z.Dec())

	z, err = DivUp(WAD, three)
	require.NoError(t, err)
	assert.Equal(t, "333333333333333334", z.Dec())

	z, err = DivNearest(WAD, three)
	require.NoError(t, err)
	assert.Equal(t, "333333333333333333", z.Dec())

	z, err = DivNearest(FromUint64(2), three)
	require.NoError(t, err)
	assert.Equal(t, "666666666666666667", z.Dec())

	exact, err := DivUp(FromUint64(6), three)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(2), exact)
}

func TestDivByZero(t *testing.T) {
	for name, fn := range map[string]func(x, y *uint256.Int) (*uint256.Int, error){
		"Div":        Div,
		"DivUp":      DivUp,
		"DivNearest": DivNearest,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fn(WAD, Zero())
			assert.ErrorIs(t, err, ErrDivisionByZero)
		})
	}
}

func TestAddSub(t *testing.T) {
	_, err := Add(new(uint256.Int).SetAllOne(), uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrMathOverflow)

	_, err = Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.ErrorIs(t, err, ErrMathOverflow)

	z, err := Sub(FromUint64(3), WAD)
	require.NoError(t, err)
	assert.Equal(t, FromUint64(2), z)
}

func TestExp(t *testing.T) {
	t.Run("Zero", func(t *testing.T) {
		z, err := Exp(Zero())
		require.NoError(t, err)
		assert.Equal(t, WAD, z)
	})

	t.Run("One", func(t *testing.T) {
		// e = 2.718281828459045235360...
		e := u("2718281828459045235")
		z, err := Exp(WAD)
		require.NoError(t, err)
		assert.False(t, z.Gt(e), "exp must round down, got %s", z.Dec())
		assert.True(t, absDiff(z, e).Lt(uint256.NewInt(100)), "got %s", z.Dec())
	})

	t.Run("Ln2", func(t *testing.T) {
		z, err := Exp(LN2)
		require.NoError(t, err)
		assert.True(t, absDiff(z, FromUint64(2)).Lt(uint256.NewInt(100)), "got %s", z.Dec())
	})

	t.Run("MatchesFloat", func(t *testing.T) {
		for _, s := range []string{"0.001", "0.25", "0.75", "1.5", "3", "7.25", "20", "42.5"} {
			x := MustParse(s)
			z, err := Exp(x)
			require.NoError(t, err)
			want := math.Exp(toFloat(x))
			assert.InEpsilon(t, want, toFloat(z), 1e-12, "exp(%s)", s)
		}
	})

	t.Run("MaxFactorChunk", func(t *testing.T) {
		z, err := Exp(LnMaxFactor)
		require.NoError(t, err)
		assert.False(t, z.Gt(MaxFactor), "exp(ln 100) = %s exceeds MaxFactor", z.Dec())
		assert.True(t, absDiff(z, MaxFactor).Lt(uint256.NewInt(10_000)), "got %s", z.Dec())
	})

	t.Run("DomainLimit", func(t *testing.T) {
		z, err := Exp(MaxExpInput)
		require.NoError(t, err)
		assert.True(t, z.BitLen() > 250)

		over := new(uint256.Int).AddUint64(MaxExpInput, 1)
		_, err = Exp(over)
		assert.ErrorIs(t, err, ErrExponentialOverflow)
	})
}

func TestExpNeg(t *testing.T) {
	z, err := ExpNeg(LnMaxFactor)
	require.NoError(t, err)
	assert.False(t, z.Lt(MinFactor), "exp(-ln 100) = %s below MinFactor", z.Dec())

	z, err = ExpNeg(WAD)
	require.NoError(t, err)
	assert.InEpsilon(t, 1/math.E, toFloat(z), 1e-15)
}

func TestLn(t *testing.T) {
	t.Run("One", func(t *testing.T) {
		z, err := Ln(WAD)
		require.NoError(t, err)
		assert.True(t, z.IsZero())
	})

	t.Run("Two", func(t *testing.T) {
		z, err := Ln(FromUint64(2))
		require.NoError(t, err)
		assert.Equal(t, LN2, z)
	})

	t.Run("BelowOne", func(t *testing.T) {
		_, err := Ln(MustParse("0.999999999999999999"))
		assert.ErrorIs(t, err, ErrLogarithmDomain)
		_, err = Ln(Zero())
		assert.ErrorIs(t, err, ErrLogarithmDomain)
	})

	t.Run("MatchesFloat", func(t *testing.T) {
		for _, s := range []string{"1.000001", "1.1", "1.5", "1.999", "2.718281828459045235", "10", "1000", "123456789.5"} {
			x := MustParse(s)
			z, err := Ln(x)
			require.NoError(t, err)
			assert.InDelta(t, math.Log(toFloat(x)), toFloat(z), 1e-12, "ln(%s)", s)
		}
	})

	t.Run("HugeInput", func(t *testing.T) {
		z, err := Ln(new(uint256.Int).SetAllOne())
		require.NoError(t, err)
		// ln(2^256 / 1e18) = 256 ln2 - 18 ln10
		assert.InDelta(t, 256*math.Ln2-18*math.Ln10, toFloat(z), 1e-9)
	})

	t.Run("Monotone", func(t *testing.T) {
		prev := Zero()
		x := One()
		step := MustParse("0.013")
		for i := 0; i < 500; i++ {
			z, err := Ln(x)
			require.NoError(t, err)
			assert.False(t, z.Lt(prev), "ln not monotone at %s", x.Dec())
			prev = z
			x = new(uint256.Int).Add(x, step)
		}
	})
}

func TestExpLnRoundTrip(t *testing.T) {
	for _, s := range []string{"0.5", "1", "2.5", "10", "50", "100"} {
		x := MustParse(s)
		e, err := Exp(x)
		require.NoError(t, err)
		back, err := Ln(e)
		require.NoError(t, err)
		assert.True(t, absDiff(back, x).Lt(uint256.NewInt(1000)), "ln(exp(%s)) = %s", s, back.Dec())
	}
}

func TestLnCeilRoundsUp(t *testing.T) {
	// Exact values truncated at 21 digits: the table must hold the ceiling of
	// each, one wei above the floor, never the floor itself.
	cases := map[uint64]string{
		2:   "693147180559945310",  // 0.693147180559945309417...
		3:   "1098612288668109692", // 1.098612288668109691395...
		4:   "1386294361119890619", // 1.386294361119890618834...
		10:  "2302585092994045685", // 2.302585092994045684017...
		512: "6238324625039507785", // 6.238324625039507784755...
	}
	for n, want := range cases {
		got, err := LnCeil(n)
		require.NoError(t, err)
		assert.Equal(t, want, got.Dec(), "ln(%d)", n)
	}

	one, err := LnCeil(1)
	require.NoError(t, err)
	assert.True(t, one.IsZero())
}

func TestLnCeilNeverBelowLn(t *testing.T) {
	for n := uint64(2); n <= LnTableSize; n++ {
		c, err := LnCeil(n)
		require.NoError(t, err)
		floor, err := Ln(FromUint64(n))
		require.NoError(t, err)
		require.True(t, c.Gt(floor), "ln(%d): ceil %s <= floor %s", n, c.Dec(), floor.Dec())
		require.True(t, new(uint256.Int).Sub(c, floor).Lt(uint256.NewInt(1000)),
			"ln(%d): ceil %s too far from %s", n, c.Dec(), floor.Dec())
	}
}

func TestLnCeilBounds(t *testing.T) {
	_, err := LnCeil(0)
	assert.ErrorIs(t, err, ErrLogarithmDomain)
	_, err = LnCeil(LnTableSize + 1)
	assert.ErrorIs(t, err, ErrLnTableRange)

	// callers cannot mutate the table
	v, err := LnCeil(2)
	require.NoError(t, err)
	v.Clear()
	again, err := LnCeil(2)
	require.NoError(t, err)
	assert.Equal(t, "693147180559945310", again.Dec())
}

func TestDecimalConversion(t *testing.T) {
	x, err := FromDecimal(decimal.RequireFromString("12.345"))
	require.NoError(t, err)
	assert.Equal(t, "12345000000000000000", x.Dec())
	assert.Equal(t, "12.345", Format(x))

	// digits past 1e-18 are truncated
	x, err = Parse("0.0000000000000000019")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), x.Uint64())

	_, err = Parse("-1")
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = Parse("abc")
	assert.Error(t, err)
}

func TestParseMagnitudeBounds(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
		err  error
	}{
		{"HugeExponent", "1e50000000", "", ErrMathOverflow},
		{"HugeNegativeExponent", "-1e50000000", "", ErrNegativeAmount},
		{"TinyExponent", "1e-50000000", "0", nil},
		{"ZeroHugeExponent", "0e50000000", "0", nil},
		{"BelowOneWei", "0.0000000000000000009", "0", nil},
		{"Largest", "115792089237316195423570985008687907853269984665640564039457.584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", nil},
		{"OneWeiPastLargest", "115792089237316195423570985008687907853269984665640564039457.584007913129639936", "", ErrMathOverflow},
		{"SeventyNineDigits", "1e60", "", ErrMathOverflow},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x, err := Parse(tc.in)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, x.Dec())
		})
	}
}
