package segtree

import (
	"fmt"
	"math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clmsr/pkg/wad"
)

func weights(vals ...uint64) []uint256.Int {
	out := make([]uint256.Int, len(vals))
	for i, v := range vals {
		out[i].Set(wad.FromUint64(v))
	}
	return out
}

func uniform(t *testing.T, n int) *Tree {
	t.Helper()
	tr, err := NewUniform(n)
	require.NoError(t, err)
	return tr
}

func rangeSum(t *testing.T, tr *Tree, lo, hi int) *uint256.Int {
	t.Helper()
	s, err := tr.GetRangeSum(lo, hi)
	require.NoError(t, err)
	return s
}

func total(t *testing.T, tr *Tree) *uint256.Int {
	t.Helper()
	s, err := tr.TotalSum()
	require.NoError(t, err)
	return s
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Sub(b, a)
	}
	return new(uint256.Int).Sub(a, b)
}

// lcg is a 64-bit linear congruential generator so that failing sequences are
// reproducible from the seed alone.
type lcg struct{ state uint64 }

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state >> 33
}

func TestLifecycle(t *testing.T) {
	var tr Tree
	assert.Equal(t, Uninitialized, tr.State())

	_, err := tr.TotalSum()
	assert.ErrorIs(t, err, ErrTreeNotInitialized)
	assert.ErrorIs(t, tr.Seed(weights(1)), ErrTreeNotInitialized)

	require.NoError(t, tr.Init(3))
	assert.Equal(t, Initialized, tr.State())
	assert.ErrorIs(t, tr.Init(3), ErrTreeAlreadyInitialized)

	_, err = tr.GetRangeSum(0, 0)
	assert.ErrorIs(t, err, ErrTreeNotSeeded)
	assert.ErrorIs(t, tr.ApplyRangeFactor(0, 0, wad.WAD), ErrTreeNotSeeded)

	require.NoError(t, tr.Seed(weights(1, 2, 3)))
	assert.Equal(t, Seeded, tr.State())
	assert.Equal(t, "seeded", tr.State().String())
	assert.Equal(t, wad.FromUint64(6), total(t, &tr))
}

func TestInitErrors(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrTreeSizeZero)
	_, err = New(MaxSize + 1)
	assert.ErrorIs(t, err, ErrTreeSizeTooLarge)

	tr, err := New(MaxSize)
	require.NoError(t, err)
	assert.Equal(t, MaxSize, tr.Size())

	assert.ErrorIs(t, tr.Seed(weights(1, 2)), ErrArrayLengthMismatch)
}

func TestReseedClearsPendingFactors(t *testing.T) {
	tr := uniform(t, 8)
	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.FromUint64(2)))
	require.NoError(t, tr.ApplyRangeFactor(0, 7, wad.FromUint64(3)))

	require.NoError(t, tr.Seed(weights(1, 1, 1, 1, 1, 1, 1, 1)))
	for i := 0; i < 8; i++ {
		assert.Equal(t, wad.One(), rangeSum(t, tr, i, i), "leaf %d", i)
	}
	for i := range tr.lazy {
		assert.True(t, tr.lazy[i].IsZero(), "node %d", i)
	}
}

func TestApplyRangeFactorValidation(t *testing.T) {
	tr := uniform(t, 4)

	assert.ErrorIs(t, tr.ApplyRangeFactor(2, 1, wad.WAD), ErrInvalidRange)
	assert.ErrorIs(t, tr.ApplyRangeFactor(0, 4, wad.WAD), ErrIndexOutOfBounds)
	assert.ErrorIs(t, tr.ApplyRangeFactor(-1, 2, wad.WAD), ErrIndexOutOfBounds)

	below := new(uint256.Int).SubUint64(MinFactor, 1)
	above := new(uint256.Int).AddUint64(MaxFactor, 1)
	assert.ErrorIs(t, tr.ApplyRangeFactor(0, 1, below), ErrInvalidFactor)
	assert.ErrorIs(t, tr.ApplyRangeFactor(0, 1, above), ErrInvalidFactor)
	assert.NoError(t, tr.ApplyRangeFactor(0, 1, MinFactor))
	assert.NoError(t, tr.ApplyRangeFactor(0, 1, MaxFactor))

	_, err := tr.GetRangeSum(3, 2)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = tr.PropagateLazy(0, 9)
	assert.ErrorIs(t, err, ErrIndexOutOfBounds)
}

func TestEndToEnd(t *testing.T) {
	tr, err := NewSeeded(weights(1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, wad.FromUint64(10), total(t, tr))

	require.NoError(t, tr.ApplyRangeFactor(1, 1, wad.FromUint64(2)))
	assert.Equal(t, wad.FromUint64(12), total(t, tr))

	require.NoError(t, tr.ApplyRangeFactor(0, 0, wad.FromUint64(3)))
	assert.Equal(t, wad.FromUint64(3), rangeSum(t, tr, 0, 0))
	assert.Equal(t, wad.FromUint64(14), total(t, tr))

	require.NoError(t, tr.ApplyRangeFactor(1, 2, wad.FromUint64(2)))
	assert.Equal(t, wad.FromUint64(21), total(t, tr))
	assert.Equal(t, wad.FromUint64(14), rangeSum(t, tr, 1, 2))
}

func TestMonotonicity(t *testing.T) {
	for _, tc := range []struct {
		name   string
		factor *uint256.Int
		cmp    int
	}{
		{"Up", wad.MustParse("1.000001"), 1},
		{"Down", wad.MustParse("0.999999"), -1},
		{"Identity", wad.WAD, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := uniform(t, 16)
			require.NoError(t, tr.ApplyRangeFactor(2, 9, wad.MustParse("3.5")))

			before := rangeSum(t, tr, 4, 12)
			totalBefore := total(t, tr)
			require.NoError(t, tr.ApplyRangeFactor(4, 12, tc.factor))
			assert.Equal(t, tc.cmp, rangeSum(t, tr, 4, 12).Cmp(before))
			assert.Equal(t, tc.cmp, total(t, tr).Cmp(totalBefore))

			if tc.cmp == 0 {
				assert.Equal(t, uint64(2), tr.Stats().Applies)
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	tr := uniform(t, 8)
	tot := total(t, tr)
	sub := rangeSum(t, tr, 0, 3)

	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.FromUint64(2)))
	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.MustParse("0.5")))

	ten := uint256.NewInt(10)
	assert.True(t, absDiff(total(t, tr), tot).Lt(ten))
	assert.True(t, absDiff(rangeSum(t, tr, 0, 3), sub).Lt(ten))
}

func TestIdentityCompositionFlushes(t *testing.T) {
	tr := uniform(t, 8)
	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.FromUint64(2)))
	assert.Equal(t, wad.FromUint64(2).Dec(), tr.lazy[2].Dec())
	assert.Zero(t, tr.Stats().Flushes)

	// 2.0 * 0.5 rounds to exactly one, so the pending 2.0 is pushed down
	// instead of being dropped.
	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.MustParse("0.5")))
	assert.Equal(t, uint64(1), tr.Stats().Flushes)
	for i := 0; i < 8; i++ {
		assert.Equal(t, wad.One(), rangeSum(t, tr, i, i), "leaf %d", i)
	}
}

func TestFlushStress(t *testing.T) {
	t.Run("MaxFactor", func(t *testing.T) {
		tr := uniform(t, 4)
		for i := 0; i < 5; i++ {
			require.NoError(t, tr.ApplyRangeFactor(0, 3, MaxFactor))
		}
		// 4 * 100^5
		want := wad.FromUint64(40_000_000_000)
		got := total(t, tr)
		onePct := new(uint256.Int).Div(want, uint256.NewInt(100))
		assert.True(t, absDiff(got, want).Lt(onePct), "total %s", got.Dec())

		for i := 0; i < 4; i++ {
			assert.Equal(t, wad.FromUint64(10_000_000_000), rangeSum(t, tr, i, i))
		}
	})

	t.Run("MinFactor", func(t *testing.T) {
		tr := uniform(t, 4)
		for i := 0; i < 5; i++ {
			require.NoError(t, tr.ApplyRangeFactor(0, 3, MinFactor))
		}
		// 4 * 0.01^5
		assert.Equal(t, uint64(400_000_000), total(t, tr).Uint64())
	})

	t.Run("PartialRange", func(t *testing.T) {
		tr := uniform(t, 4)
		for i := 0; i < 5; i++ {
			require.NoError(t, tr.ApplyRangeFactor(0, 1, MaxFactor))
		}
		assert.Equal(t, "20000000002000000000000000000", total(t, tr).Dec())
		assert.NotZero(t, tr.Stats().Flushes)
		for i := range tr.lazy {
			if !tr.lazy[i].IsZero() {
				assert.False(t, outsideWindow(&tr.lazy[i]), "node %d holds %s", i, tr.lazy[i].Dec())
			}
		}
	})
}

func TestZeroWeights(t *testing.T) {
	tr, err := NewSeeded(weights(0, 1, 0, 1))
	require.NoError(t, err)

	require.NoError(t, tr.ApplyRangeFactor(0, 3, wad.FromUint64(50)))
	require.NoError(t, tr.ApplyRangeFactor(0, 2, wad.MustParse("0.02")))

	assert.True(t, rangeSum(t, tr, 0, 0).IsZero())
	assert.True(t, rangeSum(t, tr, 2, 2).IsZero())
	assert.Equal(t, wad.One(), rangeSum(t, tr, 1, 1))
	assert.Equal(t, wad.FromUint64(50), rangeSum(t, tr, 3, 3))
	assert.Equal(t, wad.FromUint64(51), total(t, tr))
}

func TestViewMatchesPropagate(t *testing.T) {
	tr := uniform(t, 37)
	g := &lcg{state: 11}
	for i := 0; i < 120; i++ {
		lo, hi := randomRange(g, 37)
		require.NoError(t, tr.ApplyRangeFactor(lo, hi, randomFactor(g)))
	}

	for lo := 0; lo < 37; lo += 5 {
		hi := min(36, lo+12)
		before, err := tr.Export()
		require.NoError(t, err)

		view := rangeSum(t, tr, lo, hi)
		after, err := tr.Export()
		require.NoError(t, err)
		assert.Equal(t, before, after, "GetRangeSum mutated the tree")

		first, err := tr.PropagateLazy(lo, hi)
		require.NoError(t, err)
		second, err := tr.PropagateLazy(lo, hi)
		require.NoError(t, err)

		assert.Equal(t, view, first, "[%d, %d]", lo, hi)
		assert.Equal(t, first, second, "[%d, %d]", lo, hi)
	}
}

func TestSumConsistency(t *testing.T) {
	tr := uniform(t, 64)
	g := &lcg{state: 5}
	for i := 0; i < 300; i++ {
		lo, hi := randomRange(g, 64)
		require.NoError(t, tr.ApplyRangeFactor(lo, hi, randomFactor(g)))
	}

	sum := new(uint256.Int)
	for i := 0; i < 64; i++ {
		sum.Add(sum, rangeSum(t, tr, i, i))
	}
	assert.True(t, absDiff(sum, total(t, tr)).Lt(uint256.NewInt(300)))
}

func TestDifferentialAgainstNaive(t *testing.T) {
	cases := []struct{ size, ops int }{
		{5, 500},
		{16, 200},
		{37, 300},
		{128, 300},
		{512, 200},
		{100, 1000},
	}
	tolerance := uint256.NewInt(1000)
	for _, tc := range cases {
		for _, seed := range []uint64{1, 2, 3, 42} {
			t.Run(fmt.Sprintf("n%d_ops%d_seed%d", tc.size, tc.ops, seed), func(t *testing.T) {
				tr := uniform(t, tc.size)
				naive := make([]*uint256.Int, tc.size)
				for i := range naive {
					naive[i] = wad.One()
				}

				g := &lcg{state: seed}
				for op := 0; op < tc.ops; op++ {
					lo, hi := randomRange(g, tc.size)
					f := randomFactor(g)
					require.NoError(t, tr.ApplyRangeFactor(lo, hi, f))
					for i := lo; i <= hi; i++ {
						v, err := wad.Mul(naive[i], f)
						require.NoError(t, err)
						naive[i] = v
					}
				}

				for i, want := range naive {
					got := rangeSum(t, tr, i, i)
					// 0.01% of the leaf plus a constant
					limit := new(uint256.Int).Div(want, uint256.NewInt(10_000))
					limit.Add(limit, tolerance)
					assert.False(t, absDiff(got, want).Gt(limit), "leaf %d: got %s want %s", i, got.Dec(), want.Dec())
				}
			})
		}
	}
}

func TestDifferentialLogUniformFactors(t *testing.T) {
	// leaves start high so that repeated shrinking keeps enough wei of
	// precision for the relative bound
	start := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(30))
	tolerance := uint256.NewInt(1000)
	var flushes uint64

	for _, size := range []int{7, 64, 300} {
		for _, seed := range []uint64{5, 6, 7} {
			t.Run(fmt.Sprintf("n%d_seed%d", size, seed), func(t *testing.T) {
				w := make([]uint256.Int, size)
				naive := make([]*uint256.Int, size)
				for i := range w {
					w[i].Set(start)
					naive[i] = new(uint256.Int).Set(start)
				}
				tr, err := NewSeeded(w)
				require.NoError(t, err)

				g := &lcg{state: seed}
				for op := 0; op < 30; op++ {
					lo, hi := randomRange(g, size)
					f := logUniformFactor(g)
					require.NoError(t, tr.ApplyRangeFactor(lo, hi, f))
					for i := lo; i <= hi; i++ {
						v, err := wad.Mul(naive[i], f)
						require.NoError(t, err)
						naive[i] = v
					}
				}

				// Rebalancing hands a parent's rounding to its right child, so a
				// leaf far below its sibling also carries a share of the total.
				shared := new(uint256.Int).Div(total(t, tr), uint256.NewInt(1_000_000_000_000))
				for i, want := range naive {
					got := rangeSum(t, tr, i, i)
					limit := new(uint256.Int).Div(want, uint256.NewInt(10_000))
					limit.Add(limit, tolerance)
					limit.Add(limit, shared)
					assert.False(t, absDiff(got, want).Gt(limit), "leaf %d: got %s want %s", i, got.Dec(), want.Dec())
				}
				flushes += tr.Stats().Flushes
			})
		}
	}
	assert.Positive(t, flushes)
}

func TestFailedApplyLeavesTreeUntouched(t *testing.T) {
	huge := new(uint256.Int).Rsh(new(uint256.Int).SetAllOne(), 1)
	w := weights(1, 1, 1, 0)
	w[3].Set(huge)
	tr, err := NewSeeded(w)
	require.NoError(t, err)

	before, err := tr.Export()
	require.NoError(t, err)

	// leaf 1 is scaled before the right subtree overflows
	err = tr.ApplyRangeFactor(1, 3, MaxFactor)
	assert.ErrorIs(t, err, ErrMathOverflow)

	after, err := tr.Export()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestClone(t *testing.T) {
	tr := uniform(t, 8)
	require.NoError(t, tr.ApplyRangeFactor(0, 5, wad.FromUint64(4)))

	c := tr.Clone()
	require.NoError(t, c.ApplyRangeFactor(2, 7, wad.FromUint64(3)))

	assert.Equal(t, wad.FromUint64(26), total(t, tr))
	assert.NotEqual(t, total(t, tr), total(t, c))
}

func TestLeaves(t *testing.T) {
	tr, err := NewSeeded(weights(1, 2, 3, 4, 5))
	require.NoError(t, err)
	require.NoError(t, tr.ApplyRangeFactor(0, 4, wad.FromUint64(2)))

	leaves, err := tr.Leaves()
	require.NoError(t, err)
	require.Len(t, leaves, 5)
	for i, v := range leaves {
		assert.Equal(t, wad.FromUint64(uint64(2*(i+1))), v)
	}
	leaf, err := tr.Leaf(4)
	require.NoError(t, err)
	assert.Equal(t, wad.FromUint64(10), leaf)
}

func randomRange(g *lcg, n int) (int, int) {
	a := int(g.next() % uint64(n))
	b := int(g.next() % uint64(n))
	if a > b {
		a, b = b, a
	}
	return a, b
}

// randomFactor draws mostly from [0.5, 2] with an occasional extreme factor.
func randomFactor(g *lcg) *uint256.Int {
	a := g.next()
	b := g.next()
	f := uint256.NewInt(5e17 + (a*b)%(15e17+1))
	if g.next()%50 == 0 {
		if g.next()%2 == 1 {
			return new(uint256.Int).Set(MinFactor)
		}
		return new(uint256.Int).Set(MaxFactor)
	}
	return f
}

// logUniformFactor draws log-uniformly over [MinFactor, MaxFactor].
func logUniformFactor(g *lcg) *uint256.Int {
	u := float64(g.next()) / float64(1<<31)
	// 10^(4u) in [1, 1e4], scaled by 1e14 and then 100 to land in [1e16, 1e20]
	f := uint256.NewInt(uint64(math.Pow(10, 4*u) * 1e14))
	f.Mul(f, uint256.NewInt(100))
	if f.Lt(MinFactor) {
		f.Set(MinFactor)
	}
	if f.Gt(MaxFactor) {
		f.Set(MaxFactor)
	}
	return f
}
