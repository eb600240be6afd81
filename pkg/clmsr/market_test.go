package clmsr

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clmsr/pkg/segtree"
	"github.com/luxfi/clmsr/pkg/wad"
)

func testConfig() MarketConfig {
	return MarketConfig{MinTick: 0, MaxTick: 100, TickSpacing: 10, Alpha: wad.One()}
}

func TestMarketConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	assert.Equal(t, 10, testConfig().Bins())

	cases := map[string]func(c *MarketConfig){
		"ZeroSpacing": func(c *MarketConfig) { c.TickSpacing = 0 },
		"Inverted":    func(c *MarketConfig) { c.MaxTick = -10 },
		"Misaligned":  func(c *MarketConfig) { c.MaxTick = 95 },
		"TooManyBins": func(c *MarketConfig) { c.MaxTick = 10 * (segtree.MaxSize + 1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := testConfig()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidMarket)
		})
	}

	c := testConfig()
	c.Alpha = nil
	assert.ErrorIs(t, c.Validate(), ErrInvalidAlpha)
}

func TestBinRange(t *testing.T) {
	c := MarketConfig{MinTick: -50, MaxTick: 50, TickSpacing: 5, Alpha: wad.One()}

	lo, hi, err := c.BinRange(-50, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 19, hi)

	lo, hi, err = c.BinRange(0, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, lo)
	assert.Equal(t, 10, hi)

	for _, r := range [][2]int64{{5, 5}, {10, 0}, {-55, 0}, {0, 55}, {1, 10}, {0, 7}} {
		_, _, err := c.BinRange(r[0], r[1])
		assert.ErrorIs(t, err, ErrInvalidTick, "[%d, %d)", r[0], r[1])
	}

	lower, upper := c.BinTicks(10)
	assert.Equal(t, int64(0), lower)
	assert.Equal(t, int64(5), upper)
}

func TestMarketTrade(t *testing.T) {
	m, err := NewMarket(7, testConfig())
	require.NoError(t, err)
	assert.Equal(t, MarketID(7), m.ID())

	price, err := m.RangePrice(20, 60)
	require.NoError(t, err)
	assert.Equal(t, "400000000000000000", price.Dec())

	quote, err := m.Quote(Buy, 20, 60, wad.WAD)
	require.NoError(t, err)
	res, err := m.Trade(Buy, 20, 60, wad.WAD)
	require.NoError(t, err)
	assert.Equal(t, quote.Amount, res.Amount)
	assert.Equal(t, "523137163611585468", res.Amount.Dec())

	price, err = m.RangePrice(20, 60)
	require.NoError(t, err)
	assert.Equal(t, "644404982644804497", price.Dec())

	r, z, err := m.RangeSum(20, 60)
	require.NoError(t, err)
	assert.Equal(t, "10873127313836180872", r.Dec())
	assert.Equal(t, "16873127313836180872", z.Dec())

	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Trades)
	assert.Equal(t, wad.One(), info.Volume)
	assert.Equal(t, 10, info.Bins)
	assert.Equal(t, z, info.Total)
	assert.Equal(t, uint64(1), info.Tree.Applies)
}

func TestMarketPrices(t *testing.T) {
	m, err := NewMarket(1, testConfig())
	require.NoError(t, err)
	_, err = m.Trade(Buy, 20, 60, wad.WAD)
	require.NoError(t, err)

	prices, err := m.Prices()
	require.NoError(t, err)
	require.Len(t, prices, 10)

	sum := new(uint256.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	// each bin rounds down
	assert.Equal(t, "999999999999999998", sum.Dec())
	assert.Equal(t, "161101245661201124", prices[2].Dec())
	assert.Equal(t, "59265836225865917", prices[0].Dec())
}

func TestMarketSettle(t *testing.T) {
	m, err := NewMarket(1, testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Settle())
	assert.True(t, m.Settled())
	assert.ErrorIs(t, m.Settle(), ErrMarketSettled)

	_, err = m.Trade(Buy, 0, 10, wad.WAD)
	assert.ErrorIs(t, err, ErrMarketSettled)

	// quoting still works on a frozen market
	_, err = m.Quote(Sell, 0, 10, wad.WAD)
	assert.NoError(t, err)
}

func TestMarketQuantityFromCost(t *testing.T) {
	m, err := NewMarket(1, testConfig())
	require.NoError(t, err)

	q, err := m.QuantityFromCost(20, 60, u("11083718484401904873"))
	require.NoError(t, err)
	assert.Equal(t, "11999999999999999980", q.Dec())

	_, err = m.QuantityFromCost(20, 25, wad.WAD)
	assert.ErrorIs(t, err, ErrInvalidTick)
}

func TestMarketSnapshotRestore(t *testing.T) {
	m, err := NewMarket(3, testConfig())
	require.NoError(t, err)
	_, err = m.Trade(Buy, 0, 30, wad.FromUint64(2))
	require.NoError(t, err)
	_, err = m.Trade(Sell, 10, 20, wad.MustParse("0.5"))
	require.NoError(t, err)
	require.NoError(t, m.Settle())

	snap, state, err := m.Snapshot()
	require.NoError(t, err)
	assert.True(t, state.Settled)
	assert.Equal(t, uint64(2), state.Trades)
	assert.Equal(t, wad.MustParse("2.5"), state.Volume)

	back, err := RestoreMarket(3, testConfig(), snap, state)
	require.NoError(t, err)
	assert.True(t, back.Settled())

	want, err := m.Prices()
	require.NoError(t, err)
	got, err := back.Prices()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wantInfo, err := m.Info()
	require.NoError(t, err)
	gotInfo, err := back.Info()
	require.NoError(t, err)
	assert.Equal(t, wantInfo.Trades, gotInfo.Trades)
	assert.Equal(t, wantInfo.Volume, gotInfo.Volume)
	assert.True(t, wantInfo.Created.Equal(gotInfo.Created))
	assert.True(t, wantInfo.LastTrade.Equal(gotInfo.LastTrade))

	// the snapshot does not alias live state
	state.Volume.SetUint64(0)
	info, err := m.Info()
	require.NoError(t, err)
	assert.Equal(t, wad.MustParse("2.5"), info.Volume)

	fresh, err := RestoreMarket(4, testConfig(), snap, MarketState{})
	require.NoError(t, err)
	freshInfo, err := fresh.Info()
	require.NoError(t, err)
	assert.False(t, freshInfo.Created.IsZero())
	assert.True(t, freshInfo.Volume.IsZero())

	other := testConfig()
	other.MaxTick = 200
	_, err = RestoreMarket(3, other, snap, state)
	assert.ErrorIs(t, err, ErrInvalidMarket)
}
