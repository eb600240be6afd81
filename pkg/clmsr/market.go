package clmsr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/luxfi/clmsr/pkg/segtree"
	"github.com/luxfi/clmsr/pkg/wad"
)

var (
	ErrInvalidMarket = errors.New("clmsr: invalid market parameters")
	ErrInvalidTick   = errors.New("clmsr: invalid tick range")
	ErrMarketSettled = errors.New("clmsr: market settled")
)

// MarketID identifies a market within a registry.
type MarketID uint64

// MarketConfig describes the outcome grid and liquidity of a market.
// Outcomes are ticks in [MinTick, MaxTick); every TickSpacing ticks form a bin.
type MarketConfig struct {
	MinTick     int64
	MaxTick     int64
	TickSpacing int64
	Alpha       *uint256.Int
}

// Bins returns the number of outcome bins.
func (c MarketConfig) Bins() int {
	if c.TickSpacing <= 0 || c.MaxTick <= c.MinTick {
		return 0
	}
	return int((c.MaxTick - c.MinTick) / c.TickSpacing)
}

// Validate checks the tick grid and alpha.
func (c MarketConfig) Validate() error {
	if c.TickSpacing <= 0 {
		return fmt.Errorf("%w: tick spacing %d", ErrInvalidMarket, c.TickSpacing)
	}
	if c.MaxTick <= c.MinTick {
		return fmt.Errorf("%w: ticks [%d, %d)", ErrInvalidMarket, c.MinTick, c.MaxTick)
	}
	if (c.MaxTick-c.MinTick)%c.TickSpacing != 0 {
		return fmt.Errorf("%w: range %d not a multiple of spacing %d", ErrInvalidMarket, c.MaxTick-c.MinTick, c.TickSpacing)
	}
	if bins := c.Bins(); bins > segtree.MaxSize {
		return fmt.Errorf("%w: %d bins > %d", ErrInvalidMarket, bins, segtree.MaxSize)
	}
	if _, err := MaxSafeChunkQuantity(c.Alpha); err != nil {
		return err
	}
	return nil
}

// BinRange maps the tick range [lowerTick, upperTick) to an inclusive bin range.
func (c MarketConfig) BinRange(lowerTick, upperTick int64) (int, int, error) {
	if lowerTick >= upperTick {
		return 0, 0, fmt.Errorf("%w: [%d, %d)", ErrInvalidTick, lowerTick, upperTick)
	}
	if lowerTick < c.MinTick || upperTick > c.MaxTick {
		return 0, 0, fmt.Errorf("%w: [%d, %d) outside [%d, %d)", ErrInvalidTick, lowerTick, upperTick, c.MinTick, c.MaxTick)
	}
	if (lowerTick-c.MinTick)%c.TickSpacing != 0 || (upperTick-c.MinTick)%c.TickSpacing != 0 {
		return 0, 0, fmt.Errorf("%w: [%d, %d) not aligned to spacing %d", ErrInvalidTick, lowerTick, upperTick, c.TickSpacing)
	}
	lo := int((lowerTick - c.MinTick) / c.TickSpacing)
	hi := int((upperTick-c.MinTick)/c.TickSpacing) - 1
	return lo, hi, nil
}

// BinTicks returns the tick range [lower, upper) covered by bin i.
func (c MarketConfig) BinTicks(i int) (int64, int64) {
	lower := c.MinTick + int64(i)*c.TickSpacing
	return lower, lower + c.TickSpacing
}

// Market owns the weight tree of one outcome grid. All methods are safe for
// concurrent use; operations on one market are serialized.
type Market struct {
	id      MarketID
	config  MarketConfig
	created time.Time

	mu        sync.Mutex
	tree      *segtree.Tree
	settled   bool
	trades    uint64
	volume    *uint256.Int
	lastTrade time.Time
}

// NewMarket returns a market whose bins all start at weight one.
func NewMarket(id MarketID, cfg MarketConfig) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tree, err := segtree.NewUniform(cfg.Bins())
	if err != nil {
		return nil, err
	}
	cfg.Alpha = new(uint256.Int).Set(cfg.Alpha)
	return &Market{
		id:      id,
		config:  cfg,
		created: time.Now(),
		tree:    tree,
		volume:  new(uint256.Int),
	}, nil
}

// ID returns the market identifier.
func (m *Market) ID() MarketID { return m.id }

// Config returns the market parameters.
func (m *Market) Config() MarketConfig {
	c := m.config
	c.Alpha = new(uint256.Int).Set(m.config.Alpha)
	return c
}

// Quote prices a trade without changing the market.
func (m *Market) Quote(side Side, lowerTick, upperTick int64, quantity *uint256.Int) (*Result, error) {
	lo, hi, err := m.config.BinRange(lowerTick, upperTick)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if side == Sell {
		return QuoteSell(m.tree, m.config.Alpha, lo, hi, quantity)
	}
	return QuoteBuy(m.tree, m.config.Alpha, lo, hi, quantity)
}

// Trade executes a trade against the market.
func (m *Market) Trade(side Side, lowerTick, upperTick int64, quantity *uint256.Int) (*Result, error) {
	lo, hi, err := m.config.BinRange(lowerTick, upperTick)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return nil, fmt.Errorf("%w: market %d", ErrMarketSettled, m.id)
	}

	var res *Result
	if side == Sell {
		res, err = ExecuteSell(m.tree, m.config.Alpha, lo, hi, quantity)
	} else {
		res, err = ExecuteBuy(m.tree, m.config.Alpha, lo, hi, quantity)
	}
	if err != nil {
		return nil, err
	}
	m.trades++
	m.volume.Add(m.volume, res.Quantity)
	m.lastTrade = time.Now()
	return res, nil
}

// QuantityFromCost returns the quantity a buy over the tick range can get for
// budget.
func (m *Market) QuantityFromCost(lowerTick, upperTick int64, budget *uint256.Int) (*uint256.Int, error) {
	lo, hi, err := m.config.BinRange(lowerTick, upperTick)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return QuantityFromCost(m.tree, m.config.Alpha, lo, hi, budget)
}

// RangeSum returns the weight of the tick range and the total weight.
func (m *Market) RangeSum(lowerTick, upperTick int64) (*uint256.Int, *uint256.Int, error) {
	lo, hi, err := m.config.BinRange(lowerTick, upperTick)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.tree.GetRangeSum(lo, hi)
	if err != nil {
		return nil, nil, err
	}
	z, err := m.tree.TotalSum()
	if err != nil {
		return nil, nil, err
	}
	return r, z, nil
}

// RangePrice returns the implied probability of the tick range, R / Z.
func (m *Market) RangePrice(lowerTick, upperTick int64) (*uint256.Int, error) {
	r, z, err := m.RangeSum(lowerTick, upperTick)
	if err != nil {
		return nil, err
	}
	return wad.Div(r, z)
}

// Prices returns the implied probability of every bin, w_i / Z.
func (m *Market) Prices() ([]*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.tree.TotalSum()
	if err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, m.tree.Size())
	for i := range out {
		w, err := m.tree.Leaf(i)
		if err != nil {
			return nil, err
		}
		if out[i], err = wad.Div(w, z); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Settle freezes the market. Quotes still work; trades fail.
func (m *Market) Settle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return fmt.Errorf("%w: market %d", ErrMarketSettled, m.id)
	}
	m.settled = true
	return nil
}

// Settled reports whether the market is frozen.
func (m *Market) Settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// MarketInfo is a point-in-time summary of a market.
type MarketInfo struct {
	ID        MarketID
	Config    MarketConfig
	Bins      int
	Total     *uint256.Int
	Settled   bool
	Trades    uint64
	Volume    *uint256.Int
	Created   time.Time
	LastTrade time.Time
	Tree      segtree.Stats
}

// Info returns a summary of the market.
func (m *Market) Info() (*MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, err := m.tree.TotalSum()
	if err != nil {
		return nil, err
	}
	return &MarketInfo{
		ID:        m.id,
		Config:    m.Config(),
		Bins:      m.tree.Size(),
		Total:     z,
		Settled:   m.settled,
		Trades:    m.trades,
		Volume:    new(uint256.Int).Set(m.volume),
		Created:   m.created,
		LastTrade: m.lastTrade,
		Tree:      m.tree.Stats(),
	}, nil
}

// MarketState is the bookkeeping of a market that lives beside its tree.
type MarketState struct {
	Settled   bool
	Trades    uint64
	Volume    *uint256.Int
	Created   time.Time
	LastTrade time.Time
}

// Snapshot exports the tree together with the market state, both taken under
// the market lock.
func (m *Market) Snapshot() (*segtree.Snapshot, MarketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.tree.Export()
	if err != nil {
		return nil, MarketState{}, err
	}
	return s, MarketState{
		Settled:   m.settled,
		Trades:    m.trades,
		Volume:    new(uint256.Int).Set(m.volume),
		Created:   m.created,
		LastTrade: m.lastTrade,
	}, nil
}

// RestoreMarket rebuilds a market from a stored tree and state. A zero
// Created time is replaced by the current time.
func RestoreMarket(id MarketID, cfg MarketConfig, snap *segtree.Snapshot, state MarketState) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tree, err := segtree.Import(snap)
	if err != nil {
		return nil, err
	}
	if tree.Size() != cfg.Bins() {
		return nil, fmt.Errorf("%w: snapshot has %d bins, config %d", ErrInvalidMarket, tree.Size(), cfg.Bins())
	}
	cfg.Alpha = new(uint256.Int).Set(cfg.Alpha)
	m := &Market{
		id:        id,
		config:    cfg,
		created:   state.Created,
		tree:      tree,
		settled:   state.Settled,
		trades:    state.Trades,
		volume:    new(uint256.Int),
		lastTrade: state.LastTrade,
	}
	if state.Volume != nil {
		m.volume.Set(state.Volume)
	}
	if m.created.IsZero() {
		m.created = time.Now()
	}
	return m, nil
}
