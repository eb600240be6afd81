package clmsr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"
)

var (
	ErrMarketNotFound = errors.New("clmsr: market not found")
	ErrMarketExists   = errors.New("clmsr: market already exists")
)

// TradeReceipt records an executed trade.
type TradeReceipt struct {
	ID          uuid.UUID
	MarketID    MarketID
	Side        Side
	LowerTick   int64
	UpperTick   int64
	Quantity    *uint256.Int
	Amount      *uint256.Int
	Chunks      int
	TotalBefore *uint256.Int
	TotalAfter  *uint256.Int
	Timestamp   time.Time
	Latency     time.Duration
}

// Listener observes registry activity. Callbacks run synchronously after the
// market lock is released and must not block.
type Listener interface {
	OnMarketCreated(info *MarketInfo)
	OnTrade(receipt *TradeReceipt)
	OnSettled(id MarketID)
}

// Registry keeps one Market per id. Markets never share state.
type Registry struct {
	mu        sync.RWMutex
	markets   map[MarketID]*Market
	nextID    MarketID
	listeners []Listener

	logger log.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.Root().New("module", "clmsr")
	}
	return &Registry{
		markets: make(map[MarketID]*Market),
		nextID:  1,
		logger:  logger,
	}
}

// AddListener registers l for all future events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshotListeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

// CreateMarket adds a market with a fresh id.
func (r *Registry) CreateMarket(cfg MarketConfig) (*Market, error) {
	r.mu.Lock()
	m, err := NewMarket(r.nextID, cfg)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.markets[m.id] = m
	r.nextID++
	r.mu.Unlock()

	r.logger.Info("Market created",
		"market", m.id,
		"bins", cfg.Bins(),
		"minTick", cfg.MinTick,
		"maxTick", cfg.MaxTick,
		"alpha", cfg.Alpha.Dec())
	r.notifyCreated(m)
	return m, nil
}

// Add registers a market built elsewhere, for example restored from storage.
func (r *Registry) Add(m *Market) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.id]; ok {
		return fmt.Errorf("%w: %d", ErrMarketExists, m.id)
	}
	r.markets[m.id] = m
	if m.id >= r.nextID {
		r.nextID = m.id + 1
	}
	return nil
}

// Market returns the market with the given id.
func (r *Registry) Market(id MarketID) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMarketNotFound, id)
	}
	return m, nil
}

// Markets returns every market ordered by id.
func (r *Registry) Markets() []*Market {
	r.mu.RLock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Buy executes a buy and returns its receipt.
func (r *Registry) Buy(id MarketID, lowerTick, upperTick int64, quantity *uint256.Int) (*TradeReceipt, error) {
	return r.trade(id, Buy, lowerTick, upperTick, quantity)
}

// Sell executes a sell and returns its receipt.
func (r *Registry) Sell(id MarketID, lowerTick, upperTick int64, quantity *uint256.Int) (*TradeReceipt, error) {
	return r.trade(id, Sell, lowerTick, upperTick, quantity)
}

func (r *Registry) trade(id MarketID, side Side, lowerTick, upperTick int64, quantity *uint256.Int) (*TradeReceipt, error) {
	m, err := r.Market(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.Trade(side, lowerTick, upperTick, quantity)
	if err != nil {
		r.logger.Debug("Trade rejected",
			"market", id,
			"side", side,
			"lowerTick", lowerTick,
			"upperTick", upperTick,
			"error", err)
		return nil, err
	}

	receipt := &TradeReceipt{
		ID:          uuid.New(),
		MarketID:    id,
		Side:        side,
		LowerTick:   lowerTick,
		UpperTick:   upperTick,
		Quantity:    res.Quantity,
		Amount:      res.Amount,
		Chunks:      res.Chunks,
		TotalBefore: res.TotalBefore,
		TotalAfter:  res.TotalAfter,
		Timestamp:   time.Now(),
		Latency:     time.Since(start),
	}
	r.logger.Debug("Trade executed",
		"id", receipt.ID,
		"market", id,
		"side", side,
		"quantity", receipt.Quantity.Dec(),
		"amount", receipt.Amount.Dec(),
		"chunks", receipt.Chunks)

	for _, l := range r.snapshotListeners() {
		l.OnTrade(receipt)
	}
	return receipt, nil
}

// Settle freezes a market.
func (r *Registry) Settle(id MarketID) error {
	m, err := r.Market(id)
	if err != nil {
		return err
	}
	if err := m.Settle(); err != nil {
		return err
	}
	r.logger.Info("Market settled", "market", id)
	for _, l := range r.snapshotListeners() {
		l.OnSettled(id)
	}
	return nil
}

func (r *Registry) notifyCreated(m *Market) {
	listeners := r.snapshotListeners()
	if len(listeners) == 0 {
		return
	}
	info, err := m.Info()
	if err != nil {
		r.logger.Warn("Market info unavailable", "market", m.id, "error", err)
		return
	}
	for _, l := range listeners {
		l.OnMarketCreated(info)
	}
}
