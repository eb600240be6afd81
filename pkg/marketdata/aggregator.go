// Package marketdata aggregates trades into per-market OHLCV candles of the
// average fill price.
package marketdata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// Aggregator builds candles from registry trades. It implements
// clmsr.Listener.
type Aggregator struct {
	logger log.Logger
	db     database.Database
	now    func() time.Time

	// Open candle by market and interval
	candles   map[clmsr.MarketID]map[Interval]*Candle
	candlesMu sync.Mutex

	// Subscribers
	subscribers map[string][]chan *Candle
	subMu       sync.RWMutex

	// Stats
	totalTrades  uint64
	totalCandles uint64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Candle is the OHLCV summary of one market over one interval. Prices are
// fill prices, amount paid or received per unit of quantity.
type Candle struct {
	MarketID  clmsr.MarketID  `json:"marketId"`
	Interval  Interval        `json:"interval"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Notional  decimal.Decimal `json:"notional"`
	Trades    int             `json:"trades"`
	Buys      int             `json:"buys"`
	Sells     int             `json:"sells"`
	Complete  bool            `json:"complete"`
}

// Interval is a candle width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the time.Duration for an interval, or zero if unknown.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// AllIntervals returns all supported intervals
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// NewAggregator creates an aggregator storing completed candles in db.
func NewAggregator(logger log.Logger, db database.Database) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Aggregator{
		logger:      logger,
		db:          db,
		now:         time.Now,
		candles:     make(map[clmsr.MarketID]map[Interval]*Candle),
		subscribers: make(map[string][]chan *Candle),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start closes candles whose interval has elapsed even when no trade arrives.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				a.completeCandles()
			}
		}
	}()
	a.logger.Info("Market data aggregator started")
}

// Stop shuts down the aggregator
func (a *Aggregator) Stop() {
	a.logger.Info("Stopping market data aggregator")
	a.cancel()
	a.wg.Wait()
}

// OnTrade implements clmsr.Listener.
func (a *Aggregator) OnTrade(r *clmsr.TradeReceipt) {
	if r.Quantity.IsZero() {
		return
	}
	quantity := wad.ToDecimal(r.Quantity)
	amount := wad.ToDecimal(r.Amount)
	price := amount.DivRound(quantity, wad.Decimals)

	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	a.totalTrades++
	if a.candles[r.MarketID] == nil {
		a.candles[r.MarketID] = make(map[Interval]*Candle)
	}

	// Update candle for each interval
	for _, interval := range AllIntervals() {
		openTime := openTimeFor(r.Timestamp, interval)
		candle := a.candles[r.MarketID][interval]

		if candle == nil || !candle.OpenTime.Equal(openTime) {
			if candle != nil {
				a.finish(candle)
			}
			candle = &Candle{
				MarketID:  r.MarketID,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: openTime.Add(interval.Duration()),
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
			}
			a.candles[r.MarketID][interval] = candle
			a.totalCandles++
		}

		if price.GreaterThan(candle.High) {
			candle.High = price
		}
		if price.LessThan(candle.Low) {
			candle.Low = price
		}
		candle.Close = price
		candle.Volume = candle.Volume.Add(quantity)
		candle.Notional = candle.Notional.Add(amount)
		candle.Trades++
		if r.Side == clmsr.Buy {
			candle.Buys++
		} else {
			candle.Sells++
		}
	}
}

// OnMarketCreated implements clmsr.Listener.
func (a *Aggregator) OnMarketCreated(*clmsr.MarketInfo) {}

// OnSettled closes every open candle of the market.
func (a *Aggregator) OnSettled(id clmsr.MarketID) {
	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	for _, candle := range a.candles[id] {
		a.finish(candle)
	}
	delete(a.candles, id)
}

// completeCandles closes candles whose interval has elapsed.
func (a *Aggregator) completeCandles() {
	now := a.now()

	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	for _, byInterval := range a.candles {
		for interval, candle := range byInterval {
			if !now.Before(candle.CloseTime) {
				a.finish(candle)
				delete(byInterval, interval)
			}
		}
	}
}

// finish must be called with candlesMu held.
func (a *Aggregator) finish(candle *Candle) {
	if candle.Complete {
		return
	}
	candle.Complete = true
	a.storeCandle(candle)
	a.publishCandle(candle)
}

func openTimeFor(t time.Time, interval Interval) time.Time {
	return t.UTC().Truncate(interval.Duration())
}

func candlePrefix(id clmsr.MarketID, interval Interval) []byte {
	key := []byte("candle/")
	key = binary.BigEndian.AppendUint64(key, uint64(id))
	key = append(key, '/')
	key = append(key, interval...)
	return append(key, '/')
}

func subscriptionKey(id clmsr.MarketID, interval Interval) string {
	return fmt.Sprintf("%d:%s", id, interval)
}

// publishCandle publishes a completed candle to subscribers
func (a *Aggregator) publishCandle(candle *Candle) {
	a.subMu.RLock()
	subscribers := a.subscribers[subscriptionKey(candle.MarketID, candle.Interval)]
	a.subMu.RUnlock()

	out := *candle
	for _, ch := range subscribers {
		select {
		case ch <- &out:
		default:
			// Subscriber is not ready, skip
		}
	}
}

// storeCandle stores a completed candle; keys sort by open time.
func (a *Aggregator) storeCandle(candle *Candle) {
	key := binary.BigEndian.AppendUint64(candlePrefix(candle.MarketID, candle.Interval), uint64(candle.OpenTime.Unix()))

	value, err := json.Marshal(candle)
	if err != nil {
		a.logger.Error("Failed to marshal candle", "error", err)
		return
	}
	if err := a.db.Put(key, value); err != nil {
		a.logger.Error("Failed to store candle", "market", candle.MarketID, "error", err)
	}
}

// Subscribe returns a channel receiving completed candles.
func (a *Aggregator) Subscribe(id clmsr.MarketID, interval Interval) <-chan *Candle {
	ch := make(chan *Candle, 100)

	a.subMu.Lock()
	key := subscriptionKey(id, interval)
	a.subscribers[key] = append(a.subscribers[key], ch)
	a.subMu.Unlock()

	return ch
}

// GetCandles returns up to limit of the most recent candles, oldest first,
// including the open one.
func (a *Aggregator) GetCandles(id clmsr.MarketID, interval Interval, limit int) ([]*Candle, error) {
	if interval.Duration() == 0 {
		return nil, fmt.Errorf("marketdata: unknown interval %q", interval)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("marketdata: limit must be positive, got %d", limit)
	}

	iter := a.db.NewIteratorWithPrefix(candlePrefix(id, interval))
	defer iter.Release()

	var candles []*Candle
	for iter.Next() {
		var candle Candle
		if err := json.Unmarshal(iter.Value(), &candle); err != nil {
			a.logger.Warn("Skipping malformed candle", "key", fmt.Sprintf("%x", iter.Key()), "error", err)
			continue
		}
		candles = append(candles, &candle)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	a.candlesMu.Lock()
	if open := a.candles[id][interval]; open != nil {
		c := *open
		candles = append(candles, &c)
	}
	a.candlesMu.Unlock()

	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// GetStats returns aggregator statistics
func (a *Aggregator) GetStats() map[string]interface{} {
	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	open := 0
	for _, byInterval := range a.candles {
		open += len(byInterval)
	}
	return map[string]interface{}{
		"total_trades":  a.totalTrades,
		"total_candles": a.totalCandles,
		"open_candles":  open,
		"markets":       len(a.candles),
	}
}

var _ clmsr.Listener = (*Aggregator)(nil)
