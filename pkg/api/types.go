package api

import (
	"time"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// Amounts cross the wire as decimal strings in whole units, e.g. "1.5".

type CreateMarketParams struct {
	MinTick     int64  `json:"minTick"`
	MaxTick     int64  `json:"maxTick"`
	TickSpacing int64  `json:"tickSpacing"`
	Alpha       string `json:"alpha"`
}

type MarketParams struct {
	MarketID uint64 `json:"marketId"`
}

type RangeParams struct {
	MarketID  uint64 `json:"marketId"`
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
}

type TradeParams struct {
	MarketID  uint64 `json:"marketId"`
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
	Quantity  string `json:"quantity"`
}

type CostParams struct {
	MarketID  uint64 `json:"marketId"`
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
	Cost      string `json:"cost"`
}

type CandleParams struct {
	MarketID uint64 `json:"marketId"`
	Interval string `json:"interval"`
	Limit    int    `json:"limit"`
}

// MarketView is the wire form of clmsr.MarketInfo.
type MarketView struct {
	MarketID    uint64 `json:"marketId"`
	MinTick     int64  `json:"minTick"`
	MaxTick     int64  `json:"maxTick"`
	TickSpacing int64  `json:"tickSpacing"`
	Alpha       string `json:"alpha"`
	Bins        int    `json:"bins"`
	Total       string `json:"total"`
	Settled     bool   `json:"settled"`
	Trades      uint64 `json:"trades"`
	Volume      string `json:"volume"`
	Created     int64  `json:"created"`
	LastTrade   int64  `json:"lastTrade,omitempty"`
	Flushes     uint64 `json:"flushes"`
	Rebalances  uint64 `json:"rebalances"`
}

type QuoteView struct {
	MarketID    uint64 `json:"marketId"`
	Side        string `json:"side"`
	LowerTick   int64  `json:"lowerTick"`
	UpperTick   int64  `json:"upperTick"`
	Quantity    string `json:"quantity"`
	Amount      string `json:"amount"`
	Chunks      int    `json:"chunks"`
	TotalBefore string `json:"totalBefore"`
	TotalAfter  string `json:"totalAfter"`
}

type TradeView struct {
	TradeID string `json:"tradeId"`
	QuoteView
	Timestamp int64 `json:"timestamp"`
	LatencyNs int64 `json:"latencyNs"`
}

type RangeView struct {
	MarketID  uint64 `json:"marketId"`
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
	RangeSum  string `json:"rangeSum"`
	Total     string `json:"total"`
	Price     string `json:"price"`
}

type BinPrice struct {
	LowerTick int64  `json:"lowerTick"`
	UpperTick int64  `json:"upperTick"`
	Price     string `json:"price"`
}

func marketView(m *clmsr.Market) (*MarketView, error) {
	info, err := m.Info()
	if err != nil {
		return nil, err
	}
	v := &MarketView{
		MarketID:    uint64(info.ID),
		MinTick:     info.Config.MinTick,
		MaxTick:     info.Config.MaxTick,
		TickSpacing: info.Config.TickSpacing,
		Alpha:       wad.Format(info.Config.Alpha),
		Bins:        info.Bins,
		Total:       wad.Format(info.Total),
		Settled:     info.Settled,
		Trades:      info.Trades,
		Volume:      wad.Format(info.Volume),
		Created:     info.Created.UnixMilli(),
		Flushes:     info.Tree.Flushes,
		Rebalances:  info.Tree.Rebalances,
	}
	if !info.LastTrade.IsZero() {
		v.LastTrade = info.LastTrade.UnixMilli()
	}
	return v, nil
}

func tradeView(r *clmsr.TradeReceipt) *TradeView {
	return &TradeView{
		TradeID: r.ID.String(),
		QuoteView: QuoteView{
			MarketID:    uint64(r.MarketID),
			Side:        r.Side.String(),
			LowerTick:   r.LowerTick,
			UpperTick:   r.UpperTick,
			Quantity:    wad.Format(r.Quantity),
			Amount:      wad.Format(r.Amount),
			Chunks:      r.Chunks,
			TotalBefore: wad.Format(r.TotalBefore),
			TotalAfter:  wad.Format(r.TotalAfter),
		},
		Timestamp: r.Timestamp.UnixMilli(),
		LatencyNs: int64(r.Latency / time.Nanosecond),
	}
}
