package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/clmsr/pkg/api"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "clmsrd JSON-RPC URL")
		action    = flag.String("action", "market", "Action: market, prices, quote, buy, sell, spend")
		marketID  = flag.Uint64("market", 1, "Market ID")
		side      = flag.String("side", "buy", "Quote side: buy or sell")
		lower     = flag.Int64("lower", 0, "Lower tick (inclusive)")
		upper     = flag.Int64("upper", 0, "Upper tick (exclusive)")
		quantity  = flag.String("quantity", "1", "Quantity in whole units")
		cost      = flag.String("cost", "1", "Budget for the spend action")
		timeout   = flag.Duration("timeout", 10*time.Second, "Request timeout")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := api.NewClient(*serverURL)
	trade := api.TradeParams{MarketID: *marketID, LowerTick: *lower, UpperTick: *upper, Quantity: *quantity}

	var err error
	switch *action {
	case "market":
		var m *api.MarketView
		if m, err = client.Market(ctx, *marketID); err == nil {
			logger.Info("Market",
				"id", m.MarketID,
				"ticks", fmt.Sprintf("[%d, %d) step %d", m.MinTick, m.MaxTick, m.TickSpacing),
				"alpha", m.Alpha,
				"bins", m.Bins,
				"total", m.Total,
				"trades", m.Trades,
				"volume", m.Volume,
				"settled", m.Settled)
		}

	case "prices":
		var bins []api.BinPrice
		if bins, err = client.Prices(ctx, *marketID); err == nil {
			for _, b := range bins {
				fmt.Printf("[%d, %d)\t%s\n", b.LowerTick, b.UpperTick, b.Price)
			}
		}

	case "quote":
		var q *api.QuoteView
		if q, err = client.Quote(ctx, *side, trade); err == nil {
			logger.Info("Quote", "side", q.Side, "quantity", q.Quantity, "amount", q.Amount, "chunks", q.Chunks)
		}

	case "buy", "sell":
		var tr *api.TradeView
		if tr, err = client.Trade(ctx, *action, trade); err == nil {
			logger.Info("Trade executed", "id", tr.TradeID, "side", tr.Side, "quantity", tr.Quantity, "amount", tr.Amount)
		}

	case "spend":
		var out struct {
			Quantity string `json:"quantity"`
		}
		err = client.Call(ctx, "clmsr_quantityFromCost", api.CostParams{
			MarketID: *marketID, LowerTick: *lower, UpperTick: *upper, Cost: *cost,
		}, &out)
		if err == nil {
			logger.Info("Budget buys", "cost", *cost, "quantity", out.Quantity)
		}

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Request failed", "action", *action, "error", err)
		os.Exit(1)
	}
}
