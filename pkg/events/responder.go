package events

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// MarketSummary is one entry of a market info reply.
type MarketSummary struct {
	MarketID uint64 `json:"marketId"`
	Bins     int    `json:"bins"`
	Alpha    string `json:"alpha"`
	Total    string `json:"total"`
	Trades   uint64 `json:"trades"`
	Volume   string `json:"volume"`
	Settled  bool   `json:"settled"`
}

// ServeInfo answers requests on <prefix>.markets.info with a summary of every
// market, so that NATS-only consumers can discover markets.
func ServeInfo(nc *nats.Conn, prefix string, reg *clmsr.Registry, logger log.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return nc.Subscribe(prefix+".markets.info", func(m *nats.Msg) {
		data, err := infoReply(reg)
		if err != nil {
			logger.Warn("Market info unavailable", "error", err)
			return
		}
		if err := m.Respond(data); err != nil {
			logger.Debug("Market info reply failed", "error", err)
		}
	})
}

func infoReply(reg *clmsr.Registry) ([]byte, error) {
	markets := reg.Markets()
	out := make([]MarketSummary, 0, len(markets))
	for _, m := range markets {
		info, err := m.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, MarketSummary{
			MarketID: uint64(info.ID),
			Bins:     info.Bins,
			Alpha:    wad.Format(info.Config.Alpha),
			Total:    wad.Format(info.Total),
			Trades:   info.Trades,
			Volume:   wad.Format(info.Volume),
			Settled:  info.Settled,
		})
	}
	return json.Marshal(out)
}
