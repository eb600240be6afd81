// Package events publishes market activity to NATS.
//
// Subjects:
//
//	<prefix>.markets.created   new market
//	<prefix>.trades.<id>       executed trade
//	<prefix>.settled.<id>      market settled
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// DefaultPrefix is the subject root used when none is configured.
const DefaultPrefix = "clmsr"

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Trade is the payload of a trade event.
type Trade struct {
	TradeID     string `json:"tradeId"`
	MarketID    uint64 `json:"marketId"`
	Side        string `json:"side"`
	LowerTick   int64  `json:"lowerTick"`
	UpperTick   int64  `json:"upperTick"`
	Quantity    string `json:"quantity"`
	Amount      string `json:"amount"`
	Chunks      int    `json:"chunks"`
	TotalBefore string `json:"totalBefore"`
	TotalAfter  string `json:"totalAfter"`
	Timestamp   int64  `json:"timestamp"`
}

// Market is the payload of a market creation event.
type Market struct {
	MarketID    uint64 `json:"marketId"`
	MinTick     int64  `json:"minTick"`
	MaxTick     int64  `json:"maxTick"`
	TickSpacing int64  `json:"tickSpacing"`
	Alpha       string `json:"alpha"`
	Bins        int    `json:"bins"`
	Timestamp   int64  `json:"timestamp"`
}

// Settlement is the payload of a settlement event.
type Settlement struct {
	MarketID  uint64 `json:"marketId"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher forwards registry events to NATS. It implements clmsr.Listener.
type Publisher struct {
	conn   Conn
	prefix string
	logger log.Logger

	// OnPublish, when set, observes the outcome of every publish.
	OnPublish func(err error)
}

// NewPublisher publishes on conn under prefix.
func NewPublisher(conn Conn, prefix string, logger log.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url with reconnect handling that logs through logger.
func Connect(url, name string, logger log.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}

// TradeSubject returns the subject trades of market id are published on.
func (p *Publisher) TradeSubject(id clmsr.MarketID) string {
	return fmt.Sprintf("%s.trades.%d", p.prefix, id)
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err == nil {
		err = p.conn.Publish(subject, data)
	}
	if err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
	if p.OnPublish != nil {
		p.OnPublish(err)
	}
}

// OnMarketCreated implements clmsr.Listener.
func (p *Publisher) OnMarketCreated(info *clmsr.MarketInfo) {
	p.publish(p.prefix+".markets.created", Market{
		MarketID:    uint64(info.ID),
		MinTick:     info.Config.MinTick,
		MaxTick:     info.Config.MaxTick,
		TickSpacing: info.Config.TickSpacing,
		Alpha:       wad.Format(info.Config.Alpha),
		Bins:        info.Bins,
		Timestamp:   info.Created.UnixMilli(),
	})
}

// OnTrade implements clmsr.Listener.
func (p *Publisher) OnTrade(r *clmsr.TradeReceipt) {
	p.publish(p.TradeSubject(r.MarketID), Trade{
		TradeID:     r.ID.String(),
		MarketID:    uint64(r.MarketID),
		Side:        r.Side.String(),
		LowerTick:   r.LowerTick,
		UpperTick:   r.UpperTick,
		Quantity:    wad.Format(r.Quantity),
		Amount:      wad.Format(r.Amount),
		Chunks:      r.Chunks,
		TotalBefore: wad.Format(r.TotalBefore),
		TotalAfter:  wad.Format(r.TotalAfter),
		Timestamp:   r.Timestamp.UnixMilli(),
	})
}

// OnSettled implements clmsr.Listener.
func (p *Publisher) OnSettled(id clmsr.MarketID) {
	p.publish(fmt.Sprintf("%s.settled.%d", p.prefix, id), Settlement{
		MarketID:  uint64(id),
		Timestamp: time.Now().UnixMilli(),
	})
}

var (
	_ Conn           = (*nats.Conn)(nil)
	_ clmsr.Listener = (*Publisher)(nil)
)
