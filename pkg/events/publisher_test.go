package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

func TestPublisherFollowsRegistry(t *testing.T) {
	conn := &fakeConn{}
	pub := NewPublisher(conn, "", testLogger())
	reg := clmsr.NewRegistry(testLogger())
	reg.AddListener(pub)

	m, err := reg.CreateMarket(clmsr.MarketConfig{MinTick: 0, MaxTick: 4, TickSpacing: 1, Alpha: wad.One()})
	require.NoError(t, err)
	receipt, err := reg.Buy(m.ID(), 0, 2, wad.One())
	require.NoError(t, err)
	require.NoError(t, reg.Settle(m.ID()))

	require.Len(t, conn.msgs, 3)
	assert.Equal(t, "clmsr.markets.created", conn.msgs[0].subject)
	assert.Equal(t, "clmsr.trades.1", conn.msgs[1].subject)
	assert.Equal(t, pub.TradeSubject(1), conn.msgs[1].subject)
	assert.Equal(t, "clmsr.settled.1", conn.msgs[2].subject)

	var created Market
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &created))
	assert.Equal(t, 4, created.Bins)
	assert.Equal(t, "1", created.Alpha)

	var trade Trade
	require.NoError(t, json.Unmarshal(conn.msgs[1].data, &trade))
	assert.Equal(t, receipt.ID.String(), trade.TradeID)
	assert.Equal(t, "buy", trade.Side)
	assert.Equal(t, "0.620114506958277504", trade.Amount)
	assert.Equal(t, "4", trade.TotalBefore)
	assert.Equal(t, "7.436563656918090436", trade.TotalAfter)
}

func TestPublisherReportsFailures(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	pub := NewPublisher(conn, "dex", testLogger())

	var outcomes []error
	pub.OnPublish = func(err error) { outcomes = append(outcomes, err) }

	pub.OnSettled(7)
	require.Len(t, outcomes, 1)
	assert.EqualError(t, outcomes[0], "nats: connection closed")

	conn.err = nil
	pub.OnSettled(7)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[1])
	assert.Equal(t, "dex.settled.7", conn.msgs[0].subject)
}

func TestInfoReply(t *testing.T) {
	reg := clmsr.NewRegistry(testLogger())
	_, err := reg.CreateMarket(clmsr.MarketConfig{MinTick: 0, MaxTick: 100, TickSpacing: 10, Alpha: wad.One()})
	require.NoError(t, err)
	_, err = reg.Buy(1, 20, 60, wad.One())
	require.NoError(t, err)

	data, err := infoReply(reg)
	require.NoError(t, err)

	var got []MarketSummary
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].MarketID)
	assert.Equal(t, "16.873127313836180872", got[0].Total)
	assert.Equal(t, uint64(1), got[0].Trades)
	assert.Equal(t, "1", got[0].Volume)
}
