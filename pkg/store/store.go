// Package store persists market trees so a restarted node resumes with the
// same prices.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/segtree"
)

var (
	ErrChecksumMismatch = errors.New("store: snapshot checksum mismatch")
	ErrCorrupt          = errors.New("store: malformed snapshot")
)

const (
	version      = 2
	checksumSize = 32
)

var (
	magic        = []byte("CLMS")
	marketPrefix = []byte("market/")
)

func marketKey(id clmsr.MarketID) []byte {
	key := make([]byte, len(marketPrefix)+8)
	copy(key, marketPrefix)
	binary.BigEndian.PutUint64(key[len(marketPrefix):], uint64(id))
	return key
}

// Store keeps one record per market. It implements clmsr.Listener so that
// every state change is written through.
type Store struct {
	db     database.Database
	logger log.Logger

	mu       sync.Mutex
	registry *clmsr.Registry

	// writeMu orders snapshot and put so an older snapshot never
	// overwrites a newer one.
	writeMu sync.Mutex

	// OnSaved, when set, is called after every successful write.
	OnSaved func()
}

// New wraps db.
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{db: db, logger: logger}
}

// Attach loads every stored market into reg and then follows reg, saving
// markets as they change. It returns the number of markets restored.
func (s *Store) Attach(reg *clmsr.Registry) (int, error) {
	markets, err := s.LoadAll()
	if err != nil {
		return 0, err
	}
	for _, m := range markets {
		if err := reg.Add(m); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()
	reg.AddListener(s)

	s.logger.Info("Markets restored", "count", len(markets))
	return len(markets), nil
}

// Save writes the current state of m.
func (s *Store) Save(m *clmsr.Market) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, state, err := m.Snapshot()
	if err != nil {
		return err
	}
	data, err := encode(m.Config(), state, snap)
	if err != nil {
		return err
	}
	if err := s.db.Put(marketKey(m.ID()), data); err != nil {
		return fmt.Errorf("store: put market %d: %w", m.ID(), err)
	}
	if s.OnSaved != nil {
		s.OnSaved()
	}
	return nil
}

// Load reads one market. It returns database.ErrNotFound for unknown ids.
func (s *Store) Load(id clmsr.MarketID) (*clmsr.Market, error) {
	data, err := s.db.Get(marketKey(id))
	if err != nil {
		return nil, err
	}
	return decodeMarket(id, data)
}

// LoadAll reads every stored market in id order.
func (s *Store) LoadAll() ([]*clmsr.Market, error) {
	it := s.db.NewIteratorWithPrefix(marketPrefix)
	defer it.Release()

	var markets []*clmsr.Market
	for it.Next() {
		key := it.Key()
		if len(key) != len(marketPrefix)+8 {
			return nil, fmt.Errorf("%w: key %x", ErrCorrupt, key)
		}
		id := clmsr.MarketID(binary.BigEndian.Uint64(key[len(marketPrefix):]))
		m, err := decodeMarket(id, it.Value())
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: iterate markets: %w", err)
	}
	return markets, nil
}

// Delete removes a stored market.
func (s *Store) Delete(id clmsr.MarketID) error {
	return s.db.Delete(marketKey(id))
}

func (s *Store) saveByID(id clmsr.MarketID) {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return
	}

	m, err := reg.Market(id)
	if err != nil {
		s.logger.Warn("Market vanished before save", "market", id, "error", err)
		return
	}
	if err := s.Save(m); err != nil {
		s.logger.Error("Failed to save market", "market", id, "error", err)
	}
}

// OnMarketCreated implements clmsr.Listener.
func (s *Store) OnMarketCreated(info *clmsr.MarketInfo) { s.saveByID(info.ID) }

// OnTrade implements clmsr.Listener.
func (s *Store) OnTrade(r *clmsr.TradeReceipt) { s.saveByID(r.MarketID) }

// OnSettled implements clmsr.Listener.
func (s *Store) OnSettled(id clmsr.MarketID) { s.saveByID(id) }

func decodeMarket(id clmsr.MarketID, data []byte) (*clmsr.Market, error) {
	cfg, state, snap, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", id, err)
	}
	m, err := clmsr.RestoreMarket(id, cfg, snap, state)
	if err != nil {
		return nil, fmt.Errorf("market %d: %w", id, err)
	}
	return m, nil
}

// Record layout, big endian:
//
//	magic[4] version[1] minTick[8] maxTick[8] spacing[8] alpha[32] settled[1]
//	trades[8] volume[32] created[8] lastTrade[8]
//	size[4] applies[8] flushes[8] rebalances[8] nodes[4]
//	sums[nodes*32] lazy[nodes*32] blake3[32]
//
// Times are unix nanoseconds, zero for an unset time.
func encode(cfg clmsr.MarketConfig, state clmsr.MarketState, snap *segtree.Snapshot) ([]byte, error) {
	if len(snap.Sums) != len(snap.Lazy) {
		return nil, fmt.Errorf("%w: %d sums, %d lazy", ErrCorrupt, len(snap.Sums), len(snap.Lazy))
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(version)
	for _, v := range []int64{cfg.MinTick, cfg.MaxTick, cfg.TickSpacing} {
		binary.Write(&buf, binary.BigEndian, v)
	}
	alpha := cfg.Alpha.Bytes32()
	buf.Write(alpha[:])
	if state.Settled {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(&buf, binary.BigEndian, state.Trades)
	volume := new(uint256.Int)
	if state.Volume != nil {
		volume.Set(state.Volume)
	}
	vb := volume.Bytes32()
	buf.Write(vb[:])
	binary.Write(&buf, binary.BigEndian, unixNano(state.Created))
	binary.Write(&buf, binary.BigEndian, unixNano(state.LastTrade))
	binary.Write(&buf, binary.BigEndian, uint32(snap.Size))
	binary.Write(&buf, binary.BigEndian, snap.Stats.Applies)
	binary.Write(&buf, binary.BigEndian, snap.Stats.Flushes)
	binary.Write(&buf, binary.BigEndian, snap.Stats.Rebalances)
	binary.Write(&buf, binary.BigEndian, uint32(len(snap.Sums)))
	for _, nodes := range [][]uint256.Int{snap.Sums, snap.Lazy} {
		for i := range nodes {
			b := nodes[i].Bytes32()
			buf.Write(b[:])
		}
	}

	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func decode(data []byte) (clmsr.MarketConfig, clmsr.MarketState, *segtree.Snapshot, error) {
	var (
		cfg   clmsr.MarketConfig
		state clmsr.MarketState
	)
	if len(data) < checksumSize+len(magic)+1 {
		return cfg, state, nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	body, digest := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], digest) {
		return cfg, state, nil, ErrChecksumMismatch
	}

	r := bytes.NewReader(body)
	head := make([]byte, len(magic)+1)
	if _, err := r.Read(head); err != nil || !bytes.Equal(head[:len(magic)], magic) {
		return cfg, state, nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if head[len(magic)] != version {
		return cfg, state, nil, fmt.Errorf("%w: version %d", ErrCorrupt, head[len(magic)])
	}

	var fixed struct {
		MinTick, MaxTick, TickSpacing int64
		Alpha                         [32]byte
		Settled                       uint8
		Trades                        uint64
		Volume                        [32]byte
		Created, LastTrade            int64
		Size                          uint32
		Applies, Flushes, Rebalances  uint64
		Nodes                         uint32
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return cfg, state, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int64(r.Len()) != 2*32*int64(fixed.Nodes) {
		return cfg, state, nil, fmt.Errorf("%w: %d node bytes for %d nodes", ErrCorrupt, r.Len(), fixed.Nodes)
	}

	cfg = clmsr.MarketConfig{
		MinTick:     fixed.MinTick,
		MaxTick:     fixed.MaxTick,
		TickSpacing: fixed.TickSpacing,
		Alpha:       new(uint256.Int).SetBytes32(fixed.Alpha[:]),
	}
	snap := &segtree.Snapshot{
		Size: int(fixed.Size),
		Sums: make([]uint256.Int, fixed.Nodes),
		Lazy: make([]uint256.Int, fixed.Nodes),
		Stats: segtree.Stats{
			Applies:    fixed.Applies,
			Flushes:    fixed.Flushes,
			Rebalances: fixed.Rebalances,
		},
	}
	word := make([]byte, 32)
	for _, nodes := range [][]uint256.Int{snap.Sums, snap.Lazy} {
		for i := range nodes {
			r.Read(word)
			nodes[i].SetBytes32(word)
		}
	}
	state = clmsr.MarketState{
		Settled:   fixed.Settled == 1,
		Trades:    fixed.Trades,
		Volume:    new(uint256.Int).SetBytes32(fixed.Volume[:]),
		Created:   fromUnixNano(fixed.Created),
		LastTrade: fromUnixNano(fixed.LastTrade),
	}
	return cfg, state, snap, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
