// Package segtree implements a lazy multiplicative segment tree over WAD weights.
//
// The tree supports O(log n) "multiply every weight in [lo, hi] by f" and
// "sum the weights in [lo, hi]". Internal nodes cache a pending factor that has
// been applied to their own sum but not yet to their children. A pending factor
// is flushed to the children as soon as composing it would leave the window
// [UnderflowFlushThreshold, FlushThreshold], or would round to exactly one while
// a real factor was pending. After every flush the children are reconciled to
// the parent's sum so that sum[i] == sum[2i] + sum[2i+1] holds exactly.
//
// Nodes use implicit 1-based indexing: node i has children 2i and 2i+1, node 1
// covers [0, size-1].
package segtree

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/clmsr/pkg/wad"
)

// MaxSize is the largest number of leaves a tree accepts. It bounds the depth
// of every walk to ceil(log2(512)) + 1 levels.
const MaxSize = 512

var (
	// FlushThreshold is the largest pending factor a node may hold (1000.0).
	FlushThreshold = uint256.MustFromDecimal("1000000000000000000000")

	// UnderflowFlushThreshold is the smallest pending factor a node may hold (0.001).
	UnderflowFlushThreshold = uint256.NewInt(1e15)

	// MinFactor and MaxFactor bound the factor accepted by ApplyRangeFactor.
	MinFactor = wad.MinFactor
	MaxFactor = wad.MaxFactor
)

// State is the lifecycle stage of a tree.
type State uint8

const (
	Uninitialized State = iota
	Initialized
	Seeded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Seeded:
		return "seeded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Stats counts the internal maintenance work done by mutating calls.
type Stats struct {
	Applies    uint64 // ApplyRangeFactor calls that committed
	Flushes    uint64 // pending factors pushed to children
	Rebalances uint64 // flushes whose children needed reconciling
}

// Tree is a lazy multiplicative segment tree. The zero value is an
// uninitialized tree; call Init then Seed before use.
//
// A Tree is not safe for concurrent use. Callers serialize access per tree.
type Tree struct {
	size  int
	state State

	sums []uint256.Int
	// lazy[i] is the pending factor of node i; zero encodes the identity.
	lazy []uint256.Int

	stats Stats
}

// New returns an initialized, unseeded tree with size leaves.
func New(size int) (*Tree, error) {
	t := &Tree{}
	if err := t.Init(size); err != nil {
		return nil, err
	}
	return t, nil
}

// NewSeeded returns a tree seeded with the given weights.
func NewSeeded(weights []uint256.Int) (*Tree, error) {
	t, err := New(len(weights))
	if err != nil {
		return nil, err
	}
	if err := t.Seed(weights); err != nil {
		return nil, err
	}
	return t, nil
}

// NewUniform returns a tree of size leaves, each seeded to one (WAD).
func NewUniform(size int) (*Tree, error) {
	if size <= 0 {
		return nil, ErrTreeSizeZero
	}
	if size > MaxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTreeSizeTooLarge, size, MaxSize)
	}
	weights := make([]uint256.Int, size)
	for i := range weights {
		weights[i].Set(wad.WAD)
	}
	return NewSeeded(weights)
}

// Init allocates storage for size leaves.
func (t *Tree) Init(size int) error {
	if size <= 0 {
		return ErrTreeSizeZero
	}
	if t.state != Uninitialized {
		return ErrTreeAlreadyInitialized
	}
	if size > MaxSize {
		return fmt.Errorf("%w: %d > %d", ErrTreeSizeTooLarge, size, MaxSize)
	}
	t.size = size
	t.sums = make([]uint256.Int, nodeCount(size))
	t.lazy = make([]uint256.Int, nodeCount(size))
	t.state = Initialized
	return nil
}

// Seed sets every leaf weight, rebuilds all node sums and clears every pending
// factor. Seeding an already seeded tree replaces its contents.
func (t *Tree) Seed(weights []uint256.Int) error {
	if t.state == Uninitialized {
		return ErrTreeNotInitialized
	}
	if len(weights) != t.size {
		return fmt.Errorf("%w: got %d weights for %d leaves", ErrArrayLengthMismatch, len(weights), t.size)
	}

	sums := make([]uint256.Int, len(t.sums))
	if err := build(sums, weights, 1, 0, t.size-1); err != nil {
		return err
	}
	t.sums = sums
	for i := range t.lazy {
		t.lazy[i].Clear()
	}
	t.state = Seeded
	return nil
}

func build(sums, weights []uint256.Int, idx, l, r int) error {
	if l == r {
		sums[idx].Set(&weights[l])
		return nil
	}
	mid := (l + r) / 2
	if err := build(sums, weights, 2*idx, l, mid); err != nil {
		return err
	}
	if err := build(sums, weights, 2*idx+1, mid+1, r); err != nil {
		return err
	}
	if _, overflow := sums[idx].AddOverflow(&sums[2*idx], &sums[2*idx+1]); overflow {
		return fmt.Errorf("%w: seed sum at node %d", wad.ErrMathOverflow, idx)
	}
	return nil
}

// ApplyRangeFactor multiplies every weight in [lo, hi] by factor.
// The call either commits completely or leaves the tree untouched.
func (t *Tree) ApplyRangeFactor(lo, hi int, factor *uint256.Int) error {
	if err := t.checkRange(lo, hi); err != nil {
		return err
	}
	if factor.Lt(MinFactor) || factor.Gt(MaxFactor) {
		return fmt.Errorf("%w: %s", ErrInvalidFactor, factor.Dec())
	}

	w := t.overlay()
	if err := w.apply(1, 0, t.size-1, lo, hi, factor); err != nil {
		return err
	}
	w.commit()
	t.stats.Applies++
	return nil
}

// GetRangeSum returns the sum of the weights in [lo, hi] without changing
// any stored state.
func (t *Tree) GetRangeSum(lo, hi int) (*uint256.Int, error) {
	if err := t.checkRange(lo, hi); err != nil {
		return nil, err
	}
	return t.overlay().query(1, 0, t.size-1, lo, hi)
}

// PropagateLazy returns the same value as GetRangeSum and, in addition,
// materializes every pending factor on the path to [lo, hi].
func (t *Tree) PropagateLazy(lo, hi int) (*uint256.Int, error) {
	if err := t.checkRange(lo, hi); err != nil {
		return nil, err
	}
	w := t.overlay()
	sum, err := w.query(1, 0, t.size-1, lo, hi)
	if err != nil {
		return nil, err
	}
	w.commit()
	return sum, nil
}

// TotalSum returns the sum of all weights.
func (t *Tree) TotalSum() (*uint256.Int, error) {
	if err := t.checkReady(); err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&t.sums[1]), nil
}

// Leaf returns the current weight of leaf i.
func (t *Tree) Leaf(i int) (*uint256.Int, error) {
	return t.GetRangeSum(i, i)
}

// Leaves returns every leaf weight, materializing all pending factors.
func (t *Tree) Leaves() ([]*uint256.Int, error) {
	if err := t.checkReady(); err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, t.size)
	for i := range out {
		v, err := t.PropagateLazy(i, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Size returns the number of leaves.
func (t *Tree) Size() int { return t.size }

// State returns the lifecycle stage.
func (t *Tree) State() State { return t.state }

// Stats returns the maintenance counters.
func (t *Tree) Stats() Stats { return t.stats }

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := &Tree{size: t.size, state: t.state, stats: t.stats}
	c.sums = append([]uint256.Int(nil), t.sums...)
	c.lazy = append([]uint256.Int(nil), t.lazy...)
	return c
}

// Restore replaces the contents of t with a deep copy of src. Callers use it to
// commit work done on a Clone.
func (t *Tree) Restore(src *Tree) {
	*t = *src.Clone()
}

func (t *Tree) checkReady() error {
	switch t.state {
	case Uninitialized:
		return ErrTreeNotInitialized
	case Initialized:
		return ErrTreeNotSeeded
	}
	return nil
}

func (t *Tree) checkRange(lo, hi int) error {
	if err := t.checkReady(); err != nil {
		return err
	}
	if lo > hi {
		return fmt.Errorf("%w: lo=%d hi=%d", ErrInvalidRange, lo, hi)
	}
	if lo < 0 || hi >= t.size {
		return fmt.Errorf("%w: [%d, %d] outside [0, %d]", ErrIndexOutOfBounds, lo, hi, t.size-1)
	}
	return nil
}

func nodeCount(size int) int {
	return 4*size + 4
}
