// Package clmsr prices trades for a continuous logarithmic market scoring rule
// market maker.
//
// Each bin i carries a weight w_i = exp(q_i / alpha). Buying quantity q over a
// bin range multiplies every weight in the range by exp(q / alpha) and costs
// alpha * ln(Z_after / Z_before), where Z is the sum of all weights. Selling is
// the reverse. Large trades are split into chunks so that no single factor
// leaves [MinFactor, MaxFactor].
package clmsr

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/clmsr/pkg/segtree"
	"github.com/luxfi/clmsr/pkg/wad"
)

// MaxChunksPerTrade bounds the work done by one trade or quote.
const MaxChunksPerTrade = 1000

var (
	ErrChunkLimitExceeded = errors.New("clmsr: trade needs too many chunks")
	ErrInvalidAlpha       = errors.New("clmsr: invalid liquidity parameter")
	ErrInvalidQuantity    = errors.New("clmsr: quantity must be positive")
	ErrInvalidCost        = errors.New("clmsr: cost must be positive")
	ErrEmptyRange         = errors.New("clmsr: range has zero weight")
)

// Side is the direction of a trade.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Result describes a priced trade.
type Result struct {
	Side     Side
	Quantity *uint256.Int
	// Amount is the cost of a buy or the proceeds of a sell.
	Amount *uint256.Int
	Chunks int

	TotalBefore *uint256.Int
	TotalAfter  *uint256.Int
}

// MaxSafeChunkQuantity returns the largest quantity whose factor
// exp(q / alpha) stays within MaxFactor, alpha * ln(100).
func MaxSafeChunkQuantity(alpha *uint256.Int) (*uint256.Int, error) {
	if alpha == nil || alpha.IsZero() {
		return nil, ErrInvalidAlpha
	}
	q, err := wad.Mul(alpha, wad.LnMaxFactor)
	if err != nil {
		return nil, err
	}
	if q.IsZero() {
		return nil, fmt.Errorf("%w: alpha %s is below one chunk", ErrInvalidAlpha, alpha.Dec())
	}
	return q, nil
}

// book is the state a trade is priced against.
type book interface {
	// totals returns the range sum and the total sum.
	totals() (rangeSum, total *uint256.Int, err error)
	scale(factor *uint256.Int) error
}

// treeBook applies every chunk to a real tree.
type treeBook struct {
	tree   *segtree.Tree
	lo, hi int
}

func (b *treeBook) totals() (*uint256.Int, *uint256.Int, error) {
	r, err := b.tree.GetRangeSum(b.lo, b.hi)
	if err != nil {
		return nil, nil, err
	}
	z, err := b.tree.TotalSum()
	if err != nil {
		return nil, nil, err
	}
	return r, z, nil
}

func (b *treeBook) scale(factor *uint256.Int) error {
	return b.tree.ApplyRangeFactor(b.lo, b.hi, factor)
}

// simBook tracks only the range sum and the total, the way a quote sees the
// market: Z' = Z - R + R*f.
type simBook struct {
	rangeSum *uint256.Int
	total    *uint256.Int
}

func newSimBook(t *segtree.Tree, lo, hi int) (*simBook, error) {
	r, err := t.GetRangeSum(lo, hi)
	if err != nil {
		return nil, err
	}
	z, err := t.TotalSum()
	if err != nil {
		return nil, err
	}
	return &simBook{rangeSum: r, total: z}, nil
}

func (b *simBook) totals() (*uint256.Int, *uint256.Int, error) {
	return new(uint256.Int).Set(b.rangeSum), new(uint256.Int).Set(b.total), nil
}

func (b *simBook) scale(factor *uint256.Int) error {
	next, err := wad.Mul(b.rangeSum, factor)
	if err != nil {
		return err
	}
	rest, err := wad.Sub(b.total, b.rangeSum)
	if err != nil {
		return err
	}
	total, err := wad.Add(rest, next)
	if err != nil {
		return err
	}
	b.rangeSum, b.total = next, total
	return nil
}

// chunks splits quantity into pieces of at most maxChunk.
func chunks(quantity, maxChunk *uint256.Int) ([]*uint256.Int, error) {
	if quantity == nil || quantity.IsZero() {
		return nil, ErrInvalidQuantity
	}
	n, rem := new(uint256.Int).DivMod(quantity, maxChunk, new(uint256.Int))
	// compare before rounding up so a huge n cannot wrap the count
	if n.GtUint64(MaxChunksPerTrade) || (n.Uint64() == MaxChunksPerTrade && !rem.IsZero()) {
		return nil, fmt.Errorf("%w: %s chunks of at most %s", ErrChunkLimitExceeded, n.Dec(), maxChunk.Dec())
	}
	count := n.Uint64()
	if !rem.IsZero() {
		count++
	}
	out := make([]*uint256.Int, 0, count)
	for i := uint64(0); i < n.Uint64(); i++ {
		out = append(out, new(uint256.Int).Set(maxChunk))
	}
	if !rem.IsZero() {
		out = append(out, rem)
	}
	return out, nil
}

// buyFactor is exp(q / alpha), rounded down.
func buyFactor(alpha, q *uint256.Int) (*uint256.Int, error) {
	x, err := wad.Div(q, alpha)
	if err != nil {
		return nil, err
	}
	return wad.Exp(x)
}

// sellFactor is exp(-q / alpha), rounded up.
func sellFactor(alpha, q *uint256.Int) (*uint256.Int, error) {
	x, err := wad.Div(q, alpha)
	if err != nil {
		return nil, err
	}
	return wad.ExpNeg(x)
}

func price(b book, side Side, alpha, quantity *uint256.Int) (*Result, error) {
	maxChunk, err := MaxSafeChunkQuantity(alpha)
	if err != nil {
		return nil, err
	}
	parts, err := chunks(quantity, maxChunk)
	if err != nil {
		return nil, err
	}

	_, before, err := b.totals()
	if err != nil {
		return nil, err
	}
	res := &Result{
		Side:        side,
		Quantity:    new(uint256.Int).Set(quantity),
		Amount:      new(uint256.Int),
		Chunks:      len(parts),
		TotalBefore: before,
	}

	zBefore := before
	for _, q := range parts {
		var amount *uint256.Int
		var zAfter *uint256.Int
		if side == Buy {
			amount, zAfter, err = buyChunk(b, alpha, q, zBefore)
		} else {
			amount, zAfter, err = sellChunk(b, alpha, q, zBefore)
		}
		if err != nil {
			return nil, err
		}
		if res.Amount, err = wad.Add(res.Amount, amount); err != nil {
			return nil, err
		}
		zBefore = zAfter
	}
	res.TotalAfter = zBefore
	return res, nil
}

// buyChunk charges alpha * ln(Z_after / Z_before), rounded up and never below
// one wei so that splitting a trade cannot make it free.
func buyChunk(b book, alpha, q, zBefore *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if zBefore.IsZero() {
		return nil, nil, ErrEmptyRange
	}
	f, err := buyFactor(alpha, q)
	if err != nil {
		return nil, nil, err
	}
	if err := b.scale(f); err != nil {
		return nil, nil, err
	}
	_, zAfter, err := b.totals()
	if err != nil {
		return nil, nil, err
	}
	ratio, err := wad.DivUp(zAfter, zBefore)
	if err != nil {
		return nil, nil, err
	}
	l, err := wad.Ln(ratio)
	if err != nil {
		return nil, nil, err
	}
	cost, err := wad.MulUp(alpha, l)
	if err != nil {
		return nil, nil, err
	}
	if cost.IsZero() {
		cost.SetOne()
	}
	return cost, zAfter, nil
}

// sellChunk pays alpha * ln(Z_before / Z_after), rounded down.
func sellChunk(b book, alpha, q, zBefore *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	f, err := sellFactor(alpha, q)
	if err != nil {
		return nil, nil, err
	}
	if err := b.scale(f); err != nil {
		return nil, nil, err
	}
	_, zAfter, err := b.totals()
	if err != nil {
		return nil, nil, err
	}
	if zAfter.IsZero() {
		return nil, nil, fmt.Errorf("%w: total weight vanished", wad.ErrDivisionByZero)
	}
	ratio, err := wad.Div(zBefore, zAfter)
	if err != nil {
		return nil, nil, err
	}
	l, err := wad.Ln(ratio)
	if err != nil {
		return nil, nil, err
	}
	proceeds, err := wad.Mul(alpha, l)
	if err != nil {
		return nil, nil, err
	}
	return proceeds, zAfter, nil
}

// ExecuteBuy applies a buy of quantity over bins [lo, hi] to t and returns its
// cost. Either every chunk is applied or t is left unchanged.
func ExecuteBuy(t *segtree.Tree, alpha *uint256.Int, lo, hi int, quantity *uint256.Int) (*Result, error) {
	return execute(t, Buy, alpha, lo, hi, quantity)
}

// ExecuteSell applies a sell of quantity over bins [lo, hi] to t and returns
// its proceeds. Either every chunk is applied or t is left unchanged.
func ExecuteSell(t *segtree.Tree, alpha *uint256.Int, lo, hi int, quantity *uint256.Int) (*Result, error) {
	return execute(t, Sell, alpha, lo, hi, quantity)
}

func execute(t *segtree.Tree, side Side, alpha *uint256.Int, lo, hi int, quantity *uint256.Int) (*Result, error) {
	work := t.Clone()
	res, err := price(&treeBook{tree: work, lo: lo, hi: hi}, side, alpha, quantity)
	if err != nil {
		return nil, err
	}
	t.Restore(work)
	return res, nil
}

// QuoteBuy returns the cost of buying quantity over [lo, hi] without
// touching t.
func QuoteBuy(t *segtree.Tree, alpha *uint256.Int, lo, hi int, quantity *uint256.Int) (*Result, error) {
	b, err := newSimBook(t, lo, hi)
	if err != nil {
		return nil, err
	}
	return price(b, Buy, alpha, quantity)
}

// QuoteSell returns the proceeds of selling quantity over [lo, hi] without
// touching t.
func QuoteSell(t *segtree.Tree, alpha *uint256.Int, lo, hi int, quantity *uint256.Int) (*Result, error) {
	b, err := newSimBook(t, lo, hi)
	if err != nil {
		return nil, err
	}
	return price(b, Sell, alpha, quantity)
}

// QuantityFromCost returns the largest quantity over [lo, hi] whose buy cost
// does not exceed budget. Whole safe chunks are taken while the budget covers
// them; the remainder is found by solving
//
//	Z * exp(c / alpha) = Z - R + R * f
//
// for the factor f and converting it back with q = alpha * ln(f).
func QuantityFromCost(t *segtree.Tree, alpha *uint256.Int, lo, hi int, budget *uint256.Int) (*uint256.Int, error) {
	if budget == nil || budget.IsZero() {
		return nil, ErrInvalidCost
	}
	maxChunk, err := MaxSafeChunkQuantity(alpha)
	if err != nil {
		return nil, err
	}
	b, err := newSimBook(t, lo, hi)
	if err != nil {
		return nil, err
	}
	if b.rangeSum.IsZero() {
		return nil, ErrEmptyRange
	}

	remaining := new(uint256.Int).Set(budget)
	quantity := new(uint256.Int)
	for n := 0; !remaining.IsZero(); n++ {
		if n >= MaxChunksPerTrade {
			return nil, fmt.Errorf("%w: budget %s", ErrChunkLimitExceeded, budget.Dec())
		}

		next := &simBook{rangeSum: b.rangeSum, total: b.total}
		fullCost, _, err := buyChunk(next, alpha, maxChunk, b.total)
		if err != nil {
			return nil, err
		}
		if !remaining.Lt(fullCost) {
			quantity.Add(quantity, maxChunk)
			remaining.Sub(remaining, fullCost)
			b = next
			continue
		}

		q, err := invertChunk(b, alpha, remaining)
		if err != nil {
			return nil, err
		}
		quantity.Add(quantity, q)
		break
	}
	return quantity, nil
}

// invertChunk finds the quantity whose single-chunk cost is c.
func invertChunk(b *simBook, alpha, c *uint256.Int) (*uint256.Int, error) {
	x, err := wad.Div(c, alpha)
	if err != nil {
		return nil, err
	}
	growth, err := wad.Exp(x)
	if err != nil {
		return nil, err
	}
	target, err := wad.Mul(b.total, growth)
	if err != nil {
		return nil, err
	}
	// target >= Z because growth >= WAD
	num := new(uint256.Int).Sub(target, b.total)
	num.Add(num, b.rangeSum)
	f, err := wad.Div(num, b.rangeSum)
	if err != nil {
		return nil, err
	}
	if f.Lt(wad.WAD) {
		return wad.Zero(), nil
	}
	l, err := wad.Ln(f)
	if err != nil {
		return nil, err
	}
	return wad.Mul(alpha, l)
}
