package segtree

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/clmsr/pkg/wad"
)

// node is a scratch copy of one tree slot.
type node struct {
	sum  uint256.Int
	lazy uint256.Int
}

// walk runs the tree algorithms against a copy-on-write overlay. Mutating
// calls commit the overlay once the whole walk has succeeded; read-only
// queries drop it. Both paths execute the same flushes, so a query observes
// exactly the sums a materializing call would produce.
type walk struct {
	t       *Tree
	touched map[int]*node
	stats   Stats
}

func (t *Tree) overlay() *walk {
	return &walk{t: t, touched: make(map[int]*node)}
}

func (w *walk) slot(i int) *node {
	n, ok := w.touched[i]
	if !ok {
		n = &node{sum: w.t.sums[i], lazy: w.t.lazy[i]}
		w.touched[i] = n
	}
	return n
}

func (w *walk) sum(i int) uint256.Int {
	if n, ok := w.touched[i]; ok {
		return n.sum
	}
	return w.t.sums[i]
}

func (w *walk) lazy(i int) uint256.Int {
	if n, ok := w.touched[i]; ok {
		return n.lazy
	}
	return w.t.lazy[i]
}

func (w *walk) setSum(i int, v *uint256.Int) {
	w.slot(i).sum.Set(v)
}

func (w *walk) setLazy(i int, v *uint256.Int) {
	w.slot(i).lazy.Set(v)
}

func (w *walk) clearLazy(i int) {
	w.slot(i).lazy.Clear()
}

func (w *walk) commit() {
	for i, n := range w.touched {
		w.t.sums[i] = n.sum
		w.t.lazy[i] = n.lazy
	}
	w.t.stats.Flushes += w.stats.Flushes
	w.t.stats.Rebalances += w.stats.Rebalances
}

func (w *walk) apply(idx, l, r, lo, hi int, f *uint256.Int) error {
	if hi < l || r < lo {
		return nil
	}
	if lo <= l && r <= hi {
		return w.applyAll(idx, l, r, f)
	}

	if err := w.flush(idx, l, r); err != nil {
		return err
	}
	mid := (l + r) / 2
	if err := w.apply(2*idx, l, mid, lo, hi, f); err != nil {
		return err
	}
	if err := w.apply(2*idx+1, mid+1, r, lo, hi, f); err != nil {
		return err
	}
	return w.pull(idx)
}

// applyAll multiplies a fully covered node by f. Leaves only take the product;
// internal nodes also compose f into their pending factor, flushing first when
// the composition would leave the safe window or collapse to the identity.
func (w *walk) applyAll(idx, l, r int, f *uint256.Int) error {
	cur := w.sum(idx)
	next, err := wad.Mul(&cur, f)
	if err != nil {
		return fmt.Errorf("node %d: %w", idx, err)
	}
	if l == r {
		w.setSum(idx, next)
		return nil
	}

	prior := w.lazy(idx)
	if prior.IsZero() {
		w.setSum(idx, next)
		return w.storeLazy(idx, f)
	}

	combined, err := wad.Mul(&prior, f)
	if err != nil {
		return fmt.Errorf("%w: node %d", ErrLazyFactorOverflow, idx)
	}
	if outsideWindow(combined) || combined.Eq(wad.WAD) {
		if err := w.flush(idx, l, r); err != nil {
			return err
		}
		w.setSum(idx, next)
		return w.storeLazy(idx, f)
	}

	w.setSum(idx, next)
	w.setLazy(idx, combined)
	return nil
}

func (w *walk) storeLazy(idx int, f *uint256.Int) error {
	if f.Eq(wad.WAD) {
		w.clearLazy(idx)
		return nil
	}
	if outsideWindow(f) {
		return fmt.Errorf("%w: node %d factor %s", ErrLazyFactorOverflow, idx, f.Dec())
	}
	w.setLazy(idx, f)
	return nil
}

// flush pushes the pending factor of idx into both children, reconciles the
// children with the parent sum and resets idx to the identity.
func (w *walk) flush(idx, l, r int) error {
	pending := w.lazy(idx)
	if pending.IsZero() || l == r {
		return nil
	}
	mid := (l + r) / 2
	if err := w.applyAll(2*idx, l, mid, &pending); err != nil {
		return err
	}
	if err := w.applyAll(2*idx+1, mid+1, r, &pending); err != nil {
		return err
	}
	if err := w.rebalance(idx); err != nil {
		return err
	}
	w.clearLazy(idx)
	w.stats.Flushes++
	return nil
}

// rebalance forces sum[2i] + sum[2i+1] == sum[i]. A surplus goes to the right
// child; a deficit is taken from the right child first, then from the left.
func (w *walk) rebalance(idx int) error {
	parent := w.sum(idx)
	left := w.sum(2 * idx)
	right := w.sum(2*idx + 1)

	total, overflow := new(uint256.Int).AddOverflow(&left, &right)
	if overflow {
		return fmt.Errorf("%w: children of node %d", wad.ErrMathOverflow, idx)
	}

	switch parent.Cmp(total) {
	case 0:
		return nil
	case 1:
		surplus := new(uint256.Int).Sub(&parent, total)
		right.Add(&right, surplus)
	default:
		deficit := new(uint256.Int).Sub(total, &parent)
		if !right.Lt(deficit) {
			right.Sub(&right, deficit)
		} else {
			deficit.Sub(deficit, &right)
			right.Clear()
			if left.Lt(deficit) {
				return fmt.Errorf("%w: node %d children cannot absorb deficit %s", wad.ErrMathOverflow, idx, deficit.Dec())
			}
			left.Sub(&left, deficit)
			w.setSum(2*idx, &left)
		}
	}
	w.setSum(2*idx+1, &right)
	w.stats.Rebalances++
	return nil
}

func (w *walk) pull(idx int) error {
	left := w.sum(2 * idx)
	right := w.sum(2*idx + 1)
	total, overflow := new(uint256.Int).AddOverflow(&left, &right)
	if overflow {
		return fmt.Errorf("%w: node %d", wad.ErrMathOverflow, idx)
	}
	w.setSum(idx, total)
	return nil
}

func (w *walk) query(idx, l, r, lo, hi int) (*uint256.Int, error) {
	if hi < l || r < lo {
		return new(uint256.Int), nil
	}
	if lo <= l && r <= hi {
		s := w.sum(idx)
		return new(uint256.Int).Set(&s), nil
	}

	if err := w.flush(idx, l, r); err != nil {
		return nil, err
	}
	mid := (l + r) / 2
	left, err := w.query(2*idx, l, mid, lo, hi)
	if err != nil {
		return nil, err
	}
	right, err := w.query(2*idx+1, mid+1, r, lo, hi)
	if err != nil {
		return nil, err
	}
	if _, overflow := left.AddOverflow(left, right); overflow {
		return nil, fmt.Errorf("%w: range sum", wad.ErrMathOverflow)
	}
	return left, nil
}

func outsideWindow(f *uint256.Int) bool {
	return f.Lt(UnderflowFlushThreshold) || f.Gt(FlushThreshold)
}
