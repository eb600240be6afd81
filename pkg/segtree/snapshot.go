package segtree

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Snapshot is the raw node storage of a seeded tree.
type Snapshot struct {
	Size  int
	Sums  []uint256.Int
	Lazy  []uint256.Int
	Stats Stats
}

// Export returns a deep copy of the node arrays.
func (t *Tree) Export() (*Snapshot, error) {
	if err := t.checkReady(); err != nil {
		return nil, err
	}
	return &Snapshot{
		Size:  t.size,
		Sums:  append([]uint256.Int(nil), t.sums...),
		Lazy:  append([]uint256.Int(nil), t.lazy...),
		Stats: t.stats,
	}, nil
}

// Import rebuilds a seeded tree from a snapshot after checking that it
// satisfies every structural invariant.
func Import(s *Snapshot) (*Tree, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidSnapshot)
	}
	if s.Size <= 0 || s.Size > MaxSize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidSnapshot, s.Size)
	}
	n := nodeCount(s.Size)
	if len(s.Sums) != n || len(s.Lazy) != n {
		return nil, fmt.Errorf("%w: %d sums, %d lazy for %d nodes", ErrInvalidSnapshot, len(s.Sums), len(s.Lazy), n)
	}
	if err := validate(s, 1, 0, s.Size-1); err != nil {
		return nil, err
	}
	t := &Tree{size: s.Size, state: Seeded, stats: s.Stats}
	t.sums = append([]uint256.Int(nil), s.Sums...)
	t.lazy = append([]uint256.Int(nil), s.Lazy...)
	return t, nil
}

func validate(s *Snapshot, idx, l, r int) error {
	lazy := &s.Lazy[idx]
	if l == r {
		if !lazy.IsZero() {
			return fmt.Errorf("%w: leaf node %d has pending factor", ErrInvalidSnapshot, idx)
		}
		return nil
	}
	if !lazy.IsZero() && outsideWindow(lazy) {
		return fmt.Errorf("%w: node %d pending factor %s", ErrInvalidSnapshot, idx, lazy.Dec())
	}
	// A node with a pending factor is ahead of its children, so only settled
	// nodes are checked for exact agreement.
	if lazy.IsZero() {
		total, overflow := new(uint256.Int).AddOverflow(&s.Sums[2*idx], &s.Sums[2*idx+1])
		if overflow || !total.Eq(&s.Sums[idx]) {
			return fmt.Errorf("%w: node %d sum does not match children", ErrInvalidSnapshot, idx)
		}
	}
	mid := (l + r) / 2
	if err := validate(s, 2*idx, l, mid); err != nil {
		return err
	}
	return validate(s, 2*idx+1, mid+1, r)
}
