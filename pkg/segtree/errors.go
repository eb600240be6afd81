package segtree

import (
	"errors"

	"github.com/luxfi/clmsr/pkg/wad"
)

var (
	ErrTreeSizeZero           = errors.New("segtree: size must be positive")
	ErrTreeAlreadyInitialized = errors.New("segtree: already initialized")
	ErrTreeSizeTooLarge       = errors.New("segtree: size exceeds maximum")
	ErrTreeNotInitialized     = errors.New("segtree: not initialized")
	ErrTreeNotSeeded          = errors.New("segtree: not seeded")
	ErrInvalidRange           = errors.New("segtree: invalid range")
	ErrIndexOutOfBounds       = errors.New("segtree: index out of bounds")
	ErrInvalidFactor          = errors.New("segtree: factor outside [MinFactor, MaxFactor]")
	ErrArrayLengthMismatch    = errors.New("segtree: array length mismatch")
	ErrLazyFactorOverflow     = errors.New("segtree: pending factor outside flush window")
	ErrInvalidSnapshot        = errors.New("segtree: invalid snapshot")

	// ErrMathOverflow reports an arithmetic invariant violation, such as a
	// rebalance that would drive a child sum negative.
	ErrMathOverflow = wad.ErrMathOverflow
)
