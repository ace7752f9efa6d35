package kern

import (
	"errors"
	"sync/atomic"

	"flywheel/hw/x86"
)

// ErrPoolExhausted is returned once every cell has been handed out.
var ErrPoolExhausted = errors.New("cell pool exhausted")

// CellPool hands out fixed-size page cells from a contiguous range
// with a single atomic bump. There is no free path; the pool backs
// allocations whose lifetime is the kernel's. Safe for concurrent
// callers.
type CellPool struct {
	start uint64
	cells uint64
	next  uint64
}

// CellSize is the fixed size of one pool cell.
const CellSize = x86.PageSize

// NewCellPool returns a pool of count cells starting at the
// page-aligned address start.
func NewCellPool(start uint64, count uint64) (*CellPool, error) {
	if !x86.IsAligned(start, CellSize) {
		return nil, errors.New("cell pool start is not cell aligned")
	}
	if count == 0 {
		return nil, errors.New("cell pool has no cells")
	}
	return &CellPool{start: start, cells: count}, nil
}

// Alloc returns the address of the next unused cell. After the pool
// runs dry every call returns ErrPoolExhausted.
func (p *CellPool) Alloc() (uint64, error) {
	n := atomic.AddUint64(&p.next, 1) - 1
	if n >= p.cells {
		return 0, ErrPoolExhausted
	}
	return p.start + n*CellSize, nil
}

// Used reports how many cells have been handed out.
func (p *CellPool) Used() uint64 {
	n := atomic.LoadUint64(&p.next)
	if n > p.cells {
		return p.cells
	}
	return n
}

// Cap reports the pool capacity in cells.
func (p *CellPool) Cap() uint64 { return p.cells }
