package kern

import (
	"fmt"

	"flywheel/hal"
	"flywheel/hw/x86"
)

// PagedMemory is a virtual-address view of physical memory through a
// page-table root. Accesses are split at page boundaries and each
// page is translated separately, so a range spanning discontiguous
// frames still works.
type PagedMemory struct {
	mem  hal.Memory
	root uint64
}

// NewPagedMemory wraps mem with translation through the 4-level table
// rooted at root.
func NewPagedMemory(mem hal.Memory, root uint64) *PagedMemory {
	return &PagedMemory{mem: mem, root: root}
}

func (p *PagedMemory) each(addr uint64, n int, f func(phys uint64, off, len int) error) error {
	off := 0
	for off < n {
		pageOff := (addr + uint64(off)) & (x86.PageSize - 1)
		chunk := int(x86.PageSize - pageOff)
		if chunk > n-off {
			chunk = n - off
		}
		phys, _, err := x86.Translate(p.mem, p.root, addr+uint64(off))
		if err != nil {
			return fmt.Errorf("virtual %#x: %w", addr+uint64(off), err)
		}
		if err := f(phys, off, chunk); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

func (p *PagedMemory) Read(addr uint64, b []byte) error {
	return p.each(addr, len(b), func(phys uint64, off, n int) error {
		return p.mem.Read(phys, b[off:off+n])
	})
}

func (p *PagedMemory) Write(addr uint64, b []byte) error {
	return p.each(addr, len(b), func(phys uint64, off, n int) error {
		return p.mem.Write(phys, b[off:off+n])
	})
}

func (p *PagedMemory) Size() uint64 { return p.mem.Size() }
