package kern

import (
	"fmt"

	"flywheel/boot/handoff"
	"flywheel/hal"
	"flywheel/hw/x86"
	"flywheel/lib/murmur"
)

// Config tells bring-up where everything lives. The values come from
// the same layout the loader used; nothing here is discovered.
type Config struct {
	// HandoffAddr is where the loader left the handoff record.
	HandoffAddr uint64

	// FrameFloor is the lowest physical address the frame allocator
	// may touch, normally the end of the loaded kernel image.
	FrameFloor uint64

	// PageRoot is the PML4 the loader installed; only consulted when
	// the handoff says paging is on.
	PageRoot uint64

	// GDTAddr is where the kernel rebuilds its own descriptor table,
	// replacing the loader's scratch copy. Zero skips the rebuild.
	GDTAddr uint32

	// HeapStart and HeapSize locate the kernel heap. With paging on
	// HeapStart is virtual and bring-up maps it page by page; with
	// paging off it must be a reachable physical address.
	HeapStart uint64
	HeapSize  uint64

	// PoolCells is the cell-pool capacity, carved out of physical
	// frames at bring-up.
	PoolCells uint64

	// Now reads the current tick counter; used once to stamp the
	// boot time. Nil means zero.
	Now func() uint64
}

// Kernel is everything bring-up constructs.
type Kernel struct {
	State   State
	Heap    *Heap
	Pool    *CellPool
	Stats   Stats
	Frames  *BumpFrameAllocator
	Monitor *Monitor

	// View is the memory the heap lives in: translated when paging
	// is on, physical otherwise.
	View hal.Memory
}

// Bringup validates the handoff, builds the allocators, and arms the
// monitor. Any failure here is fatal in kind; the caller is expected
// to halt the machine on a non-nil error.
func Bringup(m hal.Machine, cfg Config, log *murmur.Logger, checks []Check) (*Kernel, error) {
	mem := m.Memory()

	h, err := handoff.Read(mem, cfg.HandoffAddr)
	if err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}
	if h.Flags&handoff.FlagA20Enabled == 0 {
		return nil, fmt.Errorf("handoff says the a20 gate is closed")
	}
	if h.Flags&handoff.FlagMapValid == 0 {
		return nil, fmt.Errorf("handoff carries no memory map")
	}
	entries, err := handoff.ReadMap(mem, uint64(h.MemoryMapPtr), int(h.MemoryMapCount))
	if err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	required := cfg.HeapSize + cfg.PoolCells*CellSize
	if err := handoff.ValidateMap(entries, required); err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}
	log.Infof("memory map: %d entries, need %d bytes", len(entries), required)

	k := &Kernel{
		Frames: NewBumpFrameAllocator(entries, cfg.FrameFloor),
	}

	paged := h.Flags&handoff.FlagLongMode != 0
	if cfg.GDTAddr != 0 {
		if err := rebuildGDT(m, cfg.GDTAddr, paged); err != nil {
			return nil, fmt.Errorf("gdt: %w", err)
		}
	}
	if paged {
		if err := k.mapHeap(mem, cfg); err != nil {
			return nil, fmt.Errorf("heap mapping: %w", err)
		}
		k.View = NewPagedMemory(mem, cfg.PageRoot)
	} else {
		if cfg.HeapStart+cfg.HeapSize > mem.Size() {
			return nil, fmt.Errorf("heap %#x+%#x is beyond physical memory", cfg.HeapStart, cfg.HeapSize)
		}
		// With paging off the heap occupies physical memory directly;
		// keep the frame allocator out of it.
		k.Frames.Reserve(cfg.HeapStart, cfg.HeapSize)
		k.View = mem
	}

	if k.Heap, err = NewHeap(k.View, cfg.HeapStart, cfg.HeapSize); err != nil {
		return nil, fmt.Errorf("heap: %w", err)
	}
	if k.Pool, err = k.carvePool(cfg.PoolCells); err != nil {
		return nil, fmt.Errorf("cell pool: %w", err)
	}

	if cfg.Now != nil {
		k.State.BootTime = cfg.Now()
	}
	k.State.HeapRegion = Region{Start: cfg.HeapStart, Size: cfg.HeapSize}
	k.Monitor = NewMonitor(&k.State, log, m.CPU().Halt, checks)
	log.Infof("bring-up complete: heap %#x+%#x, pool %d cells", cfg.HeapStart, cfg.HeapSize, cfg.PoolCells)
	return k, nil
}

// rebuildGDT replaces the loader's scratch descriptor table with the
// kernel's own copy of the same flat model.
func rebuildGDT(m hal.Machine, addr uint32, long bool) error {
	gran := uint8(x86.GranFlat32)
	if long {
		gran = x86.GranLong
	}
	gdt := x86.NewFlatGDT(gran)
	if err := m.Memory().Write(uint64(addr), gdt.Bytes()); err != nil {
		return err
	}
	m.CPU().LoadGDT(addr, gdt.Limit())
	return nil
}

// mapHeap backs every heap page with a fresh frame, mapped writable
// and no-execute. Intermediate paging structures come from the same
// frame allocator.
func (k *Kernel) mapHeap(mem hal.Memory, cfg Config) error {
	alloc := func() (uint64, error) {
		f, err := k.Frames.AllocFrame()
		if err != nil {
			return 0, err
		}
		if err := x86.ZeroTable(mem, f); err != nil {
			return 0, err
		}
		return f, nil
	}
	flags := uint64(x86.PagePresent | x86.PageWritable | x86.PageNoExec)
	for off := uint64(0); off < cfg.HeapSize; off += x86.PageSize {
		frame, err := k.Frames.AllocFrame()
		if err != nil {
			return fmt.Errorf("page %#x: %w", cfg.HeapStart+off, err)
		}
		if err := x86.Map4K(mem, cfg.PageRoot, cfg.HeapStart+off, frame, flags, alloc); err != nil {
			return fmt.Errorf("page %#x: %w", cfg.HeapStart+off, err)
		}
	}
	return nil
}

// carvePool takes a contiguous run of frames for the cell pool. The
// bump allocator hands out ascending addresses, so a gap means a
// region boundary or a reserved range was crossed; the run restarts
// past it and the frames before the gap stay unused.
func (k *Kernel) carvePool(cells uint64) (*CellPool, error) {
	if cells == 0 {
		return nil, fmt.Errorf("pool has no cells")
	}
	start, err := k.Frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	prev, run := start, uint64(1)
	for run < cells {
		f, err := k.Frames.AllocFrame()
		if err != nil {
			return nil, fmt.Errorf("no contiguous run of %d frames: %w", cells, err)
		}
		if f == prev+x86.PageSize {
			run++
		} else {
			start, run = f, 1
		}
		prev = f
	}
	return NewCellPool(start, cells)
}
