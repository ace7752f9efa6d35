// Package boot implements the two loader stages and the mode
// transition that take the machine from firmware handoff to kernel
// entry. The stages are ordinary sequential code over the hal
// boundary; every magic address they rely on lives in one Layout
// value so a harness can substitute its own.
package boot

import (
	"fmt"

	"flywheel/hw/x86"
)

// Target selects which execution mode the chain ends in. The shared
// steps (disk load, A20, memory discovery) are written once and
// parameterized by this.
type Target int

const (
	// Protected32 reloads segments from a 32-bit GDT and leaves
	// paging disabled.
	Protected32 Target = iota

	// Long64 builds identity page tables and lands in a 64-bit code
	// segment with paging on.
	Long64
)

func (t Target) String() string {
	switch t {
	case Protected32:
		return "protected32"
	case Long64:
		return "long64"
	}
	return fmt.Sprintf("Target(%d)", int(t))
}

// Layout collects every fixed physical address and size the boot
// chain must agree on end to end. The producer (mkimage) and the
// consumers (the stages, the kernel) share one value; nothing here is
// self-describing at runtime.
type Layout struct {
	// BootStack is the real-mode stack pointer the first stage
	// installs before anything else pushes.
	BootStack uint32

	// Stage2LoadAddr is where stage1 reads the second stage;
	// Stage2StartLBA/Stage2Sectors locate it on disk.
	Stage2LoadAddr uint32
	Stage2StartLBA uint32
	Stage2Sectors  uint8

	// KernelLoadAddr is the fixed physical load address of the
	// kernel image; KernelStartLBA/KernelSectors locate it on disk.
	KernelLoadAddr uint32
	KernelStartLBA uint32
	KernelSectors  uint16

	// HandoffAddr is where the boot handoff record lives.
	HandoffAddr uint32

	// MemoryMapAddr is the buffer the memory-map discovery loop
	// appends to, MemoryMapMaxEntries its capacity.
	MemoryMapAddr       uint32
	MemoryMapMaxEntries int

	// GDTAddr and IDTAddr hold the descriptor tables stage2 builds.
	GDTAddr uint32
	IDTAddr uint32

	// DiskBufferAddr is the low-memory bounce buffer for extended
	// reads whose final destination is above 1 MiB.
	DiskBufferAddr uint32

	// RealModeHandlerBase is where the tiny real-mode interrupt
	// stubs sit; the IVT vectors stage1 installs point here.
	RealModeHandlerBase uint16

	// ProtectedHandlerBase is where the protected-mode fault stubs
	// sit; the IDT gates stage2 installs point here.
	ProtectedHandlerBase uint32

	// PML4Addr, PDPTAddr and PDAddr are the page-table scratch
	// pages for the long-mode transition.
	PML4Addr uint64
	PDPTAddr uint64
	PDAddr   uint64

	// HeapStart and HeapSize describe the kernel heap. For Long64
	// HeapStart is a virtual address the kernel maps page by page;
	// for Protected32 it is a physical address that is already
	// reachable with paging off.
	HeapStart uint64
	HeapSize  uint64
}

// DefaultLayout is the layout the stock image uses.
func DefaultLayout() Layout {
	return Layout{
		BootStack:            0x7C00,
		Stage2LoadAddr:       0x7E00,
		Stage2StartLBA:       1,
		Stage2Sectors:        6,
		KernelLoadAddr:       0x10_0000,
		KernelStartLBA:       33,
		KernelSectors:        100,
		HandoffAddr:          0x6000,
		MemoryMapAddr:        0x6800,
		MemoryMapMaxEntries:  64,
		GDTAddr:              0x6600,
		IDTAddr:              0x5000,
		DiskBufferAddr:       0x2_0000,
		RealModeHandlerBase:  0x7B00,
		ProtectedHandlerBase: 0x7B40,
		PML4Addr:             0x1_0000,
		PDPTAddr:             0x1_1000,
		PDAddr:               0x1_2000,
		HeapStart:            0x4444_4444_0000,
		HeapSize:             100 * 1024,
	}
}

// Validate checks the cross-cutting invariants: page alignment where
// the hardware requires it and a heap that is a whole number of
// pages.
func (l Layout) Validate() error {
	for name, addr := range map[string]uint64{
		"pml4": l.PML4Addr,
		"pdpt": l.PDPTAddr,
		"pd":   l.PDAddr,
	} {
		if !x86.IsAligned(addr, x86.PageSize) {
			return fmt.Errorf("%s scratch address %#x is not page aligned", name, addr)
		}
	}
	if !x86.IsAligned(l.HeapStart, x86.PageSize) {
		return fmt.Errorf("heap start %#x is not page aligned", l.HeapStart)
	}
	if l.HeapSize == 0 || !x86.IsAligned(l.HeapSize, x86.PageSize) {
		return fmt.Errorf("heap size %#x is not a whole number of pages", l.HeapSize)
	}
	if l.Stage2Sectors == 0 {
		return fmt.Errorf("stage2 occupies no sectors")
	}
	if l.KernelSectors == 0 {
		return fmt.Errorf("kernel occupies no sectors")
	}
	if l.MemoryMapMaxEntries <= 0 {
		return fmt.Errorf("memory map buffer has no capacity")
	}
	stage2End := uint64(l.Stage2LoadAddr) + uint64(l.Stage2Sectors)*x86.SectorSize
	for name, addr := range map[string]uint64{
		"handoff":    uint64(l.HandoffAddr),
		"memory map": uint64(l.MemoryMapAddr),
		"gdt":        uint64(l.GDTAddr),
	} {
		if addr >= uint64(l.Stage2LoadAddr) && addr < stage2End {
			return fmt.Errorf("%s buffer at %#x overlaps the stage2 image", name, addr)
		}
	}
	return nil
}

// Disk geometry the CHS conversion in stage1 assumes; must match what
// the firmware reports for the boot drive.
const (
	sectorsPerTrack  = 63
	headsPerCylinder = 16
)

// lbaToCHS converts a linear sector number to the cylinder, head and
// 1-based sector the legacy read service wants.
func lbaToCHS(lba uint32) (cylinder uint16, head, sector uint8) {
	cylinder = uint16(lba / (sectorsPerTrack * headsPerCylinder))
	head = uint8((lba / sectorsPerTrack) % headsPerCylinder)
	sector = uint8(lba%sectorsPerTrack) + 1
	return
}
