package x86

import (
	"fmt"

	"flywheel/hal"
)

// Page-table entry bits and the translation structure builders. The
// tables live in a fixed physical scratch region and are written
// before paging is on; once CR3 is loaded they are immutable as far as
// the CPU is concerned.

const (
	PagePresent  uint64 = 1 << 0
	PageWritable uint64 = 1 << 1
	PageUser     uint64 = 1 << 2
	PageHuge     uint64 = 1 << 7
	PageNoExec   uint64 = 1 << 63

	// PageFrameMask extracts the physical frame address from an
	// entry: bits 12 through 51.
	PageFrameMask uint64 = 0x000F_FFFF_FFFF_F000
)

const (
	PageSize        = 4096
	PageShift       = 12
	EntriesPerTable = 512
	HugePageSize    = 2 << 20 // one PD entry with the huge bit
)

// Index extraction for each level of a 4-level walk.
func PML4Index(virt uint64) int { return int(virt>>39) & 0x1FF }
func PDPTIndex(virt uint64) int { return int(virt>>30) & 0x1FF }
func PDIndex(virt uint64) int   { return int(virt>>21) & 0x1FF }
func PTIndex(virt uint64) int   { return int(virt>>12) & 0x1FF }

// ZeroTable clears one 4KiB table page.
func ZeroTable(m hal.Memory, phys uint64) error {
	zero := make([]byte, PageSize)
	return m.Write(phys, zero)
}

// WriteEntry stores entry at slot index of the table page at phys.
func WriteEntry(m hal.Memory, phys uint64, index int, entry uint64) error {
	if index < 0 || index >= EntriesPerTable {
		return fmt.Errorf("page table index %d out of range", index)
	}
	return hal.WriteU64(m, phys+uint64(index)*8, entry)
}

// ReadEntry loads slot index of the table page at phys.
func ReadEntry(m hal.Memory, phys uint64, index int) (uint64, error) {
	if index < 0 || index >= EntriesPerTable {
		return 0, fmt.Errorf("page table index %d out of range", index)
	}
	return hal.ReadU64(m, phys+uint64(index)*8)
}

// BuildIdentityMap zero-fills the three scratch table pages and
// populates exactly their first entries, identity-mapping the first
// GiB with a single huge-page directory entry chain:
//
//	PML4[0] = pdpt | PRESENT | WRITABLE
//	PDPT[0] = pd   | PRESENT | WRITABLE
//	PD[0]   =        PRESENT | WRITABLE | HUGE   (frame 0)
//
// No other bits are set. The region starts at physical 0 with no
// translation offset.
func BuildIdentityMap(m hal.Memory, pml4, pdpt, pd uint64) error {
	for _, phys := range []uint64{pml4, pdpt, pd} {
		if phys%PageSize != 0 {
			return fmt.Errorf("page table at %#x is not page aligned", phys)
		}
		if err := ZeroTable(m, phys); err != nil {
			return err
		}
	}
	if err := WriteEntry(m, pml4, 0, pdpt|PagePresent|PageWritable); err != nil {
		return err
	}
	if err := WriteEntry(m, pdpt, 0, pd|PagePresent|PageWritable); err != nil {
		return err
	}
	return WriteEntry(m, pd, 0, PagePresent|PageWritable|PageHuge)
}

// TableAllocator supplies zeroed 4KiB-aligned physical pages for
// intermediate tables during 4KiB mappings.
type TableAllocator func() (uint64, error)

// Map4K installs a 4KiB mapping virt -> phys with the given leaf
// flags under the PML4 at root, allocating intermediate tables from
// alloc as needed. It refuses to split an existing huge mapping and
// refuses to remap a present leaf.
func Map4K(m hal.Memory, root, virt, phys, flags uint64, alloc TableAllocator) error {
	if virt%PageSize != 0 || phys%PageSize != 0 {
		return fmt.Errorf("map of unaligned page %#x -> %#x", virt, phys)
	}
	pdpt, err := descend(m, root, PML4Index(virt), alloc)
	if err != nil {
		return err
	}
	pd, err := descend(m, pdpt, PDPTIndex(virt), alloc)
	if err != nil {
		return err
	}
	pdEntry, err := ReadEntry(m, pd, PDIndex(virt))
	if err != nil {
		return err
	}
	if pdEntry&PageHuge != 0 {
		return fmt.Errorf("page %#x already covered by a huge mapping", virt)
	}
	pt, err := descend(m, pd, PDIndex(virt), alloc)
	if err != nil {
		return err
	}
	leaf, err := ReadEntry(m, pt, PTIndex(virt))
	if err != nil {
		return err
	}
	if leaf&PagePresent != 0 {
		return fmt.Errorf("page %#x is already mapped", virt)
	}
	return WriteEntry(m, pt, PTIndex(virt), (phys&PageFrameMask)|flags)
}

// descend returns the table the entry at index points to, creating it
// from alloc when the entry is not present. Intermediate entries are
// always PRESENT|WRITABLE; restrictive bits belong on the leaf.
func descend(m hal.Memory, table uint64, index int, alloc TableAllocator) (uint64, error) {
	entry, err := ReadEntry(m, table, index)
	if err != nil {
		return 0, err
	}
	if entry&PagePresent != 0 {
		return entry & PageFrameMask, nil
	}
	if alloc == nil {
		return 0, fmt.Errorf("missing table at level index %d and no allocator", index)
	}
	next, err := alloc()
	if err != nil {
		return 0, err
	}
	if err := ZeroTable(m, next); err != nil {
		return 0, err
	}
	if err := WriteEntry(m, table, index, next|PagePresent|PageWritable); err != nil {
		return 0, err
	}
	return next, nil
}

// Translate walks the tables under root for virt and returns the
// physical address plus the leaf entry. Missing mappings are an
// error, not a fault.
func Translate(m hal.Memory, root, virt uint64) (uint64, uint64, error) {
	entry, err := ReadEntry(m, root, PML4Index(virt))
	if err != nil {
		return 0, 0, err
	}
	if entry&PagePresent == 0 {
		return 0, 0, fmt.Errorf("virt %#x: pml4 entry not present", virt)
	}
	entry, err = ReadEntry(m, entry&PageFrameMask, PDPTIndex(virt))
	if err != nil {
		return 0, 0, err
	}
	if entry&PagePresent == 0 {
		return 0, 0, fmt.Errorf("virt %#x: pdpt entry not present", virt)
	}
	entry, err = ReadEntry(m, entry&PageFrameMask, PDIndex(virt))
	if err != nil {
		return 0, 0, err
	}
	if entry&PagePresent == 0 {
		return 0, 0, fmt.Errorf("virt %#x: pd entry not present", virt)
	}
	if entry&PageHuge != 0 {
		base := entry & PageFrameMask
		return base + virt%HugePageSize, entry, nil
	}
	entry, err = ReadEntry(m, entry&PageFrameMask, PTIndex(virt))
	if err != nil {
		return 0, 0, err
	}
	if entry&PagePresent == 0 {
		return 0, 0, fmt.Errorf("virt %#x: pt entry not present", virt)
	}
	return (entry & PageFrameMask) + virt%PageSize, entry, nil
}
