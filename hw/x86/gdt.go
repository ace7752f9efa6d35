package x86

// Segment descriptor construction. A descriptor is 8 bytes with the
// base and limit smeared across five fields; the encoding has to be
// bit-exact because the CPU consults it directly after LGDT.

// Access byte values for the descriptors the loader builds. 0x9A is
// present, ring 0, executable, readable; 0x92 is present, ring 0,
// writable data.
const (
	AccessKernelCode = 0x9A
	AccessKernelData = 0x92
)

// Granularity-byte high nibbles. Flat32 selects 4KiB granularity with
// a 32-bit default operand size; Long selects 4KiB granularity with
// the L bit for a 64-bit code segment (D must stay clear with L set).
const (
	GranFlat32 = 0xC0
	GranLong   = 0xA0
)

// Selectors into the tables built by NewFlatGDT. Both boot targets put
// code at entry 1 and data at entry 2, so the selector values are the
// same either way.
const (
	SelectorNull = 0x00
	SelectorCode = 0x08
	SelectorData = 0x10
)

// GDTEntry is one 8-byte descriptor, stored field by field the way it
// lands in memory.
type GDTEntry struct {
	LimitLow    uint16
	BaseLow     uint16
	BaseMiddle  uint8
	Access      uint8
	Granularity uint8 // limit 19:16 in the low nibble, flags in the high
	BaseHigh    uint8
}

// NewGDTEntry encodes base, a 20-bit limit, an access byte and the
// granularity flag nibble (the low nibble of gran is ignored). Limits
// wider than 20 bits are truncated the same way the hardware would
// read them back.
func NewGDTEntry(base, limit uint32, access, gran uint8) GDTEntry {
	return GDTEntry{
		LimitLow:    uint16(limit & 0xFFFF),
		BaseLow:     uint16(base & 0xFFFF),
		BaseMiddle:  uint8(base >> 16),
		Access:      access,
		Granularity: uint8((limit>>16)&0x0F) | (gran & 0xF0),
		BaseHigh:    uint8(base >> 24),
	}
}

// Base reassembles the 32-bit segment base.
func (e GDTEntry) Base() uint32 {
	return uint32(e.BaseLow) | uint32(e.BaseMiddle)<<16 | uint32(e.BaseHigh)<<24
}

// Limit reassembles the 20-bit segment limit.
func (e GDTEntry) Limit() uint32 {
	return uint32(e.LimitLow) | uint32(e.Granularity&0x0F)<<16
}

// Flags returns the granularity flag nibble (G, D/B, L, AVL).
func (e GDTEntry) Flags() uint8 {
	return e.Granularity & 0xF0
}

// Bytes lays the descriptor out in memory order.
func (e GDTEntry) Bytes() [8]byte {
	return [8]byte{
		byte(e.LimitLow), byte(e.LimitLow >> 8),
		byte(e.BaseLow), byte(e.BaseLow >> 8),
		e.BaseMiddle,
		e.Access,
		e.Granularity,
		e.BaseHigh,
	}
}

// GDTEntryFromBytes is the inverse of Bytes.
func GDTEntryFromBytes(b [8]byte) GDTEntry {
	return GDTEntry{
		LimitLow:    uint16(b[0]) | uint16(b[1])<<8,
		BaseLow:     uint16(b[2]) | uint16(b[3])<<8,
		BaseMiddle:  b[4],
		Access:      b[5],
		Granularity: b[6],
		BaseHigh:    b[7],
	}
}

// GDT is an ordered descriptor table. Entry 0 must stay the null
// descriptor; the table is built once at boot and never mutated while
// loaded without reloading the segment registers afterwards.
type GDT []GDTEntry

// NewFlatGDT builds the three-entry flat-model table for the given
// code granularity nibble: null, code over the full 4GiB, data over
// the full 4GiB.
func NewFlatGDT(codeGran uint8) GDT {
	return GDT{
		{}, // mandatory null descriptor
		NewGDTEntry(0, 0xFFFFF, AccessKernelCode, codeGran),
		NewGDTEntry(0, 0xFFFFF, AccessKernelData, GranFlat32),
	}
}

// Bytes flattens the table in memory order.
func (g GDT) Bytes() []byte {
	out := make([]byte, 0, len(g)*8)
	for _, e := range g {
		b := e.Bytes()
		out = append(out, b[:]...)
	}
	return out
}

// Limit is the byte limit that goes into the descriptor-table
// register: table size minus one.
func (g GDT) Limit() uint16 {
	return uint16(len(g)*8 - 1)
}

// Pointer encodes the 6-byte pseudo-descriptor (16-bit limit followed
// by the 32-bit physical base) that LGDT consumes.
func (g GDT) Pointer(base uint32) [6]byte {
	limit := g.Limit()
	return [6]byte{
		byte(limit), byte(limit >> 8),
		byte(base), byte(base >> 8), byte(base >> 16), byte(base >> 24),
	}
}
