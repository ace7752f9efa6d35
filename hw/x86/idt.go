package x86

// Interrupt table encodings. Real mode uses the 4-byte vector table at
// physical 0; protected mode uses 8-byte gates.

// IVTEntry is one real-mode interrupt vector: a 16-bit offset
// followed by a 16-bit segment, at physical address vector*4.
type IVTEntry struct {
	Offset  uint16
	Segment uint16
}

// Bytes lays the vector out in memory order.
func (v IVTEntry) Bytes() [4]byte {
	return [4]byte{
		byte(v.Offset), byte(v.Offset >> 8),
		byte(v.Segment), byte(v.Segment >> 8),
	}
}

// IVTAddress is the physical address of a real-mode vector.
func IVTAddress(vector uint8) uint64 {
	return uint64(vector) * 4
}

// The interrupt-gate type byte: present, ring 0, 32-bit interrupt
// gate.
const gateTypeInterrupt32 = 0x8E

// InterruptGate32 encodes an 8-byte protected-mode interrupt gate for
// a handler at offset in the segment named by selector.
func InterruptGate32(offset uint32, selector uint16) [8]byte {
	return [8]byte{
		byte(offset), byte(offset >> 8),
		byte(selector), byte(selector >> 8),
		0,
		gateTypeInterrupt32,
		byte(offset >> 16), byte(offset >> 24),
	}
}

// IDTPointer encodes the 6-byte pseudo-descriptor for LIDT: the byte
// limit of a table holding entries gates, then its physical base.
func IDTPointer(base uint32, entries int) [6]byte {
	limit := uint16(entries*8 - 1)
	return [6]byte{
		byte(limit), byte(limit >> 8),
		byte(base), byte(base >> 8), byte(base >> 16), byte(base >> 24),
	}
}
