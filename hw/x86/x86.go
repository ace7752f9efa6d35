// Package x86 holds the bit-exact encodings the boot chain shares
// with the CPU and firmware: segment descriptors, interrupt tables,
// page-table entries, the extended-read disk packet, and the port and
// control-register numbers the loader stages touch.
package x86

// Control-register and model-specific-register bits. The loader only
// ever flips these few; everything else stays at reset state.
const (
	CR0ProtectedMode uint64 = 1 << 0  // PE
	CR0Paging        uint64 = 1 << 31 // PG

	CR4PAE uint64 = 1 << 5

	EFERLongMode   uint64 = 1 << 8  // LME
	EFERLongActive uint64 = 1 << 10 // LMA, set by hardware

	MSREFER = 0xC000_0080
)

// I/O ports.
const (
	PortPIC1Command = 0x20
	PortPIC1Data    = 0x21
	PortPIC2Command = 0xA0
	PortPIC2Data    = 0xA1

	// PortFastA20 is the chipset system-control port; bit 1 gates
	// A20 and bit 0 resets the machine, so it is read-modify-write
	// only.
	PortFastA20 = 0x92

	PortCOM1 = 0x3F8
)

// PIC initialization words for the remap the first stage performs.
const (
	ICW1Init          = 0x10
	ICW1NeedsICW4     = 0x01
	ICW4Mode8086      = 0x01
	PICEndOfInterrupt = 0x20

	// Vector bases after remapping: IRQs 0-7 at 0x20, 8-15 at 0x28.
	PIC1VectorBase = 0x20
	PIC2VectorBase = 0x28
)

// Real-mode interrupt vectors the first stage installs handlers for.
// The RTC's periodic tick arrives on INT 0x70 and must be acknowledged
// or the line wedges.
const (
	VectorDivideError = 0x00
	VectorDoubleFault = 0x08
	VectorRTCTick     = 0x70
)

const (
	// SectorSize is the unit of every disk transfer at this layer.
	SectorSize = 512

	// BootSignature terminates a valid boot sector.
	BootSignature uint16 = 0xAA55
)
