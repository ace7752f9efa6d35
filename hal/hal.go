// Package hal is the boundary between the boot pipeline's ordinary
// sequential control flow and the raw hardware underneath it. Every
// operation that touches ports, control registers, descriptor-table
// registers, or firmware services is a single-purpose method here, so
// the stages themselves stay testable against a substituted machine.
package hal

import "errors"

// ErrHalted is returned by operations attempted after the CPU has been
// halted permanently.
var ErrHalted = errors.New("cpu is halted")

// Memory is byte-addressable physical memory. Reads and writes fail on
// out-of-range addresses rather than wrapping.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Size() uint64
}

// Firmware models the BIOS services available to real-mode code. All
// calls are synchronous and blocking; there are no timeouts at this
// layer.
type Firmware interface {
	// BootDrive reports the drive number the firmware booted from
	// (what the BIOS hands over in DL).
	BootDrive() uint8

	// DiskReset re-initializes the drive controller.
	DiskReset(drive uint8) error

	// DiskReadCHS reads count sectors starting at the 1-based sector
	// on the given cylinder and head into physical memory at buf.
	DiskReadCHS(drive uint8, cylinder uint16, head, sector, count uint8, buf uint32) error

	// DiskReadExtended performs an LBA read described by the 16-byte
	// disk address packet stored at dapAddr in physical memory.
	DiskReadExtended(drive uint8, dapAddr uint32) error

	// MemoryRange copies the next memory-map entry for continuation
	// token cont to dest (a 24-byte request) and returns the next
	// token. Enumeration is complete when the returned token is zero.
	MemoryRange(cont uint32, dest uint32) (next uint32, size uint16, err error)

	// EnableA20 asks the firmware to open the A20 gate.
	EnableA20() error

	// Teletype writes one byte to the firmware's debug output channel.
	Teletype(b byte)
}

// CPU models the privileged CPU state transitions the loader stages
// perform. The methods mirror single instructions or short fixed
// sequences; pre- and post-conditions are part of each contract and a
// violated ordering is undefined behavior on real hardware.
type CPU interface {
	// ZeroSegments clears all data segment registers. Real mode only.
	ZeroSegments()

	// SetStack points the stack pointer at the given physical address.
	SetStack(sp uint32)

	// OutB writes a byte to an I/O port; InB reads one.
	OutB(port uint16, v uint8)
	InB(port uint16) uint8

	// A20Enabled reports whether the A20 gate is currently open.
	A20Enabled() bool

	// LoadGDT loads the descriptor-table register from the 6-byte
	// pseudo-descriptor semantics: a table at base with the given
	// byte limit.
	LoadGDT(base uint32, limit uint16)

	// LoadIDT loads the interrupt descriptor-table register.
	LoadIDT(base uint32, limit uint16)

	// EnablePAE sets CR4.PAE. Must precede EnableLongMode.
	EnablePAE()

	// SetPageTableRoot points CR3 at the PML4 physical address.
	// The tables must be fully constructed before this call.
	SetPageTableRoot(phys uint64)

	// EnableLongMode sets EFER.LME. Requires CR4.PAE already set.
	EnableLongMode()

	// EnableProtection sets CR0.PE alone, for the 32-bit target.
	EnableProtection()

	// EnableProtectionAndPaging sets CR0.PE and CR0.PG in one write,
	// for the 64-bit target. Requires PAE, a loaded CR3 and EFER.LME;
	// reaching this point without them is not a recoverable error.
	EnableProtectionAndPaging()

	// FarJump reloads CS from the given selector and transfers
	// control to addr. The selector must name a descriptor in the
	// currently loaded GDT whose width matches the active mode.
	FarJump(selector uint16, addr uint64) error

	// ReloadDataSegments loads DS, ES, FS, GS and SS from selector.
	ReloadDataSegments(selector uint16)

	// ZeroGPRs clears every general-purpose register for a clean
	// kernel entry state.
	ZeroGPRs()

	// Halt disables interrupts and halts. On hardware this never
	// returns; a simulated CPU latches the halted state instead and
	// subsequent operations report ErrHalted.
	Halt()

	// Halted reports whether Halt has been invoked.
	Halted() bool
}

// Machine bundles the three facets a boot stage needs.
type Machine interface {
	Memory() Memory
	Firmware() Firmware
	CPU() CPU
}

// ReadU64 is a little-endian load through a Memory.
func ReadU64(m Memory, addr uint64) (uint64, error) {
	var b [8]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	return v, nil
}

// WriteU64 is a little-endian store through a Memory.
func WriteU64(m Memory, addr uint64, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return m.Write(addr, b[:])
}

// ReadU32 is a little-endian 32-bit load through a Memory.
func ReadU32(m Memory, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// WriteU32 is a little-endian 32-bit store through a Memory.
func WriteU32(m Memory, addr uint64, v uint32) error {
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return m.Write(addr, b[:])
}

// ReadU16 is a little-endian 16-bit load through a Memory.
func ReadU16(m Memory, addr uint64) (uint16, error) {
	var b [2]byte
	if err := m.Read(addr, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// WriteU16 is a little-endian 16-bit store through a Memory.
func WriteU16(m Memory, addr uint64, v uint16) error {
	b := [2]byte{byte(v), byte(v >> 8)}
	return m.Write(addr, b[:])
}
