// Package handoff defines the records one boot phase leaves in memory
// for the next: the boot handoff block and the firmware memory map.
// Neither is self-describing; producer and consumer agree on the
// physical addresses through the boot layout.
package handoff

import (
	"errors"
	"fmt"

	"flywheel/hal"
)

// Flag bits in BootHandoff.Flags.
const (
	FlagA20Enabled uint32 = 1 << 0
	FlagMapValid   uint32 = 1 << 1
	FlagLongMode   uint32 = 1 << 2
)

// BootHandoff is the packed record stage1 produces and stage2 extends
// before the kernel copies it out. Exactly one phase writes it at a
// time; after the jump to the kernel it is dead memory.
type BootHandoff struct {
	BootDrive      uint8
	MemoryMapPtr   uint32
	MemoryMapCount uint16
	LoadAddr       uint32
	Flags          uint32
}

// Size is the packed byte length: the fields with no padding.
const Size = 1 + 4 + 2 + 4 + 4

// Bytes lays the record out packed, little-endian.
func (h BootHandoff) Bytes() [Size]byte {
	var b [Size]byte
	b[0] = h.BootDrive
	put32(b[1:], h.MemoryMapPtr)
	b[5] = byte(h.MemoryMapCount)
	b[6] = byte(h.MemoryMapCount >> 8)
	put32(b[7:], h.LoadAddr)
	put32(b[11:], h.Flags)
	return b
}

// Write stores the record at its agreed physical address.
func (h BootHandoff) Write(m hal.Memory, addr uint64) error {
	b := h.Bytes()
	return m.Write(addr, b[:])
}

// Read loads the record back from its agreed physical address.
func Read(m hal.Memory, addr uint64) (BootHandoff, error) {
	var b [Size]byte
	if err := m.Read(addr, b[:]); err != nil {
		return BootHandoff{}, err
	}
	return BootHandoff{
		BootDrive:      b[0],
		MemoryMapPtr:   get32(b[1:]),
		MemoryMapCount: uint16(b[5]) | uint16(b[6])<<8,
		LoadAddr:       get32(b[7:]),
		Flags:          get32(b[11:]),
	}, nil
}

// Memory map region types, firmware convention.
const (
	RegionUsable          uint32 = 1
	RegionReserved        uint32 = 2
	RegionACPIReclaimable uint32 = 3
	RegionACPINVS         uint32 = 4
)

// EntrySize is the request size a consumer must use per entry; the
// firmware may fill only the first 20 bytes.
const EntrySize = 24

// MemoryMapEntry is one firmware-discovered physical region. The
// sequence is append-only during discovery and read-only afterwards.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   uint32
}

// Usable reports whether the region may hold kernel data.
func (e MemoryMapEntry) Usable() bool { return e.Type == RegionUsable }

// Bytes lays the entry out in the 24-byte firmware format. The last
// four bytes stay zero (extended attributes unused here).
func (e MemoryMapEntry) Bytes() [EntrySize]byte {
	var b [EntrySize]byte
	put64(b[0:], e.Base)
	put64(b[8:], e.Length)
	put32(b[16:], e.Type)
	return b
}

// WriteEntry stores entry number idx of the map buffer at base.
func WriteEntry(m hal.Memory, base uint64, idx int, e MemoryMapEntry) error {
	b := e.Bytes()
	return m.Write(base+uint64(idx)*EntrySize, b[:])
}

// ReadMap loads count entries of the map buffer at base.
func ReadMap(m hal.Memory, base uint64, count int) ([]MemoryMapEntry, error) {
	out := make([]MemoryMapEntry, 0, count)
	for i := 0; i < count; i++ {
		var b [EntrySize]byte
		if err := m.Read(base+uint64(i)*EntrySize, b[:]); err != nil {
			return nil, err
		}
		out = append(out, MemoryMapEntry{
			Base:   get64(b[0:]),
			Length: get64(b[8:]),
			Type:   get32(b[16:]),
		})
	}
	return out, nil
}

var errEmptyMap = errors.New("memory map is empty")

// ValidateMap checks the invariants the kernel depends on: at least
// one entry, every entry with a nonzero length, and at least one
// usable region with capacity for required bytes.
func ValidateMap(entries []MemoryMapEntry, required uint64) error {
	if len(entries) == 0 {
		return errEmptyMap
	}
	var best uint64
	for i, e := range entries {
		if e.Length == 0 {
			return fmt.Errorf("memory map entry %d has zero length", i)
		}
		if e.Usable() && e.Length > best {
			best = e.Length
		}
	}
	if best < required {
		return fmt.Errorf("no usable region of %d bytes (largest %d)", required, best)
	}
	return nil
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func put64(b []byte, v uint64) {
	put32(b, uint32(v))
	put32(b[4:], uint32(v>>32))
}

func get32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func get64(b []byte) uint64 {
	return uint64(get32(b)) | uint64(get32(b[4:]))<<32
}
