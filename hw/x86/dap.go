package x86

import (
	"fmt"

	"flywheel/hal"
)

// DiskAddressPacket is the fixed 16-byte record handed to the
// firmware's extended-read service. One is constructed fresh for each
// read and never mutated after the call returns.
type DiskAddressPacket struct {
	Size          uint8 // always 16
	Reserved      uint8
	SectorCount   uint16
	BufferOffset  uint16
	BufferSegment uint16
	StartLBA      uint32
	Reserved2     uint32
}

const DAPSize = 16

// NewDiskAddressPacket builds a packet reading count sectors starting
// at lba into the real-mode address segment:offset.
func NewDiskAddressPacket(lba uint32, count uint16, segment, offset uint16) DiskAddressPacket {
	return DiskAddressPacket{
		Size:          DAPSize,
		SectorCount:   count,
		BufferOffset:  offset,
		BufferSegment: segment,
		StartLBA:      lba,
	}
}

// BufferAddress is the linear physical address of the target buffer.
func (d DiskAddressPacket) BufferAddress() uint32 {
	return uint32(d.BufferSegment)<<4 + uint32(d.BufferOffset)
}

// Bytes lays the packet out in memory order.
func (d DiskAddressPacket) Bytes() [DAPSize]byte {
	return [DAPSize]byte{
		d.Size, d.Reserved,
		byte(d.SectorCount), byte(d.SectorCount >> 8),
		byte(d.BufferOffset), byte(d.BufferOffset >> 8),
		byte(d.BufferSegment), byte(d.BufferSegment >> 8),
		byte(d.StartLBA), byte(d.StartLBA >> 8), byte(d.StartLBA >> 16), byte(d.StartLBA >> 24),
		byte(d.Reserved2), byte(d.Reserved2 >> 8), byte(d.Reserved2 >> 16), byte(d.Reserved2 >> 24),
	}
}

// ReadDiskAddressPacket decodes a packet from physical memory,
// checking the size field the way the firmware does.
func ReadDiskAddressPacket(m hal.Memory, addr uint64) (DiskAddressPacket, error) {
	var b [DAPSize]byte
	if err := m.Read(addr, b[:]); err != nil {
		return DiskAddressPacket{}, err
	}
	if b[0] != DAPSize {
		return DiskAddressPacket{}, fmt.Errorf("disk address packet size %d, want %d", b[0], DAPSize)
	}
	return DiskAddressPacket{
		Size:          b[0],
		Reserved:      b[1],
		SectorCount:   uint16(b[2]) | uint16(b[3])<<8,
		BufferOffset:  uint16(b[4]) | uint16(b[5])<<8,
		BufferSegment: uint16(b[6]) | uint16(b[7])<<8,
		StartLBA:      uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16 | uint32(b[11])<<24,
		Reserved2:     uint32(b[12]) | uint32(b[13])<<8 | uint32(b[14])<<16 | uint32(b[15])<<24,
	}, nil
}

// WriteTo stores the packet into physical memory at addr.
func (d DiskAddressPacket) WriteTo(m hal.Memory, addr uint64) error {
	b := d.Bytes()
	return m.Write(addr, b[:])
}
