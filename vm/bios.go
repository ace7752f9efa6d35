package vm

import (
	"errors"
	"fmt"

	"flywheel/boot/handoff"
	"flywheel/hw/x86"
)

// BIOS provides the firmware services real-mode code calls into. All
// services run synchronously against the machine's memory and disk.
type BIOS struct {
	m *Machine

	drive     uint8
	regions   []handoff.MemoryMapEntry
	a20Broken bool
}

var errBadDrive = errors.New("no such drive")

func (b *BIOS) BootDrive() uint8 { return b.drive }

func (b *BIOS) DiskReset(drive uint8) error {
	if drive != b.drive {
		return errBadDrive
	}
	return nil
}

func (b *BIOS) DiskReadCHS(drive uint8, cylinder uint16, head, sector, count uint8, buf uint32) error {
	if drive != b.drive {
		return errBadDrive
	}
	lba, err := b.m.disk.lbaFromCHS(cylinder, head, sector)
	if err != nil {
		return err
	}
	p := make([]byte, int(count)*x86.SectorSize)
	if err := b.m.disk.ReadLBA(lba, uint16(count), p); err != nil {
		return err
	}
	return b.m.mem.Write(uint64(buf), p)
}

func (b *BIOS) DiskReadExtended(drive uint8, dapAddr uint32) error {
	if drive != b.drive {
		return errBadDrive
	}
	dap, err := x86.ReadDiskAddressPacket(b.m.mem, uint64(dapAddr))
	if err != nil {
		return err
	}
	p := make([]byte, int(dap.SectorCount)*x86.SectorSize)
	if err := b.m.disk.ReadLBA(dap.StartLBA, dap.SectorCount, p); err != nil {
		return err
	}
	return b.m.mem.Write(uint64(dap.BufferAddress()), p)
}

func (b *BIOS) MemoryRange(cont uint32, dest uint32) (uint32, uint16, error) {
	if int(cont) >= len(b.regions) {
		return 0, 0, fmt.Errorf("memory enumeration continuation %d out of range", cont)
	}
	if err := handoff.WriteEntry(b.m.mem, uint64(dest), 0, b.regions[cont]); err != nil {
		return 0, 0, err
	}
	next := cont + 1
	if int(next) >= len(b.regions) {
		next = 0 // enumeration complete
	}
	return next, handoff.EntrySize, nil
}

func (b *BIOS) EnableA20() error {
	if b.a20Broken {
		return errors.New("firmware A20 service not supported")
	}
	b.m.cpu.a20 = true
	return nil
}

func (b *BIOS) Teletype(c byte) { b.m.emit(c) }
