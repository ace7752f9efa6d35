package boot

import (
	"fmt"

	"flywheel/boot/handoff"
	"flywheel/hal"
	"flywheel/hw/x86"
)

// Stage1 is the boot-sector loader. It owns the earliest environment:
// segments, stack, the real-mode vector table, the interrupt
// controller, and pulling the second stage off disk one sector at a
// time. Any failure is terminal; there is nothing to fall back to
// this early, so the stage prints a diagnostic and halts the machine.
type Stage1 struct {
	Layout Layout
}

// Run executes the first stage. On success it returns the firmware
// boot drive, which has also been persisted into the handoff record
// so later stages do not depend on register state surviving.
func (s Stage1) Run(m hal.Machine) (uint8, error) {
	cpu := m.CPU()
	fw := m.Firmware()
	mem := m.Memory()

	cpu.ZeroSegments()
	cpu.SetStack(s.Layout.BootStack)

	drive := fw.BootDrive()

	s.installVectors(mem)
	s.remapPIC(cpu)

	if err := fw.DiskReset(drive); err != nil {
		return 0, s.fatal(m, fmt.Errorf("disk reset: %w", err))
	}
	for i := uint8(0); i < s.Layout.Stage2Sectors; i++ {
		lba := s.Layout.Stage2StartLBA + uint32(i)
		cyl, head, sector := lbaToCHS(lba)
		dest := s.Layout.Stage2LoadAddr + uint32(i)*x86.SectorSize
		if err := fw.DiskReadCHS(drive, cyl, head, sector, 1, dest); err != nil {
			return 0, s.fatal(m, fmt.Errorf("stage2 sector %d: %w", lba, err))
		}
	}

	h := handoff.BootHandoff{BootDrive: drive}
	if err := h.Write(mem, uint64(s.Layout.HandoffAddr)); err != nil {
		return 0, s.fatal(m, fmt.Errorf("handoff: %w", err))
	}
	return drive, nil
}

// installVectors points the vectors we care about at the real-mode
// stubs. Everything else keeps whatever the firmware installed.
func (s Stage1) installVectors(mem hal.Memory) {
	vectors := []uint8{
		x86.VectorDivideError,
		x86.VectorDoubleFault,
		x86.VectorRTCTick,
	}
	for i, v := range vectors {
		e := x86.IVTEntry{
			Offset:  s.Layout.RealModeHandlerBase + uint16(i)*4,
			Segment: 0,
		}
		b := e.Bytes()
		mem.Write(x86.IVTAddress(v), b[:])
	}
}

// remapPIC moves both controllers off the vectors that collide with
// CPU exceptions and masks every line except the keyboard.
func (s Stage1) remapPIC(cpu hal.CPU) {
	icw1 := uint8(x86.ICW1Init | x86.ICW1NeedsICW4)
	cpu.OutB(x86.PortPIC1Command, icw1)
	cpu.OutB(x86.PortPIC2Command, icw1)
	cpu.OutB(x86.PortPIC1Data, x86.PIC1VectorBase)
	cpu.OutB(x86.PortPIC2Data, x86.PIC2VectorBase)
	cpu.OutB(x86.PortPIC1Data, 0x04) // secondary on line 2
	cpu.OutB(x86.PortPIC2Data, 0x02)
	cpu.OutB(x86.PortPIC1Data, x86.ICW4Mode8086)
	cpu.OutB(x86.PortPIC2Data, x86.ICW4Mode8086)
	cpu.OutB(x86.PortPIC1Data, 0xFD)
	cpu.OutB(x86.PortPIC2Data, 0xFF)
}

// fatal prints the diagnostic on the firmware console and parks the
// CPU. The error comes back so a harness can see what went wrong.
func (s Stage1) fatal(m hal.Machine, err error) error {
	teletype(m.Firmware(), "boot: "+err.Error()+"\r\n")
	m.CPU().Halt()
	return err
}

// teletype spells a string out through the firmware one character at
// a time.
func teletype(fw hal.Firmware, s string) {
	for i := 0; i < len(s); i++ {
		fw.Teletype(s[i])
	}
}
