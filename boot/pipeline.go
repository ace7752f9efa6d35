package boot

import (
	"fmt"

	"flywheel/hal"
	"flywheel/hw/x86"
	"flywheel/lib/murmur"
)

// bootSectorLoadAddr is where the firmware places sector 0 before
// transferring control to it.
const bootSectorLoadAddr = 0x7C00

// Pipeline drives the whole chain on one machine: sector 0 in, kernel
// entry out. Log may be nil; ConsoleLogger builds one that writes
// through the firmware console.
type Pipeline struct {
	Layout Layout
	Target Target
	Log    *murmur.Logger
}

// ConsoleLogger returns a logger whose output goes byte by byte
// through the firmware's debug channel.
func ConsoleLogger(fw hal.Firmware, level murmur.MaskLevel) *murmur.Logger {
	l := murmur.New(consoleWriter{fw})
	l.SetLevel(level)
	return l
}

type consoleWriter struct {
	fw hal.Firmware
}

func (w consoleWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.fw.Teletype(b)
	}
	return len(p), nil
}

// Boot runs the chain end to end and returns the kernel entry
// address. The boot sector is read and checked the way firmware
// checks it; the parameters embedded in it must agree with the
// layout the pipeline was built with.
func (p Pipeline) Boot(m hal.Machine) (uint64, error) {
	if err := p.Layout.Validate(); err != nil {
		return 0, fmt.Errorf("layout: %w", err)
	}
	fw := m.Firmware()
	mem := m.Memory()
	drive := fw.BootDrive()

	if err := fw.DiskReadCHS(drive, 0, 0, 1, 1, bootSectorLoadAddr); err != nil {
		return 0, fmt.Errorf("boot sector read: %w", err)
	}
	sector := make([]byte, x86.SectorSize)
	if err := mem.Read(bootSectorLoadAddr, sector); err != nil {
		return 0, fmt.Errorf("boot sector read: %w", err)
	}
	params, version, err := ParseBootSector(sector)
	if err != nil {
		return 0, err
	}
	if err := p.checkParams(params); err != nil {
		return 0, err
	}
	p.infof("booting image version %s target %s", version, p.Target)

	s1 := Stage1{Layout: p.Layout}
	bootDrive, err := s1.Run(m)
	if err != nil {
		return 0, err
	}
	// Persist the firmware drive number into the loaded sector image,
	// same slot the on-disk copy reserves for it.
	if err := mem.Write(bootSectorLoadAddr+sectorDriveOff, []byte{bootDrive}); err != nil {
		return 0, err
	}
	p.infof("stage1 done, drive %#02x", bootDrive)

	s2 := Stage2{Layout: p.Layout, Target: p.Target}
	entry, err := s2.Run(m, bootDrive)
	if err != nil {
		return 0, err
	}
	p.infof("kernel entry %#x", entry)
	return entry, nil
}

// checkParams cross-checks the geometry baked into sector 0 against
// the pipeline's layout. A mismatch means the image was built for a
// different layout and nothing after stage1 can be trusted.
func (p Pipeline) checkParams(params SectorParams) error {
	want := SectorParams{
		Stage2StartLBA: p.Layout.Stage2StartLBA,
		Stage2Sectors:  p.Layout.Stage2Sectors,
		Stage2LoadAddr: p.Layout.Stage2LoadAddr,
		KernelStartLBA: p.Layout.KernelStartLBA,
		KernelSectors:  p.Layout.KernelSectors,
		KernelLoadAddr: p.Layout.KernelLoadAddr,
		Target:         p.Target,
	}
	if params != want {
		return fmt.Errorf("boot sector parameters %+v do not match layout %+v", params, want)
	}
	return nil
}

func (p Pipeline) infof(format string, args ...interface{}) {
	if p.Log != nil {
		p.Log.Infof(format, args...)
	}
}
