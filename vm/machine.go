// Package vm is a simulated x86 boot machine: physical memory behind
// an A20 gate, a sector disk, the BIOS services the loader stages
// call, a pair of 8259 interrupt controllers, and a CPU model that
// checks the mode-transition contract instead of leaving violations
// undefined. Tests and the host boot command substitute whatever
// layout and failure behavior they need.
package vm

import (
	"bytes"
	"io"
	"sync/atomic"

	"flywheel/boot/handoff"
	"flywheel/hal"
)

// Config describes the machine to build. Zero values get reasonable
// defaults: 64 MiB of memory, drive 0x80, a conventional region map.
type Config struct {
	MemorySize uint64
	Disk       *Disk
	BootDrive  uint8

	// Regions is what the firmware's memory enumeration reports. Nil
	// means the conventional low/reserved/extended split for
	// MemorySize.
	Regions []handoff.MemoryMapEntry

	// Output, when set, receives a copy of everything the guest
	// writes to the teletype or the serial port.
	Output io.Writer

	// FirmwareA20Broken makes the firmware A20 service fail so the
	// fallback path runs; FastA20Broken makes port 0x92 a no-op too.
	FirmwareA20Broken bool
	FastA20Broken     bool
}

// Machine wires the pieces together. It satisfies hal.Machine.
type Machine struct {
	mem  *Memory
	cpu  *CPU
	bios *BIOS
	disk *Disk
	pic1 *pic
	pic2 *pic

	out     io.Writer
	console bytes.Buffer

	fastA20Broken bool

	timerTicks uint64
	keyPresses uint64
}

const defaultMemorySize = 64 << 20

// New builds a machine from cfg.
func New(cfg Config) *Machine {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = defaultMemorySize
	}
	if cfg.BootDrive == 0 {
		cfg.BootDrive = 0x80
	}
	if cfg.Disk == nil {
		cfg.Disk = NewDisk(make([]byte, 64*512))
	}
	if cfg.Regions == nil {
		cfg.Regions = ConventionalRegions(cfg.MemorySize)
	}

	m := &Machine{
		disk:          cfg.Disk,
		pic1:          newPIC(),
		pic2:          newPIC(),
		out:           cfg.Output,
		fastA20Broken: cfg.FastA20Broken,
	}
	m.cpu = &CPU{m: m}
	m.mem = NewMemory(cfg.MemorySize, &m.cpu.a20)
	m.bios = &BIOS{
		m:         m,
		drive:     cfg.BootDrive,
		regions:   cfg.Regions,
		a20Broken: cfg.FirmwareA20Broken,
	}
	return m
}

// ConventionalRegions is the usual PC split: usable low memory up to
// the EBDA, a reserved hole through the legacy area, usable extended
// memory from 1 MiB up.
func ConventionalRegions(memSize uint64) []handoff.MemoryMapEntry {
	return []handoff.MemoryMapEntry{
		{Base: 0, Length: 0x9_FC00, Type: handoff.RegionUsable},
		{Base: 0x9_FC00, Length: 0x10_0000 - 0x9_FC00, Type: handoff.RegionReserved},
		{Base: 0x10_0000, Length: memSize - 0x10_0000, Type: handoff.RegionUsable},
	}
}

func (m *Machine) Memory() hal.Memory     { return m.mem }
func (m *Machine) Firmware() hal.Firmware { return m.bios }
func (m *Machine) CPU() hal.CPU           { return m.cpu }

// RawCPU exposes the simulator-only accessors (fault, entry point).
func (m *Machine) RawCPU() *CPU { return m.cpu }

// Disk exposes the attached disk.
func (m *Machine) Disk() *Disk { return m.disk }

func (m *Machine) emit(b byte) {
	m.console.WriteByte(b)
	if m.out != nil {
		m.out.Write([]byte{b})
	}
}

// ConsoleString returns everything the guest has printed so far.
func (m *Machine) ConsoleString() string { return m.console.String() }

// PICMasks reports the interrupt masks of the primary and secondary
// controllers.
func (m *Machine) PICMasks() (uint8, uint8) { return m.pic1.mask, m.pic2.mask }

// PICVectorBases reports where each controller was remapped to, zero
// if never initialized.
func (m *Machine) PICVectorBases() (uint8, uint8) {
	return m.pic1.vectorBase, m.pic2.vectorBase
}

// Tick advances the periodic timer once. The kernel's monitor samples
// the count.
func (m *Machine) Tick() { atomic.AddUint64(&m.timerTicks, 1) }

// InjectKey records one keyboard interrupt, as the scancode
// translator would on a real machine.
func (m *Machine) InjectKey(scancode uint8) {
	_ = scancode // decoded key storage is the keyboard driver's business
	atomic.AddUint64(&m.keyPresses, 1)
}

// Counters samples the interrupt counters.
func (m *Machine) Counters() (timerTicks, keyPresses uint64) {
	return atomic.LoadUint64(&m.timerTicks), atomic.LoadUint64(&m.keyPresses)
}
