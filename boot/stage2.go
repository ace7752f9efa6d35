package boot

import (
	"fmt"

	"flywheel/boot/handoff"
	"flywheel/hal"
	"flywheel/hw/x86"
)

// Stage2 is the second-stage loader. It runs with the full segment
// reach the first stage could not afford: it opens the A20 gate,
// walks the firmware memory map, builds the descriptor tables, pulls
// the kernel image off disk, and performs the mode transition chosen
// by Target.
type Stage2 struct {
	Layout Layout
	Target Target
}

// maxSectorsPerRead bounds a single extended read; firmware
// implementations commonly refuse larger transfers.
const maxSectorsPerRead = 64

// Run executes the second stage and returns the kernel entry address.
// Like the first stage, failures are terminal: a diagnostic goes to
// the firmware console and the CPU halts.
func (s Stage2) Run(m hal.Machine, drive uint8) (uint64, error) {
	cpu := m.CPU()
	mem := m.Memory()

	if err := s.enableA20(m); err != nil {
		return 0, s.fatal(m, err)
	}
	count, err := s.discoverMemory(m)
	if err != nil {
		return 0, s.fatal(m, err)
	}
	if err := s.loadDescriptorTables(m); err != nil {
		return 0, s.fatal(m, err)
	}
	if err := s.loadKernel(m, drive); err != nil {
		return 0, s.fatal(m, err)
	}

	flags := uint32(handoff.FlagA20Enabled | handoff.FlagMapValid)
	if s.Target == Long64 {
		flags |= handoff.FlagLongMode
	}
	h := handoff.BootHandoff{
		BootDrive:      drive,
		MemoryMapPtr:   s.Layout.MemoryMapAddr,
		MemoryMapCount: count,
		LoadAddr:       s.Layout.KernelLoadAddr,
		Flags:          flags,
	}
	if err := h.Write(mem, uint64(s.Layout.HandoffAddr)); err != nil {
		return 0, s.fatal(m, fmt.Errorf("handoff: %w", err))
	}

	switch s.Target {
	case Protected32:
		enterProtected32(m)
	case Long64:
		if err := enterLong64(m, s.Layout); err != nil {
			return 0, s.fatal(m, err)
		}
	default:
		return 0, s.fatal(m, fmt.Errorf("unknown target %v", s.Target))
	}

	entry := uint64(s.Layout.KernelLoadAddr)
	if err := cpu.FarJump(x86.SelectorCode, entry); err != nil {
		return 0, s.fatal(m, fmt.Errorf("kernel entry: %w", err))
	}
	cpu.ReloadDataSegments(x86.SelectorData)
	if s.Target == Long64 {
		cpu.ZeroGPRs()
	}
	return entry, nil
}

// enableA20 opens the gate through the firmware, falling back to the
// fast gate port when the firmware call fails, and verifies the
// result by probing for the 1 MiB wraparound either way.
func (s Stage2) enableA20(m hal.Machine) error {
	cpu := m.CPU()
	if a20Open(m.Memory()) {
		return nil
	}
	if err := m.Firmware().EnableA20(); err != nil {
		v := cpu.InB(x86.PortFastA20)
		// Bit 1 is the gate. Bit 0 resets the machine; it must stay
		// clear in the write-back.
		cpu.OutB(x86.PortFastA20, (v|0x02)&^0x01)
	}
	if !a20Open(m.Memory()) {
		return fmt.Errorf("a20 gate would not open")
	}
	return nil
}

// a20Open probes the gate by writing distinct bytes to a low address
// and its 1 MiB alias. With the gate closed the alias wraps onto the
// low address and the two reads agree.
func a20Open(mem hal.Memory) bool {
	const low, high = 0x0500, 0x10_0500
	var saveLow, saveHigh [1]byte
	mem.Read(low, saveLow[:])
	mem.Read(high, saveHigh[:])
	defer mem.Write(low, saveLow[:])
	defer mem.Write(high, saveHigh[:])

	mem.Write(low, []byte{0x00})
	mem.Write(high, []byte{0xFF})
	var probe [1]byte
	mem.Read(low, probe[:])
	return probe[0] == 0x00
}

// discoverMemory runs the firmware range enumeration to completion,
// appending fixed-size entries at MemoryMapAddr. A full buffer stops
// the loop early; the entries gathered so far are still a valid map.
func (s Stage2) discoverMemory(m hal.Machine) (uint16, error) {
	fw := m.Firmware()
	var (
		cont  uint32
		count uint16
	)
	for {
		dest := s.Layout.MemoryMapAddr + uint32(count)*handoff.EntrySize
		next, size, err := fw.MemoryRange(cont, dest)
		if err != nil {
			return 0, fmt.Errorf("memory map entry %d: %w", count, err)
		}
		if size < handoff.EntrySize {
			return 0, fmt.Errorf("memory map entry %d: short entry (%d bytes)", count, size)
		}
		count++
		if next == 0 {
			return count, nil
		}
		if int(count) >= s.Layout.MemoryMapMaxEntries {
			return count, nil
		}
		cont = next
	}
}

// loadDescriptorTables writes the flat GDT for the target mode plus
// the exception IDT and loads both table registers. Each table's
// 6-byte pseudo-descriptor is stored right after it, where the load
// instruction's memory operand would read it.
func (s Stage2) loadDescriptorTables(m hal.Machine) error {
	mem := m.Memory()
	cpu := m.CPU()

	gran := uint8(x86.GranFlat32)
	if s.Target == Long64 {
		gran = x86.GranLong
	}
	gdt := x86.NewFlatGDT(gran)
	gdtBytes := gdt.Bytes()
	if err := mem.Write(uint64(s.Layout.GDTAddr), gdtBytes); err != nil {
		return fmt.Errorf("gdt: %w", err)
	}
	gp := gdt.Pointer(s.Layout.GDTAddr)
	if err := mem.Write(uint64(s.Layout.GDTAddr)+uint64(len(gdtBytes)), gp[:]); err != nil {
		return fmt.Errorf("gdt pointer: %w", err)
	}
	cpu.LoadGDT(s.Layout.GDTAddr, gdt.Limit())

	const idtEntries = 32
	zero := make([]byte, idtEntries*8)
	if err := mem.Write(uint64(s.Layout.IDTAddr), zero); err != nil {
		return fmt.Errorf("idt: %w", err)
	}
	// The fault vectors get gates up front; everything else stays
	// not-present until the kernel installs its own handlers.
	faults := []uint8{x86.VectorDivideError, x86.VectorDoubleFault}
	for i, v := range faults {
		gate := x86.InterruptGate32(s.Layout.ProtectedHandlerBase+uint32(i)*16, x86.SelectorCode)
		if err := mem.Write(uint64(s.Layout.IDTAddr)+uint64(v)*8, gate[:]); err != nil {
			return fmt.Errorf("idt gate %d: %w", v, err)
		}
	}
	ip := x86.IDTPointer(s.Layout.IDTAddr, idtEntries)
	if err := mem.Write(uint64(s.Layout.IDTAddr)+idtEntries*8, ip[:]); err != nil {
		return fmt.Errorf("idt pointer: %w", err)
	}
	cpu.LoadIDT(s.Layout.IDTAddr, idtEntries*8-1)
	return nil
}

// loadKernel pulls the kernel image off disk with extended reads.
// The final destination sits above 1 MiB, out of reach of a real-mode
// buffer address, so each chunk lands in the low bounce buffer and is
// copied up. The A20 gate is already open by the time this runs.
func (s Stage2) loadKernel(m hal.Machine, drive uint8) error {
	fw := m.Firmware()
	mem := m.Memory()

	remaining := uint32(s.Layout.KernelSectors)
	lba := s.Layout.KernelStartLBA
	dest := uint64(s.Layout.KernelLoadAddr)
	buf := make([]byte, maxSectorsPerRead*x86.SectorSize)

	for remaining > 0 {
		chunk := remaining
		if chunk > maxSectorsPerRead {
			chunk = maxSectorsPerRead
		}
		dap := x86.NewDiskAddressPacket(
			lba, uint16(chunk),
			uint16(s.Layout.DiskBufferAddr>>4), uint16(s.Layout.DiskBufferAddr&0xF),
		)
		dapAddr := uint64(s.Layout.DiskBufferAddr) - x86.DAPSize
		if err := dap.WriteTo(mem, dapAddr); err != nil {
			return fmt.Errorf("kernel read setup: %w", err)
		}
		if err := fw.DiskReadExtended(drive, uint32(dapAddr)); err != nil {
			return fmt.Errorf("kernel sectors %d..%d: %w", lba, lba+chunk-1, err)
		}

		n := chunk * x86.SectorSize
		if err := mem.Read(uint64(s.Layout.DiskBufferAddr), buf[:n]); err != nil {
			return fmt.Errorf("kernel copy: %w", err)
		}
		if err := mem.Write(dest, buf[:n]); err != nil {
			return fmt.Errorf("kernel copy: %w", err)
		}

		remaining -= chunk
		lba += chunk
		dest += uint64(n)
	}
	return nil
}

func (s Stage2) fatal(m hal.Machine, err error) error {
	teletype(m.Firmware(), "loader: "+err.Error()+"\r\n")
	m.CPU().Halt()
	return err
}
