package vm

import (
	"fmt"

	"flywheel/hw/x86"
)

// CPU is the simulated boot processor. It tracks exactly the state
// the loader stages manipulate and enforces the mode-transition
// ordering contract: where real hardware would wander into undefined
// behavior, the simulator latches a machine check instead so a test
// can see which step was out of order.
type CPU struct {
	m *Machine

	segmentsZeroed bool
	stack          uint32

	gdtBase  uint32
	gdtLimit uint16
	gdtSet   bool
	idtBase  uint32
	idtLimit uint16
	idtSet   bool

	cr0, cr3, cr4, efer uint64

	a20    bool
	halted bool
	fault  error

	// where the last far jump landed, and with which selector
	entry    uint64
	selector uint16
	gprsZero bool
}

func (c *CPU) machineCheck(format string, args ...interface{}) {
	if c.fault == nil {
		c.fault = fmt.Errorf(format, args...)
	}
	c.halted = true
}

// Fault reports the first contract violation, if any.
func (c *CPU) Fault() error { return c.fault }

// Entry reports where the last far jump landed.
func (c *CPU) Entry() uint64 { return c.entry }

// LongMode reports whether the CPU ended up executing 64-bit code.
func (c *CPU) LongMode() bool {
	return c.efer&x86.EFERLongActive != 0
}

// ProtectedMode reports whether CR0.PE is set.
func (c *CPU) ProtectedMode() bool {
	return c.cr0&x86.CR0ProtectedMode != 0
}

func (c *CPU) ZeroSegments() { c.segmentsZeroed = true }

func (c *CPU) SetStack(sp uint32) { c.stack = sp }

// Stack reports the current stack pointer.
func (c *CPU) Stack() uint32 { return c.stack }

func (c *CPU) OutB(port uint16, v uint8) {
	if c.halted {
		return
	}
	switch port {
	case x86.PortPIC1Command:
		c.m.pic1.writeCommand(v)
	case x86.PortPIC1Data:
		c.m.pic1.writeData(v)
	case x86.PortPIC2Command:
		c.m.pic2.writeCommand(v)
	case x86.PortPIC2Data:
		c.m.pic2.writeData(v)
	case x86.PortFastA20:
		if v&0x01 != 0 {
			c.machineCheck("write to port 0x92 with the reset bit set")
			return
		}
		if !c.m.fastA20Broken {
			c.a20 = v&0x02 != 0
		}
	case x86.PortCOM1:
		c.m.emit(v)
	}
}

func (c *CPU) InB(port uint16) uint8 {
	switch port {
	case x86.PortPIC1Data:
		return c.m.pic1.readData()
	case x86.PortPIC2Data:
		return c.m.pic2.readData()
	case x86.PortFastA20:
		if c.a20 {
			return 0x02
		}
		return 0x00
	}
	return 0xFF
}

func (c *CPU) A20Enabled() bool { return c.a20 }

func (c *CPU) LoadGDT(base uint32, limit uint16) {
	if (limit+1)%8 != 0 {
		c.machineCheck("GDT limit %#x is not a descriptor multiple", limit)
		return
	}
	c.gdtBase, c.gdtLimit, c.gdtSet = base, limit, true
}

func (c *CPU) LoadIDT(base uint32, limit uint16) {
	c.idtBase, c.idtLimit, c.idtSet = base, limit, true
}

func (c *CPU) EnablePAE() { c.cr4 |= x86.CR4PAE }

func (c *CPU) SetPageTableRoot(phys uint64) {
	if phys%x86.PageSize != 0 {
		c.machineCheck("CR3 load of unaligned address %#x", phys)
		return
	}
	c.cr3 = phys
}

func (c *CPU) EnableLongMode() {
	if c.cr4&x86.CR4PAE == 0 {
		c.machineCheck("EFER.LME set before CR4.PAE")
		return
	}
	c.efer |= x86.EFERLongMode
}

func (c *CPU) EnableProtection() {
	c.cr0 |= x86.CR0ProtectedMode
}

func (c *CPU) EnableProtectionAndPaging() {
	if c.cr4&x86.CR4PAE == 0 {
		c.machineCheck("CR0.PG set before CR4.PAE")
		return
	}
	if c.efer&x86.EFERLongMode == 0 {
		c.machineCheck("CR0.PG set before EFER.LME")
		return
	}
	if c.cr3 == 0 {
		c.machineCheck("CR0.PG set with no page tables in CR3")
		return
	}
	// The first instruction fetch after paging turns on goes through
	// the new tables; if they do not cover the current address the
	// machine triple-faults. Verify the identity mapping exists.
	if _, _, err := x86.Translate(c.m.mem, c.cr3, 0); err != nil {
		c.machineCheck("paging enabled over unusable tables: %v", err)
		return
	}
	c.cr0 |= x86.CR0ProtectedMode | x86.CR0Paging
	c.efer |= x86.EFERLongActive
}

func (c *CPU) FarJump(selector uint16, addr uint64) error {
	if c.halted {
		return fmt.Errorf("far jump on a halted cpu: %w", errHalted(c))
	}
	if !c.gdtSet {
		c.machineCheck("far jump with no GDT loaded")
		return c.fault
	}
	if selector == 0 || selector%8 != 0 {
		c.machineCheck("far jump through bad selector %#x", selector)
		return c.fault
	}
	if uint32(selector)+7 > uint32(c.gdtLimit) {
		c.machineCheck("selector %#x past GDT limit %#x", selector, c.gdtLimit)
		return c.fault
	}
	var raw [8]byte
	if err := c.m.mem.Read(uint64(c.gdtBase)+uint64(selector), raw[:]); err != nil {
		c.machineCheck("descriptor fetch failed: %v", err)
		return c.fault
	}
	desc := x86.GDTEntryFromBytes(raw)
	if desc.Access&0x80 == 0 {
		c.machineCheck("far jump through non-present descriptor %#x", selector)
		return c.fault
	}
	if desc.Access&0x08 == 0 {
		c.machineCheck("far jump through data descriptor %#x", selector)
		return c.fault
	}
	longSeg := desc.Flags()&0x20 != 0
	switch {
	case c.LongMode() && !longSeg:
		c.machineCheck("long-mode jump into a descriptor without the L bit")
		return c.fault
	case !c.LongMode() && longSeg:
		c.machineCheck("jump into a 64-bit descriptor outside long mode")
		return c.fault
	}
	c.selector = selector
	c.entry = addr
	return nil
}

func (c *CPU) ReloadDataSegments(selector uint16) {
	if !c.gdtSet {
		c.machineCheck("segment reload with no GDT loaded")
	}
	_ = selector
}

func (c *CPU) ZeroGPRs() { c.gprsZero = true }

// GPRsZeroed reports whether the entry state was scrubbed.
func (c *CPU) GPRsZeroed() bool { return c.gprsZero }

func (c *CPU) Halt() { c.halted = true }

func (c *CPU) Halted() bool { return c.halted }

func errHalted(c *CPU) error {
	if c.fault != nil {
		return c.fault
	}
	return fmt.Errorf("halted")
}
