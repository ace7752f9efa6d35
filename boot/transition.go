package boot

import (
	"fmt"

	"flywheel/hal"
	"flywheel/hw/x86"
)

// enterProtected32 flips CR0.PE with paging left off. The data
// segment reload completes the switch; the caller's far jump into the
// kernel reloads CS.
func enterProtected32(m hal.Machine) {
	cpu := m.CPU()
	cpu.EnableProtection()
	cpu.ReloadDataSegments(x86.SelectorData)
}

// enterLong64 performs the full long-mode entry sequence. Ordering is
// the architecture's, not ours: PAE before EFER.LME, a constructed
// CR3 before CR0.PG, and PE with PG set in one write.
func enterLong64(m hal.Machine, l Layout) error {
	cpu := m.CPU()
	mem := m.Memory()

	cpu.EnablePAE()
	if err := x86.BuildIdentityMap(mem, l.PML4Addr, l.PDPTAddr, l.PDAddr); err != nil {
		return fmt.Errorf("identity map: %w", err)
	}
	cpu.SetPageTableRoot(l.PML4Addr)
	cpu.EnableLongMode()
	cpu.EnableProtectionAndPaging()
	return nil
}
