package boot

import (
	"strings"
	"testing"

	"flywheel/boot/handoff"
	"flywheel/hw/x86"
	"flywheel/vm"
)

// testImage builds a bootable disk image for the layout: a real
// sector 0, a recognizable byte pattern in the stage2 sectors, and a
// distinct pattern in the kernel sectors so tests can prove what
// ended up where.
func testImage(t *testing.T, l Layout, target Target) *vm.Disk {
	t.Helper()
	total := l.KernelStartLBA + uint32(l.KernelSectors)
	img := make([]byte, total*x86.SectorSize)

	sector0, err := BuildBootSector(l, target, "1.0.0")
	if err != nil {
		t.Fatalf("building boot sector: %v", err)
	}
	copy(img, sector0)

	for i := uint32(0); i < uint32(l.Stage2Sectors); i++ {
		fill(img, l.Stage2StartLBA+i, 0x20+byte(i))
	}
	for i := uint32(0); i < uint32(l.KernelSectors); i++ {
		fill(img, l.KernelStartLBA+i, 0x40+byte(i%0x40))
	}
	return vm.NewDisk(img)
}

func fill(img []byte, lba uint32, b byte) {
	start := lba * x86.SectorSize
	for i := uint32(0); i < x86.SectorSize; i++ {
		img[start+i] = b
	}
}

func bootMachine(t *testing.T, cfg vm.Config, target Target) (*vm.Machine, Layout, uint64, error) {
	t.Helper()
	l := DefaultLayout()
	if cfg.Disk == nil {
		cfg.Disk = testImage(t, l, target)
	}
	m := vm.New(cfg)
	p := Pipeline{Layout: l, Target: target}
	entry, err := p.Boot(m)
	return m, l, entry, err
}

func TestBootProtected32(t *testing.T) {
	m, l, entry, err := bootMachine(t, vm.Config{}, Protected32)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if entry != uint64(l.KernelLoadAddr) {
		t.Errorf("entry %#x, want %#x", entry, l.KernelLoadAddr)
	}
	cpu := m.RawCPU()
	if f := cpu.Fault(); f != nil {
		t.Fatalf("machine check: %v", f)
	}
	if !cpu.ProtectedMode() {
		t.Error("protection not enabled")
	}
	if cpu.LongMode() {
		t.Error("long mode active for 32-bit target")
	}
	if cpu.Halted() {
		t.Error("cpu halted on a successful boot")
	}
}

func TestBootLong64(t *testing.T) {
	m, l, entry, err := bootMachine(t, vm.Config{}, Long64)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	cpu := m.RawCPU()
	if f := cpu.Fault(); f != nil {
		t.Fatalf("machine check: %v", f)
	}
	if !cpu.LongMode() {
		t.Error("long mode not active")
	}
	if !cpu.GPRsZeroed() {
		t.Error("general-purpose registers not cleared before entry")
	}
	if cpu.Entry() != entry {
		t.Errorf("cpu entry %#x, want %#x", cpu.Entry(), entry)
	}

	// The identity map built for the transition must translate the
	// kernel entry to itself.
	phys, _, err := x86.Translate(m.Memory(), l.PML4Addr, entry)
	if err != nil {
		t.Fatalf("translating entry: %v", err)
	}
	if phys != entry {
		t.Errorf("entry translates to %#x, want identity", phys)
	}
}

func TestKernelImageLanded(t *testing.T) {
	m, l, _, err := bootMachine(t, vm.Config{}, Long64)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	buf := make([]byte, x86.SectorSize)
	for _, sector := range []uint32{0, uint32(l.KernelSectors) - 1} {
		addr := uint64(l.KernelLoadAddr) + uint64(sector)*x86.SectorSize
		if err := m.Memory().Read(addr, buf); err != nil {
			t.Fatalf("reading kernel sector %d: %v", sector, err)
		}
		want := byte(0x40 + (sector % 0x40))
		for i, b := range buf {
			if b != want {
				t.Fatalf("kernel sector %d byte %d = %#x, want %#x", sector, i, b, want)
			}
		}
	}
}

func TestHandoffRecord(t *testing.T) {
	m, l, _, err := bootMachine(t, vm.Config{BootDrive: 0x81}, Long64)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	h, err := handoff.Read(m.Memory(), uint64(l.HandoffAddr))
	if err != nil {
		t.Fatalf("reading handoff: %v", err)
	}
	if h.BootDrive != 0x81 {
		t.Errorf("boot drive %#x, want 0x81", h.BootDrive)
	}
	if h.LoadAddr != l.KernelLoadAddr {
		t.Errorf("load addr %#x, want %#x", h.LoadAddr, l.KernelLoadAddr)
	}
	if h.MemoryMapPtr != l.MemoryMapAddr {
		t.Errorf("map ptr %#x, want %#x", h.MemoryMapPtr, l.MemoryMapAddr)
	}
	if h.MemoryMapCount != 3 {
		t.Errorf("map count %d, want 3", h.MemoryMapCount)
	}
	want := uint32(handoff.FlagA20Enabled | handoff.FlagMapValid | handoff.FlagLongMode)
	if h.Flags != want {
		t.Errorf("flags %#x, want %#x", h.Flags, want)
	}

	entries, err := handoff.ReadMap(m.Memory(), uint64(h.MemoryMapPtr), int(h.MemoryMapCount))
	if err != nil {
		t.Fatalf("reading map: %v", err)
	}
	if !entries[0].Usable() || entries[1].Usable() || !entries[2].Usable() {
		t.Errorf("unexpected usability pattern in %+v", entries)
	}
}

func TestDescriptorTablesInstalled(t *testing.T) {
	m, l, _, err := bootMachine(t, vm.Config{}, Protected32)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	mem := m.Memory()

	gdt := x86.NewFlatGDT(x86.GranFlat32)
	want := gdt.Pointer(l.GDTAddr)
	got := make([]byte, len(want))
	if err := mem.Read(uint64(l.GDTAddr)+uint64(len(gdt.Bytes())), got); err != nil {
		t.Fatalf("reading gdt pointer: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("gdt pointer byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}

	for i, v := range []uint8{x86.VectorDivideError, x86.VectorDoubleFault} {
		gate := make([]byte, 8)
		if err := mem.Read(uint64(l.IDTAddr)+uint64(v)*8, gate); err != nil {
			t.Fatalf("reading gate %d: %v", v, err)
		}
		wantGate := x86.InterruptGate32(l.ProtectedHandlerBase+uint32(i)*16, x86.SelectorCode)
		for j := range wantGate {
			if gate[j] != wantGate[j] {
				t.Fatalf("gate %d byte %d = %#x, want %#x", v, j, gate[j], wantGate[j])
			}
		}
		if gate[5]&0x80 == 0 {
			t.Errorf("gate %d not marked present", v)
		}
		if sel := uint16(gate[2]) | uint16(gate[3])<<8; sel != x86.SelectorCode {
			t.Errorf("gate %d selector %#x, want %#x", v, sel, x86.SelectorCode)
		}
	}

	ip := x86.IDTPointer(l.IDTAddr, 32)
	gotIP := make([]byte, len(ip))
	if err := mem.Read(uint64(l.IDTAddr)+32*8, gotIP); err != nil {
		t.Fatalf("reading idt pointer: %v", err)
	}
	for i := range ip {
		if gotIP[i] != ip[i] {
			t.Fatalf("idt pointer byte %d = %#x, want %#x", i, gotIP[i], ip[i])
		}
	}

	// Every other vector stays not-present.
	for v := 0; v < 32; v++ {
		if v == int(x86.VectorDivideError) || v == int(x86.VectorDoubleFault) {
			continue
		}
		gate := make([]byte, 8)
		if err := mem.Read(uint64(l.IDTAddr)+uint64(v)*8, gate); err != nil {
			t.Fatalf("reading gate %d: %v", v, err)
		}
		if gate[5]&0x80 != 0 {
			t.Errorf("gate %d unexpectedly present", v)
		}
	}
}

func TestInterruptControllerProgramming(t *testing.T) {
	m, _, _, err := bootMachine(t, vm.Config{}, Protected32)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	m1, m2 := m.PICMasks()
	if m1 != 0xFD || m2 != 0xFF {
		t.Errorf("masks %#02x/%#02x, want 0xfd/0xff", m1, m2)
	}
	b1, b2 := m.PICVectorBases()
	if b1 != x86.PIC1VectorBase || b2 != x86.PIC2VectorBase {
		t.Errorf("vector bases %#02x/%#02x, want %#02x/%#02x",
			b1, b2, x86.PIC1VectorBase, x86.PIC2VectorBase)
	}
}

func TestRealModeVectorsInstalled(t *testing.T) {
	m, l, _, err := bootMachine(t, vm.Config{}, Protected32)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	for i, v := range []uint8{x86.VectorDivideError, x86.VectorDoubleFault, x86.VectorRTCTick} {
		var b [4]byte
		if err := m.Memory().Read(x86.IVTAddress(v), b[:]); err != nil {
			t.Fatalf("reading vector %#x: %v", v, err)
		}
		offset := uint16(b[0]) | uint16(b[1])<<8
		segment := uint16(b[2]) | uint16(b[3])<<8
		if want := l.RealModeHandlerBase + uint16(i)*4; offset != want || segment != 0 {
			t.Errorf("vector %#x = %#x:%#x, want 0:%#x", v, segment, offset, want)
		}
	}
}

func TestStage1HaltsOnDiskError(t *testing.T) {
	l := DefaultLayout()
	disk := testImage(t, l, Protected32)
	disk.MarkBad(l.Stage2StartLBA + 2)
	m := vm.New(vm.Config{Disk: disk})

	p := Pipeline{Layout: l, Target: Protected32}
	if _, err := p.Boot(m); err == nil {
		t.Fatal("boot succeeded with a bad stage2 sector")
	}
	if !m.RawCPU().Halted() {
		t.Error("cpu not halted after stage1 failure")
	}
	if out := m.ConsoleString(); !strings.Contains(out, "boot:") {
		t.Errorf("no stage1 diagnostic on console, got %q", out)
	}
}

func TestStage2HaltsOnKernelReadError(t *testing.T) {
	l := DefaultLayout()
	disk := testImage(t, l, Long64)
	disk.MarkBad(l.KernelStartLBA + 70)
	m := vm.New(vm.Config{Disk: disk})

	p := Pipeline{Layout: l, Target: Long64}
	if _, err := p.Boot(m); err == nil {
		t.Fatal("boot succeeded with a bad kernel sector")
	}
	if !m.RawCPU().Halted() {
		t.Error("cpu not halted after kernel read failure")
	}
	if out := m.ConsoleString(); !strings.Contains(out, "loader:") {
		t.Errorf("no stage2 diagnostic on console, got %q", out)
	}
}

func TestA20FallbackThroughFastGate(t *testing.T) {
	m, _, _, err := bootMachine(t, vm.Config{FirmwareA20Broken: true}, Protected32)
	if err != nil {
		t.Fatalf("boot with broken firmware a20: %v", err)
	}
	if !m.RawCPU().A20Enabled() {
		t.Error("a20 gate still closed after fallback")
	}
}

func TestA20FailureIsFatal(t *testing.T) {
	l := DefaultLayout()
	m := vm.New(vm.Config{
		Disk:              testImage(t, l, Protected32),
		FirmwareA20Broken: true,
		FastA20Broken:     true,
	})
	p := Pipeline{Layout: l, Target: Protected32}
	if _, err := p.Boot(m); err == nil {
		t.Fatal("boot succeeded with no way to open a20")
	}
	if !m.RawCPU().Halted() {
		t.Error("cpu not halted after a20 failure")
	}
}

func TestSectorParameterMismatch(t *testing.T) {
	l := DefaultLayout()
	other := l
	other.KernelSectors = 42
	m := vm.New(vm.Config{Disk: testImage(t, other, Protected32)})

	p := Pipeline{Layout: l, Target: Protected32}
	if _, err := p.Boot(m); err == nil {
		t.Fatal("boot accepted a sector built for a different layout")
	}
}

func TestMemoryMapBufferFull(t *testing.T) {
	l := DefaultLayout()
	l.MemoryMapMaxEntries = 2
	m := vm.New(vm.Config{Disk: testImage(t, l, Protected32)})

	p := Pipeline{Layout: l, Target: Protected32}
	if _, err := p.Boot(m); err != nil {
		t.Fatalf("boot: %v", err)
	}
	h, err := handoff.Read(m.Memory(), uint64(l.HandoffAddr))
	if err != nil {
		t.Fatalf("reading handoff: %v", err)
	}
	if h.MemoryMapCount != 2 {
		t.Errorf("map count %d, want the buffer capacity 2", h.MemoryMapCount)
	}
}
