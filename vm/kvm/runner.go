//go:build linux

package kvm

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"flywheel/hw/x86"
)

// Runner owns one KVM virtual machine with a single vcpu and a flat
// block of guest memory.
type Runner struct {
	dev  *os.File
	vm   int
	vcpu int

	mem []byte
	run []byte

	// Out receives everything the guest writes to the serial port.
	Out io.Writer
}

// NewRunner opens /dev/kvm and builds a machine with size bytes of
// guest memory mapped at physical zero.
func NewRunner(size uint64) (*Runner, error) {
	dev, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/kvm: %w", err)
	}
	r := &Runner{dev: dev, vm: -1, vcpu: -1}

	v, err := ioctl(int(dev.Fd()), kvmGetAPIVersion, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if v != apiVersion {
		r.Close()
		return nil, fmt.Errorf("kvm api version %d, want %d", v, apiVersion)
	}

	if r.vm, err = ioctl(int(dev.Fd()), kvmCreateVM, 0); err != nil {
		r.Close()
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	r.mem, err = unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}
	region := userMemRegion{
		guestPhysAddr: 0,
		memorySize:    size,
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&r.mem[0]))),
	}
	if _, err := ioctlPtr(r.vm, kvmSetUserMemRegion, unsafe.Pointer(&region)); err != nil {
		r.Close()
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	if r.vcpu, err = ioctl(r.vm, kvmCreateVCPU, 0); err != nil {
		r.Close()
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}
	mmapSize, err := ioctl(int(dev.Fd()), kvmGetVCPUMmapSize, 0)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	r.run, err = unix.Mmap(r.vcpu, 0, mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mapping vcpu state: %w", err)
	}
	return r, nil
}

// Close releases every kernel resource. Safe on a partially built
// runner.
func (r *Runner) Close() error {
	if r.run != nil {
		unix.Munmap(r.run)
		r.run = nil
	}
	if r.mem != nil {
		unix.Munmap(r.mem)
		r.mem = nil
	}
	if r.vcpu >= 0 {
		unix.Close(r.vcpu)
		r.vcpu = -1
	}
	if r.vm >= 0 {
		unix.Close(r.vm)
		r.vm = -1
	}
	if r.dev != nil {
		err := r.dev.Close()
		r.dev = nil
		return err
	}
	return nil
}

// Memory exposes guest memory with the hal interface so the same
// table and descriptor encoders that drive the simulator can build
// real guest state.
func (r *Runner) Memory() GuestMemory { return GuestMemory{r.mem} }

// GuestMemory adapts the mapped guest block to hal.Memory.
type GuestMemory struct {
	data []byte
}

func (g GuestMemory) Read(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(g.data)) {
		return fmt.Errorf("guest read %#x+%d out of range", addr, len(p))
	}
	copy(p, g.data[addr:])
	return nil
}

func (g GuestMemory) Write(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(g.data)) {
		return fmt.Errorf("guest write %#x+%d out of range", addr, len(p))
	}
	copy(g.data[addr:], p)
	return nil
}

func (g GuestMemory) Size() uint64 { return uint64(len(g.data)) }

// LongModeSetup holds the guest-physical addresses of the structures
// EnterLongMode builds.
type LongModeSetup struct {
	GDTAddr  uint64
	PML4Addr uint64
	PDPTAddr uint64
	PDAddr   uint64
	Entry    uint64
	Stack    uint64
}

// EnterLongMode writes a long-mode GDT and identity page tables into
// guest memory and programs the vcpu so its first instruction fetch
// happens in 64-bit mode at Entry.
func (r *Runner) EnterLongMode(s LongModeSetup) error {
	mem := r.Memory()
	gdt := x86.NewFlatGDT(x86.GranLong)
	if err := mem.Write(s.GDTAddr, gdt.Bytes()); err != nil {
		return fmt.Errorf("gdt: %w", err)
	}
	if err := x86.BuildIdentityMap(mem, s.PML4Addr, s.PDPTAddr, s.PDAddr); err != nil {
		return fmt.Errorf("identity map: %w", err)
	}

	var sr sregs
	if _, err := ioctlPtr(r.vcpu, kvmGetSregs, unsafe.Pointer(&sr)); err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	code := segment{
		Base: 0, Limit: 0xFFFF_FFFF, Selector: x86.SelectorCode,
		Type: 0x0B, Present: 1, S: 1, L: 1, G: 1,
	}
	data := segment{
		Base: 0, Limit: 0xFFFF_FFFF, Selector: x86.SelectorData,
		Type: 0x03, Present: 1, S: 1, DB: 1, G: 1,
	}
	sr.CS = code
	sr.DS, sr.ES, sr.FS, sr.GS, sr.SS = data, data, data, data, data
	sr.GDT = dtable{Base: s.GDTAddr, Limit: gdt.Limit()}
	sr.CR3 = s.PML4Addr
	sr.CR4 = x86.CR4PAE
	sr.CR0 = x86.CR0ProtectedMode | x86.CR0Paging
	sr.EFER = x86.EFERLongMode | x86.EFERLongActive
	if _, err := ioctlPtr(r.vcpu, kvmSetSregs, unsafe.Pointer(&sr)); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	rg := regs{RIP: s.Entry, RSP: s.Stack, RFLAGS: 0x2}
	if _, err := ioctlPtr(r.vcpu, kvmSetRegs, unsafe.Pointer(&rg)); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// Run executes the vcpu until it halts. Serial output on COM1 is
// forwarded to Out; any other exit is an error.
func (r *Runner) Run() error {
	rs := (*runState)(unsafe.Pointer(&r.run[0]))
	for {
		if _, err := ioctl(r.vcpu, kvmRun, 0); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("KVM_RUN: %w", err)
		}
		switch rs.ExitReason {
		case exitHLT:
			return nil
		case exitIO:
			ioData := (*exitIOData)(unsafe.Pointer(&rs.Data[0]))
			if err := r.handleIO(rs, ioData); err != nil {
				return err
			}
		case exitShutdown, exitFailEntry:
			return fmt.Errorf("guest entry failed (exit reason %d)", rs.ExitReason)
		case exitInternalError:
			return fmt.Errorf("kvm internal error")
		case exitMMIO:
			return fmt.Errorf("unexpected mmio exit")
		default:
			return fmt.Errorf("unhandled exit reason %d", rs.ExitReason)
		}
	}
}

func (r *Runner) handleIO(rs *runState, e *exitIOData) error {
	if e.Direction != ioDirectionOut || e.Port != x86.PortCOM1 {
		return nil
	}
	if r.Out == nil {
		return nil
	}
	for i := uint32(0); i < e.Count; i++ {
		b := *(*byte)(unsafe.Add(unsafe.Pointer(rs), uintptr(e.DataOffset)+uintptr(i)*uintptr(e.Size)))
		if _, err := r.Out.Write([]byte{b}); err != nil {
			return err
		}
	}
	return nil
}

// Regs reads the vcpu register file, for post-run inspection.
func (r *Runner) Regs() (RegisterFile, error) {
	var rg regs
	if _, err := ioctlPtr(r.vcpu, kvmGetRegs, unsafe.Pointer(&rg)); err != nil {
		return RegisterFile{}, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	return RegisterFile{RIP: rg.RIP, RSP: rg.RSP, RAX: rg.RAX}, nil
}

// RegisterFile is the subset of guest registers callers inspect.
type RegisterFile struct {
	RIP uint64
	RSP uint64
	RAX uint64
}

func ioctl(fd int, req uintptr, arg uintptr) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}
