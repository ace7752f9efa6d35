package vm

import "fmt"

// Memory is the guest's physical memory. While the A20 gate is
// closed, bit 20 of every address is masked off, the same aliasing a
// real machine exhibits; the loader's A20 verification depends on
// seeing that wrap.
type Memory struct {
	data []byte
	a20  *bool
}

// NewMemory allocates size bytes of zeroed guest memory gated by a20.
func NewMemory(size uint64, a20 *bool) *Memory {
	return &Memory{data: make([]byte, size), a20: a20}
}

func (m *Memory) gate(addr uint64) uint64 {
	if m.a20 != nil && !*m.a20 {
		return addr &^ (1 << 20)
	}
	return addr
}

// Read copies len(p) bytes starting at addr into p.
func (m *Memory) Read(addr uint64, p []byte) error {
	addr = m.gate(addr)
	if addr+uint64(len(p)) > uint64(len(m.data)) {
		return fmt.Errorf("physical read of %d bytes at %#x past end of %d-byte memory", len(p), addr, len(m.data))
	}
	copy(p, m.data[addr:])
	return nil
}

// Write copies p into memory starting at addr.
func (m *Memory) Write(addr uint64, p []byte) error {
	addr = m.gate(addr)
	if addr+uint64(len(p)) > uint64(len(m.data)) {
		return fmt.Errorf("physical write of %d bytes at %#x past end of %d-byte memory", len(p), addr, len(m.data))
	}
	copy(m.data[addr:], p)
	return nil
}

// Size is the installed memory size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }
