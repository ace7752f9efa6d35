package x86

import "testing"

func TestIVTEntryEncoding(t *testing.T) {
	e := IVTEntry{Offset: 0x7B04, Segment: 0}
	if got := e.Bytes(); got != [4]byte{0x04, 0x7B, 0x00, 0x00} {
		t.Errorf("encoded % x", got)
	}
	if IVTAddress(0x70) != 0x70*4 {
		t.Errorf("vector 0x70 at %#x", IVTAddress(0x70))
	}
}

func TestInterruptGate32(t *testing.T) {
	g := InterruptGate32(0x0010_2030, SelectorCode)
	if g[0] != 0x30 || g[1] != 0x20 {
		t.Errorf("offset low bytes % x", g[:2])
	}
	if g[2] != 0x08 || g[3] != 0 {
		t.Errorf("selector bytes % x", g[2:4])
	}
	if g[5] != 0x8E {
		t.Errorf("type byte %#x, want present 32-bit interrupt gate", g[5])
	}
	if g[6] != 0x10 || g[7] != 0x00 {
		t.Errorf("offset high bytes % x", g[6:])
	}
}

func TestIDTPointer(t *testing.T) {
	p := IDTPointer(0x5000, 32)
	limit := uint16(p[0]) | uint16(p[1])<<8
	if limit != 32*8-1 {
		t.Errorf("limit %d, want 255", limit)
	}
	base := uint32(p[2]) | uint32(p[3])<<8 | uint32(p[4])<<16 | uint32(p[5])<<24
	if base != 0x5000 {
		t.Errorf("base %#x", base)
	}
}
