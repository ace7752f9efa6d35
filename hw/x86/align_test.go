package x86

import "testing"

func TestAlignAlgebra(t *testing.T) {
	addrs := []uint64{0, 1, 7, 8, 0xFFF, 0x1000, 0x1001, 0xDEAD_BEEF, 1 << 40}
	aligns := []uint64{1, 2, 8, 512, 4096, 1 << 21}
	for _, addr := range addrs {
		for _, align := range aligns {
			down := AlignDown(addr, align)
			up := AlignUp(addr, align)
			if down > addr {
				t.Fatalf("AlignDown(%#x, %#x) = %#x > addr", addr, align, down)
			}
			if up < addr {
				t.Fatalf("AlignUp(%#x, %#x) = %#x < addr", addr, align, up)
			}
			if AlignDown(up, align) != up {
				t.Fatalf("AlignUp(%#x, %#x) = %#x is not aligned", addr, align, up)
			}
			if !IsAligned(down, align) || !IsAligned(up, align) {
				t.Fatalf("alignment results not aligned for %#x/%#x", addr, align)
			}
			if up-down >= 2*align {
				t.Fatalf("up and down more than one stride apart for %#x/%#x", addr, align)
			}
		}
	}
}

func TestDiskAddressPacketLayout(t *testing.T) {
	d := NewDiskAddressPacket(33, 8, 0x1000, 0x0000)
	if d.Size != DAPSize {
		t.Fatalf("size field = %d, want 16", d.Size)
	}
	b := d.Bytes()
	if b[0] != 16 || b[1] != 0 {
		t.Errorf("header bytes = %x", b[:2])
	}
	if b[2] != 8 || b[3] != 0 {
		t.Errorf("sector count bytes = %x", b[2:4])
	}
	if got := uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16 | uint32(b[11])<<24; got != 33 {
		t.Errorf("lba bytes decode to %d", got)
	}
	if d.BufferAddress() != 0x10000 {
		t.Errorf("buffer address = %#x, want 0x10000", d.BufferAddress())
	}

	m := make(sliceMemory, 0x100)
	if err := d.WriteTo(m, 0x10); err != nil {
		t.Fatal(err)
	}
	back, err := ReadDiskAddressPacket(m, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Fatalf("packet round trip changed: %+v vs %+v", d, back)
	}

	// A corrupt size byte is rejected the way the firmware would.
	m[0x10] = 8
	if _, err := ReadDiskAddressPacket(m, 0x10); err == nil {
		t.Fatal("bad size field accepted")
	}
}
