package handoff

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sliceMemory []byte

func (s sliceMemory) Read(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(s)) {
		return fmt.Errorf("read past end at %#x", addr)
	}
	copy(p, s[addr:])
	return nil
}

func (s sliceMemory) Write(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(s)) {
		return fmt.Errorf("write past end at %#x", addr)
	}
	copy(s[addr:], p)
	return nil
}

func (s sliceMemory) Size() uint64 { return uint64(len(s)) }

func TestHandoffRoundTrip(t *testing.T) {
	m := make(sliceMemory, 0x1000)
	h := BootHandoff{
		BootDrive:      0x80,
		MemoryMapPtr:   0x8000,
		MemoryMapCount: 5,
		LoadAddr:       0x10_0000,
		Flags:          FlagA20Enabled | FlagMapValid,
	}
	if err := h.Write(m, 0x500); err != nil {
		t.Fatal(err)
	}
	got, err := Read(m, 0x500)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("handoff changed across write/read (-want +got):\n%s", diff)
	}
}

func TestHandoffPackedOffsets(t *testing.T) {
	h := BootHandoff{
		BootDrive:      0x80,
		MemoryMapPtr:   0x11223344,
		MemoryMapCount: 0xBEEF,
		LoadAddr:       0x55667788,
		Flags:          0x01020304,
	}
	b := h.Bytes()
	if b[0] != 0x80 {
		t.Error("drive not at offset 0")
	}
	if b[1] != 0x44 || b[4] != 0x11 {
		t.Error("map pointer not packed little-endian at offset 1")
	}
	if b[5] != 0xEF || b[6] != 0xBE {
		t.Error("count not at offset 5")
	}
	if b[7] != 0x88 || b[10] != 0x55 {
		t.Error("load address not at offset 7")
	}
	if b[11] != 0x04 || b[14] != 0x01 {
		t.Error("flags not at offset 11")
	}
	if Size != 15 {
		t.Errorf("packed size = %d, want 15", Size)
	}
}

func TestMapRoundTrip(t *testing.T) {
	m := make(sliceMemory, 0x1000)
	entries := []MemoryMapEntry{
		{Base: 0, Length: 0x9_F000, Type: RegionUsable},
		{Base: 0x9_F000, Length: 0x1000, Type: RegionReserved},
		{Base: 0x10_0000, Length: 0x3F0_0000, Type: RegionUsable},
	}
	for i, e := range entries {
		if err := WriteEntry(m, 0x100, i, e); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ReadMap(m, 0x100, len(entries))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Fatalf("map changed across write/read (-want +got):\n%s", diff)
	}
}

func TestValidateMap(t *testing.T) {
	usable := MemoryMapEntry{Base: 0x10_0000, Length: 0x80_0000, Type: RegionUsable}
	reserved := MemoryMapEntry{Base: 0, Length: 0x1000, Type: RegionReserved}

	if err := ValidateMap(nil, 1); err == nil {
		t.Error("empty map accepted")
	}
	if err := ValidateMap([]MemoryMapEntry{{Base: 1, Length: 0, Type: RegionUsable}}, 1); err == nil {
		t.Error("zero-length entry accepted")
	}
	if err := ValidateMap([]MemoryMapEntry{reserved}, 0x1000); err == nil {
		t.Error("map with no usable region accepted")
	}
	if err := ValidateMap([]MemoryMapEntry{reserved, usable}, 0x80_0000); err != nil {
		t.Errorf("valid map rejected: %v", err)
	}
	if err := ValidateMap([]MemoryMapEntry{usable}, 0x80_0001); err == nil {
		t.Error("undersized usable region accepted")
	}
}
