package kern

import (
	"errors"
	"sync"
	"testing"

	"flywheel/boot/handoff"
)

func TestCellPoolUniqueAlignedCells(t *testing.T) {
	const cells = 8
	p, err := NewCellPool(0x20_0000, cells)
	if err != nil {
		t.Fatalf("NewCellPool: %v", err)
	}
	seen := make(map[uint64]bool)
	for i := 0; i < cells; i++ {
		addr, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if addr%CellSize != 0 {
			t.Errorf("cell %#x not aligned", addr)
		}
		if seen[addr] {
			t.Errorf("cell %#x handed out twice", addr)
		}
		seen[addr] = true
	}
	if _, err := p.Alloc(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("alloc past capacity: %v, want exhaustion", err)
	}
	if p.Used() != cells {
		t.Errorf("used %d, want %d", p.Used(), cells)
	}
}

func TestCellPoolConcurrentAlloc(t *testing.T) {
	const cells = 64
	p, err := NewCellPool(0x20_0000, cells)
	if err != nil {
		t.Fatalf("NewCellPool: %v", err)
	}
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				addr, err := p.Alloc()
				if err != nil {
					return
				}
				mu.Lock()
				if seen[addr] {
					t.Errorf("cell %#x handed out twice", addr)
				}
				seen[addr] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != cells {
		t.Errorf("%d distinct cells, want %d", len(seen), cells)
	}
}

func TestCellPoolRejectsBadConfig(t *testing.T) {
	if _, err := NewCellPool(0x20_0001, 4); err == nil {
		t.Error("accepted an unaligned start")
	}
	if _, err := NewCellPool(0x20_0000, 0); err == nil {
		t.Error("accepted an empty pool")
	}
}

func TestBumpFrameAllocator(t *testing.T) {
	entries := []handoff.MemoryMapEntry{
		{Base: 0, Length: 0x3000, Type: handoff.RegionUsable},
		{Base: 0x3000, Length: 0x1000, Type: handoff.RegionReserved},
		{Base: 0x8000, Length: 0x2800, Type: handoff.RegionUsable},
	}
	a := NewBumpFrameAllocator(entries, 0x1000)

	want := []uint64{0x1000, 0x2000, 0x8000, 0x9000}
	for i, w := range want {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f != w {
			t.Errorf("frame %d = %#x, want %#x", i, f, w)
		}
	}
	// The ragged 0x800 tail of the second region is not a full frame.
	if _, err := a.AllocFrame(); !errors.Is(err, ErrNoFrames) {
		t.Errorf("allocation past the map: %v, want exhaustion", err)
	}
}

func TestBumpFrameAllocatorReserve(t *testing.T) {
	entries := []handoff.MemoryMapEntry{
		{Base: 0, Length: 0x10000, Type: handoff.RegionUsable},
	}
	a := NewBumpFrameAllocator(entries, 0x1000)
	// The reservation is unaligned on purpose; every page it touches
	// must be withheld.
	a.Reserve(0x2800, 0x2000)

	want := []uint64{0x1000, 0x5000, 0x6000, 0x7000}
	for i, w := range want {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f != w {
			t.Errorf("frame %d = %#x, want %#x", i, f, w)
		}
	}
}

func TestBumpFrameAllocatorFloorRounding(t *testing.T) {
	entries := []handoff.MemoryMapEntry{
		{Base: 0, Length: 0x10000, Type: handoff.RegionUsable},
	}
	a := NewBumpFrameAllocator(entries, 0x1234)
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if f != 0x2000 {
		t.Errorf("first frame %#x, want the floor rounded up to 0x2000", f)
	}
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	for i := 0; i < 3; i++ {
		s.TimerTick()
	}
	s.KeyPress()
	s.HeapAlloc()
	s.HeapAlloc()
	s.CellAlloc()

	m := s.Snapshot()
	want := Metrics{TimerTicks: 3, KeyPresses: 1, HeapAllocs: 2, CellAllocs: 1}
	if m != want {
		t.Errorf("snapshot %+v, want %+v", m, want)
	}
}
