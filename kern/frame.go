// Package kern is the early kernel: it validates what the boot chain
// handed over, brings up physical-frame and heap allocation, and runs
// the anomaly monitor that decides whether the system stays up.
package kern

import (
	"errors"

	"flywheel/boot/handoff"
	"flywheel/hw/x86"
)

// ErrNoFrames is returned when no usable region has another frame.
var ErrNoFrames = errors.New("out of physical frames")

// FrameAllocator hands out page-sized physical frames. Frames are
// never returned at this stage; everything allocated during bring-up
// lives for the life of the kernel.
type FrameAllocator interface {
	AllocFrame() (uint64, error)
}

// BumpFrameAllocator walks the firmware memory map front to back,
// carving frames out of usable regions above a floor. The floor keeps
// it off everything the loader already placed.
type BumpFrameAllocator struct {
	entries  []handoff.MemoryMapEntry
	floor    uint64
	reserved []Region

	region int
	next   uint64
}

// NewBumpFrameAllocator builds an allocator over the given map.
// floor is the lowest physical address it may hand out; it is rounded
// up to a page boundary.
func NewBumpFrameAllocator(entries []handoff.MemoryMapEntry, floor uint64) *BumpFrameAllocator {
	return &BumpFrameAllocator{
		entries: entries,
		floor:   x86.AlignUp(floor, x86.PageSize),
	}
}

// Reserve withholds [start, start+size) from allocation. Anything
// already living at a fixed physical address (a paging-off heap, a
// loader structure) must be reserved before frames are handed out.
func (a *BumpFrameAllocator) Reserve(start, size uint64) {
	a.reserved = append(a.reserved, Region{Start: start, Size: size})
}

// AllocFrame returns the next free page-aligned frame.
func (a *BumpFrameAllocator) AllocFrame() (uint64, error) {
	for a.region < len(a.entries) {
		e := a.entries[a.region]
		if !e.Usable() {
			a.region++
			a.next = 0
			continue
		}
		start := x86.AlignUp(e.Base, x86.PageSize)
		if start < a.floor {
			start = a.floor
		}
		if a.next < start {
			a.next = start
		}
		end := e.Base + e.Length
		if a.next+x86.PageSize <= end {
			frame := a.next
			if past, hit := a.hitsReserved(frame); hit {
				a.next = past
				continue
			}
			a.next += x86.PageSize
			return frame, nil
		}
		a.region++
		a.next = 0
	}
	return 0, ErrNoFrames
}

// hitsReserved reports whether the frame overlaps a reserved range
// and, if so, the first candidate address past it.
func (a *BumpFrameAllocator) hitsReserved(frame uint64) (uint64, bool) {
	for _, r := range a.reserved {
		if frame < r.Start+r.Size && frame+x86.PageSize > r.Start {
			return x86.AlignUp(r.Start+r.Size, x86.PageSize), true
		}
	}
	return 0, false
}
