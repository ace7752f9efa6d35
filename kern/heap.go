package kern

import (
	"fmt"

	"flywheel/hal"
	"flywheel/hw/x86"
)

// Heap is a first-fit free-list allocator over a fixed range of
// already-mapped memory. The list nodes live inside the free space
// itself: each free block starts with a 16-byte header holding the
// block size and the address of the next free block (zero terminates
// the list).
type Heap struct {
	mem   hal.Memory
	start uint64
	size  uint64

	// head is the address of the first free block, zero when the
	// heap is exhausted.
	head uint64
}

const (
	heapHeaderSize = 16
	heapMinBlock   = heapHeaderSize
)

// NewHeap initializes the free list over [start, start+size). The
// whole range becomes one free block.
func NewHeap(mem hal.Memory, start, size uint64) (*Heap, error) {
	if size < heapMinBlock {
		return nil, fmt.Errorf("heap of %d bytes is smaller than one block header", size)
	}
	h := &Heap{mem: mem, start: start, size: size, head: start}
	if err := h.writeNode(start, size, 0); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Heap) writeNode(addr, size, next uint64) error {
	if err := hal.WriteU64(h.mem, addr, size); err != nil {
		return err
	}
	return hal.WriteU64(h.mem, addr+8, next)
}

func (h *Heap) readNode(addr uint64) (size, next uint64, err error) {
	if size, err = hal.ReadU64(h.mem, addr); err != nil {
		return 0, 0, err
	}
	if next, err = hal.ReadU64(h.mem, addr+8); err != nil {
		return 0, 0, err
	}
	return size, next, nil
}

// Alloc returns the address of a block of at least size bytes with
// the given alignment, or an error when no free block fits. Size is
// rounded up so the block can rejoin the free list later.
func (h *Heap) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-size allocation")
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}
	if size < heapMinBlock {
		size = heapMinBlock
	}
	size = x86.AlignUp(size, heapMinBlock)
	if size > h.size {
		return 0, fmt.Errorf("allocation of %d bytes exceeds the %d-byte heap", size, h.size)
	}

	var prev uint64
	for addr := h.head; addr != 0; {
		blockSize, next, err := h.readNode(addr)
		if err != nil {
			return 0, err
		}
		alloc := x86.AlignUp(addr, align)
		pad := alloc - addr
		// Leading padding must itself remain a listable block.
		if pad > 0 && pad < heapMinBlock {
			alloc = x86.AlignUp(addr+heapMinBlock, align)
			pad = alloc - addr
		}
		if pad+size <= blockSize {
			if err := h.carve(prev, addr, blockSize, next, alloc, pad, size); err != nil {
				return 0, err
			}
			return alloc, nil
		}
		prev, addr = addr, next
	}
	return 0, fmt.Errorf("no free block of %d bytes (align %d)", size, align)
}

// carve splits a free block around the chosen allocation, relinking
// the leading pad and the tail remainder back into the list.
func (h *Heap) carve(prev, addr, blockSize, next, alloc, pad, size uint64) error {
	tail := blockSize - pad - size
	link := next

	if tail >= heapMinBlock {
		tailAddr := alloc + size
		if err := h.writeNode(tailAddr, tail, link); err != nil {
			return err
		}
		link = tailAddr
	}
	if pad > 0 {
		if err := h.writeNode(addr, pad, link); err != nil {
			return err
		}
		link = addr
	}
	if prev == 0 {
		h.head = link
	} else {
		prevSize, _, err := h.readNode(prev)
		if err != nil {
			return err
		}
		if err := h.writeNode(prev, prevSize, link); err != nil {
			return err
		}
	}
	return nil
}

// Free returns a block to the list and merges it with free neighbors.
// The caller supplies the size it allocated; the heap rounds it the
// same way Alloc did.
func (h *Heap) Free(addr, size uint64) error {
	if size < heapMinBlock {
		size = heapMinBlock
	}
	size = x86.AlignUp(size, heapMinBlock)
	if addr < h.start || addr+size > h.start+h.size {
		return fmt.Errorf("free of %#x+%d outside the heap", addr, size)
	}

	// Insert in address order so adjacency is visible.
	var prev uint64
	next := h.head
	for next != 0 && next < addr {
		_, n, err := h.readNode(next)
		if err != nil {
			return err
		}
		prev, next = next, n
	}

	if err := h.writeNode(addr, size, next); err != nil {
		return err
	}
	if prev == 0 {
		h.head = addr
	} else {
		prevSize, _, err := h.readNode(prev)
		if err != nil {
			return err
		}
		if err := h.writeNode(prev, prevSize, addr); err != nil {
			return err
		}
	}
	return h.coalesce(prev, addr)
}

// coalesce merges addr with its successor and then prev with addr if
// the blocks touch.
func (h *Heap) coalesce(prev, addr uint64) error {
	size, next, err := h.readNode(addr)
	if err != nil {
		return err
	}
	if next != 0 && addr+size == next {
		nextSize, nextNext, err := h.readNode(next)
		if err != nil {
			return err
		}
		size += nextSize
		next = nextNext
		if err := h.writeNode(addr, size, next); err != nil {
			return err
		}
	}
	if prev != 0 {
		prevSize, _, err := h.readNode(prev)
		if err != nil {
			return err
		}
		if prev+prevSize == addr {
			return h.writeNode(prev, prevSize+size, next)
		}
	}
	return nil
}

// FreeBytes walks the list and reports the total free space.
func (h *Heap) FreeBytes() (uint64, error) {
	var total uint64
	for addr := h.head; addr != 0; {
		size, next, err := h.readNode(addr)
		if err != nil {
			return 0, err
		}
		total += size
		addr = next
	}
	return total, nil
}

// Range reports the heap's address range.
func (h *Heap) Range() (start, size uint64) { return h.start, h.size }
