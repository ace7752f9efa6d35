package vm

import (
	"fmt"
	"os"

	"flywheel/hw/x86"
)

// Disk is a flat sector-addressed image with the fixed CHS geometry
// the firmware reports for it. Reads can be failed per-sector to
// exercise the loader's fatal paths.
type Disk struct {
	image   []byte
	sectors uint32

	// geometry for CHS addressing
	headsPerCylinder uint8
	sectorsPerTrack  uint8

	bad map[uint32]bool
}

// Standard small-disk geometry: 16 heads, 63 sectors per track.
const (
	diskHeads           = 16
	diskSectorsPerTrack = 63
)

// NewDisk wraps an image; a partial trailing sector is padded out.
func NewDisk(image []byte) *Disk {
	n := uint64(len(image))
	padded := x86.AlignUp(n, x86.SectorSize)
	buf := make([]byte, padded)
	copy(buf, image)
	return &Disk{
		image:            buf,
		sectors:          uint32(padded / x86.SectorSize),
		headsPerCylinder: diskHeads,
		sectorsPerTrack:  diskSectorsPerTrack,
		bad:              make(map[uint32]bool),
	}
}

// OpenDisk reads a disk image file.
func OpenDisk(path string) (*Disk, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(image) < x86.SectorSize {
		return nil, fmt.Errorf("disk image %s is smaller than one sector", path)
	}
	return NewDisk(image), nil
}

// Sectors is the image size in sectors.
func (d *Disk) Sectors() uint32 { return d.sectors }

// MarkBad makes every read touching lba fail, simulating a media
// error.
func (d *Disk) MarkBad(lba uint32) { d.bad[lba] = true }

// lbaFromCHS converts firmware cylinder/head/sector (sector 1-based)
// addressing to a linear sector number.
func (d *Disk) lbaFromCHS(cylinder uint16, head, sector uint8) (uint32, error) {
	if sector == 0 || sector > d.sectorsPerTrack {
		return 0, fmt.Errorf("chs sector %d out of range 1..%d", sector, d.sectorsPerTrack)
	}
	if head >= d.headsPerCylinder {
		return 0, fmt.Errorf("chs head %d out of range", head)
	}
	return (uint32(cylinder)*uint32(d.headsPerCylinder)+uint32(head))*uint32(d.sectorsPerTrack) +
		uint32(sector) - 1, nil
}

// ReadLBA copies count sectors starting at lba into p.
func (d *Disk) ReadLBA(lba uint32, count uint16, p []byte) error {
	if uint64(lba)+uint64(count) > uint64(d.sectors) {
		return fmt.Errorf("read of %d sectors at lba %d past end of %d-sector disk", count, lba, d.sectors)
	}
	for s := uint32(0); s < uint32(count); s++ {
		if d.bad[lba+s] {
			return fmt.Errorf("media error reading sector %d", lba+s)
		}
	}
	n := int(count) * x86.SectorSize
	if len(p) < n {
		return fmt.Errorf("buffer of %d bytes for %d-byte read", len(p), n)
	}
	copy(p[:n], d.image[int(lba)*x86.SectorSize:])
	return nil
}
