package boot

import (
	"fmt"

	"flywheel/hw/x86"
)

// BuildImage assembles a complete bootable disk image: sector 0, the
// stage2 blob at its start sector, and the kernel blob at its start
// sector, each padded out to the sector count the layout reserves.
// Oversized blobs are an error, never silently truncated.
func BuildImage(l Layout, target Target, version string, stage2, kernel []byte) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	stage2Max := int(l.Stage2Sectors) * x86.SectorSize
	if len(stage2) > stage2Max {
		return nil, fmt.Errorf("stage2 blob is %d bytes, layout reserves %d", len(stage2), stage2Max)
	}
	kernelMax := int(l.KernelSectors) * x86.SectorSize
	if len(kernel) > kernelMax {
		return nil, fmt.Errorf("kernel blob is %d bytes, layout reserves %d", len(kernel), kernelMax)
	}
	if regionsOverlap(l) {
		return nil, fmt.Errorf("stage2 sectors %d..%d overlap the kernel at %d",
			l.Stage2StartLBA, l.Stage2StartLBA+uint32(l.Stage2Sectors)-1, l.KernelStartLBA)
	}

	sector0, err := BuildBootSector(l, target, version)
	if err != nil {
		return nil, err
	}

	total := l.KernelStartLBA + uint32(l.KernelSectors)
	img := make([]byte, total*x86.SectorSize)
	copy(img, sector0)
	copy(img[l.Stage2StartLBA*x86.SectorSize:], stage2)
	copy(img[l.KernelStartLBA*x86.SectorSize:], kernel)
	return img, nil
}

func regionsOverlap(l Layout) bool {
	s2End := l.Stage2StartLBA + uint32(l.Stage2Sectors)
	kEnd := l.KernelStartLBA + uint32(l.KernelSectors)
	if l.Stage2StartLBA == 0 || l.KernelStartLBA == 0 {
		return true // sector 0 belongs to the boot sector
	}
	return l.Stage2StartLBA < kEnd && l.KernelStartLBA < s2End
}
