package boot

import (
	"fmt"

	"flywheel/hw/x86"
)

// Boot sector layout. The first three bytes are the conventional
// short jump over the BIOS parameter block; firmware and some
// filesystems scribble in the 87 bytes that follow, so nothing load
// bearing lives there except the OEM label and the image version
// string. The parameter record starts after the gap, the drive byte
// sits just under the signature.
const (
	sectorJumpSize   = 3
	sectorBPBGap     = 87
	sectorParamsOff  = sectorJumpSize + sectorBPBGap
	sectorOEMOff     = 3
	sectorVersionOff = 11
	sectorVersionLen = 16
	sectorDriveOff   = 509
	sectorMagic      = "FWB1"
)

var sectorOEM = [8]byte{'F', 'L', 'Y', 'W', 'H', 'E', 'E', 'L'}

// SectorParams is the record the image builder embeds in sector 0 so
// inspection tools can recover the geometry without the layout file.
type SectorParams struct {
	Stage2StartLBA uint32
	Stage2Sectors  uint8
	Stage2LoadAddr uint32
	KernelStartLBA uint32
	KernelSectors  uint16
	KernelLoadAddr uint32
	Target         Target
}

// BuildBootSector produces the 512-byte sector 0 for the given layout
// and target. version is the image format version written into the
// parameter-block gap.
func BuildBootSector(l Layout, target Target, version string) ([]byte, error) {
	if len(version) > sectorVersionLen {
		return nil, fmt.Errorf("version string %q longer than %d bytes", version, sectorVersionLen)
	}
	s := make([]byte, x86.SectorSize)

	// jmp short over the parameter block, then nop.
	s[0] = 0xEB
	s[1] = sectorJumpSize + sectorBPBGap - 2
	s[2] = 0x90
	copy(s[sectorOEMOff:], sectorOEM[:])
	copy(s[sectorVersionOff:], version)

	p := s[sectorParamsOff:]
	copy(p, sectorMagic)
	put32(p[4:], l.Stage2StartLBA)
	p[8] = l.Stage2Sectors
	put32(p[9:], l.Stage2LoadAddr)
	put32(p[13:], l.KernelStartLBA)
	p[17] = byte(l.KernelSectors)
	p[18] = byte(l.KernelSectors >> 8)
	put32(p[19:], l.KernelLoadAddr)
	p[23] = byte(target)

	s[x86.SectorSize-2] = byte(x86.BootSignature & 0xFF)
	s[x86.SectorSize-1] = byte(x86.BootSignature >> 8)
	return s, nil
}

// ParseBootSector validates the signature and magic of a sector-0
// image and recovers the embedded parameters and version string.
func ParseBootSector(s []byte) (SectorParams, string, error) {
	if len(s) != x86.SectorSize {
		return SectorParams{}, "", fmt.Errorf("boot sector is %d bytes, want %d", len(s), x86.SectorSize)
	}
	sig := uint16(s[x86.SectorSize-2]) | uint16(s[x86.SectorSize-1])<<8
	if sig != x86.BootSignature {
		return SectorParams{}, "", fmt.Errorf("boot signature %#04x, want %#04x", sig, x86.BootSignature)
	}
	p := s[sectorParamsOff:]
	if string(p[:4]) != sectorMagic {
		return SectorParams{}, "", fmt.Errorf("parameter record magic %q, want %q", p[:4], sectorMagic)
	}
	params := SectorParams{
		Stage2StartLBA: get32(p[4:]),
		Stage2Sectors:  p[8],
		Stage2LoadAddr: get32(p[9:]),
		KernelStartLBA: get32(p[13:]),
		KernelSectors:  uint16(p[17]) | uint16(p[18])<<8,
		KernelLoadAddr: get32(p[19:]),
		Target:         Target(p[23]),
	}
	version := s[sectorVersionOff : sectorVersionOff+sectorVersionLen]
	n := 0
	for n < len(version) && version[n] != 0 {
		n++
	}
	return params, string(version[:n]), nil
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func get32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
