package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"flywheel/boot"
)

// imageConfig is the TOML description of a bootable image. Layout
// values left out fall back to the stock layout.
type imageConfig struct {
	Version string       `toml:"version"`
	Target  string       `toml:"target"`
	Layout  layoutConfig `toml:"layout"`
}

type layoutConfig struct {
	BootStack      uint32 `toml:"boot-stack"`
	Stage2LoadAddr uint32 `toml:"stage2-load-addr"`
	Stage2StartLBA uint32 `toml:"stage2-start-lba"`
	Stage2Sectors  uint8  `toml:"stage2-sectors"`
	KernelLoadAddr uint32 `toml:"kernel-load-addr"`
	KernelStartLBA uint32 `toml:"kernel-start-lba"`
	KernelSectors  uint16 `toml:"kernel-sectors"`
	HeapStart      uint64 `toml:"heap-start"`
	HeapSize       uint64 `toml:"heap-size"`
}

// loadConfig reads and validates an image description. The version
// must be a well-formed semantic version; it travels in sector 0 and
// inspect reports it back.
func loadConfig(path string) (boot.Layout, boot.Target, string, error) {
	var cfg imageConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return boot.Layout{}, 0, "", fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if _, err := semver.NewVersion(cfg.Version); err != nil {
		return boot.Layout{}, 0, "", fmt.Errorf("version %q: %w", cfg.Version, err)
	}

	var target boot.Target
	switch cfg.Target {
	case "", "long64":
		target = boot.Long64
	case "protected32":
		target = boot.Protected32
	default:
		return boot.Layout{}, 0, "", fmt.Errorf("target %q: want long64 or protected32", cfg.Target)
	}

	l := boot.DefaultLayout()
	applyLayout(&l, cfg.Layout)
	if target == boot.Protected32 && cfg.Layout.HeapStart == 0 {
		// Without paging the stock virtual heap address is
		// unreachable; drop it into physical memory.
		l.HeapStart = 0x20_0000
	}
	if err := l.Validate(); err != nil {
		return boot.Layout{}, 0, "", fmt.Errorf("layout in %s: %w", path, err)
	}
	return l, target, cfg.Version, nil
}

func applyLayout(l *boot.Layout, c layoutConfig) {
	if c.BootStack != 0 {
		l.BootStack = c.BootStack
	}
	if c.Stage2LoadAddr != 0 {
		l.Stage2LoadAddr = c.Stage2LoadAddr
	}
	if c.Stage2StartLBA != 0 {
		l.Stage2StartLBA = c.Stage2StartLBA
	}
	if c.Stage2Sectors != 0 {
		l.Stage2Sectors = c.Stage2Sectors
	}
	if c.KernelLoadAddr != 0 {
		l.KernelLoadAddr = c.KernelLoadAddr
	}
	if c.KernelStartLBA != 0 {
		l.KernelStartLBA = c.KernelStartLBA
	}
	if c.KernelSectors != 0 {
		l.KernelSectors = c.KernelSectors
	}
	if c.HeapStart != 0 {
		l.HeapStart = c.HeapStart
	}
	if c.HeapSize != 0 {
		l.HeapSize = c.HeapSize
	}
}
