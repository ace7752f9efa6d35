package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/google/subcommands"

	"flywheel/boot"
	"flywheel/boot/handoff"
	"flywheel/hw/x86"
	"flywheel/vm"
)

type inspectCmd struct {
	image string
	run   bool
}

func (*inspectCmd) Name() string     { return "inspect" }
func (*inspectCmd) Synopsis() string { return "print what sector 0 of an image says" }
func (*inspectCmd) Usage() string {
	return `inspect -image disk.img [-run]
  Parse the boot sector and report the embedded geometry and version.
  With -run the image is also booted in the simulator and the handoff
  record and discovered memory map are printed.
`
}

func (c *inspectCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.image, "image", "", "disk image path")
	f.BoolVar(&c.run, "run", false, "boot in the simulator and dump the handoff")
}

func (c *inspectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.image == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	img, err := os.ReadFile(c.image)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	if len(img) < x86.SectorSize {
		log.Errorf("%s is smaller than one sector", c.image)
		return subcommands.ExitFailure
	}
	params, version, err := boot.ParseBootSector(img[:x86.SectorSize])
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	fmt.Printf("image:    %s (%d sectors)\n", c.image, len(img)/x86.SectorSize)
	if v, err := semver.NewVersion(version); err != nil {
		fmt.Printf("version:  %q (not a semantic version)\n", version)
	} else {
		fmt.Printf("version:  %s\n", v)
	}
	fmt.Printf("target:   %s\n", params.Target)
	fmt.Printf("stage2:   lba %d, %d sectors, load %#x\n",
		params.Stage2StartLBA, params.Stage2Sectors, params.Stage2LoadAddr)
	fmt.Printf("kernel:   lba %d, %d sectors, load %#x\n",
		params.KernelStartLBA, params.KernelSectors, params.KernelLoadAddr)

	if c.run {
		if err := c.dumpHandoff(params); err != nil {
			log.Error(err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// dumpHandoff boots the image in the simulator and prints what the
// loader left for the kernel.
func (c *inspectCmd) dumpHandoff(params boot.SectorParams) error {
	l := boot.DefaultLayout()
	l.Stage2StartLBA = params.Stage2StartLBA
	l.Stage2Sectors = params.Stage2Sectors
	l.Stage2LoadAddr = params.Stage2LoadAddr
	l.KernelStartLBA = params.KernelStartLBA
	l.KernelSectors = params.KernelSectors
	l.KernelLoadAddr = params.KernelLoadAddr

	disk, err := vm.OpenDisk(c.image)
	if err != nil {
		return err
	}
	m := vm.New(vm.Config{Disk: disk})
	p := boot.Pipeline{Layout: l, Target: params.Target}
	if _, err := p.Boot(m); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	h, err := handoff.Read(m.Memory(), uint64(l.HandoffAddr))
	if err != nil {
		return err
	}
	fmt.Printf("handoff:  drive %#02x, load %#x, flags %#x\n", h.BootDrive, h.LoadAddr, h.Flags)
	entries, err := handoff.ReadMap(m.Memory(), uint64(h.MemoryMapPtr), int(h.MemoryMapCount))
	if err != nil {
		return err
	}
	for i, e := range entries {
		kind := "reserved"
		if e.Usable() {
			kind = "usable"
		}
		fmt.Printf("map[%d]:   %#012x +%#x %s\n", i, e.Base, e.Length, kind)
	}
	return nil
}
