package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/google/subcommands"
	"github.com/mattn/go-tty"

	"flywheel/boot"
	"flywheel/hw/x86"
	"flywheel/kern"
	"flywheel/lib/murmur"
	"flywheel/vm"
)

type bootCmd struct {
	config      string
	image       string
	watch       bool
	interactive bool
	memory      uint64
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot an image in the simulator" }
func (*bootCmd) Usage() string {
	return `boot -config image.toml -image disk.img [-watch] [-interactive]
  Run the image through the full boot chain and kernel bring-up.
  With -watch the image is re-booted every time it changes on disk;
  with -interactive keystrokes are fed to the guest until q is
  pressed.
`
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "image description (toml)")
	f.StringVar(&c.image, "image", "", "disk image path")
	f.BoolVar(&c.watch, "watch", false, "re-boot whenever the image changes")
	f.BoolVar(&c.interactive, "interactive", false, "feed keystrokes to the guest")
	f.Uint64Var(&c.memory, "memory", 64<<20, "guest memory size in bytes")
}

func (c *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.config == "" || c.image == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	if c.watch {
		return c.watchLoop()
	}
	if err := c.runOnce(); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// watchLoop re-runs the boot every time the image file is rewritten.
func (c *bootCmd) watchLoop() subcommands.ExitStatus {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	defer w.Close()
	if err := w.Add(c.image); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	if err := c.runOnce(); err != nil {
		log.Error(err)
	}
	log.WithField("image", c.image).Info("watching for changes")
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return subcommands.ExitSuccess
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.WithField("event", ev.Op.String()).Info("image changed, re-booting")
			if err := c.runOnce(); err != nil {
				log.Error(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return subcommands.ExitSuccess
			}
			log.Error(err)
		}
	}
}

// runOnce boots the image, brings the kernel up, and (interactively
// or not) drives the monitor a few scans before reporting metrics.
func (c *bootCmd) runOnce() error {
	layout, target, _, err := loadConfig(c.config)
	if err != nil {
		return err
	}
	disk, err := vm.OpenDisk(c.image)
	if err != nil {
		return err
	}
	m := vm.New(vm.Config{
		MemorySize: c.memory,
		Disk:       disk,
		Output:     os.Stdout,
	})

	p := boot.Pipeline{
		Layout: layout,
		Target: target,
		Log:    boot.ConsoleLogger(m.Firmware(), murmur.InfoMask|murmur.WarnMask|murmur.ErrorMask),
	}
	entry, err := p.Boot(m)
	if err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}
	log.WithField("entry", fmt.Sprintf("%#x", entry)).Info("kernel entered")

	kernelEnd := uint64(layout.KernelLoadAddr) + uint64(layout.KernelSectors)*x86.SectorSize
	klog := boot.ConsoleLogger(m.Firmware(), murmur.InfoMask|murmur.WarnMask|murmur.ErrorMask)

	var k *kern.Kernel
	checks := []kern.Check{
		{Anomaly: kern.MemoryCorruption, Fn: func() bool { return k != nil && heapCanaryBroken(k) }},
		{Anomaly: kern.TimestampMismatch, Fn: func() bool {
			if k == nil {
				return false
			}
			ticks, _ := m.Counters()
			return ticks < k.State.BootTime
		}},
	}
	k, err = kern.Bringup(m, kern.Config{
		HandoffAddr: uint64(layout.HandoffAddr),
		FrameFloor:  kernelEnd,
		PageRoot:    layout.PML4Addr,
		GDTAddr:     layout.GDTAddr,
		HeapStart:   layout.HeapStart,
		HeapSize:    layout.HeapSize,
		PoolCells:   8,
		Now:         func() uint64 { t, _ := m.Counters(); return t },
	}, klog, checks)
	if err != nil {
		m.CPU().Halt()
		return fmt.Errorf("bring-up failed: %w", err)
	}
	if err := plantHeapCanary(k); err != nil {
		return err
	}

	if c.interactive {
		if err := c.interact(m, k); err != nil {
			return err
		}
	} else {
		for i := 0; i < 16; i++ {
			m.Tick()
			k.Stats.TimerTick()
			k.Monitor.Scan()
		}
	}

	metrics := k.Stats.Snapshot()
	log.WithFields(map[string]interface{}{
		"ticks":   metrics.TimerTicks,
		"keys":    metrics.KeyPresses,
		"health":  k.Monitor.Health().String(),
		"anomaly": k.State.AnomalyCount,
	}).Info("run complete")
	return nil
}

// interact feeds terminal keystrokes into the guest until q.
func (c *bootCmd) interact(m *vm.Machine, k *kern.Kernel) error {
	t, err := tty.Open()
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	defer t.Close()

	fmt.Println("interactive: keys go to the guest, q quits")
	for {
		r, err := t.ReadRune()
		if err != nil {
			return err
		}
		if r == 'q' {
			return nil
		}
		m.InjectKey(uint8(r & 0x7F))
		m.Tick()
		k.Stats.KeyPress()
		k.Stats.TimerTick()
		k.Monitor.Scan()
		if m.RawCPU().Halted() {
			fmt.Println("guest halted")
			return nil
		}
	}
}

// canary guards the first heap block; the corruption check fires if
// anything rewrites it.
var canary = []byte{0xFE, 0xED, 0xFA, 0xCE, 0xFE, 0xED, 0xFA, 0xCE}

var canaryAddr uint64

func plantHeapCanary(k *kern.Kernel) error {
	addr, err := k.Heap.Alloc(uint64(len(canary)), 8)
	if err != nil {
		return fmt.Errorf("canary alloc: %w", err)
	}
	k.Stats.HeapAlloc()
	canaryAddr = addr
	return k.View.Write(addr, canary)
}

func heapCanaryBroken(k *kern.Kernel) bool {
	if canaryAddr == 0 {
		return false
	}
	got := make([]byte, len(canary))
	if err := k.View.Read(canaryAddr, got); err != nil {
		return true
	}
	for i := range got {
		if got[i] != canary[i] {
			return true
		}
	}
	return false
}
