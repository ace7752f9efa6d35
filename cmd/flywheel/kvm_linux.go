//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"flywheel/vm/kvm"
)

func registerPlatform() {
	subcommands.Register(&kvmCmd{}, "run")
}

type kvmCmd struct {
	config string
	kernel string
	memory uint64
}

func (*kvmCmd) Name() string     { return "kvm" }
func (*kvmCmd) Synopsis() string { return "run a kernel blob under hardware virtualization" }
func (*kvmCmd) Usage() string {
	return `kvm -config image.toml -kernel kernel.bin
  Load the kernel blob at its layout address, enter long mode, and
  run it on a real vcpu. Serial output goes to stdout.
`
}

func (c *kvmCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "image description (toml)")
	f.StringVar(&c.kernel, "kernel", "", "kernel blob")
	f.Uint64Var(&c.memory, "memory", 64<<20, "guest memory size in bytes")
}

func (c *kvmCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.config == "" || c.kernel == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	layout, target, _, err := loadConfig(c.config)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	if target.String() != "long64" {
		log.Errorf("kvm runner only supports the long64 target, config says %s", target)
		return subcommands.ExitFailure
	}
	blob, err := os.ReadFile(c.kernel)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}

	r, err := kvm.NewRunner(c.memory)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	defer r.Close()
	r.Out = os.Stdout

	if err := r.Memory().Write(uint64(layout.KernelLoadAddr), blob); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	err = r.EnterLongMode(kvm.LongModeSetup{
		GDTAddr:  uint64(layout.GDTAddr),
		PML4Addr: layout.PML4Addr,
		PDPTAddr: layout.PDPTAddr,
		PDAddr:   layout.PDAddr,
		Entry:    uint64(layout.KernelLoadAddr),
		Stack:    uint64(layout.BootStack),
	})
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	if err := r.Run(); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	regs, err := r.Regs()
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	log.WithField("rip", fmt.Sprintf("%#x", regs.RIP)).Info("guest halted")
	return subcommands.ExitSuccess
}
