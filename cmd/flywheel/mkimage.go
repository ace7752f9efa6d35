package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"flywheel/boot"
)

type mkimageCmd struct {
	config string
	stage2 string
	kernel string
	out    string
}

func (*mkimageCmd) Name() string     { return "mkimage" }
func (*mkimageCmd) Synopsis() string { return "build a bootable disk image" }
func (*mkimageCmd) Usage() string {
	return `mkimage -config image.toml -kernel kernel.bin [-stage2 stage2.bin] -o disk.img
  Assemble sector 0, the stage2 blob and the kernel blob into one
  bootable image laid out per the config.
`
}

func (c *mkimageCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "image description (toml)")
	f.StringVar(&c.stage2, "stage2", "", "stage2 blob, zero-filled when omitted")
	f.StringVar(&c.kernel, "kernel", "", "kernel blob")
	f.StringVar(&c.out, "o", "disk.img", "output image path")
}

func (c *mkimageCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.config == "" || c.kernel == "" {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	layout, target, version, err := loadConfig(c.config)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	kernel, err := os.ReadFile(c.kernel)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	var stage2 []byte
	if c.stage2 != "" {
		if stage2, err = os.ReadFile(c.stage2); err != nil {
			log.Error(err)
			return subcommands.ExitFailure
		}
	}

	img, err := boot.BuildImage(layout, target, version, stage2, kernel)
	if err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(c.out, img, 0o644); err != nil {
		log.Error(err)
		return subcommands.ExitFailure
	}
	log.WithFields(map[string]interface{}{
		"image":   c.out,
		"bytes":   len(img),
		"version": version,
		"target":  target.String(),
	}).Info("image written")
	return subcommands.ExitSuccess
}
