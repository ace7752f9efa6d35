// Command flywheel builds, inspects and runs bootable disk images.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mkimageCmd{}, "image")
	subcommands.Register(&inspectCmd{}, "image")
	subcommands.Register(&bootCmd{}, "run")
	registerPlatform()

	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	os.Exit(int(subcommands.Execute(context.Background())))
}
