package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/kardianos/service"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func main() {
	if Build == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			Build = strings.TrimPrefix(info.Main.Version, "v")
		}
	}

	serviceFlag := flag.String("service", "run",
		fmt.Sprintf("Control the system service, one of run, %s", strings.Join(service.ControlAction[:], ", ")))
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from, defaults to config.yaml next to the binary")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if err := doService(*configPath, *configTest, Build, *serviceFlag); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
