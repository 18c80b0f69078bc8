package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon"
	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")
	printSummary := flag.Bool("summary", true, "Print the device counters on exit")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctrl, err := tigon.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctrl.Start()
		if err := notifyReady(); err != nil {
			if errors.Is(err, errNoNotifySocket) {
				l.WithError(err).Debug("Not sending ready signal")
			} else {
				l.WithError(err).Error("Failed to signal the systemd notification socket")
			}
		}
		ctrl.ShutdownBlock()

		if *printSummary {
			summary(os.Stdout, ctrl)
		}
	}

	os.Exit(0)
}

// summary prints the counters a device collected over its lifetime.
func summary(w io.Writer, ctrl *tigon.Control) {
	s := ctrl.Stats()
	hs := ctrl.HardwareStats()

	fmt.Fprintf(w, "rx: %s frames, %s, %s errors, %s oversize\n",
		humanize.Comma(s.RxPackets), humanize.IBytes(uint64(s.RxBytes)), humanize.Comma(s.RxErrors), humanize.Comma(s.RxOversize))
	for kind, n := range s.RxErrorKinds {
		fmt.Fprintf(w, "  %s: %s\n", kind, humanize.Comma(n))
	}
	fmt.Fprintf(w, "tx: %s frames, %s completed, %s busy, %s bounced, %s aborted\n",
		humanize.Comma(s.TxPackets), humanize.Comma(s.TxCompleted), humanize.Comma(s.TxBusy),
		humanize.Comma(s.TxBounce), humanize.Comma(s.TxAborted))
	fmt.Fprintf(w, "interrupts: %s serviced, %s tag loops, %s link changes\n",
		humanize.Comma(s.Interrupts), humanize.Comma(s.TagLoops), humanize.Comma(s.LinkChanges))
	fmt.Fprintf(w, "wire: %s in, %s out\n",
		humanize.IBytes(hs.InOctets), humanize.IBytes(hs.OutOctets))
}
