// brokerctl inspects and exercises the process-wide device broker.
//
// Usage:
//
//	brokerctl [flags] info|stress|snapshot
//
// The runtime is selected with the environment variables DEVICEBROKER_RUNTIME ("cuda" or "sim")
// and DEVICEBROKER_SIM_DEVICES, see package broker.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/devicebroker/broker"
	"github.com/gomlx/devicebroker/cudart"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOwners = flag.Int("owners", 8, "Number of concurrent owners for the stress and snapshot commands.")
	flagRounds = flag.Int("rounds", 100, "Number of acquire/synchronize/release rounds per owner in the stress command.")
	flagQuiet  = flag.Bool("quiet", false, "Don't display a spinner while the stress command runs.")
	flagJSON   = flag.Bool("json", false, "Print the snapshot as JSON instead of text proto.")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	keyStyle   = lipgloss.NewStyle().Faint(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] info|stress|snapshot\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	b := must.M1(broker.Default())
	defer func() {
		if err := broker.ShutdownDefault(); err != nil {
			klog.Errorf("Shutdown of the device broker failed: %+v", err)
		}
	}()

	var err error
	switch command := flag.Arg(0); command {
	case "info":
		err = info(b)
	case "stress":
		err = stress(b, *flagOwners, *flagRounds, *flagQuiet)
	case "snapshot":
		err = snapshot(b, *flagOwners, *flagJSON)
	default:
		err = errors.Errorf("unknown command %q, valid commands are info, stress or snapshot", command)
	}
	if err != nil {
		klog.Errorf("brokerctl: %+v", err)
		_ = broker.ShutdownDefault()
		os.Exit(1)
	}
}

func printField(key string, value any) {
	fmt.Printf("  %s %v\n", keyStyle.Render(fmt.Sprintf("%-14s", key+":")), value)
}

func info(b *broker.Broker) error {
	numDevices, err := b.DeviceCount()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Device broker"))
	printField("id", b.ID())
	printField("runtime", b.Runtime().Name())
	printField("devices", numDevices)
	if rt, ok := b.Runtime().(*cudart.Runtime); ok {
		major, minor := rt.Version()
		printField("cudart", rt.Path())
		printField("cuda version", fmt.Sprintf("%d.%d", major, minor))
	} else if path, found := cudart.FindLibrary(); found {
		printField("cudart", path+" (not in use)")
	}
	return nil
}
