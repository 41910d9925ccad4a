package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	vbustool "github.com/cansecio/vbustool"
	_ "github.com/cansecio/vbustool/pkg/can/socketcan"
	_ "github.com/cansecio/vbustool/pkg/can/virtual"
	"github.com/cansecio/vbustool/pkg/config"
	"github.com/cansecio/vbustool/pkg/isotp"
	"github.com/cansecio/vbustool/pkg/uds"
)

// This is a thin wiring example, not a polished CLI: it shows how the
// bus, config, isotp and uds packages fit together for the one
// sub-command (discover) that is most useful to run by hand. Other
// operations (service/sub-function discovery, XCP memory dump) are
// library calls meant to be driven from test code or a caller's own
// tooling, the way the teacher's cmd/sdo_client wires one example path
// through canopen.Network rather than exposing every NMT command.
func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "", "toolkit config file (ini), optional")
	ifaceName := flag.String("i", "", "bus interface name, overrides config")
	channel := flag.String("chan", "", "bus channel, overrides config")
	minID := flag.Uint("min", 0x700, "minimum arbitration id to probe")
	maxID := flag.Uint("max", 0x7FF, "maximum arbitration id to probe")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *ifaceName != "" {
		cfg.Interface = *ifaceName
	}
	if *channel != "" {
		cfg.Channel = *channel
	}

	bus, err := vbustool.NewBus(cfg.Interface, cfg.Channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening %s:%s: %v\n", cfg.Interface, cfg.Channel, err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connecting: %v\n", err)
		os.Exit(1)
	}
	defer bus.Disconnect()

	log.Infof("sweeping x%x-x%x on %s:%s for UDS-capable arbitration ids", *minID, *maxID, cfg.Interface, cfg.Channel)
	pairs := uds.Discover(bus, uds.DiscoveryOptions{
		MinID:      uint32(*minID),
		MaxID:      uint32(*maxID),
		ProbeDelay: cfg.ProbeDelay,
		Verify:     true,
	})
	if len(pairs) == 0 {
		fmt.Println("no UDS-capable arbitration ids found")
		return
	}
	for _, pair := range pairs {
		fmt.Printf("request=x%03x response=x%03x\n", pair.RequestID, pair.ResponseID)
	}

	first := pairs[0]
	socket := isotp.NewSocket(bus, first.RequestID, first.ResponseID)
	client := uds.NewClient(socket).WithResponsePendingRetries(cfg.ResponsePendingRetries).WithWaitWindow(cfg.NBsTimeout)
	stop := make(chan struct{})
	go client.KeepAlive(2*time.Second, 0, true, stop)
	defer close(stop)

	records := client.DumpDIDs(0xF180, 0xF1A0)
	for _, record := range records {
		fmt.Printf("DID x%04x: % x\n", record.DID, record.Payload)
	}
}
