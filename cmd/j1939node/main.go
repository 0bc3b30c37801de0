// Command j1939node claims an address on a J1939 bus as a single Internal
// control function and periodically broadcasts a heartbeat message on a
// configurable PGN, demonstrating the address-claim state machine end to
// end against a real SocketCAN interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/openfarmnet/j1939stack/j1939log"
	"github.com/openfarmnet/j1939stack/network"
	"github.com/openfarmnet/j1939stack/socketcan"
	"github.com/sirupsen/logrus"
)

func main() {
	iface := flag.String("iface", "can0", "SocketCAN interface name")
	preferred := flag.Uint("preferred-address", 128, "preferred source address (0-253)")
	arbitrary := flag.Bool("arbitrary-capable", true, "whether this CF may search for a free address on contention")
	heartbeatPGN := flag.Uint("heartbeat-pgn", 0xFECA, "PGN to broadcast a heartbeat on once claimed")
	heartbeatPeriod := flag.Duration("heartbeat-period", time.Second, "how often to broadcast the heartbeat")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	j1939Log := j1939log.NewLogrus(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	device := socketcan.NewDevice(socketcan.DeviceConfig{InterfaceName: *iface})
	if err := device.Open(); err != nil {
		log.Fatalf("j1939node: failed to open %s: %v", *iface, err)
	}
	defer device.Close()

	cfg := j1939.DefaultConfig()
	mgr := network.New(cfg, j1939Log)
	mgr.OnError(func(err error) {
		fmt.Printf("# manager error: %v\n", err)
	})

	name := j1939.EncodeName(j1939.NameFields{
		IdentityNumber:          1,
		ManufacturerCode:        0x7FF,
		FunctionCode:            0,
		DeviceClass:             0,
		IndustryGroup:           2, // agricultural and forestry equipment
		ArbitraryAddressCapable: *arbitrary,
	})
	mgr.RegisterInternalCF(name, uint8(*preferred), *arbitrary)

	frames := make(chan hal.Frame, 256)
	go func() {
		defer close(frames)
		for {
			f, err := device.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fmt.Printf("# read error: %v\n", err)
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// This loop is the sole caller of HandleFrame/Tick (spec §5 single-writer
	// invariant). AddressOf/Send are safe to call from here too: AddressOf
	// reads a lock-protected snapshot Tick refreshes rather than Manager's
	// tick-owned state directly, and Send's fast path below never exceeds 8
	// bytes, so it never touches tick-owned state either.
	ticker := time.NewTicker(cfg.TickPeriod)
	defer ticker.Stop()

	lastReportedClaimed := false
	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			mgr.HandleFrame(time.Now(), f)
		case now := <-ticker.C:
			for _, out := range mgr.Tick(now) {
				if ok, err := device.WriteFrame(out); err != nil {
					fmt.Printf("# write error: %v\n", err)
				} else if !ok {
					fmt.Printf("# write dropped (back-pressure)\n")
				}
			}

			addr, claimed := mgr.AddressOf(name)
			if claimed && !lastReportedClaimed {
				fmt.Printf("# claimed address %d\n", addr)
				lastReportedClaimed = true
			} else if !claimed && lastReportedClaimed {
				fmt.Printf("# lost claimed address\n")
				lastReportedClaimed = false
			}

			if claimed && now.Sub(lastHeartbeat) >= *heartbeatPeriod {
				lastHeartbeat = now
				err := mgr.Send(j1939.Message{
					Time:        now,
					PGN:         uint32(*heartbeatPGN),
					Priority:    j1939.DefaultPriority6,
					Source:      addr,
					Destination: j1939.AddressGlobal,
					Data:        []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
				})
				if err != nil {
					fmt.Printf("# heartbeat send error: %v\n", err)
				}
			}
		}
	}
}
