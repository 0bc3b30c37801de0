// Command j1939dump sniffs a J1939 bus through any hal.Device plug-in
// (SocketCAN or an Actisense NGT-1/W2K-1 adapter) and prints every
// classified Message as it is dispatched by the Network Manager.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	j1939 "github.com/openfarmnet/j1939stack"
	"github.com/openfarmnet/j1939stack/actisense"
	"github.com/openfarmnet/j1939stack/hal"
	"github.com/openfarmnet/j1939stack/j1939log"
	"github.com/openfarmnet/j1939stack/network"
	"github.com/openfarmnet/j1939stack/socketcan"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

func main() {
	deviceType := flag.String("device-type", "socketcan", "device type: socketcan, actisense")
	deviceAddr := flag.String("device", "can0", "SocketCAN interface name, or Actisense serial port path")
	baudRate := flag.Int("baud", 115200, "Actisense device baud rate")
	pgnFilter := flag.String("pgns", "", "comma separated list of PGNs to print; empty prints everything")
	sourceFilter := flag.String("sources", "", "comma separated list of source addresses to print; empty prints everyone")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	j1939Log := j1939log.NewLogrus(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	device, err := buildDevice(*deviceType, *deviceAddr, *baudRate)
	if err != nil {
		log.Fatalf("j1939dump: %v", err)
	}
	if err := device.Open(); err != nil {
		log.Fatalf("j1939dump: failed to open device: %v", err)
	}
	defer device.Close()

	pgns, err := parseUint32List(*pgnFilter)
	if err != nil {
		log.Fatalf("j1939dump: invalid -pgns: %v", err)
	}
	sources, err := parseUint8List(*sourceFilter)
	if err != nil {
		log.Fatalf("j1939dump: invalid -sources: %v", err)
	}

	mgr := network.New(j1939.DefaultConfig(), j1939Log)
	mgr.OnMessage(func(msg j1939.Message) {
		if len(pgns) > 0 && !containsU32(pgns, msg.PGN) {
			return
		}
		if len(sources) > 0 && !containsU8(sources, msg.Source) {
			return
		}
		b, err := json.Marshal(msg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "# marshal error: %v\n", err)
			return
		}
		fmt.Printf("%s\n", b)
	})
	mgr.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "# manager error: %v\n", err)
	})

	frames := make(chan hal.Frame, 256)
	go func() {
		defer close(frames)
		for {
			f, err := device.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fmt.Fprintf(os.Stderr, "# read error: %v\n", err)
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	tickPeriod := j1939.DefaultConfig().TickPeriod
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

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
					fmt.Fprintf(os.Stderr, "# write error: %v\n", err)
				} else if !ok {
					fmt.Fprintf(os.Stderr, "# write dropped (back-pressure)\n")
				}
			}
		}
	}
}

func buildDevice(deviceType, addr string, baud int) (hal.Device, error) {
	switch deviceType {
	case "socketcan":
		return socketcan.NewDevice(socketcan.DeviceConfig{InterfaceName: addr}), nil
	case "actisense":
		conn, err := serial.OpenPort(&serial.Config{
			Name:        addr,
			Baud:        baud,
			ReadTimeout: 100 * time.Millisecond,
			Size:        8,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		return actisense.NewDevice(conn), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", deviceType)
	}
}

func parseUint32List(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func parseUint8List(s string) ([]uint8, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint8
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return nil, err
		}
		out = append(out, uint8(n))
	}
	return out, nil
}

func containsU32(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsU8(list []uint8, v uint8) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
