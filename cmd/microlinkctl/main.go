// Command microlinkctl is the composition root wiring the enumerate,
// device, link, serial, and discover packages (discover installs the
// handshake controller on each link) into a running discovery session.
// It sends no GPIO/LED/turret commands. The terminal menu and the higher-level
// command catalog's interactive shape are explicitly out of scope
// (spec.md §1); this binary only proves the wiring by discovering the
// configured devices, logging their status, and disconnecting cleanly
// on signal.
package main

import (
	"context"
	"flag"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixfyx/microlink/device"
	"github.com/felixfyx/microlink/discover"
	"github.com/felixfyx/microlink/enumerate"
	"github.com/felixfyx/microlink/link"
	"github.com/felixfyx/microlink/serial"
)

func main() {
	var (
		baud           = flag.Int("baud", 115200, "serial baud rate")
		maxBufferSize  = flag.Int("max-buffer-size", 64, "MAX_BUFFER_SIZE, in [64,255]")
		maxReconnects  = flag.Int("max-reconnect-attempts", 5, "reopen attempts before a link goes dormant")
		reconnectDelay = flag.Duration("reconnect-delay", 2*time.Second, "backoff initial interval between reopen attempts")
		discoveryTick  = flag.Duration("discovery-tick", 1*time.Second, "interval between phase-1 probe rounds")
		timeout        = flag.Duration("timeout", 15*time.Second, "overall discovery timeout")
		devices        = flag.String("devices", "", "comma-separated name:expected_id pairs, id in hex or decimal, e.g. gpio:0x01,led:0x02")
		debug          = flag.Bool("debug", false, "enable per-link trace logging")
	)
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	registry := device.NewRegistry()
	if err := registerDevices(registry, *devices); err != nil {
		entry.WithError(err).Fatal("invalid -devices")
	}

	linkCfg := link.Config{
		Baud:                 *baud,
		MaxBufferSize:        *maxBufferSize,
		MaxReconnectAttempts: *maxReconnects,
		ReconnectDelay:       *reconnectDelay,
		ReadTimeout:          1 * time.Second,
		Debug:                *debug,
	}

	orchestrator := discover.New(discover.Config{
		Registry:   registry,
		Enumerator: enumerate.List,
		Opener:     openSerialPort,
		LinkConfig: linkCfg,
		Tick:       *discoveryTick,
		Log:        entry,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connected := make(chan map[string]*device.Device, 1)
	go func() {
		connected <- orchestrator.DiscoverAll(*timeout)
	}()

	select {
	case result := <-connected:
		for name, d := range result {
			entry.WithFields(logrus.Fields{"device": name, "port": d.BoundPort()}).Info("device connected")
		}
		if len(result) < len(registry.All()) {
			entry.Warn("discovery finished without binding every configured device")
		}
	case <-ctx.Done():
		entry.Info("interrupted during discovery")
	}

	<-ctx.Done()
	entry.Info("shutting down, disconnecting all devices")
	orchestrator.DisconnectAll()
}

// openSerialPort adapts serial.Open to link.Opener, applying baud via
// termios after the port is open.
func openSerialPort(portName string, baud int) (link.Port, error) {
	opts := serial.NewOptions().SetReadTimeout(1 * time.Second)
	port, err := serial.Open(portName, opts)
	if err != nil {
		return nil, err
	}
	if err := port.SetBaud(baud); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// registerDevices parses "-devices" into the registry. Format:
// comma-separated name:id entries, id accepted as decimal or 0x-hex.
func registerDevices(registry *device.Registry, spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			return errInvalidDeviceSpec(entry)
		}
		name := strings.TrimSpace(parts[0])
		id, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 8)
		if err != nil {
			return errInvalidDeviceSpec(entry)
		}
		if err := registry.Register(name, byte(id)); err != nil {
			return err
		}
	}
	return nil
}

func errInvalidDeviceSpec(entry string) error {
	return &deviceSpecError{entry: entry}
}

type deviceSpecError struct{ entry string }

func (e *deviceSpecError) Error() string {
	return "malformed device spec (want name:id): " + e.entry
}
