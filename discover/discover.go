// Package discover implements the bind orchestrator (spec.md §4.5, C5):
// it enumerates ports, spins up a link per port, periodically re-issues
// phase-1 probes until every device is bound or a timeout elapses, then
// tears down every link that did not end up CONNECTED.
package discover

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/felixfyx/microlink/device"
	"github.com/felixfyx/microlink/handshake"
	"github.com/felixfyx/microlink/link"
)

// ErrTimeout is returned by ConnectOne when the named device does not
// reach CONNECTED before the deadline.
var ErrTimeout = fmt.Errorf("discover: timed out waiting for device")

// Enumerator is the injected port-enumeration capability (spec.md §6);
// it is explicitly out of this package's core and left to the caller.
type Enumerator func() ([]string, error)

// DefaultTick is the interval between phase-1 probe rounds (spec.md §6
// discovery_tick default).
const DefaultTick = 1 * time.Second

// Orchestrator drives discovery and connection for a fixed device
// registry.
type Orchestrator struct {
	registry   *device.Registry
	enumerate  Enumerator
	opener     link.Opener
	linkCfg    link.Config
	tick       time.Duration
	log        *logrus.Entry
}

// Config bundles the pieces needed to construct an Orchestrator.
type Config struct {
	Registry   *device.Registry
	Enumerator Enumerator
	Opener     link.Opener
	LinkConfig link.Config
	Tick       time.Duration
	Log        *logrus.Entry
}

// New constructs an Orchestrator from cfg, filling in DefaultTick and a
// standard logger if unset.
func New(cfg Config) *Orchestrator {
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		registry:  cfg.Registry,
		enumerate: cfg.Enumerator,
		opener:    cfg.Opener,
		linkCfg:   cfg.LinkConfig,
		tick:      tick,
		log:       log,
	}
}

// DiscoverAll resets every registered device, probes every enumerated
// port until all devices are CONNECTED or timeout elapses, then tears
// down every link that is not the bound_link of a CONNECTED device.
// Returns the filtered set of CONNECTED devices.
func (o *Orchestrator) DiscoverAll(timeout time.Duration) map[string]*device.Device {
	done := func() bool { return len(o.registry.Connected()) == len(o.registry.All()) }
	keep := func(name string) bool {
		d, err := o.registry.Get(name)
		return err == nil && d.Status() == device.Connected
	}
	return o.run(timeout, done, keep)
}

// ConnectOne behaves like DiscoverAll, but the probe loop exits as soon
// as the named device reaches CONNECTED, and cleanup tears down every
// link except that device's — even one that incidentally reached
// CONNECTED for some other device during this call.
func (o *Orchestrator) ConnectOne(name string, timeout time.Duration) (*device.Device, error) {
	d, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}
	done := func() bool { return d.Status() == device.Connected }
	keep := func(n string) bool { return n == name && d.Status() == device.Connected }
	o.run(timeout, done, keep)
	if d.Status() == device.Connected {
		return d, nil
	}
	return nil, fmt.Errorf("device %q: %w", name, ErrTimeout)
}

// run is the shared probe-and-teardown loop behind DiscoverAll and
// ConnectOne. done reports whether the loop's exit condition has been
// reached; keep reports whether the link currently bound to the named
// device should survive cleanup.
func (o *Orchestrator) run(timeout time.Duration, done func() bool, keep func(name string) bool) map[string]*device.Device {
	o.registry.ResetAll()
	controller := handshake.New(o.registry, o.log)

	ports, err := o.enumerate()
	if err != nil {
		o.log.WithError(err).Warn("port enumeration failed")
	}
	o.log.WithField("count", len(ports)).Info("enumerated ports")

	links := make([]*link.Link, 0, len(ports))
	for _, port := range ports {
		l := link.Open(port, o.linkCfg, o.opener, o.log)
		l.RegisterCommand(handshake.Command, controller.Handle)
		links = append(links, l)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if done() {
			o.log.Info("discovery satisfied before timeout")
			break
		}
		for _, l := range links {
			name := l.DeviceName()
			if name != "" {
				if d, err := o.registry.Get(name); err == nil && d.Status() == device.Connected {
					continue
				}
			}
			l.Send(handshake.Command, []byte{0x00})
		}
		time.Sleep(o.tick)
	}

	// Tear down every link that is not the bound_link of a CONNECTED
	// device, only after the loop exits (spec.md §9: the mid-iteration
	// removal in the source is a latent bug this resolves).
	var wg sync.WaitGroup
	for _, l := range links {
		l := l
		survives := false
		if name := l.DeviceName(); name != "" {
			survives = keep(name)
		}
		if survives {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Stop(5 * time.Second)
		}()
	}
	wg.Wait()

	return o.registry.Connected()
}

// Disconnect stops the bound link (if any) for name and returns the
// device to NOT_CONNECTED.
func (o *Orchestrator) Disconnect(name string) bool {
	d, err := o.registry.Get(name)
	if err != nil {
		return false
	}
	if d.Status() != device.Connected {
		return false
	}
	stopped := true
	if l, ok := d.BoundLink().(*link.Link); ok && l != nil {
		stopped = l.Stop(5 * time.Second)
	}
	d.Disconnect()
	return stopped
}

// DisconnectAll disconnects every CONNECTED device. It returns true iff
// every individual disconnect succeeded.
func (o *Orchestrator) DisconnectAll() bool {
	ok := true
	for name := range o.registry.Connected() {
		if !o.Disconnect(name) {
			ok = false
		}
	}
	return ok
}
