package discover

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/felixfyx/microlink/device"
	"github.com/felixfyx/microlink/frame"
	"github.com/felixfyx/microlink/handshake"
	"github.com/felixfyx/microlink/link"
	"github.com/felixfyx/microlink/serial"
)

func silentLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// scriptedPort is one PTY pair: master is driven by the test to play the
// part of a microcontroller, slave is handed to the Link under test.
type scriptedPort struct {
	name   string
	master *serial.Port
	slave  *serial.Port
}

// newFleet builds n scripted ports and an Opener/Enumerator pair wired to
// them, standing in for real enumerated serial ports.
func newFleet(t *testing.T, n int) ([]*scriptedPort, link.Opener, Enumerator) {
	t.Helper()
	ports := make([]*scriptedPort, n)
	names := make([]string, n)
	bySlaveName := make(map[string]*serial.Port)
	for i := 0; i < n; i++ {
		m, s, err := serial.OpenPTY(nil)
		require.NoError(t, err)
		m.SetReadTimeout(200 * time.Millisecond)
		s.SetReadTimeout(200 * time.Millisecond)
		name := fmt.Sprintf("scripted%d", i)
		t.Cleanup(func() { m.Close(); s.Close() })
		ports[i] = &scriptedPort{name: name, master: m, slave: s}
		names[i] = name
		bySlaveName[name] = s
	}
	opener := func(portName string, baud int) (link.Port, error) {
		p, ok := bySlaveName[portName]
		if !ok {
			return nil, fmt.Errorf("no such scripted port: %s", portName)
		}
		return p, nil
	}
	enumerate := func() ([]string, error) { return names, nil }
	return ports, opener, enumerate
}

// autoReply runs on a scripted port's master end: it waits for a phase-1
// probe and immediately answers with id, i.e. a device that always
// identifies correctly and never fails phase 4.
func autoReply(p *scriptedPort, id byte) {
	go func() {
		d := frame.NewDecoder(frame.DefaultMaxBufferSize)
		buf := make([]byte, 64)
		replied := false
		for {
			n, err := p.master.ReadTimeout(buf, 200*time.Millisecond)
			if err != nil {
				continue
			}
			var done bool
			d.FeedBytes(buf[:n], func(ev *frame.Event) {
				if ev.Frame == nil || ev.Frame.Command != handshake.Command {
					return
				}
				if !replied && len(ev.Frame.Payload) == 1 && ev.Frame.Payload[0] == 0x00 {
					replied = true
					encoded, _ := frame.Encode(handshake.Command, []byte{id}, frame.DefaultMaxBufferSize)
					p.master.Write(encoded)
					return
				}
				if replied && len(ev.Frame.Payload) == 1 && ev.Frame.Payload[0] == id {
					success, _ := frame.Encode(handshake.Command, []byte{0xAA}, frame.DefaultMaxBufferSize)
					p.master.Write(success)
					done = true
				}
			})
			if done {
				return
			}
		}
	}()
}

func newOrchestrator(reg *device.Registry, opener link.Opener, enumerate Enumerator) *Orchestrator {
	cfg := link.DefaultConfig()
	cfg.MaxReconnectAttempts = 0
	return New(Config{
		Registry:   reg,
		Enumerator: enumerate,
		Opener:     opener,
		LinkConfig: cfg,
		Tick:       50 * time.Millisecond,
		Log:        silentLogger(),
	})
}

func TestDiscoverAllBindsEveryDevice(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 2)
	autoReply(ports[0], 0x01)
	autoReply(ports[1], 0x02)

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("gpio", 0x01))
	require.NoError(t, reg.Register("led", 0x02))

	o := newOrchestrator(reg, opener, enumerate)
	connected := o.DiscoverAll(3 * time.Second)

	require.Len(t, connected, 2)
	require.Contains(t, connected, "gpio")
	require.Contains(t, connected, "led")
}

func TestDiscoverAllExitsEarlyOnceSatisfied(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 1)
	autoReply(ports[0], 0x01)

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("gpio", 0x01))

	o := newOrchestrator(reg, opener, enumerate)

	start := time.Now()
	connected := o.DiscoverAll(10 * time.Second)
	elapsed := time.Since(start)

	require.Len(t, connected, 1)
	require.Less(t, elapsed, 5*time.Second, "discovery should stop as soon as the device is bound, not run the full timeout")
}

func TestDiscoverAllTimesOutWithUnbindableDevice(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 1)
	_ = ports // master never replies: simulates a device that never answers

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("ghost", 0x09))

	o := newOrchestrator(reg, opener, enumerate)
	connected := o.DiscoverAll(300 * time.Millisecond)

	require.Empty(t, connected)

	d, err := reg.Get("ghost")
	require.NoError(t, err)
	require.Equal(t, device.NotConnected, d.Status())
}

func TestConnectOneTearsDownOtherLinks(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 2)
	autoReply(ports[0], 0x01)
	autoReply(ports[1], 0x02)

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("gpio", 0x01))
	require.NoError(t, reg.Register("led", 0x02))

	o := newOrchestrator(reg, opener, enumerate)
	d, err := o.ConnectOne("gpio", 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, device.Connected, d.Status())

	// led may or may not have finished binding by the time gpio's
	// target was reached, but either way its link must have been torn
	// down by ConnectOne's cleanup and it must not be left CONNECTED.
	led, err := reg.Get("led")
	require.NoError(t, err)
	require.NotEqual(t, device.Connected, led.Status())
}

func TestDisconnectReturnsDeviceToNotConnected(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 1)
	autoReply(ports[0], 0x01)

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("gpio", 0x01))

	o := newOrchestrator(reg, opener, enumerate)
	connected := o.DiscoverAll(3 * time.Second)
	require.Contains(t, connected, "gpio")

	require.True(t, o.Disconnect("gpio"))

	d, err := reg.Get("gpio")
	require.NoError(t, err)
	require.Equal(t, device.NotConnected, d.Status())
	require.Empty(t, d.BoundPort())
}

func TestDisconnectAllClearsEveryConnectedDevice(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 2)
	autoReply(ports[0], 0x01)
	autoReply(ports[1], 0x02)

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("gpio", 0x01))
	require.NoError(t, reg.Register("led", 0x02))

	o := newOrchestrator(reg, opener, enumerate)
	connected := o.DiscoverAll(3 * time.Second)
	require.Len(t, connected, 2)

	require.True(t, o.DisconnectAll())
	require.Empty(t, o.registry.Connected())
}

func TestConnectOneTimesOutWithErrTimeout(t *testing.T) {
	ports, opener, enumerate := newFleet(t, 1)
	_ = ports // master never replies

	reg := device.NewRegistry()
	require.NoError(t, reg.Register("ghost", 0x09))

	o := newOrchestrator(reg, opener, enumerate)
	d, err := o.ConnectOne("ghost", 300*time.Millisecond)
	require.Nil(t, d)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDisconnectUnknownDeviceReturnsFalse(t *testing.T) {
	reg := device.NewRegistry()
	o := newOrchestrator(reg, func(string, int) (link.Port, error) { return nil, fmt.Errorf("unused") }, func() ([]string, error) { return nil, nil })
	require.False(t, o.Disconnect("nope"))
}
