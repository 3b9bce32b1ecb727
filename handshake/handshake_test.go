package handshake

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixfyx/microlink/device"
	"github.com/felixfyx/microlink/frame"
	"github.com/felixfyx/microlink/link"
	"github.com/felixfyx/microlink/serial"
)

func silentLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newBoundLink(t *testing.T, controller *Controller) (master *serial.Port, l *link.Link) {
	t.Helper()
	m, s, err := serial.OpenPTY(nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(); s.Close() })
	m.SetReadTimeout(200 * time.Millisecond)
	s.SetReadTimeout(200 * time.Millisecond)

	cfg := link.DefaultConfig()
	cfg.MaxReconnectAttempts = 0
	lk := link.Open("scripted-port", cfg, func(string, int) (link.Port, error) { return s, nil }, silentLogger())
	lk.RegisterCommand(Command, controller.Handle)
	t.Cleanup(func() { lk.Stop(2 * time.Second) })
	return m, lk
}

func readFrame(t *testing.T, master *serial.Port) *frame.Frame {
	t.Helper()
	buf := make([]byte, 64)
	var got *frame.Frame
	d := frame.NewDecoder(frame.DefaultMaxBufferSize)
	deadline := time.Now().Add(3 * time.Second)
	for got == nil && time.Now().Before(deadline) {
		n, err := master.ReadTimeout(buf, 500*time.Millisecond)
		if err != nil {
			continue
		}
		d.FeedBytes(buf[:n], func(ev *frame.Event) {
			if ev.Frame != nil {
				got = ev.Frame
			}
		})
	}
	require.NotNil(t, got, "expected a frame from the link")
	return got
}

func TestPhase2Bind(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, reg.Register("led", 0x03))
	c := New(reg, silentLogger())

	master, l := newBoundLink(t, c)

	encoded, _ := frame.Encode(Command, []byte{0x03}, frame.DefaultMaxBufferSize)
	_, err := master.Write(encoded)
	require.NoError(t, err)

	echo := readFrame(t, master)
	assert.Equal(t, Command, echo.Command)
	assert.Equal(t, []byte{0x03}, echo.Payload)

	d, err := reg.Get("led")
	require.NoError(t, err)
	assert.Equal(t, device.InProgress, d.Status())
	assert.Equal(t, "led", l.DeviceName())
}

func TestPhase4Success(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, reg.Register("led", 0x03))
	c := New(reg, silentLogger())

	master, _ := newBoundLink(t, c)

	bind, _ := frame.Encode(Command, []byte{0x03}, frame.DefaultMaxBufferSize)
	master.Write(bind)
	readFrame(t, master) // consume phase-3 echo

	led, _ := reg.Get("led")
	require.Eventually(t, func() bool { return led.Status() == device.InProgress }, time.Second, 10*time.Millisecond)

	success, _ := frame.Encode(Command, []byte{0xAA}, frame.DefaultMaxBufferSize)
	master.Write(success)

	require.Eventually(t, func() bool { return led.Status() == device.Connected }, time.Second, 10*time.Millisecond)
}

func TestPhase4FailureResetsBinding(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, reg.Register("led", 0x03))
	c := New(reg, silentLogger())

	master, _ := newBoundLink(t, c)

	bind, _ := frame.Encode(Command, []byte{0x03}, frame.DefaultMaxBufferSize)
	master.Write(bind)
	readFrame(t, master)

	led, _ := reg.Get("led")
	require.Eventually(t, func() bool { return led.Status() == device.InProgress }, time.Second, 10*time.Millisecond)

	failure, _ := frame.Encode(Command, []byte{0xFF}, frame.DefaultMaxBufferSize)
	master.Write(failure)

	require.Eventually(t, func() bool { return led.Status() == device.NotConnected }, time.Second, 10*time.Millisecond)
	assert.Empty(t, led.BoundPort())
}

func TestUnrecognizedPhase4ValueReportsProtocolViolation(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, reg.Register("led", 0x03))
	c := New(reg, silentLogger())

	master, l := newBoundLink(t, c)

	var mu sync.Mutex
	var gotErr error
	reported := make(chan struct{})
	l.SetErrorHandler(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(reported)
	})

	bind, _ := frame.Encode(Command, []byte{0x03}, frame.DefaultMaxBufferSize)
	master.Write(bind)
	readFrame(t, master)

	led, _ := reg.Get("led")
	require.Eventually(t, func() bool { return led.Status() == device.InProgress }, time.Second, 10*time.Millisecond)

	garbage, _ := frame.Encode(Command, []byte{0x55}, frame.DefaultMaxBufferSize)
	master.Write(garbage)

	select {
	case <-reported:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error report")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, gotErr, ErrProtocolViolation)
}

func TestSecondLinkClaimingSameIDIsIgnored(t *testing.T) {
	reg := device.NewRegistry()
	require.NoError(t, reg.Register("led", 0x03))
	c := New(reg, silentLogger())

	master1, _ := newBoundLink(t, c)
	master2, l2 := newBoundLink(t, c)

	bind, _ := frame.Encode(Command, []byte{0x03}, frame.DefaultMaxBufferSize)
	master1.Write(bind)
	readFrame(t, master1)

	led, _ := reg.Get("led")
	require.Eventually(t, func() bool { return led.Status() == device.InProgress }, time.Second, 10*time.Millisecond)

	// A stray duplicate from the second link must not steal the binding.
	master2.Write(bind)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "", l2.DeviceName())
	assert.Equal(t, device.InProgress, led.Status())
}
