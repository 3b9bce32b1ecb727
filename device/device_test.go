package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct{ port string }

func (f *fakeLink) PortName() string                  { return f.port }
func (f *fakeLink) Send(cmd byte, payload []byte) error { return nil }

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	err := r.Register("led", 0x04)
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	err := r.Register("gpio", 0x03)
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestHandshakeProgression(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	d, err := r.Get("led")
	require.NoError(t, err)

	link := &fakeLink{port: "/dev/ttyUSB0"}
	assert.Equal(t, NotConnected, d.Status())

	ok := d.BeginBinding(link.PortName(), link)
	require.True(t, ok)
	assert.Equal(t, InProgress, d.Status())
	assert.Equal(t, "/dev/ttyUSB0", d.BoundPort())

	ok = d.CompleteBinding()
	require.True(t, ok)
	assert.Equal(t, Connected, d.Status())
}

func TestHandshakeFailureClearsBinding(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	d, _ := r.Get("led")

	link := &fakeLink{port: "/dev/ttyUSB0"}
	d.BeginBinding(link.PortName(), link)

	ok := d.FailBinding()
	require.True(t, ok)
	assert.Equal(t, NotConnected, d.Status())
	assert.Empty(t, d.BoundPort())
	assert.Nil(t, d.BoundLink())
}

func TestSecondBindingAttemptIsIgnored(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	d, _ := r.Get("led")

	first := &fakeLink{port: "/dev/ttyUSB0"}
	second := &fakeLink{port: "/dev/ttyUSB1"}

	require.True(t, d.BeginBinding(first.PortName(), first))
	assert.False(t, d.BeginBinding(second.PortName(), second))
	assert.Equal(t, "/dev/ttyUSB0", d.BoundPort())
}

func TestConnectedFiltersByStatus(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	require.NoError(t, r.Register("gpio", 0x01))

	led, _ := r.Get("led")
	link := &fakeLink{port: "/dev/ttyUSB0"}
	led.BeginBinding(link.PortName(), link)
	led.CompleteBinding()

	connected := r.Connected()
	require.Len(t, connected, 1)
	_, ok := connected["led"]
	assert.True(t, ok)
}

func TestByExpectedID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("led", 0x03))
	require.NoError(t, r.Register("gpio", 0x01))

	d := r.ByExpectedID(0x01)
	require.NotNil(t, d)
	assert.Equal(t, "gpio", d.Name)

	assert.Nil(t, r.ByExpectedID(0x99))
}
