// Package device implements the in-memory registry of logical devices
// (spec.md §3 "Logical device", §4.3 "Device registry"): a fixed-key
// name -> device table, populated at construction. Each Device's mutable
// fields (status, bound port, bound link) are serialized by that
// device's own mutex; the registry's mutex guards only the name table,
// so transitions of different devices are not ordered with each other.
package device

import (
	"fmt"
	"sync"
)

// Status is a logical device's binding state.
type Status int

const (
	NotConnected Status = iota
	InProgress
	Connected
)

func (s Status) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case InProgress:
		return "IN_PROGRESS"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Link is the subset of a link worker's contract the registry and
// handshake controller need: enough to report status and to send a
// phase-3 echo, without creating an import cycle between device and
// link. Package link's *link.Link satisfies this.
type Link interface {
	PortName() string
	Send(cmd byte, payload []byte) error
}

// Device is one logical, named peripheral.
type Device struct {
	Name       string
	ExpectedID byte

	mu         sync.Mutex
	status     Status
	boundPort  string
	boundLink  Link
}

// Status returns the device's current binding state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// BoundPort returns the port name the device is bound to, or "" if
// unbound.
func (d *Device) BoundPort() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boundPort
}

// BoundLink returns the link the device is bound to, or nil if
// unbound.
func (d *Device) BoundLink() Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boundLink
}

// ErrAlreadyRegistered is returned by Registry.Register for a name that
// already exists.
var ErrAlreadyRegistered = fmt.Errorf("device name already registered")

// ErrDuplicateID is returned by Registry.Register when expectedID
// collides with an already-registered device. Spec.md §3 and §9 make id
// uniqueness a registry-enforced precondition.
var ErrDuplicateID = fmt.Errorf("device id already registered")

// ErrUnknownDevice is returned for operations on a name the registry
// does not recognize.
var ErrUnknownDevice = fmt.Errorf("unknown device")

// Registry is the keyed store of logical devices. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register adds a new logical device. It rejects a repeated name with
// ErrAlreadyRegistered and a repeated id with ErrDuplicateID.
func (r *Registry) Register(name string, expectedID byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[name]; ok {
		return ErrAlreadyRegistered
	}
	for _, d := range r.devices {
		if d.ExpectedID == expectedID {
			return ErrDuplicateID
		}
	}
	r.devices[name] = &Device{Name: name, ExpectedID: expectedID}
	return nil
}

// Get returns the device registered under name, or ErrUnknownDevice.
func (r *Registry) Get(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return d, nil
}

// ByExpectedID returns the device registered with the given expected
// id, or nil if no device declares it. Used by the handshake
// controller to resolve a phase-2 reply.
func (r *Registry) ByExpectedID(id byte) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ExpectedID == id {
			return d
		}
	}
	return nil
}

// All returns every registered device, in no particular order.
func (r *Registry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Connected returns the filtered view of devices currently CONNECTED.
func (r *Registry) Connected() map[string]*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Device)
	for name, d := range r.devices {
		if d.Status() == Connected {
			out[name] = d
		}
	}
	return out
}

// Reset returns the named device to NOT_CONNECTED and clears its
// binding. Discovery resets every device with ResetAll instead, and
// disconnect goes through Device.Disconnect.
func (r *Registry) Reset(name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.status = NotConnected
	d.boundPort = ""
	d.boundLink = nil
	d.mu.Unlock()
	return nil
}

// MarkDisconnected unconditionally returns the named device to
// NOT_CONNECTED and clears its binding. It satisfies link.DeviceSink so
// a *Link can report loss of connection without this package's Link
// interface needing a reference back to the concrete Device.
func (r *Registry) MarkDisconnected(name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.Disconnect()
	return nil
}

// ResetAll resets every registered device.
func (r *Registry) ResetAll() {
	for _, d := range r.All() {
		d.mu.Lock()
		d.status = NotConnected
		d.boundPort = ""
		d.boundLink = nil
		d.mu.Unlock()
	}
}

// BeginBinding transitions a device NOT_CONNECTED -> IN_PROGRESS and
// stamps its port/link binding, per spec.md §4.4 phase 2. It returns
// false without mutating anything if the device was not NOT_CONNECTED
// (the "first link to reach phase 2 wins" rule).
func (d *Device) BeginBinding(port string, link Link) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != NotConnected {
		return false
	}
	d.status = InProgress
	d.boundPort = port
	d.boundLink = link
	return true
}

// CompleteBinding transitions IN_PROGRESS -> CONNECTED (phase 4
// success). Returns false if the device was not IN_PROGRESS.
func (d *Device) CompleteBinding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != InProgress {
		return false
	}
	d.status = Connected
	return true
}

// FailBinding transitions IN_PROGRESS -> NOT_CONNECTED and clears the
// binding (phase 4 failure). Returns false if the device was not
// IN_PROGRESS.
func (d *Device) FailBinding() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != InProgress {
		return false
	}
	d.status = NotConnected
	d.boundPort = ""
	d.boundLink = nil
	return true
}

// Disconnect unconditionally returns the device to NOT_CONNECTED and
// clears its binding, regardless of prior state. Used on link error and
// explicit disconnect (spec.md §3 lifecycle).
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = NotConnected
	d.boundPort = ""
	d.boundLink = nil
}
