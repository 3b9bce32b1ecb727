// Package handshake implements the four-phase device-binding exchange
// (spec.md §4.4, C4): command id 0xFF on every link.
//
//  1. host -> device: [0x00]
//  2. device -> host: [id]
//  3. host -> device: [id] (echo)
//  4. device -> host: [0xAA] success, [0xFF] failure
//
// Phase 1 is emitted by the discovery orchestrator (package discover).
// This package is the registered handler that reacts to phases 2 and 4
// as they arrive on a link.
package handshake

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/felixfyx/microlink/device"
	"github.com/felixfyx/microlink/link"
)

// Command is the wire command id the handshake runs on.
const Command byte = 0xFF

const (
	phaseSuccess byte = 0xAA
	phaseFailure byte = 0xFF
)

// ErrProtocolViolation is reported via (*link.Link).ReportError when a
// device's response does not fit the phase it claims to be in: an
// unrecognized phase-4 value, or a phase-4 reply from a device that
// was never put InProgress (spec.md §7).
var ErrProtocolViolation = fmt.Errorf("handshake: protocol violation")

// Controller is the registered 0xFF handler. One Controller can be
// shared across every link spun up by the discovery orchestrator; it is
// stateless except for the registry reference, and the registry itself
// serializes all device mutations.
type Controller struct {
	registry *device.Registry
	log      *logrus.Entry
}

// New returns a Controller bound to registry.
func New(registry *device.Registry, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{registry: registry, log: log}
}

// Handle is a link.Handler for command 0xFF. The sole input is the
// received payload's first byte.
func (c *Controller) Handle(l *link.Link, payload []byte) {
	if len(payload) < 1 {
		c.log.WithField("port", l.PortName()).Debug("handshake: empty payload, ignoring")
		return
	}
	v := payload[0]
	log := c.log.WithField("port", l.PortName())

	if d := c.registry.ByExpectedID(v); d != nil {
		c.handlePhase2(l, d, v, log)
		return
	}

	switch v {
	case phaseSuccess:
		c.handlePhase4Success(l, log)
	case phaseFailure:
		c.handlePhase4Failure(l, log)
	default:
		log.WithField("value", v).Debug("handshake: unrecognized response, ignoring")
		l.ReportError(fmt.Errorf("unrecognized phase-4 value 0x%02x: %w", v, ErrProtocolViolation))
	}
}

func (c *Controller) handlePhase2(l *link.Link, d *device.Device, v byte, log *logrus.Entry) {
	if !d.BeginBinding(l.PortName(), l) {
		// Another link already reached phase 2 for this device; the
		// first one wins (spec.md §4.4).
		log.WithField("device", d.Name).Debug("handshake: device already binding/bound, ignoring duplicate")
		return
	}
	l.SetDevice(d.Name, c.registry)
	log.WithFields(logrus.Fields{"device": d.Name, "id": v}).Info("handshake: phase 2, identified device")

	if err := l.Send(Command, []byte{v}); err != nil {
		log.WithError(err).Warn("handshake: failed to send phase-3 echo")
	}
}

func (c *Controller) handlePhase4Success(l *link.Link, log *logrus.Entry) {
	name := l.DeviceName()
	if name == "" {
		log.Debug("handshake: success received but link is unbound")
		return
	}
	d, err := c.registry.Get(name)
	if err != nil {
		log.WithError(err).Warn("handshake: bound device vanished from registry")
		return
	}
	if d.CompleteBinding() {
		log.WithField("device", name).Info("handshake: phase 4 success, device connected")
		return
	}
	log.WithField("device", name).Debug("handshake: success received but device not in progress")
	l.ReportError(fmt.Errorf("phase-4 success for %q not InProgress: %w", name, ErrProtocolViolation))
}

func (c *Controller) handlePhase4Failure(l *link.Link, log *logrus.Entry) {
	name := l.DeviceName()
	if name == "" {
		log.Debug("handshake: failure received but link is unbound")
		return
	}
	d, err := c.registry.Get(name)
	if err != nil {
		log.WithError(err).Warn("handshake: bound device vanished from registry")
		return
	}
	if d.FailBinding() {
		log.WithField("device", name).Info("handshake: phase 4 failure, device binding reset")
		return
	}
	log.WithField("device", name).Debug("handshake: failure received but device not in progress")
	l.ReportError(fmt.Errorf("phase-4 failure for %q not InProgress: %w", name, ErrProtocolViolation))
}
