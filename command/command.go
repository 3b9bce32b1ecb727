// Package command provides thin, validated wrappers over the
// well-known application command ids (spec.md §6, SPEC_FULL.md §4.6):
// GPIO, LED, and turret. The frame codec itself stays unaware of these
// application-level ranges; this package is where they are enforced
// before a frame ever reaches link.Send.
package command

import "fmt"

// Well-known command ids (spec.md §6).
const (
	GPIOCommand   byte = 0x01
	LEDCommand    byte = 0x02
	TurretCommand byte = 0x03
)

// ErrInvalidArgument is returned when a caller-supplied value falls
// outside the range named in spec.md §6.
var ErrInvalidArgument = fmt.Errorf("command: argument out of range")

// Sender is the capability these wrappers need from a link: the
// narrow send surface, not the whole link.Link type.
type Sender interface {
	Send(cmd byte, payload []byte) error
}

// GPIO sets a digital pin's state. state must be 0 or 1.
func GPIO(l Sender, pin byte, state byte) error {
	if state != 0 && state != 1 {
		return ErrInvalidArgument
	}
	return l.Send(GPIOCommand, []byte{pin, state})
}

// LED sets brightness, which is unconstrained within a byte's range
// (0..255) and therefore needs no extra validation beyond its type.
func LED(l Sender, brightness byte) error {
	return l.Send(LEDCommand, []byte{brightness})
}

// Turret points the turret to angle (0..180) at power (0..100).
func Turret(l Sender, angle byte, power byte) error {
	if angle > 180 {
		return ErrInvalidArgument
	}
	if power > 100 {
		return ErrInvalidArgument
	}
	return l.Send(TurretCommand, []byte{angle, power})
}
