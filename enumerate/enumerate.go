// Package enumerate provides the concrete port-enumeration capability
// (spec.md §6 "Port enumeration", SPEC_FULL.md §4.7, C7) that discovery
// treats as an injected collaborator. It is the only package in this
// module that talks to the host's serial-port listing facility rather
// than a single already-opened port.
package enumerate

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial/enumerator"
)

// List returns the names of every serial port the host currently
// reports, satisfying discover.Enumerator. VID/PID/product metadata is
// logged at debug level but deliberately dropped from the return value:
// the orchestrator's contract is exactly a list of names (SPEC_FULL.md
// §4.7).
func List() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate: list ports: %w", err)
	}

	names := make([]string, 0, len(details))
	for _, d := range details {
		logrus.WithFields(logrus.Fields{
			"port":    d.Name,
			"is_usb":  d.IsUSB,
			"vid":     d.VID,
			"pid":     d.PID,
			"product": d.Product,
		}).Debug("enumerate: found port")
		names = append(names, d.Name)
	}
	return names, nil
}
