// Package generic is the lowest-priority plugin, used for any device no
// vendor plugin claims.
package generic

import (
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/port"
)

// Name is the registered plugin name.
const Name = "generic"

// Descriptor returns the generic plugin.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Subsystems:  []port.Subsystem{port.SubsystemTTY, port.SubsystemNet, port.SubsystemUSB},
		Protocols:   port.Protocols,
		Generic:     true,
		CreateModem: plugin.NewBroadband(Name),
	}
}
