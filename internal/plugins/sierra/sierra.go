// Package sierra is the plugin for Sierra Wireless QMI and MBIM modems.
package sierra

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/internal/probe"
)

// Name is the registered plugin name.
const Name = "Sierra"

// VendorID is the Sierra Wireless USB vendor id.
const VendorID = 0x1199

// Descriptor returns the Sierra plugin.
func Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Name,
		Subsystems:  []port.Subsystem{port.SubsystemTTY, port.SubsystemNet, port.SubsystemUSB},
		VendorIDs:   []uint16{VendorID},
		Drivers:     []string{probe.DriverQMI, probe.DriverMBIM},
		Protocols:   port.QMI | port.MBIM,
		CreateModem: plugin.NewBroadband(Name),
		GrabPort:    grabPort,
	}
}

// grabPort accepts only the QMI data interface among net ports. Serial ports
// are left to the vendor's AT-only modems; a QMI or MBIM backed modem is
// driven entirely through its control node.
func grabPort(ctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error) {
	d := r.Port
	if d.Subsystem == port.SubsystemNet &&
		d.Property(port.PropDevType) != port.DevTypeWWAN &&
		d.Driver != probe.DriverQMI {
		return 0, notDataInterface(d)
	}
	if d.Subsystem == port.SubsystemTTY && m.Kind() != modem.KindAT && !r.Flags.Intersects(port.QMI|port.MBIM) {
		return 0, notDataInterface(d)
	}
	return plugin.DefaultGrab(ctx, m, r)
}

func notDataInterface(d port.Descriptor) error {
	return fmt.Errorf("cannot add port '%s', not the QMI data interface: %w", d, plugin.ErrPortRejected)
}
