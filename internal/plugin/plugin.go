// Package plugin defines plugin descriptors, the ordered plugin registry and
// the rules that match a device to a plugin.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gezibash/arc-modem/internal/cel"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/port"
)

var (
	// ErrNoMatch is returned by Select when no plugin supports the device.
	ErrNoMatch = errors.New("no matching plugin")
	// ErrPortRejected is wrapped by grab functions that decline a port.
	ErrPortRejected = errors.New("port rejected")
)

// CreateFunc builds an empty modem for a device. A nil modem or an error
// vetoes the device.
type CreateFunc func(ctx context.Context, dev port.Device, probes []port.ProbeResult) (*modem.Modem, error)

// GrabFunc decides the role a port takes on m, or declines it.
type GrabFunc func(ctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error)

// MandatoryFunc reports whether a failed grab of r must abort arbitration.
type MandatoryFunc func(m *modem.Modem, r port.ProbeResult) bool

// Descriptor is the match rules and behaviour of one vendor or family.
// Empty sets place no restriction, except Protocols: an empty Protocols means
// plain AT, so Match skips the protocol rule and the plugin only ever sees
// AT capabilities.
type Descriptor struct {
	Name             string
	Subsystems       []port.Subsystem
	VendorIDs        []uint16
	ProductIDs       []uint16
	Drivers          []string
	ForbiddenDrivers []string
	Protocols        port.Flags
	Generic          bool
	// Filter is an optional CEL expression at least one port must satisfy.
	Filter string

	CreateModem CreateFunc
	GrabPort    GrabFunc
	// Mandatory defaults to DefaultMandatory.
	Mandatory MandatoryFunc

	// Source names where the descriptor came from, "builtin" or a manifest path.
	Source string

	filter *cel.Filter
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("plugin has no name")
	}
	if d.CreateModem == nil {
		return fmt.Errorf("plugin %s has no modem factory", d.Name)
	}
	if d.Protocols&^port.Protocols != 0 {
		return fmt.Errorf("plugin %s allows non-protocol capabilities %s", d.Name, d.Protocols&^port.Protocols)
	}
	return nil
}

func (d *Descriptor) compile() error {
	if d.Filter == "" {
		return nil
	}
	f, err := cel.Compile(d.Filter)
	if err != nil {
		return fmt.Errorf("plugin %s filter: %w", d.Name, err)
	}
	d.filter = f
	return nil
}

// AllowsSubsystem reports whether ports of subsystem s may be claimed.
func (d *Descriptor) AllowsSubsystem(s port.Subsystem) bool {
	return len(d.Subsystems) == 0 || slices.Contains(d.Subsystems, s)
}

// Match reports whether the plugin supports dev given the probe results. The
// returned reason names the first rule that failed.
func (d *Descriptor) Match(dev port.Device, results []port.ProbeResult) (bool, string) {
	if len(d.VendorIDs) > 0 && !slices.Contains(d.VendorIDs, dev.VendorID) {
		return false, fmt.Sprintf("vendor %04x not allowed", dev.VendorID)
	}
	if len(d.ProductIDs) > 0 && !slices.Contains(d.ProductIDs, dev.ProductID) {
		return false, fmt.Sprintf("product %04x not allowed", dev.ProductID)
	}
	if !slices.ContainsFunc(results, func(r port.ProbeResult) bool { return d.AllowsSubsystem(r.Port.Subsystem) }) {
		return false, "no port in an allowed subsystem"
	}
	if len(d.Drivers) > 0 && !slices.ContainsFunc(dev.Drivers, func(drv string) bool { return slices.Contains(d.Drivers, drv) }) {
		return false, "no allowed driver bound"
	}
	for _, drv := range dev.Drivers {
		if slices.Contains(d.ForbiddenDrivers, drv) {
			return false, fmt.Sprintf("driver %s forbidden", drv)
		}
	}
	if d.Protocols != 0 && !port.Any(results, d.Protocols) {
		return false, fmt.Sprintf("no port speaks %s", d.Protocols)
	}
	if d.filter != nil {
		ports := make([]port.Descriptor, len(results))
		for i, r := range results {
			ports[i] = r.Port
		}
		if !d.filter.MatchAny(ports) {
			return false, fmt.Sprintf("filter %q rejected every port", d.Filter)
		}
	}
	return true, ""
}

// Allowed is the set of protocols the plugin acts on.
func (d *Descriptor) Allowed() port.Flags {
	if d.Protocols == 0 {
		return port.AT
	}
	return d.Protocols
}

// Restrict returns results with every protocol the plugin does not allow
// masked out. The net-wwan flag of data ports is kept. The factory and the
// grab function only ever see restricted results.
func (d *Descriptor) Restrict(results []port.ProbeResult) []port.ProbeResult {
	out := make([]port.ProbeResult, len(results))
	keep := d.Allowed() | port.NetWWAN
	for i, r := range results {
		r.Flags &= keep
		out[i] = r
	}
	return out
}

// Create builds the modem from the restricted results, so the backing
// protocol is always one the plugin declared.
func (d *Descriptor) Create(ctx context.Context, dev port.Device, results []port.ProbeResult) (*modem.Modem, error) {
	return d.CreateModem(ctx, dev, d.Restrict(results))
}

// Compatible reports whether r, as probed, is worth offering to the plugin's
// grab function. A port whose only capabilities Restrict masks out is still
// offered, so the plugin's policy records why it was declined.
func (d *Descriptor) Compatible(r port.ProbeResult) bool {
	if !r.Trusted() || !d.AllowsSubsystem(r.Port.Subsystem) {
		return false
	}
	return r.Flags != 0 || r.Port.Subsystem == port.SubsystemNet
}

// Grab runs the plugin's grab function, falling back to DefaultGrab.
func (d *Descriptor) Grab(ctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error) {
	if d.GrabPort != nil {
		return d.GrabPort(ctx, m, r)
	}
	return DefaultGrab(ctx, m, r)
}

// IsMandatory reports whether a failed grab of r aborts arbitration.
func (d *Descriptor) IsMandatory(m *modem.Modem, r port.ProbeResult) bool {
	if d.Mandatory != nil {
		return d.Mandatory(m, r)
	}
	return DefaultMandatory(m, r)
}

// Specificity describes how narrowly the plugin matches, for listings.
func (d *Descriptor) Specificity() string {
	switch {
	case d.Generic:
		return "generic"
	case len(d.ProductIDs) > 0:
		return "product"
	case len(d.VendorIDs) > 0:
		return "vendor"
	default:
		return "driver"
	}
}
