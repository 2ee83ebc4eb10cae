package plugin

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/port"
)

// Backing picks the richest control protocol among trusted probes: QMI, then
// MBIM, then plain AT.
func Backing(probes []port.ProbeResult) modem.Kind {
	switch {
	case port.Any(probes, port.QMI):
		return modem.KindQMI
	case port.Any(probes, port.MBIM):
		return modem.KindMBIM
	default:
		return modem.KindAT
	}
}

// NewBroadband returns a factory that creates a modem backed by the richest
// protocol found. It rejects devices without any port able to back it, so a
// plain AT plugin requires a trusted AT port. Descriptor.Create hands it
// results already restricted to the plugin's protocols.
func NewBroadband(name string) CreateFunc {
	return func(ctx context.Context, dev port.Device, probes []port.ProbeResult) (*modem.Modem, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind := Backing(probes)
		if !port.Any(probes, kind.Capability()) {
			return nil, fmt.Errorf("%s: no %s control port", name, kind)
		}
		return modem.New(dev, name, kind), nil
	}
}

// DefaultGrab assigns roles by capability. Control nodes of the modem's
// backing protocol come first, AT ports take primary then secondary with udev
// hints honoured, and net ports become data ports.
func DefaultGrab(ctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := r.Port
	switch {
	case d.Subsystem == port.SubsystemNet:
		return modem.RoleData, nil
	case r.Has(port.QMI):
		if m.Kind() != modem.KindQMI {
			return 0, rejectf(d, "QMI control port on a %s modem", m.Kind())
		}
		return free(m, d, modem.RoleQMI)
	case r.Has(port.MBIM):
		if m.Kind() != modem.KindMBIM {
			return 0, rejectf(d, "MBIM control port on a %s modem", m.Kind())
		}
		return free(m, d, modem.RoleMBIM)
	case r.Has(port.AT):
		switch {
		case d.Flag(port.PropATPrimary):
			return free(m, d, modem.RolePrimary)
		case d.Flag(port.PropATSecondary):
			return free(m, d, modem.RoleSecondary)
		case !m.HasRole(modem.RolePrimary):
			return modem.RolePrimary, nil
		default:
			return free(m, d, modem.RoleSecondary)
		}
	case r.Has(port.QCDM):
		return free(m, d, modem.RoleQCDM)
	}
	return 0, rejectf(d, "no capability the plugin allows")
}

// DefaultMandatory treats the first port able to back the modem as mandatory.
func DefaultMandatory(m *modem.Modem, r port.ProbeResult) bool {
	backing := m.Kind().Capability()
	return r.Flags.Has(backing) && !m.HasCapability(backing)
}

func free(m *modem.Modem, d port.Descriptor, role modem.Role) (modem.Role, error) {
	if role.Unique() && m.HasRole(role) {
		return 0, rejectf(d, "%s role already taken", role)
	}
	return role, nil
}

func rejectf(d port.Descriptor, format string, args ...any) error {
	return fmt.Errorf("cannot add port '%s': %s: %w", d, fmt.Sprintf(format, args...), ErrPortRejected)
}
