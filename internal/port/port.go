// Package port describes communication endpoints of a modem device and the
// outcome of probing them.
package port

import (
	"fmt"
	"maps"
	"strings"
)

// Subsystem is the kernel subsystem a port belongs to.
type Subsystem string

const (
	SubsystemTTY Subsystem = "tty"
	SubsystemNet Subsystem = "net"
	SubsystemUSB Subsystem = "usb"
)

// ParseSubsystem accepts kernel and descriptive subsystem names.
func ParseSubsystem(s string) (Subsystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tty", "serial":
		return SubsystemTTY, nil
	case "net", "network":
		return SubsystemNet, nil
	case "usb", "usbmisc", "usb-other":
		return SubsystemUSB, nil
	default:
		return "", fmt.Errorf("unknown subsystem %q", s)
	}
}

// Kernel properties consulted during probing and claiming.
const (
	PropDevType      = "DEVTYPE"
	PropDeviceIgnore = "ID_MM_DEVICE_IGNORE"
	PropPortIgnore   = "ID_MM_PORT_IGNORE"
	PropATPrimary    = "ID_MM_PORT_TYPE_AT_PRIMARY"
	PropATSecondary  = "ID_MM_PORT_TYPE_AT_SECONDARY"
	PropQCDM         = "ID_MM_PORT_TYPE_QCDM"
	DevTypeWWAN      = "wwan"
	propTrue         = "1"
)

// Key identifies a port uniquely within the host.
type Key struct {
	Subsystem Subsystem
	Name      string
}

func (k Key) String() string {
	return string(k.Subsystem) + "/" + k.Name
}

// Descriptor is the immutable set of facts known about one port.
type Descriptor struct {
	Subsystem  Subsystem
	Name       string
	Driver     string
	ParentPath string
	Properties map[string]string
}

// Key returns the host-unique key of the port.
func (d Descriptor) Key() Key {
	return Key{Subsystem: d.Subsystem, Name: d.Name}
}

// Property returns a kernel property or "" when absent.
func (d Descriptor) Property(name string) string {
	return d.Properties[name]
}

// Flag reports whether a boolean kernel property is set to "1".
func (d Descriptor) Flag(name string) bool {
	return d.Properties[name] == propTrue
}

// Ignored reports whether udev rules asked for the port to be left alone.
func (d Descriptor) Ignored() bool {
	return d.Flag(PropDeviceIgnore) || d.Flag(PropPortIgnore)
}

// Clone returns a copy that shares no mutable state with d.
func (d Descriptor) Clone() Descriptor {
	d.Properties = maps.Clone(d.Properties)
	return d
}

func (d Descriptor) String() string {
	return d.Key().String()
}
