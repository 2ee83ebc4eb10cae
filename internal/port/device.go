package port

import (
	"fmt"
	"slices"
)

// Device is one physical piece of hardware and its candidate ports, as
// reported by enumeration.
type Device struct {
	UID       string
	VendorID  uint16
	ProductID uint16
	// Drivers bound to the device, in bind order without duplicates. Sysfs
	// scans order them by USB interface number.
	Drivers []string
	Ports   []Descriptor
}

// HasDriver reports whether name is bound to the device.
func (d Device) HasDriver(name string) bool {
	return slices.Contains(d.Drivers, name)
}

// Port returns the port with key k.
func (d Device) Port(k Key) (Descriptor, bool) {
	for _, p := range d.Ports {
		if p.Key() == k {
			return p, true
		}
	}
	return Descriptor{}, false
}

// Candidates returns the ports that are not ignored. Every port is dropped
// when any of them carries the device-wide ignore property.
func (d Device) Candidates() []Descriptor {
	var out []Descriptor
	for _, p := range d.Ports {
		if p.Flag(PropDeviceIgnore) {
			return nil
		}
		if !p.Flag(PropPortIgnore) {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of d.
func (d Device) Clone() Device {
	d.Drivers = slices.Clone(d.Drivers)
	ports := make([]Descriptor, len(d.Ports))
	for i, p := range d.Ports {
		ports[i] = p.Clone()
	}
	d.Ports = ports
	return d
}

// AddDriver records a bound driver once.
func (d *Device) AddDriver(name string) {
	if name != "" && !d.HasDriver(name) {
		d.Drivers = append(d.Drivers, name)
	}
}

// IDs formats vendor and product as "1199:abcd".
func (d Device) IDs() string {
	return fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
}
