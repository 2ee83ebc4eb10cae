package enumerate

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gezibash/arc-modem/internal/port"
)

// DefaultSysfsRoot is where the kernel mounts sysfs.
const DefaultSysfsRoot = "/sys"

// DefaultUdevDir holds the udev database, one file per device.
const DefaultUdevDir = "/run/udev/data"

// classes maps the sysfs classes scanned to the subsystem of their ports.
var classes = []struct {
	dir string
	sub port.Subsystem
}{
	{"class/tty", port.SubsystemTTY},
	{"class/net", port.SubsystemNet},
	{"class/usbmisc", port.SubsystemUSB},
}

// Scanner reads modem ports from sysfs and groups them by their USB device.
// Port properties are the kernel uevent overlaid with the udev database
// record, where udev rules set the ID_MM_* hints.
type Scanner struct {
	Root    string
	UdevDir string
}

// NewScanner creates a scanner rooted at root, or DefaultSysfsRoot when
// root is empty. An empty udevDir means DefaultUdevDir.
func NewScanner(root, udevDir string) *Scanner {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if udevDir == "" {
		udevDir = DefaultUdevDir
	}
	return &Scanner{Root: root, UdevDir: udevDir}
}

// Scan returns every USB device with at least one port, ordered by uid.
// Ports that do not hang off a USB device (virtual consoles, loopback) are
// ignored.
func (s *Scanner) Scan() ([]port.Device, error) {
	root, err := filepath.EvalSymlinks(s.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sysfs root: %w", err)
	}
	devices := make(map[string]*port.Device)
	for _, c := range classes {
		dir := filepath.Join(root, c.dir)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			p, usbDev, ok := s.parsePort(root, filepath.Join(dir, e.Name()), c.sub)
			if !ok {
				continue
			}
			d, ok := devices[usbDev]
			if !ok {
				d = &port.Device{UID: usbDev}
				d.VendorID, _ = readHex16(filepath.Join(usbDev, "idVendor"))
				d.ProductID, _ = readHex16(filepath.Join(usbDev, "idProduct"))
				devices[usbDev] = d
			}
			d.Ports = append(d.Ports, p)
		}
	}

	out := make([]port.Device, 0, len(devices))
	for _, d := range devices {
		slices.SortFunc(d.Ports, func(a, b port.Descriptor) int {
			return strings.Compare(a.Key().String(), b.Key().String())
		})
		for _, p := range bindOrder(d.Ports) {
			d.AddDriver(p.Driver)
		}
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b port.Device) int { return strings.Compare(a.UID, b.UID) })
	return out, nil
}

// bindOrder sorts a copy of ports by USB interface number, the order in
// which the kernel binds interface drivers. Ports without an interface
// number sort last.
func bindOrder(ports []port.Descriptor) []port.Descriptor {
	sorted := slices.Clone(ports)
	slices.SortStableFunc(sorted, func(a, b port.Descriptor) int {
		return cmp.Compare(interfaceNumber(a.ParentPath), interfaceNumber(b.ParentPath))
	})
	return sorted
}

func interfaceNumber(iface string) int {
	n, err := readHex16(filepath.Join(iface, "bInterfaceNumber"))
	if err != nil {
		return math.MaxInt
	}
	return int(n)
}

// parsePort resolves one class entry. It returns the port and the sysfs path
// of the USB device that owns it.
func (s *Scanner) parsePort(root, entry string, sub port.Subsystem) (port.Descriptor, string, bool) {
	devPath, err := filepath.EvalSymlinks(filepath.Join(entry, "device"))
	if err != nil {
		return port.Descriptor{}, "", false
	}
	iface := ancestor(root, devPath, "bInterfaceNumber")
	usbDev := ancestor(root, devPath, "idVendor")
	if usbDev == "" {
		return port.Descriptor{}, "", false
	}
	if iface == "" {
		iface = devPath
	}
	driver := driverName(iface)
	if driver == "" {
		driver = driverName(devPath)
	}
	props := readProperties(filepath.Join(entry, "uevent"), "")
	if id := udevID(entry, sub); id != "" {
		if db := readProperties(filepath.Join(s.UdevDir, id), "E:"); db != nil {
			if props == nil {
				props = make(map[string]string, len(db))
			}
			maps.Copy(props, db)
		}
	}
	return port.Descriptor{
		Subsystem:  sub,
		Name:       filepath.Base(entry),
		Driver:     driver,
		ParentPath: iface,
		Properties: props,
	}, usbDev, true
}

// udevID names the udev database record of a class entry: c<major>:<minor>
// for character devices, n<ifindex> for network interfaces.
func udevID(entry string, sub port.Subsystem) string {
	name, prefix := "dev", "c"
	if sub == port.SubsystemNet {
		name, prefix = "ifindex", "n"
	}
	data, err := os.ReadFile(filepath.Join(entry, name))
	if err != nil {
		return ""
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return ""
	}
	return prefix + v
}

// ancestor walks up from path to the first directory holding marker,
// staying below root.
func ancestor(root, path, marker string) string {
	for dir := path; strings.HasPrefix(dir, root) && dir != root; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir
		}
	}
	return ""
}

func driverName(dir string) string {
	target, err := os.Readlink(filepath.Join(dir, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// readProperties parses the KEY=VALUE lines of path that start with prefix.
// Uevent files have no prefix; udev database records mark properties with
// "E:". A missing file yields no properties.
func readProperties(path, prefix string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	props := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), prefix)
		if !ok {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if ok && k != "" {
			props[k] = v
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

func readHex16(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return uint16(v), nil
}

// Diff compares two scans and returns the events that turn prev into next,
// ordered by uid.
func Diff(prev, next []port.Device) []Event {
	before := make(map[string]port.Device, len(prev))
	for _, d := range prev {
		before[d.UID] = d
	}
	var events []Event
	seen := make(map[string]bool, len(next))
	for _, d := range next {
		seen[d.UID] = true
		old, ok := before[d.UID]
		switch {
		case !ok:
			events = append(events, Event{Type: EventAdded, Device: d})
		case !sameDevice(old, d):
			events = append(events, Event{Type: EventChanged, Device: d})
		}
	}
	for _, d := range prev {
		if !seen[d.UID] {
			events = append(events, Event{Type: EventRemoved, Device: port.Device{UID: d.UID}})
		}
	}
	slices.SortStableFunc(events, func(a, b Event) int { return strings.Compare(a.Device.UID, b.Device.UID) })
	return events
}

func sameDevice(a, b port.Device) bool {
	if a.VendorID != b.VendorID || a.ProductID != b.ProductID || !slices.Equal(a.Drivers, b.Drivers) {
		return false
	}
	return slices.EqualFunc(a.Ports, b.Ports, func(x, y port.Descriptor) bool {
		return x.Key() == y.Key() && x.Driver == y.Driver
	})
}
