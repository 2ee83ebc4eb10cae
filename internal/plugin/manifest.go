package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gezibash/arc-modem/internal/port"
)

// USBID is a vendor or product id. Integers are taken as written (0x1199 or
// 4505); strings are hex as printed by lsusb ("1199").
type USBID uint16

func (id *USBID) UnmarshalYAML(n *yaml.Node) error {
	var (
		v   uint64
		err error
	)
	if n.ShortTag() == "!!str" {
		v, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(n.Value), "0x"), 16, 16)
	} else {
		v, err = strconv.ParseUint(n.Value, 0, 16)
	}
	if err != nil {
		return fmt.Errorf("line %d: invalid usb id %q", n.Line, n.Value)
	}
	*id = USBID(v)
	return nil
}

// Manifest is the YAML form of a declarative plugin.
type Manifest struct {
	Name             string   `yaml:"name"`
	Subsystems       []string `yaml:"subsystems"`
	VendorIDs        []USBID  `yaml:"vendor_ids"`
	ProductIDs       []USBID  `yaml:"product_ids"`
	Drivers          []string `yaml:"drivers"`
	ForbiddenDrivers []string `yaml:"forbidden_drivers"`
	Protocols        []string `yaml:"protocols"`
	Generic          bool     `yaml:"generic"`
	Filter           string   `yaml:"filter"`
}

// Descriptor converts the manifest into a plugin using the broadband factory
// and default grab policy.
func (m Manifest) Descriptor(source string) (Descriptor, error) {
	d := Descriptor{
		Name:             m.Name,
		Drivers:          m.Drivers,
		ForbiddenDrivers: m.ForbiddenDrivers,
		Generic:          m.Generic,
		Filter:           m.Filter,
		CreateModem:      NewBroadband(m.Name),
		Source:           source,
	}
	for _, s := range m.Subsystems {
		sub, err := port.ParseSubsystem(s)
		if err != nil {
			return Descriptor{}, fmt.Errorf("plugin %s: %w", m.Name, err)
		}
		if !slices.Contains(d.Subsystems, sub) {
			d.Subsystems = append(d.Subsystems, sub)
		}
	}
	for _, id := range m.VendorIDs {
		d.VendorIDs = append(d.VendorIDs, uint16(id))
	}
	for _, id := range m.ProductIDs {
		d.ProductIDs = append(d.ProductIDs, uint16(id))
	}
	protos, err := port.ParseFlags(m.Protocols)
	if err != nil {
		return Descriptor{}, fmt.Errorf("plugin %s: %w", m.Name, err)
	}
	d.Protocols = protos
	return d, d.validate()
}

// LoadManifests reads every *.yaml and *.yml file in dir, in lexical order.
// A missing directory yields no plugins.
func LoadManifests(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var out []Descriptor
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		d, err := loadManifest(path)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func loadManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Descriptor{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	d, err := m.Descriptor(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return d, nil
}

// RegisterManifests loads the manifests in dir into r.
func RegisterManifests(r *Registry, dir string) (int, error) {
	descs, err := LoadManifests(dir)
	if err != nil {
		return 0, err
	}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return 0, err
		}
	}
	return len(descs), nil
}
