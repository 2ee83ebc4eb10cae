package enumerate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/internal/probe"
)

// Fixture is a recorded or hand-written host: devices, how their ports answer
// probes and an optional timeline of hot-plug events.
//
//	devices:
//	  - uid: usb1/1-1
//	    vendor: 0x1199
//	    drivers: [qmi_wwan]
//	    ports:
//	      - {subsystem: tty, name: ttyUSB0, driver: option, answers: {at: true}}
//	      - {subsystem: net, name: wwan0, driver: qmi_wwan}
//	events:
//	  - {after: 1s, type: removed, uid: usb1/1-1}
type Fixture struct {
	Devices []FixtureDevice `yaml:"devices"`
	Events  []FixtureEvent  `yaml:"events"`
}

// FixtureDevice is the YAML form of a device.
type FixtureDevice struct {
	UID     string        `yaml:"uid"`
	Vendor  plugin.USBID  `yaml:"vendor"`
	Product plugin.USBID  `yaml:"product"`
	Drivers []string      `yaml:"drivers"`
	Ports   []FixturePort `yaml:"ports"`
}

// FixturePort is the YAML form of a port and its scripted probe answers.
type FixturePort struct {
	Subsystem  string            `yaml:"subsystem"`
	Name       string            `yaml:"name"`
	Driver     string            `yaml:"driver"`
	Properties map[string]string `yaml:"properties"`
	Answers    FixtureAnswer     `yaml:"answers"`
}

// FixtureAnswer is the YAML form of probe.Answer.
type FixtureAnswer struct {
	AT    bool   `yaml:"at"`
	QCDM  bool   `yaml:"qcdm"`
	Delay string `yaml:"delay"`
	Hang  bool   `yaml:"hang"`
	Error string `yaml:"error"`
}

// FixtureEvent is a hot-plug event replayed After the previous one.
type FixtureEvent struct {
	After  string         `yaml:"after"`
	Type   string         `yaml:"type"`
	UID    string         `yaml:"uid"`
	Device *FixtureDevice `yaml:"device"`
}

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if _, err := f.devices(); err != nil {
		return nil, err
	}
	if _, err := f.timeline(); err != nil {
		return nil, err
	}
	if _, err := f.Answers(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Initial returns the devices present at start.
func (f *Fixture) Initial() []port.Device {
	devs, _ := f.devices()
	return devs
}

func (f *Fixture) devices() ([]port.Device, error) {
	out := make([]port.Device, 0, len(f.Devices))
	seen := make(map[string]bool, len(f.Devices))
	for i, fd := range f.Devices {
		d, err := fd.device()
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		if seen[d.UID] {
			return nil, fmt.Errorf("device %d: duplicate uid %q", i, d.UID)
		}
		seen[d.UID] = true
		out = append(out, d)
	}
	return out, nil
}

// Answers collects the scripted probe answers of every port, including ports
// that only appear in later events.
func (f *Fixture) Answers() (map[string]probe.Answer, error) {
	out := make(map[string]probe.Answer)
	add := func(fd FixtureDevice) error {
		for _, p := range fd.Ports {
			a, err := p.Answers.answer()
			if err != nil {
				return fmt.Errorf("port %s: %w", p.Name, err)
			}
			out[p.Name] = a
		}
		return nil
	}
	for _, fd := range f.Devices {
		if err := add(fd); err != nil {
			return nil, err
		}
	}
	for _, ev := range f.Events {
		if ev.Device != nil {
			if err := add(*ev.Device); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

type timedEvent struct {
	after time.Duration
	event Event
}

func (f *Fixture) timeline() ([]timedEvent, error) {
	out := make([]timedEvent, 0, len(f.Events))
	for i, fe := range f.Events {
		var te timedEvent
		if fe.After != "" {
			d, err := time.ParseDuration(fe.After)
			if err != nil {
				return nil, fmt.Errorf("event %d: after: %w", i, err)
			}
			te.after = d
		}
		switch fe.Type {
		case "added", "changed":
			if fe.Device == nil {
				return nil, fmt.Errorf("event %d: %s needs a device", i, fe.Type)
			}
			d, err := fe.Device.device()
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			te.event = Event{Type: EventChanged, Device: d}
			if fe.Type == "added" {
				te.event.Type = EventAdded
			}
		case "removed":
			uid := fe.UID
			if uid == "" && fe.Device != nil {
				uid = fe.Device.UID
			}
			if uid == "" {
				return nil, fmt.Errorf("event %d: removed needs a uid", i)
			}
			te.event = Event{Type: EventRemoved, Device: port.Device{UID: uid}}
		default:
			return nil, fmt.Errorf("event %d: unknown type %q", i, fe.Type)
		}
		out = append(out, te)
	}
	return out, nil
}

func (fd FixtureDevice) device() (port.Device, error) {
	if fd.UID == "" {
		return port.Device{}, errors.New("missing uid")
	}
	d := port.Device{
		UID:       fd.UID,
		VendorID:  uint16(fd.Vendor),
		ProductID: uint16(fd.Product),
	}
	for _, drv := range fd.Drivers {
		d.AddDriver(drv)
	}
	for _, fp := range fd.Ports {
		sub, err := port.ParseSubsystem(fp.Subsystem)
		if err != nil {
			return port.Device{}, fmt.Errorf("port %s: %w", fp.Name, err)
		}
		if fp.Name == "" {
			return port.Device{}, errors.New("port without a name")
		}
		p := port.Descriptor{Subsystem: sub, Name: fp.Name, Driver: fp.Driver, Properties: fp.Properties}
		if _, dup := d.Port(p.Key()); dup {
			return port.Device{}, fmt.Errorf("duplicate port %s", p.Key())
		}
		d.Ports = append(d.Ports, p)
		d.AddDriver(fp.Driver)
	}
	return d, nil
}

func (a FixtureAnswer) answer() (probe.Answer, error) {
	out := probe.Answer{AT: a.AT, QCDM: a.QCDM, Hang: a.Hang}
	if a.Delay != "" {
		d, err := time.ParseDuration(a.Delay)
		if err != nil {
			return probe.Answer{}, fmt.Errorf("delay: %w", err)
		}
		out.Delay = d
	}
	if a.Error != "" {
		out.Err = errors.New(a.Error)
	}
	return out, nil
}

// FixtureSource replays a fixture: every device as Added, then the timeline.
// It then idles until ctx is done.
type FixtureSource struct {
	fixture *Fixture
}

// NewFixtureSource creates a source over f.
func NewFixtureSource(f *Fixture) *FixtureSource {
	return &FixtureSource{fixture: f}
}

// Initial returns the devices the source reports as Added first.
func (s *FixtureSource) Initial() []port.Device {
	return s.fixture.Initial()
}

func (s *FixtureSource) Run(ctx context.Context, events chan<- Event) error {
	devs, err := s.fixture.devices()
	if err != nil {
		return err
	}
	timeline, err := s.fixture.timeline()
	if err != nil {
		return err
	}
	for _, d := range devs {
		if err := emit(ctx, events, Event{Type: EventAdded, Device: d}); err != nil {
			return nil
		}
	}
	for _, te := range timeline {
		if te.after > 0 {
			t := time.NewTimer(te.after)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if err := emit(ctx, events, te.event); err != nil {
			return nil
		}
	}
	<-ctx.Done()
	return nil
}
