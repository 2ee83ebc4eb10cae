// Package modem holds the logical modem produced by arbitration.
package modem

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gezibash/arc-modem/internal/port"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

// Kind is the control protocol a modem is driven through.
type Kind int

const (
	KindAT Kind = iota
	KindQMI
	KindMBIM
)

func (k Kind) String() string {
	switch k {
	case KindAT:
		return "at"
	case KindQMI:
		return "qmi"
	case KindMBIM:
		return "mbim"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Capability is the probe flag a port must carry to back a modem of kind k.
func (k Kind) Capability() port.Flags {
	switch k {
	case KindQMI:
		return port.QMI
	case KindMBIM:
		return port.MBIM
	default:
		return port.AT
	}
}

// Role is the function a claimed port serves.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
	RoleQCDM
	RoleQMI
	RoleMBIM
	RoleData
)

var roleNames = map[Role]string{
	RolePrimary:   "primary",
	RoleSecondary: "secondary",
	RoleQCDM:      "qcdm",
	RoleQMI:       "qmi",
	RoleMBIM:      "mbim",
	RoleData:      "data",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Unique reports whether at most one port may hold the role.
func (r Role) Unique() bool {
	return r != RoleData
}

// State is the lifecycle of a modem.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateFailed
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrRoleTaken is returned when a unique role is already held.
var ErrRoleTaken = errors.New("role already held")

// Claimed is one port owned by a modem.
type Claimed struct {
	Port  port.Descriptor
	Flags port.Flags
	Role  Role
}

// Modem is the logical entity owning claimed ports. It is safe for concurrent
// reads; mutation is driven by a single arbitration worker.
type Modem struct {
	mu      sync.RWMutex
	device  port.Device
	plugin  string
	kind    Kind
	state   State
	ports   []Claimed
	created time.Time
}

// New creates an empty, initializing modem for device.
func New(device port.Device, plugin string, kind Kind) *Modem {
	return &Modem{
		device:  device.Clone(),
		plugin:  plugin,
		kind:    kind,
		state:   StateInitializing,
		created: time.Now(),
	}
}

func (m *Modem) UID() string         { return m.device.UID }
func (m *Modem) Plugin() string      { return m.plugin }
func (m *Modem) Kind() Kind          { return m.kind }
func (m *Modem) Device() port.Device { return m.device.Clone() }

func (m *Modem) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attach records a claimed port. Callers must hold the port in the global
// claim registry first.
func (m *Modem) Attach(d port.Descriptor, flags port.Flags, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitializing {
		return fmt.Errorf("attach %s to %s modem: %w", d, m.state, mmerrors.ErrClosed)
	}
	for _, c := range m.ports {
		if c.Port.Key() == d.Key() {
			return fmt.Errorf("attach %s: %w", d, mmerrors.ErrAlreadyExists)
		}
		if role.Unique() && c.Role == role {
			return fmt.Errorf("attach %s as %s: %w", d, role, ErrRoleTaken)
		}
	}
	m.ports = append(m.ports, Claimed{Port: d.Clone(), Flags: flags, Role: role})
	return nil
}

// HasRole reports whether a port already serves role r.
func (m *Modem) HasRole(r Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.ports, func(c Claimed) bool { return c.Role == r })
}

// HasCapability reports whether any claimed port carries f.
func (m *Modem) HasCapability(f port.Flags) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.ports, func(c Claimed) bool { return c.Flags.Intersects(f) })
}

// Owns reports whether the modem claimed the port with key k.
func (m *Modem) Owns(k port.Key) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.ContainsFunc(m.ports, func(c Claimed) bool { return c.Port.Key() == k })
}

// Ports returns the claimed ports in claim order.
func (m *Modem) Ports() []Claimed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.ports)
}

// Ready marks an initializing modem ready.
func (m *Modem) Ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInitializing {
		return fmt.Errorf("modem %s is %s", m.device.UID, m.state)
	}
	m.state = StateReady
	return nil
}

// Fail marks the modem failed and returns the ports it held.
func (m *Modem) Fail() []Claimed {
	return m.finish(StateFailed)
}

// Remove marks the modem removed and returns the ports it held.
func (m *Modem) Remove() []Claimed {
	return m.finish(StateRemoved)
}

func (m *Modem) finish(s State) []Claimed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed || m.state == StateRemoved {
		return nil
	}
	m.state = s
	held := m.ports
	m.ports = nil
	return held
}

// Snapshot is a point-in-time copy of a modem for reporting.
type Snapshot struct {
	UID     string
	Vendor  uint16
	Product uint16
	Plugin  string
	Kind    Kind
	State   State
	Ports   []Claimed
	Created time.Time
}

// Snapshot copies the modem's current state.
func (m *Modem) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		UID:     m.device.UID,
		Vendor:  m.device.VendorID,
		Product: m.device.ProductID,
		Plugin:  m.plugin,
		Kind:    m.kind,
		State:   m.state,
		Ports:   slices.Clone(m.ports),
		Created: m.created,
	}
}
