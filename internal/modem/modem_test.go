package modem

import (
	"errors"
	"testing"

	"github.com/gezibash/arc-modem/internal/port"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

func desc(sub port.Subsystem, name string) port.Descriptor {
	return port.Descriptor{Subsystem: sub, Name: name}
}

func testModem() *Modem {
	return New(port.Device{UID: "/sys/devices/usb1/1-2", VendorID: 0x1199, ProductID: 0xabcd}, "Sierra", KindQMI)
}

func TestAttachRoleUniqueness(t *testing.T) {
	m := testModem()
	if err := m.Attach(desc(port.SubsystemTTY, "ttyUSB2"), port.AT, RolePrimary); err != nil {
		t.Fatal(err)
	}
	err := m.Attach(desc(port.SubsystemTTY, "ttyUSB3"), port.AT, RolePrimary)
	if !errors.Is(err, ErrRoleTaken) {
		t.Fatalf("second primary err = %v, want ErrRoleTaken", err)
	}
	if err := m.Attach(desc(port.SubsystemNet, "wwan0"), port.QMI, RoleData); err != nil {
		t.Fatal(err)
	}
	if err := m.Attach(desc(port.SubsystemNet, "wwan1"), port.QMI, RoleData); err != nil {
		t.Errorf("data role is not unique: %v", err)
	}
	if err := m.Attach(desc(port.SubsystemNet, "wwan0"), port.QMI, RoleData); !errors.Is(err, mmerrors.ErrAlreadyExists) {
		t.Errorf("duplicate port err = %v", err)
	}
	if !m.HasRole(RolePrimary) || m.HasRole(RoleQCDM) {
		t.Error("HasRole mismatch")
	}
	if !m.HasCapability(port.QMI) || m.HasCapability(port.MBIM) {
		t.Error("HasCapability mismatch")
	}
	if !m.Owns(port.Key{Subsystem: port.SubsystemNet, Name: "wwan1"}) {
		t.Error("Owns should report wwan1")
	}
	if got := len(m.Ports()); got != 3 {
		t.Errorf("ports = %d, want 3", got)
	}
}

func TestLifecycle(t *testing.T) {
	m := testModem()
	if m.State() != StateInitializing {
		t.Fatalf("state = %v", m.State())
	}
	_ = m.Attach(desc(port.SubsystemNet, "wwan0"), port.QMI, RoleData)
	if err := m.Ready(); err != nil {
		t.Fatal(err)
	}
	if err := m.Ready(); err == nil {
		t.Error("Ready twice should fail")
	}
	if err := m.Attach(desc(port.SubsystemTTY, "ttyUSB0"), port.AT, RolePrimary); !errors.Is(err, mmerrors.ErrClosed) {
		t.Errorf("attach after ready err = %v", err)
	}

	held := m.Remove()
	if len(held) != 1 || held[0].Port.Name != "wwan0" {
		t.Errorf("Remove returned %v", held)
	}
	if m.State() != StateRemoved || len(m.Ports()) != 0 {
		t.Error("removed modem must hold no ports")
	}
	if again := m.Remove(); again != nil {
		t.Errorf("second Remove returned %v", again)
	}
}

func TestFailReleasesPorts(t *testing.T) {
	m := testModem()
	_ = m.Attach(desc(port.SubsystemTTY, "ttyUSB2"), port.AT, RolePrimary)
	held := m.Fail()
	if len(held) != 1 {
		t.Fatalf("Fail returned %d ports", len(held))
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v", m.State())
	}
}

func TestKindCapability(t *testing.T) {
	tests := []struct {
		k    Kind
		want port.Flags
		name string
	}{
		{KindAT, port.AT, "at"},
		{KindQMI, port.QMI, "qmi"},
		{KindMBIM, port.MBIM, "mbim"},
	}
	for _, tt := range tests {
		if tt.k.Capability() != tt.want || tt.k.String() != tt.name {
			t.Errorf("%v: capability %v, string %q", tt.k, tt.k.Capability(), tt.k.String())
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := testModem()
	_ = m.Attach(desc(port.SubsystemNet, "wwan0"), port.QMI, RoleData)
	s := m.Snapshot()
	s.Ports[0].Role = RolePrimary
	if m.Ports()[0].Role != RoleData {
		t.Error("snapshot shares port slice with modem")
	}
	if s.Plugin != "Sierra" || s.Vendor != 0x1199 {
		t.Errorf("snapshot = %+v", s)
	}
}
