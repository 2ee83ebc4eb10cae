package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-modem/internal/claim"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/plugins"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/internal/probe"
)

type fixture struct {
	script  *probe.Script
	claims  *claim.Registry
	metrics *observability.Metrics
	arb     *Arbitrator
}

func newFixture(t *testing.T, reg *plugin.Registry, answers map[string]probe.Answer, timeout time.Duration) *fixture {
	t.Helper()
	if reg == nil {
		var err error
		reg, err = plugins.Load(plugins.Options{})
		if err != nil {
			t.Fatal(err)
		}
	}
	script := probe.NewScript(answers)
	m := observability.NewMetrics()
	claims := claim.NewRegistry(m.ClaimedPorts)
	prober := probe.New(script, probe.Config{Timeout: timeout, ATAttempts: 1}, probe.WithMetrics(m))
	return &fixture{
		script:  script,
		claims:  claims,
		metrics: m,
		arb:     New(reg, prober, claims, m, nil),
	}
}

func tty(name string) port.Descriptor {
	return port.Descriptor{Subsystem: port.SubsystemTTY, Name: name, Driver: "option"}
}

func qmiNet(name string) port.Descriptor {
	return port.Descriptor{Subsystem: port.SubsystemNet, Name: name, Driver: probe.DriverQMI}
}

// exampleDevice is a Sierra QMI modem exposing an AT tty and a QMI net port.
func exampleDevice(uid string) port.Device {
	return port.Device{
		UID:       uid,
		VendorID:  0x1199,
		ProductID: 0xabcd,
		Drivers:   []string{probe.DriverQMI},
		Ports:     []port.Descriptor{tty("ttyUSB0"), qmiNet("wwan0")},
	}
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t, nil, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)

	out := f.arb.Arbitrate(context.Background(), exampleDevice("X"))

	if out.State != StateReady {
		t.Fatalf("state = %v, err = %v", out.State, out.Err)
	}
	if out.Plugin != "Sierra" {
		t.Errorf("plugin = %q, want Sierra", out.Plugin)
	}
	if out.Modem.Kind() != modem.KindQMI {
		t.Errorf("kind = %v, want qmi", out.Modem.Kind())
	}
	ports := out.Modem.Ports()
	if len(ports) != 1 || ports[0].Port.Name != "wwan0" {
		t.Fatalf("claimed = %+v, want only wwan0", ports)
	}
	if len(out.Skipped) != 1 || !errors.Is(out.Skipped[0], ErrOptionalPortGrabFailed) {
		t.Fatalf("skipped = %v, want one optional grab failure", out.Skipped)
	}
	if out.Skipped[0].Port.Name != "ttyUSB0" || !strings.Contains(out.Skipped[0].Error(), "not the QMI data interface") {
		t.Errorf("skip = %v", out.Skipped[0])
	}
	if owner, _ := f.claims.Owner(port.Key{Subsystem: port.SubsystemNet, Name: "wwan0"}); owner != "X" {
		t.Errorf("wwan0 owner = %q", owner)
	}
	if f.claims.Len() != 1 {
		t.Errorf("claimed ports = %d, want 1", f.claims.Len())
	}

	want := []State{StateCollecting, StateProbing, StateSelecting, StateInstantiating, StateClaiming, StateReady}
	if fmt.Sprint(out.Path) != fmt.Sprint(want) {
		t.Errorf("path = %v, want %v", out.Path, want)
	}
	if got := testutil.ToFloat64(f.metrics.ArbitrationTotal.WithLabelValues("ready")); got != 1 {
		t.Errorf("ready arbitrations = %v", got)
	}
}

func TestMBIMFallback(t *testing.T) {
	f := newFixture(t, nil, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	dev := port.Device{
		UID:      "mbim",
		VendorID: 0x1199,
		Drivers:  []string{probe.DriverMBIM},
		Ports: []port.Descriptor{
			tty("ttyUSB0"),
			{Subsystem: port.SubsystemUSB, Name: "cdc-wdm0", Driver: probe.DriverMBIM},
			{Subsystem: port.SubsystemNet, Name: "wwan0", Driver: probe.DriverMBIM, Properties: map[string]string{port.PropDevType: port.DevTypeWWAN}},
		},
	}
	out := f.arb.Arbitrate(context.Background(), dev)
	if out.State != StateReady {
		t.Fatalf("state = %v, err = %v", out.State, out.Err)
	}
	if out.Modem.Kind() != modem.KindMBIM {
		t.Errorf("kind = %v, want mbim", out.Modem.Kind())
	}
	if !out.Modem.HasRole(modem.RoleMBIM) || !out.Modem.HasRole(modem.RoleData) {
		t.Errorf("ports = %+v", out.Modem.Ports())
	}
	if out.Modem.Ports()[0].Port.Name != "cdc-wdm0" {
		t.Error("control node must be claimed before the data port")
	}
}

func TestSpecificPluginWinsOverGeneric(t *testing.T) {
	f := newFixture(t, nil, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	out := f.arb.Arbitrate(context.Background(), exampleDevice("X"))
	if out.Plugin != "Sierra" {
		t.Errorf("plugin = %q", out.Plugin)
	}

	generic := exampleDevice("Y")
	generic.VendorID = 0x2c7c
	generic.Ports = []port.Descriptor{tty("ttyUSB5")}
	generic.Drivers = []string{"option"}
	f.script.Set("ttyUSB5", probe.Answer{AT: true})
	out = f.arb.Arbitrate(context.Background(), generic)
	if out.State != StateReady || out.Plugin != "generic" || out.Modem.Kind() != modem.KindAT {
		t.Errorf("outcome = %v %q %v", out.State, out.Plugin, out.Err)
	}
}

func TestMandatoryGrabRollsBack(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	err := reg.Register(plugin.Descriptor{
		Name:        "Flaky",
		Protocols:   port.QMI,
		CreateModem: plugin.NewBroadband("Flaky"),
		GrabPort: func(ctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error) {
			if r.Port.Subsystem == port.SubsystemNet {
				return 0, errors.New("data interface busy")
			}
			return plugin.DefaultGrab(ctx, m, r)
		},
		Mandatory: func(_ *modem.Modem, r port.ProbeResult) bool {
			return r.Port.Subsystem == port.SubsystemNet
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, reg, map[string]probe.Answer{"ttyUSB0": {AT: true}, "ttyUSB1": {QCDM: true}}, time.Second)
	dev := exampleDevice("X")
	dev.Ports = append(dev.Ports, tty("ttyUSB1"))

	out := f.arb.Arbitrate(context.Background(), dev)
	if out.State != StateFailed {
		t.Fatalf("state = %v", out.State)
	}
	if !errors.Is(out.Err, ErrMandatoryPortGrabFailed) || out.Err.Port.Name != "wwan0" {
		t.Errorf("err = %v", out.Err)
	}
	if n := f.claims.Len(); n != 0 {
		t.Errorf("claimed ports after rollback = %d, want 0", n)
	}
	if out.Modem != nil {
		t.Error("failed outcome must not carry a modem")
	}
}

func TestMissingBackingPortFails(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	if err := reg.Register(plugin.Descriptor{
		Name:        "Picky",
		CreateModem: plugin.NewBroadband("Picky"),
		GrabPort: func(_ context.Context, _ *modem.Modem, r port.ProbeResult) (modem.Role, error) {
			return 0, fmt.Errorf("refuse %s: %w", r.Port, plugin.ErrPortRejected)
		},
		Mandatory: func(*modem.Modem, port.ProbeResult) bool { return false },
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, reg, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	out := f.arb.Arbitrate(context.Background(), port.Device{UID: "X", Ports: []port.Descriptor{tty("ttyUSB0")}})
	if out.State != StateFailed || !errors.Is(out.Err, ErrMandatoryPortGrabFailed) {
		t.Fatalf("outcome = %v %v", out.State, out.Err)
	}
	if len(out.Skipped) != 1 {
		t.Errorf("skipped = %v", out.Skipped)
	}
}

// singlePlugin returns an initialised registry holding only d.
func singlePlugin(t *testing.T, d plugin.Descriptor) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry(nil)
	if err := reg.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	return reg
}

// atAndQMIControl exposes an AT tty next to a QMI control node.
func atAndQMIControl(uid string) port.Device {
	return port.Device{
		UID:     uid,
		Drivers: []string{"option", probe.DriverQMI},
		Ports: []port.Descriptor{
			tty("ttyUSB2"),
			{Subsystem: port.SubsystemUSB, Name: "cdc-wdm0", Driver: probe.DriverQMI},
		},
	}
}

func claimedRoles(m *modem.Modem) map[string]modem.Role {
	roles := map[string]modem.Role{}
	for _, c := range m.Ports() {
		roles[c.Port.Name] = c.Role
	}
	return roles
}

func TestPluginProtocolsLimitClaims(t *testing.T) {
	answers := map[string]probe.Answer{"ttyUSB2": {AT: true}}
	tests := []struct {
		name      string
		protocols port.Flags
		wantKind  modem.Kind
		wantPort  string
		wantRole  modem.Role
		wantSkip  string
	}{
		{"qmi only", port.QMI, modem.KindQMI, "cdc-wdm0", modem.RoleQMI, "ttyUSB2"},
		{"plain at", 0, modem.KindAT, "ttyUSB2", modem.RolePrimary, "cdc-wdm0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := singlePlugin(t, plugin.Descriptor{Name: "Acme", Protocols: tt.protocols, CreateModem: plugin.NewBroadband("Acme")})
			f := newFixture(t, reg, answers, time.Second)

			out := f.arb.Arbitrate(context.Background(), atAndQMIControl("X"))
			if out.State != StateReady {
				t.Fatalf("state = %v, err = %v", out.State, out.Err)
			}
			if out.Modem.Kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", out.Modem.Kind(), tt.wantKind)
			}
			roles := claimedRoles(out.Modem)
			if len(roles) != 1 || roles[tt.wantPort] != tt.wantRole {
				t.Errorf("claimed = %v, want only %s as %v", roles, tt.wantPort, tt.wantRole)
			}
			if len(out.Skipped) != 1 || out.Skipped[0].Port.Name != tt.wantSkip ||
				!errors.Is(out.Skipped[0], ErrOptionalPortGrabFailed) {
				t.Fatalf("skipped = %v, want an optional failure for %s", out.Skipped, tt.wantSkip)
			}
			if !strings.Contains(out.Skipped[0].Error(), "no capability the plugin allows") {
				t.Errorf("skip = %v", out.Skipped[0])
			}
			if f.claims.Len() != 1 {
				t.Errorf("claimed ports = %d, want 1", f.claims.Len())
			}
		})
	}
}

func TestPlainATPluginNeedsATPort(t *testing.T) {
	reg := singlePlugin(t, plugin.Descriptor{Name: "Acme", CreateModem: plugin.NewBroadband("Acme")})
	f := newFixture(t, reg, nil, time.Second)

	out := f.arb.Arbitrate(context.Background(), atAndQMIControl("X"))
	if out.State != StateFailed || !errors.Is(out.Err, ErrFactoryRejected) {
		t.Fatalf("outcome = %v %v, want factory rejection", out.State, out.Err)
	}
	if f.claims.Len() != 0 {
		t.Errorf("claimed ports = %d, want 0", f.claims.Len())
	}
}

func TestFactoryRejected(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	if err := reg.Register(plugin.Descriptor{
		Name: "Nil",
		CreateModem: func(context.Context, port.Device, []port.ProbeResult) (*modem.Modem, error) {
			return nil, nil
		},
		VendorIDs: []uint16{0xffff},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(plugin.Descriptor{
		Name: "Veto",
		CreateModem: func(context.Context, port.Device, []port.ProbeResult) (*modem.Modem, error) {
			return nil, errors.New("needs a second AT port")
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, reg, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)

	for _, vendor := range []uint16{0x0001, 0xffff} {
		dev := port.Device{UID: "X", VendorID: vendor, Ports: []port.Descriptor{tty("ttyUSB0")}}
		out := f.arb.Arbitrate(context.Background(), dev)
		if out.State != StateFailed || !errors.Is(out.Err, ErrFactoryRejected) {
			t.Errorf("vendor %04x: outcome = %v %v", vendor, out.State, out.Err)
		}
	}
}

func TestNoMatchIsIdempotent(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	if err := reg.Register(plugin.Descriptor{Name: "OnlyQMI", Protocols: port.QMI, CreateModem: plugin.NewBroadband("OnlyQMI")}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, reg, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	dev := port.Device{UID: "X", Ports: []port.Descriptor{tty("ttyUSB0")}}

	first := f.arb.Arbitrate(context.Background(), dev)
	second := f.arb.Arbitrate(context.Background(), dev)
	for i, out := range []Outcome{first, second} {
		if out.State != StateFailed || !errors.Is(out.Err, ErrNoMatch) {
			t.Fatalf("run %d: outcome = %v %v", i, out.State, out.Err)
		}
		if out.Err.Reason != "unsupported device" {
			t.Errorf("run %d: reason = %q", i, out.Err.Reason)
		}
	}
	if first.Err.Error() != second.Err.Error() {
		t.Errorf("reasons differ: %q vs %q", first.Err, second.Err)
	}
}

func TestCancellationDuringProbing(t *testing.T) {
	f := newFixture(t, nil, map[string]probe.Answer{"ttyUSB0": {Hang: true}, "ttyUSB1": {Hang: true}}, time.Minute)
	dev := exampleDevice("X")
	dev.Ports = append(dev.Ports, tty("ttyUSB1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- f.arb.Arbitrate(ctx, dev) }()

	waitFor(t, func() bool { return f.script.InFlight() == 2 })
	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("arbitration did not stop after cancellation")
	}
	if out.State != StateRemoved || !errors.Is(out.Err, ErrProbeCancelled) {
		t.Errorf("outcome = %v %v", out.State, out.Err)
	}
	if n := f.claims.Len(); n != 0 {
		t.Errorf("claimed ports = %d, want 0", n)
	}
	if n := f.script.InFlight(); n != 0 {
		t.Errorf("running probes = %d, want 0", n)
	}
	for _, r := range out.Probes {
		if r.Port.Subsystem == port.SubsystemTTY && r.Trusted() {
			t.Errorf("%s: cancelled probe reported as %v", r.Port, r.State)
		}
	}
}

func TestCancellationDuringClaiming(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := plugin.NewRegistry(nil)
	if err := reg.Register(plugin.Descriptor{
		Name:        "Slow",
		Protocols:   port.QMI,
		CreateModem: plugin.NewBroadband("Slow"),
		GrabPort: func(gctx context.Context, m *modem.Modem, r port.ProbeResult) (modem.Role, error) {
			if r.Port.Subsystem == port.SubsystemNet {
				cancel()
				<-gctx.Done()
				return 0, gctx.Err()
			}
			return plugin.DefaultGrab(gctx, m, r)
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, reg, nil, time.Second)

	out := f.arb.Arbitrate(ctx, exampleDevice("X"))
	if out.State != StateRemoved {
		t.Fatalf("state = %v", out.State)
	}
	if n := f.claims.Len(); n != 0 {
		t.Errorf("claimed ports = %d, want 0", n)
	}
}

func TestProbeTimeoutIsContained(t *testing.T) {
	f := newFixture(t, nil, map[string]probe.Answer{"ttyUSB0": {Hang: true}}, 50*time.Millisecond)
	out := f.arb.Arbitrate(context.Background(), exampleDevice("X"))
	if out.State != StateReady {
		t.Fatalf("state = %v, err = %v", out.State, out.Err)
	}
	if len(out.Skipped) == 0 || !errors.Is(out.Skipped[0], ErrProbeTimeout) {
		t.Errorf("skipped = %v, want a probe timeout", out.Skipped)
	}
}

func TestIgnoredDeviceIsIdle(t *testing.T) {
	f := newFixture(t, nil, nil, time.Second)
	dev := exampleDevice("X")
	dev.Ports[0].Properties = map[string]string{port.PropDeviceIgnore: "1"}
	out := f.arb.Arbitrate(context.Background(), dev)
	if !out.Idle() || out.Err != nil {
		t.Errorf("outcome = %v %v, want idle", out.State, out.Err)
	}
	if f.script.Calls() != 0 {
		t.Error("ignored device must not be probed")
	}

	empty := f.arb.Arbitrate(context.Background(), port.Device{UID: "Y"})
	if !empty.Idle() {
		t.Errorf("device without ports: %v", empty.State)
	}
}

func TestPortsNeverSharedAcrossModems(t *testing.T) {
	answers := map[string]probe.Answer{}
	for i := 0; i <= 8; i++ {
		answers[fmt.Sprintf("ttyUSB%d", i)] = probe.Answer{AT: true}
	}
	f := newFixture(t, nil, answers, time.Second)

	// Every device reports the same shared port alongside its own.
	var wg sync.WaitGroup
	outs := make([]Outcome, 8)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dev := port.Device{
				UID:      fmt.Sprintf("dev-%d", i),
				VendorID: 0x2c7c,
				Ports:    []port.Descriptor{tty(fmt.Sprintf("ttyUSB%d", i+1)), tty("ttyUSB0")},
			}
			outs[i] = f.arb.Arbitrate(context.Background(), dev)
		}(i)
	}
	wg.Wait()

	seen := map[port.Key]string{}
	ready := 0
	for _, out := range outs {
		if out.Modem == nil {
			continue
		}
		ready++
		for _, c := range out.Modem.Ports() {
			if prev, ok := seen[c.Port.Key()]; ok {
				t.Errorf("%s claimed by %s and %s", c.Port, prev, out.Device.UID)
			}
			seen[c.Port.Key()] = out.Device.UID
		}
	}
	if ready == 0 {
		t.Error("expected at least one ready modem")
	}
	if f.claims.Len() != len(seen) {
		t.Errorf("registry holds %d ports, modems hold %d", f.claims.Len(), len(seen))
	}
}

func TestClaimOrder(t *testing.T) {
	res := func(sub port.Subsystem, name string, flags port.Flags, props map[string]string) port.ProbeResult {
		return port.ProbeResult{Port: port.Descriptor{Subsystem: sub, Name: name, Properties: props}, Flags: flags, State: port.StateComplete}
	}
	in := []port.ProbeResult{
		res(port.SubsystemNet, "wwan0", port.QMI, nil),
		res(port.SubsystemTTY, "ttyUSB4", 0, nil),
		res(port.SubsystemTTY, "ttyUSB3", port.AT, map[string]string{port.PropATSecondary: "1"}),
		res(port.SubsystemTTY, "ttyUSB0", port.QCDM, nil),
		res(port.SubsystemTTY, "ttyUSB2", port.AT, nil),
		res(port.SubsystemTTY, "ttyUSB1", port.AT, map[string]string{port.PropATPrimary: "1"}),
		res(port.SubsystemUSB, "cdc-wdm0", port.QMI, nil),
	}
	var got []string
	for _, r := range ClaimOrder(in) {
		got = append(got, r.Port.Name)
	}
	want := "cdc-wdm0 ttyUSB1 ttyUSB2 ttyUSB3 ttyUSB0 ttyUSB4 wwan0"
	if strings.Join(got, " ") != want {
		t.Errorf("order = %v, want %s", got, want)
	}
	if in[0].Port.Name != "wwan0" {
		t.Error("ClaimOrder must not reorder its input")
	}
}

func TestErrorKinds(t *testing.T) {
	e := newError(KindMandatoryPortGrabFailed, "X", port.Key{Subsystem: port.SubsystemNet, Name: "wwan0"}, "mandatory port grab failed", plugin.ErrPortRejected)
	if !errors.Is(e, ErrMandatoryPortGrabFailed) || errors.Is(e, ErrNoMatch) {
		t.Error("errors.Is must match on kind")
	}
	if !errors.Is(e, plugin.ErrPortRejected) {
		t.Error("cause must be unwrapped")
	}
	var target *Error
	if !errors.As(fmt.Errorf("wrapped: %w", e), &target) || target.UID != "X" {
		t.Error("errors.As should find the arbitration error")
	}
	if !KindMandatoryPortGrabFailed.Aborts() || KindOptionalPortGrabFailed.Aborts() {
		t.Error("Aborts mismatch")
	}
	if k, ok := ParseKind("no-match"); !ok || k != KindNoMatch {
		t.Errorf("ParseKind = %v %v", k, ok)
	}
	if !strings.Contains(e.Error(), "net/wwan0") {
		t.Errorf("Error() = %q", e.Error())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
