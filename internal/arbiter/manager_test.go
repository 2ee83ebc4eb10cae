package arbiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gezibash/arc-modem/internal/enumerate"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/internal/probe"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
)

type sinkEvent struct {
	kind    string
	uid     string
	outcome Outcome
	reason  string
}

type recordingSink struct {
	events chan sinkEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan sinkEvent, 64)}
}

func (s *recordingSink) ModemReady(_ context.Context, o Outcome) {
	s.events <- sinkEvent{kind: "ready", uid: o.Device.UID, outcome: o}
}

func (s *recordingSink) ModemRemoved(_ context.Context, m modem.Snapshot, reason string) {
	s.events <- sinkEvent{kind: "removed", uid: m.UID, reason: reason}
}

func (s *recordingSink) ArbitrationFailed(_ context.Context, o Outcome) {
	s.events <- sinkEvent{kind: "failed", uid: o.Device.UID, outcome: o}
}

func (s *recordingSink) next(t *testing.T) sinkEvent {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no sink event")
		return sinkEvent{}
	}
}

func (s *recordingSink) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected sink event %s for %s", ev.kind, ev.uid)
	case <-time.After(d):
	}
}

func newManager(t *testing.T, answers map[string]probe.Answer, timeout time.Duration) (*Manager, *fixture, *recordingSink) {
	t.Helper()
	f := newFixture(t, nil, answers, timeout)
	sink := newRecordingSink()
	m := NewManager(f.arb, f.claims, sink, f.metrics, nil)
	t.Cleanup(m.Close)
	return m, f, sink
}

func TestManagerReadyAndRemove(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)

	if err := m.Update(exampleDevice("X")); err != nil {
		t.Fatal(err)
	}
	ev := sink.next(t)
	if ev.kind != "ready" || ev.uid != "X" {
		t.Fatalf("event = %s %s", ev.kind, ev.uid)
	}
	if mods := m.Modems(); len(mods) != 1 || mods[0].Plugin != "Sierra" {
		t.Errorf("modems = %+v", mods)
	}
	if _, ok := m.Modem("X"); !ok {
		t.Error("Modem(X) not found")
	}

	m.Remove("X")
	ev = sink.next(t)
	if ev.kind != "removed" || ev.reason != "device removed" {
		t.Errorf("event = %s %q", ev.kind, ev.reason)
	}
	if f.claims.Len() != 0 {
		t.Errorf("claimed ports after removal = %d", f.claims.Len())
	}
	if len(m.Modems()) != 0 {
		t.Error("modem still listed after removal")
	}
}

func TestManagerDoesNotRerunUnchangedDevice(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	dev := exampleDevice("X")
	dev.VendorID = 0x2c7c
	dev.Drivers = []string{"option"}
	dev.Ports = []port.Descriptor{{Subsystem: port.SubsystemNet, Name: "eth5", Driver: "cdc_ether"}}

	_ = m.Update(dev)
	ev := sink.next(t)
	if ev.kind != "failed" || !errors.Is(ev.outcome.Err, ErrNoMatch) {
		t.Fatalf("event = %s %v", ev.kind, ev.outcome.Err)
	}
	calls := f.script.Calls()

	_ = m.Update(dev)
	sink.quiet(t, 100*time.Millisecond)
	if last, ok := m.Last("X"); !ok || !errors.Is(last.Err, ErrNoMatch) {
		t.Errorf("last = %v %v", last.State, last.Err)
	}

	// A delayed driver bind adds the missing AT port.
	dev.Ports = append(dev.Ports, tty("ttyUSB0"))
	_ = m.Update(dev)
	ev = sink.next(t)
	if ev.kind != "ready" || ev.outcome.Plugin != "generic" {
		t.Fatalf("event = %s %q %v", ev.kind, ev.outcome.Plugin, ev.outcome.Err)
	}
	if f.script.Calls() == calls {
		t.Error("port set change should trigger probing")
	}
}

func TestManagerClaimedPortLossRearbitrates(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {AT: true}, "ttyUSB2": {AT: true}}, time.Second)
	dev := port.Device{UID: "X", VendorID: 0x2c7c, Drivers: []string{"option"}, Ports: []port.Descriptor{tty("ttyUSB0"), tty("ttyUSB2")}}
	_ = m.Update(dev)
	if ev := sink.next(t); ev.kind != "ready" {
		t.Fatalf("event = %s", ev.kind)
	}

	dev.Ports = dev.Ports[1:]
	_ = m.Update(dev)
	if ev := sink.next(t); ev.kind != "removed" {
		t.Fatalf("event = %s, want removed", ev.kind)
	}
	ev := sink.next(t)
	if ev.kind != "ready" {
		t.Fatalf("event = %s, want ready", ev.kind)
	}
	ports := ev.outcome.Modem.Ports()
	if len(ports) != 1 || ports[0].Port.Name != "ttyUSB2" || ports[0].Role != modem.RolePrimary {
		t.Errorf("ports after re-arbitration = %+v", ports)
	}
	if _, ok := f.claims.Owner(port.Key{Subsystem: port.SubsystemTTY, Name: "ttyUSB0"}); ok {
		t.Error("vanished port still claimed")
	}
}

func TestManagerRemoveDuringProbing(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {Hang: true}}, time.Minute)
	_ = m.Update(exampleDevice("X"))
	waitFor(t, func() bool { return f.script.InFlight() == 1 })

	m.Remove("X")
	ev := sink.next(t)
	if ev.kind != "failed" || ev.outcome.State != StateRemoved || !errors.Is(ev.outcome.Err, ErrProbeCancelled) {
		t.Errorf("event = %s %v %v", ev.kind, ev.outcome.State, ev.outcome.Err)
	}
	if n := f.script.InFlight(); n != 0 {
		t.Errorf("running probes = %d", n)
	}
	if n := f.claims.Len(); n != 0 {
		t.Errorf("claimed ports = %d", n)
	}
}

func TestManagerRestartsOnPortChangeDuringProbing(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {Hang: true}, "ttyUSB1": {AT: true}}, time.Minute)
	dev := exampleDevice("X")
	_ = m.Update(dev)
	waitFor(t, func() bool { return f.script.InFlight() == 1 })

	// ttyUSB0 disappears and ttyUSB1 shows up before probing completes.
	dev.Ports = []port.Descriptor{tty("ttyUSB1"), qmiNet("wwan0")}
	_ = m.Update(dev)

	ev := sink.next(t)
	if ev.kind != "ready" {
		t.Fatalf("event = %s %v", ev.kind, ev.outcome.Err)
	}
	for _, r := range ev.outcome.Probes {
		if r.Port.Name == "ttyUSB0" {
			t.Error("restarted cycle probed a vanished port")
		}
	}
}

func TestManagerRun(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	events := make(chan enumerate.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, events) }()

	events <- enumerate.Event{Type: enumerate.EventAdded, Device: exampleDevice("X")}
	if ev := sink.next(t); ev.kind != "ready" {
		t.Fatalf("event = %s", ev.kind)
	}
	events <- enumerate.Event{Type: enumerate.EventRemoved, Device: port.Device{UID: "X"}}
	if ev := sink.next(t); ev.kind != "removed" {
		t.Fatalf("event = %s", ev.kind)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := m.Update(exampleDevice("Y")); !errors.Is(err, mmerrors.ErrClosed) {
		t.Errorf("update after close err = %v", err)
	}
	if f.claims.Len() != 0 {
		t.Errorf("claimed ports = %d", f.claims.Len())
	}
}

func TestManagerCloseDestroysModems(t *testing.T) {
	m, f, sink := newManager(t, map[string]probe.Answer{"ttyUSB0": {AT: true}}, time.Second)
	_ = m.Update(exampleDevice("X"))
	if ev := sink.next(t); ev.kind != "ready" {
		t.Fatalf("event = %s", ev.kind)
	}
	m.Close()
	if ev := sink.next(t); ev.kind != "removed" {
		t.Errorf("event = %s", ev.kind)
	}
	if f.claims.Len() != 0 {
		t.Errorf("claimed ports = %d", f.claims.Len())
	}
}
