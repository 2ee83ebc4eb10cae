package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/arc-modem/internal/arbiter"
	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/port"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	b, err := physical.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New(b, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i, uid := range []string{"usb1/1-1", "usb1/1-2", "usb1/1-1"} {
		r := Record{UID: uid, Event: EventFailed, Time: epoch.Add(time.Duration(i) * time.Minute)}
		if _, err := s.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("records = %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i-1].Time.After(all[i].Time) {
			t.Errorf("not newest first: %v then %v", all[i-1].Time, all[i].Time)
		}
	}
	if all[0].ID == "" {
		t.Error("id not assigned")
	}

	dev, err := s.List(ctx, Query{UID: "usb1/1-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dev) != 2 || dev[0].UID != "usb1/1-1" || !dev[0].Time.Equal(epoch.Add(2*time.Minute)) {
		t.Errorf("device records = %+v", dev)
	}

	limited, err := s.List(ctx, Query{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || !limited[0].Time.Equal(epoch.Add(2*time.Minute)) {
		t.Errorf("limited = %+v", limited)
	}
}

func TestAppendRequiresUID(t *testing.T) {
	s := newStore(t)
	if _, err := s.Append(context.Background(), Record{Event: EventReady}); err == nil {
		t.Error("record without uid accepted")
	}
}

func TestAppendDefaultsTime(t *testing.T) {
	s := newStore(t)
	s.now = func() time.Time { return epoch }
	r, err := s.Append(context.Background(), Record{UID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Time.Equal(epoch) {
		t.Errorf("time = %v", r.Time)
	}
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := s.Append(ctx, Record{UID: "x", Time: epoch.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Prune(ctx, epoch.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	for _, q := range []Query{{}, {UID: "x"}} {
		left, err := s.List(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		if len(left) != 2 || left[1].Time.Before(epoch.Add(2*time.Hour)) {
			t.Errorf("query %+v left = %+v", q, left)
		}
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Keys != 4 {
		t.Errorf("keys = %d, want 4 (two records, two indexes)", stats.Keys)
	}
}

func readyOutcome() arbiter.Outcome {
	dev := port.Device{UID: "usb1/1-1", VendorID: 0x1199, ProductID: 0x9071}
	wwan := port.Descriptor{Subsystem: port.SubsystemNet, Name: "wwan0", Driver: "qmi_wwan"}
	m := modem.New(dev, "Sierra", modem.KindQMI)
	_ = m.Attach(wwan, 0, modem.RoleData)
	_ = m.Ready()
	return arbiter.Outcome{
		Attempt:  "a-1",
		Device:   dev,
		Plugin:   "Sierra",
		Modem:    m,
		State:    arbiter.StateReady,
		Skipped:  []*arbiter.Error{{Kind: arbiter.KindOptionalPortGrabFailed, Port: port.Key{Subsystem: port.SubsystemTTY, Name: "ttyUSB0"}}},
		Started:  epoch,
		Finished: epoch.Add(40 * time.Millisecond),
	}
}

func TestFromOutcome(t *testing.T) {
	r := FromOutcome(readyOutcome())
	if r.Event != EventReady || r.Plugin != "Sierra" || r.Kind != "qmi" || r.Device != "1199:9071" {
		t.Errorf("record = %+v", r)
	}
	if len(r.Ports) != 1 || r.Ports[0].Port != "net/wwan0" || r.Ports[0].Role != "data" {
		t.Errorf("ports = %+v", r.Ports)
	}
	if len(r.Skipped) != 1 || !strings.Contains(r.Skipped[0], "ttyUSB0") {
		t.Errorf("skipped = %v", r.Skipped)
	}
	if r.Duration != 40*time.Millisecond {
		t.Errorf("duration = %v", r.Duration)
	}

	failed := FromOutcome(arbiter.Outcome{
		Device: port.Device{UID: "u"},
		State:  arbiter.StateFailed,
		Err:    &arbiter.Error{Kind: arbiter.KindNoMatch, UID: "u", Reason: "unsupported device"},
	})
	if failed.Event != EventFailed || failed.ErrorKind != "no-match" || !strings.Contains(failed.Reason, "unsupported device") {
		t.Errorf("failed record = %+v", failed)
	}

	cancelled := FromOutcome(arbiter.Outcome{Device: port.Device{UID: "u"}, State: arbiter.StateRemoved})
	if cancelled.Event != EventCancelled {
		t.Errorf("cancelled event = %s", cancelled.Event)
	}
}

func TestSink(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	out := readyOutcome()

	s.ModemReady(ctx, out)
	s.ModemRemoved(ctx, out.Modem.Snapshot(), "device removed")

	recs, err := s.List(ctx, Query{UID: "usb1/1-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].Event != EventModemRemoved || recs[0].Reason != "device removed" || recs[0].Plugin != "Sierra" {
		t.Errorf("removal record = %+v", recs[0])
	}
	if recs[1].Event != EventReady || recs[1].Attempt != "a-1" {
		t.Errorf("ready record = %+v", recs[1])
	}
}
