package arbiter

import (
	"context"
	"slices"
	"sync"

	"github.com/gezibash/arc-modem/internal/claim"
	"github.com/gezibash/arc-modem/internal/enumerate"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/port"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// Manager arbitrates every known device. Each device has one worker that
// serializes its events, so devices are arbitrated in parallel while the
// state machine of one device never runs twice at once.
type Manager struct {
	arb     *Arbitrator
	claims  *claim.Registry
	sink    Sink
	metrics *observability.Metrics
	log     *logging.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager. sink and metrics may be nil.
func NewManager(arb *Arbitrator, claims *claim.Registry, sink Sink, metrics *observability.Metrics, log *logging.Logger) *Manager {
	if sink == nil {
		sink = Sinks{}
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &Manager{
		arb:     arb,
		claims:  claims,
		sink:    sink,
		metrics: metrics,
		log:     log.WithComponent("manager"),
		workers: make(map[string]*worker),
	}
}

// Run applies events until ctx is done or events is closed, then closes the
// manager.
func (m *Manager) Run(ctx context.Context, events <-chan enumerate.Event) error {
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case enumerate.EventAdded, enumerate.EventChanged:
				if err := m.Update(ev.Device); err != nil {
					return err
				}
			case enumerate.EventRemoved:
				m.Remove(ev.Device.UID)
			}
		}
	}
}

// Update reports the current snapshot of a device, starting arbitration when
// the device is new or its port set changed.
func (m *Manager) Update(dev port.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return mmerrors.ErrClosed
	}
	w, ok := m.workers[dev.UID]
	if !ok {
		w = m.spawn(dev.UID)
	}
	w.offer(dev.Clone())
	return nil
}

// Remove cancels any cycle in flight for uid, destroys its modem and blocks
// until the device's worker has exited.
func (m *Manager) Remove(uid string) {
	m.mu.Lock()
	w, ok := m.workers[uid]
	if ok {
		delete(m.workers, uid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	m.refreshGauge()
}

// Close removes every device and waits for all workers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ws := make([]*worker, 0, len(m.workers))
	for uid, w := range m.workers {
		ws = append(ws, w)
		delete(m.workers, uid)
	}
	m.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
	m.wg.Wait()
	m.refreshGauge()
}

// Modems returns snapshots of every ready modem, ordered by uid.
func (m *Manager) Modems() []modem.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []modem.Snapshot
	for _, w := range m.workers {
		if mod := w.current(); mod != nil {
			out = append(out, mod.Snapshot())
		}
	}
	slices.SortFunc(out, func(a, b modem.Snapshot) int {
		switch {
		case a.UID < b.UID:
			return -1
		case a.UID > b.UID:
			return 1
		}
		return 0
	})
	return out
}

// Modem returns the ready modem for uid.
func (m *Manager) Modem(uid string) (*modem.Modem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[uid]
	if !ok {
		return nil, false
	}
	mod := w.current()
	return mod, mod != nil
}

// Last returns the most recent terminal outcome for uid.
func (m *Manager) Last(uid string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[uid]
	if !ok {
		return Outcome{}, false
	}
	return w.lastOutcome()
}

func (m *Manager) spawn(uid string) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		m:       m,
		uid:     uid,
		updates: make(chan port.Device, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     m.log.WithDevice(uid),
	}
	m.workers[uid] = w
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(w.done)
		w.loop(ctx)
	}()
	return w
}

func (m *Manager) refreshGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]float64{modem.StateReady.String(): 0, modem.StateFailed.String(): 0}
	for _, w := range m.workers {
		if o, ok := w.lastOutcome(); ok {
			switch o.State {
			case StateReady:
				counts[modem.StateReady.String()]++
			case StateFailed:
				counts[modem.StateFailed.String()]++
			}
		}
	}
	for state, n := range counts {
		m.metrics.Modems.WithLabelValues(state).Set(n)
	}
}

// worker owns the arbitration of one device.
type worker struct {
	m       *Manager
	uid     string
	updates chan port.Device
	cancel  context.CancelFunc
	done    chan struct{}
	log     *logging.Logger

	mu    sync.Mutex
	last  *Outcome
	modem *modem.Modem
}

// offer queues dev, replacing any snapshot not yet picked up.
func (w *worker) offer(dev port.Device) {
	for {
		select {
		case w.updates <- dev:
			return
		default:
		}
		select {
		case <-w.updates:
		default:
		}
	}
}

func (w *worker) current() *modem.Modem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.modem
}

func (w *worker) lastOutcome() (Outcome, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Outcome{}, false
	}
	return *w.last, true
}

type running struct {
	dev    port.Device
	cancel context.CancelFunc
	result chan Outcome
}

func (w *worker) loop(ctx context.Context) {
	var (
		cur     *running
		pending *port.Device
		known   *port.Device
	)

	start := func(dev port.Device) {
		cctx, cancel := context.WithCancel(ctx)
		r := &running{dev: dev, cancel: cancel, result: make(chan Outcome, 1)}
		go func() { r.result <- w.m.arb.Arbitrate(cctx, dev) }()
		cur = r
	}

	consider := func(dev port.Device) {
		prev := known
		known = &dev
		if !w.needsCycle(prev, dev) {
			return
		}
		start(dev)
	}

	for {
		var results chan Outcome
		if cur != nil {
			results = cur.result
		}
		select {
		case <-ctx.Done():
			if cur != nil {
				cur.cancel()
				w.apply(ctx, <-cur.result)
			}
			w.destroy("device removed")
			return

		case dev := <-w.updates:
			if cur == nil {
				consider(dev)
				continue
			}
			if !samePorts(cur.dev, dev) {
				w.log.Debug("port set changed during arbitration; restarting")
				cur.cancel()
			}
			pending = &dev

		case out := <-results:
			cur.cancel()
			restarted := out.State == StateRemoved && ctx.Err() == nil
			cur = nil
			if !restarted {
				w.apply(ctx, out)
			}
			if pending != nil {
				dev := *pending
				pending = nil
				if restarted {
					known = &dev
					start(dev)
				} else {
					consider(dev)
				}
			}
		}
	}
}

// needsCycle decides whether dev warrants arbitration given the previously
// seen snapshot. A ready modem survives additions but not the loss of a port
// it claimed.
func (w *worker) needsCycle(prev *port.Device, dev port.Device) bool {
	if prev != nil && samePorts(*prev, dev) {
		return false
	}
	mod := w.current()
	if mod == nil {
		return true
	}
	for _, c := range mod.Ports() {
		if _, ok := dev.Port(c.Port.Key()); !ok {
			w.log.Info("claimed port disappeared", "port", c.Port.String())
			w.destroy("claimed port " + c.Port.String() + " removed")
			return true
		}
	}
	return false
}

// apply publishes a terminal outcome.
func (w *worker) apply(ctx context.Context, out Outcome) {
	if out.Idle() {
		return
	}
	w.mu.Lock()
	w.last = &out
	if out.State == StateReady {
		w.modem = out.Modem
	}
	w.mu.Unlock()

	// Sinks must not be starved by the worker's own cancellation.
	sctx := context.WithoutCancel(ctx)
	switch out.State {
	case StateReady:
		w.m.sink.ModemReady(sctx, out)
	case StateFailed:
		w.m.sink.ArbitrationFailed(sctx, out)
	case StateRemoved:
		w.m.sink.ArbitrationFailed(sctx, out)
	}
	w.m.refreshGauge()
}

// destroy releases a ready modem's ports and announces its removal.
func (w *worker) destroy(reason string) {
	w.mu.Lock()
	mod := w.modem
	w.modem = nil
	w.mu.Unlock()
	if mod == nil {
		return
	}
	// Removal empties the modem; the announcement still lists what it held.
	snap := mod.Snapshot()
	snap.State = modem.StateRemoved
	for _, c := range mod.Remove() {
		w.m.claims.Release(c.Port.Key(), mod.UID())
	}
	w.log.Info("modem removed", "reason", reason)
	w.m.sink.ModemRemoved(context.Background(), snap, reason)
	w.m.refreshGauge()
}

// samePorts compares port keys and drivers of two snapshots.
func samePorts(a, b port.Device) bool {
	if len(a.Ports) != len(b.Ports) || !slices.Equal(a.Drivers, b.Drivers) {
		return false
	}
	keys := func(d port.Device) []string {
		out := make([]string, len(d.Ports))
		for i, p := range d.Ports {
			out[i] = p.Key().String()
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(keys(a), keys(b))
}
