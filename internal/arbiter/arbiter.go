// Package arbiter decides, for each physical device, which plugin drives it
// and which of its ports the resulting modem owns.
//
// One arbitration cycle walks collecting-ports, probing, selecting-plugin,
// instantiating and claiming-ports, ending in ready or failed. Cancelling
// the cycle's context at any point ends it in removed with every port it
// claimed released.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-modem/internal/claim"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// State is a step of the arbitration state machine.
type State int

const (
	StateCollecting State = iota
	StateProbing
	StateSelecting
	StateInstantiating
	StateClaiming
	StateReady
	StateFailed
	StateRemoved
)

var stateNames = [...]string{
	StateCollecting:    "collecting-ports",
	StateProbing:       "probing",
	StateSelecting:     "selecting-plugin",
	StateInstantiating: "instantiating",
	StateClaiming:      "claiming-ports",
	StateReady:         "ready",
	StateFailed:        "failed",
	StateRemoved:       "removed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the cycle ended in s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateRemoved
}

// Prober probes a set of ports and returns once every probe is terminal.
type Prober interface {
	ProbeAll(ctx context.Context, ports []port.Descriptor) []port.ProbeResult
}

// Outcome is the result of one arbitration cycle.
type Outcome struct {
	Attempt string
	Device  port.Device
	Probes  []port.ProbeResult
	Plugin  string
	// Modem is set when State is StateReady.
	Modem *modem.Modem
	State State
	// Err is the terminal failure, nil when ready or when the device had no
	// candidate ports.
	Err *Error
	// Skipped holds contained failures: probe timeouts and optional grabs.
	Skipped []*Error
	// Path lists the states visited, in order.
	Path     []State
	Started  time.Time
	Finished time.Time
}

// Idle reports whether the device had no candidate ports.
func (o Outcome) Idle() bool {
	return o.State == StateCollecting
}

// Arbitrator runs arbitration cycles. It holds no per-device state and is
// safe for concurrent use across devices.
type Arbitrator struct {
	registry *plugin.Registry
	prober   Prober
	claims   *claim.Registry
	metrics  *observability.Metrics
	log      *logging.Logger
}

// New creates an Arbitrator. metrics may be nil.
func New(registry *plugin.Registry, prober Prober, claims *claim.Registry, metrics *observability.Metrics, log *logging.Logger) *Arbitrator {
	if log == nil {
		log = logging.New(nil)
	}
	return &Arbitrator{
		registry: registry,
		prober:   prober,
		claims:   claims,
		metrics:  metrics,
		log:      log.WithComponent("arbiter"),
	}
}

// cycle carries the mutable state of one Arbitrate call.
type cycle struct {
	a       *Arbitrator
	out     Outcome
	log     *logging.Logger
	modem   *modem.Modem
	claimed []port.Key
}

// Arbitrate runs one full cycle for dev. Cancelling ctx removes the device:
// outstanding probes stop and nothing claimed by this cycle stays claimed.
func (a *Arbitrator) Arbitrate(ctx context.Context, dev port.Device) Outcome {
	c := &cycle{
		a: a,
		out: Outcome{
			Attempt: uuid.NewString(),
			Device:  dev.Clone(),
			Started: time.Now(),
		},
	}
	c.log = a.log.WithDevice(dev.UID).WithAttempt(c.out.Attempt)

	op, ctx := observability.StartOperation(ctx, a.metrics, "arbiter.arbitrate",
		observability.AttrDevice.String(dev.UID),
		observability.AttrIDs.String(dev.IDs()),
	)
	c.run(ctx)
	c.out.Finished = time.Now()

	var err error
	if c.out.Err != nil {
		err = c.out.Err
	}
	if c.out.Plugin != "" {
		op.SetAttributes(observability.AttrPlugin.String(c.out.Plugin))
	}
	op.SetAttributes(observability.AttrOutcome.String(c.out.State.String()))
	op.End(err)
	a.record(c.out)
	return c.out
}

func (c *cycle) enter(s State) {
	c.out.State = s
	c.out.Path = append(c.out.Path, s)
	c.log.Debug("arbitration state", "state", s.String())
}

func (c *cycle) run(ctx context.Context) {
	dev := c.out.Device

	c.enter(StateCollecting)
	ports := dev.Candidates()
	if len(ports) == 0 {
		c.log.Debug("no candidate ports")
		return
	}
	if ctx.Err() != nil {
		c.remove(newError(KindProbeCancelled, dev.UID, port.Key{}, "device removed before probing", ctx.Err()))
		return
	}

	c.enter(StateProbing)
	c.out.Probes = c.a.prober.ProbeAll(ctx, ports)
	if ctx.Err() != nil {
		c.remove(newError(KindProbeCancelled, dev.UID, port.Key{}, "device removed while probing", ctx.Err()))
		return
	}
	for _, r := range c.out.Probes {
		if r.State == port.StateTimedOut {
			c.skip(newError(KindProbeTimeout, dev.UID, r.Port.Key(), "probe timed out; partial capabilities "+r.Flags.String(), r.Err))
		}
	}

	c.enter(StateSelecting)
	p, err := c.a.registry.Select(dev, c.out.Probes)
	if err != nil {
		reason := "unsupported device"
		if !errors.Is(err, plugin.ErrNoMatch) {
			reason = "plugin registry unavailable"
		}
		c.fail(newError(KindNoMatch, dev.UID, port.Key{}, reason, err))
		return
	}
	c.out.Plugin = p.Name
	c.log = c.log.WithPlugin(p.Name)

	c.enter(StateInstantiating)
	m, err := p.Create(ctx, dev, c.out.Probes)
	if ctx.Err() != nil {
		c.remove(newError(KindProbeCancelled, dev.UID, port.Key{}, "device removed while instantiating", ctx.Err()))
		return
	}
	if err != nil || m == nil {
		if err == nil {
			err = errors.New("factory returned no modem")
		}
		c.fail(newError(KindFactoryRejected, dev.UID, port.Key{}, "factory rejected device", err))
		return
	}

	c.modem = m
	c.enter(StateClaiming)
	if !c.claimPorts(ctx, p, m) {
		return
	}
	if ctx.Err() != nil {
		c.remove(newError(KindProbeCancelled, dev.UID, port.Key{}, "device removed while claiming", ctx.Err()))
		return
	}
	if err := m.Ready(); err != nil {
		c.fail(newError(KindMandatoryPortGrabFailed, dev.UID, port.Key{}, "modem could not become ready", err))
		return
	}
	c.out.Modem = m
	c.enter(StateReady)
	c.log.Info("modem ready", "kind", m.Kind().String(), "ports", len(m.Ports()))
}

// claimPorts offers every compatible port to the plugin in claim order,
// with its flags restricted to the plugin's protocols. It reports false when
// the cycle ended.
func (c *cycle) claimPorts(ctx context.Context, p *plugin.Descriptor, m *modem.Modem) bool {
	uid := c.out.Device.UID
	ordered := ClaimOrder(c.out.Probes)
	for i, r := range p.Restrict(ordered) {
		if ctx.Err() != nil {
			c.remove(newError(KindProbeCancelled, uid, r.Port.Key(), "device removed while claiming", ctx.Err()))
			return false
		}
		if !p.Compatible(ordered[i]) {
			continue
		}
		mandatory := p.IsMandatory(m, r)
		err := c.grab(ctx, p, m, r)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			c.remove(newError(KindProbeCancelled, uid, r.Port.Key(), "device removed while claiming", ctx.Err()))
			return false
		}
		if mandatory {
			c.fail(newError(KindMandatoryPortGrabFailed, uid, r.Port.Key(), "mandatory port grab failed", err))
			return false
		}
		c.skip(newError(KindOptionalPortGrabFailed, uid, r.Port.Key(), "optional port grab failed", err))
	}

	if backing := m.Kind().Capability(); !m.HasCapability(backing) {
		c.fail(newError(KindMandatoryPortGrabFailed, uid, port.Key{},
			fmt.Sprintf("no %s port claimed for a %s modem", backing, m.Kind()), nil))
		return false
	}
	return true
}

// grab asks the plugin for a role, then claims the port host-wide and
// attaches it to m. A port claimed elsewhere counts as a failed grab.
func (c *cycle) grab(ctx context.Context, p *plugin.Descriptor, m *modem.Modem, r port.ProbeResult) error {
	role, err := p.Grab(ctx, m, r)
	if err != nil {
		return err
	}
	key := r.Port.Key()
	uid := c.out.Device.UID
	if m.Owns(key) {
		return fmt.Errorf("port %s listed twice", key)
	}
	if err := c.a.claims.Claim(key, uid); err != nil {
		return err
	}
	if err := m.Attach(r.Port, r.Flags, role); err != nil {
		c.a.claims.Release(key, uid)
		return err
	}
	c.claimed = append(c.claimed, key)
	c.log.WithPort(string(key.Subsystem), key.Name).Debug("port claimed", "role", role.String())
	return nil
}

// rollback releases everything this cycle claimed. The modem, if any, is
// finished by the caller.
func (c *cycle) rollback() {
	for _, k := range c.claimed {
		c.a.claims.Release(k, c.out.Device.UID)
	}
	c.claimed = nil
}

func (c *cycle) skip(e *Error) {
	c.out.Skipped = append(c.out.Skipped, e)
	c.log.Info("contained arbitration error", "kind", e.Kind.String(), "error", e.Error())
}

func (c *cycle) fail(e *Error) {
	c.rollback()
	if c.modem != nil {
		c.modem.Fail()
	}
	c.out.Err = e
	c.enter(StateFailed)
	c.log.Warn("arbitration failed", "kind", e.Kind.String(), "reason", e.Error())
}

func (c *cycle) remove(e *Error) {
	c.rollback()
	if c.modem != nil {
		c.modem.Remove()
	}
	c.out.Err = e
	c.enter(StateRemoved)
	c.log.Info("arbitration abandoned", "reason", e.Reason)
}

func (a *Arbitrator) record(o Outcome) {
	if a.metrics == nil || o.Idle() {
		return
	}
	outcome := o.State.String()
	if o.Err != nil && o.State == StateFailed {
		outcome = o.Err.Kind.String()
	}
	a.metrics.ArbitrationTotal.WithLabelValues(outcome).Inc()
	if o.Err != nil {
		a.metrics.ErrorsTotal.WithLabelValues("arbiter.arbitrate", o.Err.Kind.String()).Inc()
	}
	for _, e := range o.Skipped {
		a.metrics.ErrorsTotal.WithLabelValues("arbiter.arbitrate", e.Kind.String()).Inc()
	}
}

// ClaimOrder sorts probe results into the order ports are offered to a
// plugin: QMI and MBIM control nodes, AT ports (udev primary hint first,
// secondary hint last), QCDM ports, other serial ports, then net ports. Ties
// break on subsystem and name.
func ClaimOrder(results []port.ProbeResult) []port.ProbeResult {
	out := slices.Clone(results)
	slices.SortStableFunc(out, func(a, b port.ProbeResult) int {
		if ra, rb := claimRank(a), claimRank(b); ra != rb {
			return ra - rb
		}
		if a.Port.Subsystem != b.Port.Subsystem {
			if a.Port.Subsystem < b.Port.Subsystem {
				return -1
			}
			return 1
		}
		switch {
		case a.Port.Name < b.Port.Name:
			return -1
		case a.Port.Name > b.Port.Name:
			return 1
		}
		return 0
	})
	return out
}

func claimRank(r port.ProbeResult) int {
	d := r.Port
	switch {
	case d.Subsystem == port.SubsystemNet:
		return 6
	case r.Flags.Intersects(port.QMI | port.MBIM):
		return 0
	case r.Has(port.AT) && d.Flag(port.PropATPrimary):
		return 1
	case r.Has(port.AT) && d.Flag(port.PropATSecondary):
		return 3
	case r.Has(port.AT):
		return 2
	case r.Has(port.QCDM):
		return 4
	default:
		return 5
	}
}
