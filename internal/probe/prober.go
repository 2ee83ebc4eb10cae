// Package probe discovers which protocols a port speaks.
//
// QMI and MBIM control nodes are recognised structurally from the kernel
// driver. Serial ports are probed live, AT first and QCDM second, through an
// Exchanger supplied by the transport layer. Every probe is bounded by a
// per-port timeout and stops promptly when its context is cancelled.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/port"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// Protocol is a live-probed protocol.
type Protocol int

const (
	ProtocolAT Protocol = iota
	ProtocolQCDM
)

func (p Protocol) String() string {
	switch p {
	case ProtocolAT:
		return "at"
	case ProtocolQCDM:
		return "qcdm"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Exchanger sends one probe command to a port and reports whether the port
// answered as the protocol expects. Implementations must return promptly once
// ctx is done.
type Exchanger interface {
	Exchange(ctx context.Context, d port.Descriptor, p Protocol) (bool, error)
}

// Kernel drivers whose control nodes are identified without a live probe.
const (
	DriverQMI  = "qmi_wwan"
	DriverMBIM = "cdc_mbim"
)

// Config bounds probing.
type Config struct {
	// Timeout bounds all probing of a single port.
	Timeout time.Duration
	// ATAttempts is how many AT commands are tried before AT is denied.
	ATAttempts int
}

// Defaults mirror the daemon configuration defaults.
var Defaults = Config{
	Timeout:    10 * time.Second,
	ATAttempts: 3,
}

// Prober runs capability probes.
type Prober struct {
	exch    Exchanger
	cfg     Config
	metrics *observability.Metrics
	log     *logging.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithMetrics records probe durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

// WithLogger sets the logger used for probe diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(p *Prober) { p.log = l }
}

// New creates a Prober. Zero config fields take their default.
func New(exch Exchanger, cfg Config, opts ...Option) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = Defaults.Timeout
	}
	if cfg.ATAttempts <= 0 {
		cfg.ATAttempts = Defaults.ATAttempts
	}
	p := &Prober{exch: exch, cfg: cfg, log: logging.New(nil).WithComponent("probe")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeAll probes every port concurrently and returns once all of them reached
// a terminal state. Results keep the order of ports.
func (p *Prober) ProbeAll(ctx context.Context, ports []port.Descriptor) []port.ProbeResult {
	if len(ports) == 0 {
		return nil
	}
	mapper := iter.Mapper[port.Descriptor, port.ProbeResult]{MaxGoroutines: len(ports)}
	return mapper.Map(ports, func(d *port.Descriptor) port.ProbeResult {
		return p.Probe(ctx, *d)
	})
}

// Probe determines the capabilities of one port.
//
// A probe that runs out of time is reported as timed-out with the flags
// confirmed so far. A probe whose parent context is cancelled is reported as
// failed with no flags.
func (p *Prober) Probe(ctx context.Context, d port.Descriptor) port.ProbeResult {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "probe.port", observability.AttrPort.String(d.Key().String()))
	res := port.ProbeResult{Port: d, State: port.StatePending}
	defer func() {
		span.SetAttributes(
			observability.AttrOutcome.String(res.State.String()),
			observability.AttrFlags.String(res.Flags.String()),
		)
		observability.EndSpan(span, res.Err)
	}()

	structural(&res)

	if d.Subsystem == port.SubsystemTTY && !res.Flags.Intersects(port.QMI|port.MBIM) {
		tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		p.probeSerial(tctx, &res)
		cancel()
	}

	switch {
	case ctx.Err() != nil:
		res = port.ProbeResult{
			Port:  d,
			State: port.StateFailed,
			Err:   fmt.Errorf("probe %s: %w", d, mmerrors.ErrCancelled),
		}
	case res.State == port.StateTimedOut:
		res.Err = fmt.Errorf("probe %s: %w after %s", d, mmerrors.ErrTimeout, p.cfg.Timeout)
	default:
		res.State = port.StateComplete
	}

	if p.metrics != nil {
		p.metrics.ProbeDuration.WithLabelValues(string(d.Subsystem), res.State.String()).Observe(time.Since(start).Seconds())
	}
	p.log.WithPort(string(d.Subsystem), d.Name).DebugContext(ctx, "port probed",
		"state", res.State.String(), "flags", res.Flags.String(), "duration", time.Since(start))
	return res
}

// structural assigns capabilities implied by the kernel driver or device type.
func structural(res *port.ProbeResult) {
	d := res.Port
	switch d.Driver {
	case DriverQMI:
		res.Confirm(port.QMI)
	case DriverMBIM:
		res.Confirm(port.MBIM)
	}
	if d.Subsystem == port.SubsystemNet && d.Property(port.PropDevType) == port.DevTypeWWAN {
		res.Confirm(port.NetWWAN)
	}
}

// probeSerial runs the live AT and QCDM probes. A port hinted as QCDM by udev
// skips the AT probe. QCDM is only tried when AT was not confirmed.
func (p *Prober) probeSerial(ctx context.Context, res *port.ProbeResult) {
	d := res.Port
	if d.Flag(port.PropQCDM) {
		res.Deny(port.AT)
	} else {
		ok, err := p.tryAT(ctx, d)
		if p.expired(ctx, res, err) {
			return
		}
		if ok {
			res.Confirm(port.AT)
			return
		}
		res.Deny(port.AT)
	}

	ok, err := p.exchange(ctx, d, ProtocolQCDM)
	if p.expired(ctx, res, err) {
		return
	}
	if ok {
		res.Confirm(port.QCDM)
	} else {
		res.Deny(port.QCDM)
	}
}

func (p *Prober) tryAT(ctx context.Context, d port.Descriptor) (bool, error) {
	for i := 0; i < p.cfg.ATAttempts; i++ {
		ok, err := p.exchange(ctx, d, ProtocolAT)
		if ok || ctx.Err() != nil {
			return ok, err
		}
	}
	return false, nil
}

func (p *Prober) exchange(ctx context.Context, d port.Descriptor, proto Protocol) (bool, error) {
	ok, err := p.exch.Exchange(ctx, d, proto)
	if err != nil && ctx.Err() == nil {
		// An I/O failure counts as "did not answer" for this protocol.
		p.log.WithPort(string(d.Subsystem), d.Name).DebugContext(ctx, "probe exchange failed",
			"protocol", proto.String(), "error", err)
		return false, nil
	}
	return ok, err
}

// expired marks res as timed-out when ctx ran out and reports whether probing must stop.
func (p *Prober) expired(ctx context.Context, res *port.ProbeResult, err error) bool {
	if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	res.State = port.StateTimedOut
	return true
}
