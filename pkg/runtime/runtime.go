// Package runtime assembles the arbiter service: observability, the plugin
// registry, probing, claims, arbitration, history and the device source.
// Use the builder to override collaborators and add extensions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/gezibash/arc-modem/internal/arbiter"
	"github.com/gezibash/arc-modem/internal/claim"
	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/internal/enumerate"
	"github.com/gezibash/arc-modem/internal/history"
	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/plugins"
	"github.com/gezibash/arc-modem/internal/probe"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// Extension is a function that extends the runtime with a capability.
// Extensions are called in order during Build().
type Extension func(*Runtime) error

// Builder constructs a Runtime.
type Builder struct {
	name      string
	cfg       config.Config
	logWriter io.Writer
	signals   bool

	exchanger probe.Exchanger
	source    enumerate.Source
	sinks     []arbiter.Sink

	extensions []Extension
}

// New starts building a runtime for the named service.
func New(name string, cfg config.Config) *Builder {
	return &Builder{name: name, cfg: cfg, signals: true}
}

// LogWriter sets the output destination for logs. Defaults to os.Stderr.
func (b *Builder) LogWriter(w io.Writer) *Builder {
	b.logWriter = w
	return b
}

// Signals controls whether SIGINT/SIGTERM cancel the runtime. On by default.
func (b *Builder) Signals(on bool) *Builder {
	b.signals = on
	return b
}

// Exchanger replaces the probe transport. Without it the runtime talks to
// serial ports, or answers from the fixture when enumerating from one.
func (b *Builder) Exchanger(e probe.Exchanger) *Builder {
	b.exchanger = e
	return b
}

// Source replaces the device source chosen by enumerate.source.
func (b *Builder) Source(s enumerate.Source) *Builder {
	b.source = s
	return b
}

// Sink adds a receiver of lifecycle events next to the history store.
func (b *Builder) Sink(s arbiter.Sink) *Builder {
	b.sinks = append(b.sinks, s)
	return b
}

// Use adds a capability extension to the runtime.
func (b *Builder) Use(ext Extension) *Builder {
	b.extensions = append(b.extensions, ext)
	return b
}

// Build constructs the runtime. Plugins are initialised here; a plugin that
// fails to initialise fails Build.
func (b *Builder) Build() (rt *Runtime, err error) {
	if b.name == "" {
		return nil, errors.New("name is required")
	}
	cfg := b.cfg

	w := b.logWriter
	if w == nil {
		w = os.Stderr
	}

	ctx, cancel := context.WithCancel(context.Background())
	obs, err := observability.New(ctx, cfg.Observability.ObsConfig(), w)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("observability: %w", err)
	}
	log := logging.New(obs.Logger)

	rt = &Runtime{
		name:    b.name,
		cfg:     cfg,
		obs:     obs,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		closers: make([]func() error, 0, 4),
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if b.signals {
		rt.watchSignals()
	}

	rt.registry, err = plugins.Load(plugins.Options{
		ManifestDir: cfg.Plugins.ManifestDir,
		Disabled:    cfg.Plugins.Disabled,
		Logger:      log,
	})
	if err != nil {
		return rt, fmt.Errorf("plugins: %w", err)
	}
	rt.OnClose(func() error {
		rt.registry.Shutdown()
		return nil
	})

	backend, err := physical.New(ctx, cfg.History.Backend, cfg.HistoryBackendConfig(), obs.Metrics)
	if err != nil {
		return rt, fmt.Errorf("history: %w", err)
	}
	rt.history = history.New(backend, log)
	rt.OnClose(rt.history.Close)

	source, answers, err := b.resolveSource(log)
	if err != nil {
		return rt, err
	}
	rt.source = source

	exch := b.exchanger
	switch {
	case exch != nil:
	case answers != nil:
		exch = probe.NewScript(answers)
	default:
		exch = probe.NewSerialExchanger(probe.SerialConfig{
			DevDir:         cfg.Probe.DevDir,
			BaudRate:       cfg.Probe.BaudRate,
			CommandTimeout: cfg.Probe.ATCommandTimeout,
		})
	}

	prober := probe.New(exch, probe.Config{
		Timeout:    cfg.Probe.Timeout,
		ATAttempts: cfg.Probe.ATAttempts,
	}, probe.WithMetrics(obs.Metrics), probe.WithLogger(log.WithComponent("probe")))

	rt.claims = claim.NewRegistry(obs.Metrics.ClaimedPorts)
	rt.arbiter = arbiter.New(rt.registry, prober, rt.claims, obs.Metrics, log)
	sinks := append(arbiter.Sinks{rt.history}, b.sinks...)
	rt.manager = arbiter.NewManager(rt.arbiter, rt.claims, sinks, obs.Metrics, log)
	rt.OnClose(func() error {
		rt.manager.Close()
		return nil
	})

	for _, ext := range b.extensions {
		if err := ext(rt); err != nil {
			return rt, err
		}
	}

	log.Info("runtime ready",
		"service", b.name,
		"plugins", len(rt.registry.Plugins()),
		"source", cfg.Enumerate.Source,
		"history", cfg.History.Backend,
	)
	return rt, nil
}

// resolveSource returns the configured device source and, for fixtures, the
// scripted probe answers that go with it.
func (b *Builder) resolveSource(log *logging.Logger) (enumerate.Source, map[string]probe.Answer, error) {
	if b.source != nil {
		return b.source, nil, nil
	}
	e := b.cfg.Enumerate
	switch e.Source {
	case config.SourceFixture:
		f, err := enumerate.LoadFixture(e.Fixture)
		if err != nil {
			return nil, nil, err
		}
		answers, err := f.Answers()
		if err != nil {
			return nil, nil, err
		}
		return enumerate.NewFixtureSource(f), answers, nil
	default:
		return enumerate.NewSysfsSource(enumerate.SysfsConfig{
			Root:     e.SysfsRoot,
			DevDir:   b.cfg.Probe.DevDir,
			UdevDir:  e.UdevDir,
			Watch:    e.Watch,
			Debounce: e.Debounce,
			Rescan:   e.Rescan,
		}, log), nil, nil
	}
}

// Runtime is the assembled arbiter service.
type Runtime struct {
	name     string
	cfg      config.Config
	obs      *observability.Observability
	log      *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	registry *plugin.Registry
	claims   *claim.Registry
	arbiter  *arbiter.Arbitrator
	manager  *arbiter.Manager
	history  *history.Store
	source   enumerate.Source

	started    atomic.Bool
	mu         sync.Mutex
	components map[string]any
	onStart    []func()
	closers    []func() error
	closeOnce  sync.Once
	closeErr   error
}

func (r *Runtime) Name() string { return r.name }
func (r *Runtime) Config() config.Config { return r.cfg }
func (r *Runtime) Log() *logging.Logger { return r.log }
func (r *Runtime) Metrics() *observability.Metrics { return r.obs.Metrics }
func (r *Runtime) Registry() *plugin.Registry { return r.registry }
func (r *Runtime) Claims() *claim.Registry { return r.claims }
func (r *Runtime) Arbitrator() *arbiter.Arbitrator { return r.arbiter }
func (r *Runtime) Manager() *arbiter.Manager { return r.manager }
func (r *Runtime) History() *history.Store { return r.history }
func (r *Runtime) Source() enumerate.Source { return r.source }

// Observability returns the logging, metrics and tracing bundle.
func (r *Runtime) Observability() *observability.Observability { return r.obs }

// Context returns the lifecycle context (cancelled on shutdown).
func (r *Runtime) Context() context.Context { return r.ctx }

// Shutdown triggers graceful shutdown.
func (r *Runtime) Shutdown() { r.cancel() }

// Ready reports whether plugins are initialised and the device source runs.
func (r *Runtime) Ready() bool {
	return r.registry != nil && r.registry.Ready() && r.started.Load()
}

// OnStart registers fn to run once Run has started the device source.
func (r *Runtime) OnStart(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStart = append(r.onStart, fn)
}

// OnClose registers a cleanup function. Cleanups run in reverse order.
func (r *Runtime) OnClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Run feeds the device source into the manager until ctx or the runtime
// context is done, pruning history on the side when a retention is set.
// A manager runs once; Run cannot be repeated.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-r.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	events := make(chan enumerate.Event, 64)
	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		if err := r.source.Run(ctx, events); err != nil {
			return fmt.Errorf("device source: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		return r.manager.Run(ctx, events)
	})
	if keep := r.cfg.History.Retention; keep > 0 {
		p.Go(func(ctx context.Context) error {
			r.pruneLoop(ctx, keep)
			return nil
		})
	}

	r.started.Store(true)
	r.mu.Lock()
	hooks := append([]func(){}, r.onStart...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	r.log.Info("arbiter started")

	err := p.Wait()
	r.started.Store(false)
	r.log.Info("arbiter stopped")
	return err
}

// pruneLoop drops history older than keep, once at start and then hourly.
func (r *Runtime) pruneLoop(ctx context.Context, keep time.Duration) {
	interval := time.Hour
	if keep < interval {
		interval = keep
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		n, err := r.history.Prune(ctx, time.Now().Add(-keep))
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Warn("history prune failed", "error", err)
		case n > 0:
			r.log.Debug("history pruned", "records", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close runs cleanups in reverse order, then flushes observability.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		closers := r.closers
		r.closers = nil
		r.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.obs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Runtime) watchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
		case <-r.ctx.Done():
			return
		}
		r.log.Info("shutting down...")
		r.cancel()
		select {
		case <-sigCh:
			r.log.Warn("forced shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
		}
	}()
}
