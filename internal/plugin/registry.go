package plugin

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-modem/internal/port"
	mmerrors "github.com/gezibash/arc-modem/pkg/errors"
	"github.com/gezibash/arc-modem/pkg/logging"
)

const (
	stateLoading int32 = iota
	stateReady
	stateClosed
)

// Registry is the ordered set of plugins. Plugins are registered while
// loading, Init freezes the order, and from then on the registry is read-only
// and safe for concurrent use without locking.
type Registry struct {
	mu       sync.Mutex
	pending  []*Descriptor
	disabled map[string]bool

	state   atomic.Int32
	plugins []*Descriptor

	log *logging.Logger
}

// NewRegistry creates an empty registry. Plugins named in disabled are
// dropped at Init.
func NewRegistry(log *logging.Logger, disabled ...string) *Registry {
	if log == nil {
		log = logging.New(nil)
	}
	r := &Registry{disabled: make(map[string]bool), log: log.WithComponent("plugins")}
	for _, name := range disabled {
		r.disabled[name] = true
	}
	return r
}

// Register appends a plugin. Names must be unique.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return fmt.Errorf("register plugin: %w: %w", mmerrors.ErrInvalidInput, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Load() != stateLoading {
		return fmt.Errorf("register plugin %s: registry already initialised: %w", d.Name, mmerrors.ErrClosed)
	}
	if slices.ContainsFunc(r.pending, func(p *Descriptor) bool { return p.Name == d.Name }) {
		return fmt.Errorf("register plugin %s: %w", d.Name, mmerrors.ErrAlreadyExists)
	}
	if d.Source == "" {
		d.Source = "builtin"
	}
	r.pending = append(r.pending, &d)
	return nil
}

// Init compiles filters, drops disabled plugins and freezes the order with
// every specific plugin ahead of every generic one. Registration order is
// kept within each group.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Load() != stateLoading {
		return fmt.Errorf("init plugin registry: %w", mmerrors.ErrClosed)
	}

	var errs []error
	ordered := make([]*Descriptor, 0, len(r.pending))
	for _, generic := range []bool{false, true} {
		for _, d := range r.pending {
			if d.Generic != generic {
				continue
			}
			if r.disabled[d.Name] {
				r.log.Info("plugin disabled", "plugin", d.Name)
				continue
			}
			if err := d.compile(); err != nil {
				errs = append(errs, err)
				continue
			}
			ordered = append(ordered, d)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("init plugin registry: %w", err)
	}

	r.plugins = ordered
	r.pending = nil
	r.state.Store(stateReady)
	r.log.Info("plugin registry ready", "plugins", len(ordered))
	return nil
}

// Shutdown closes the registry; later selections fail with ErrClosed.
func (r *Registry) Shutdown() {
	r.state.Store(stateClosed)
}

// Ready reports whether Init completed and Shutdown has not been called.
func (r *Registry) Ready() bool {
	return r.state.Load() == stateReady
}

// Plugins returns the frozen plugin order.
func (r *Registry) Plugins() []*Descriptor {
	if r.state.Load() == stateLoading {
		return nil
	}
	return slices.Clone(r.plugins)
}

// Lookup returns the plugin called name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	for _, d := range r.Plugins() {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Select returns the first plugin, in registry order, that matches dev.
// Select is a pure function of dev and results.
func (r *Registry) Select(dev port.Device, results []port.ProbeResult) (*Descriptor, error) {
	switch r.state.Load() {
	case stateLoading:
		return nil, fmt.Errorf("select plugin: %w", mmerrors.ErrNotReady)
	case stateClosed:
		return nil, fmt.Errorf("select plugin: %w", mmerrors.ErrClosed)
	}
	for _, d := range r.plugins {
		ok, why := d.Match(dev, results)
		if ok {
			return d, nil
		}
		r.log.WithDevice(dev.UID).Debug("plugin does not match", "plugin", d.Name, "reason", why)
	}
	return nil, ErrNoMatch
}
