package physical

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gezibash/arc-modem/internal/observability"
	"github.com/gezibash/arc-modem/internal/storage"
)

// Factory opens a backend from its merged configuration.
type Factory func(ctx context.Context, config map[string]string) (Backend, error)

// DefaultsFunc returns a backend's default configuration.
type DefaultsFunc func() map[string]string

type registration struct {
	open     Factory
	defaults DefaultsFunc
}

var registry = struct {
	sync.RWMutex
	byName map[string]registration
}{byName: map[string]registration{}}

// Register makes a backend available to New under name. Backends call it
// from init; a duplicate name panics.
func Register(name string, open Factory, defaults DefaultsFunc) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.byName[name]; dup {
		panic(fmt.Sprintf("history backend %q already registered", name))
	}
	registry.byName[name] = registration{open: open, defaults: defaults}
}

// Backends lists registered backend names in order.
func Backends() []string {
	registry.RLock()
	defer registry.RUnlock()
	return slices.Sorted(maps.Keys(registry.byName))
}

// Defaults returns the named backend's default configuration, or nil.
func Defaults(name string) map[string]string {
	reg, ok := lookup(name)
	if !ok || reg.defaults == nil {
		return nil
	}
	return reg.defaults()
}

func lookup(name string) (registration, bool) {
	registry.RLock()
	defer registry.RUnlock()
	reg, ok := registry.byName[name]
	return reg, ok
}

// New opens the named backend with config laid over its defaults.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (b Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "history.physical.new", attribute.String("backend", name))
	defer func() { op.End(err) }()

	reg, ok := lookup(name)
	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown history backend %q (available: %v)", name, Backends()))
	}
	if b, err = reg.open(ctx, storage.MergeConfig(Defaults(name), config)); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "history backend open", "backend", name, "config", storage.Describe(config))
	return b, nil
}
