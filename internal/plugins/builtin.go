// Package plugins registers the built-in plugins.
package plugins

import (
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/internal/plugins/generic"
	"github.com/gezibash/arc-modem/internal/plugins/sierra"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// Builtin returns the built-in plugins in registration order.
func Builtin() []plugin.Descriptor {
	return []plugin.Descriptor{
		generic.Descriptor(),
		sierra.Descriptor(),
	}
}

// Options configures Load.
type Options struct {
	// ManifestDir holds declarative plugin manifests; empty skips them.
	ManifestDir string
	// Disabled names plugins to leave out.
	Disabled []string
	Logger   *logging.Logger
}

// Load builds and initialises a registry with the built-in plugins followed
// by any manifests.
func Load(opts Options) (*plugin.Registry, error) {
	r := plugin.NewRegistry(opts.Logger, opts.Disabled...)
	for _, d := range Builtin() {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	if opts.ManifestDir != "" {
		if _, err := plugin.RegisterManifests(r, opts.ManifestDir); err != nil {
			return nil, err
		}
	}
	if err := r.Init(); err != nil {
		return nil, err
	}
	return r, nil
}
