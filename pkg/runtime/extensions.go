package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/gezibash/arc-modem/internal/server"
)

// WithHealth serves the gRPC health protocol on addr. The service reports
// SERVING once Run has started and NOT_SERVING from shutdown on.
func WithHealth(addr string, enableReflection bool) Extension {
	return func(rt *Runtime) error {
		if addr == "" {
			return nil
		}
		srv, err := server.New(addr, rt.Metrics(), enableReflection)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(); err != nil {
				rt.Log().Error("health server error", "error", err)
			}
		}()
		rt.log.Info("health server listening", "addr", srv.Addr())

		rt.OnStart(func() { srv.SetServing(rt.Ready()) })
		rt.OnClose(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(ctx)
			return nil
		})
		rt.Set(healthKey, srv)
		return nil
	}
}

// WithMetrics exposes /metrics and a readiness-aware /health on addr.
func WithMetrics(addr string) Extension {
	return func(rt *Runtime) error {
		if addr == "" {
			return nil
		}
		if rt.obs == nil {
			return errors.New("metrics: observability not initialised")
		}
		rt.obs.ServeMetrics(addr, rt.Ready)
		return nil
	}
}

const healthKey = "health"

// Health returns the health server installed by WithHealth, if any.
func (r *Runtime) Health() (*server.Server, bool) {
	srv, ok := r.Get(healthKey).(*server.Server)
	return srv, ok
}

// Set stores a component for later retrieval by extensions.
func (r *Runtime) Set(key string, component any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.components == nil {
		r.components = make(map[string]any)
	}
	r.components[key] = component
}

// Get retrieves a component stored with Set.
func (r *Runtime) Get(key string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.components[key]
}
