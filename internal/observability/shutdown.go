package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ShutdownCoordinator runs cleanup hooks newest first, once.
type ShutdownCoordinator struct {
	mu    sync.Mutex
	names []string
	hooks []func(context.Context) error
	once  sync.Once
	err   error
}

// Register adds a hook. Hooks registered after Shutdown never run.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.hooks = append(s.hooks, fn)
}

// Shutdown runs every hook even when one fails and joins their errors, each
// prefixed with the hook's name. Later calls return the first call's error.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		names, hooks := slices.Clone(s.names), slices.Clone(s.hooks)
		s.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			slog.Debug("stopping", "component", names[i])
			if err := hooks[i](ctx); err != nil {
				slog.Error("stop failed", "component", names[i], "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
			}
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}
