// Package claim tracks which modem owns each port host-wide.
package claim

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gezibash/arc-modem/internal/port"
)

// ConflictError is returned when a port is already owned by another device.
type ConflictError struct {
	Port  port.Key
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("port %s already claimed by %s", e.Port, e.Owner)
}

// Registry is the set of claimed ports. Every operation is atomic.
type Registry struct {
	mu     sync.Mutex
	owners map[port.Key]string
	gauge  prometheus.Gauge
}

// NewRegistry creates an empty registry. gauge, when non-nil, tracks the
// number of claimed ports.
func NewRegistry(gauge prometheus.Gauge) *Registry {
	return &Registry{owners: make(map[port.Key]string), gauge: gauge}
}

// Claim assigns k to uid unless another uid holds it. Claiming a port the
// same uid already holds succeeds.
func (r *Registry) Claim(k port.Key, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.owners[k]; ok {
		if owner == uid {
			return nil
		}
		return &ConflictError{Port: k, Owner: owner}
	}
	r.owners[k] = uid
	r.update()
	return nil
}

// Release frees k if uid holds it and reports whether it did.
func (r *Registry) Release(k port.Key, uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[k] != uid {
		return false
	}
	delete(r.owners, k)
	r.update()
	return true
}

// ReleaseAll frees every port held by uid and returns how many were freed.
func (r *Registry) ReleaseAll(uid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, owner := range r.owners {
		if owner == uid {
			delete(r.owners, k)
			n++
		}
	}
	r.update()
	return n
}

// Owner returns the uid holding k.
func (r *Registry) Owner(k port.Key) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.owners[k]
	return uid, ok
}

// Held returns the ports claimed by uid.
func (r *Registry) Held(uid string) []port.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []port.Key
	for k, owner := range r.owners {
		if owner == uid {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of claimed ports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}

func (r *Registry) update() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.owners)))
	}
}
