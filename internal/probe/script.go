package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gezibash/arc-modem/internal/port"
)

// Answer describes how a scripted port reacts to live probes.
type Answer struct {
	AT   bool
	QCDM bool
	// Delay is waited before every reply.
	Delay time.Duration
	// Hang makes the port never reply; only ctx ends the exchange.
	Hang bool
	// Err is returned instead of a reply.
	Err error
}

// Script is an Exchanger that replays canned answers keyed by port name.
// Ports without an answer stay silent. It is safe for concurrent use.
type Script struct {
	mu       sync.RWMutex
	answers  map[string]Answer
	inFlight atomic.Int64
	calls    atomic.Int64
}

// NewScript creates a Script from answers.
func NewScript(answers map[string]Answer) *Script {
	s := &Script{answers: make(map[string]Answer, len(answers))}
	for name, a := range answers {
		s.answers[name] = a
	}
	return s
}

// Set replaces the answer of one port.
func (s *Script) Set(name string, a Answer) {
	s.mu.Lock()
	s.answers[name] = a
	s.mu.Unlock()
}

// InFlight reports how many exchanges are currently running.
func (s *Script) InFlight() int64 { return s.inFlight.Load() }

// Calls reports how many exchanges were started.
func (s *Script) Calls() int64 { return s.calls.Load() }

func (s *Script) Exchange(ctx context.Context, d port.Descriptor, proto Protocol) (bool, error) {
	s.calls.Add(1)
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.RLock()
	a := s.answers[d.Name]
	s.mu.RUnlock()

	if a.Hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-t.C:
		}
	}
	if a.Err != nil {
		return false, a.Err
	}
	switch proto {
	case ProtocolAT:
		return a.AT, nil
	case ProtocolQCDM:
		return a.QCDM, nil
	}
	return false, nil
}
