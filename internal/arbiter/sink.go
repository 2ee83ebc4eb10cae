package arbiter

import (
	"context"

	"github.com/gezibash/arc-modem/internal/modem"
)

// Sink receives lifecycle events for the surrounding system. Calls for one
// device are serialized; calls for different devices may be concurrent.
type Sink interface {
	// ModemReady is called once a modem is ready for exposure.
	ModemReady(ctx context.Context, o Outcome)
	// ModemRemoved is called after a ready modem was destroyed.
	ModemRemoved(ctx context.Context, m modem.Snapshot, reason string)
	// ArbitrationFailed is called for every cycle ending in failed or removed.
	ArbitrationFailed(ctx context.Context, o Outcome)
}

// Sinks fans events out to every sink in order.
type Sinks []Sink

func (s Sinks) ModemReady(ctx context.Context, o Outcome) {
	for _, sink := range s {
		sink.ModemReady(ctx, o)
	}
}

func (s Sinks) ModemRemoved(ctx context.Context, m modem.Snapshot, reason string) {
	for _, sink := range s {
		sink.ModemRemoved(ctx, m, reason)
	}
}

func (s Sinks) ArbitrationFailed(ctx context.Context, o Outcome) {
	for _, sink := range s {
		sink.ArbitrationFailed(ctx, o)
	}
}
