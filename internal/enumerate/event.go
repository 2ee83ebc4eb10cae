// Package enumerate feeds devices and their ports into arbitration.
//
// Sources report whole-device snapshots. A device is Added when first seen,
// Changed whenever its port or driver set changes and Removed when its last
// port disappears.
package enumerate

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-modem/internal/port"
)

// EventType is the kind of change a source observed.
type EventType int

const (
	EventAdded EventType = iota
	EventChanged
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one device change. Device is the full current snapshot; for
// EventRemoved only Device.UID is meaningful.
type Event struct {
	Type   EventType
	Device port.Device
}

// Source produces device events until ctx is done. Run closes nothing; the
// caller owns events.
type Source interface {
	Run(ctx context.Context, events chan<- Event) error
}
