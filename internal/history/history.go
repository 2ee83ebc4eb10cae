// Package history records the terminal outcome of every arbitration cycle and
// every modem removal, for diagnostics.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-modem/internal/arbiter"
	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/pkg/logging"

	// Backends register themselves with physical.
	_ "github.com/gezibash/arc-modem/internal/history/physical/badger"
	_ "github.com/gezibash/arc-modem/internal/history/physical/memory"
	_ "github.com/gezibash/arc-modem/internal/history/physical/redis"
	_ "github.com/gezibash/arc-modem/internal/history/physical/s3"
	_ "github.com/gezibash/arc-modem/internal/history/physical/sqlite"
)

// Event is what a record describes.
type Event string

const (
	EventReady  Event = "ready"
	EventFailed Event = "failed"

	// EventCancelled is a cycle abandoned because its device went away.
	EventCancelled Event = "cancelled"

	// EventModemRemoved is a ready modem destroyed after the fact.
	EventModemRemoved Event = "modem-removed"
)

// Port is a claimed port as stored.
type Port struct {
	Port  string `json:"port"`
	Role  string `json:"role,omitempty"`
	Flags string `json:"flags,omitempty"`
}

// Record is one history entry.
type Record struct {
	ID        string        `json:"id"`
	Attempt   string        `json:"attempt,omitempty"`
	Time      time.Time     `json:"time"`
	UID       string        `json:"uid"`
	Device    string        `json:"device,omitempty"`
	Event     Event         `json:"event"`
	Plugin    string        `json:"plugin,omitempty"`
	Kind      string        `json:"kind,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Ports     []Port        `json:"ports,omitempty"`
	Skipped   []string      `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
}

// FromOutcome converts a terminal arbitration outcome.
func FromOutcome(o arbiter.Outcome) Record {
	r := Record{
		Attempt:  o.Attempt,
		Time:     o.Finished,
		UID:      o.Device.UID,
		Device:   o.Device.IDs(),
		Plugin:   o.Plugin,
		Duration: o.Finished.Sub(o.Started),
	}
	switch o.State {
	case arbiter.StateReady:
		r.Event = EventReady
	case arbiter.StateRemoved:
		r.Event = EventCancelled
	default:
		r.Event = EventFailed
	}
	if o.Err != nil {
		r.ErrorKind = o.Err.Kind.String()
		r.Reason = o.Err.Error()
	}
	if o.Modem != nil {
		r.Kind = o.Modem.Kind().String()
		r.Ports = ports(o.Modem.Ports())
	}
	for _, e := range o.Skipped {
		r.Skipped = append(r.Skipped, e.Error())
	}
	return r
}

// FromRemoval converts the destruction of a ready modem.
func FromRemoval(m modem.Snapshot, reason string) Record {
	return Record{
		UID:    m.UID,
		Device: fmt.Sprintf("%04x:%04x", m.Vendor, m.Product),
		Event:  EventModemRemoved,
		Plugin: m.Plugin,
		Kind:   m.Kind.String(),
		Reason: reason,
		Ports:  ports(m.Ports),
	}
}

func ports(claimed []modem.Claimed) []Port {
	out := make([]Port, len(claimed))
	for i, c := range claimed {
		out[i] = Port{Port: c.Port.String(), Role: c.Role.String(), Flags: c.Flags.String()}
	}
	return out
}

// Query selects records. Results are newest first.
type Query struct {
	// UID restricts results to one device.
	UID   string
	Limit int
}

const (
	allPrefix    = "rec/"
	devicePrefix = "dev/"
)

// Keys embed an inverted timestamp so ascending scans yield newest first.
func stamp(t time.Time) string {
	return fmt.Sprintf("%019d", math.MaxInt64-t.UnixNano())
}

func deviceKeyPrefix(uid string) string {
	return devicePrefix + url.PathEscape(uid) + "/"
}

func (r Record) keys() (all, device string) {
	suffix := stamp(r.Time) + "/" + r.ID
	return allPrefix + suffix, deviceKeyPrefix(r.UID) + suffix
}

// Store persists records in a physical backend. It implements arbiter.Sink.
type Store struct {
	backend physical.Backend
	log     *logging.Logger
	now     func() time.Time
}

var _ arbiter.Sink = (*Store)(nil)

// New creates a store over backend. log may be nil.
func New(backend physical.Backend, log *logging.Logger) *Store {
	if log == nil {
		log = logging.New(nil)
	}
	return &Store{backend: backend, log: log.WithComponent("history"), now: time.Now}
}

// Append stores r, assigning an ID and a time when missing.
func (s *Store) Append(ctx context.Context, r Record) (Record, error) {
	if r.UID == "" {
		return Record{}, errors.New("history: record without uid")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Time.IsZero() {
		r.Time = s.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("history: encode: %w", err)
	}
	all, dev := r.keys()
	if err := s.backend.Put(ctx, all, data); err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	if err := s.backend.Put(ctx, dev, data); err != nil {
		return Record{}, fmt.Errorf("history: append: %w", err)
	}
	return r, nil
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	prefix := allPrefix
	if q.UID != "" {
		prefix = deviceKeyPrefix(q.UID)
	}
	entries, err := s.backend.Scan(ctx, prefix, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		var r Record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			s.log.Warn("skipping undecodable record", "key", e.Key, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Prune deletes records not newer than cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.backend.Scan(ctx, allPrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	limit := stamp(cutoff)
	n := 0
	for _, e := range entries {
		// Older records carry larger inverted stamps.
		if strings.TrimPrefix(e.Key, allPrefix) < limit {
			continue
		}
		if err := s.backend.Delete(ctx, e.Key); err != nil {
			return n, fmt.Errorf("history: prune: %w", err)
		}
		var r Record
		if err := json.Unmarshal(e.Value, &r); err == nil && r.UID != "" {
			_, dev := r.keys()
			if err := s.backend.Delete(ctx, dev); err != nil {
				return n, fmt.Errorf("history: prune: %w", err)
			}
		}
		n++
	}
	return n, nil
}

// Stats reports backend statistics.
func (s *Store) Stats(ctx context.Context) (*physical.Stats, error) {
	return s.backend.Stats(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) record(ctx context.Context, r Record) {
	if _, err := s.Append(ctx, r); err != nil {
		s.log.WarnContext(ctx, "history write failed", "uid", r.UID, "event", string(r.Event), "error", err)
	}
}

func (s *Store) ModemReady(ctx context.Context, o arbiter.Outcome) {
	s.record(ctx, FromOutcome(o))
}

func (s *Store) ArbitrationFailed(ctx context.Context, o arbiter.Outcome) {
	s.record(ctx, FromOutcome(o))
}

func (s *Store) ModemRemoved(ctx context.Context, m modem.Snapshot, reason string) {
	s.record(ctx, FromRemoval(m, reason))
}
