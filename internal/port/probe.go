package port

import (
	"fmt"
	"strings"
)

// Flags is a set of capabilities detected on a port.
type Flags uint8

const (
	AT Flags = 1 << iota
	QCDM
	QMI
	MBIM
	NetWWAN
)

// Protocols is the subset of flags a plugin may declare as allowed.
const Protocols = AT | QCDM | QMI | MBIM

var flagNames = []struct {
	flag Flags
	name string
}{
	{AT, "at"},
	{QCDM, "qcdm"},
	{QMI, "qmi"},
	{MBIM, "mbim"},
	{NetWWAN, "net-wwan"},
}

// Has reports whether every flag in f is set.
func (s Flags) Has(f Flags) bool {
	return f != 0 && s&f == f
}

// Intersects reports whether any flag in f is set.
func (s Flags) Intersects(f Flags) bool {
	return s&f != 0
}

func (s Flags) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	for _, fn := range flagNames {
		if s&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseFlags parses flag names such as "at", "qmi" or "net-wwan".
func ParseFlags(names []string) (Flags, error) {
	var out Flags
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				out |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown capability %q", n)
		}
	}
	return out, nil
}

// State is the lifecycle of a single port probe.
type State int

const (
	StatePending State = iota
	StateComplete
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed-out"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the probe will not change any further.
func (s State) Terminal() bool {
	return s != StatePending
}

// ProbeResult is what probing learned about one port.
// Denied records capabilities that were tested and found absent; a flag in
// Denied is never present in Flags.
type ProbeResult struct {
	Port   Descriptor
	Flags  Flags
	Denied Flags
	State  State
	Err    error
}

// Has reports whether the probe confirmed every flag in f.
func (r ProbeResult) Has(f Flags) bool {
	return r.Flags.Has(f)
}

// Trusted reports whether the arbitrator may act on the result.
// Failed probes carry no trustworthy flags.
func (r ProbeResult) Trusted() bool {
	return r.State == StateComplete || r.State == StateTimedOut
}

// Confirm records a positive detection unless the flag was already denied.
func (r *ProbeResult) Confirm(f Flags) {
	r.Flags |= f &^ r.Denied
}

// Deny records a negative detection. A confirmed flag is not withdrawn.
func (r *ProbeResult) Deny(f Flags) {
	r.Denied |= f &^ r.Flags
}

// Any reports whether any trusted result in results carries f.
func Any(results []ProbeResult, f Flags) bool {
	for _, r := range results {
		if r.Trusted() && r.Flags.Intersects(f) {
			return true
		}
	}
	return false
}
