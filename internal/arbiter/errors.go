package arbiter

import (
	"fmt"
	"strings"

	"github.com/gezibash/arc-modem/internal/port"
)

// Kind classifies arbitration errors.
type Kind int

const (
	// KindProbeTimeout degrades one port; arbitration continues.
	KindProbeTimeout Kind = iota + 1
	// KindProbeCancelled discards all probing of a removed device.
	KindProbeCancelled
	// KindNoMatch leaves the device idle until its port set changes.
	KindNoMatch
	// KindFactoryRejected is a plugin veto; the cycle fails.
	KindFactoryRejected
	// KindMandatoryPortGrabFailed discards the modem; the cycle fails.
	KindMandatoryPortGrabFailed
	// KindOptionalPortGrabFailed skips one port; claiming continues.
	KindOptionalPortGrabFailed
)

var kindNames = map[Kind]string{
	KindProbeTimeout:            "probe-timeout",
	KindProbeCancelled:          "probe-cancelled",
	KindNoMatch:                 "no-match",
	KindFactoryRejected:         "factory-rejected",
	KindMandatoryPortGrabFailed: "mandatory-port-grab-failed",
	KindOptionalPortGrabFailed:  "optional-port-grab-failed",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Aborts reports whether an error of this kind ends the arbitration cycle.
func (k Kind) Aborts() bool {
	return k == KindFactoryRejected || k == KindMandatoryPortGrabFailed
}

// Error is an arbitration failure with the device and port it concerns.
type Error struct {
	Kind   Kind
	UID    string
	Port   port.Key
	Reason string
	Cause  error
}

// Sentinels for errors.Is, one per kind.
var (
	ErrProbeTimeout            = &Error{Kind: KindProbeTimeout}
	ErrProbeCancelled          = &Error{Kind: KindProbeCancelled}
	ErrNoMatch                 = &Error{Kind: KindNoMatch}
	ErrFactoryRejected         = &Error{Kind: KindFactoryRejected}
	ErrMandatoryPortGrabFailed = &Error{Kind: KindMandatoryPortGrabFailed}
	ErrOptionalPortGrabFailed  = &Error{Kind: KindOptionalPortGrabFailed}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.UID != "" {
		b.WriteString(" on ")
		b.WriteString(e.UID)
	}
	if e.Port.Name != "" {
		b.WriteString(" port ")
		b.WriteString(e.Port.String())
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && t.Kind == e.Kind
}

func newError(k Kind, uid string, p port.Key, reason string, cause error) *Error {
	return &Error{Kind: k, UID: uid, Port: p, Reason: reason, Cause: cause}
}
