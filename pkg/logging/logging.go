// Package logging carries the arbiter's domain attributes on a slog logger.
package logging

import (
	"log/slog"
	"strings"
)

// Logger is a slog.Logger with helpers for the attributes arbitration logs
// carry: device, port, plugin and attempt.
type Logger struct {
	*slog.Logger
}

// New wraps base, or slog.Default() when base is nil.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{Logger: base}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that adds attrs to every record.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithDevice adds the device uid, shortened by FormatUID.
func (l *Logger) WithDevice(uid string) *Logger {
	return l.With(slog.String("device", FormatUID(uid)))
}

// WithPort adds the port as subsystem/name.
func (l *Logger) WithPort(subsystem, name string) *Logger {
	return l.With(slog.String("port", subsystem+"/"+name))
}

func (l *Logger) WithPlugin(name string) *Logger {
	return l.With(slog.String("plugin", name))
}

func (l *Logger) WithAttempt(id string) *Logger {
	return l.With(slog.String("attempt", id))
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

func (l *Logger) WithError(err error) *Logger {
	return l.With(slog.String("error", err.Error()))
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.Logger
}

// FormatUID shortens a sysfs-style device uid to its last two path elements.
// "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-2" becomes "usb1/1-2".
func FormatUID(uid string) string {
	trimmed := strings.TrimRight(uid, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) <= 2 {
		return trimmed
	}
	return strings.Join(parts[len(parts)-2:], "/")
}
