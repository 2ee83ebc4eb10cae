// Package config holds the arbiter's configuration, its defaults and the
// viper loading shared by every mm-arbiter command.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix is the environment prefix, e.g. MM_ARBITER_PROBE_TIMEOUT.
const EnvPrefix = "MM_ARBITER"

// Common contains defaults shared by every command.
var Common = struct {
	LogLevel    string
	LogFormat   string
	DataDir     string
	ServiceName string
}{
	LogLevel:    "info",
	LogFormat:   "text",
	DataDir:     DefaultDataDir(),
	ServiceName: "mm-arbiter",
}

// DefaultDataDir returns the default data directory (~/.arc-modem).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-modem"
	}
	return filepath.Join(home, ".arc-modem")
}

// SearchPaths are the directories searched for config.hcl, after the
// working directory.
func SearchPaths() []string {
	return []string{"$HOME/.arc-modem", "/etc/arc-modem"}
}

// ProbeDefaults bound port probing.
var ProbeDefaults = struct {
	Timeout          time.Duration
	ATCommandTimeout time.Duration
	ATAttempts       int
	BaudRate         int
	DevDir           string
}{
	Timeout:          10 * time.Second,
	ATCommandTimeout: 3 * time.Second,
	ATAttempts:       3,
	BaudRate:         115200,
	DevDir:           "/dev",
}

// EnumerateDefaults select and tune the device source.
var EnumerateDefaults = struct {
	Source    string
	SysfsRoot string
	UdevDir   string
	Watch     bool
	Debounce  time.Duration
	Rescan    time.Duration
}{
	Source:    SourceSysfs,
	SysfsRoot: "/sys",
	UdevDir:   "/run/udev/data",
	Watch:     true,
	Debounce:  250 * time.Millisecond,
	Rescan:    30 * time.Second,
}

// Device sources.
const (
	SourceSysfs   = "sysfs"
	SourceFixture = "fixture"
)

// HistoryDefaults configure the outcome history.
var HistoryDefaults = struct {
	Backend   string
	Retention time.Duration
}{
	Backend:   "badger",
	Retention: 30 * 24 * time.Hour,
}

// ServerDefaults configure the listeners of the start command.
var ServerDefaults = struct {
	GRPCAddr    string
	MetricsAddr string
}{
	GRPCAddr:    "127.0.0.1:50061",
	MetricsAddr: ":9090",
}
