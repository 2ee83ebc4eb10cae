package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/storage"
)

// Config is the full arbiter configuration.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Probe     ProbeConfig     `mapstructure:"probe"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Enumerate EnumerateConfig `mapstructure:"enumerate"`
	History   HistoryConfig   `mapstructure:"history"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
}

type ProbeConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	ATCommandTimeout time.Duration `mapstructure:"at_command_timeout"`
	ATAttempts       int           `mapstructure:"at_attempts"`
	BaudRate         int           `mapstructure:"baud_rate"`
	DevDir           string        `mapstructure:"dev_dir"`
}

type PluginsConfig struct {
	ManifestDir string   `mapstructure:"manifest_dir"`
	Disabled    []string `mapstructure:"disabled"`
}

type EnumerateConfig struct {
	Source    string        `mapstructure:"source"`
	SysfsRoot string        `mapstructure:"sysfs_root"`
	UdevDir   string        `mapstructure:"udev_dir"`
	Fixture   string        `mapstructure:"fixture"`
	Watch     bool          `mapstructure:"watch"`
	Debounce  time.Duration `mapstructure:"debounce"`
	Rescan    time.Duration `mapstructure:"rescan"`
}

type HistoryConfig struct {
	Backend   string            `mapstructure:"backend"`
	Config    map[string]string `mapstructure:"config"`
	Retention time.Duration     `mapstructure:"retention"`
}

type GRPCConfig struct {
	Addr             string `mapstructure:"addr"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
}

// SetDefaults configures every arbiter default on v.
func SetDefaults(v *viper.Viper) {
	SetCommonDefaults(v)

	v.SetDefault("observability.metrics_addr", ServerDefaults.MetricsAddr)
	v.SetDefault("grpc.addr", ServerDefaults.GRPCAddr)
	v.SetDefault("grpc.enable_reflection", false)

	v.SetDefault("probe.timeout", ProbeDefaults.Timeout)
	v.SetDefault("probe.at_command_timeout", ProbeDefaults.ATCommandTimeout)
	v.SetDefault("probe.at_attempts", ProbeDefaults.ATAttempts)
	v.SetDefault("probe.baud_rate", ProbeDefaults.BaudRate)
	v.SetDefault("probe.dev_dir", ProbeDefaults.DevDir)

	v.SetDefault("plugins.manifest_dir", "")
	v.SetDefault("plugins.disabled", []string{})

	v.SetDefault("enumerate.source", EnumerateDefaults.Source)
	v.SetDefault("enumerate.sysfs_root", EnumerateDefaults.SysfsRoot)
	v.SetDefault("enumerate.udev_dir", EnumerateDefaults.UdevDir)
	v.SetDefault("enumerate.fixture", "")
	v.SetDefault("enumerate.watch", EnumerateDefaults.Watch)
	v.SetDefault("enumerate.debounce", EnumerateDefaults.Debounce)
	v.SetDefault("enumerate.rescan", EnumerateDefaults.Rescan)

	v.SetDefault("history.backend", HistoryDefaults.Backend)
	v.SetDefault("history.retention", HistoryDefaults.Retention)
}

// BindStartFlags binds the flags of the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("addr", "", "gRPC health listen address (empty disables)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Bool("reflection", false, "enable gRPC reflection")
	f.String("source", "", "device source (sysfs, fixture)")
	f.String("fixture", "", "fixture file for the fixture source")
	f.String("manifest-dir", "", "directory of plugin manifests")
	f.StringSlice("disable-plugin", nil, "plugin names to skip")
	f.String("history-backend", "", "history backend (memory, badger, sqlite, redis, s3)")

	_ = v.BindPFlag("grpc.addr", f.Lookup("addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("grpc.enable_reflection", f.Lookup("reflection"))
	_ = v.BindPFlag("enumerate.source", f.Lookup("source"))
	_ = v.BindPFlag("enumerate.fixture", f.Lookup("fixture"))
	_ = v.BindPFlag("plugins.manifest_dir", f.Lookup("manifest-dir"))
	_ = v.BindPFlag("plugins.disabled", f.Lookup("disable-plugin"))
	_ = v.BindPFlag("history.backend", f.Lookup("history-backend"))
}

// LoadConfig loads the arbiter configuration from defaults, the config file
// search path, the environment and bound flags, then validates it.
func LoadConfig(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	if err := Load(v, EnvPrefix, configFile, SearchPaths()...); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Enumerate.Source {
	case SourceSysfs:
	case SourceFixture:
		if c.Enumerate.Fixture == "" {
			return fmt.Errorf("config: enumerate.fixture is required for the %s source", SourceFixture)
		}
	default:
		return fmt.Errorf("config: unknown enumerate.source %q", c.Enumerate.Source)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("config: probe.timeout must be positive, got %s", c.Probe.Timeout)
	}
	if c.Probe.ATAttempts < 1 {
		return fmt.Errorf("config: probe.at_attempts must be at least 1, got %d", c.Probe.ATAttempts)
	}
	if c.History.Backend == "" {
		return fmt.Errorf("config: history.backend is required")
	}
	return nil
}

// HistoryBackendConfig returns the backend config with the data directory filled in
// for file-backed backends that were given no explicit path.
func (c Config) HistoryBackendConfig() map[string]string {
	out := storage.MergeConfig(nil, c.History.Config)
	if _, ok := out["path"]; ok {
		return out
	}
	switch c.History.Backend {
	case "badger":
		out["path"] = c.DataPath("history")
	case "sqlite":
		out["path"] = c.DataPath("history.db")
	}
	return out
}
