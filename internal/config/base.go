package config

import (
	"path/filepath"

	"github.com/gezibash/arc-modem/internal/observability"
)

// BaseConfig contains the fields every command reads. Command configs embed
// it with mapstructure:",squash".
type BaseConfig struct {
	DataDir       string              `mapstructure:"data_dir"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// ObsConfig converts to the observability package's config.
func (c ObservabilityConfig) ObsConfig() observability.ObsConfig {
	return observability.ObsConfig{
		LogLevel:       c.LogLevel,
		LogFormat:      c.LogFormat,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPProtocol:   c.OTLPProtocol,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
	}
}

// ResolvedDataDir returns the data directory from config, or the default.
func (c BaseConfig) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// DataPath joins elem to the resolved data directory.
func (c BaseConfig) DataPath(elem ...string) string {
	return filepath.Join(append([]string{c.ResolvedDataDir()}, elem...)...)
}
