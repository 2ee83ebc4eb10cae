package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/internal/storage"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after defaults, config file, environment
(MM_ARBITER_*) and flags are applied. Secrets in backend settings are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(v, configFile(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
			return configKV(out, cfg, v.ConfigFileUsed()).Render()
		},
	})
	return cmd
}

func configKV(out *cli.Output, cfg config.Config, file string) *cli.KV {
	return out.KV("config").
		Set("Config File", file).
		Set("Data Dir", cfg.ResolvedDataDir()).
		Set("Log Level", cfg.Observability.LogLevel).
		Set("Log Format", cfg.Observability.LogFormat).
		Set("Metrics Addr", cfg.Observability.MetricsAddr).
		Set("OTLP Endpoint", cfg.Observability.OTLPEndpoint).
		Set("GRPC Addr", cfg.GRPC.Addr).
		Set("Source", cfg.Enumerate.Source).
		Set("Sysfs Root", cfg.Enumerate.SysfsRoot).
		Set("Udev Dir", cfg.Enumerate.UdevDir).
		Set("Fixture", cfg.Enumerate.Fixture).
		Set("Watch", cfg.Enumerate.Watch).
		Set("Probe Timeout", cfg.Probe.Timeout).
		Set("AT Attempts", cfg.Probe.ATAttempts).
		Set("Baud Rate", cfg.Probe.BaudRate).
		Set("Manifest Dir", cfg.Plugins.ManifestDir).
		Set("Disabled Plugins", cfg.Plugins.Disabled).
		Set("History Backend", cfg.History.Backend).
		Set("History Config", storage.Describe(storage.Redact(cfg.HistoryBackendConfig()))).
		Set("Retention", cfg.History.Retention)
}
