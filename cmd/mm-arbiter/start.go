package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the arbiter",
		Long: `Run the arbiter until interrupted.

Devices come from sysfs (with /dev watched for hot-plug) or from a fixture.
Each device is probed, matched against the plugin registry and turned into
a modem owning its ports. Outcomes are kept in the history store.

Examples:
  mm-arbiter start                                  # sysfs, default settings
  mm-arbiter start --source fixture --fixture host.yaml
  mm-arbiter start --disable-plugin Sierra          # skip a plugin
  mm-arbiter start --history-backend sqlite         # keep history in SQLite
  mm-arbiter start --addr "" --metrics-addr ""      # no listeners`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(v, configFile(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if cfg.Observability.ServiceVersion == "dev" {
				cfg.Observability.ServiceVersion = version
			}

			rt, err := runtime.New("mm-arbiter", cfg).
				Use(runtime.WithHealth(cfg.GRPC.Addr, cfg.GRPC.EnableReflection)).
				Use(runtime.WithMetrics(cfg.Observability.MetricsAddr)).
				Build()
			if err != nil {
				return fmt.Errorf("create runtime: %w", err)
			}
			defer func() { _ = rt.Close() }()

			return rt.Run(rt.Context())
		},
	}
	config.BindStartFlags(cmd, v)
	return cmd
}
