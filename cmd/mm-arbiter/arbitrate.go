package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/arbiter"
	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/internal/enumerate"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

// errFailures is returned with --strict when any device failed.
var errFailures = errors.New("arbitration failed for some devices")

func newArbitrateCmd(v *viper.Viper) *cobra.Command {
	var (
		fixture string
		record  bool
		strict  bool
		probes  bool
	)

	cmd := &cobra.Command{
		Use:   "arbitrate",
		Short: "Arbitrate the devices of a fixture once",
		Long: `Run a full arbitration cycle for every device in a fixture file, using
the fixture's scripted probe answers, and print the resulting modems and
failures. Devices are arbitrated concurrently.

Examples:
  mm-arbiter arbitrate --fixture host.yaml
  mm-arbiter arbitrate --fixture host.yaml -o json
  mm-arbiter arbitrate --fixture host.yaml --probes   # include probe flags
  mm-arbiter arbitrate --fixture host.yaml --record   # append to history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fixture == "" {
				return errors.New("--fixture is required")
			}
			return cli.RunCommand(cli.CommandConfig{
				Name:       "mm-arbiter-arbitrate",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Stdout:     cmd.OutOrStdout(),
				Builder:    newBuilder,
				Prepare: func(cfg *config.Config) error {
					cfg.Enumerate.Source = config.SourceFixture
					cfg.Enumerate.Fixture = fixture
					if !record {
						cfg.History.Backend = "memory"
					}
					return nil
				},
				Run: func(ctx context.Context, rt *runtime.Runtime, out *cli.Output) error {
					src, ok := rt.Source().(*enumerate.FixtureSource)
					if !ok {
						return fmt.Errorf("arbitrate needs a fixture source, got %T", rt.Source())
					}
					outcomes := arbitrateAll(ctx, rt, src.Initial())
					if probes {
						if err := probesTable(out, outcomes).Render(); err != nil {
							return err
						}
					}
					if err := modemsTable(out, outcomes).Render(); err != nil {
						return err
					}
					failures := failuresTable(out, outcomes)
					if err := failures.Render(); err != nil {
						return err
					}
					if strict && failures.Len() > 0 {
						return fmt.Errorf("%w: %d", errFailures, failures.Len())
					}
					return nil
				},
			})
		},
	}

	cmd.Flags().StringVar(&fixture, "fixture", "", "fixture file describing devices and probe answers")
	cmd.Flags().BoolVar(&record, "record", false, "append outcomes to the configured history backend")
	cmd.Flags().BoolVar(&probes, "probes", false, "print what probing found on every port")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any device fails or is skipped")
	return cmd
}

// arbitrateAll runs one cycle per device and reports terminal outcomes to
// the history store. Outcomes keep the order of devs.
func arbitrateAll(ctx context.Context, rt *runtime.Runtime, devs []port.Device) []arbiter.Outcome {
	outcomes := iter.Map(devs, func(dev *port.Device) arbiter.Outcome {
		return rt.Arbitrator().Arbitrate(ctx, *dev)
	})
	for _, o := range outcomes {
		switch {
		case o.State == arbiter.StateReady:
			rt.History().ModemReady(ctx, o)
		case o.State.Terminal() || o.Err != nil:
			rt.History().ArbitrationFailed(ctx, o)
		}
	}
	return outcomes
}
