package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/internal/history"
	"github.com/gezibash/arc-modem/internal/storage"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

// historyFlags select the backend the history subcommands open.
type historyFlags struct {
	backend string
	config  []string
}

func (f *historyFlags) prepare(cfg *config.Config) error {
	if f.backend != "" {
		cfg.History.Backend = f.backend
	}
	overrides, err := storage.ParseAssignments(f.config)
	if err != nil {
		return err
	}
	cfg.History.Config = storage.MergeConfig(cfg.History.Config, overrides)
	// Only the start command prunes on a schedule.
	cfg.History.Retention = 0
	return nil
}

func (f *historyFlags) run(cmd *cobra.Command, v *viper.Viper, name string, fn func(ctx context.Context, rt *runtime.Runtime, out *cli.Output) error) error {
	return cli.RunCommand(cli.CommandConfig{
		Name:       name,
		Viper:      v,
		ConfigFile: configFile(cmd),
		Timeout:    time.Minute,
		Stdout:     cmd.OutOrStdout(),
		Builder:    newBuilder,
		Prepare:    f.prepare,
		Run:        fn,
	})
}

func newHistoryCmd(v *viper.Viper) *cobra.Command {
	flags := &historyFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect arbitration history",
		Long: `Inspect the outcomes recorded by the arbiter: modems that became ready,
arbitrations that failed and why, and modems removed after the fact.

Examples:
  mm-arbiter history list
  mm-arbiter history list --uid usb1/1-1 --limit 5
  mm-arbiter history prune --older-than 168h
  mm-arbiter history backends
  mm-arbiter history stats --backend sqlite --history-config path=/var/lib/mm/history.db`,
	}
	cmd.PersistentFlags().StringVar(&flags.backend, "backend", "", "history backend (default from config)")
	cmd.PersistentFlags().StringArrayVar(&flags.config, "history-config", nil, "backend setting as key=value (repeatable)")

	cmd.AddCommand(
		newHistoryListCmd(v, flags),
		newHistoryPruneCmd(v, flags),
		newHistoryStatsCmd(v, flags),
		newHistoryBackendsCmd(v),
	)
	return cmd
}

func newHistoryListCmd(v *viper.Viper, flags *historyFlags) *cobra.Command {
	var q history.Query
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List history records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, v, "mm-arbiter-history", func(ctx context.Context, rt *runtime.Runtime, out *cli.Output) error {
				recs, err := rt.History().List(ctx, q)
				if err != nil {
					return err
				}
				return recordsTable(out, recs).Render()
			})
		},
	}
	cmd.Flags().StringVar(&q.UID, "uid", "", "only records of this device")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum records (0 for all)")
	return cmd
}

func newHistoryPruneCmd(v *viper.Viper, flags *historyFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}
			return flags.run(cmd, v, "mm-arbiter-history", func(ctx context.Context, rt *runtime.Runtime, out *cli.Output) error {
				cutoff := time.Now().Add(-olderThan)
				n, err := rt.History().Prune(ctx, cutoff)
				if err != nil {
					return err
				}
				return out.Result("history-prune", "pruned history").
					With("records", n).
					With("cutoff", cutoff).
					Render()
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", config.HistoryDefaults.Retention, "age of the newest record to delete")
	return cmd
}

func newHistoryStatsCmd(v *viper.Viper, flags *historyFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history backend statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.run(cmd, v, "mm-arbiter-history", func(ctx context.Context, rt *runtime.Runtime, out *cli.Output) error {
				st, err := rt.History().Stats(ctx)
				if err != nil {
					return err
				}
				cfg := rt.Config()
				return out.KV("history-stats").
					Set("Backend", st.BackendType).
					Set("Keys", st.Keys).
					Set("Size Bytes", st.SizeBytes).
					Set("Config", storage.Describe(storage.Redact(cfg.HistoryBackendConfig()))).
					Render()
			})
		},
	}
}

func newHistoryBackendsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List history backends and their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
			return backendsTable(out).Render()
		},
	}
}
