package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "mm-arbiter",
		Short: "Modem plugin arbitration and port role assignment",
		Long: `mm-arbiter watches cellular modem hardware, probes each port, picks the
plugin that drives the device and assigns roles to the claimed ports.

Server:
  mm-arbiter start          Run the arbiter against the host

Client:
  mm-arbiter arbitrate      Arbitrate a fixture once and print the result
  mm-arbiter plugins        List registered plugins
  mm-arbiter history        Inspect arbitration history
  mm-arbiter config         Show the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	config.BindCommonFlags(rootCmd, v)
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, yaml, markdown)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(
		newStartCmd(v),
		newArbitrateCmd(v),
		newPluginsCmd(v),
		newHistoryCmd(v),
		newConfigCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

// configFile returns the --config flag inherited from the root command.
func configFile(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// newBuilder creates the runtime builder of client commands.
var newBuilder = cli.NewBuilder
