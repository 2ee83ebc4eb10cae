package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/config"
	"github.com/gezibash/arc-modem/internal/plugin"
	"github.com/gezibash/arc-modem/pkg/runtime"
)

func newPluginsCmd(v *viper.Viper) *cobra.Command {
	var manifestDir string
	var disabled []string

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins in selection order",
		Long: `List the plugins the registry initialises, built-in and manifest-defined,
in the order they are tried. Specific plugins always precede generic ones.

Examples:
  mm-arbiter plugins
  mm-arbiter plugins --manifest-dir /etc/arc-modem/plugins
  mm-arbiter plugins --disable-plugin Sierra -o markdown`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunCommand(cli.CommandConfig{
				Name:       "mm-arbiter-plugins",
				Viper:      v,
				ConfigFile: configFile(cmd),
				Stdout:     cmd.OutOrStdout(),
				Builder:    newBuilder,
				Prepare: func(cfg *config.Config) error {
					if manifestDir != "" {
						cfg.Plugins.ManifestDir = manifestDir
					}
					cfg.Plugins.Disabled = append(cfg.Plugins.Disabled, disabled...)
					cfg.History.Backend = "memory"
					return nil
				},
				Run: func(_ context.Context, rt *runtime.Runtime, out *cli.Output) error {
					return pluginsTable(out, rt.Registry().Plugins()).Render()
				},
			})
		},
	}

	cmd.Flags().StringVar(&manifestDir, "manifest-dir", "", "directory of plugin manifests")
	cmd.Flags().StringSliceVar(&disabled, "disable-plugin", nil, "plugin names to skip")
	return cmd
}

func pluginsTable(out *cli.Output, plugins []*plugin.Descriptor) *cli.Table {
	tbl := out.Table("plugins", "Order", "Name", "Match", "Subsystems", "Vendors", "Drivers", "Protocols", "Generic", "Source").
		Empty("no plugins")
	for i, p := range plugins {
		subsystems := make([]string, len(p.Subsystems))
		for j, s := range p.Subsystems {
			subsystems[j] = string(s)
		}
		vendors := make([]string, len(p.VendorIDs))
		for j, id := range p.VendorIDs {
			vendors[j] = fmt.Sprintf("%04x", id)
		}
		protocols := "-"
		if p.Protocols != 0 {
			protocols = p.Protocols.String()
		}
		tbl.AddRow(i+1, p.Name, p.Specificity(), subsystems, vendors, p.Drivers, protocols, p.Generic, p.Source)
	}
	return tbl
}
