// Package cmd provides the server's CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	configPath string
	dataset    string
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "maldi-atlas",
		Short: "MALDI atlas - spectral range query server",
		Long: `maldi-atlas serves per-pixel MALDI spectra of tissue slices: m/z range images,
pixel and average spectra, heatmaps and RGB composites.

Commands:
  serve     run the HTTP API
  verify    check cached range images against exact ones
  image     render one m/z range of a slice to PNG
  spectrum  print the spectrum of one pixel`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/server.yaml", "Path to configuration file")
	root.PersistentFlags().StringVarP(&opts.dataset, "dataset", "d", "", "Dataset id (default: first configured dataset)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newVerifyCmd(opts))
	root.AddCommand(newImageCmd(opts))
	root.AddCommand(newSpectrumCmd(opts))
	return root
}
