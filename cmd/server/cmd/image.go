package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maldi-atlas/server/internal/spectral"
)

func newImageCmd(opts *globalOptions) *cobra.Command {
	var (
		slice    int
		ranges   []string
		mode     string
		out      string
		colormap string
		scale    int
		colorbar bool
		logScale bool
	)
	c := &cobra.Command{
		Use:   "image",
		Short: "Render one m/z range of a slice to PNG",
		Long: `image sums the given m/z ranges of a slice and writes the result as a
percentile-normalised heatmap.

Example:
  maldi-atlas image --slice 14 --range 560:800 --out slice14.png --scale 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseRangeFlags(ranges)
			if err != nil {
				return err
			}
			correction, err := spectral.ParseCorrectionMode(mode)
			if err != nil {
				return err
			}

			a, svc, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			style := svc.Renderer().DefaultStyle()
			if colormap != "" {
				style.Colormap = colormap
			}
			style.Scale = scale
			style.Colorbar = colorbar
			style.LogScale = style.LogScale || logScale

			data, err := svc.ImagePNG(slice, parsed, spectral.Options{Correction: correction}, style)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	c.Flags().IntVar(&slice, "slice", 0, "Slice id (required)")
	c.Flags().StringArrayVar(&ranges, "range", nil, "m/z range low:high (repeatable, required)")
	c.Flags().StringVar(&mode, "mode", "none", "Correction mode: none or harmonized")
	c.Flags().StringVarP(&out, "out", "o", "image.png", "Output PNG path")
	c.Flags().StringVar(&colormap, "colormap", "", "Colormap (default: render.default_colormap)")
	c.Flags().IntVar(&scale, "scale", 1, "Output pixels per acquisition pixel")
	c.Flags().BoolVar(&colorbar, "colorbar", false, "Append a colorbar")
	c.Flags().BoolVar(&logScale, "log", false, "Log-transform intensities before normalization")
	c.MarkFlagRequired("slice")
	c.MarkFlagRequired("range")
	return c
}
