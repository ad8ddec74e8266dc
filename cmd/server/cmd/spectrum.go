package cmd

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"
)

func newSpectrumCmd(opts *globalOptions) *cobra.Command {
	var (
		slice  int
		pixel  int
		row    int
		col    int
		padded bool
	)
	c := &cobra.Command{
		Use:   "spectrum",
		Short: "Print the spectrum of one pixel",
		Long: `spectrum prints the m/z and intensity of every peak of one pixel, tab separated.
The pixel is given by index or by --row and --col.

Examples:
  maldi-atlas spectrum --slice 14 --pixel 1203
  maldi-atlas spectrum --slice 14 --row 10 --col 7 --pad`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, svc, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("row") || cmd.Flags().Changed("col") {
				if pixel, err = svc.Pixel(slice, row, col); err != nil {
					return err
				}
			} else if !cmd.Flags().Changed("pixel") {
				return fmt.Errorf("either --pixel or --row and --col is required")
			}

			spectrum, err := svc.PixelSpectrum(slice, pixel, padded)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(cmd.OutOrStdout())
			fmt.Fprintf(w, "# slice %d pixel %d: %d peaks\n", slice, pixel, len(spectrum.MZ))
			for i, mz := range spectrum.MZ {
				fmt.Fprintf(w, "%.6f\t%g\n", mz, spectrum.Intensity[i])
			}
			return w.Flush()
		},
	}
	c.Flags().IntVar(&slice, "slice", 0, "Slice id (required)")
	c.Flags().IntVar(&pixel, "pixel", 0, "Pixel index")
	c.Flags().IntVar(&row, "row", 0, "Pixel row")
	c.Flags().IntVar(&col, "col", 0, "Pixel column")
	c.Flags().BoolVar(&padded, "pad", false, "Insert zeros around peaks for line plots")
	c.MarkFlagRequired("slice")
	return c
}
