package main

import (
	"fmt"
	"image"
	"math"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/cog"
)

func newCogCmd() *cobra.Command {
	var sampleFloat bool
	var verbose bool

	cmd := &cobra.Command{
		Use:   "cog <file.tif>",
		Short: "Dump a source raster's IFDs, bounds, and a sample tile from each level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			r, err := cog.Open(path)
			if err != nil {
				return fmt.Errorf("mapterhorn-debug: opening %s: %w", path, err)
			}
			defer r.Close()

			fmt.Printf("File: %s\n", path)
			fmt.Printf("EPSG: %d\n", r.EPSG())
			fmt.Printf("Format: %s, NoData: %q\n", r.FormatDescription(), r.NoData())
			fmt.Printf("Full-res size: %d x %d\n", r.Width(), r.Height())
			fmt.Printf("Pixel size (CRS units): %f\n", r.PixelSize())
			fmt.Printf("IFD count: %d (1 full-res + %d overviews)\n", r.IFDCount(), r.NumOverviews())

			geo := r.GeoInfo()
			fmt.Printf("Origin: X=%f, Y=%f\n", geo.OriginX, geo.OriginY)

			minX, minY, maxX, maxY := r.BoundsInCRS()
			fmt.Printf("Bounds (CRS): X=[%f, %f], Y=[%f, %f]\n", minX, maxX, minY, maxY)

			for level := 0; level < r.IFDCount(); level++ {
				ts := r.IFDTileSize(level)
				fmt.Printf("\n  IFD %d: %dx%d, tile %dx%d, pixel size=%f\n",
					level, r.IFDWidth(level), r.IFDHeight(level), ts[0], ts[1], r.IFDPixelSize(level))

				if verbose {
					ifd := r.DebugIFD(level)
					fmt.Printf("  raw IFD: compression=%d predictor=%d rowsPerStrip=%d sampleFormat=%v\n",
						ifd.Compression, ifd.Predictor, ifd.RowsPerStrip, ifd.SampleFormat)
				}

				if sampleFloat && r.IsFloat() {
					data, w, h, err := r.ReadFloatTile(level, 0, 0)
					if err != nil {
						fmt.Printf("  ReadFloatTile(level=%d, 0, 0): ERROR: %v\n", level, err)
						continue
					}
					summarizeFloatTile(data, w, h)
					continue
				}

				tile, err := r.ReadTile(level, 0, 0)
				if err != nil {
					fmt.Printf("  ReadTile(level=%d, 0, 0): ERROR: %v\n", level, err)
					continue
				}
				bounds := tile.Bounds()
				fmt.Printf("  ReadTile(level=%d, 0, 0): OK, %dx%d\n", level, bounds.Dx(), bounds.Dy())
				if level == 0 {
					samplePixels(tile, 5)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&sampleFloat, "float", false, "read float elevation tiles instead of decoding as an image (for float elevation GeoTIFFs)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print raw IFD fields (compression, predictor, strip layout) for each level")
	return cmd
}

func summarizeFloatTile(data []float32, w, h int) {
	nanCount := 0
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	for _, v := range data {
		fv := float64(v)
		if math.IsNaN(fv) {
			nanCount++
			continue
		}
		if fv < minVal {
			minVal = fv
		}
		if fv > maxVal {
			maxVal = fv
		}
	}
	fmt.Printf("  Float tile: %dx%d, %d values, NaN: %d, range: [%.2f, %.2f]\n", w, h, len(data), nanCount, minVal, maxVal)
}

func samplePixels(img image.Image, count int) {
	b := img.Bounds()
	step := b.Dx() / (count + 1)
	if step < 1 {
		step = 1
	}
	fmt.Printf("  Sample pixels (diagonal):\n")
	for i := 0; i < count; i++ {
		x := b.Min.X + (i+1)*step
		y := b.Min.Y + (i+1)*step
		if x >= b.Max.X || y >= b.Max.Y {
			break
		}
		rr, g, bb, a := img.At(x, y).RGBA()
		fmt.Printf("    (%d,%d): R=%d G=%d B=%d A=%d\n", x, y, rr>>8, g>>8, bb>>8, a>>8)
	}
}
