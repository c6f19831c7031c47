// Command mapterhorn-debug inspects the raw inputs and outputs of the
// pipeline: source COG rasters, built archive files, and the per-macrotile
// plans that drive the Aggregation Engine.
//
// Adapted from the teacher's standalone cmd/debug and cmd/coginfo probes
// (each a single main() dumping one raster's IFDs/tiles to stdout) into
// subcommands of one cobra tree, the same restructuring cmd/mapterhornd
// applies to cmd/geotiff2pmtiles.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "mapterhorn-debug",
		Short: "Inspect source rasters, archive files, and plan files",
	}
	root.AddCommand(newCogCmd(), newArchiveCmd(), newPlanCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
