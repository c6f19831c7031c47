package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/catalog"
	"github.com/mapterhorn/pipeline/internal/coord"
)

func newPlanCmd() *cobra.Command {
	var z, x, y, childZ int

	cmd := &cobra.Command{
		Use:   "plan <plan.csv>",
		Short: "Load and print one macrotile's plan: its priority groups and source counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			macrotile := coord.TileID{Z: z, X: x, Y: y}
			plan, err := catalog.LoadPlan(args[0], macrotile, childZ)
			if err != nil {
				return fmt.Errorf("mapterhorn-debug: %w", err)
			}

			fmt.Printf("Macrotile: z=%d x=%d y=%d, ChildZ=%d\n", plan.Macrotile.Z, plan.Macrotile.X, plan.Macrotile.Y, plan.ChildZ)
			fmt.Printf("Total source files: %d\n", plan.TotalSourceFiles())
			for _, g := range plan.GroupedSourceItems() {
				fmt.Printf("  group priority=%d maxzoom=%d: %d sources\n", g.Priority, g.MaxZoom, len(g.Items))
				for _, item := range g.Items {
					fmt.Printf("    %s  dataset=%s  source=%s  maxzoom=%d\n", item.Filename, item.DatasetID, item.Source, item.MaxZoom)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&z, "z", 6, "macrotile zoom level")
	cmd.Flags().IntVar(&x, "x", 0, "macrotile x")
	cmd.Flags().IntVar(&y, "y", 0, "macrotile y")
	cmd.Flags().IntVar(&childZ, "child-z", 13, "child (leaf) zoom level this plan targets")
	return cmd
}
