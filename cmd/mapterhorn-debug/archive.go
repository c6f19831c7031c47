package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/archive"
)

func newArchiveCmd() *cobra.Command {
	var readZXY []int

	cmd := &cobra.Command{
		Use:   "archive <file.pmtiles>",
		Short: "Dump a built archive's header, metadata, and tile count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			r, err := archive.OpenReader(path)
			if err != nil {
				return fmt.Errorf("mapterhorn-debug: opening %s: %w", path, err)
			}
			defer r.Close()

			h := r.Header()
			fmt.Printf("File: %s\n", path)
			fmt.Printf("Zoom: [%d, %d]\n", h.MinZoom, h.MaxZoom)
			fmt.Printf("Bounds: lon=[%f, %f] lat=[%f, %f]\n", h.MinLon, h.MaxLon, h.MinLat, h.MaxLat)
			fmt.Printf("TileType: %s, Clustered: %v\n", archive.TileTypeString(h.TileType), h.Clustered)
			fmt.Printf("Addressed tiles: %d, entries: %d, contents: %d\n", h.NumAddressedTiles, h.NumTileEntries, h.NumTileContents)
			fmt.Printf("NumTiles() (deduplicated): %d\n", r.NumTiles())

			meta, err := r.ReadMetadata()
			if err != nil {
				return fmt.Errorf("mapterhorn-debug: reading metadata: %w", err)
			}
			for k, v := range meta {
				fmt.Printf("  metadata[%s] = %v\n", k, v)
			}

			if len(readZXY) == 3 {
				z, x, y := readZXY[0], readZXY[1], readZXY[2]
				data, err := r.ReadTile(z, x, y)
				if err != nil {
					return fmt.Errorf("mapterhorn-debug: reading tile %d/%d/%d: %w", z, x, y, err)
				}
				fmt.Printf("Tile %d/%d/%d: %d bytes\n", z, x, y, len(data))
			}
			return nil
		},
	}

	cmd.Flags().IntSliceVar(&readZXY, "tile", nil, "read one tile by z,x,y and print its size (e.g. --tile 6,10,20)")
	return cmd
}
