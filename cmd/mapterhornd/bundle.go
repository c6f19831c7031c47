package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/bundle"
	"github.com/mapterhorn/pipeline/internal/config"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/obs"
	"github.com/mapterhorn/pipeline/internal/scheduler"
)

func newBundleCmd(cfg *config.Config) *cobra.Command {
	var currentSnapshot, previousSnapshot string
	var all bool
	var uploadBucket, uploadPrefix, uploadRegion string

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Assemble bundle-store/ archives for every macrotile a snapshot diff touched",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := obs.NewLogger(cfg.LogLevel)

			archives, err := bundle.Discover(filepath.Join(cfg.StoreRoot, "pmtiles-store"))
			if err != nil {
				return fmt.Errorf("mapterhornd: discovering source archives: %w", err)
			}

			var dirtyParents []coord.TileID
			onlyDirty := !all
			if onlyDirty {
				if currentSnapshot == "" {
					return fmt.Errorf("mapterhornd: --current is required unless --all is set")
				}
				units, err := scheduler.DirtyAggregationUnits(cfg.StoreRoot, currentSnapshot, previousSnapshot)
				if err != nil {
					return fmt.Errorf("mapterhornd: computing dirty units: %w", err)
				}
				keys := make([]bundle.UnitKey, len(units))
				for i, u := range units {
					keys[i] = bundle.UnitKey{Z: u.Z, X: u.X, Y: u.Y, ChildZ: u.ChildZ}
				}
				dirtyParents = bundle.DirtyParents(keys)
			}

			groups := bundle.GroupByParent(archives, dirtyParents, onlyDirty)

			var sink bundle.Sink
			if uploadBucket != "" {
				s3sink, err := bundle.NewS3Sink(cmd.Context(), bundle.S3Config{
					Bucket: uploadBucket,
					Region: uploadRegion,
				})
				if err != nil {
					return fmt.Errorf("mapterhornd: configuring upload sink: %w", err)
				}
				sink = s3sink
			}

			built := 0
			for parent, group := range groups {
				name := bundle.Name(parent)
				outDir := filepath.Join(cfg.StoreRoot, "bundle-store", name)
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return fmt.Errorf("mapterhornd: creating %s: %w", outDir, err)
				}
				outPath := filepath.Join(outDir, name+".pmtiles")

				checksum, err := bundle.BuildArchive(group, outPath, cfg.Attribution)
				if err != nil {
					return fmt.Errorf("mapterhornd: building bundle %s: %w", name, err)
				}
				logger.Info("bundle archive built", "name", name, "sources", len(group), "md5", checksum)
				built++

				if sink != nil {
					key := name + "/" + name + ".pmtiles"
					if uploadPrefix != "" {
						key = uploadPrefix + "/" + key
					}
					if err := sink.Upload(cmd.Context(), outPath, key); err != nil {
						return fmt.Errorf("mapterhornd: uploading bundle %s: %w", name, err)
					}
				}
			}
			logger.Info("bundle run finished", "archives_built", built)
			return nil
		},
	}

	cmd.Flags().StringVar(&currentSnapshot, "current", "", "snapshot-id whose dirty macrotiles should be bundled")
	cmd.Flags().StringVar(&previousSnapshot, "previous", "", "previous snapshot-id to diff against")
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every bundle, not just ones touched by the snapshot diff")
	cmd.Flags().StringVar(&uploadBucket, "upload-bucket", "", "S3 bucket to upload finished bundles to (empty disables upload)")
	cmd.Flags().StringVar(&uploadPrefix, "upload-prefix", "", "S3 key prefix for uploaded bundles")
	cmd.Flags().StringVar(&uploadRegion, "upload-region", "us-east-1", "S3 region for uploaded bundles")
	return cmd
}
