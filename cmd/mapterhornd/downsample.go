package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/config"
	"github.com/mapterhorn/pipeline/internal/encode"
	"github.com/mapterhorn/pipeline/internal/obs"
	"github.com/mapterhorn/pipeline/internal/scheduler"
)

func newDownsampleCmd(cfg *config.Config) *cobra.Command {
	var currentSnapshot, previousSnapshot string
	var minZoom int

	cmd := &cobra.Command{
		Use:   "downsample",
		Short: "Run the Downsampling Engine up from the native zoom to --min-zoom",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := obs.NewLogger(cfg.LogLevel)
			if currentSnapshot == "" {
				return fmt.Errorf("mapterhornd: --current is required")
			}

			enc, err := encode.NewEncoder(cfg.Format, cfg.Quality)
			if err != nil {
				return fmt.Errorf("mapterhornd: resolving encoder: %w", err)
			}

			opts := scheduler.Options{
				StoreRoot:          cfg.StoreRoot,
				CurrentSnapshotID:  currentSnapshot,
				PreviousSnapshotID: previousSnapshot,
				Workers:            cfg.Workers,
				Encoder:            enc,
				HaloMeters:         cfg.HaloMeters,
				Attribution:        cfg.Attribution,
			}

			start := time.Now()
			report, err := scheduler.RunDownsampling(cmd.Context(), opts, minZoom)
			if err != nil {
				return fmt.Errorf("mapterhornd: downsample: %w", err)
			}
			logger.Info("downsampling run finished",
				"succeeded", humanize.Comma(int64(len(report.Succeeded))),
				"failed", humanize.Comma(int64(len(report.Failed))),
				"duration", time.Since(start).Round(time.Second).String(),
			)
			for key, kind := range report.Failed {
				logger.Warn("unit failed", "unit", key, "kind", string(kind), "error", report.Errors[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&currentSnapshot, "current", "", "snapshot-id to process")
	cmd.Flags().StringVar(&previousSnapshot, "previous", "", "previous snapshot-id to diff against")
	cmd.Flags().IntVar(&minZoom, "min-zoom", 0, "coarsest zoom level to downsample up to")
	return cmd
}
