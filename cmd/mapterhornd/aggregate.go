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

func newAggregateCmd(cfg *config.Config) *cobra.Command {
	var currentSnapshot, previousSnapshot string

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Run the Aggregation Engine over every dirty macrotile in a snapshot",
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
			report, err := scheduler.RunAggregation(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("mapterhornd: aggregate: %w", err)
			}
			logger.Info("aggregation run finished",
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
	cmd.Flags().StringVar(&previousSnapshot, "previous", "", "previous snapshot-id to diff against (empty = process everything not yet done)")
	return cmd
}
