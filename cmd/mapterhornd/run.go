package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/config"
	"github.com/mapterhorn/pipeline/internal/obs"
)

// newRunCmd chains aggregate, downsample, and bundle in sequence, the
// convenience entry point a cron-driven invocation of mapterhornd uses
// instead of scripting the three subcommands together itself.
func newRunCmd(cfg *config.Config) *cobra.Command {
	var currentSnapshot, previousSnapshot string
	var minZoom int
	var bundleAll bool
	var uploadBucket, uploadPrefix, uploadRegion string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run aggregate, downsample, and bundle back to back for one snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := obs.NewLogger(cfg.LogLevel)
			if currentSnapshot == "" {
				return fmt.Errorf("mapterhornd: --current is required")
			}

			steps := []struct {
				name string
				cmd  *cobra.Command
			}{
				{"aggregate", newAggregateCmd(cfg)},
				{"downsample", newDownsampleCmd(cfg)},
				{"bundle", newBundleCmd(cfg)},
			}

			for _, step := range steps {
				step.cmd.SetContext(cmd.Context())
				var runArgs []string
				switch step.name {
				case "aggregate", "downsample":
					runArgs = []string{"--current", currentSnapshot}
					if previousSnapshot != "" {
						runArgs = append(runArgs, "--previous", previousSnapshot)
					}
					if step.name == "downsample" {
						runArgs = append(runArgs, "--min-zoom", fmt.Sprintf("%d", minZoom))
					}
				case "bundle":
					runArgs = []string{"--current", currentSnapshot}
					if previousSnapshot != "" {
						runArgs = append(runArgs, "--previous", previousSnapshot)
					}
					if bundleAll {
						runArgs = append(runArgs, "--all")
					}
					if uploadBucket != "" {
						runArgs = append(runArgs, "--upload-bucket", uploadBucket, "--upload-prefix", uploadPrefix, "--upload-region", uploadRegion)
					}
				}
				step.cmd.SetArgs(runArgs)
				logger.Info("run: starting step", "step", step.name)
				if err := step.cmd.Execute(); err != nil {
					return fmt.Errorf("mapterhornd: run: step %s: %w", step.name, err)
				}
			}
			logger.Info("run: all steps finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&currentSnapshot, "current", "", "snapshot-id to process")
	cmd.Flags().StringVar(&previousSnapshot, "previous", "", "previous snapshot-id to diff against")
	cmd.Flags().IntVar(&minZoom, "min-zoom", 0, "coarsest zoom level to downsample up to")
	cmd.Flags().BoolVar(&bundleAll, "bundle-all", false, "rebuild every bundle instead of just dirty ones")
	cmd.Flags().StringVar(&uploadBucket, "upload-bucket", "", "S3 bucket to upload finished bundles to")
	cmd.Flags().StringVar(&uploadPrefix, "upload-prefix", "", "S3 key prefix for uploaded bundles")
	cmd.Flags().StringVar(&uploadRegion, "upload-region", "us-east-1", "S3 region for uploaded bundles")
	return cmd
}
