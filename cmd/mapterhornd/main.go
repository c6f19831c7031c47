// Command mapterhornd drives the Aggregation Engine, Downsampling Engine,
// and Bundle Assembler through the Scheduler's bounded worker pool.
//
// Restructured from cmd/geotiff2pmtiles/main.go's flat flag.FlagSet into a
// github.com/spf13/cobra command tree, the same approach
// joeblew999-plat-geo's cmd/geo/main.go uses for its own multi-subcommand
// CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/config"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cfg := config.Default()
	var configFile string

	root := &cobra.Command{
		Use:   "mapterhornd",
		Short: "Build and serve the Mapterhorn elevation tile pyramid",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(configFile, &cfg); err != nil {
					return err
				}
			}
			if err := config.ApplyEnv(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return cfg.Apply()
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	config.RegisterFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(
		newAggregateCmd(&cfg),
		newDownsampleCmd(&cfg),
		newBundleCmd(&cfg),
		newRunCmd(&cfg),
		newServeMetricsCmd(&cfg),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("mapterhornd %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
