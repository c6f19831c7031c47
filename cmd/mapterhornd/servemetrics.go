package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mapterhorn/pipeline/internal/config"
	"github.com/mapterhorn/pipeline/internal/obs"
)

func newServeMetricsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve the Prometheus /metrics endpoint and block",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MetricsAddr == "" {
				return fmt.Errorf("mapterhornd: --metrics-addr is required")
			}
			logger := obs.NewLogger(cfg.LogLevel)

			reg := prometheus.NewRegistry()
			if _, err := obs.NewMetrics(reg); err != nil {
				return fmt.Errorf("mapterhornd: registering metrics: %w", err)
			}

			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			return obs.ServeMetrics(cfg.MetricsAddr, reg)
		},
	}
	return cmd
}
