// Package obs provides the pipeline's ambient logging and metrics surface:
// a structured, leveled log/slog logger and the Prometheus counters/gauges
// the Scheduler and Bundle Assembler update as they run.
//
// Grounded on the teacher's terse, leveled progress reporting (verbose-flag
// gated log.Printf calls throughout cmd/geotiff2pmtiles/main.go) generalized
// to log/slog for structured fields, and on
// brawer-wikidata-qrank/cmd/qrank-webserver's prometheus.Register +
// promhttp.Handler pattern for metrics exposition.
package obs

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewLogger builds a log/slog logger writing leveled, structured records
// to os.Stderr. level is one of "debug", "info", "warn", "error"; an
// unrecognized value falls back to "info".
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

type loggerKey struct{}

// WithLogger attaches logger to ctx, for the common "pass one logger down
// through context" convention spec.md §2's component diagram implies.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached by WithLogger, or slog.Default()
// if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// Metrics holds every Prometheus collector the Scheduler and Bundle
// Assembler update. Namespaced "mapterhorn" per client_golang convention.
type Metrics struct {
	UnitsDispatched *prometheus.CounterVec
	UnitsSucceeded  *prometheus.CounterVec
	UnitsFailed     *prometheus.CounterVec
	UnitDuration    *prometheus.HistogramVec
	BundleArchives  prometheus.Counter
}

// NewMetrics constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer to expose on the process-wide /metrics
// endpoint.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		UnitsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapterhorn",
			Name:      "units_dispatched_total",
			Help:      "Work units dispatched to the Scheduler's worker pool, by stage.",
		}, []string{"stage"}),
		UnitsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapterhorn",
			Name:      "units_succeeded_total",
			Help:      "Work units that completed and had their sentinel touched, by stage.",
		}, []string{"stage"}),
		UnitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapterhorn",
			Name:      "units_failed_total",
			Help:      "Work units that failed, by stage and error kind.",
		}, []string{"stage", "kind"}),
		UnitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mapterhorn",
			Name:      "unit_duration_seconds",
			Help:      "Wall-clock duration of one work unit, by stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		BundleArchives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapterhorn",
			Name:      "bundle_archives_built_total",
			Help:      "Bundle archives written by the Bundle Assembler.",
		}),
	}

	for _, c := range []prometheus.Collector{m.UnitsDispatched, m.UnitsSucceeded, m.UnitsFailed, m.UnitDuration, m.BundleArchives} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("obs: registering collector: %w", err)
		}
	}
	return m, nil
}

// ServeMetrics blocks serving a Prometheus /metrics endpoint on addr over
// the given registry's gatherer, mirroring the teacher corpus's
// promhttp.Handler()-on-an-http.ServeMux pattern.
func ServeMetrics(addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
