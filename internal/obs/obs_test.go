package obs

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "nonsense"} {
		if l := NewLogger(level); l == nil {
			t.Errorf("NewLogger(%q) returned nil", level)
		}
	}
}

func TestWithLoggerRoundTrip(t *testing.T) {
	logger := slog.Default()
	ctx := WithLogger(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Errorf("FromContext did not return the attached logger")
	}
}

func TestFromContext_Default(t *testing.T) {
	if got := FromContext(context.Background()); got == nil {
		t.Errorf("FromContext with no attached logger returned nil")
	}
}

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.UnitsDispatched.WithLabelValues("aggregation").Inc()
	m.UnitsFailed.WithLabelValues("aggregation", "PlanInvalid").Inc()
	m.BundleArchives.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Errorf("no metric families registered")
	}
}

func TestNewMetrics_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first NewMetrics: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Errorf("second NewMetrics on the same registry should fail (duplicate collectors)")
	}
}
